package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/distqueue/distqueue/internal/config"
	"github.com/distqueue/distqueue/internal/distribution"
	"github.com/distqueue/distqueue/internal/events"
	"github.com/distqueue/distqueue/internal/kv"
	"github.com/distqueue/distqueue/internal/logger"
	"github.com/distqueue/distqueue/internal/queueengine"
	"github.com/distqueue/distqueue/internal/registry"
	"github.com/distqueue/distqueue/internal/runner"
	"github.com/distqueue/distqueue/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting worker...")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer client.Close()

	store := kv.New(client, cfg.Queue.KeyPrefix)
	if err := store.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to reach Redis")
	}

	reg := registry.New(store, time.Duration(cfg.Queue.HeartbeatTimeoutMs)*time.Millisecond)
	bus := events.NewBus(events.NewStreamSink(store))
	engine := queueengine.New(store, reg, bus, queueengine.Config{
		MaxRetries:        cfg.Queue.MaxRetries,
		BaseRetryDelayMs:  cfg.Queue.BaseRetryDelayMs,
		MaxRetryDelayMs:   cfg.Queue.MaxRetryDelayMs,
		DeadLetterEnabled: cfg.Queue.DeadLetterEnabled,
		DefaultStrategy:   distribution.Policy(cfg.Queue.DefaultStrategy),
	})

	handlers := map[string]runner.Handler{
		"echo":    echoHandler,
		"sleep":   sleepHandler,
		"compute": computeHandler,
		"fail":    failHandler,
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", os.Getpid())
	}

	pool := runner.NewPool(runner.Config{
		ID:                workerID,
		Skills:            cfg.Worker.Skills,
		Capacity:          cfg.Worker.Capacity,
		Concurrency:       cfg.Worker.Concurrency,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
	}, engine, reg, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pool")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker shutdown error")
	}

	log.Info().Msg("Worker stopped")
}

// Example task handlers, exercising the handler contract end to end.

func echoHandler(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
	logger.Info().Str("task_id", t.ID).Interface("payload", t.Payload).Msg("echo handler processing task")
	return map[string]interface{}{"echoed": t.Payload}, nil
}

func sleepHandler(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
	duration := 1 * time.Second
	if d, ok := t.Payload["duration"].(float64); ok {
		duration = time.Duration(d) * time.Millisecond
	}

	logger.Info().Str("task_id", t.ID).Dur("duration", duration).Msg("sleep handler processing task")

	select {
	case <-time.After(duration):
		return map[string]interface{}{"slept_for": duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeHandler(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
	iterations := 1_000_000
	if i, ok := t.Payload["iterations"].(float64); ok {
		iterations = int(i)
	}

	logger.Info().Str("task_id", t.ID).Int("iterations", iterations).Msg("compute handler processing task")

	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}

	return map[string]interface{}{"result": sum}, nil
}

func failHandler(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
	logger.Info().Str("task_id", t.ID).Msg("fail handler processing task")
	return nil, fmt.Errorf("intentional failure for testing")
}
