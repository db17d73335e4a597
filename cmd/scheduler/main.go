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
	"github.com/distqueue/distqueue/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting scheduler...")

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

	heartbeatTimeout := time.Duration(cfg.Queue.HeartbeatTimeoutMs) * time.Millisecond
	reg := registry.New(store, heartbeatTimeout)
	bus := events.NewBus(events.NewStreamSink(store))
	engine := queueengine.New(store, reg, bus, queueengine.Config{
		MaxRetries:        cfg.Queue.MaxRetries,
		BaseRetryDelayMs:  cfg.Queue.BaseRetryDelayMs,
		MaxRetryDelayMs:   cfg.Queue.MaxRetryDelayMs,
		DeadLetterEnabled: cfg.Queue.DeadLetterEnabled,
		DefaultStrategy:   distribution.Policy(cfg.Queue.DefaultStrategy),
	})

	s := scheduler.New(store, reg, engine, scheduler.Config{
		PollInterval:     time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		HeartbeatTimeout: heartbeatTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down scheduler...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("scheduler loop exited with error")
		}
	}

	log.Info().Msg("Scheduler stopped")
}
