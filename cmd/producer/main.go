// Command producer demonstrates driving the engine directly as a
// library, without a running worker: register one demo worker, enqueue
// a critical and a low-priority task, and log each emitted event and
// the resulting queue depth.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/distqueue/distqueue/internal/config"
	"github.com/distqueue/distqueue/internal/distribution"
	"github.com/distqueue/distqueue/internal/events"
	"github.com/distqueue/distqueue/internal/kv"
	"github.com/distqueue/distqueue/internal/logger"
	"github.com/distqueue/distqueue/internal/queueengine"
	"github.com/distqueue/distqueue/internal/registry"
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

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()

	store := kv.New(client, cfg.Queue.KeyPrefix)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to reach Redis")
	}

	heartbeatTimeout := time.Duration(cfg.Queue.HeartbeatTimeoutMs) * time.Millisecond
	reg := registry.New(store, heartbeatTimeout)
	bus := events.NewBus(events.NewStreamSink(store))
	bus.On(func(evt events.Event) error {
		log.Info().Str("event", string(evt.Type)).Str("task_id", evt.TaskID).Str("worker_id", evt.WorkerID).Msg("event")
		return nil
	})

	engine := queueengine.New(store, reg, bus, queueengine.Config{
		MaxRetries:        cfg.Queue.MaxRetries,
		BaseRetryDelayMs:  cfg.Queue.BaseRetryDelayMs,
		MaxRetryDelayMs:   cfg.Queue.MaxRetryDelayMs,
		DeadLetterEnabled: cfg.Queue.DeadLetterEnabled,
		DefaultStrategy:   distribution.Policy(cfg.Queue.DefaultStrategy),
	})

	if _, err := reg.Register(ctx, registry.RegisterOptions{ID: "producer-demo-worker", Capacity: 5}); err != nil {
		log.Fatal().Err(err).Msg("failed to register demo worker")
	}

	if _, err := engine.Enqueue(ctx, task.EnqueueOptions{Type: "echo", Priority: task.PriorityCritical, Payload: map[string]interface{}{"x": 1}}); err != nil {
		log.Fatal().Err(err).Msg("failed to enqueue")
	}
	if _, err := engine.Enqueue(ctx, task.EnqueueOptions{Type: "sleep", Priority: task.PriorityLow, Payload: map[string]interface{}{"duration": 250}}); err != nil {
		log.Fatal().Err(err).Msg("failed to enqueue")
	}

	depth, err := engine.QueueDepth(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read queue depth")
	}
	log.Info().Int64("depth", depth).Msg("producer run complete")
}
