package runner

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distqueue/distqueue/internal/distribution"
	"github.com/distqueue/distqueue/internal/events"
	"github.com/distqueue/distqueue/internal/kv"
	"github.com/distqueue/distqueue/internal/queueengine"
	"github.com/distqueue/distqueue/internal/registry"
	"github.com/distqueue/distqueue/internal/task"
)

func TestPool_ClaimsAndCompletesTask(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := kv.New(client, "testq")
	reg := registry.New(store, time.Minute)
	bus := events.NewBus(nil)
	eng := queueengine.New(store, reg, bus, queueengine.Config{
		MaxRetries:        3,
		BaseRetryDelayMs:  10,
		MaxRetryDelayMs:   1000,
		DeadLetterEnabled: true,
		DefaultStrategy:   distribution.LoadBasedPolicy,
	})

	done := make(chan struct{})
	pool := NewPool(Config{
		ID:           "w1",
		Capacity:     1,
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, eng, reg, map[string]Handler{
		"echo": func(ctx context.Context, t *task.Task) (map[string]interface{}, error) {
			close(done)
			return map[string]interface{}{"ok": true}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, pool.Start(ctx))

	enq, err := eng.Enqueue(context.Background(), task.EnqueueOptions{Type: "echo"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		reloaded, err := eng.GetTask(context.Background(), enq.ID)
		return err == nil && reloaded.State == task.StateCompleted
	}, time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, pool.Stop(stopCtx))

	_, err = reg.Get(context.Background(), "w1")
	assert.ErrorIs(t, err, registry.ErrWorkerNotFound)
}
