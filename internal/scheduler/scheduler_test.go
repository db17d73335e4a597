package scheduler

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

func newTestDeps(t *testing.T) (*kv.Store, *registry.Registry, *queueengine.Engine, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.New(client, "testq")
	reg := registry.New(store, 50*time.Millisecond)
	bus := events.NewBus(nil)
	eng := queueengine.New(store, reg, bus, queueengine.Config{
		MaxRetries:        3,
		BaseRetryDelayMs:  10,
		MaxRetryDelayMs:   1000,
		DeadLetterEnabled: true,
		DefaultStrategy:   distribution.LoadBasedPolicy,
	})

	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return store, reg, eng, cleanup
}

func TestScheduler_PromoteDue_MovesDueTaskToPending(t *testing.T) {
	store, reg, eng, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := eng.Enqueue(ctx, task.EnqueueOptions{Type: "echo", DelayMs: 1})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	s := New(store, reg, eng, Config{PollInterval: time.Hour, HeartbeatTimeout: time.Minute})
	require.NoError(t, s.promoteDue(ctx))

	reloaded, err := eng.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, reloaded.State)

	depth, err := eng.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestScheduler_PromoteDue_SkipsNotYetDue(t *testing.T) {
	store, reg, eng, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	tk, err := eng.Enqueue(ctx, task.EnqueueOptions{Type: "echo", DelayMs: 60_000})
	require.NoError(t, err)

	s := New(store, reg, eng, Config{PollInterval: time.Hour, HeartbeatTimeout: time.Minute})
	require.NoError(t, s.promoteDue(ctx))

	reloaded, err := eng.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateScheduled, reloaded.State)
}

func TestScheduler_ExpireWorkers_FailsHeldTasks(t *testing.T) {
	store, reg, eng, cleanup := newTestDeps(t)
	defer cleanup()
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	tk, err := eng.Enqueue(ctx, task.EnqueueOptions{Type: "echo"})
	require.NoError(t, err)
	_, err = eng.Claim(ctx, "w1")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond) // heartbeat timeout is 50ms

	s := New(store, reg, eng, Config{PollInterval: time.Hour, HeartbeatTimeout: 50 * time.Millisecond})
	require.NoError(t, s.expireWorkers(ctx))

	// The held task is failed (one retry attempt charged), not requeued
	// for free: with a fresh retry budget it lands back in scheduled,
	// awaiting its backoff delay, as the S6 worker-death scenario in
	// test/integration also accepts.
	reloaded, err := eng.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateScheduled, reloaded.State)
	assert.Equal(t, 1, reloaded.Attempts)

	w, err := reg.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOffline, w.Status)
}
