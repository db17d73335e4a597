// Package integration runs the concrete end-to-end scenarios against a
// real (miniredis-backed) KV store, exercising the engine, registry and
// scheduler together the way a deployed worker fleet would.
package integration

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
	"github.com/distqueue/distqueue/internal/scheduler"
	"github.com/distqueue/distqueue/internal/task"
)

type harness struct {
	store    *kv.Store
	registry *registry.Registry
	engine   *queueengine.Engine
	events   []events.Event
	cancel   context.CancelFunc
	cleanup  func()
}

func newHarness(t *testing.T, cfg queueengine.Config, heartbeatTimeout time.Duration, pollInterval time.Duration) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.New(client, "itest")
	reg := registry.New(store, heartbeatTimeout)
	bus := events.NewBus(nil)

	h := &harness{store: store, registry: reg}
	bus.On(func(evt events.Event) error {
		h.events = append(h.events, evt)
		return nil
	})

	eng := queueengine.New(store, reg, bus, cfg)
	h.engine = eng

	sched := scheduler.New(store, reg, eng, scheduler.Config{
		PollInterval:     pollInterval,
		HeartbeatTimeout: heartbeatTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { _ = sched.Run(ctx) }()

	h.cleanup = func() {
		cancel()
		client.Close()
		mr.Close()
	}
	return h
}

func (h *harness) eventTypes() []events.Type {
	out := make([]events.Type, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func defaultCfg() queueengine.Config {
	return queueengine.Config{
		MaxRetries:        3,
		BaseRetryDelayMs:  1000,
		MaxRetryDelayMs:   300000,
		DeadLetterEnabled: true,
		DefaultStrategy:   distribution.LoadBasedPolicy,
	}
}

// S1 Happy path.
func TestScenario_S1_HappyPath(t *testing.T) {
	h := newHarness(t, defaultCfg(), time.Minute, 50*time.Millisecond)
	defer h.cleanup()
	ctx := context.Background()

	_, err := h.registry.Register(ctx, registry.RegisterOptions{ID: "w1", Capacity: 3})
	require.NoError(t, err)

	t1, err := h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium, Payload: map[string]interface{}{"x": 1}})
	require.NoError(t, err)

	claimed, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "w1", claimed.AssigneeID)
	assert.Equal(t, task.StateAssigned, claimed.State)

	_, err = h.engine.Start(ctx, t1.ID)
	require.NoError(t, err)
	_, err = h.engine.Complete(ctx, t1.ID, map[string]interface{}{"result": "ok"})
	require.NoError(t, err)

	final, err := h.engine.GetTask(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, final.State)

	w, err := h.registry.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Load)

	assert.Equal(t, []events.Type{
		events.TaskEnqueued,
		events.TaskAssigned,
		events.TaskStarted,
		events.TaskCompleted,
	}, h.eventTypes())
}

// S2 Retry then dead.
func TestScenario_S2_RetryThenDead(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxRetries = 2
	cfg.BaseRetryDelayMs = 10
	h := newHarness(t, cfg, time.Minute, 5*time.Millisecond)
	defer h.cleanup()
	ctx := context.Background()

	_, err := h.registry.Register(ctx, registry.RegisterOptions{ID: "w1", Capacity: 3})
	require.NoError(t, err)

	t2, err := h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "flaky", Priority: task.PriorityMedium})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		var claimed *task.Task
		require.Eventually(t, func() bool {
			c, err := h.engine.Claim(ctx, "w1")
			require.NoError(t, err)
			if c == nil {
				return false
			}
			claimed = c
			return true
		}, 2*time.Second, 5*time.Millisecond)

		_, err = h.engine.Start(ctx, claimed.ID)
		require.NoError(t, err)
		_, err = h.engine.Fail(ctx, claimed.ID, "boom")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		cur, err := h.engine.GetTask(ctx, t2.ID)
		require.NoError(t, err)
		return cur.State == task.StateDead
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := h.engine.DeadLetterEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, t2.ID, entries[0].Task.ID)
	assert.Len(t, entries[0].Task.ErrorHistory, 3)
}

// S3 Priority.
func TestScenario_S3_Priority(t *testing.T) {
	h := newHarness(t, defaultCfg(), time.Minute, 50*time.Millisecond)
	defer h.cleanup()
	ctx := context.Background()

	_, err := h.registry.Register(ctx, registry.RegisterOptions{ID: "w1", Capacity: 5})
	require.NoError(t, err)

	tLow, err := h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityLow})
	require.NoError(t, err)
	tCrit, err := h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityCritical})
	require.NoError(t, err)

	first, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, tCrit.ID, first.ID)

	second, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, tLow.ID, second.ID)
}

// S4 Sticky stickiness + failover.
func TestScenario_S4_StickyFailover(t *testing.T) {
	cfg := defaultCfg()
	cfg.DefaultStrategy = distribution.StickyPolicy
	h := newHarness(t, cfg, time.Minute, 50*time.Millisecond)
	defer h.cleanup()
	ctx := context.Background()

	_, err := h.registry.Register(ctx, registry.RegisterOptions{ID: "w1", Capacity: 5})
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, registry.RegisterOptions{ID: "w2", Capacity: 5})
	require.NoError(t, err)

	_, err = h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium, StickyKey: "K"})
	require.NoError(t, err)
	claimedA, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimedA)
	firstWorker := claimedA.AssigneeID

	_, err = h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium, StickyKey: "K"})
	require.NoError(t, err)
	claimedB, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimedB)
	assert.Equal(t, firstWorker, claimedB.AssigneeID)

	require.NoError(t, h.engine.UnregisterWorker(ctx, firstWorker))

	_, err = h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium, StickyKey: "K"})
	require.NoError(t, err)

	otherWorker := "w1"
	if firstWorker == "w1" {
		otherWorker = "w2"
	}

	var claimedC *task.Task
	require.Eventually(t, func() bool {
		c, err := h.engine.Claim(ctx, "")
		require.NoError(t, err)
		if c == nil {
			return false
		}
		claimedC = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, otherWorker, claimedC.AssigneeID)
}

// S5 Skill match.
func TestScenario_S5_SkillMatch(t *testing.T) {
	cfg := defaultCfg()
	cfg.DefaultStrategy = distribution.SkillBasedPolicy
	h := newHarness(t, cfg, time.Minute, 50*time.Millisecond)
	defer h.cleanup()
	ctx := context.Background()

	_, err := h.registry.Register(ctx, registry.RegisterOptions{ID: "w_ts", Capacity: 5, Skills: []string{"typescript"}})
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, registry.RegisterOptions{ID: "w_py", Capacity: 5, Skills: []string{"python"}})
	require.NoError(t, err)

	tTS, err := h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium, RequiredSkills: []string{"typescript"}})
	require.NoError(t, err)

	claimed, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, tTS.ID, claimed.ID)
	assert.Equal(t, "w_ts", claimed.AssigneeID)

	_, err = h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium, RequiredSkills: []string{"ml"}})
	require.NoError(t, err)

	none, err := h.engine.Claim(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, none)

	depth, err := h.engine.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

// S6 Worker death.
func TestScenario_S6_WorkerDeath(t *testing.T) {
	heartbeatTimeout := 30 * time.Millisecond
	h := newHarness(t, defaultCfg(), heartbeatTimeout, 10*time.Millisecond)
	defer h.cleanup()
	ctx := context.Background()

	_, err := h.registry.Register(ctx, registry.RegisterOptions{ID: "w1", Capacity: 1})
	require.NoError(t, err)

	t1, err := h.engine.Enqueue(ctx, task.EnqueueOptions{Type: "noop", Priority: task.PriorityMedium})
	require.NoError(t, err)

	claimed, err := h.engine.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = h.engine.Start(ctx, t1.ID)
	require.NoError(t, err)

	// Stop heartbeating w1 entirely; do not call reg.Heartbeat again.

	require.Eventually(t, func() bool {
		cur, err := h.engine.GetTask(ctx, t1.ID)
		require.NoError(t, err)
		return cur.State == task.StatePending || cur.State == task.StateScheduled
	}, 2*time.Second, 10*time.Millisecond)

	w, err := h.registry.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOffline, w.Status)
}
