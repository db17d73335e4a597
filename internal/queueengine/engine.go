// Package queueengine implements the queue engine (C5): enqueue, claim,
// start, complete, progress, fail, cancel and dead-letter replay,
// orchestrating the KV adapter, task state machine, worker registry
// and distribution policies.
package queueengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/distqueue/distqueue/internal/distribution"
	"github.com/distqueue/distqueue/internal/events"
	"github.com/distqueue/distqueue/internal/kv"
	"github.com/distqueue/distqueue/internal/logger"
	"github.com/distqueue/distqueue/internal/registry"
	"github.com/distqueue/distqueue/internal/task"
)

// Config carries the options §6.4 recognizes that this package needs
// directly (heartbeat_timeout_ms and key_prefix are consumed by the
// registry and the KV store respectively, at construction time).
type Config struct {
	MaxRetries        int
	BaseRetryDelayMs  int64
	MaxRetryDelayMs   int64
	DeadLetterEnabled bool
	DefaultStrategy   distribution.Policy
}

// Engine is the caller-owned handle the programmatic API is built on.
// It holds no singleton state beyond the round-robin cursor, per the
// "replace singletons with an explicit handle" redesign note.
type Engine struct {
	store    *kv.Store
	registry *registry.Registry
	bus      *events.Bus
	cfg      Config
	log      zerolog.Logger

	mu              sync.Mutex
	roundRobinIndex int
}

func New(store *kv.Store, reg *registry.Registry, bus *events.Bus, cfg Config) *Engine {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = distribution.LoadBasedPolicy
	}
	return &Engine{
		store:           store,
		registry:        reg,
		bus:             bus,
		cfg:             cfg,
		log:             logger.WithComponent("queueengine"),
		roundRobinIndex: -1,
	}
}

// Enqueue mints an id if absent, fills defaults, and files the task
// into the scheduled set (if delayed) or the pending list of its
// priority band (otherwise). Returns the constructed task.
func (e *Engine) Enqueue(ctx context.Context, opts task.EnqueueOptions) (*task.Task, error) {
	t := task.New(opts, e.cfg.MaxRetries, e.cfg.BaseRetryDelayMs)

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	if t.State == task.StateScheduled {
		if err := e.store.ZAdd(ctx, scheduledSetKey, float64(t.ScheduledFor.UnixMilli()), t.ID); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.PushHead(ctx, pendingListKey(t.Priority), t.ID); err != nil {
			return nil, err
		}
		if err := e.store.ZAdd(ctx, priorityCheckKey(t.Priority), float64(time.Now().UnixNano()), t.ID); err != nil {
			return nil, err
		}
	}

	e.bus.Emit(ctx, events.Event{
		Type:   events.TaskEnqueued,
		TaskID: t.ID,
		Payload: map[string]interface{}{
			"type":     t.Type,
			"priority": t.Priority.String(),
		},
	})

	return t, nil
}

// Claim serves a directed claim when workerID is non-empty, or an
// arbitrated claim otherwise.
func (e *Engine) Claim(ctx context.Context, workerID string) (*task.Task, error) {
	if workerID != "" {
		return e.claimDirected(ctx, workerID)
	}
	return e.claimArbitrated(ctx)
}

func (e *Engine) claimDirected(ctx context.Context, workerID string) (*task.Task, error) {
	w, err := e.registry.Get(ctx, workerID)
	if errors.Is(err, registry.ErrWorkerNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if w.Status == registry.StatusOffline {
		return nil, nil
	}
	if w.Load >= w.Capacity {
		return nil, nil // CapacityExceeded: null return, not an exception
	}

	id, err := e.popNextPending(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	t, err := e.loadTask(ctx, id)
	if err != nil {
		e.log.Warn().Str("task_id", id).Err(err).Msg("claimed id did not resolve to a task record")
		return nil, nil
	}
	if t.State != task.StatePending {
		e.log.Warn().Str("task_id", id).Str("state", t.State.String()).Msg("popped id was not pending")
		return nil, nil
	}

	return e.assign(ctx, t, workerID)
}

func (e *Engine) claimArbitrated(ctx context.Context) (*task.Task, error) {
	id, err := e.popNextPending(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	t, err := e.loadTask(ctx, id)
	if err != nil {
		e.log.Warn().Str("task_id", id).Err(err).Msg("claimed id did not resolve to a task record")
		return nil, nil
	}
	if t.State != task.StatePending {
		return nil, nil
	}

	workers, err := e.registry.AvailableWorkers(ctx)
	if err != nil {
		return nil, err
	}

	result, err := e.resolveWorker(ctx, t, workers)
	if err != nil {
		return nil, err
	}
	if result == nil {
		// NoRoute: not an error, the task goes back to the head of its
		// priority list. Claims pop from the tail, so it now waits
		// behind every task already pending in its band.
		if pushErr := e.store.PushHead(ctx, pendingListKey(t.Priority), id); pushErr != nil {
			return nil, pushErr
		}
		return nil, nil
	}

	return e.assign(ctx, t, result.WorkerID)
}

// popNextPending drains the per-priority pending lists strictly
// highest to lowest, resolving the "exact pop/priority interaction"
// open question: a single enqueue-ordered structure per band instead
// of one flat list.
func (e *Engine) popNextPending(ctx context.Context) (string, error) {
	for _, p := range task.Priorities() {
		id, err := e.store.PopTail(ctx, pendingListKey(p))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", nil
}

func (e *Engine) resolveWorker(ctx context.Context, t *task.Task, workers []registry.Worker) (*distribution.Result, error) {
	policy := distribution.Select(t.RoutingHint, t.StickyKey, t.RequiredSkills, e.cfg.DefaultStrategy)

	switch policy {
	case distribution.StickyPolicy:
		return e.resolveSticky(ctx, t, workers)
	case distribution.RoundRobinPolicy:
		e.mu.Lock()
		result, next := distribution.RoundRobin(distribution.Context{Workers: workers, LastIndex: e.roundRobinIndex})
		e.roundRobinIndex = next
		e.mu.Unlock()
		return result, nil
	case distribution.SkillBasedPolicy:
		// No load-based fallback here: SkillBased already returns nil
		// when required-skills is non-empty and no candidate matched
		// (§4.4.3), and the task must wait rather than land on an
		// unskilled worker (§8 Property 7). Falling back to load-based
		// would place it on whichever worker happens to be free.
		return distribution.SkillBased(distribution.Context{Workers: workers, RequiredSkills: t.RequiredSkills}), nil
	default:
		return distribution.LoadBased(distribution.Context{Workers: workers}), nil
	}
}

func (e *Engine) resolveSticky(ctx context.Context, t *task.Task, workers []registry.Worker) (*distribution.Result, error) {
	var bound string
	if t.StickyKey != "" {
		v, err := e.store.HGet(ctx, stickyMapKey, t.StickyKey)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		bound = v
	}

	result, fallThrough := distribution.Sticky(distribution.Context{Workers: workers, StickyWorkerID: bound})
	if !fallThrough {
		return result, nil
	}

	result = distribution.LoadBased(distribution.Context{Workers: workers})
	if result != nil && t.StickyKey != "" {
		if err := e.store.HSet(ctx, stickyMapKey, t.StickyKey, result.WorkerID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) assign(ctx context.Context, t *task.Task, workerID string) (*task.Task, error) {
	sm := task.NewStateMachine(t)
	if err := sm.Assign(workerID); err != nil {
		return nil, fmt.Errorf("assign %s: %w", t.ID, err)
	}

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if err := e.store.ZAdd(ctx, processingSetKey, float64(time.Now().UnixMilli()), t.ID); err != nil {
		return nil, err
	}
	if err := e.registry.IncrLoad(ctx, workerID, 1); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskAssigned, TaskID: t.ID, WorkerID: workerID})
	return t, nil
}

// Start moves assigned->processing.
func (e *Engine) Start(ctx context.Context, id string) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	sm := task.NewStateMachine(t)
	if err := sm.Start(); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskStarted, TaskID: t.ID, WorkerID: t.AssigneeID})
	return t, nil
}

// Progress clamps pct to [0,100], merges data, and emits task.progress
// without changing the task's state.
func (e *Engine) Progress(ctx context.Context, id string, pct int, data map[string]interface{}) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	t.SetProgress(pct, data)
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{
		Type:     events.TaskProgress,
		TaskID:   t.ID,
		WorkerID: t.AssigneeID,
		Payload:  map[string]interface{}{"progress": t.Progress},
	})
	return t, nil
}

// Complete moves processing->completed, decrements the assignee's load
// and removes the task from the processing set.
func (e *Engine) Complete(ctx context.Context, id string, output map[string]interface{}) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	assignee := t.AssigneeID
	sm := task.NewStateMachine(t)
	if err := sm.Complete(); err != nil {
		return nil, err
	}
	if output != nil {
		t.SetProgress(100, output)
	}

	if err := e.store.ZRem(ctx, processingSetKey, id); err != nil {
		return nil, err
	}
	if assignee != "" {
		if err := e.registry.IncrLoad(ctx, assignee, -1); err != nil {
			return nil, err
		}
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskCompleted, TaskID: t.ID, WorkerID: assignee})
	return t, nil
}

// Fail increments the retry count and either schedules a backoff retry
// or dead-letters the task, per the retry budget. The assignee's load
// is decremented before the assignee field is cleared — the engine's
// fix for the source's bug (§9 open question: load decrement on fail).
func (e *Engine) Fail(ctx context.Context, id string, errMsg string) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}

	assignee := t.AssigneeID
	t.LastError = errMsg
	t.ErrorHistory = append(t.ErrorHistory, errMsg)
	t.Attempts++

	sm := task.NewStateMachine(t)
	if err := sm.Transition(task.StateFailed); err != nil {
		return nil, err
	}

	if err := e.store.ZRem(ctx, processingSetKey, id); err != nil {
		return nil, err
	}
	if assignee != "" {
		if err := e.registry.IncrLoad(ctx, assignee, -1); err != nil {
			return nil, err
		}
	}
	t.AssigneeID = ""

	if t.CanRetry() {
		return e.scheduleRetry(ctx, t, assignee, errMsg)
	}
	return e.deadLetter(ctx, t, assignee, "retry budget exhausted")
}

func (e *Engine) scheduleRetry(ctx context.Context, t *task.Task, previousAssignee, errMsg string) (*task.Task, error) {
	delay := t.NextBackoff(e.cfg.MaxRetryDelayMs)
	due := time.Now().UTC().Add(delay)

	sm := task.NewStateMachine(t)
	if err := sm.ScheduleRetry(due); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if err := e.store.ZAdd(ctx, scheduledSetKey, float64(due.UnixMilli()), t.ID); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{
		Type:     events.TaskRetried,
		TaskID:   t.ID,
		WorkerID: previousAssignee,
		Payload: map[string]interface{}{
			"retry_count": t.Attempts,
			"max_retries": t.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"error":       errMsg,
		},
	})
	return t, nil
}

func (e *Engine) deadLetter(ctx context.Context, t *task.Task, previousAssignee, reason string) (*task.Task, error) {
	if e.cfg.DeadLetterEnabled {
		sm := task.NewStateMachine(t)
		if err := sm.MoveToDead(reason); err != nil {
			return nil, err
		}

		env := &task.DeadLetterEnvelope{
			Version:      task.DeadLetterEnvelopeVersion,
			Task:         t,
			DiedAt:       time.Now().UTC(),
			Reason:       reason,
			ErrorHistory: t.ErrorHistory,
		}
		data, err := env.ToJSON()
		if err != nil {
			return nil, err
		}
		if err := e.store.ZAdd(ctx, deadSetKey, float64(env.DiedAt.UnixMilli()), t.ID); err != nil {
			return nil, err
		}
		if err := e.store.SetTTL(ctx, deadLetterEntryKey(t.ID), string(data), taskTTLDays*24*time.Hour); err != nil {
			return nil, err
		}
	} else {
		// dead_letter_enabled=false: the task stops at failed, a
		// terminal outcome in practice even though the state machine's
		// table still nominally permits failed->{scheduled,dead}.
		t.DeadLetterReason = reason
	}

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{
		Type:     events.TaskDeadLettered,
		TaskID:   t.ID,
		WorkerID: previousAssignee,
		Payload:  map[string]interface{}{"reason": reason, "attempts": t.Attempts},
	})
	return t, nil
}

func deadLetterEntryKey(id string) string {
	return "queue:dead:entry:" + id
}

// Cancel is legal from pending, scheduled, assigned and processing;
// from any other state it returns ErrIllegalTransition. It issues removals
// against all three position structures (only one will actually hold
// the id) and decrements the assignee's load if the task was actively
// held.
func (e *Engine) Cancel(ctx context.Context, id string, reason string) (*task.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State.IsTerminal() {
		return nil, ErrIllegalTransition
	}

	assignee := t.AssigneeID
	held := t.State == task.StateAssigned || t.State == task.StateProcessing

	sm := task.NewStateMachine(t)
	if err := sm.Cancel(); err != nil {
		return nil, err
	}
	if reason != "" {
		t.LastError = reason
	}

	if err := e.store.RemoveValue(ctx, pendingListKey(t.Priority), id); err != nil {
		return nil, err
	}
	if err := e.store.ZRem(ctx, scheduledSetKey, id); err != nil {
		return nil, err
	}
	if err := e.store.ZRem(ctx, processingSetKey, id); err != nil {
		return nil, err
	}

	if held && assignee != "" {
		if err := e.registry.IncrLoad(ctx, assignee, -1); err != nil {
			return nil, err
		}
	}

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskCancelled, TaskID: t.ID, WorkerID: assignee, Payload: map[string]interface{}{"reason": reason}})
	return t, nil
}

// ReplayDeadLetter locates a dead-letter entry, removes it, resets the
// task's retry state and re-enqueues it as pending.
func (e *Engine) ReplayDeadLetter(ctx context.Context, id string) (*task.Task, error) {
	data, err := e.store.Get(ctx, deadLetterEntryKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	env, err := task.DeadLetterEnvelopeFromJSON([]byte(data))
	if err != nil {
		e.log.Error().Str("task_id", id).Err(err).Msg("failed to decode dead-letter envelope")
		return nil, ErrNotFound
	}

	if err := e.store.Delete(ctx, deadLetterEntryKey(id)); err != nil {
		return nil, err
	}
	if err := e.store.ZRem(ctx, deadSetKey, id); err != nil {
		return nil, err
	}

	t := env.Task
	sm := task.NewStateMachine(t)
	if err := sm.ReplayFromDead(); err != nil {
		return nil, err
	}
	t.ErrorHistory = nil

	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	if err := e.store.PushHead(ctx, pendingListKey(t.Priority), t.ID); err != nil {
		return nil, err
	}
	if err := e.store.ZAdd(ctx, priorityCheckKey(t.Priority), float64(time.Now().UnixNano()), t.ID); err != nil {
		return nil, err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskEnqueued, TaskID: t.ID, Payload: map[string]interface{}{"replayed": true}})
	return t, nil
}

// GetTask fetches a single task record.
func (e *Engine) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return e.loadTask(ctx, id)
}

// PromoteScheduled moves a due scheduled task onto its priority band's
// pending list. The caller (the scheduler's promote-due loop) owns
// removing the id from the scheduled set once this returns.
func (e *Engine) PromoteScheduled(ctx context.Context, t *task.Task) error {
	sm := task.NewStateMachine(t)
	if err := sm.PromoteDue(); err != nil {
		return err
	}

	if err := e.saveTask(ctx, t); err != nil {
		return err
	}
	if err := e.store.PushHead(ctx, pendingListKey(t.Priority), t.ID); err != nil {
		return err
	}
	if err := e.store.ZAdd(ctx, priorityCheckKey(t.Priority), float64(time.Now().UnixNano()), t.ID); err != nil {
		return err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskPromoted, TaskID: t.ID})
	return nil
}

// QueueDepth sums the pending lists across all priority bands.
func (e *Engine) QueueDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range task.Priorities() {
		n, err := e.store.ListLen(ctx, pendingListKey(p))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// DeadLetterEntries returns up to limit dead-letter envelopes, most
// recently dead first.
func (e *Engine) DeadLetterEntries(ctx context.Context, limit int64) ([]*task.DeadLetterEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := e.store.ZRangeByRank(ctx, deadSetKey, -limit, -1)
	if err != nil {
		return nil, err
	}

	envelopes := make([]*task.DeadLetterEnvelope, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		data, err := e.store.Get(ctx, deadLetterEntryKey(ids[i]))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		env, err := task.DeadLetterEnvelopeFromJSON([]byte(data))
		if err != nil {
			e.log.Error().Str("task_id", ids[i]).Err(err).Msg("failed to decode dead-letter envelope")
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// UnregisterWorker finds every task currently held (assigned or
// processing) by id, requeues each to pending, then removes the
// worker record. A best-effort sequence: if interrupted partway, the
// scheduler's expire-workers sweep finishes the job once the
// worker's heartbeat TTL lapses.
func (e *Engine) UnregisterWorker(ctx context.Context, id string) error {
	held, err := e.tasksHeldBy(ctx, id)
	if err != nil {
		return err
	}

	for _, t := range held {
		if err := e.requeueHeldTask(ctx, t); err != nil {
			e.log.Error().Str("task_id", t.ID).Err(err).Msg("failed to requeue task during worker unregister")
		}
	}

	return e.registry.Remove(ctx, id)
}

// FailHeldTasks routes every task currently held (assigned or
// processing) by workerID through the normal Fail path with errMsg,
// consuming one retry attempt per task exactly as if the worker itself
// had reported the failure (§4.6 expire-workers). Unlike
// UnregisterWorker, it does not touch the worker record — MarkOffline
// and the worker's shortened TTL are the caller's responsibility for
// that.
func (e *Engine) FailHeldTasks(ctx context.Context, workerID string, errMsg string) error {
	held, err := e.tasksHeldBy(ctx, workerID)
	if err != nil {
		return err
	}

	for _, t := range held {
		if _, err := e.Fail(ctx, t.ID, errMsg); err != nil {
			e.log.Error().Str("task_id", t.ID).Err(err).Msg("failed to fail held task during worker expiry")
		}
	}
	return nil
}

func (e *Engine) tasksHeldBy(ctx context.Context, workerID string) ([]*task.Task, error) {
	ids, err := e.store.ZRangeByRank(ctx, processingSetKey, 0, -1)
	if err != nil {
		return nil, err
	}

	var held []*task.Task
	for _, id := range ids {
		t, err := e.loadTask(ctx, id)
		if err != nil {
			continue
		}
		if t.AssigneeID == workerID {
			held = append(held, t)
		}
	}
	return held, nil
}

func (e *Engine) requeueHeldTask(ctx context.Context, t *task.Task) error {
	sm := task.NewStateMachine(t)
	if err := sm.RequeueHeld(); err != nil {
		return err
	}

	if err := e.store.ZRem(ctx, processingSetKey, t.ID); err != nil {
		return err
	}
	if err := e.saveTask(ctx, t); err != nil {
		return err
	}
	if err := e.store.PushHead(ctx, pendingListKey(t.Priority), t.ID); err != nil {
		return err
	}

	e.bus.Emit(ctx, events.Event{Type: events.TaskPromoted, TaskID: t.ID, Payload: map[string]interface{}{"reason": "worker unregistered"}})
	return nil
}

func (e *Engine) loadTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := e.store.Get(ctx, taskKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t, err := task.FromJSON([]byte(data))
	if err != nil {
		e.log.Error().Str("task_id", id).Err(err).Msg("failed to decode task record")
		return nil, ErrNotFound
	}
	return t, nil
}

func (e *Engine) saveTask(ctx context.Context, t *task.Task) error {
	data, err := t.ToJSON()
	if err != nil {
		return err
	}
	return e.store.SetTTL(ctx, taskKey(t.ID), string(data), taskTTLDays*24*time.Hour)
}
