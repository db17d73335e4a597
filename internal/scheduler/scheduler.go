// Package scheduler runs the two periodic loops (C6) that keep the
// queue moving without a claim ever happening: promoting scheduled
// tasks once they're due, and expiring workers whose heartbeat has
// gone stale.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/distqueue/distqueue/internal/kv"
	"github.com/distqueue/distqueue/internal/logger"
	"github.com/distqueue/distqueue/internal/queueengine"
	"github.com/distqueue/distqueue/internal/registry"
	"github.com/distqueue/distqueue/internal/task"
)

const scheduledSetKey = "queue:scheduled"

// Config controls the loops' cadence.
type Config struct {
	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
}

// Scheduler owns the promote-due and expire-workers loops. Both are
// safe to run from more than one process concurrently: promotion is
// idempotent (a task that's already left scheduled is skipped), and
// expiry only acts on workers whose heartbeat has genuinely lapsed.
type Scheduler struct {
	store    *kv.Store
	registry *registry.Registry
	engine   *queueengine.Engine
	cfg      Config
	log      zerolog.Logger
}

func New(store *kv.Store, reg *registry.Registry, engine *queueengine.Engine, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Scheduler{
		store:    store,
		registry: reg,
		engine:   engine,
		cfg:      cfg,
		log:      logger.WithComponent("scheduler"),
	}
}

// Run blocks until ctx is cancelled or one of the two loops returns an
// unrecoverable error, at which point the other is cancelled too.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.loop(ctx, "promote-due", s.promoteDue)
	})
	g.Go(func() error {
		return s.loop(ctx, "expire-workers", s.expireWorkers)
	})

	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, tick func(context.Context) error) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				s.log.Error().Str("loop", name).Err(err).Msg("tick failed")
			}
		}
	}
}

// promoteDue moves every scheduled task whose due time has passed
// into the pending list for its priority band.
func (s *Scheduler) promoteDue(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	ids, err := s.store.ZRangeByScore(ctx, scheduledSetKey, 0, now)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.promoteOne(ctx, id); err != nil {
			s.log.Error().Str("task_id", id).Err(err).Msg("failed to promote scheduled task")
		}
	}
	return nil
}

func (s *Scheduler) promoteOne(ctx context.Context, id string) error {
	t, err := s.engine.GetTask(ctx, id)
	if errors.Is(err, queueengine.ErrNotFound) {
		return s.store.ZRem(ctx, scheduledSetKey, id)
	}
	if err != nil {
		return err
	}

	if t.State != task.StateScheduled {
		// Already moved on by some other path; just drop the stale entry.
		return s.store.ZRem(ctx, scheduledSetKey, id)
	}

	if err := s.engine.PromoteScheduled(ctx, t); err != nil {
		return err
	}
	return s.store.ZRem(ctx, scheduledSetKey, id)
}

// expireWorkers marks workers whose heartbeat has lapsed offline and
// fails whatever they were holding with "worker heartbeat timeout",
// consuming one retry attempt per task exactly as §4.6 describes. This
// is deliberately not the same path as the engine's explicit
// UnregisterWorker (driven by `unregister_worker`, which requeues directly to
// pending with no retry charged): a heartbeat timeout is a failure
// report on the worker's behalf, not a clean withdrawal.
func (s *Scheduler) expireWorkers(ctx context.Context) error {
	workers, err := s.registry.All(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, w := range workers {
		if w.Status == registry.StatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) <= s.cfg.HeartbeatTimeout {
			continue
		}

		s.log.Warn().Str("worker_id", w.ID).Time("last_heartbeat", w.LastHeartbeat).Msg("worker heartbeat expired")
		if err := s.registry.MarkOffline(ctx, w.ID); err != nil {
			s.log.Error().Str("worker_id", w.ID).Err(err).Msg("failed to mark worker offline")
			continue
		}
		if err := s.engine.FailHeldTasks(ctx, w.ID, "worker heartbeat timeout"); err != nil {
			s.log.Error().Str("worker_id", w.ID).Err(err).Msg("failed to fail tasks held by expired worker")
		}
	}
	return nil
}
