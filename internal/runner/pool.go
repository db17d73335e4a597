package runner

import (
	"context"
	"sync"
	"time"

	"github.com/distqueue/distqueue/internal/logger"
	"github.com/distqueue/distqueue/internal/queueengine"
	"github.com/distqueue/distqueue/internal/registry"
)

// Config controls one pool's shape. Skills and Capacity are the values
// the pool registers itself with; Concurrency is how many goroutines
// pull work concurrently (bounded separately from registry capacity,
// which the engine enforces on claim).
type Config struct {
	ID                string
	Skills            []string
	Capacity          int
	Concurrency       int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
}

// Pool claims tasks directed at its own worker id, runs them through
// an Executor, and reports completion or failure back to the engine.
type Pool struct {
	id       string
	engine   *queueengine.Engine
	registry *registry.Registry
	executor *Executor
	cfg      Config

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewPool(cfg Config, engine *queueengine.Engine, reg *registry.Registry, handlers map[string]Handler) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Pool{
		id:       cfg.ID,
		engine:   engine,
		registry: reg,
		executor: NewExecutor(handlers),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start registers the worker and spawns its concurrency goroutines
// plus the heartbeat loop.
func (p *Pool) Start(ctx context.Context) error {
	if _, err := p.registry.Register(ctx, registry.RegisterOptions{
		ID:       p.id,
		Skills:   p.cfg.Skills,
		Capacity: p.cfg.Capacity,
	}); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	logger.Info().Str("worker_id", p.id).Int("concurrency", p.cfg.Concurrency).Msg("worker pool started")
	return nil
}

// Stop signals every goroutine to exit, waits up to ShutdownTimeout
// for in-flight tasks to drain, and unregisters the worker (requeuing
// whatever it was still holding).
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Str("worker_id", p.id).Msg("worker pool stopped gracefully")
	case <-time.After(p.cfg.ShutdownTimeout):
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown timed out")
	case <-ctx.Done():
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown canceled")
	}

	unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.engine.UnregisterWorker(unregisterCtx, p.id)
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.registry.Heartbeat(ctx, p.id); err != nil {
				logger.Error().Str("worker_id", p.id).Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	log := logger.WithWorker(p.id)
	log.Info().Int("worker_num", workerNum).Msg("worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.processNextTask(ctx); err != nil {
				log.Error().Err(err).Msg("error processing task")
			}
		}
	}
}

func (p *Pool) processNextTask(ctx context.Context) error {
	t, err := p.engine.Claim(ctx, p.id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	log := logger.WithTask(t.ID)

	if _, err := p.engine.Start(ctx, t.ID); err != nil {
		log.Error().Err(err).Msg("failed to start claimed task")
		return err
	}

	result, execErr := p.executor.Execute(ctx, t)
	if execErr != nil {
		if _, err := p.engine.Fail(ctx, t.ID, execErr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to record task failure")
			return err
		}
		return nil
	}

	if _, err := p.engine.Complete(ctx, t.ID, result); err != nil {
		log.Error().Err(err).Msg("failed to record task completion")
		return err
	}
	return nil
}
