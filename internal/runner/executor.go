// Package runner drives claimed tasks through registered handlers: a
// concurrency-limited pool of goroutines that claim, execute and
// report back to the queue engine, with a heartbeat loop keeping the
// worker's registry record alive.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/distqueue/distqueue/internal/logger"
	"github.com/distqueue/distqueue/internal/task"
)

// Handler processes one task and returns its output, or an error that
// triggers the engine's retry/dead-letter path.
type Handler func(ctx context.Context, t *task.Task) (map[string]interface{}, error)

// Executor runs the handler registered for a task's type, recovering
// from panics so one bad handler can't take down the worker.
type Executor struct {
	handlers map[string]Handler
}

func NewExecutor(handlers map[string]Handler) *Executor {
	if handlers == nil {
		handlers = make(map[string]Handler)
	}
	return &Executor{handlers: handlers}
}

var (
	ErrHandlerNotFound = errors.New("handler not found for task type")
	ErrTaskTimeout     = errors.New("task execution timed out")
	ErrTaskCanceled    = errors.New("task execution canceled")
)

func (e *Executor) Execute(ctx context.Context, t *task.Task) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("task_id", t.ID).
				Str("type", t.Type).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	handler, ok := e.handlers[t.Type]
	if !ok {
		return nil, ErrHandlerNotFound
	}

	log := logger.WithTask(t.ID)
	log.Debug().Str("type", t.Type).Int("attempt", t.Attempts).Msg("executing task")

	start := time.Now()
	result, err = handler(ctx, t)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Dur("duration", duration).Msg("task timed out")
			return nil, ErrTaskTimeout
		}
		if errors.Is(err, context.Canceled) {
			log.Warn().Dur("duration", duration).Msg("task canceled")
			return nil, ErrTaskCanceled
		}
		log.Error().Err(err).Dur("duration", duration).Msg("task failed")
		return nil, err
	}

	log.Debug().Dur("duration", duration).Msg("task executed successfully")
	return result, nil
}
