// Package events implements the event fan-out (C7): an in-process
// synchronous dispatcher plus an optional append-only KV-backed sink
// for cross-process consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/distqueue/distqueue/internal/logger"
)

// Type is one of the closed set of event kinds the engine emits.
type Type string

const (
	TaskEnqueued     Type = "task.enqueued"
	TaskPromoted     Type = "task.promoted"
	TaskAssigned     Type = "task.assigned"
	TaskStarted      Type = "task.started"
	TaskProgress     Type = "task.progress"
	TaskCompleted    Type = "task.completed"
	TaskRetried      Type = "task.retried"
	TaskDeadLettered Type = "task.dead_lettered"
	TaskCancelled    Type = "task.cancelled"
)

// Event is the envelope emitted for every state-changing operation.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"task_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler observes events. A handler that panics or returns an error
// is logged and swallowed; it never fails the operation that produced
// the event.
type Handler func(Event) error

// Subscription identifies a registered handler for later removal.
type Subscription int

// Sink is the cross-process leg of the fan-out: an append-only log a
// publisher can push finished events to.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// Bus is the in-process dispatcher. It invokes handlers synchronously,
// in registration order, and additionally appends every event to an
// optional Sink for the KV store's cross-process `stream` log.
type Bus struct {
	mu       sync.Mutex
	handlers map[Subscription]Handler
	order    []Subscription
	nextID   Subscription
	sink     Sink
	log      zerolog.Logger
}

// NewBus constructs a dispatcher. sink may be nil to skip the
// cross-process leg (as tests typically do).
func NewBus(sink Sink) *Bus {
	return &Bus{
		handlers: make(map[Subscription]Handler),
		sink:     sink,
		log:      logger.WithComponent("events"),
	}
}

// On registers a handler, invoked for every subsequent Emit.
func (b *Bus) On(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.order = append(b.order, id)
	return id
}

// Off removes a previously registered handler.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, sub)
	for i, id := range b.order {
		if id == sub {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit dispatches evt to every handler in registration order, then to
// the sink if configured. Handler panics are recovered and logged;
// handler and sink errors are logged, never propagated.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	order := make([]Subscription, len(b.order))
	copy(order, b.order)
	handlers := make(map[Subscription]Handler, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	b.mu.Unlock()

	for _, id := range order {
		h, ok := handlers[id]
		if !ok {
			continue
		}
		b.invoke(h, evt)
	}

	if b.sink != nil {
		if err := b.sink.Append(ctx, evt); err != nil {
			b.log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("failed to append event to stream")
		}
	}
}

func (b *Bus) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event_type", string(evt.Type)).Msg("event handler panicked")
		}
	}()
	if err := h(evt); err != nil {
		b.log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("event handler returned error")
	}
}
