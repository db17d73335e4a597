// Package registry implements the worker registry (C3): registration,
// heartbeat-driven liveness, load accounting and the available-workers
// snapshot the distribution policies consume.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/distqueue/distqueue/internal/kv"
)

// Status is a worker's liveness/capacity state (§3.2).
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Worker is the registry's durable record for one agent.
type Worker struct {
	ID            string            `json:"id"`
	Skills        []string          `json:"skills"`
	Capacity      int               `json:"capacity"`
	Load          int               `json:"load"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

var ErrWorkerNotFound = errors.New("worker not found")

const workersSetKey = "agents"

func workerKey(id string) string {
	return "agent:" + id
}

// Registry wraps the KV store with the operations C3 defines. It does
// not know about tasks; reassigning a departed worker's held tasks is
// the queue engine's job, composed on top of this registry.
type Registry struct {
	store            *kv.Store
	heartbeatTimeout time.Duration

	mu       sync.Mutex
	cached   []Worker
	cachedAt time.Time
	cacheTTL time.Duration
}

func New(store *kv.Store, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		store:            store,
		heartbeatTimeout: heartbeatTimeout,
		cacheTTL:         heartbeatTimeout / 10,
	}
}

// RegisterOptions mirrors register_worker(options) (§6.2).
type RegisterOptions struct {
	ID       string
	Skills   []string
	Capacity int
	Metadata map[string]string
}

// Register writes a fresh worker record with TTL = 2x heartbeat-timeout
// and adds the id to the workers set. Re-registering replaces the
// record wholesale (idempotent, preserves nothing from the prior run).
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) (*Worker, error) {
	w := &Worker{
		ID:            opts.ID,
		Skills:        opts.Skills,
		Capacity:      opts.Capacity,
		Load:          0,
		Status:        StatusIdle,
		LastHeartbeat: time.Now().UTC(),
		Metadata:      opts.Metadata,
	}

	if err := r.write(ctx, w, 2*r.heartbeatTimeout); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, workersSetKey, w.ID); err != nil {
		return nil, err
	}
	r.invalidate()
	return w, nil
}

// Heartbeat sets last-heartbeat to now, recomputes status from load,
// and refreshes the record's TTL.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*Worker, error) {
	w, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	w.LastHeartbeat = time.Now().UTC()
	w.Status = statusForLoad(w.Load, w.Capacity)

	if err := r.write(ctx, w, 2*r.heartbeatTimeout); err != nil {
		return nil, err
	}
	r.invalidate()
	return w, nil
}

func statusForLoad(load, capacity int) Status {
	if load >= capacity && capacity > 0 {
		return StatusBusy
	}
	return StatusIdle
}

// IncrLoad adjusts a worker's current load by delta (+1 on claim, -1 on
// completion/failure/cancellation), clamped to >= 0.
func (r *Registry) IncrLoad(ctx context.Context, id string, delta int) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	w.Load += delta
	if w.Load < 0 {
		w.Load = 0
	}
	w.Status = statusForLoad(w.Load, w.Capacity)

	if err := r.write(ctx, w, 2*r.heartbeatTimeout); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// Get fetches a single worker record.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	data, err := r.store.Get(ctx, workerKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}

	var w Worker
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("worker record %s: %w", id, err)
	}
	return &w, nil
}

// MarkOffline flags a worker offline and shortens its TTL so the stale
// entry disappears on its own (§4.6 expire-workers).
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = StatusOffline
	if err := r.write(ctx, w, r.heartbeatTimeout); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// Remove deletes the worker record and its set entry. Callers that
// need to requeue the worker's held tasks must do so before calling
// Remove (the registry does not know about tasks).
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, workerKey(id)); err != nil {
		return err
	}
	if err := r.store.SRem(ctx, workersSetKey, id); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// ListIDs returns every registered worker id.
func (r *Registry) ListIDs(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, workersSetKey)
}

// All fetches every worker record, pruning ids whose record already
// expired (heartbeat TTL elapsed) from the workers set as it goes.
func (r *Registry) All(ctx context.Context) ([]Worker, error) {
	ids, err := r.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	workers := make([]Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.Get(ctx, id)
		if errors.Is(err, ErrWorkerNotFound) {
			_ = r.store.SRem(ctx, workersSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

// AvailableWorkers returns non-offline workers with free capacity,
// filtered by heartbeat freshness, for the distribution policies to
// choose among. Records are cached for up to a tenth of the heartbeat
// timeout; any write through this Registry drops the cache.
func (r *Registry) AvailableWorkers(ctx context.Context) ([]Worker, error) {
	r.mu.Lock()
	if time.Since(r.cachedAt) < r.cacheTTL && r.cached != nil {
		snapshot := make([]Worker, len(r.cached))
		copy(snapshot, r.cached)
		r.mu.Unlock()
		return r.filterAvailable(snapshot), nil
	}
	r.mu.Unlock()

	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = all
	r.cachedAt = time.Now().UTC()
	r.mu.Unlock()

	return r.filterAvailable(all), nil
}

func (r *Registry) filterAvailable(all []Worker) []Worker {
	now := time.Now().UTC()
	out := make([]Worker, 0, len(all))
	for _, w := range all {
		if w.Status == StatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.heartbeatTimeout {
			continue
		}
		if w.Load >= w.Capacity {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cachedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Registry) write(ctx context.Context, w *Worker, ttl time.Duration) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.store.SetTTL(ctx, workerKey(w.ID), string(data), ttl)
}
