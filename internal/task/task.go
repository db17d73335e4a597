// Package task owns the canonical task record, its serialization, and
// the state machine governing legal transitions. All other components
// change a task's State only through this package's StateMachine.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is one of four discrete bands, numbered 1 (low) to 4
// (critical).
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Score returns the band's numeric ranking (1 for low up to 4 for
// critical). The engine's per-band priority sets are scored by enqueue
// time, not by this value.
func (p Priority) Score() float64 {
	return float64(p)
}

func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "medium":
		return PriorityMedium
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Priorities lists every band, highest first — the order the engine
// drains per-priority pending lists in.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// Task is a durable unit of deferred work.
type Task struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   Priority               `json:"priority"`
	State      State                  `json:"state"`
	AssigneeID string                 `json:"assignee_id,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Attempts         int   `json:"attempts"`
	MaxRetries       int   `json:"max_retries"`
	BaseRetryDelayMs int64 `json:"base_retry_delay_ms"`

	RequiredSkills []string `json:"required_skills,omitempty"`
	StickyKey      string   `json:"sticky_key,omitempty"`
	RoutingHint    string   `json:"routing_hint,omitempty"`

	Progress     int                    `json:"progress"`
	ProgressData map[string]interface{} `json:"progress_data,omitempty"`

	LastError        string   `json:"last_error,omitempty"`
	ErrorHistory     []string `json:"error_history,omitempty"`
	DeadLetterReason string   `json:"dead_letter_reason,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// EnqueueOptions mirrors the fields recognized by the programmatic
// enqueue operation (§6.2). Unknown fields from a caller's own request
// type are expected to land in Metadata before reaching here.
type EnqueueOptions struct {
	ID             string
	Type           string
	Payload        map[string]interface{}
	Priority       Priority
	DelayMs        int64
	ScheduledFor   *time.Time
	MaxRetries     int
	RetryDelayMs   int64
	RequiredSkills []string
	StickyKey      string
	RoutingHint    string
	Metadata       map[string]string
}

// New builds a Task from enqueue options, filling every default the
// spec assigns: priority=medium, max-retries from the caller's config.
func New(opts EnqueueOptions, defaultMaxRetries int, defaultBaseDelayMs int64) *Task {
	now := time.Now().UTC()

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityMedium
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	baseDelay := opts.RetryDelayMs
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelayMs
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}

	t := &Task{
		ID:               id,
		Type:             opts.Type,
		Payload:          opts.Payload,
		Priority:         priority,
		State:            StatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
		MaxRetries:       maxRetries,
		BaseRetryDelayMs: baseDelay,
		RequiredSkills:   opts.RequiredSkills,
		StickyKey:        opts.StickyKey,
		RoutingHint:      opts.RoutingHint,
		Metadata:         metadata,
	}

	scheduledFor := opts.ScheduledFor
	if scheduledFor == nil && opts.DelayMs > 0 {
		due := now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
		scheduledFor = &due
	}
	if scheduledFor != nil {
		t.State = StateScheduled
		t.ScheduledFor = scheduledFor
	}

	return t
}

// SetProgress clamps pct to [0,100] and merges data into ProgressData.
func (t *Task) SetProgress(pct int, data map[string]interface{}) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.Progress = pct

	if len(data) == 0 {
		return
	}
	if t.ProgressData == nil {
		t.ProgressData = make(map[string]interface{}, len(data))
	}
	for k, v := range data {
		t.ProgressData[k] = v
	}
}

// CanRetry reports whether the task's retry budget is not yet exhausted.
// Attempts is incremented before this is checked (see Engine.Fail), so a
// task with max-retries=N retries on Attempts 1..N and only dead-letters
// on the (N+1)-th failure — exactly max_retries+1 Fail calls total,
// matching the retry-count <= max-retries invariant (§3.1) and the
// "exactly max_retries + 1 Fail calls" property (§8 Property 3).
func (t *Task) CanRetry() bool {
	return t.Attempts <= t.MaxRetries
}

// NextBackoff computes the exponential-backoff delay for the attempt
// that is about to be scheduled: delay = min(base*2^(attempt-1), max).
func (t *Task) NextBackoff(maxDelayMs int64) time.Duration {
	return Backoff(t.BaseRetryDelayMs, t.Attempts, maxDelayMs)
}

// ToJSON serializes the task record.
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON deserializes a task record.
func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeadLetterEnvelope is the versioned record written to the dead-letter
// set. Versioning keeps future migrations mechanical (§9 redesign note).
type DeadLetterEnvelope struct {
	Version      int       `json:"version"`
	Task         *Task     `json:"task"`
	DiedAt       time.Time `json:"died_at"`
	Reason       string    `json:"reason"`
	ErrorHistory []string  `json:"error_history"`
}

const DeadLetterEnvelopeVersion = 1

func (e *DeadLetterEnvelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func DeadLetterEnvelopeFromJSON(data []byte) (*DeadLetterEnvelope, error) {
	var e DeadLetterEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
