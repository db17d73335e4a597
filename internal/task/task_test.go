package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_String(t *testing.T) {
	tests := []struct {
		priority Priority
		expected string
	}{
		{PriorityLow, "low"},
		{PriorityMedium, "medium"},
		{PriorityHigh, "high"},
		{PriorityCritical, "critical"},
		{Priority(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.priority.String())
		})
	}
}

func TestPriority_Score(t *testing.T) {
	assert.Equal(t, float64(1), PriorityLow.Score())
	assert.Equal(t, float64(2), PriorityMedium.Score())
	assert.Equal(t, float64(3), PriorityHigh.Score())
	assert.Equal(t, float64(4), PriorityCritical.Score())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input    string
		expected Priority
	}{
		{"low", PriorityLow},
		{"medium", PriorityMedium},
		{"high", PriorityHigh},
		{"critical", PriorityCritical},
		{"invalid", PriorityMedium},
		{"", PriorityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParsePriority(tt.input))
		})
	}
}

func TestPriorities_DescendingOrder(t *testing.T) {
	assert.Equal(t, []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}, Priorities())
}

func TestNew_Defaults(t *testing.T) {
	tsk := New(EnqueueOptions{Type: "email", Payload: map[string]interface{}{"to": "a@b.com"}}, 3, 1000)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "email", tsk.Type)
	assert.Equal(t, PriorityMedium, tsk.Priority)
	assert.Equal(t, StatePending, tsk.State)
	assert.Equal(t, 0, tsk.Attempts)
	assert.Equal(t, 3, tsk.MaxRetries)
	assert.Equal(t, int64(1000), tsk.BaseRetryDelayMs)
	assert.False(t, tsk.CreatedAt.IsZero())
	assert.NotNil(t, tsk.Metadata)
}

func TestNew_ExplicitID(t *testing.T) {
	tsk := New(EnqueueOptions{ID: "fixed-id", Type: "t"}, 3, 1000)
	assert.Equal(t, "fixed-id", tsk.ID)
}

func TestNew_CustomRetryBudget(t *testing.T) {
	tsk := New(EnqueueOptions{Type: "t", MaxRetries: 7, RetryDelayMs: 500}, 3, 1000)
	assert.Equal(t, 7, tsk.MaxRetries)
	assert.Equal(t, int64(500), tsk.BaseRetryDelayMs)
}

func TestNew_DelayMsSchedulesTask(t *testing.T) {
	tsk := New(EnqueueOptions{Type: "t", DelayMs: 60000}, 3, 1000)
	assert.Equal(t, StateScheduled, tsk.State)
	require.NotNil(t, tsk.ScheduledFor)
	assert.True(t, tsk.ScheduledFor.After(time.Now().UTC()))
}

func TestNew_ScheduledForSchedulesTask(t *testing.T) {
	due := time.Now().UTC().Add(time.Hour)
	tsk := New(EnqueueOptions{Type: "t", ScheduledFor: &due}, 3, 1000)
	assert.Equal(t, StateScheduled, tsk.State)
	assert.Equal(t, due, *tsk.ScheduledFor)
}

func TestNew_RoutingFields(t *testing.T) {
	tsk := New(EnqueueOptions{
		Type:           "t",
		RequiredSkills: []string{"python"},
		StickyKey:      "K",
		RoutingHint:    "round-robin",
	}, 3, 1000)

	assert.Equal(t, []string{"python"}, tsk.RequiredSkills)
	assert.Equal(t, "K", tsk.StickyKey)
	assert.Equal(t, "round-robin", tsk.RoutingHint)
}

func TestTask_CanRetry(t *testing.T) {
	tsk := New(EnqueueOptions{Type: "t"}, 3, 1000)

	tsk.Attempts = 0
	assert.True(t, tsk.CanRetry())
	tsk.Attempts = 2
	assert.True(t, tsk.CanRetry())
	tsk.Attempts = 3
	assert.True(t, tsk.CanRetry())
	tsk.Attempts = 4
	assert.False(t, tsk.CanRetry())
}

func TestTask_SetProgress_Clamps(t *testing.T) {
	tsk := New(EnqueueOptions{Type: "t"}, 3, 1000)

	tsk.SetProgress(-10, nil)
	assert.Equal(t, 0, tsk.Progress)

	tsk.SetProgress(150, nil)
	assert.Equal(t, 100, tsk.Progress)

	tsk.SetProgress(42, map[string]interface{}{"step": 1})
	assert.Equal(t, 42, tsk.Progress)
	assert.Equal(t, 1, tsk.ProgressData["step"])

	tsk.SetProgress(50, map[string]interface{}{"step": 2})
	assert.Equal(t, 2, tsk.ProgressData["step"])
}

func TestTask_ToJSON_FromJSON(t *testing.T) {
	original := New(EnqueueOptions{Type: "t", Payload: map[string]interface{}{"key": "value"}}, 3, 1000)

	data, err := original.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Type, restored.Type)
	assert.Equal(t, original.Priority, restored.Priority)
	assert.Equal(t, original.State, restored.State)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestDeadLetterEnvelope_RoundTrip(t *testing.T) {
	tsk := New(EnqueueOptions{Type: "t"}, 3, 1000)
	env := &DeadLetterEnvelope{
		Version:      DeadLetterEnvelopeVersion,
		Task:         tsk,
		DiedAt:       time.Now().UTC(),
		Reason:       "retries exhausted",
		ErrorHistory: []string{"boom", "boom", "boom"},
	}

	data, err := env.ToJSON()
	require.NoError(t, err)

	restored, err := DeadLetterEnvelopeFromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, 1, restored.Version)
	assert.Equal(t, tsk.ID, restored.Task.ID)
	assert.Len(t, restored.ErrorHistory, 3)
}
