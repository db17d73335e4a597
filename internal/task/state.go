package task

import (
	"errors"
	"time"
)

// State is the task's position in its lifecycle.
type State int

const (
	StatePending State = iota
	StateScheduled
	StateAssigned
	StateProcessing
	StateCompleted
	StateFailed
	StateCancelled
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScheduled:
		return "scheduled"
	case StateAssigned:
		return "assigned"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

func ParseState(s string) State {
	switch s {
	case "pending":
		return StatePending
	case "scheduled":
		return StateScheduled
	case "assigned":
		return StateAssigned
	case "processing":
		return StateProcessing
	case "completed":
		return StateCompleted
	case "failed":
		return StateFailed
	case "cancelled":
		return StateCancelled
	case "dead":
		return StateDead
	default:
		return StatePending
	}
}

// IsTerminal reports whether no further transition is legal.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateDead
}

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidTaskData   = errors.New("invalid task data")
	ErrTaskNotFound      = errors.New("task not found")
)

// ValidTransitions is the single source of truth for legal moves (§4.2).
// failed's destinations are reachable only through the engine's Fail
// operation, which picks scheduled or dead based on retry budget; no
// other caller may request that transition directly.
var ValidTransitions = map[State][]State{
	StatePending:    {StateAssigned, StateCancelled},
	StateScheduled:  {StatePending, StateCancelled},
	StateAssigned:   {StateProcessing, StatePending, StateFailed, StateCancelled},
	StateProcessing: {StateCompleted, StateFailed, StateCancelled},
	StateFailed:     {StateScheduled, StateDead},
	StateCompleted:  {},
	StateCancelled:  {},
	StateDead:       {},
}

// CanTransitionTo reports whether the move from s to target is legal.
func (s State) CanTransitionTo(target State) bool {
	for _, v := range ValidTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// StateMachine is the sole mutator of a task's State. Its transition
// methods also set the timestamps a move implies and, where the method
// says so, the assignee, progress and scheduled-for fields.
type StateMachine struct {
	task *Task
}

func NewStateMachine(t *Task) *StateMachine {
	return &StateMachine{task: t}
}

// Transition moves the task to target if legal, updating UpdatedAt and
// any timestamp the transition implies. It does not touch the assignee
// field or progress — callers set those before or after as the
// operation semantics require.
func (sm *StateMachine) Transition(target State) error {
	if !sm.task.State.CanTransitionTo(target) {
		return ErrIllegalTransition
	}

	now := time.Now().UTC()
	sm.task.State = target
	sm.task.UpdatedAt = now

	switch target {
	case StateProcessing:
		if sm.task.StartedAt == nil {
			sm.task.StartedAt = &now
		}
	case StateCompleted, StateCancelled, StateDead:
		sm.task.CompletedAt = &now
	}

	return nil
}

// Assign moves pending->assigned, binding the assignee.
func (sm *StateMachine) Assign(workerID string) error {
	if err := sm.Transition(StateAssigned); err != nil {
		return err
	}
	sm.task.AssigneeID = workerID
	return nil
}

// Start moves assigned->processing.
func (sm *StateMachine) Start() error {
	return sm.Transition(StateProcessing)
}

// Complete moves processing->completed.
func (sm *StateMachine) Complete() error {
	if err := sm.Transition(StateCompleted); err != nil {
		return err
	}
	sm.task.LastError = ""
	return nil
}

// Cancel moves pending, scheduled, assigned or processing to cancelled;
// from any other state it returns ErrIllegalTransition.
func (sm *StateMachine) Cancel() error {
	return sm.Transition(StateCancelled)
}

// RequeueFromAssigned moves assigned->pending, for the worker-loss path
// described in §4.2 ("requeue on worker loss").
func (sm *StateMachine) RequeueFromAssigned() error {
	if err := sm.Transition(StatePending); err != nil {
		return err
	}
	sm.task.AssigneeID = ""
	return nil
}

// ScheduleRetry moves failed->scheduled, clearing the assignee and
// resetting progress for the next attempt.
func (sm *StateMachine) ScheduleRetry(dueAt time.Time) error {
	if err := sm.Transition(StateScheduled); err != nil {
		return err
	}
	sm.task.ScheduledFor = &dueAt
	sm.task.AssigneeID = ""
	sm.task.Progress = 0
	return nil
}

// MoveToDead moves failed->dead, recording the reason.
func (sm *StateMachine) MoveToDead(reason string) error {
	if err := sm.Transition(StateDead); err != nil {
		return err
	}
	sm.task.DeadLetterReason = reason
	return nil
}

// PromoteDue moves scheduled->pending, clearing scheduled-for.
func (sm *StateMachine) PromoteDue() error {
	if err := sm.Transition(StatePending); err != nil {
		return err
	}
	sm.task.ScheduledFor = nil
	return nil
}

// RequeueHeld resets an assigned or processing task back to pending, for
// a worker that vanished while holding it (§4.3 Unregister). It bypasses
// ValidTransitions deliberately, the same way ReplayFromDead does:
// assigned->pending is already legal, but processing->pending is not,
// since the only normal exits from processing are Complete/Fail/Cancel.
// A task whose worker disappeared mid-processing still needs a route
// back to pending that charges no retry attempt — unlike the
// scheduler's heartbeat-expiry path, which goes through Fail on purpose.
func (sm *StateMachine) RequeueHeld() error {
	if sm.task.State != StateAssigned && sm.task.State != StateProcessing {
		return ErrIllegalTransition
	}
	sm.task.State = StatePending
	sm.task.AssigneeID = ""
	sm.task.UpdatedAt = time.Now().UTC()
	return nil
}

// ReplayFromDead resets a dead-letter task to a fresh pending task. It
// bypasses the transition table deliberately: dead has no legal exits,
// but replay is a distinct recovery operation, not a state transition.
func (sm *StateMachine) ReplayFromDead() error {
	sm.task.Attempts = 0
	sm.task.LastError = ""
	sm.task.DeadLetterReason = ""
	sm.task.Progress = 0
	sm.task.AssigneeID = ""
	sm.task.StartedAt = nil
	sm.task.CompletedAt = nil
	sm.task.State = StatePending
	sm.task.UpdatedAt = time.Now().UTC()
	return nil
}
