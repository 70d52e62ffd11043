// Package statemachine implements the guarded execution lifecycle: a
// constant transition table over the finite execution states, with
// timestamped history and synchronous listeners.
package statemachine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// Event drives a state transition.
type Event string

// Lifecycle events.
const (
	EventTrigger           Event = "trigger"
	EventValidationSuccess Event = "validation_success"
	EventValidationFailed  Event = "validation_failed"
	EventPlanReady         Event = "plan_ready"
	EventApprovalRequired  Event = "approval_required"
	EventApprovalGranted   Event = "approval_granted"
	EventStepCompleted     Event = "step_completed"
	EventAllStepsCompleted Event = "all_steps_completed"
	EventStepFailed        Event = "step_failed"
	EventRollbackInitiated Event = "rollback_initiated"
	EventRollbackSuccess   Event = "rollback_success"
	EventRollbackFailed    Event = "rollback_failed"
	EventCancel            Event = "cancel"
)

type transitionKey struct {
	from  models.ExecutionState
	event Event
}

// transitions is the constant transition table. Any (state, event) pair not
// listed is invalid; terminal states have no outgoing edges.
var transitions = map[transitionKey]models.ExecutionState{
	{models.StateIdle, EventTrigger}: models.StateValidating,
	{models.StateIdle, EventCancel}:  models.StateCancelled,

	{models.StateValidating, EventValidationSuccess}: models.StatePlanning,
	{models.StateValidating, EventValidationFailed}:  models.StateFailed,
	{models.StateValidating, EventCancel}:            models.StateCancelled,

	{models.StatePlanning, EventPlanReady}:        models.StateExecuting,
	{models.StatePlanning, EventApprovalRequired}: models.StateAwaitingApproval,
	{models.StatePlanning, EventCancel}:           models.StateCancelled,

	{models.StateAwaitingApproval, EventApprovalGranted}: models.StateExecuting,
	{models.StateAwaitingApproval, EventCancel}:          models.StateCancelled,

	{models.StateExecuting, EventStepCompleted}:     models.StateExecuting,
	{models.StateExecuting, EventAllStepsCompleted}: models.StateCompleted,
	{models.StateExecuting, EventStepFailed}:        models.StateFailed,
	{models.StateExecuting, EventRollbackInitiated}: models.StateRollingBack,
	{models.StateExecuting, EventCancel}:            models.StateCancelled,

	{models.StateRollingBack, EventRollbackSuccess}: models.StateCompleted,
	{models.StateRollingBack, EventRollbackFailed}:  models.StateFailed,
}

// InvalidTransitionError reports a (state, event) pair outside the table.
type InvalidTransitionError struct {
	ExecutionID string
	State       models.ExecutionState
	Event       Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q in state %q (execution %s)", e.Event, e.State, e.ExecutionID)
}

// Transition is one timestamped edge in the machine's history.
type Transition struct {
	From      models.ExecutionState `json:"from"`
	To        models.ExecutionState `json:"to"`
	Event     Event                 `json:"event"`
	Timestamp time.Time             `json:"timestamp"`
}

// Listener observes transitions. Listeners are notified synchronously in
// registration order; panics are logged, never propagated.
type Listener func(from, to models.ExecutionState, event Event)

// Machine is the per-execution lifecycle state machine. It is owned by a
// single orchestrator task and is not safe for concurrent use.
type Machine struct {
	executionID string
	state       models.ExecutionState
	history     []Transition
	listeners   []Listener
}

// New creates a machine in the idle state.
func New(executionID string) *Machine {
	return &Machine{
		executionID: executionID,
		state:       models.StateIdle,
	}
}

// State returns the current state.
func (m *Machine) State() models.ExecutionState {
	return m.state
}

// History returns a copy of the transition history.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe registers a listener for future transitions.
func (m *Machine) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Fire applies an event. Terminal states reject all events; pairs outside
// the transition table return an InvalidTransitionError.
func (m *Machine) Fire(event Event) error {
	next, ok := transitions[transitionKey{m.state, event}]
	if !ok {
		return &InvalidTransitionError{ExecutionID: m.executionID, State: m.state, Event: event}
	}

	from := m.state
	m.state = next
	m.history = append(m.history, Transition{
		From:      from,
		To:        next,
		Event:     event,
		Timestamp: time.Now(),
	})

	for _, l := range m.listeners {
		m.notify(l, from, next, event)
	}
	return nil
}

// StartRollback is the executing → rolling_back shortcut; valid from no
// other state.
func (m *Machine) StartRollback() error {
	if m.state != models.StateExecuting {
		return &InvalidTransitionError{ExecutionID: m.executionID, State: m.state, Event: EventRollbackInitiated}
	}
	return m.Fire(EventRollbackInitiated)
}

func (m *Machine) notify(l Listener, from, to models.ExecutionState, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("State machine listener panicked",
				"execution_id", m.executionID, "from", from, "to", to, "panic", r)
		}
	}()
	l(from, to, event)
}

// Snapshot captures the machine for persistence.
type Snapshot struct {
	ExecutionID string                `json:"execution_id"`
	State       models.ExecutionState `json:"state"`
	History     []Transition          `json:"history"`
}

// Snapshot serialises the machine state and history.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		ExecutionID: m.executionID,
		State:       m.state,
		History:     m.History(),
	}
}

// MarshalJSON makes the machine snapshot directly serialisable.
func (m *Machine) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Restore reconstructs a machine from a snapshot, preserving history.
func Restore(s Snapshot) *Machine {
	history := make([]Transition, len(s.History))
	copy(history, s.History)
	return &Machine{
		executionID: s.ExecutionID,
		state:       s.State,
		history:     history,
	}
}
