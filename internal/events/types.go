package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
}

// Topic constants
const (
	TopicRun   = "run"
	TopicItem  = "item"
	TopicPhase = "phase"
)

// Event type constants
const (
	EventTypeRunCreated      = "run.created"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunAborted      = "run.aborted"
	EventTypeItemDispatched  = "item.dispatched"
	EventTypeCycleTransition = "item.cycle_transition"
	EventTypeGateEvaluated   = "phase.gate_evaluated"
	EventTypePhaseAdvanced   = "phase.advanced"
)

// RunCreatedEvent is published when a run is created from a validated plan.
type RunCreatedEvent struct {
	Run       string
	Items     int
	Phases    int
	Timestamp time.Time
}

func (e RunCreatedEvent) EventType() string { return EventTypeRunCreated }
func (e RunCreatedEvent) RunID() string     { return e.Run }

// RunCompletedEvent is published when the final phase's exit gate passes.
type RunCompletedEvent struct {
	Run       string
	Timestamp time.Time
}

func (e RunCompletedEvent) EventType() string { return EventTypeRunCompleted }
func (e RunCompletedEvent) RunID() string     { return e.Run }

// RunAbortedEvent is published when a caller aborts a run.
type RunAbortedEvent struct {
	Run       string
	Timestamp time.Time
}

func (e RunAbortedEvent) EventType() string { return EventTypeRunAborted }
func (e RunAbortedEvent) RunID() string     { return e.Run }

// ItemDispatchedEvent is published when the scheduler hands an item out.
type ItemDispatchedEvent struct {
	Run       string
	ItemID    string
	Phase     string
	Timestamp time.Time
}

func (e ItemDispatchedEvent) EventType() string { return EventTypeItemDispatched }
func (e ItemDispatchedEvent) RunID() string     { return e.Run }

// CycleTransitionEvent is published on every applied cycle event.
type CycleTransitionEvent struct {
	Run       string
	ItemID    string
	Prior     string
	Next      string
	Timestamp time.Time
}

func (e CycleTransitionEvent) EventType() string { return EventTypeCycleTransition }
func (e CycleTransitionEvent) RunID() string     { return e.Run }

// GateEvaluatedEvent is published when a phase gate is checked.
type GateEvaluatedEvent struct {
	Run       string
	Passed    bool
	Unmet     []string
	Timestamp time.Time
}

func (e GateEvaluatedEvent) EventType() string { return EventTypeGateEvaluated }
func (e GateEvaluatedEvent) RunID() string     { return e.Run }

// PhaseAdvancedEvent is published when the active phase pointer moves.
type PhaseAdvancedEvent struct {
	Run       string
	From      string
	To        string
	Timestamp time.Time
}

func (e PhaseAdvancedEvent) EventType() string { return EventTypePhaseAdvanced }
func (e PhaseAdvancedEvent) RunID() string     { return e.Run }
