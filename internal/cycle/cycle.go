// Package cycle implements the per-item plan/draft/verify/improve state
// machine. One Cycle exists per work item once it starts execution; it ends
// in Done or Abandoned.
package cycle

import (
	"errors"
	"fmt"
)

// State is a cycle state.
type State int

const (
	Planning  State = iota // Deciding the next slice of work
	Drafting               // Producing the artifact
	Verifying              // Checking the artifact
	Improving              // Cleaning up while staying green
	Done                   // Finished (terminal)
	Abandoned              // Given up (terminal)
)

// String returns the canonical name used in ledger entries.
func (s State) String() string {
	switch s {
	case Planning:
		return "Planning"
	case Drafting:
		return "Drafting"
	case Verifying:
		return "Verifying"
	case Improving:
		return "Improving"
	case Done:
		return "Done"
	case Abandoned:
		return "Abandoned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the state admits no further events.
func (s State) Terminal() bool {
	return s == Done || s == Abandoned
}

// ParseState is the inverse of String. Used when folding ledger entries.
func ParseState(name string) (State, error) {
	switch name {
	case "Planning":
		return Planning, nil
	case "Drafting":
		return Drafting, nil
	case "Verifying":
		return Verifying, nil
	case "Improving":
		return Improving, nil
	case "Done":
		return Done, nil
	case "Abandoned":
		return Abandoned, nil
	}
	return Planning, fmt.Errorf("unknown cycle state %q", name)
}

// Event is a progress report from the collaborator performing the work.
type Event string

const (
	PlanReady             Event = "plan_ready"              // Planning -> Drafting
	ArtifactReady         Event = "artifact_ready"          // Drafting -> Verifying
	VerifyFailed          Event = "verify_failed"           // Verifying -> Drafting
	VerifyPassedMoreWork  Event = "verify_passed_more_work" // Verifying -> Planning
	VerifyPassedExhausted Event = "verify_passed_exhausted" // Verifying -> Improving
	ImprovementApplied    Event = "improvement_applied"     // Improving -> Improving
	ImprovementExhausted  Event = "improvement_exhausted"   // Improving -> Done
	Aborted               Event = "aborted"                 // any non-terminal -> Abandoned
)

// ParseEvent validates an event name from external input.
func ParseEvent(name string) (Event, error) {
	switch Event(name) {
	case PlanReady, ArtifactReady, VerifyFailed, VerifyPassedMoreWork,
		VerifyPassedExhausted, ImprovementApplied, ImprovementExhausted, Aborted:
		return Event(name), nil
	}
	return "", fmt.Errorf("unknown cycle event %q", name)
}

// ErrIllegalTransition is returned when an event does not apply to the
// current state. The cycle is left unchanged.
var ErrIllegalTransition = errors.New("illegal cycle transition")

// ReasonBudgetExceeded is recorded when the loop budget forces abandonment.
const ReasonBudgetExceeded = "CycleBudgetExceeded"

// DefaultBudget bounds loop-back transitions per cycle. The verify/draft and
// improve loops have no externally guaranteed termination, so the budget is
// the safety property that keeps them finite.
const DefaultBudget = 5

// Cycle tracks one item's progress through the state machine.
type Cycle struct {
	ItemID string
	State  State
	Loops  int    // loop-back transitions taken so far
	Budget int    // maximum loop-back transitions before forced abandonment
	Reason string // populated when Abandoned
}

// New creates a cycle in Planning. A non-positive budget selects DefaultBudget.
func New(itemID string, budget int) *Cycle {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Cycle{ItemID: itemID, State: Planning, Budget: budget}
}

// transition returns the target state for (state, event) and whether the
// transition is a loop-back that counts against the budget.
func transition(s State, ev Event) (next State, loopBack bool, ok bool) {
	if ev == Aborted {
		if s.Terminal() {
			return s, false, false
		}
		return Abandoned, false, true
	}

	switch s {
	case Planning:
		if ev == PlanReady {
			return Drafting, false, true
		}
	case Drafting:
		if ev == ArtifactReady {
			return Verifying, false, true
		}
	case Verifying:
		switch ev {
		case VerifyFailed:
			// A behavioral fix does not require re-planning.
			return Drafting, true, true
		case VerifyPassedMoreWork:
			return Planning, true, true
		case VerifyPassedExhausted:
			return Improving, false, true
		}
	case Improving:
		switch ev {
		case ImprovementApplied:
			return Improving, true, true
		case ImprovementExhausted:
			return Done, false, true
		}
	}
	return s, false, false
}

// Apply advances the cycle by one event and returns the resulting state.
// An event that does not match the transition table fails with
// ErrIllegalTransition and mutates nothing. A loop-back transition that would
// exceed the budget instead lands the cycle in Abandoned with reason
// ReasonBudgetExceeded; that is a recorded terminal transition, not an error.
func (c *Cycle) Apply(ev Event) (State, error) {
	next, loopBack, ok := transition(c.State, ev)
	if !ok {
		return c.State, fmt.Errorf("%w: event %q in state %s for item %q", ErrIllegalTransition, ev, c.State, c.ItemID)
	}

	if loopBack {
		if c.Loops >= c.Budget {
			c.State = Abandoned
			c.Reason = ReasonBudgetExceeded
			return c.State, nil
		}
		c.Loops++
	}

	c.State = next
	if ev == Aborted {
		c.Reason = "aborted"
	}
	return c.State, nil
}
