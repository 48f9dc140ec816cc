package ledger

import (
	"time"

	"github.com/rowanfell/stagehand/internal/cycle"
	"github.com/rowanfell/stagehand/internal/graph"
)

// CycleState is the replayed view of one item's cycle.
type CycleState struct {
	State  cycle.State
	Loops  int
	Reason string
}

// RunState is the result of folding a run's ledger. Every field is derivable
// from entries alone, which is what makes crash recovery replay-then-resume.
type RunState struct {
	Items              map[string]graph.ItemState
	Cycles             map[string]CycleState
	FailedVerification map[string]bool
	ActivePhase        int
	Completed          bool
	Aborted            bool
	Len                int
	LastAt             time.Time
}

// NewRunState returns the state of a run with an empty ledger.
func NewRunState() *RunState {
	return &RunState{
		Items:              make(map[string]graph.ItemState),
		Cycles:             make(map[string]CycleState),
		FailedVerification: make(map[string]bool),
	}
}

// Replay folds a full entry sequence into run state. It is pure over its
// input: replaying the same entries any number of times yields the same
// state.
func Replay(entries []Entry) *RunState {
	return Fold(NewRunState(), entries)
}

// Fold applies entries on top of an existing state, so a prefix fold followed
// by the remaining suffix equals a fold of the whole sequence.
func Fold(state *RunState, entries []Entry) *RunState {
	for _, e := range entries {
		apply(state, e)
	}
	return state
}

func apply(state *RunState, e Entry) {
	switch e.Outcome {
	case OutcomeDispatch:
		state.Items[e.ItemID] = graph.StateInProgress
		state.Cycles[e.ItemID] = CycleState{State: cycle.Planning}

	case OutcomeCycle:
		prior, perr := cycle.ParseState(e.Prior)
		next, nerr := cycle.ParseState(e.Next)
		if perr != nil || nerr != nil {
			// A record this fold cannot interpret is skipped rather than
			// guessed at; the entry count still reflects it.
			break
		}

		cs := state.Cycles[e.ItemID]
		if isLoopBack(prior, next) {
			cs.Loops++
		}
		cs.State = next
		if e.Reason != "" {
			cs.Reason = e.Reason
		}
		state.Cycles[e.ItemID] = cs

		if prior == cycle.Verifying {
			switch next {
			case cycle.Drafting:
				state.FailedVerification[e.ItemID] = true
			case cycle.Planning, cycle.Improving:
				delete(state.FailedVerification, e.ItemID)
			}
		}

		switch next {
		case cycle.Done:
			state.Items[e.ItemID] = graph.StateDone
		case cycle.Abandoned:
			state.Items[e.ItemID] = graph.StateAbandoned
		}

	case OutcomeItem:
		if next, err := graph.ParseItemState(e.Next); err == nil {
			state.Items[e.ItemID] = next
		}

	case OutcomeAdvance:
		state.ActivePhase++

	case OutcomeComplete:
		state.Completed = true

	case OutcomeAbort:
		state.Aborted = true
	}

	state.Len++
	state.LastAt = e.At
}

func isLoopBack(prior, next cycle.State) bool {
	switch {
	case prior == cycle.Verifying && next == cycle.Drafting:
		return true
	case prior == cycle.Verifying && next == cycle.Planning:
		return true
	case prior == cycle.Improving && next == cycle.Improving:
		return true
	}
	return false
}
