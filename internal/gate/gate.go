// Package gate evaluates declared phase entry/exit conditions against a
// snapshot of run state. Evaluation is stateless and deterministic: the same
// snapshot always yields the same result, which replay from the ledger
// depends on.
package gate

import (
	"fmt"

	"github.com/rowanfell/stagehand/internal/graph"
)

// Kind selects the predicate a Condition applies.
type Kind string

const (
	// AllDone holds when every item in the phase reached Done.
	AllDone Kind = "all_done"
	// AllTerminal holds when every item in the phase is Done or Abandoned.
	AllTerminal Kind = "all_terminal"
	// NoneAbandoned holds when no item in the phase is Abandoned.
	NoneAbandoned Kind = "none_abandoned"
	// NoFailedVerification holds when no item's last known verification failed.
	NoFailedVerification Kind = "no_failed_verification"
	// ItemDone holds when the named item reached Done. The item must belong
	// to the condition's own phase; cross-phase references are rejected at
	// run creation.
	ItemDone Kind = "item_done"
	// MinDone holds when at least Count items in the phase reached Done.
	MinDone Kind = "min_done"
)

// Condition is a named predicate over phase-scoped run state. Immutable once
// declared for a run.
type Condition struct {
	Name   string
	Kind   Kind
	ItemID string // ItemDone only
	Count  int    // MinDone only
}

// Validate checks that the condition is well-formed.
func (c Condition) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("gate condition has no name")
	}
	switch c.Kind {
	case AllDone, AllTerminal, NoneAbandoned, NoFailedVerification:
		return nil
	case ItemDone:
		if c.ItemID == "" {
			return fmt.Errorf("gate condition %q: item_done requires an item id", c.Name)
		}
		return nil
	case MinDone:
		if c.Count <= 0 {
			return fmt.Errorf("gate condition %q: min_done requires a positive count", c.Name)
		}
		return nil
	}
	return fmt.Errorf("gate condition %q: unknown kind %q", c.Name, c.Kind)
}

// Snapshot is the phase-scoped state a gate is evaluated against.
type Snapshot struct {
	// Items maps each item in the phase to its current lifecycle state.
	Items map[string]graph.ItemState
	// FailedVerification marks items whose most recent verification failed.
	FailedVerification map[string]bool
}

// Result is the outcome of evaluating a condition set.
type Result struct {
	// Unmet names every condition that did not hold, in declaration order.
	Unmet []string
}

// Passed reports whether every condition held.
func (r Result) Passed() bool {
	return len(r.Unmet) == 0
}

// Evaluate checks every condition against the snapshot. It never
// short-circuits: a failing result carries the complete list of unmet
// condition names, not just the first. An empty condition set passes.
func Evaluate(conds []Condition, snap Snapshot) Result {
	var unmet []string
	for _, cond := range conds {
		if !holds(cond, snap) {
			unmet = append(unmet, cond.Name)
		}
	}
	return Result{Unmet: unmet}
}

func holds(cond Condition, snap Snapshot) bool {
	switch cond.Kind {
	case AllDone:
		for _, state := range snap.Items {
			if state != graph.StateDone {
				return false
			}
		}
		return true

	case AllTerminal:
		for _, state := range snap.Items {
			if !state.Terminal() {
				return false
			}
		}
		return true

	case NoneAbandoned:
		for _, state := range snap.Items {
			if state == graph.StateAbandoned {
				return false
			}
		}
		return true

	case NoFailedVerification:
		for id := range snap.Items {
			if snap.FailedVerification[id] {
				return false
			}
		}
		return true

	case ItemDone:
		state, ok := snap.Items[cond.ItemID]
		return ok && state == graph.StateDone

	case MinDone:
		done := 0
		for _, state := range snap.Items {
			if state == graph.StateDone {
				done++
			}
		}
		return done >= cond.Count
	}
	return false
}
