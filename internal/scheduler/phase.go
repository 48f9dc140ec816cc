package scheduler

import (
	"errors"
	"fmt"

	"github.com/rowanfell/stagehand/internal/gate"
	"github.com/rowanfell/stagehand/internal/graph"
)

// ErrInvalidPhaseAssignment is returned at run creation when the phase plan
// does not partition the task graph, or when a gate condition reaches outside
// its own phase.
var ErrInvalidPhaseAssignment = errors.New("invalid phase assignment")

// Phase is one named, ordered stage of a run. Each work item belongs to
// exactly one phase; the entry gate guards starting the phase, the exit gate
// guards leaving it.
type Phase struct {
	Name      string
	ItemIDs   []string
	EntryGate []gate.Condition
	ExitGate  []gate.Condition
}

// ValidatePhases checks that the phase plan partitions the graph exactly:
// every item assigned once, every assignment resolvable, every gate condition
// well-formed and scoped to its own phase.
func ValidatePhases(g *graph.TaskGraph, phases []Phase) error {
	if len(phases) == 0 {
		return fmt.Errorf("%w: a run needs at least one phase", ErrInvalidPhaseAssignment)
	}

	assigned := make(map[string]string) // itemID -> phase name
	for pi, p := range phases {
		if p.Name == "" {
			return fmt.Errorf("%w: phase %d has no name", ErrInvalidPhaseAssignment, pi)
		}

		members := make(map[string]bool, len(p.ItemIDs))
		for _, id := range p.ItemIDs {
			if _, ok := g.Get(id); !ok {
				return fmt.Errorf("%w: phase %q references unknown item %q", ErrInvalidPhaseAssignment, p.Name, id)
			}
			if prev, dup := assigned[id]; dup {
				return fmt.Errorf("%w: item %q assigned to both %q and %q", ErrInvalidPhaseAssignment, id, prev, p.Name)
			}
			assigned[id] = p.Name
			members[id] = true
		}

		for _, cond := range append(append([]gate.Condition(nil), p.EntryGate...), p.ExitGate...) {
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("%w: phase %q: %v", ErrInvalidPhaseAssignment, p.Name, err)
			}
			// Gate conditions are phase-scoped by convention; a condition
			// naming an item from another phase is rejected rather than
			// silently evaluated against nothing.
			if cond.Kind == gate.ItemDone && !members[cond.ItemID] {
				return fmt.Errorf("%w: phase %q gate %q references item %q outside the phase",
					ErrInvalidPhaseAssignment, p.Name, cond.Name, cond.ItemID)
			}
		}
	}

	for _, item := range g.Items() {
		if _, ok := assigned[item.ID]; !ok {
			return fmt.Errorf("%w: item %q belongs to no phase", ErrInvalidPhaseAssignment, item.ID)
		}
	}

	return nil
}
