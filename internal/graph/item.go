package graph

import "fmt"

// ItemState represents the lifecycle state of a WorkItem.
type ItemState int

const (
	StatePending    ItemState = iota // Waiting for dependencies or dispatch
	StateInProgress                  // Dispatched, its cycle is running
	StateDone                        // Finished successfully (terminal)
	StateAbandoned                   // Given up on (terminal)
)

// String returns the canonical name used in ledger entries.
func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateDone:
		return "Done"
	case StateAbandoned:
		return "Abandoned"
	}
	return fmt.Sprintf("ItemState(%d)", int(s))
}

// Terminal reports whether the state admits no further transitions.
func (s ItemState) Terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// ParseItemState is the inverse of String. Used when folding ledger entries.
func ParseItemState(name string) (ItemState, error) {
	switch name {
	case "Pending":
		return StatePending, nil
	case "InProgress":
		return StateInProgress, nil
	case "Done":
		return StateDone, nil
	case "Abandoned":
		return StateAbandoned, nil
	}
	return StatePending, fmt.Errorf("unknown item state %q", name)
}

// WorkItem is the smallest schedulable unit of work.
type WorkItem struct {
	ID         string    // Unique identifier
	Title      string    // Human-readable title
	Effort     int       // Estimated effort (opaque units, informational)
	Priority   int       // Higher runs first when several items are ready
	DependsOn  []string  // Item IDs that must reach Done first
	Acceptance string    // Declared acceptance condition (opaque to the core)
	State      ItemState
}

func cloneItem(item *WorkItem) *WorkItem {
	if item == nil {
		return nil
	}

	cp := *item
	if item.DependsOn != nil {
		cp.DependsOn = append([]string(nil), item.DependsOn...)
	}
	return &cp
}
