package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

var (
	// ErrCycleDetected is returned by Build when the dependency edges contain a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrDanglingDependency is returned by Build when an item depends on an unknown ID.
	ErrDanglingDependency = errors.New("dangling dependency")

	// ErrDuplicateItem is returned by Build when two items share an ID.
	ErrDuplicateItem = errors.New("duplicate work item")

	// ErrUnknownWorkItem is returned when an item ID does not resolve.
	ErrUnknownWorkItem = errors.New("unknown work item")

	// ErrInvalidTransition is returned by MarkState for a transition the
	// lifecycle does not permit. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid work item transition")
)

// TaskGraph is a validated DAG of work items. Structure is immutable after
// Build; only item states change, and only through MarkState.
type TaskGraph struct {
	mu         sync.RWMutex
	items      map[string]*WorkItem
	order      []string            // insertion order, the tie-breaker for Ready
	dependents map[string][]string // itemID -> items that depend on it
}

// Build validates the given items and returns a graph. A cyclic edge set
// fails with ErrCycleDetected, an unresolved dependency with
// ErrDanglingDependency; in both cases no graph is returned. Errors name
// every offending identifier, not just the first.
func Build(items []*WorkItem) (*TaskGraph, error) {
	g := &TaskGraph{
		items:      make(map[string]*WorkItem, len(items)),
		order:      make([]string, 0, len(items)),
		dependents: make(map[string][]string),
	}

	for _, item := range items {
		if _, exists := g.items[item.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateItem, item.ID)
		}
		g.items[item.ID] = cloneItem(item)
		g.order = append(g.order, item.ID)
	}

	// Collect every dangling dependency before failing, so the caller can
	// fix the whole input in one round trip.
	var dangling []string
	for _, id := range g.order {
		for _, depID := range g.items[id].DependsOn {
			if _, exists := g.items[depID]; !exists {
				dangling = append(dangling, fmt.Sprintf("%s -> %s", id, depID))
				continue
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}
	if len(dangling) > 0 {
		sort.Strings(dangling)
		return nil, fmt.Errorf("%w: %s", ErrDanglingDependency, strings.Join(dangling, ", "))
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// checkAcyclic runs topological sort over the dependency edges.
func (g *TaskGraph) checkAcyclic() error {
	var edges []toposort.Edge
	for _, id := range g.order {
		item := g.items[id]
		if len(item.DependsOn) == 0 {
			// Edge from nil keeps dependency-free items in the sort.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range item.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	seen := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if id != nil {
			seen[id.(string)] = true
		}
	}
	if len(seen) != len(g.items) {
		var missing []string
		for _, id := range g.order {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return fmt.Errorf("%w: unsortable items %s", ErrCycleDetected, strings.Join(missing, ", "))
	}

	return nil
}

// Ready returns the IDs of items whose every dependency is Done and whose own
// state is Pending. Ordering is deterministic: priority descending, then
// insertion order. Never map iteration order, so scheduling is reproducible.
func (g *TaskGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := []string{}
	for _, id := range g.order {
		item := g.items[id]
		if item.State != StatePending {
			continue
		}

		satisfied := true
		for _, depID := range item.DependsOn {
			if g.items[depID].State != StateDone {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}

	// Stable sort preserves insertion order within equal priorities.
	sort.SliceStable(ready, func(i, j int) bool {
		return g.items[ready[i]].Priority > g.items[ready[j]].Priority
	})

	return ready
}

// MarkState transitions an item through its lifecycle
// (Pending -> InProgress -> {Done, Abandoned}; Pending -> Abandoned is
// permitted for aborts of never-started items). Fails without mutating on an
// unknown ID or an unreachable state.
func (g *TaskGraph) MarkState(id string, next ItemState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, exists := g.items[id]
	if !exists {
		return fmt.Errorf("%w: %q", ErrUnknownWorkItem, id)
	}

	if !lifecycleAllows(item.State, next) {
		return fmt.Errorf("%w: %q cannot move %s -> %s", ErrInvalidTransition, id, item.State, next)
	}

	item.State = next
	return nil
}

func lifecycleAllows(from, to ItemState) bool {
	switch from {
	case StatePending:
		return to == StateInProgress || to == StateAbandoned
	case StateInProgress:
		return to == StateDone || to == StateAbandoned
	}
	return false
}

// RestoreStates overwrites item states from a replayed ledger. Lifecycle
// checks do not apply here: the ledger only ever recorded legal transitions,
// and replay must land on the exact recorded state.
func (g *TaskGraph) RestoreStates(states map[string]ItemState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, state := range states {
		item, exists := g.items[id]
		if !exists {
			return fmt.Errorf("%w: %q", ErrUnknownWorkItem, id)
		}
		item.State = state
	}
	return nil
}

// Get returns a copy of the item with the given ID.
func (g *TaskGraph) Get(id string) (*WorkItem, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	item, exists := g.items[id]
	if !exists {
		return nil, false
	}
	return cloneItem(item), true
}

// Items returns copies of all items in insertion order.
func (g *TaskGraph) Items() []*WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()

	items := make([]*WorkItem, 0, len(g.order))
	for _, id := range g.order {
		items = append(items, cloneItem(g.items[id]))
	}
	return items
}

// States returns a snapshot of every item's current state.
func (g *TaskGraph) States() map[string]ItemState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]ItemState, len(g.items))
	for id, item := range g.items {
		states[id] = item.State
	}
	return states
}

// Len returns the number of items in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}
