// Package scheduler owns run state: it decides which items can run next,
// enforces gates at phase boundaries, and records every transition in the
// ledger before committing it in memory.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rowanfell/stagehand/internal/cycle"
	"github.com/rowanfell/stagehand/internal/gate"
	"github.com/rowanfell/stagehand/internal/graph"
	"github.com/rowanfell/stagehand/internal/ledger"
)

var (
	// ErrRunComplete is returned by operations on a run past its last phase.
	ErrRunComplete = errors.New("run complete")
	// ErrRunAborted is returned by operations on an aborted run.
	ErrRunAborted = errors.New("run aborted")
)

// Config tunes per-run limits.
type Config struct {
	WIPCap      int // max items in flight per phase (default 4)
	CycleBudget int // loop-back budget per cycle (default cycle.DefaultBudget)
}

func (c Config) withDefaults() Config {
	if c.WIPCap <= 0 {
		c.WIPCap = 4
	}
	if c.CycleBudget <= 0 {
		c.CycleBudget = cycle.DefaultBudget
	}
	return c
}

// Advance is the result of a phase-advance attempt. Gate failure is a normal
// result, not an error: Reasons carries every unmet condition name.
type Advance struct {
	Advanced  bool
	Completed bool
	Reasons   []string
}

// CycleView is a read-only snapshot of one cycle for status reporting.
type CycleView struct {
	State  cycle.State
	Loops  int
	Reason string
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID            string
	ActivePhase      string
	Items            map[string]graph.ItemState
	Cycles           map[string]CycleView
	LedgerLen        int
	LastTransitionAt time.Time
	Completed        bool
	Aborted          bool
}

// Run is one execution instance of a task graph and phase plan. A Run is not
// safe for concurrent use: the engine serializes all access per run, which is
// what keeps the ledger totally ordered.
type Run struct {
	ID     string
	graph  *graph.TaskGraph
	phases []Phase
	cfg    Config
	store  ledger.Store

	cycles       map[string]*cycle.Cycle
	failedVerify map[string]bool
	active       int
	seq          int64
	lastAt       time.Time
	completed    bool
	aborted      bool

	now func() time.Time
}

// NewRun validates the phase plan against the graph and creates a run.
func NewRun(id string, g *graph.TaskGraph, phases []Phase, cfg Config, store ledger.Store) (*Run, error) {
	if err := ValidatePhases(g, phases); err != nil {
		return nil, err
	}

	return &Run{
		ID:           id,
		graph:        g,
		phases:       phases,
		cfg:          cfg.withDefaults(),
		store:        store,
		cycles:       make(map[string]*cycle.Cycle),
		failedVerify: make(map[string]bool),
		now:          time.Now,
	}, nil
}

// Restore rebuilds a run from replayed ledger state, for crash recovery.
// The graph and phase plan come from the caller's original input; everything
// mutable comes from the fold.
func Restore(id string, g *graph.TaskGraph, phases []Phase, cfg Config, store ledger.Store, state *ledger.RunState) (*Run, error) {
	r, err := NewRun(id, g, phases, cfg, store)
	if err != nil {
		return nil, err
	}
	if state.ActivePhase >= len(phases) {
		return nil, fmt.Errorf("ledger for run %q advanced past its %d phases", id, len(phases))
	}

	if err := g.RestoreStates(state.Items); err != nil {
		return nil, fmt.Errorf("restoring run %q: %w", id, err)
	}
	for itemID, cs := range state.Cycles {
		c := cycle.New(itemID, r.cfg.CycleBudget)
		c.State = cs.State
		c.Loops = cs.Loops
		c.Reason = cs.Reason
		r.cycles[itemID] = c
	}
	for itemID, failed := range state.FailedVerification {
		r.failedVerify[itemID] = failed
	}

	r.active = state.ActivePhase
	r.seq = int64(state.Len)
	r.lastAt = state.LastAt
	r.completed = state.Completed
	r.aborted = state.Aborted
	return r, nil
}

// append assigns the next sequence number and persists the entry. The
// in-memory ordinal only advances after a successful append, so recorded
// history is always consistent with replay.
func (r *Run) append(ctx context.Context, e ledger.Entry) error {
	e.RunID = r.ID
	e.Seq = r.seq + 1
	e.At = r.now()
	if err := r.store.Append(ctx, e); err != nil {
		return err
	}
	r.seq++
	r.lastAt = e.At
	return nil
}

// NextRunnable returns the next set of dispatchable item IDs for the current
// phase: graph-ready items belonging to the phase, capped by the WIP limit
// minus items already in flight. Dispatched items move to InProgress and get
// a cycle in Planning; one ledger entry is appended per item before the
// in-memory transition.
func (r *Run) NextRunnable(ctx context.Context) ([]string, error) {
	if r.aborted {
		return nil, fmt.Errorf("run %q: %w", r.ID, ErrRunAborted)
	}
	if r.completed {
		return nil, fmt.Errorf("run %q: %w", r.ID, ErrRunComplete)
	}

	phase := r.phases[r.active]
	members := make(map[string]bool, len(phase.ItemIDs))
	inFlight := 0
	states := r.graph.States()
	for _, id := range phase.ItemIDs {
		members[id] = true
		if states[id] == graph.StateInProgress {
			inFlight++
		}
	}

	room := r.cfg.WIPCap - inFlight
	if room <= 0 {
		return []string{}, nil
	}

	var runnable []string
	for _, id := range r.graph.Ready() {
		if !members[id] {
			continue
		}
		runnable = append(runnable, id)
		if len(runnable) == room {
			break
		}
	}

	dispatched := make([]string, 0, len(runnable))
	for _, id := range runnable {
		err := r.append(ctx, ledger.Entry{
			ItemID:  id,
			Prior:   graph.StatePending.String(),
			Next:    graph.StateInProgress.String(),
			Outcome: ledger.OutcomeDispatch,
		})
		if err != nil {
			// Items dispatched before the failure stay dispatched; the
			// caller retries and picks up the remainder.
			return dispatched, err
		}
		if err := r.graph.MarkState(id, graph.StateInProgress); err != nil {
			return dispatched, err
		}
		r.cycles[id] = cycle.New(id, r.cfg.CycleBudget)
		dispatched = append(dispatched, id)
	}

	return dispatched, nil
}

// ReportCycleEvent applies one collaborator-reported event to an item's
// cycle. On success the new cycle state is returned; terminal cycle states
// carry the item to its matching terminal state in the same ledger entry.
// Nothing mutates on failure.
func (r *Run) ReportCycleEvent(ctx context.Context, itemID string, ev cycle.Event) (cycle.State, error) {
	if _, ok := r.graph.Get(itemID); !ok {
		return 0, fmt.Errorf("%w: %q", graph.ErrUnknownWorkItem, itemID)
	}

	c, ok := r.cycles[itemID]
	if !ok {
		return 0, fmt.Errorf("%w: item %q has not been dispatched", cycle.ErrIllegalTransition, itemID)
	}

	// Apply against a copy first: an illegal event or a failed append must
	// leave the committed cycle untouched.
	staged := *c
	prior := c.State
	next, err := staged.Apply(ev)
	if err != nil {
		return c.State, err
	}

	err = r.append(ctx, ledger.Entry{
		ItemID:  itemID,
		Prior:   prior.String(),
		Next:    next.String(),
		Reason:  staged.Reason,
		Outcome: ledger.OutcomeCycle,
	})
	if err != nil {
		return c.State, err
	}
	*c = staged

	if prior == cycle.Verifying {
		switch next {
		case cycle.Drafting:
			r.failedVerify[itemID] = true
		case cycle.Planning, cycle.Improving:
			delete(r.failedVerify, itemID)
		}
	}

	switch next {
	case cycle.Done:
		if err := r.graph.MarkState(itemID, graph.StateDone); err != nil {
			return next, err
		}
	case cycle.Abandoned:
		if err := r.graph.MarkState(itemID, graph.StateAbandoned); err != nil {
			return next, err
		}
	}

	return next, nil
}

// TryAdvancePhase checks the current phase's exit gate and, when a next phase
// exists, its entry gate. Both must pass to cross the boundary. On pass the
// advance is committed to the ledger and the active pointer moves; past the
// last phase the run is complete. On fail the complete unmet reason list is
// returned and nothing moves.
func (r *Run) TryAdvancePhase(ctx context.Context) (Advance, error) {
	if r.aborted {
		return Advance{}, fmt.Errorf("run %q: %w", r.ID, ErrRunAborted)
	}
	if r.completed {
		return Advance{Completed: true}, fmt.Errorf("run %q: %w", r.ID, ErrRunComplete)
	}

	current := r.phases[r.active]
	exitName := current.Name + ".exit"
	exitResult := gate.Evaluate(current.ExitGate, r.phaseSnapshot(current))

	last := r.active == len(r.phases)-1
	var entryName string
	var entryResult gate.Result
	if !last {
		next := r.phases[r.active+1]
		entryName = next.Name + ".entry"
		entryResult = gate.Evaluate(next.EntryGate, r.phaseSnapshot(next))
	}

	if !exitResult.Passed() || !entryResult.Passed() {
		// Record the blocked attempt per failing gate; reasons travel back
		// to the caller, never as an error.
		if !exitResult.Passed() {
			if err := r.append(ctx, ledger.Entry{Gate: exitName, Outcome: ledger.OutcomeGateFail}); err != nil {
				return Advance{}, err
			}
		}
		if !entryResult.Passed() {
			if err := r.append(ctx, ledger.Entry{Gate: entryName, Outcome: ledger.OutcomeGateFail}); err != nil {
				return Advance{}, err
			}
		}
		reasons := append(append([]string(nil), exitResult.Unmet...), entryResult.Unmet...)
		return Advance{Reasons: reasons}, nil
	}

	if err := r.append(ctx, ledger.Entry{Gate: exitName, Outcome: ledger.OutcomeGatePass}); err != nil {
		return Advance{}, err
	}

	if last {
		if err := r.append(ctx, ledger.Entry{Prior: current.Name, Outcome: ledger.OutcomeComplete}); err != nil {
			return Advance{}, err
		}
		r.completed = true
		return Advance{Completed: true}, nil
	}

	next := r.phases[r.active+1]
	if err := r.append(ctx, ledger.Entry{Gate: entryName, Outcome: ledger.OutcomeGatePass}); err != nil {
		return Advance{}, err
	}
	if err := r.append(ctx, ledger.Entry{Prior: current.Name, Next: next.Name, Outcome: ledger.OutcomeAdvance}); err != nil {
		return Advance{}, err
	}
	r.active++
	return Advance{Advanced: true}, nil
}

// Abort moves every non-terminal item to Abandoned and seals the run with a
// terminal ledger entry. Already-terminal items are untouched; aborting an
// already-aborted run is a no-op acknowledgement.
func (r *Run) Abort(ctx context.Context) error {
	if r.aborted || r.completed {
		return nil
	}

	for _, item := range r.graph.Items() {
		if item.State.Terminal() {
			continue
		}

		if c, ok := r.cycles[item.ID]; ok && !c.State.Terminal() {
			if _, err := r.ReportCycleEvent(ctx, item.ID, cycle.Aborted); err != nil {
				return err
			}
			continue
		}

		// Never dispatched: plain item transition, no cycle involved.
		err := r.append(ctx, ledger.Entry{
			ItemID:  item.ID,
			Prior:   item.State.String(),
			Next:    graph.StateAbandoned.String(),
			Outcome: ledger.OutcomeItem,
		})
		if err != nil {
			return err
		}
		if err := r.graph.MarkState(item.ID, graph.StateAbandoned); err != nil {
			return err
		}
	}

	if err := r.append(ctx, ledger.Entry{Outcome: ledger.OutcomeAbort}); err != nil {
		return err
	}
	r.aborted = true
	return nil
}

// Status returns a point-in-time view of the run.
func (r *Run) Status() Status {
	cycles := make(map[string]CycleView, len(r.cycles))
	for id, c := range r.cycles {
		cycles[id] = CycleView{State: c.State, Loops: c.Loops, Reason: c.Reason}
	}

	return Status{
		RunID:            r.ID,
		ActivePhase:      r.phases[r.active].Name,
		Items:            r.graph.States(),
		Cycles:           cycles,
		LedgerLen:        int(r.seq),
		LastTransitionAt: r.lastAt,
		Completed:        r.completed,
		Aborted:          r.aborted,
	}
}

// LedgerLen returns the number of committed ledger entries.
func (r *Run) LedgerLen() int {
	return int(r.seq)
}

// phaseSnapshot builds the phase-scoped view a gate evaluates against.
func (r *Run) phaseSnapshot(p Phase) gate.Snapshot {
	states := r.graph.States()
	items := make(map[string]graph.ItemState, len(p.ItemIDs))
	failed := make(map[string]bool)
	for _, id := range p.ItemIDs {
		items[id] = states[id]
		if r.failedVerify[id] {
			failed[id] = true
		}
	}
	return gate.Snapshot{Items: items, FailedVerification: failed}
}
