package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rowanfell/stagehand/internal/cycle"
	"github.com/rowanfell/stagehand/internal/gate"
	"github.com/rowanfell/stagehand/internal/graph"
	"github.com/rowanfell/stagehand/internal/ledger"
)

func testLedger(t *testing.T) *ledger.SQLiteStore {
	t.Helper()
	store, err := ledger.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func buildGraph(t *testing.T, items ...*graph.WorkItem) *graph.TaskGraph {
	t.Helper()
	g, err := graph.Build(items)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

// driveToDone walks an item's cycle through the shortest path to Done.
func driveToDone(t *testing.T, r *Run, itemID string) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range []cycle.Event{cycle.PlanReady, cycle.ArtifactReady,
		cycle.VerifyPassedExhausted, cycle.ImprovementExhausted} {
		if _, err := r.ReportCycleEvent(ctx, itemID, ev); err != nil {
			t.Fatalf("ReportCycleEvent(%s, %s): %v", itemID, ev, err)
		}
	}
}

// TestNextRunnableSequentialChain: a two-item chain with WIP cap 1
// dispatches strictly one at a time in dependency order.
func TestNextRunnableSequentialChain(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		&graph.WorkItem{ID: "b1"},
		&graph.WorkItem{ID: "b2", DependsOn: []string{"b1"}},
	)
	phases := []Phase{{Name: "Core", ItemIDs: []string{"b1", "b2"}}}

	r, err := NewRun("run-a", g, phases, Config{WIPCap: 1}, testLedger(t))
	if err != nil {
		t.Fatalf("NewRun() error = %v", err)
	}

	got, err := r.NextRunnable(ctx)
	if err != nil {
		t.Fatalf("NextRunnable() error = %v", err)
	}
	if len(got) != 1 || got[0] != "b1" {
		t.Fatalf("NextRunnable() = %v, want [b1]", got)
	}

	// b1 in flight fills the cap; nothing more is dispatchable.
	got, err = r.NextRunnable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("NextRunnable() = %v while b1 in flight, want empty", got)
	}

	driveToDone(t, r, "b1")

	got, err = r.NextRunnable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "b2" {
		t.Errorf("NextRunnable() = %v after b1 done, want [b2]", got)
	}
}

// TestNextRunnableParallel: independent items come back together when the
// cap allows.
func TestNextRunnableParallel(t *testing.T) {
	g := buildGraph(t,
		&graph.WorkItem{ID: "x"},
		&graph.WorkItem{ID: "y"},
	)
	phases := []Phase{{Name: "Core", ItemIDs: []string{"x", "y"}}}

	r, err := NewRun("run-b", g, phases, Config{WIPCap: 2}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.NextRunnable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("NextRunnable() = %v, want both items", got)
	}
}

// TestNextRunnableRespectsPhaseMembership: ready items from a later phase are
// not dispatched while an earlier phase is active.
func TestNextRunnableRespectsPhaseMembership(t *testing.T) {
	g := buildGraph(t,
		&graph.WorkItem{ID: "f1"},
		&graph.WorkItem{ID: "c1"}, // no deps, but belongs to the next phase
	)
	phases := []Phase{
		{Name: "Foundation", ItemIDs: []string{"f1"}},
		{Name: "Core", ItemIDs: []string{"c1"}},
	}

	r, err := NewRun("run-c", g, phases, Config{}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.NextRunnable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "f1" {
		t.Errorf("NextRunnable() = %v, want only the Foundation item", got)
	}
}

// TestNextRunnablePriorityOrder verifies deterministic dispatch order.
func TestNextRunnablePriorityOrder(t *testing.T) {
	g := buildGraph(t,
		&graph.WorkItem{ID: "low", Priority: 1},
		&graph.WorkItem{ID: "high", Priority: 10},
	)
	phases := []Phase{{Name: "Core", ItemIDs: []string{"low", "high"}}}

	r, err := NewRun("run-d", g, phases, Config{WIPCap: 1}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.NextRunnable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "high" {
		t.Errorf("NextRunnable() = %v, want the high-priority item first", got)
	}
}

// TestReportCycleEventLedger: a full cycle with one verification failure
// produces exactly one ledger entry per event and ends Done.
func TestReportCycleEventLedger(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t, &graph.WorkItem{ID: "it"})
	phases := []Phase{{Name: "Core", ItemIDs: []string{"it"}}}

	r, err := NewRun("run-e", g, phases, Config{}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}

	before := r.LedgerLen()
	events := []struct {
		ev   cycle.Event
		want cycle.State
	}{
		{cycle.PlanReady, cycle.Drafting},
		{cycle.ArtifactReady, cycle.Verifying},
		{cycle.VerifyFailed, cycle.Drafting},
		{cycle.ArtifactReady, cycle.Verifying},
		{cycle.VerifyPassedExhausted, cycle.Improving},
		{cycle.ImprovementExhausted, cycle.Done},
	}
	for i, step := range events {
		got, err := r.ReportCycleEvent(ctx, "it", step.ev)
		if err != nil {
			t.Fatalf("event %d (%s): %v", i, step.ev, err)
		}
		if got != step.want {
			t.Fatalf("event %d (%s) = %v, want %v", i, step.ev, got, step.want)
		}
	}

	if grew := r.LedgerLen() - before; grew != 6 {
		t.Errorf("ledger grew by %d entries for 6 events, want 6", grew)
	}

	status := r.Status()
	if status.Items["it"] != graph.StateDone {
		t.Errorf("item state = %v, want Done", status.Items["it"])
	}
	if status.Cycles["it"].State != cycle.Done {
		t.Errorf("cycle state = %v, want Done", status.Cycles["it"].State)
	}
}

// TestReportCycleEventErrors tests the failure taxonomy.
func TestReportCycleEventErrors(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t, &graph.WorkItem{ID: "a"}, &graph.WorkItem{ID: "b"})
	phases := []Phase{{Name: "Core", ItemIDs: []string{"a", "b"}}}

	r, err := NewRun("run-f", g, phases, Config{WIPCap: 1}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("unknown item", func(t *testing.T) {
		_, err := r.ReportCycleEvent(ctx, "ghost", cycle.PlanReady)
		if !errors.Is(err, graph.ErrUnknownWorkItem) {
			t.Errorf("error = %v, want ErrUnknownWorkItem", err)
		}
	})

	t.Run("event before dispatch", func(t *testing.T) {
		_, err := r.ReportCycleEvent(ctx, "b", cycle.PlanReady)
		if !errors.Is(err, cycle.ErrIllegalTransition) {
			t.Errorf("error = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("illegal event leaves state unchanged", func(t *testing.T) {
		if _, err := r.NextRunnable(ctx); err != nil {
			t.Fatal(err)
		}
		before := r.LedgerLen()

		_, err := r.ReportCycleEvent(ctx, "a", cycle.VerifyFailed)
		if !errors.Is(err, cycle.ErrIllegalTransition) {
			t.Fatalf("error = %v, want ErrIllegalTransition", err)
		}
		if r.Status().Cycles["a"].State != cycle.Planning {
			t.Error("illegal event mutated cycle state")
		}
		if r.LedgerLen() != before {
			t.Error("illegal event appended a ledger entry")
		}
	})
}

// TestTryAdvancePhase: a blocked exit gate names every unmet condition, and
// a passed gate advances exactly once.
func TestTryAdvancePhase(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		&graph.WorkItem{ID: "f1"},
		&graph.WorkItem{ID: "c1"},
	)
	phases := []Phase{
		{
			Name:     "Foundation",
			ItemIDs:  []string{"f1"},
			ExitGate: []gate.Condition{{Name: "all WorkItems Done", Kind: gate.AllDone}},
		},
		{
			Name:     "Core",
			ItemIDs:  []string{"c1"},
			ExitGate: []gate.Condition{{Name: "core done", Kind: gate.AllDone}},
		},
	}

	r, err := NewRun("run-g", g, phases, Config{}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}

	// f1 is InProgress: exit gate blocks with the precise condition name.
	adv, err := r.TryAdvancePhase(ctx)
	if err != nil {
		t.Fatalf("TryAdvancePhase() error = %v", err)
	}
	if adv.Advanced || adv.Completed {
		t.Fatal("TryAdvancePhase() advanced with an unmet exit gate")
	}
	if len(adv.Reasons) != 1 || adv.Reasons[0] != "all WorkItems Done" {
		t.Fatalf("Blocked reasons = %v, want [all WorkItems Done]", adv.Reasons)
	}
	if r.Status().ActivePhase != "Foundation" {
		t.Fatal("blocked advance moved the phase pointer")
	}

	driveToDone(t, r, "f1")

	// All conditions met: advances exactly once.
	adv, err = r.TryAdvancePhase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !adv.Advanced {
		t.Fatalf("TryAdvancePhase() = %+v, want advance", adv)
	}
	if r.Status().ActivePhase != "Core" {
		t.Errorf("active phase = %q, want Core", r.Status().ActivePhase)
	}

	// A second attempt evaluates Core's own exit gate, which is unmet: no
	// double-advance.
	adv, err = r.TryAdvancePhase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if adv.Advanced || adv.Completed {
		t.Errorf("TryAdvancePhase() = %+v, want blocked", adv)
	}

	// Finish the last phase: the run completes.
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}
	driveToDone(t, r, "c1")

	adv, err = r.TryAdvancePhase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !adv.Completed {
		t.Fatalf("TryAdvancePhase() = %+v, want completion", adv)
	}

	if _, err := r.NextRunnable(ctx); !errors.Is(err, ErrRunComplete) {
		t.Errorf("NextRunnable() on complete run error = %v, want ErrRunComplete", err)
	}
}

// TestTryAdvancePhaseEntryGate: both the exit gate and the next phase's entry
// gate must pass to cross the boundary.
func TestTryAdvancePhaseEntryGate(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		&graph.WorkItem{ID: "f1"},
		&graph.WorkItem{ID: "c1"},
		&graph.WorkItem{ID: "c2"},
	)
	phases := []Phase{
		{
			Name:     "Foundation",
			ItemIDs:  []string{"f1"},
			ExitGate: []gate.Condition{{Name: "foundation done", Kind: gate.AllDone}},
		},
		{
			Name:      "Core",
			ItemIDs:   []string{"c1", "c2"},
			EntryGate: []gate.Condition{{Name: "core entry: c1 groundwork done", Kind: gate.ItemDone, ItemID: "c1"}},
		},
	}

	// c1 cannot be Done before Core starts, so the entry gate will block
	// until c1 is marked done out-of-band; here we just confirm both gates
	// report together.
	r, err := NewRun("run-h", g, phases, Config{}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}

	adv, err := r.TryAdvancePhase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if adv.Advanced {
		t.Fatal("advanced through two unmet gates")
	}
	if len(adv.Reasons) != 2 {
		t.Errorf("Reasons = %v, want both the exit and entry condition names", adv.Reasons)
	}
}

// TestAbort: abort abandons in-flight and never-dispatched items alike, and
// a second abort is an acknowledged no-op.
func TestAbort(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t,
		&graph.WorkItem{ID: "a"},
		&graph.WorkItem{ID: "b", DependsOn: []string{"a"}},
	)
	phases := []Phase{{Name: "Core", ItemIDs: []string{"a", "b"}}}

	r, err := NewRun("run-i", g, phases, Config{}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}
	// a is mid-draft when the run is aborted.
	if _, err := r.ReportCycleEvent(ctx, "a", cycle.PlanReady); err != nil {
		t.Fatal(err)
	}

	if err := r.Abort(ctx); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	status := r.Status()
	if !status.Aborted {
		t.Error("status not marked aborted")
	}
	if status.Items["a"] != graph.StateAbandoned {
		t.Errorf("a = %v, want Abandoned", status.Items["a"])
	}
	if status.Items["b"] != graph.StateAbandoned {
		t.Errorf("b (never dispatched) = %v, want Abandoned", status.Items["b"])
	}
	if status.Cycles["a"].State != cycle.Abandoned {
		t.Errorf("a cycle = %v, want Abandoned", status.Cycles["a"].State)
	}

	// Further events on the abandoned item are illegal.
	if _, err := r.ReportCycleEvent(ctx, "a", cycle.ArtifactReady); !errors.Is(err, cycle.ErrIllegalTransition) {
		t.Errorf("ReportCycleEvent after abort error = %v, want ErrIllegalTransition", err)
	}

	if _, err := r.NextRunnable(ctx); !errors.Is(err, ErrRunAborted) {
		t.Errorf("NextRunnable() after abort error = %v, want ErrRunAborted", err)
	}

	// Second abort is an acknowledged no-op.
	lenBefore := r.LedgerLen()
	if err := r.Abort(ctx); err != nil {
		t.Fatalf("second Abort() error = %v", err)
	}
	if r.LedgerLen() != lenBefore {
		t.Error("second Abort() appended entries")
	}
}

// TestBudgetExceededIsTerminalNotError: exceeding the cycle budget surfaces
// through status, not as an operation error.
func TestBudgetExceededIsTerminalNotError(t *testing.T) {
	ctx := context.Background()
	g := buildGraph(t, &graph.WorkItem{ID: "a"})
	phases := []Phase{{Name: "Core", ItemIDs: []string{"a"}}}

	r, err := NewRun("run-j", g, phases, Config{CycleBudget: 1}, testLedger(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}

	for _, ev := range []cycle.Event{cycle.PlanReady, cycle.ArtifactReady, cycle.VerifyFailed,
		cycle.ArtifactReady} {
		if _, err := r.ReportCycleEvent(ctx, "a", ev); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}

	// Budget is 1 and one loop-back (VerifyFailed) is spent; the next
	// loop-back lands in Abandoned without error.
	state, err := r.ReportCycleEvent(ctx, "a", cycle.VerifyFailed)
	if err != nil {
		t.Fatalf("budget exhaustion returned error %v", err)
	}
	if state != cycle.Abandoned {
		t.Fatalf("state = %v, want Abandoned", state)
	}

	status := r.Status()
	if status.Cycles["a"].Reason != cycle.ReasonBudgetExceeded {
		t.Errorf("reason = %q, want %q", status.Cycles["a"].Reason, cycle.ReasonBudgetExceeded)
	}
	if status.Items["a"] != graph.StateAbandoned {
		t.Errorf("item = %v, want Abandoned", status.Items["a"])
	}
}

// TestValidatePhases tests the structural checks at run creation.
func TestValidatePhases(t *testing.T) {
	g := buildGraph(t, &graph.WorkItem{ID: "a"}, &graph.WorkItem{ID: "b"})

	tests := []struct {
		name   string
		phases []Phase
		ok     bool
	}{
		{
			name:   "valid partition",
			phases: []Phase{{Name: "One", ItemIDs: []string{"a"}}, {Name: "Two", ItemIDs: []string{"b"}}},
			ok:     true,
		},
		{
			name:   "no phases",
			phases: nil,
		},
		{
			name:   "unknown item",
			phases: []Phase{{Name: "One", ItemIDs: []string{"a", "b", "ghost"}}},
		},
		{
			name:   "item in two phases",
			phases: []Phase{{Name: "One", ItemIDs: []string{"a", "b"}}, {Name: "Two", ItemIDs: []string{"b"}}},
		},
		{
			name:   "item in no phase",
			phases: []Phase{{Name: "One", ItemIDs: []string{"a"}}},
		},
		{
			name: "cross-phase gate reference",
			phases: []Phase{
				{
					Name:     "One",
					ItemIDs:  []string{"a"},
					ExitGate: []gate.Condition{{Name: "b done", Kind: gate.ItemDone, ItemID: "b"}},
				},
				{Name: "Two", ItemIDs: []string{"b"}},
			},
		},
		{
			name: "malformed gate condition",
			phases: []Phase{
				{Name: "One", ItemIDs: []string{"a", "b"}, ExitGate: []gate.Condition{{Name: "x", Kind: "bogus"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePhases(g, tt.phases)
			if tt.ok {
				if err != nil {
					t.Errorf("ValidatePhases() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidPhaseAssignment) {
				t.Errorf("ValidatePhases() error = %v, want ErrInvalidPhaseAssignment", err)
			}
		})
	}
}

// TestRestore drives a run partway, replays its ledger into a fresh run, and
// verifies the resumed run continues identically.
func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := testLedger(t)

	newGraph := func() *graph.TaskGraph {
		return buildGraph(t,
			&graph.WorkItem{ID: "a"},
			&graph.WorkItem{ID: "b", DependsOn: []string{"a"}},
		)
	}
	phases := func() []Phase {
		return []Phase{{
			Name:     "Core",
			ItemIDs:  []string{"a", "b"},
			ExitGate: []gate.Condition{{Name: "all done", Kind: gate.AllDone}},
		}}
	}

	r, err := NewRun("run-k", newGraph(), phases(), Config{}, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReportCycleEvent(ctx, "a", cycle.PlanReady); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReportCycleEvent(ctx, "a", cycle.ArtifactReady); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: rebuild from the ledger alone.
	entries, err := store.Entries(ctx, "run-k")
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := Restore("run-k", newGraph(), phases(), Config{}, store, ledger.Replay(entries))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	status := resumed.Status()
	if status.Items["a"] != graph.StateInProgress {
		t.Errorf("restored a = %v, want InProgress", status.Items["a"])
	}
	if status.Cycles["a"].State != cycle.Verifying {
		t.Errorf("restored cycle = %v, want Verifying", status.Cycles["a"].State)
	}
	if status.LedgerLen != r.LedgerLen() {
		t.Errorf("restored ledger len = %d, want %d", status.LedgerLen, r.LedgerLen())
	}

	// The resumed run picks up exactly where the original left off.
	if _, err := resumed.ReportCycleEvent(ctx, "a", cycle.VerifyPassedExhausted); err != nil {
		t.Fatal(err)
	}
	if _, err := resumed.ReportCycleEvent(ctx, "a", cycle.ImprovementExhausted); err != nil {
		t.Fatal(err)
	}

	got, err := resumed.NextRunnable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("NextRunnable() after resume = %v, want [b]", got)
	}
}

// TestRestoreKeepsAbandonReason: the reason a cycle went terminal is part of
// recorded history and must survive a replay-then-resume.
func TestRestoreKeepsAbandonReason(t *testing.T) {
	ctx := context.Background()
	store := testLedger(t)

	newGraph := func() *graph.TaskGraph {
		return buildGraph(t, &graph.WorkItem{ID: "a"})
	}
	phases := []Phase{{Name: "Core", ItemIDs: []string{"a"}}}

	r, err := NewRun("run-l", newGraph(), phases, Config{CycleBudget: 1}, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.NextRunnable(ctx); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []cycle.Event{cycle.PlanReady, cycle.ArtifactReady, cycle.VerifyFailed,
		cycle.ArtifactReady, cycle.VerifyFailed} {
		if _, err := r.ReportCycleEvent(ctx, "a", ev); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	if got := r.Status().Cycles["a"].Reason; got != cycle.ReasonBudgetExceeded {
		t.Fatalf("reason before restore = %q, want %q", got, cycle.ReasonBudgetExceeded)
	}

	entries, err := store.Entries(ctx, "run-l")
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := Restore("run-l", newGraph(), phases, Config{CycleBudget: 1}, store, ledger.Replay(entries))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	status := resumed.Status()
	if status.Cycles["a"].Reason != cycle.ReasonBudgetExceeded {
		t.Errorf("restored reason = %q, want %q", status.Cycles["a"].Reason, cycle.ReasonBudgetExceeded)
	}
	if status.Cycles["a"].State != cycle.Abandoned {
		t.Errorf("restored cycle = %v, want Abandoned", status.Cycles["a"].State)
	}
}
