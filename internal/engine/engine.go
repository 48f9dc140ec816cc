// Package engine is the public face of the orchestration core. It registers
// runs, serializes their transitions, and fans out typed events for every
// state change it commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rowanfell/stagehand/internal/cycle"
	"github.com/rowanfell/stagehand/internal/events"
	"github.com/rowanfell/stagehand/internal/graph"
	"github.com/rowanfell/stagehand/internal/ledger"
	"github.com/rowanfell/stagehand/internal/scheduler"
)

// ErrUnknownRun is returned when a run ID does not resolve.
var ErrUnknownRun = errors.New("unknown run")

// Options configures an Engine.
type Options struct {
	Bus      *events.Bus      // optional; nil disables event publication
	Logger   *slog.Logger     // optional; nil uses slog.Default()
	Defaults scheduler.Config // per-run limits applied to every run
}

// Engine hosts any number of independent runs. Transitions within one run
// are serialized under a keyed lock; separate runs share nothing but the
// ledger store.
type Engine struct {
	mu    sync.RWMutex
	runs  map[string]*scheduler.Run
	locks *runLocks

	store    ledger.Store
	bus      *events.Bus
	log      *slog.Logger
	defaults scheduler.Config
}

// New creates an engine backed by the given ledger store.
func New(store ledger.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		runs:     make(map[string]*scheduler.Run),
		locks:    newRunLocks(),
		store:    store,
		bus:      opts.Bus,
		log:      log,
		defaults: opts.Defaults,
	}
}

// CreateRun validates the task graph and phase plan and registers a new run.
// Structural failures (CycleDetected, DanglingDependency,
// InvalidPhaseAssignment) fail fast; nothing is registered or persisted.
func (e *Engine) CreateRun(ctx context.Context, items []*graph.WorkItem, phases []scheduler.Phase) (string, error) {
	g, err := graph.Build(items)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	run, err := scheduler.NewRun(runID, g, phases, e.defaults, e.store)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.runs[runID] = run
	e.mu.Unlock()

	e.log.Info("run created", "run", runID, "items", len(items), "phases", len(phases))
	e.publish(events.TopicRun, events.RunCreatedEvent{
		Run: runID, Items: len(items), Phases: len(phases), Timestamp: time.Now(),
	})
	return runID, nil
}

// Resume rebuilds a run from its ledger after a restart. The task graph and
// phase plan are the caller's original structural input; all mutable state
// comes from replaying the entries.
func (e *Engine) Resume(ctx context.Context, runID string, items []*graph.WorkItem, phases []scheduler.Phase) error {
	entries, err := e.store.Entries(ctx, runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: no ledger entries for %q", ErrUnknownRun, runID)
	}

	g, err := graph.Build(items)
	if err != nil {
		return err
	}

	run, err := scheduler.Restore(runID, g, phases, e.defaults, e.store, ledger.Replay(entries))
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.runs[runID] = run
	e.mu.Unlock()

	e.log.Info("run resumed", "run", runID, "entries", len(entries))
	return nil
}

// GetNextRunnable returns the next dispatchable set of item IDs for the
// run's current phase. Returned items are marked in progress; items with a
// sequential dependency between them are never returned together. When the
// ledger fails mid-dispatch, the IDs committed before the failure come back
// alongside the error — the caller owns them, and a retry after the
// retryable error picks up only the remainder.
func (e *Engine) GetNextRunnable(ctx context.Context, runID string) ([]string, error) {
	run, err := e.run(runID)
	if err != nil {
		return nil, err
	}

	e.locks.lock(runID)
	defer e.locks.unlock(runID)

	ids, dispatchErr := run.NextRunnable(ctx)

	phase := run.Status().ActivePhase
	for _, id := range ids {
		e.publish(events.TopicItem, events.ItemDispatchedEvent{
			Run: runID, ItemID: id, Phase: phase, Timestamp: time.Now(),
		})
	}
	return ids, dispatchErr
}

// ReportCycleEvent applies one collaborator progress report to an item's
// cycle and returns the new cycle state.
func (e *Engine) ReportCycleEvent(ctx context.Context, runID, itemID string, ev cycle.Event) (cycle.State, error) {
	run, err := e.run(runID)
	if err != nil {
		return 0, err
	}

	e.locks.lock(runID)
	defer e.locks.unlock(runID)

	prior, hadCycle := run.Status().Cycles[itemID]

	next, err := run.ReportCycleEvent(ctx, itemID, ev)
	if err != nil {
		return next, err
	}

	e.log.Debug("cycle transition", "run", runID, "item", itemID, "event", string(ev), "state", next.String())
	if hadCycle {
		e.publish(events.TopicItem, events.CycleTransitionEvent{
			Run: runID, ItemID: itemID,
			Prior: prior.State.String(), Next: next.String(),
			Timestamp: time.Now(),
		})
	}
	return next, nil
}

// TryAdvancePhase attempts to cross the current phase boundary. Blocked is a
// normal result carrying every unmet condition name.
func (e *Engine) TryAdvancePhase(ctx context.Context, runID string) (scheduler.Advance, error) {
	run, err := e.run(runID)
	if err != nil {
		return scheduler.Advance{}, err
	}

	e.locks.lock(runID)
	defer e.locks.unlock(runID)

	from := run.Status().ActivePhase
	adv, err := run.TryAdvancePhase(ctx)
	if err != nil {
		return adv, err
	}

	e.publish(events.TopicPhase, events.GateEvaluatedEvent{
		Run: runID, Passed: adv.Advanced || adv.Completed, Unmet: adv.Reasons, Timestamp: time.Now(),
	})

	switch {
	case adv.Completed:
		e.log.Info("run completed", "run", runID)
		e.publish(events.TopicRun, events.RunCompletedEvent{Run: runID, Timestamp: time.Now()})
	case adv.Advanced:
		to := run.Status().ActivePhase
		e.log.Info("phase advanced", "run", runID, "from", from, "to", to)
		e.publish(events.TopicPhase, events.PhaseAdvancedEvent{
			Run: runID, From: from, To: to, Timestamp: time.Now(),
		})
	default:
		e.log.Debug("phase blocked", "run", runID, "phase", from, "unmet", adv.Reasons)
	}

	return adv, nil
}

// Abort moves every non-terminal item of the run to Abandoned and seals the
// run. Aborting an already-terminal run is acknowledged without effect.
func (e *Engine) Abort(ctx context.Context, runID string) error {
	run, err := e.run(runID)
	if err != nil {
		return err
	}

	e.locks.lock(runID)
	defer e.locks.unlock(runID)

	if err := run.Abort(ctx); err != nil {
		return err
	}

	e.log.Info("run aborted", "run", runID)
	e.publish(events.TopicRun, events.RunAbortedEvent{Run: runID, Timestamp: time.Now()})
	return nil
}

// GetStatus returns a point-in-time view of the run.
func (e *Engine) GetStatus(ctx context.Context, runID string) (scheduler.Status, error) {
	run, err := e.run(runID)
	if err != nil {
		return scheduler.Status{}, err
	}

	e.locks.lock(runID)
	defer e.locks.unlock(runID)

	return run.Status(), nil
}

func (e *Engine) run(runID string) (*scheduler.Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	return run, nil
}

func (e *Engine) publish(topic string, ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}
