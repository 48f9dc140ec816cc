// Package runner drives a run to completion: it pulls dispatchable items
// from the engine in waves, hands each to a worker with bounded concurrency,
// and feeds the worker's progress back as cycle events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/rowanfell/stagehand/internal/cycle"
	"github.com/rowanfell/stagehand/internal/engine"
	"github.com/rowanfell/stagehand/internal/graph"
	"github.com/rowanfell/stagehand/internal/ledger"
	"github.com/rowanfell/stagehand/internal/scheduler"
)

// ErrStalled is returned when a phase gate cannot pass and no work remains
// that could change that.
var ErrStalled = errors.New("run stalled")

// Config configures a Runner.
type Config struct {
	Concurrency int         // Max concurrent worker executions (default 4)
	Retry       RetryConfig // Backoff policy for workers and ledger writes
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	return c
}

// Runner executes one run's items through a Worker.
type Runner struct {
	engine  *engine.Engine
	worker  Worker
	items   map[string]*graph.WorkItem
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// New creates a runner. items is the same structural input the run was
// created from; the runner uses it to build worker assignments.
func New(e *engine.Engine, w Worker, items []*graph.WorkItem, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	byID := make(map[string]*graph.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	return &Runner{
		engine:  e,
		worker:  w,
		items:   byID,
		cfg:     cfg.withDefaults(),
		breaker: newWorkerBreaker(log),
		log:     log,
	}
}

// Drive executes waves of work until the run completes, stalls, or the
// context is cancelled. A stalled run is one whose phase gate is blocked
// with no dispatched work left that could unblock it.
func (r *Runner) Drive(ctx context.Context, runID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids, err := r.nextRunnable(ctx, runID)
		if err != nil {
			if errors.Is(err, scheduler.ErrRunComplete) {
				return nil
			}
			if len(ids) == 0 {
				return err
			}
			// The dispatch failed partway but these items are committed
			// and owned by us: execute them, the next pass picks up the
			// remainder.
			r.log.Warn("partial dispatch", "run", runID, "owned", len(ids), "error", err)
		}

		if len(ids) > 0 {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(r.cfg.Concurrency)
			for _, id := range ids {
				itemID := id
				g.Go(func() error {
					return r.runItem(gctx, runID, itemID)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			continue
		}

		// Nothing dispatchable and waves run to completion, so every
		// dispatched item is already terminal. The gate decides.
		adv, err := r.engine.TryAdvancePhase(ctx, runID)
		if err != nil {
			return err
		}
		switch {
		case adv.Completed:
			r.log.Info("run complete", "run", runID)
			return nil
		case adv.Advanced:
			continue
		default:
			return fmt.Errorf("%w: unmet gate conditions: %s", ErrStalled, strings.Join(adv.Reasons, ", "))
		}
	}
}

// nextRunnable pulls the next dispatch wave, retrying while the ledger is
// unavailable. Items handed out before a failed append are committed and
// belong to the caller, so IDs accumulate across attempts and are returned
// even when the retry budget runs out.
func (r *Runner) nextRunnable(ctx context.Context, runID string) ([]string, error) {
	var ids []string

	operation := func() error {
		got, err := r.engine.GetNextRunnable(ctx, runID)
		ids = append(ids, got...)
		if err != nil {
			if errors.Is(err, ledger.ErrPersistenceUnavailable) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(operation, r.cfg.Retry.policy(ctx))
	return ids, err
}

// runItem executes the worker for one item and feeds its events back until
// the item's cycle reaches a terminal state. A worker that fails past the
// retry budget abandons the item rather than failing the run.
func (r *Runner) runItem(ctx context.Context, runID, itemID string) error {
	a := Assignment{RunID: runID, ItemID: itemID}
	if item, ok := r.items[itemID]; ok {
		a.Title = item.Title
		a.Acceptance = item.Acceptance
	}

	evs, err := executeWithRetry(ctx, r.worker, a, r.breaker, r.cfg.Retry)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Error("worker failed, abandoning item", "run", runID, "item", itemID, "error", err)
		evs = []cycle.Event{cycle.Aborted}
	}

	for _, ev := range evs {
		event := ev
		state, err := reportWithRetry(ctx, func(ctx context.Context) (cycle.State, error) {
			return r.engine.ReportCycleEvent(ctx, runID, itemID, event)
		}, r.cfg.Retry)
		if err != nil {
			return fmt.Errorf("reporting %s for item %q: %w", event, itemID, err)
		}
		if state.Terminal() {
			// Budget exhaustion can end the cycle early; discard the
			// rest of the script.
			break
		}
	}
	return nil
}
