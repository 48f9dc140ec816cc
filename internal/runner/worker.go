package runner

import (
	"context"

	"github.com/rowanfell/stagehand/internal/cycle"
)

// Assignment is one dispatched work item handed to a worker.
type Assignment struct {
	RunID      string
	ItemID     string
	Title      string
	Acceptance string
}

// Worker performs the actual work for an assignment and reports progress as
// a sequence of cycle events. The returned events are fed to the engine in
// order until the item's cycle reaches a terminal state.
type Worker interface {
	Execute(ctx context.Context, a Assignment) ([]cycle.Event, error)
}

// ScriptedWorker replays a fixed event script for every assignment. The zero
// script walks the shortest path to Done, which makes it useful as a dry-run
// worker and in tests.
type ScriptedWorker struct {
	Script []cycle.Event
}

func (w ScriptedWorker) Execute(ctx context.Context, a Assignment) ([]cycle.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(w.Script) == 0 {
		return []cycle.Event{
			cycle.PlanReady,
			cycle.ArtifactReady,
			cycle.VerifyPassedExhausted,
			cycle.ImprovementExhausted,
		}, nil
	}
	return append([]cycle.Event(nil), w.Script...), nil
}
