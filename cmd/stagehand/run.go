package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rowanfell/stagehand/internal/engine"
	"github.com/rowanfell/stagehand/internal/events"
	"github.com/rowanfell/stagehand/internal/ledger"
	"github.com/rowanfell/stagehand/internal/planfile"
	"github.com/rowanfell/stagehand/internal/runner"
	"github.com/rowanfell/stagehand/internal/scheduler"
)

var flagResume string

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan",
	Long: `Create a run from the plan file and drive it to completion with the
built-in dry-run worker, which walks every item's cycle straight to Done.
With --resume, rebuild a previous run from its ledger and continue it.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&flagResume, "resume", "", "run ID to resume from the ledger")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	items, phases, err := planfile.Load(args[0])
	if err != nil {
		return err
	}

	store, err := ledger.NewSQLiteStore(ctx, cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	eng := engine.New(store, engine.Options{
		Bus:    bus,
		Logger: logger,
		Defaults: scheduler.Config{
			WIPCap:      cfg.WIPCap,
			CycleBudget: cfg.CycleBudget,
		},
	})

	runID := flagResume
	if runID != "" {
		if err := eng.Resume(ctx, runID, items, phases); err != nil {
			return err
		}
	} else {
		runID, err = eng.CreateRun(ctx, items, phases)
		if err != nil {
			return err
		}
	}
	fmt.Printf("Run %s\n", runID)

	r := runner.New(eng, runner.ScriptedWorker{}, items, runner.Config{
		Concurrency: cfg.Concurrency,
	}, logger)
	if err := r.Drive(ctx, runID); err != nil {
		return err
	}

	status, err := eng.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}
