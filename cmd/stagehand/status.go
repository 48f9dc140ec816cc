package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rowanfell/stagehand/internal/ledger"
	"github.com/rowanfell/stagehand/internal/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs, or one run's replayed state",
	Long: `Without arguments, list every run recorded in the ledger. With a
run ID, replay that run's ledger and print the resulting state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := ledger.NewSQLiteStore(ctx, cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 0 {
		runs, err := store.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No recorded runs")
			return nil
		}
		for _, id := range runs {
			fmt.Println(id)
		}
		return nil
	}

	runID := args[0]
	entries, err := store.Entries(ctx, runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no ledger entries for run %q", runID)
	}

	state := ledger.Replay(entries)
	fmt.Printf("Run %s: %d ledger entries\n", runID, state.Len)
	switch {
	case state.Completed:
		fmt.Println("Status: completed")
	case state.Aborted:
		fmt.Println("Status: aborted")
	default:
		fmt.Printf("Status: in progress (phase index %d)\n", state.ActivePhase)
	}
	if !state.LastAt.IsZero() {
		fmt.Printf("Last transition: %s\n", state.LastAt.Format("2006-01-02 15:04:05"))
	}

	ids := make([]string, 0, len(state.Items))
	for id := range state.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		line := fmt.Sprintf("  %s: %s", id, state.Items[id])
		if cs, ok := state.Cycles[id]; ok {
			line += fmt.Sprintf(" (cycle %s, %d loops)", cs.State, cs.Loops)
			if cs.Reason != "" {
				line += fmt.Sprintf(" [%s]", cs.Reason)
			}
		}
		fmt.Println(line)
	}
	return nil
}

func printStatus(st scheduler.Status) {
	switch {
	case st.Completed:
		fmt.Println("Status: completed")
	case st.Aborted:
		fmt.Println("Status: aborted")
	default:
		fmt.Printf("Status: in progress (phase %s)\n", st.ActivePhase)
	}

	ids := make([]string, 0, len(st.Items))
	for id := range st.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		line := fmt.Sprintf("  %s: %s", id, st.Items[id])
		if cv, ok := st.Cycles[id]; ok {
			line += fmt.Sprintf(" (cycle %s, %d loops)", cv.State, cv.Loops)
			if cv.Reason != "" {
				line += fmt.Sprintf(" [%s]", cv.Reason)
			}
		}
		fmt.Println(line)
	}
	fmt.Printf("Ledger entries: %d\n", st.LedgerLen)
}
