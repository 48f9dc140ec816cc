package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rowanfell/stagehand/internal/graph"
	"github.com/rowanfell/stagehand/internal/planfile"
	"github.com/rowanfell/stagehand/internal/scheduler"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Check a plan file without running it",
	Long: `Parse a plan file and verify its structure: dependency graph is
acyclic with no dangling references, and phases partition the items with
well-formed gates.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	items, phases, err := planfile.Load(args[0])
	if err != nil {
		return err
	}

	g, err := graph.Build(items)
	if err != nil {
		return err
	}
	if err := scheduler.ValidatePhases(g, phases); err != nil {
		return err
	}

	fmt.Printf("Plan OK: %d items, %d phases\n", len(items), len(phases))
	for _, p := range phases {
		fmt.Printf("  %s: %d items, %d entry / %d exit conditions\n",
			p.Name, len(p.ItemIDs), len(p.EntryGate), len(p.ExitGate))
	}
	return nil
}
