package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rowanfell/stagehand/internal/config"
	"github.com/rowanfell/stagehand/internal/logging"
)

var (
	flagConfig string
	flagLedger string
	flagDebug  bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Phased work orchestrator",
	Long: `Stagehand runs a plan of work items through phases. Items form a
dependency graph; each dispatched item walks a plan/draft/verify/improve
cycle, phases advance through declared gates, and every transition is
recorded in a replayable ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Errors are printed once, here.
func Execute(ctx context.Context) error {
	var logCloser io.Closer

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		if flagConfig != "" {
			cfg, err = config.Load(flagConfig, "")
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if flagLedger != "" {
			cfg.LedgerPath = flagLedger
		}

		logging.SetDebug(flagDebug)
		logger, logCloser, err = logging.New(cfg.LogPath)
		return err
	}

	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: ~/.stagehand/config.json, then .stagehand/config.json)")
	rootCmd.PersistentFlags().StringVar(&flagLedger, "ledger", "", "ledger database path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}
