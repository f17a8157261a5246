package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail investigations that have exceeded their time limit",
	Long: `Run one watchdog pass: every running investigation started longer ago than stuck_after
is marked failed with a timeout error. Paused and pending investigations are left alone.
Useful from cron when no server is running.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable or database_url config is required")
	}

	ctx := context.Background()
	// Sweeping makes no gateway calls
	a, err := newApp(ctx, appOptions{offline: true})
	if err != nil {
		return err
	}
	defer a.shutdown()

	n, err := a.engine.SweepStuck(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d investigation(s)\n", n)
	return nil
}
