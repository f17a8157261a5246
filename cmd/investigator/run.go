package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/observability"
	"github.com/jonathan/investigator/internal/types"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run one investigation end-to-end and print its progress",
	Long: `Create an investigation, start it and stream its events to stdout until it completes
or fails. The plan, knowledge graph and reports are printed at the end.

Interrupting the run pauses the investigation; with a database configured it can be
resumed later through the server.`,
	RunE: runInvestigation,
}

var (
	runTitle   string
	runQuery   string
	runTimeout time.Duration
	runOffline bool
)

func init() {
	runCommand.Flags().StringVarP(&runTitle, "title", "t", "", "Investigation title")
	runCommand.Flags().StringVarP(&runQuery, "query", "q", "", "Initial query")
	runCommand.Flags().DurationVar(&runTimeout, "timeout", 0, "Give up waiting after this long (0 waits until done)")
	runCommand.Flags().BoolVar(&runOffline, "offline", false, "Use canned reasoning responses instead of the Gemini API")
	_ = runCommand.MarkFlagRequired("title")
	_ = runCommand.MarkFlagRequired("query")
	rootCmd.AddCommand(runCommand)
}

func runInvestigation(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	a, err := newApp(ctx, appOptions{offline: runOffline})
	if err != nil {
		return err
	}
	defer a.shutdown()

	inv, err := a.engine.CreateInvestigation(ctx, types.CreateInvestigationRequest{
		Title:        runTitle,
		InitialQuery: runQuery,
	})
	if err != nil {
		return err
	}

	// Subscribe before starting so no event is missed
	sub := a.broadcaster.Subscribe(events.InvestigationTopic(inv.ID))
	defer sub.Close()

	if _, err := a.engine.StartInvestigation(ctx, inv.ID); err != nil {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	if err := follow(ctx, sub, printer); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			pauseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, pauseErr := a.engine.PauseInvestigation(pauseCtx, inv.ID); pauseErr != nil {
				a.logger.Warn("failed to pause interrupted investigation", zap.Error(pauseErr))
			}
			return fmt.Errorf("investigation %s interrupted and paused: %w", inv.ID, err)
		}
		return err
	}

	return printSummary(context.Background(), a, printer, inv.ID)
}

// follow prints events until the investigation reaches a terminal status
func follow(ctx context.Context, sub *events.Subscription, printer *observability.Printer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, open := <-sub.C():
			if !open {
				return errors.New("event stream closed")
			}
			printer.PrintEvent(ev)
			if snap, ok := ev.Data.(lifecycle.Snapshot); ok && snap.Status.IsTerminal() {
				return nil
			}
		}
	}
}

func printSummary(ctx context.Context, a *app, printer *observability.Printer, id uuid.UUID) error {
	snap, err := a.engine.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	plan, err := a.store.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := a.store.ListSubTasks(ctx, id)
	if err != nil {
		return err
	}
	entities, err := a.store.ListEntities(ctx, id)
	if err != nil {
		return err
	}
	relationships, err := a.store.ListRelationships(ctx, id)
	if err != nil {
		return err
	}
	reports, err := a.store.ListReports(ctx, id)
	if err != nil {
		return err
	}

	printer.PrintPlan(plan)
	printer.PrintSubTasks(tasks)
	printer.PrintGraph(entities, relationships)
	for i := range reports {
		printer.PrintReport(&reports[i])
	}
	printer.PrintSnapshot(snap)

	if snap.Status == types.StatusFailed {
		return fmt.Errorf("investigation %s failed", id)
	}
	return nil
}
