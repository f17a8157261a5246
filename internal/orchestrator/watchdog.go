package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/types"
)

// SweepStuck fails every running investigation started longer ago than the
// configured limit. Paused and pending investigations are left alone. Each one
// failed gets exactly one timeout error event. Returns how many were failed.
func (e *Engine) SweepStuck(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cfg.StuckAfter)
	stuck, err := e.store.ListStuckInvestigations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck investigations: %w", err)
	}

	failed := 0
	for i := range stuck {
		ok, err := e.timeout(ctx, &stuck[i], cutoff)
		if err != nil {
			e.logger.Error("failed to time out investigation", zap.String("investigation_id", stuck[i].ID.String()), zap.Error(err))
			continue
		}
		if ok {
			failed++
		}
	}
	if failed > 0 {
		e.logger.Warn("watchdog failed stuck investigations", zap.Int("count", failed))
	}
	return failed, nil
}

// timeout re-checks candidate under its lock, so a sweep racing another writer
// (or another sweep) fails it at most once
func (e *Engine) timeout(ctx context.Context, candidate *types.Investigation, cutoff time.Time) (bool, error) {
	unlock := e.locks.Lock(candidate.ID)
	defer unlock()

	inv, err := e.store.GetInvestigation(ctx, candidate.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load investigation: %w", err)
	}
	if inv == nil || inv.Status != types.StatusRunning || inv.StartedAt == nil {
		return false, nil
	}
	if !inv.StartedAt.Before(cutoff) {
		return false, nil
	}

	now := e.now()
	if err := e.transition(inv, types.StatusFailed, now); err != nil {
		return false, err
	}
	e.refreshUsage(ctx, inv)
	if err := e.store.UpdateInvestigation(ctx, inv); err != nil {
		return false, fmt.Errorf("failed to update investigation: %w", err)
	}
	tasks, err := e.store.ListSubTasks(ctx, inv.ID)
	if err != nil {
		e.logger.Warn("failed to list subtasks", zap.String("investigation_id", inv.ID.String()), zap.Error(err))
	}
	e.publishStatus(inv, tasks)
	msg := fmt.Sprintf("Investigation timed out after %d hours", int(e.cfg.StuckAfter.Hours()))
	e.pub.Publish(events.NewErrorOccurred(inv.ID, events.ErrorTimeout, msg, nil, now))
	metrics.InvestigationsTimedOut.Inc()
	e.wake(inv.ID)
	return true, nil
}

// RunWatchdog sweeps immediately and then on every interval until ctx is done
func (e *Engine) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		if _, err := e.SweepStuck(ctx); err != nil {
			e.logger.Error("watchdog sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
