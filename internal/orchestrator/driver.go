package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/gateway"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/types"
)

// driver dispatches the subtasks of one running investigation.
// At most one driver exists per investigation.
type driver struct {
	id   uuid.UUID
	wake chan struct{}
}

// idle means the driver has nothing to time and waits for a wake-up
const idle time.Duration = -1

// kick wakes the investigation's driver, starting one if none is running
func (e *Engine) kick(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if d, ok := e.drivers[id]; ok {
		select {
		case d.wake <- struct{}{}:
		default:
		}
		return
	}
	d := &driver{id: id, wake: make(chan struct{}, 1)}
	e.drivers[id] = d
	metrics.ActiveDrivers.Inc()
	e.wg.Add(1)
	go e.drive(d)
}

// wake signals the investigation's driver if one is running, so it notices a
// status change and retires
func (e *Engine) wake(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.drivers[id]; ok {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) drive(d *driver) {
	defer e.wg.Done()
	ctx := e.ctx
	e.requeueOrphans(ctx, d.id)

	for {
		if ctx.Err() != nil {
			e.retire(d)
			return
		}
		wait, stop := e.step(ctx, d.id)
		if stop {
			if e.retire(d) {
				return
			}
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-d.wake:
		case <-fire:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.retire(d)
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// retire removes d unless a wake-up arrived since its last step
func (e *Engine) retire(d *driver) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() == nil {
		select {
		case <-d.wake:
			return false
		default:
		}
	}
	delete(e.drivers, d.id)
	busy := false
	for _, inv := range e.inflight {
		if inv == d.id {
			busy = true
			break
		}
	}
	if !busy {
		delete(e.budgets, d.id)
	}
	metrics.ActiveDrivers.Dec()
	return true
}

func (e *Engine) budget(id uuid.UUID) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.budgets[id]
	if !ok {
		s = semaphore.NewWeighted(int64(e.cfg.Concurrency))
		e.budgets[id] = s
	}
	return s
}

func (e *Engine) isInflight(taskID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[taskID]
	return ok
}

func (e *Engine) anyInflight(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inv := range e.inflight {
		if inv == id {
			return true
		}
	}
	return false
}

// requeueOrphans returns subtasks left in_progress without a live job to the queue
func (e *Engine) requeueOrphans(ctx context.Context, id uuid.UUID) {
	unlock := e.locks.Lock(id)
	defer unlock()

	tasks, err := e.store.ListSubTasks(ctx, id)
	if err != nil {
		e.logger.Warn("failed to list subtasks for recovery", zap.String("investigation_id", id.String()), zap.Error(err))
		return
	}
	now := e.now()
	for i := range tasks {
		t := &tasks[i]
		if t.Status != types.SubTaskInProgress || e.isInflight(t.ID) {
			continue
		}
		t.Status = types.SubTaskPending
		t.NextAttemptAt = nil
		t.StartedAt = nil
		if err := e.store.UpdateSubTask(ctx, t); err != nil {
			e.logger.Warn("failed to requeue subtask", zap.String("subtask_id", t.ID.String()), zap.Error(err))
			continue
		}
		e.logger.Info("requeued orphaned subtask",
			zap.String("investigation_id", id.String()),
			zap.String("subtask_id", t.ID.String()))
		e.pub.Publish(events.NewSubtaskUpdate(t, now))
	}
}

// step advances the investigation as far as it can without waiting. It returns how
// long to wait before the next step, or stop when the driver should exit.
func (e *Engine) step(ctx context.Context, id uuid.UUID) (time.Duration, bool) {
	unlock := e.locks.Lock(id)
	inv, err := e.store.GetInvestigation(ctx, id)
	if err != nil || inv == nil {
		unlock()
		if err != nil {
			e.logger.Warn("driver failed to load investigation", zap.String("investigation_id", id.String()), zap.Error(err))
		}
		return 0, true
	}
	if inv.Status != types.StatusRunning {
		unlock()
		return 0, true
	}
	tasks, err := e.store.ListSubTasks(ctx, id)
	if err != nil {
		unlock()
		e.logger.Warn("driver failed to list subtasks", zap.String("investigation_id", id.String()), zap.Error(err))
		return claimRetryDelay, false
	}

	if len(tasks) == 0 {
		unlock()
		return e.plan(ctx, inv)
	}

	if types.CountSubTasks(tasks).Settled() && !e.anyInflight(id) {
		unlock()
		e.finalize(ctx, id)
		return 0, true
	}

	claimed, wait := e.claimReady(ctx, id, tasks)
	unlock()

	for _, t := range claimed {
		e.submit(t)
	}
	return wait, false
}

// claimReady marks ready subtasks in_progress in (order, seq) order while the
// investigation's budget allows. Caller holds the investigation lock.
func (e *Engine) claimReady(ctx context.Context, id uuid.UUID, tasks []types.SubTask) ([]*types.SubTask, time.Duration) {
	sem := e.budget(id)
	now := e.now()
	wait := idle
	var claimed []*types.SubTask

	for i := range tasks {
		t := &tasks[i]
		if t.Status != types.SubTaskPending || e.isInflight(t.ID) {
			continue
		}
		if !t.ReadyAt(now) {
			if d := t.NextAttemptAt.Sub(now); wait == idle || d < wait {
				wait = d
			}
			continue
		}
		if !sem.TryAcquire(1) {
			break
		}
		e.mu.Lock()
		e.inflight[t.ID] = id
		e.mu.Unlock()
		if err := e.exec.Claim(ctx, t); err != nil {
			e.release(sem, t.ID)
			e.logger.Warn("failed to claim subtask", zap.String("subtask_id", t.ID.String()), zap.Error(err))
			if wait == idle || claimRetryDelay < wait {
				wait = claimRetryDelay
			}
			continue
		}
		claimed = append(claimed, t)
	}
	return claimed, wait
}

func (e *Engine) release(sem *semaphore.Weighted, taskID uuid.UUID) {
	sem.Release(1)
	e.mu.Lock()
	delete(e.inflight, taskID)
	e.mu.Unlock()
}

// submit hands a claimed subtask to the worker pool
func (e *Engine) submit(t *types.SubTask) {
	sem := e.budget(t.InvestigationID)
	err := e.pool.Submit(fmt.Sprintf("subtask-%s", t.ID), func(ctx context.Context) error {
		_, err := e.exec.Run(ctx, t)
		e.release(sem, t.ID)
		e.afterSubtask(ctx, t.InvestigationID)
		return err
	})
	if err != nil {
		// left in_progress; requeued by the next driver
		e.release(sem, t.ID)
		e.logger.Warn("failed to submit subtask", zap.String("subtask_id", t.ID.String()), zap.Error(err))
	}
}

// afterSubtask re-derives progress, confidence and usage from fresh counts and
// wakes the driver
func (e *Engine) afterSubtask(ctx context.Context, id uuid.UUID) {
	unlock := e.locks.Lock(id)
	inv, err := e.store.GetInvestigation(ctx, id)
	if err != nil || inv == nil || inv.Status.IsTerminal() {
		unlock()
		e.wake(id)
		return
	}
	tasks, err := e.store.ListSubTasks(ctx, id)
	if err != nil {
		unlock()
		e.logger.Warn("failed to list subtasks", zap.String("investigation_id", id.String()), zap.Error(err))
		e.kick(id)
		return
	}
	lifecycle.Recompute(inv, tasks)
	e.refreshUsage(ctx, inv)
	if err := e.store.UpdateInvestigation(ctx, inv); err != nil {
		e.logger.Warn("failed to update investigation", zap.String("investigation_id", id.String()), zap.Error(err))
	} else {
		e.publishStatus(inv, tasks)
	}
	running := inv.Status == types.StatusRunning
	unlock()

	if running {
		e.kick(id)
	} else {
		e.wake(id)
	}
}

// plan asks the gateway for a research plan and persists it with its subtasks.
// The gateway call runs without the investigation lock.
func (e *Engine) plan(ctx context.Context, inv *types.Investigation) (time.Duration, bool) {
	log := e.logger.With(zap.String("investigation_id", inv.ID.String()))

	existing, err := e.store.GetPlan(ctx, inv.ID)
	if err != nil {
		log.Warn("failed to load existing plan", zap.Error(err))
	}

	req := gateway.PlanRequest{Query: inv.InitialQuery, Depth: e.cfg.Depth}
	if existing != nil {
		req.FocusAreas = existing.FocusAreas()
		req.AvoidedPaths = existing.AvoidedPaths
	}
	res, err := e.gateway.Plan(ctx, req)
	switch {
	case err != nil:
		log.Warn("planning failed, using fallback plan", zap.Error(err))
		res = gateway.FallbackPlan(inv.InitialQuery)
	case res == nil:
		res = gateway.FallbackPlan(inv.InitialQuery)
	case len(res.SubTasks) == 0:
		log.Warn("planner returned no subtasks, using fallback plan")
		usage := res.Usage
		res = gateway.FallbackPlan(inv.InitialQuery)
		res.Usage = usage
	}

	unlock := e.locks.Lock(inv.ID)
	defer unlock()

	inv, err = e.getInvestigation(ctx, inv.ID)
	if err != nil {
		log.Warn("investigation vanished during planning", zap.Error(err))
		return 0, true
	}
	if inv.Status != types.StatusRunning {
		return 0, true
	}
	if tasks, err := e.store.ListSubTasks(ctx, inv.ID); err == nil && len(tasks) > 0 {
		return 0, false
	}

	now := e.now()
	if err := e.persistPlan(ctx, inv, res, now); err != nil {
		log.Error("failed to persist plan", zap.Error(err))
		if terr := e.transition(inv, types.StatusFailed, now); terr == nil {
			if uerr := e.store.UpdateInvestigation(ctx, inv); uerr != nil {
				log.Error("failed to mark investigation failed", zap.Error(uerr))
			}
			e.publishStatus(inv, nil)
			e.pub.Publish(events.NewErrorOccurred(inv.ID, events.ErrorPlanFailed,
				fmt.Sprintf("Failed to create investigation plan: %v", err), nil, now))
		}
		return 0, true
	}

	e.recordUsage(ctx, inv.ID, res.Usage)
	lifecycle.Advance(inv, types.PhaseResearching, lifecycle.ProgressPlanned)
	lifecycle.EstimateCompletion(inv, res.EstimatedMinutes, now)
	e.refreshUsage(ctx, inv)
	if err := e.store.UpdateInvestigation(ctx, inv); err != nil {
		log.Warn("failed to update investigation", zap.Error(err))
	}
	tasks, _ := e.store.ListSubTasks(ctx, inv.ID)
	e.publishStatus(inv, tasks)
	for i := range tasks {
		e.pub.Publish(events.NewSubtaskUpdate(&tasks[i], now))
	}
	e.appendThought(ctx, &types.Thought{
		InvestigationID: inv.ID,
		ThoughtType:     types.ThoughtHypothesis,
		Content:         res.Hypothesis,
	})
	log.Info("investigation planned", zap.Int("subtasks", len(tasks)), zap.String("hypothesis", res.Hypothesis))
	return 0, false
}

// persistPlan saves the plan, keeping focus areas and avoided paths set before
// planning, then creates every subtask in one batch
func (e *Engine) persistPlan(ctx context.Context, inv *types.Investigation, res *gateway.PlanResult, now time.Time) error {
	existing, err := e.store.GetPlan(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	plan := &types.Plan{ID: uuid.New(), InvestigationID: inv.ID, CreatedAt: now}
	if existing != nil {
		plan.ID = existing.ID
		plan.CreatedAt = existing.CreatedAt
		plan.PriorityAreas = existing.PriorityAreas
		plan.AvoidedPaths = existing.AvoidedPaths
	}
	plan.Hypothesis = res.Hypothesis
	plan.ResearchStrategy = res.Strategy
	plan.ExpectedEntities = res.ExpectedEntities
	plan.UpdatedAt = now
	if err := e.store.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	tasks := make([]types.SubTask, 0, len(res.SubTasks))
	for _, st := range res.SubTasks {
		tasks = append(tasks, types.SubTask{
			ID:              uuid.New(),
			InvestigationID: inv.ID,
			TaskType:        st.Type,
			Description:     st.Description,
			Status:          types.SubTaskPending,
			Order:           st.Order,
		})
	}
	if err := e.store.CreateSubTasks(ctx, tasks); err != nil {
		return fmt.Errorf("failed to create subtasks: %w", err)
	}
	return nil
}

// finalize runs analysis and reporting once every subtask has settled, then completes
func (e *Engine) finalize(ctx context.Context, id uuid.UUID) {
	log := e.logger.With(zap.String("investigation_id", id.String()))

	unlock := e.locks.Lock(id)
	inv, err := e.getInvestigation(ctx, id)
	if err != nil || inv.Status != types.StatusRunning {
		unlock()
		return
	}
	tasks, err := e.store.ListSubTasks(ctx, id)
	if err != nil {
		unlock()
		log.Warn("failed to list subtasks", zap.Error(err))
		return
	}
	lifecycle.Recompute(inv, tasks)
	for _, stage := range []struct {
		phase    types.Phase
		progress int
	}{
		{types.PhaseAnalyzing, lifecycle.ProgressAnalyzing},
		{types.PhaseReporting, lifecycle.ProgressReporting},
	} {
		if lifecycle.Advance(inv, stage.phase, stage.progress) {
			if err := e.store.UpdateInvestigation(ctx, inv); err != nil {
				unlock()
				log.Warn("failed to update investigation", zap.Error(err))
				return
			}
			e.publishStatus(inv, tasks)
		}
	}
	req, err := e.reportRequest(ctx, inv)
	unlock()
	if err != nil {
		log.Warn("failed to gather report inputs", zap.Error(err))
	}

	var report *types.Report
	if err == nil {
		res, rerr := e.gateway.Report(ctx, req)
		if rerr != nil {
			log.Warn("report generation failed", zap.Error(rerr))
		} else {
			e.recordUsage(ctx, id, res.Usage)
			report = &types.Report{
				ID:              uuid.New(),
				InvestigationID: id,
				ReportType:      req.ReportType,
				Title:           res.Title,
				Content:         res.Content,
				CreatedAt:       e.now(),
			}
		}
	}

	unlock = e.locks.Lock(id)
	defer unlock()
	inv, err = e.getInvestigation(ctx, id)
	if err != nil || inv.Status != types.StatusRunning {
		return
	}
	if report != nil {
		if err := e.store.SaveReport(ctx, report); err != nil {
			log.Warn("failed to save report", zap.Error(err))
		} else {
			e.pub.Publish(events.NewReportReady(report, e.now()))
		}
	}

	now := e.now()
	if err := e.transition(inv, types.StatusCompleted, now); err != nil {
		log.Warn("failed to complete investigation", zap.Error(err))
		return
	}
	e.refreshUsage(ctx, inv)
	if err := e.store.UpdateInvestigation(ctx, inv); err != nil {
		log.Error("failed to record completion", zap.Error(err))
		return
	}
	e.publishStatus(inv, tasks)
	log.Info("investigation completed",
		zap.Float64("confidence", inv.ConfidenceScore),
		zap.Int("api_calls", inv.TotalAPICalls))
}

func (e *Engine) reportRequest(ctx context.Context, inv *types.Investigation) (gateway.ReportRequest, error) {
	req := gateway.ReportRequest{
		ReportType: types.ReportTypeExecutiveSummary,
		Title:      inv.Title + " - Executive Summary",
		Query:      inv.InitialQuery,
	}
	plan, err := e.store.GetPlan(ctx, inv.ID)
	if err != nil {
		return req, fmt.Errorf("failed to load plan: %w", err)
	}
	if plan != nil {
		req.Hypothesis = plan.Hypothesis
	}
	if req.Entities, err = e.store.ListEntities(ctx, inv.ID); err != nil {
		return req, fmt.Errorf("failed to list entities: %w", err)
	}
	if req.Relationships, err = e.store.ListRelationships(ctx, inv.ID); err != nil {
		return req, fmt.Errorf("failed to list relationships: %w", err)
	}
	counts, err := e.store.GraphCounts(ctx, inv.ID)
	if err != nil {
		return req, fmt.Errorf("failed to count evidence: %w", err)
	}
	req.EvidenceCount = counts.Evidence
	return req, nil
}
