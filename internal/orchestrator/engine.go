// Package orchestrator drives investigations from creation to completion. It owns the
// exposed lifecycle operations, a dispatch driver per running investigation and the
// watchdog that fails investigations stuck for too long.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/executor"
	"github.com/jonathan/investigator/internal/gateway"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/types"
	"github.com/jonathan/investigator/internal/worker"
)

// Config controls scheduling and the watchdog
type Config struct {
	// Concurrency is how many subtasks of one investigation may run at once
	Concurrency int
	// StuckAfter is the age at which a running investigation is force-failed
	StuckAfter time.Duration
	// WatchdogInterval is how often RunWatchdog sweeps
	WatchdogInterval time.Duration
	// Depth is passed to the planner
	Depth gateway.Depth
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:      1,
		StuckAfter:       24 * time.Hour,
		WatchdogInterval: 15 * time.Minute,
		Depth:            gateway.DepthModerate,
	}
}

// claimRetryDelay is how long a driver waits after a failed claim before trying again
const claimRetryDelay = time.Second

// Engine is the orchestration engine. All writes to an investigation row go
// through a per-investigation lock, so status, phase and progress have one writer.
type Engine struct {
	store   store.Store
	gateway gateway.Gateway
	pub     events.Publisher
	pool    *worker.Pool
	exec    *executor.Executor
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger

	locks keyedMutex

	mu       sync.Mutex
	closed   bool
	drivers  map[uuid.UUID]*driver
	inflight map[uuid.UUID]uuid.UUID // subtask -> investigation
	budgets  map[uuid.UUID]*semaphore.Weighted
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. Subtask jobs run on pool; exec performs them.
func New(s store.Store, gw gateway.Gateway, pub events.Publisher, pool *worker.Pool, exec *executor.Executor, cfg Config, opts ...Option) *Engine {
	if pub == nil {
		pub = events.Nop
	}
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaults.StuckAfter
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaults.WatchdogInterval
	}
	if cfg.Depth == "" {
		cfg.Depth = defaults.Depth
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    s,
		gateway:  gw,
		pub:      pub,
		pool:     pool,
		exec:     exec,
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
		drivers:  make(map[uuid.UUID]*driver),
		inflight: make(map[uuid.UUID]uuid.UUID),
		budgets:  make(map[uuid.UUID]*semaphore.Weighted),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateInvestigation opens a new pending investigation, starting it when requested
func (e *Engine) CreateInvestigation(ctx context.Context, req types.CreateInvestigationRequest) (*types.Investigation, error) {
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Message: "invalid investigation request", Cause: err}
	}
	inv := &types.Investigation{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Title:        req.Title,
		InitialQuery: req.InitialQuery,
		Status:       types.StatusPending,
		Phase:        types.PhasePlanning,
	}
	if err := e.store.CreateInvestigation(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create investigation: %w", err)
	}
	e.logger.Info("investigation created", zap.String("investigation_id", inv.ID.String()), zap.String("title", inv.Title))
	e.publishStatus(inv, nil)

	if req.AutoStart {
		if _, err := e.StartInvestigation(ctx, inv.ID); err != nil {
			return inv, err
		}
		return e.getInvestigation(ctx, inv.ID)
	}
	return inv, nil
}

// StartInvestigation moves a pending investigation to running and begins planning
func (e *Engine) StartInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error) {
	snap, err := e.mutate(ctx, id, func(inv *types.Investigation, now time.Time) error {
		if inv.Status == types.StatusPaused {
			return &StateError{Operation: "start", InvestigationID: id, Status: inv.Status}
		}
		if err := e.transition(inv, types.StatusRunning, now); err != nil {
			return err
		}
		lifecycle.Advance(inv, types.PhasePlanning, lifecycle.ProgressStarted)
		return nil
	})
	if err != nil {
		return snap, err
	}
	e.kick(id)
	return snap, nil
}

// PauseInvestigation stops dispatch. Subtasks already running finish and merge.
func (e *Engine) PauseInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error) {
	snap, err := e.mutate(ctx, id, func(inv *types.Investigation, now time.Time) error {
		return e.transition(inv, types.StatusPaused, now)
	})
	if err != nil {
		return snap, err
	}
	e.wake(id)
	return snap, nil
}

// ResumeInvestigation continues a paused investigation from its first unfinished subtask
func (e *Engine) ResumeInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error) {
	snap, err := e.mutate(ctx, id, func(inv *types.Investigation, now time.Time) error {
		if inv.Status == types.StatusPending {
			return &StateError{Operation: "resume", InvestigationID: id, Status: inv.Status}
		}
		return e.transition(inv, types.StatusRunning, now)
	})
	if err != nil {
		return snap, err
	}
	e.kick(id)
	return snap, nil
}

// CancelInvestigation fails a non-terminal investigation on user request
func (e *Engine) CancelInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error) {
	snap, err := e.mutate(ctx, id, func(inv *types.Investigation, now time.Time) error {
		return e.transition(inv, types.StatusFailed, now)
	})
	if err != nil {
		return snap, err
	}
	e.pub.Publish(events.NewErrorOccurred(id, events.ErrorCancelled, "Investigation cancelled by user", nil, e.now()))
	e.wake(id)
	return snap, nil
}

// RedirectFocus puts a new focus area at the front of the plan's priority list.
// Only running or paused investigations can be redirected.
func (e *Engine) RedirectFocus(ctx context.Context, id uuid.UUID, req types.RedirectFocusRequest) (*types.Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Message: "invalid redirect request", Cause: err}
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.getInvestigation(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != types.StatusRunning && inv.Status != types.StatusPaused {
		return nil, &StateError{Operation: "redirect", InvestigationID: id, Status: inv.Status}
	}

	plan, err := e.store.GetPlan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	now := e.now()
	if plan == nil {
		plan = &types.Plan{ID: uuid.New(), InvestigationID: id, CreatedAt: now}
	}
	area := types.PriorityArea{Focus: req.NewFocus, Priority: req.Priority, Timestamp: now}
	plan.PriorityAreas = append([]types.PriorityArea{area}, plan.PriorityAreas...)
	plan.UpdatedAt = now
	if err := e.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}

	e.appendThought(ctx, &types.Thought{
		InvestigationID:  id,
		ThoughtType:      types.ThoughtCorrection,
		Content:          fmt.Sprintf("Focus redirected to %q (%s priority)", req.NewFocus, req.Priority),
		ConfidenceBefore: inv.ConfidenceScore,
		ConfidenceAfter:  inv.ConfidenceScore,
	})
	e.logger.Info("investigation redirected",
		zap.String("investigation_id", id.String()),
		zap.String("focus", req.NewFocus),
		zap.String("priority", string(req.Priority)))
	return plan, nil
}

// GetSnapshot returns the current status view of an investigation
func (e *Engine) GetSnapshot(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error) {
	inv, err := e.getInvestigation(ctx, id)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	tasks, err := e.store.ListSubTasks(ctx, id)
	if err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("failed to list subtasks: %w", err)
	}
	return lifecycle.NewSnapshot(inv, types.CountSubTasks(tasks)), nil
}

// RequestFullState returns everything known about an investigation in the same
// envelope as pushed events, for subscribers that attach late
func (e *Engine) RequestFullState(ctx context.Context, id uuid.UUID) (events.Event, error) {
	inv, err := e.getInvestigation(ctx, id)
	if err != nil {
		return events.Event{}, err
	}
	p := events.FullStatePayload{Investigation: inv}
	if p.Plan, err = e.store.GetPlan(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to load plan: %w", err)
	}
	if p.SubTasks, err = e.store.ListSubTasks(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to list subtasks: %w", err)
	}
	if p.Entities, err = e.store.ListEntities(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to list entities: %w", err)
	}
	if p.Relationships, err = e.store.ListRelationships(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to list relationships: %w", err)
	}
	if p.Evidence, err = e.store.ListEvidence(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to list evidence: %w", err)
	}
	if p.Thoughts, err = e.store.ListThoughts(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to list thoughts: %w", err)
	}
	if p.Reports, err = e.store.ListReports(ctx, id); err != nil {
		return events.Event{}, fmt.Errorf("failed to list reports: %w", err)
	}
	p.Snapshot = lifecycle.NewSnapshot(inv, types.CountSubTasks(p.SubTasks))
	return events.NewFullState(p, e.now()), nil
}

// MoveEntity records a user placement of an entity on the board
func (e *Engine) MoveEntity(ctx context.Context, id uuid.UUID, req types.MoveEntityRequest) (*types.Entity, error) {
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Message: "invalid move request", Cause: err}
	}
	existing, err := e.store.GetEntity(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	if existing == nil || existing.InvestigationID != id {
		return nil, &NotFoundError{Kind: "entity", ID: req.EntityID}
	}
	pos := types.Position{X: req.X, Y: req.Y}
	ent, err := e.store.SetEntityPosition(ctx, req.EntityID, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to move entity: %w", err)
	}
	if ent == nil {
		return nil, &NotFoundError{Kind: "entity", ID: req.EntityID}
	}
	e.pub.Publish(events.NewEntityPositionUpdate(id, ent.ID, pos, e.now()))
	return ent, nil
}

// ChangeLayout tells board subscribers to switch layout
func (e *Engine) ChangeLayout(ctx context.Context, id uuid.UUID, req types.ChangeLayoutRequest) error {
	if err := req.Validate(); err != nil {
		return &ValidationError{Message: "invalid layout request", Cause: err}
	}
	if _, err := e.getInvestigation(ctx, id); err != nil {
		return err
	}
	e.pub.Publish(events.NewLayoutUpdate(id, req.Layout, e.now()))
	return nil
}

// Recover restarts drivers for investigations left running by a previous process.
// Subtasks they had in progress are re-queued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	running, err := e.store.ListInvestigations(ctx, types.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running investigations: %w", err)
	}
	for i := range running {
		e.kick(running[i].ID)
	}
	if len(running) > 0 {
		e.logger.Info("recovered running investigations", zap.Int("count", len(running)))
	}
	return len(running), nil
}

// Shutdown stops every driver and waits for running subtasks to finish
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	err := e.pool.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("engine shutdown forced: %w", ctx.Err())
		}
	}
	return err
}

// mutate applies fn to the investigation under its lock, persists it and publishes the new snapshot
func (e *Engine) mutate(ctx context.Context, id uuid.UUID, fn func(inv *types.Investigation, now time.Time) error) (lifecycle.Snapshot, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.getInvestigation(ctx, id)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	if err := fn(inv, e.now()); err != nil {
		return lifecycle.Snapshot{}, err
	}
	if err := e.store.UpdateInvestigation(ctx, inv); err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("failed to update investigation: %w", err)
	}
	tasks, err := e.store.ListSubTasks(ctx, id)
	if err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("failed to list subtasks: %w", err)
	}
	return e.publishStatus(inv, tasks), nil
}

func (e *Engine) transition(inv *types.Investigation, to types.InvestigationStatus, now time.Time) error {
	from := inv.Status
	if err := lifecycle.Transition(inv, to, now); err != nil {
		return err
	}
	metrics.InvestigationTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.logger.Info("investigation status changed",
		zap.String("investigation_id", inv.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (e *Engine) getInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	inv, err := e.store.GetInvestigation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load investigation: %w", err)
	}
	if inv == nil {
		return nil, &NotFoundError{Kind: "investigation", ID: id}
	}
	return inv, nil
}

func (e *Engine) publishStatus(inv *types.Investigation, tasks []types.SubTask) lifecycle.Snapshot {
	snap := lifecycle.NewSnapshot(inv, types.CountSubTasks(tasks))
	e.pub.Publish(events.NewStatusUpdate(snap, e.now()))
	return snap
}

func (e *Engine) appendThought(ctx context.Context, th *types.Thought) {
	th.ID = uuid.New()
	th.Timestamp = e.now()
	if err := e.store.AppendThought(ctx, th); err != nil {
		e.logger.Warn("failed to record thought", zap.String("investigation_id", th.InvestigationID.String()), zap.Error(err))
		return
	}
	e.pub.Publish(events.NewThoughtUpdate(th, th.Timestamp))
}

// refreshUsage re-derives the investigation's usage totals from the ledger
func (e *Engine) refreshUsage(ctx context.Context, inv *types.Investigation) {
	totals, err := e.store.UsageTotals(ctx, inv.ID)
	if err != nil {
		e.logger.Warn("failed to sum usage", zap.String("investigation_id", inv.ID.String()), zap.Error(err))
		return
	}
	inv.TotalAPICalls = totals.APICalls
	inv.TotalCostUSD = totals.CostUSD
}

func (e *Engine) recordUsage(ctx context.Context, id uuid.UUID, u gateway.Usage) {
	if u.APICalls == 0 && u.CostUSD == 0 {
		return
	}
	err := e.store.AppendUsage(ctx, &types.UsageRecord{
		ID:              uuid.New(),
		InvestigationID: id,
		Operation:       u.Operation,
		APICalls:        u.APICalls,
		CostUSD:         u.CostUSD,
		CreatedAt:       e.now(),
	})
	if err != nil {
		e.logger.Warn("failed to record usage", zap.String("investigation_id", id.String()), zap.String("operation", u.Operation), zap.Error(err))
	}
}

// IsNotFound reports whether err means the target of an operation does not exist
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
