// Package executor runs a single research subtask: it builds the investigation
// context, calls the reasoning gateway, folds the result into the knowledge graph and
// records the outcome, scheduling a retry with exponential backoff on failure.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/gateway"
	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/research"
	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/types"
)

// Outcome is how one attempt of a subtask ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
)

// Config controls retries and grounding
type Config struct {
	MaxAttempts int
	// RetryBase is the delay before the second attempt; it doubles on each further attempt
	RetryBase        time.Duration
	SearchResults    int
	KnownEntityLimit int
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		RetryBase:        60 * time.Second,
		SearchResults:    5,
		KnownEntityLimit: 50,
	}
}

// Backoff is the delay after the given failed attempt (1-based)
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.RetryBase * time.Duration(1<<uint(attempt-1))
}

// PageReader fetches the main text of a web page
type PageReader interface {
	Read(ctx context.Context, url string) (string, error)
}

// Executor runs subtasks
type Executor struct {
	store    store.Store
	gateway  gateway.Gateway
	pub      events.Publisher
	searcher research.Searcher
	pages    PageReader
	config   Config
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithSearcher grounds web_search subtasks in live search results
func WithSearcher(s research.Searcher) Option {
	return func(x *Executor) { x.searcher = s }
}

// WithPageReader lets document_analysis subtasks read the pages they cite
func WithPageReader(r PageReader) Option {
	return func(x *Executor) { x.pages = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// New creates an executor
func New(s store.Store, gw gateway.Gateway, pub events.Publisher, config Config, opts ...Option) *Executor {
	if pub == nil {
		pub = events.Nop
	}
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBase <= 0 {
		config.RetryBase = defaults.RetryBase
	}
	if config.SearchResults <= 0 {
		config.SearchResults = defaults.SearchResults
	}
	if config.KnownEntityLimit <= 0 {
		config.KnownEntityLimit = defaults.KnownEntityLimit
	}
	x := &Executor{
		store:   s,
		gateway: gw,
		pub:     pub,
		config:  config,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Config returns the executor configuration
func (x *Executor) Config() Config {
	return x.config
}

// Claim marks task in_progress for a new attempt and announces it
func (x *Executor) Claim(ctx context.Context, task *types.SubTask) error {
	now := x.now()
	task.Status = types.SubTaskInProgress
	task.AttemptCount++
	task.NextAttemptAt = nil
	task.StartedAt = &now
	if err := x.store.UpdateSubTask(ctx, task); err != nil {
		return fmt.Errorf("failed to claim subtask %s: %w", task.ID, err)
	}
	x.pub.Publish(events.NewSubtaskUpdate(task, now))
	return nil
}

// Run executes a claimed subtask and records the outcome. The returned error is
// non-nil only when the outcome itself could not be persisted.
func (x *Executor) Run(ctx context.Context, task *types.SubTask) (Outcome, error) {
	start := time.Now()
	log := x.logger.With(
		zap.String("investigation_id", task.InvestigationID.String()),
		zap.String("subtask_id", task.ID.String()),
		zap.Int("attempt", task.AttemptCount))

	outcome, err := x.attempt(ctx, task, log)
	if err != nil {
		log.Warn("subtask attempt failed", zap.Error(err))
		outcome, err = x.fail(ctx, task, err)
	}
	metrics.SubtasksTotal.WithLabelValues(string(task.TaskType), string(outcome)).Inc()
	metrics.SubtaskDuration.WithLabelValues(string(task.TaskType)).Observe(time.Since(start).Seconds())
	return outcome, err
}

func (x *Executor) attempt(ctx context.Context, task *types.SubTask, log *zap.Logger) (Outcome, error) {
	inv, err := x.store.GetInvestigation(ctx, task.InvestigationID)
	if err != nil {
		return "", fmt.Errorf("failed to load investigation: %w", err)
	}
	if inv == nil {
		return "", &store.NotFoundError{Kind: "investigation", ID: task.InvestigationID}
	}

	ec, err := x.BuildContext(ctx, inv, task)
	if err != nil {
		return "", err
	}

	res, err := x.gateway.Execute(ctx, task.Description, ec)
	if err != nil {
		return "", err
	}
	x.recordUsage(ctx, inv.ID, &task.ID, res.Usage, log)

	merged, err := graph.Merge(ctx, x.store, res.MergeInput(inv, task))
	if err != nil {
		metrics.GraphWrites.WithLabelValues("merge", "error").Inc()
		return "", err
	}
	metrics.GraphWrites.WithLabelValues("merge", "ok").Inc()
	for _, d := range merged.Dropped {
		log.Warn("dropped relationship", zap.Error(&d))
	}

	now := x.now()
	task.Status = types.SubTaskCompleted
	task.Result = res.Raw
	task.Confidence = res.Confidence
	task.CompletedAt = &now
	task.NextAttemptAt = nil
	task.LastError = ""
	if err := x.store.UpdateSubTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to record subtask completion: %w", err)
	}
	x.pub.Publish(events.NewSubtaskUpdate(task, now))
	x.publishGraph(ctx, merged, now)

	log.Info("subtask completed",
		zap.Int("entities", len(merged.CreatedEntities)+len(merged.UpdatedEntities)),
		zap.Int("relationships", len(merged.CreatedRelationships)+len(merged.UpdatedRelationships)),
		zap.Int("evidence", len(merged.Evidence)),
		zap.Float64("confidence", res.Confidence))

	x.think(ctx, inv, task, merged, log)
	return OutcomeCompleted, nil
}

// fail records a failed attempt: a retry while attempts remain, otherwise permanent failure
func (x *Executor) fail(ctx context.Context, task *types.SubTask, cause error) (Outcome, error) {
	now := x.now()
	task.LastError = cause.Error()
	outcome := OutcomeRetry
	if task.AttemptCount < x.config.MaxAttempts {
		next := now.Add(x.config.Backoff(task.AttemptCount))
		task.Status = types.SubTaskPending
		task.NextAttemptAt = &next
		task.CompletedAt = nil
	} else {
		outcome = OutcomeFailed
		task.Status = types.SubTaskFailed
		task.NextAttemptAt = nil
		task.CompletedAt = &now
	}

	if err := x.store.UpdateSubTask(ctx, task); err != nil {
		return outcome, fmt.Errorf("failed to record subtask failure: %w", err)
	}
	x.pub.Publish(events.NewSubtaskUpdate(task, now))
	if outcome == OutcomeFailed {
		id := task.ID
		msg := fmt.Sprintf("Subtask %q failed after %d attempts: %s", task.Description, task.AttemptCount, task.LastError)
		x.pub.Publish(events.NewErrorOccurred(task.InvestigationID, events.ErrorSubtaskFailed, msg, &id, now))
	}
	return outcome, nil
}

// publishGraph turns a merge result into discovery and board events
func (x *Executor) publishGraph(ctx context.Context, r *graph.MergeResult, now time.Time) {
	names := make(map[uuid.UUID]string)
	for i := range r.CreatedEntities {
		e := &r.CreatedEntities[i]
		names[e.ID] = e.Name
		x.pub.Publish(events.NewEntityDiscovered(e, now))
		x.pub.Publish(events.NewNodeAdded(e, now))
	}
	for i := range r.UpdatedEntities {
		e := &r.UpdatedEntities[i]
		names[e.ID] = e.Name
		x.pub.Publish(events.NewNodeUpdated(e, now))
	}
	for i := range r.CreatedRelationships {
		rel := &r.CreatedRelationships[i]
		x.pub.Publish(events.NewRelationshipDiscovered(rel,
			x.entityName(ctx, names, rel.SourceEntityID),
			x.entityName(ctx, names, rel.TargetEntityID), now))
		x.pub.Publish(events.NewEdgeAdded(rel, now))
	}
	for i := range r.Evidence {
		x.pub.Publish(events.NewEvidenceDiscovered(&r.Evidence[i], now))
	}
}

func (x *Executor) entityName(ctx context.Context, names map[uuid.UUID]string, id uuid.UUID) string {
	if n, ok := names[id]; ok {
		return n
	}
	e, err := x.store.GetEntity(ctx, id)
	if err != nil || e == nil {
		return ""
	}
	names[id] = e.Name
	return e.Name
}

// think records a thought about the completed subtask, falling back to a plain
// observation when the gateway cannot produce one
func (x *Executor) think(ctx context.Context, inv *types.Investigation, task *types.SubTask, r *graph.MergeResult, log *zap.Logger) {
	newInfo := fmt.Sprintf("Completed: %s. Found %d entities, %d relationships and %d pieces of evidence.",
		task.Description,
		len(r.CreatedEntities)+len(r.UpdatedEntities),
		len(r.CreatedRelationships)+len(r.UpdatedRelationships),
		len(r.Evidence))

	hypothesis := ""
	if plan, err := x.store.GetPlan(ctx, inv.ID); err == nil && plan != nil {
		hypothesis = plan.Hypothesis
	}

	th, err := x.gateway.Thought(ctx, gateway.ThoughtRequest{
		Hypothesis:     hypothesis,
		Confidence:     inv.ConfidenceScore,
		Phase:          inv.Phase,
		NewInformation: newInfo,
	})
	if err != nil {
		log.Warn("thought generation failed, recording observation", zap.Error(err))
		th = gateway.FallbackThought(newInfo)
	} else {
		x.recordUsage(ctx, inv.ID, &task.ID, th.Usage, log)
	}

	id := task.ID
	thought := &types.Thought{
		ID:               uuid.New(),
		InvestigationID:  inv.ID,
		SubTaskID:        &id,
		ThoughtType:      th.Type,
		Content:          th.Content,
		ConfidenceBefore: th.ConfidenceBefore,
		ConfidenceAfter:  th.ConfidenceAfter,
		Timestamp:        x.now(),
	}
	if err := x.store.AppendThought(ctx, thought); err != nil {
		log.Warn("failed to record thought", zap.Error(err))
		return
	}
	x.pub.Publish(events.NewThoughtUpdate(thought, thought.Timestamp))
}

func (x *Executor) recordUsage(ctx context.Context, investigationID uuid.UUID, taskID *uuid.UUID, u gateway.Usage, log *zap.Logger) {
	if u.APICalls == 0 && u.CostUSD == 0 {
		return
	}
	rec := &types.UsageRecord{
		ID:              uuid.New(),
		InvestigationID: investigationID,
		SubTaskID:       taskID,
		Operation:       u.Operation,
		APICalls:        u.APICalls,
		CostUSD:         u.CostUSD,
		CreatedAt:       x.now(),
	}
	if err := x.store.AppendUsage(ctx, rec); err != nil {
		log.Warn("failed to record usage", zap.String("operation", u.Operation), zap.Error(err))
	}
}
