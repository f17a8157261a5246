package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/llm"
	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/prompts"
	"github.com/jonathan/investigator/internal/types"
)

// DefaultTimeout bounds a single gateway call
const DefaultTimeout = 2 * time.Minute

// Reasoner implements Gateway on top of an LLM client and the embedded prompts
type Reasoner struct {
	client  llm.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewReasoner creates a Gateway backed by client. A zero timeout uses DefaultTimeout.
func NewReasoner(client llm.Client, timeout time.Duration, logger *zap.Logger) *Reasoner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoner{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Plan generates a research plan
func (r *Reasoner) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	minTasks, maxTasks := req.Depth.SubtaskRange()
	depth := req.Depth
	if depth == "" {
		depth = DepthModerate
	}
	prompt, err := prompts.Render(prompts.PlanningFile, prompts.KeyPlanInvestigation, map[string]string{
		"Query":        req.Query,
		"FocusAreas":   listOrNone(req.FocusAreas),
		"AvoidedPaths": listOrNone(req.AvoidedPaths),
		"Depth":        string(depth),
		"MinSubtasks":  fmt.Sprint(minTasks),
		"MaxSubtasks":  fmt.Sprint(maxTasks),
	})
	if err != nil {
		return nil, &Error{Operation: OpPlan, Message: "failed to render prompt", Cause: err}
	}

	resp, err := r.call(ctx, OpPlan, prompt, llm.TierAdvanced, true)
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(resp.Text)
	if err != nil {
		r.observe(OpPlan, "invalid", 0)
		return nil, err
	}
	plan.Usage = usage(OpPlan, resp)
	r.logger.Info("generated investigation plan", zap.Int("subtasks", len(plan.SubTasks)), zap.String("model", resp.Model))
	return plan, nil
}

// Execute runs one research subtask
func (r *Reasoner) Execute(ctx context.Context, task string, ec ExecContext) (*ExecResult, error) {
	searchResults := ec.SearchResults
	if searchResults == "" {
		searchResults = "None provided."
	}
	prompt, err := prompts.Render(prompts.ResearchFile, prompts.KeyExecuteSubtask, map[string]string{
		"TaskType":          string(ec.TaskType),
		"Task":              task,
		"Query":             ec.Query,
		"Hypothesis":        orNone(ec.Hypothesis),
		"Phase":             string(ec.Phase),
		"EntityCount":       fmt.Sprint(ec.EntityCount),
		"RelationshipCount": fmt.Sprint(ec.RelationshipCount),
		"KnownEntities":     listOrNone(ec.KnownEntities),
		"FocusAreas":        listOrNone(ec.FocusAreas),
		"AvoidedPaths":      listOrNone(ec.AvoidedPaths),
		"SearchResults":     searchResults,
	})
	if err != nil {
		return nil, &Error{Operation: OpExecute, Message: "failed to render prompt", Cause: err}
	}

	resp, err := r.call(ctx, OpExecute, prompt, llm.TierStandard, true)
	if err != nil {
		return nil, err
	}
	res, err := ParseExecResult(resp.Text)
	if err != nil {
		r.observe(OpExecute, "invalid", 0)
		return nil, err
	}
	res.Usage = usage(OpExecute, resp)
	return res, nil
}

// Thought generates a reasoning step
func (r *Reasoner) Thought(ctx context.Context, req ThoughtRequest) (*ThoughtResult, error) {
	prompt, err := prompts.Render(prompts.ReasoningFile, prompts.KeyGenerateThought, map[string]string{
		"Hypothesis":     orNone(req.Hypothesis),
		"Confidence":     fmt.Sprintf("%.2f", req.Confidence),
		"Phase":          string(req.Phase),
		"NewInformation": req.NewInformation,
	})
	if err != nil {
		return nil, &Error{Operation: OpThought, Message: "failed to render prompt", Cause: err}
	}

	resp, err := r.call(ctx, OpThought, prompt, llm.TierLite, true)
	if err != nil {
		return nil, err
	}
	th, err := ParseThought(resp.Text)
	if err != nil {
		r.observe(OpThought, "invalid", 0)
		return nil, err
	}
	th.Usage = usage(OpThought, resp)
	return th, nil
}

// Report writes a markdown report
func (r *Reasoner) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	reportType := req.ReportType
	if reportType == "" {
		reportType = types.ReportTypeExecutiveSummary
	}
	entityKinds := make([]string, 0, len(req.Entities))
	for _, e := range req.Entities {
		entityKinds = append(entityKinds, string(e.EntityType))
	}
	relKinds := make([]string, 0, len(req.Relationships))
	for _, rel := range req.Relationships {
		relKinds = append(relKinds, string(rel.RelationshipType))
	}

	prompt, err := prompts.Render(prompts.ReportsFile, prompts.KeyGenerateReport, map[string]string{
		"ReportType":          strings.ReplaceAll(reportType, "_", " "),
		"Title":               req.Title,
		"Query":               req.Query,
		"Hypothesis":          orNone(req.Hypothesis),
		"EntityCount":         fmt.Sprint(len(req.Entities)),
		"EntitySummary":       summarizeByKind(entityKinds, "No entities discovered."),
		"RelationshipCount":   fmt.Sprint(len(req.Relationships)),
		"RelationshipSummary": summarizeByKind(relKinds, "No relationships discovered."),
		"EvidenceCount":       fmt.Sprint(req.EvidenceCount),
	})
	if err != nil {
		return nil, &Error{Operation: OpReport, Message: "failed to render prompt", Cause: err}
	}

	resp, err := r.call(ctx, OpReport, prompt, llm.TierAdvanced, false)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(resp.Text)
	if content == "" {
		r.observe(OpReport, "invalid", 0)
		return nil, &Error{Operation: OpReport, Message: "empty report"}
	}
	return &ReportResult{
		Title:   req.Title,
		Content: content,
		Usage:   usage(OpReport, resp),
	}, nil
}

// call runs one model request under the gateway timeout
func (r *Reasoner) call(ctx context.Context, op, prompt string, tier llm.ModelTier, jsonOut bool) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var (
		resp *llm.Response
		err  error
	)
	if jsonOut {
		resp, err = r.client.GenerateJSON(ctx, prompt, tier)
	} else {
		resp, err = r.client.GenerateContent(ctx, prompt, tier)
	}
	elapsed := time.Since(start)

	if err != nil {
		msg := "model call failed"
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "model call timed out"
			status = "timeout"
		}
		r.observe(op, status, elapsed)
		r.logger.Warn("gateway call failed", zap.String("operation", op), zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, &Error{Operation: op, Message: msg, Cause: err, Transport: true}
	}
	r.observe(op, "ok", elapsed)
	return resp, nil
}

func (r *Reasoner) observe(op, status string, elapsed time.Duration) {
	metrics.GatewayRequestsTotal.WithLabelValues(op, status).Inc()
	if elapsed > 0 {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

func usage(op string, resp *llm.Response) Usage {
	return Usage{Operation: op, Model: resp.Model, APICalls: 1, CostUSD: resp.CostUSD}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None yet"
	}
	return s
}
