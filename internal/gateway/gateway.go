// Package gateway is the boundary to the external reasoning service.
//
// Every response crosses a strict parse step (schema validation, decode, normalization)
// before it reaches the orchestrator. Any failure along the way, including transport
// errors and timeouts, surfaces as *Error.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/types"
)

// Operations reported in errors, usage records and metrics
const (
	OpPlan    = "plan"
	OpExecute = "execute"
	OpThought = "thought"
	OpReport  = "report"
)

// Depth controls how many subtasks a plan asks for
type Depth string

const (
	DepthShallow       Depth = "shallow"
	DepthModerate      Depth = "moderate"
	DepthComprehensive Depth = "comprehensive"
)

// SubtaskRange returns the requested number of subtasks for the depth
func (d Depth) SubtaskRange() (int, int) {
	switch d {
	case DepthShallow:
		return 3, 5
	case DepthComprehensive:
		return 8, 12
	default:
		return 5, 10
	}
}

// Usage is the cost of one gateway call
type Usage struct {
	Operation string
	Model     string
	APICalls  int
	CostUSD   float64
}

// PlanRequest asks for a research plan
type PlanRequest struct {
	Query        string
	FocusAreas   []string
	AvoidedPaths []string
	Depth        Depth
}

// PlannedSubTask is one step of a plan, not yet persisted
type PlannedSubTask struct {
	Type        types.TaskType `json:"type"`
	Description string         `json:"description"`
	Order       int            `json:"order"`
}

// PlanResult is a normalized plan
type PlanResult struct {
	Hypothesis       string           `json:"hypothesis"`
	Strategy         []string         `json:"strategy"`
	SubTasks         []PlannedSubTask `json:"subtasks"`
	ExpectedEntities []string         `json:"expected_entities"`
	EstimatedMinutes int              `json:"estimated_duration_minutes"`
	Usage            Usage            `json:"-"`
}

// ExecContext is the investigation state given to a subtask execution
type ExecContext struct {
	TaskType          types.TaskType
	Query             string
	Hypothesis        string
	Phase             types.Phase
	EntityCount       int
	RelationshipCount int
	KnownEntities     []string
	FocusAreas        []string
	AvoidedPaths      []string
	// SearchResults is grounding material rendered for the prompt; empty when none
	SearchResults string
}

// ExecResult is a normalized subtask result
type ExecResult struct {
	Entities      []graph.EntityInput
	Relationships []graph.RelationshipInput
	Evidence      []graph.EvidenceInput
	Confidence    float64
	NextSteps     []string
	// Raw is the validated response document, stored as the subtask result
	Raw   json.RawMessage
	Usage Usage
}

// MergeInput converts the result into a graph merge for one subtask
func (r *ExecResult) MergeInput(inv *types.Investigation, task *types.SubTask) graph.MergeInput {
	in := graph.MergeInput{
		InvestigationID: inv.ID,
		Entities:        r.Entities,
		Relationships:   r.Relationships,
		Evidence:        r.Evidence,
	}
	if task != nil {
		id := task.ID
		in.TaskID = &id
	}
	return in
}

// ThoughtRequest asks for a reasoning step about new information
type ThoughtRequest struct {
	Hypothesis     string
	Confidence     float64
	Phase          types.Phase
	NewInformation string
}

// ThoughtResult is a normalized thought
type ThoughtResult struct {
	Type             types.ThoughtType
	Content          string
	ConfidenceBefore float64
	ConfidenceAfter  float64
	NextAction       string
	Usage            Usage
}

// ReportRequest asks for a written report of the investigation's findings
type ReportRequest struct {
	ReportType    string
	Title         string
	Query         string
	Hypothesis    string
	Entities      []types.Entity
	Relationships []types.Relationship
	EvidenceCount int
}

// ReportResult is a generated report
type ReportResult struct {
	Title   string
	Content string
	Usage   Usage
}

// Gateway is the reasoning service used by the orchestrator
type Gateway interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResult, error)
	Execute(ctx context.Context, task string, ec ExecContext) (*ExecResult, error)
	Thought(ctx context.Context, req ThoughtRequest) (*ThoughtResult, error)
	Report(ctx context.Context, req ReportRequest) (*ReportResult, error)
}

// Error is any failure of a gateway call: transport, timeout, open circuit or a
// response that did not survive parsing
type Error struct {
	Operation string
	Message   string
	Cause     error
	// Transport is set when the call itself failed rather than its response
	Transport bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gateway %s failed: %s: %v", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
