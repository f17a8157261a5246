// Package types provides type definitions for structured data used throughout the investigator system.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/google/uuid"
)

// InvestigationStatus is the lifecycle status of an investigation
type InvestigationStatus string

// Investigation statuses
const (
	StatusPending   InvestigationStatus = "pending"
	StatusRunning   InvestigationStatus = "running"
	StatusPaused    InvestigationStatus = "paused"
	StatusCompleted InvestigationStatus = "completed"
	StatusFailed    InvestigationStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s InvestigationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status
func (s InvestigationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Phase is the coarse-grained stage an investigation is in
type Phase string

// Investigation phases
const (
	PhasePlanning    Phase = "planning"
	PhaseResearching Phase = "researching"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseReporting   Phase = "reporting"
	PhaseCompleted   Phase = "completed"
)

// Investigation is a single user-initiated research run
type Investigation struct {
	ID                  uuid.UUID           `json:"id"`
	UserID              uuid.UUID           `json:"user_id"`
	Title               string              `json:"title"`
	InitialQuery        string              `json:"initial_query"`
	Status              InvestigationStatus `json:"status"`
	Phase               Phase               `json:"current_phase"`
	ProgressPercentage  int                 `json:"progress_percentage"`
	ConfidenceScore     float64             `json:"confidence_score"`
	StartedAt           *time.Time          `json:"started_at,omitempty"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time          `json:"estimated_completion,omitempty"`
	TotalAPICalls       int                 `json:"total_api_calls"`
	TotalCostUSD        float64             `json:"total_cost_usd"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Clone returns a copy of the investigation that shares no pointers with inv
func (inv *Investigation) Clone() *Investigation {
	if inv == nil {
		return nil
	}
	c := *inv
	c.StartedAt = cloneTime(inv.StartedAt)
	c.CompletedAt = cloneTime(inv.CompletedAt)
	c.EstimatedCompletion = cloneTime(inv.EstimatedCompletion)
	return &c
}

// Priority is the urgency attached to a redirected focus area
type Priority string

// Priorities accepted by RedirectFocus
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// PriorityArea is one entry of the plan's focus list; redirects insert at the front
type PriorityArea struct {
	Focus     string    `json:"focus"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// Plan is the research strategy for an investigation (one-to-one)
type Plan struct {
	ID               uuid.UUID      `json:"id"`
	InvestigationID  uuid.UUID      `json:"investigation_id"`
	Hypothesis       string         `json:"hypothesis"`
	ResearchStrategy []string       `json:"research_strategy"`
	PriorityAreas    []PriorityArea `json:"priority_areas"`
	AvoidedPaths     []string       `json:"avoided_paths"`
	ExpectedEntities []string       `json:"expected_entities,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// FocusAreas returns the focus strings in priority-list order
func (p *Plan) FocusAreas() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.PriorityAreas))
	for _, a := range p.PriorityAreas {
		out = append(out, a.Focus)
	}
	return out
}

// Clone returns a deep copy of the plan
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.ResearchStrategy = append([]string(nil), p.ResearchStrategy...)
	c.PriorityAreas = append([]PriorityArea(nil), p.PriorityAreas...)
	c.AvoidedPaths = append([]string(nil), p.AvoidedPaths...)
	c.ExpectedEntities = append([]string(nil), p.ExpectedEntities...)
	return &c
}

// Report is a generated narrative summary of an investigation
type Report struct {
	ID              uuid.UUID `json:"id"`
	InvestigationID uuid.UUID `json:"investigation_id"`
	ReportType      string    `json:"report_type"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReportTypeExecutiveSummary is the report produced when an investigation finishes
const ReportTypeExecutiveSummary = "executive_summary"

// UsageRecord is one entry of the append-only resource ledger.
// Investigation totals are always summed from these rows.
type UsageRecord struct {
	ID              uuid.UUID  `json:"id"`
	InvestigationID uuid.UUID  `json:"investigation_id"`
	SubTaskID       *uuid.UUID `json:"subtask_id,omitempty"`
	Operation       string     `json:"operation"`
	APICalls        int        `json:"api_calls"`
	CostUSD         float64    `json:"cost_usd"`
	CreatedAt       time.Time  `json:"created_at"`
}

// UsageTotals is the re-derived resource usage of an investigation
type UsageTotals struct {
	APICalls int     `json:"total_api_calls"`
	CostUSD  float64 `json:"total_cost_usd"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
