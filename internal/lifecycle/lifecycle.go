// Package lifecycle owns the investigation status state machine and the
// deterministic derivation of phase, progress and confidence.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/types"
)

// Progress marks for each stage of an investigation
const (
	ProgressStarted   = 5
	ProgressPlanned   = 10
	ProgressResearch  = 70
	ProgressAnalyzing = 85
	ProgressReporting = 95
	ProgressCompleted = 100
)

// InvalidTransitionError is returned when a status change is not in the transition table
type InvalidTransitionError struct {
	InvestigationID uuid.UUID
	From            types.InvestigationStatus
	To              types.InvestigationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for investigation %s: %s -> %s", e.InvestigationID, e.From, e.To)
}

var transitions = map[types.InvestigationStatus][]types.InvestigationStatus{
	types.StatusPending: {types.StatusRunning, types.StatusFailed},
	types.StatusRunning: {types.StatusPaused, types.StatusCompleted, types.StatusFailed},
	types.StatusPaused:  {types.StatusRunning, types.StatusFailed},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to types.InvestigationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves inv to status to, stamping timestamps. inv is untouched on error.
func Transition(inv *types.Investigation, to types.InvestigationStatus, now time.Time) error {
	if !CanTransition(inv.Status, to) {
		return &InvalidTransitionError{InvestigationID: inv.ID, From: inv.Status, To: to}
	}

	inv.Status = to
	inv.UpdatedAt = now
	switch to {
	case types.StatusRunning:
		if inv.StartedAt == nil {
			t := now
			inv.StartedAt = &t
		}
	case types.StatusCompleted:
		inv.Phase = types.PhaseCompleted
		inv.ProgressPercentage = ProgressCompleted
		t := now
		inv.CompletedAt = &t
	case types.StatusFailed:
		t := now
		inv.CompletedAt = &t
	}
	return nil
}

// ResearchProgress is the progress mark during the research phase
func ResearchProgress(completed, total int) int {
	if total <= 0 {
		return ProgressPlanned
	}
	if completed > total {
		completed = total
	}
	return ProgressPlanned + ProgressResearch*completed/total
}

// Advance sets phase and raises progress to at least progress.
// Progress is never lowered on a non-terminal investigation. Returns true if anything changed.
func Advance(inv *types.Investigation, phase types.Phase, progress int) bool {
	if inv.Status.IsTerminal() {
		return false
	}
	changed := false
	if phase != "" && inv.Phase != phase {
		inv.Phase = phase
		changed = true
	}
	if progress > ProgressCompleted {
		progress = ProgressCompleted
	}
	if progress > inv.ProgressPercentage {
		inv.ProgressPercentage = progress
		changed = true
	}
	return changed
}

// MeanConfidence averages the confidence of completed subtasks
func MeanConfidence(tasks []types.SubTask) float64 {
	var sum float64
	n := 0
	for i := range tasks {
		if tasks[i].Status == types.SubTaskCompleted {
			sum += tasks[i].Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Recompute re-derives progress and confidence from the current subtasks.
// Returns true if anything changed.
func Recompute(inv *types.Investigation, tasks []types.SubTask) bool {
	if inv.Status.IsTerminal() {
		return false
	}
	counts := types.CountSubTasks(tasks)
	changed := false
	if inv.Phase == types.PhaseResearching {
		changed = Advance(inv, "", ResearchProgress(counts.Completed, counts.Total))
	}
	if c := MeanConfidence(tasks); c != inv.ConfidenceScore {
		inv.ConfidenceScore = c
		changed = true
	}
	return changed
}

// EstimateCompletion sets the estimated completion from a planned duration
func EstimateCompletion(inv *types.Investigation, minutes int, now time.Time) {
	if minutes <= 0 {
		return
	}
	base := now
	if inv.StartedAt != nil {
		base = *inv.StartedAt
	}
	t := base.Add(time.Duration(minutes) * time.Minute)
	inv.EstimatedCompletion = &t
}

// Snapshot is the full status view carried by every status event
type Snapshot struct {
	InvestigationID     uuid.UUID                 `json:"investigation_id"`
	Status              types.InvestigationStatus `json:"status"`
	Phase               types.Phase               `json:"current_phase"`
	ProgressPercentage  int                       `json:"progress_percentage"`
	ConfidenceScore     float64                   `json:"confidence_score"`
	EstimatedCompletion *time.Time                `json:"estimated_completion,omitempty"`
	TotalAPICalls       int                       `json:"total_api_calls"`
	TotalCostUSD        float64                   `json:"total_cost_usd"`
	types.SubTaskCounts
}

// NewSnapshot captures the status fields of inv along with subtask counts
func NewSnapshot(inv *types.Investigation, counts types.SubTaskCounts) Snapshot {
	return Snapshot{
		InvestigationID:     inv.ID,
		Status:              inv.Status,
		Phase:               inv.Phase,
		ProgressPercentage:  inv.ProgressPercentage,
		ConfidenceScore:     inv.ConfidenceScore,
		EstimatedCompletion: inv.EstimatedCompletion,
		TotalAPICalls:       inv.TotalAPICalls,
		TotalCostUSD:        inv.TotalCostUSD,
		SubTaskCounts:       counts,
	}
}
