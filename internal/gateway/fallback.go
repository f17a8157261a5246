package gateway

import "github.com/jonathan/investigator/internal/types"

// FallbackPlan is the deterministic plan used when planning fails or returns no subtasks
func FallbackPlan(query string) *PlanResult {
	return &PlanResult{
		Hypothesis: "Investigating: " + query,
		Strategy:   []string{"Analyze query", "Research key terms", "Identify entities"},
		SubTasks: []PlannedSubTask{
			{Type: types.TaskEntityExtraction, Description: "Extract entities from query", Order: 1},
			{Type: types.TaskWebSearch, Description: "Search for relevant information", Order: 2},
		},
		EstimatedMinutes: 60,
	}
}

// FallbackThought records the new information verbatim when thought generation fails
func FallbackThought(newInformation string) *ThoughtResult {
	return &ThoughtResult{
		Type:             types.ThoughtObservation,
		Content:          newInformation,
		ConfidenceBefore: 0.5,
		ConfidenceAfter:  0.5,
	}
}
