package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of research a subtask performs
type TaskType string

// Subtask types
const (
	TaskWebSearch           TaskType = "web_search"
	TaskDocumentAnalysis    TaskType = "document_analysis"
	TaskEntityExtraction    TaskType = "entity_extraction"
	TaskRelationshipMapping TaskType = "relationship_mapping"
)

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	switch t {
	case TaskWebSearch, TaskDocumentAnalysis, TaskEntityExtraction, TaskRelationshipMapping:
		return true
	}
	return false
}

// SubTaskStatus is the execution status of a subtask
type SubTaskStatus string

// Subtask statuses
const (
	SubTaskPending    SubTaskStatus = "pending"
	SubTaskInProgress SubTaskStatus = "in_progress"
	SubTaskCompleted  SubTaskStatus = "completed"
	SubTaskFailed     SubTaskStatus = "failed"
)

// IsTerminal reports whether the subtask will never run again
func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskCompleted || s == SubTaskFailed
}

// SubTask is one unit of research work dispatched to the reasoning gateway
type SubTask struct {
	ID              uuid.UUID       `json:"id"`
	InvestigationID uuid.UUID       `json:"investigation_id"`
	ParentID        *uuid.UUID      `json:"parent_task_id,omitempty"`
	TaskType        TaskType        `json:"task_type"`
	Description     string          `json:"description"`
	Status          SubTaskStatus   `json:"status"`
	Order           int             `json:"order"`
	Seq             int64           `json:"seq"`
	AttemptCount    int             `json:"attempt_count"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Confidence      float64         `json:"confidence"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the subtask
func (s *SubTask) Clone() *SubTask {
	if s == nil {
		return nil
	}
	c := *s
	if s.ParentID != nil {
		p := *s.ParentID
		c.ParentID = &p
	}
	c.NextAttemptAt = cloneTime(s.NextAttemptAt)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	if s.Result != nil {
		c.Result = append(json.RawMessage(nil), s.Result...)
	}
	return &c
}

// ReadyAt reports whether the subtask may be dispatched at now
func (s *SubTask) ReadyAt(now time.Time) bool {
	if s.Status != SubTaskPending {
		return false
	}
	return s.NextAttemptAt == nil || !s.NextAttemptAt.After(now)
}

// Before orders subtasks by (order, seq)
func (s *SubTask) Before(other *SubTask) bool {
	if s.Order != other.Order {
		return s.Order < other.Order
	}
	return s.Seq < other.Seq
}

// SubTaskCounts summarises the subtasks of one investigation
type SubTaskCounts struct {
	Total      int `json:"total_subtasks"`
	Pending    int `json:"pending_subtasks"`
	InProgress int `json:"in_progress_subtasks"`
	Completed  int `json:"completed_subtasks"`
	Failed     int `json:"failed_subtasks"`
}

// Settled reports whether every subtask has reached a terminal status
func (c SubTaskCounts) Settled() bool {
	return c.Total > 0 && c.Completed+c.Failed == c.Total
}

// CountSubTasks tallies subtasks by status
func CountSubTasks(tasks []SubTask) SubTaskCounts {
	var c SubTaskCounts
	for i := range tasks {
		c.Total++
		switch tasks[i].Status {
		case SubTaskPending:
			c.Pending++
		case SubTaskInProgress:
			c.InProgress++
		case SubTaskCompleted:
			c.Completed++
		case SubTaskFailed:
			c.Failed++
		}
	}
	return c
}

// ThoughtType classifies a reasoning step in the thought chain
type ThoughtType string

// Thought types
const (
	ThoughtHypothesis  ThoughtType = "hypothesis"
	ThoughtQuestion    ThoughtType = "question"
	ThoughtObservation ThoughtType = "observation"
	ThoughtConclusion  ThoughtType = "conclusion"
	ThoughtCorrection  ThoughtType = "correction"
)

// Valid reports whether t is a known thought type
func (t ThoughtType) Valid() bool {
	switch t {
	case ThoughtHypothesis, ThoughtQuestion, ThoughtObservation, ThoughtConclusion, ThoughtCorrection:
		return true
	}
	return false
}

// Thought is one entry of the agent's transparency chain
type Thought struct {
	ID               uuid.UUID   `json:"id"`
	InvestigationID  uuid.UUID   `json:"investigation_id"`
	SubTaskID        *uuid.UUID  `json:"subtask_id,omitempty"`
	Sequence         int         `json:"sequence_number"`
	ThoughtType      ThoughtType `json:"thought_type"`
	Content          string      `json:"content"`
	ConfidenceBefore float64     `json:"confidence_before"`
	ConfidenceAfter  float64     `json:"confidence_after"`
	Timestamp        time.Time   `json:"timestamp"`
}
