package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/types"
)

// SubtaskPayload is the data of subtask_update
type SubtaskPayload struct {
	SubTaskID     uuid.UUID           `json:"subtask_id"`
	TaskType      types.TaskType      `json:"task_type"`
	Description   string              `json:"description"`
	Status        types.SubTaskStatus `json:"status"`
	Order         int                 `json:"order"`
	AttemptCount  int                 `json:"attempt_count"`
	NextAttemptAt *time.Time          `json:"next_attempt_at,omitempty"`
	Confidence    float64             `json:"confidence"`
	LastError     string              `json:"last_error,omitempty"`
}

// ThoughtPayload is the data of thought_update
type ThoughtPayload struct {
	ThoughtID        uuid.UUID         `json:"thought_id"`
	SubTaskID        *uuid.UUID        `json:"subtask_id,omitempty"`
	Sequence         int               `json:"sequence_number"`
	ThoughtType      types.ThoughtType `json:"thought_type"`
	Content          string            `json:"content"`
	ConfidenceBefore float64           `json:"confidence_before"`
	ConfidenceAfter  float64           `json:"confidence_after"`
	Timestamp        time.Time         `json:"timestamp"`
}

// EntityPayload is the data of entity_discovered
type EntityPayload struct {
	EntityID    uuid.UUID        `json:"entity_id"`
	EntityType  types.EntityType `json:"entity_type"`
	Name        string           `json:"name"`
	Aliases     []string         `json:"aliases,omitempty"`
	Confidence  float64          `json:"confidence"`
	SourceCount int              `json:"source_count"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// RelationshipPayload is the data of relationship_discovered
type RelationshipPayload struct {
	RelationshipID   uuid.UUID              `json:"relationship_id"`
	RelationshipType types.RelationshipType `json:"relationship_type"`
	SourceEntity     uuid.UUID              `json:"source_entity"`
	SourceName       string                 `json:"source_name"`
	TargetEntity     uuid.UUID              `json:"target_entity"`
	TargetName       string                 `json:"target_name"`
	Confidence       float64                `json:"confidence"`
	Strength         float64                `json:"strength"`
}

// EvidencePayload is the data of evidence_discovered
type EvidencePayload struct {
	EvidenceID        uuid.UUID          `json:"evidence_id"`
	EvidenceType      types.EvidenceType `json:"evidence_type"`
	Title             string             `json:"title"`
	SourceURL         string             `json:"source_url,omitempty"`
	SourceCredibility types.Credibility  `json:"source_credibility"`
}

// ErrorPayload is the data of error_occurred
type ErrorPayload struct {
	InvestigationID uuid.UUID  `json:"investigation_id"`
	ErrorType       string     `json:"error_type"`
	Message         string     `json:"message"`
	SubTaskID       *uuid.UUID `json:"subtask_id,omitempty"`
}

// ReportPayload is the data of report_ready
type ReportPayload struct {
	ReportID   uuid.UUID `json:"report_id"`
	ReportType string    `json:"report_type"`
	Title      string    `json:"title"`
}

// NodePayload is the data of node_added and node_updated
type NodePayload struct {
	ID         uuid.UUID        `json:"id"`
	Type       types.EntityType `json:"type"`
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	Position   types.Position   `json:"position"`
	Placed     bool             `json:"placed"`
}

// EdgePayload is the data of edge_added
type EdgePayload struct {
	ID         uuid.UUID              `json:"id"`
	Source     uuid.UUID              `json:"source"`
	Target     uuid.UUID              `json:"target"`
	Type       types.RelationshipType `json:"type"`
	Label      string                 `json:"label"`
	Confidence float64                `json:"confidence"`
	Strength   float64                `json:"strength"`
}

// PositionPayload is the data of entity_position_update
type PositionPayload struct {
	EntityID  uuid.UUID `json:"entity_id"`
	PositionX float64   `json:"position_x"`
	PositionY float64   `json:"position_y"`
}

// LayoutPayload is the data of layout_update
type LayoutPayload struct {
	LayoutType string `json:"layout_type"`
}

// FullStatePayload is the data of full_state: everything a late subscriber needs
type FullStatePayload struct {
	Snapshot      lifecycle.Snapshot   `json:"snapshot"`
	Investigation *types.Investigation `json:"investigation"`
	Plan          *types.Plan          `json:"plan,omitempty"`
	SubTasks      []types.SubTask      `json:"subtasks"`
	Entities      []types.Entity       `json:"entities"`
	Relationships []types.Relationship `json:"relationships"`
	Evidence      []types.Evidence     `json:"evidence"`
	Thoughts      []types.Thought      `json:"thoughts"`
	Reports       []types.Report       `json:"reports,omitempty"`
}

func investigationEvent(t Type, id uuid.UUID, now time.Time, data any) Event {
	return Event{Type: t, Topic: InvestigationTopic(id), InvestigationID: id, Timestamp: now, Data: data}
}

func boardEvent(t Type, id uuid.UUID, now time.Time, data any) Event {
	return Event{Type: t, Topic: BoardTopic(id), InvestigationID: id, Timestamp: now, Data: data}
}

// NewStatusUpdate carries the full status snapshot
func NewStatusUpdate(s lifecycle.Snapshot, now time.Time) Event {
	return investigationEvent(StatusUpdate, s.InvestigationID, now, s)
}

// NewSubtaskUpdate reports a subtask state change
func NewSubtaskUpdate(t *types.SubTask, now time.Time) Event {
	return investigationEvent(SubtaskUpdate, t.InvestigationID, now, SubtaskPayload{
		SubTaskID:     t.ID,
		TaskType:      t.TaskType,
		Description:   t.Description,
		Status:        t.Status,
		Order:         t.Order,
		AttemptCount:  t.AttemptCount,
		NextAttemptAt: t.NextAttemptAt,
		Confidence:    t.Confidence,
		LastError:     t.LastError,
	})
}

// NewThoughtUpdate reports a new entry of the thought chain
func NewThoughtUpdate(th *types.Thought, now time.Time) Event {
	return investigationEvent(ThoughtUpdate, th.InvestigationID, now, ThoughtPayload{
		ThoughtID:        th.ID,
		SubTaskID:        th.SubTaskID,
		Sequence:         th.Sequence,
		ThoughtType:      th.ThoughtType,
		Content:          th.Content,
		ConfidenceBefore: th.ConfidenceBefore,
		ConfidenceAfter:  th.ConfidenceAfter,
		Timestamp:        th.Timestamp,
	})
}

// NewEntityDiscovered reports a newly created entity
func NewEntityDiscovered(e *types.Entity, now time.Time) Event {
	return investigationEvent(EntityDiscovered, e.InvestigationID, now, EntityPayload{
		EntityID:    e.ID,
		EntityType:  e.EntityType,
		Name:        e.Name,
		Aliases:     e.Aliases,
		Confidence:  e.Confidence,
		SourceCount: e.SourceCount,
		Metadata:    e.Metadata,
	})
}

// NewRelationshipDiscovered reports a newly created relationship
func NewRelationshipDiscovered(r *types.Relationship, sourceName, targetName string, now time.Time) Event {
	return investigationEvent(RelationshipDiscovered, r.InvestigationID, now, RelationshipPayload{
		RelationshipID:   r.ID,
		RelationshipType: r.RelationshipType,
		SourceEntity:     r.SourceEntityID,
		SourceName:       sourceName,
		TargetEntity:     r.TargetEntityID,
		TargetName:       targetName,
		Confidence:       r.Confidence,
		Strength:         r.Strength,
	})
}

// NewEvidenceDiscovered reports appended evidence
func NewEvidenceDiscovered(ev *types.Evidence, now time.Time) Event {
	return investigationEvent(EvidenceDiscovered, ev.InvestigationID, now, EvidencePayload{
		EvidenceID:        ev.ID,
		EvidenceType:      ev.EvidenceType,
		Title:             ev.Title,
		SourceURL:         ev.SourceURL,
		SourceCredibility: ev.SourceCredibility,
	})
}

// NewErrorOccurred reports a failure visible to the user
func NewErrorOccurred(investigationID uuid.UUID, errorType, message string, subtaskID *uuid.UUID, now time.Time) Event {
	return investigationEvent(ErrorOccurred, investigationID, now, ErrorPayload{
		InvestigationID: investigationID,
		ErrorType:       errorType,
		Message:         message,
		SubTaskID:       subtaskID,
	})
}

// NewReportReady announces a generated report
func NewReportReady(r *types.Report, now time.Time) Event {
	return investigationEvent(ReportReady, r.InvestigationID, now, ReportPayload{
		ReportID:   r.ID,
		ReportType: r.ReportType,
		Title:      r.Title,
	})
}

func nodePayload(e *types.Entity) NodePayload {
	p := NodePayload{ID: e.ID, Type: e.EntityType, Label: e.Name, Confidence: e.Confidence}
	if e.Position != nil {
		p.Position = *e.Position
		p.Placed = true
	}
	return p
}

// NewNodeAdded puts a new entity on the board
func NewNodeAdded(e *types.Entity, now time.Time) Event {
	return boardEvent(NodeAdded, e.InvestigationID, now, nodePayload(e))
}

// NewNodeUpdated refreshes an existing board node
func NewNodeUpdated(e *types.Entity, now time.Time) Event {
	return boardEvent(NodeUpdated, e.InvestigationID, now, nodePayload(e))
}

// NewEdgeAdded puts a new relationship on the board
func NewEdgeAdded(r *types.Relationship, now time.Time) Event {
	label := r.Description
	if label == "" {
		label = string(r.RelationshipType)
	}
	return boardEvent(EdgeAdded, r.InvestigationID, now, EdgePayload{
		ID:         r.ID,
		Source:     r.SourceEntityID,
		Target:     r.TargetEntityID,
		Type:       r.RelationshipType,
		Label:      label,
		Confidence: r.Confidence,
		Strength:   r.Strength,
	})
}

// NewEntityPositionUpdate reports a user placement
func NewEntityPositionUpdate(investigationID, entityID uuid.UUID, pos types.Position, now time.Time) Event {
	return boardEvent(EntityPositionUpdate, investigationID, now, PositionPayload{
		EntityID:  entityID,
		PositionX: pos.X,
		PositionY: pos.Y,
	})
}

// NewLayoutUpdate reports a board layout switch
func NewLayoutUpdate(investigationID uuid.UUID, layout string, now time.Time) Event {
	return boardEvent(LayoutUpdate, investigationID, now, LayoutPayload{LayoutType: layout})
}

// NewFullState wraps a complete snapshot in the same envelope as pushed events
func NewFullState(p FullStatePayload, now time.Time) Event {
	return investigationEvent(FullState, p.Snapshot.InvestigationID, now, p)
}
