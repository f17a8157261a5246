// Package events defines the typed events of an investigation and an in-process
// broadcaster that fans them out to the subscribers currently attached to a topic.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags an event
type Type string

// Investigation topic events
const (
	StatusUpdate           Type = "status_update"
	SubtaskUpdate          Type = "subtask_update"
	ThoughtUpdate          Type = "thought_update"
	EntityDiscovered       Type = "entity_discovered"
	RelationshipDiscovered Type = "relationship_discovered"
	EvidenceDiscovered     Type = "evidence_discovered"
	ErrorOccurred          Type = "error_occurred"
	ReportReady            Type = "report_ready"
	FullState              Type = "full_state"
)

// Board topic events
const (
	NodeAdded            Type = "node_added"
	NodeUpdated          Type = "node_updated"
	EdgeAdded            Type = "edge_added"
	EntityPositionUpdate Type = "entity_position_update"
	LayoutUpdate         Type = "layout_update"
)

// Error types carried by error_occurred
const (
	ErrorSubtaskFailed = "subtask_failed"
	ErrorTimeout       = "timeout"
	ErrorCancelled     = "cancelled"
	ErrorPlanFailed    = "plan_failed"
	ErrorGeneral       = "general_error"
)

// Event is the envelope published on a topic. Data is self-describing.
type Event struct {
	Type            Type      `json:"type"`
	Topic           string    `json:"topic"`
	InvestigationID uuid.UUID `json:"investigation_id"`
	Timestamp       time.Time `json:"timestamp"`
	Data            any       `json:"data"`
}

// InvestigationTopic is the status/thought/error topic of an investigation
func InvestigationTopic(id uuid.UUID) string {
	return fmt.Sprintf("investigation_%s", id)
}

// BoardTopic is the graph-board topic of an investigation
func BoardTopic(id uuid.UUID) string {
	return fmt.Sprintf("board_%s", id)
}

// Publisher accepts events for delivery. Publish never blocks.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ev Event)

// Publish calls f(ev)
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Nop discards every event
var Nop Publisher = PublisherFunc(func(Event) {})
