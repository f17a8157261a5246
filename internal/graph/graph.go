// Package graph assembles subtask results into an investigation's knowledge graph.
//
// All writes for one result happen inside a single store transaction: entities first,
// then relationships (whose endpoints must already exist), then evidence and its links.
// Entity and relationship writes are natural-key upserts, so replaying a result is safe.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/types"
)

// Tx is the set of graph writes available inside a store transaction
type Tx interface {
	// UpsertEntity inserts e or merges it into the row with the same natural key.
	// Returns the stored row and whether it was newly created.
	UpsertEntity(ctx context.Context, e *types.Entity) (*types.Entity, bool, error)

	// FindEntityByName resolves name within an investigation by exact name, then alias.
	// Ties go to the earliest created entity. Returns (nil, nil) when nothing matches.
	FindEntityByName(ctx context.Context, investigationID uuid.UUID, name string) (*types.Entity, error)

	// UpsertRelationship inserts r or merges it into the row with the same natural key.
	UpsertRelationship(ctx context.Context, r *types.Relationship) (*types.Relationship, bool, error)

	InsertEvidence(ctx context.Context, ev *types.Evidence) error
	LinkEvidenceEntity(ctx context.Context, link types.EvidenceEntityLink) error
	LinkEvidenceRelationship(ctx context.Context, link types.EvidenceRelationshipLink) error
}

// Store runs fn atomically: either every write made through the Tx is visible or none is
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// EntityInput is one entity reported by a subtask
type EntityInput struct {
	Name        string           `json:"name"`
	Type        types.EntityType `json:"type"`
	Aliases     []string         `json:"aliases,omitempty"`
	Description string           `json:"description,omitempty"`
	Confidence  float64          `json:"confidence"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// RelationshipInput is one relationship reported by a subtask, with endpoints given by name
type RelationshipInput struct {
	Source      string                 `json:"source"`
	Target      string                 `json:"target"`
	Type        types.RelationshipType `json:"type"`
	Description string                 `json:"description,omitempty"`
	Confidence  float64                `json:"confidence"`
	Strength    float64                `json:"strength"`
	StartDate   *time.Time             `json:"start_date,omitempty"`
	EndDate     *time.Time             `json:"end_date,omitempty"`
}

// EntityLinkInput attaches evidence to an entity by name
type EntityLinkInput struct {
	Name      string          `json:"name"`
	Relevance types.Relevance `json:"relevance,omitempty"`
	Quote     string          `json:"quote,omitempty"`
}

// RelationshipLinkInput attaches evidence to a relationship by endpoint names and type
type RelationshipLinkInput struct {
	Source   string                 `json:"source"`
	Target   string                 `json:"target"`
	Type     types.RelationshipType `json:"type"`
	Supports bool                   `json:"supports"`
	Strength float64                `json:"strength"`
	Quote    string                 `json:"quote,omitempty"`
}

// EvidenceInput is one piece of evidence reported by a subtask
type EvidenceInput struct {
	Type              types.EvidenceType      `json:"type,omitempty"`
	Title             string                  `json:"title"`
	Content           string                  `json:"content"`
	SourceURL         string                  `json:"source,omitempty"`
	Credibility       types.Credibility       `json:"credibility,omitempty"`
	Metadata          map[string]any          `json:"metadata,omitempty"`
	EntityLinks       []EntityLinkInput       `json:"entities,omitempty"`
	RelationshipLinks []RelationshipLinkInput `json:"relationships,omitempty"`
}

// MergeInput is a normalized subtask result to fold into the graph
type MergeInput struct {
	InvestigationID uuid.UUID
	TaskID          *uuid.UUID
	Entities        []EntityInput
	Relationships   []RelationshipInput
	Evidence        []EvidenceInput
}

// DroppedRelationship is a relationship that could not be persisted because an
// endpoint did not resolve or both endpoints were the same entity
type DroppedRelationship struct {
	Source string
	Target string
	Type   types.RelationshipType
	Reason string
}

func (d *DroppedRelationship) Error() string {
	return fmt.Sprintf("unresolved relationship endpoint: %s -[%s]-> %s: %s", d.Source, d.Type, d.Target, d.Reason)
}

// Reasons a relationship is dropped
const (
	ReasonSourceNotFound = "source entity not found"
	ReasonTargetNotFound = "target entity not found"
	ReasonSelfReference  = "source and target are the same entity"
)

// MergeResult describes what a merge changed. Callers turn it into events.
type MergeResult struct {
	CreatedEntities      []types.Entity
	UpdatedEntities      []types.Entity
	CreatedRelationships []types.Relationship
	UpdatedRelationships []types.Relationship
	Evidence             []types.Evidence
	EntityLinks          []types.EvidenceEntityLink
	RelationshipLinks    []types.EvidenceRelationshipLink
	Dropped              []DroppedRelationship
	DroppedLinks         int
}

// Empty reports whether the merge changed nothing
func (r *MergeResult) Empty() bool {
	return len(r.CreatedEntities)+len(r.UpdatedEntities)+len(r.CreatedRelationships)+
		len(r.UpdatedRelationships)+len(r.Evidence) == 0
}
