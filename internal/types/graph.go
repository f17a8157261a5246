package types

import (
	"time"

	"github.com/google/uuid"
)

// EntityType classifies a knowledge-graph node
type EntityType string

// Entity types
const (
	EntityPerson              EntityType = "person"
	EntityCompany             EntityType = "company"
	EntityLocation            EntityType = "location"
	EntityEvent               EntityType = "event"
	EntityDocument            EntityType = "document"
	EntityFinancialInstrument EntityType = "financial_instrument"
)

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntityPerson, EntityCompany, EntityLocation, EntityEvent, EntityDocument, EntityFinancialInstrument:
		return true
	}
	return false
}

// RelationshipType classifies a knowledge-graph edge
type RelationshipType string

// Relationship types
const (
	RelOwns           RelationshipType = "owns"
	RelWorksFor       RelationshipType = "works_for"
	RelConnectedTo    RelationshipType = "connected_to"
	RelTransactedWith RelationshipType = "transacted_with"
	RelLocatedIn      RelationshipType = "located_in"
	RelParentOf       RelationshipType = "parent_of"
)

// Valid reports whether t is a known relationship type
func (t RelationshipType) Valid() bool {
	switch t {
	case RelOwns, RelWorksFor, RelConnectedTo, RelTransactedWith, RelLocatedIn, RelParentOf:
		return true
	}
	return false
}

// EvidenceType classifies a piece of evidence
type EvidenceType string

// Evidence types
const (
	EvidenceDocument        EvidenceType = "document"
	EvidenceWebPage         EvidenceType = "web_page"
	EvidenceImage           EvidenceType = "image"
	EvidenceVideo           EvidenceType = "video"
	EvidenceTestimony       EvidenceType = "testimony"
	EvidenceFinancialRecord EvidenceType = "financial_record"
)

// Valid reports whether t is a known evidence type
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceDocument, EvidenceWebPage, EvidenceImage, EvidenceVideo, EvidenceTestimony, EvidenceFinancialRecord:
		return true
	}
	return false
}

// Credibility is the trust level attached to an evidence source
type Credibility string

// Credibility levels
const (
	CredibilityHigh       Credibility = "high"
	CredibilityMedium     Credibility = "medium"
	CredibilityLow        Credibility = "low"
	CredibilityUnverified Credibility = "unverified"
)

// Valid reports whether c is a known credibility level
func (c Credibility) Valid() bool {
	switch c {
	case CredibilityHigh, CredibilityMedium, CredibilityLow, CredibilityUnverified:
		return true
	}
	return false
}

// Relevance describes how strongly evidence concerns an entity
type Relevance string

// Relevance levels
const (
	RelevancePrimary   Relevance = "primary"
	RelevanceSecondary Relevance = "secondary"
	RelevanceMentioned Relevance = "mentioned"
)

// Valid reports whether r is a known relevance level
func (r Relevance) Valid() bool {
	switch r {
	case RelevancePrimary, RelevanceSecondary, RelevanceMentioned:
		return true
	}
	return false
}

// Position is a user-placed board coordinate
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entity is a node of the knowledge graph, unique per (investigation, name, type)
type Entity struct {
	ID               uuid.UUID      `json:"id"`
	InvestigationID  uuid.UUID      `json:"investigation_id"`
	Name             string         `json:"name"`
	EntityType       EntityType     `json:"entity_type"`
	Aliases          []string       `json:"aliases"`
	Description      string         `json:"description"`
	Confidence       float64        `json:"confidence"`
	SourceCount      int            `json:"source_count"`
	Metadata         map[string]any `json:"metadata"`
	Position         *Position      `json:"position,omitempty"`
	DiscoveredByTask *uuid.UUID     `json:"discovered_by_task,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HasAlias reports whether name is one of the entity's aliases
func (e *Entity) HasAlias(name string) bool {
	for _, a := range e.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entity
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Position != nil {
		p := *e.Position
		c.Position = &p
	}
	if e.DiscoveredByTask != nil {
		id := *e.DiscoveredByTask
		c.DiscoveredByTask = &id
	}
	return &c
}

// Relationship is a directed edge between two entities of the same investigation
type Relationship struct {
	ID               uuid.UUID        `json:"id"`
	InvestigationID  uuid.UUID        `json:"investigation_id"`
	SourceEntityID   uuid.UUID        `json:"source_entity_id"`
	TargetEntityID   uuid.UUID        `json:"target_entity_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Description      string           `json:"description"`
	Confidence       float64          `json:"confidence"`
	Strength         float64          `json:"strength"`
	StartDate        *time.Time       `json:"start_date,omitempty"`
	EndDate          *time.Time       `json:"end_date,omitempty"`
	IsActive         bool             `json:"is_active"`
	DiscoveredByTask *uuid.UUID       `json:"discovered_by_task,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the relationship
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.StartDate = cloneTime(r.StartDate)
	c.EndDate = cloneTime(r.EndDate)
	if r.DiscoveredByTask != nil {
		id := *r.DiscoveredByTask
		c.DiscoveredByTask = &id
	}
	return &c
}

// Evidence is an append-only piece of supporting material
type Evidence struct {
	ID                uuid.UUID      `json:"id"`
	InvestigationID   uuid.UUID      `json:"investigation_id"`
	EvidenceType      EvidenceType   `json:"evidence_type"`
	Title             string         `json:"title"`
	Content           string         `json:"content"`
	SourceURL         string         `json:"source_url,omitempty"`
	SourceCredibility Credibility    `json:"source_credibility"`
	Metadata          map[string]any `json:"metadata"`
	DiscoveredByTask  *uuid.UUID     `json:"discovered_by_task,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// EvidenceEntityLink attaches evidence to an entity
type EvidenceEntityLink struct {
	EvidenceID uuid.UUID `json:"evidence_id"`
	EntityID   uuid.UUID `json:"entity_id"`
	Relevance  Relevance `json:"relevance"`
	Quote      string    `json:"quote,omitempty"`
}

// EvidenceRelationshipLink attaches evidence to a relationship
type EvidenceRelationshipLink struct {
	EvidenceID     uuid.UUID `json:"evidence_id"`
	RelationshipID uuid.UUID `json:"relationship_id"`
	Supports       bool      `json:"supports"`
	Strength       float64   `json:"strength"`
	Quote          string    `json:"quote,omitempty"`
}

// GraphCounts is the size of an investigation's knowledge graph
type GraphCounts struct {
	Entities      int `json:"entities_count"`
	Relationships int `json:"relationships_count"`
	Evidence      int `json:"evidence_count"`
}
