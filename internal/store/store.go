// Package store defines the persistence contract of the orchestration engine and
// provides an in-memory implementation used by tests and the single-process CLI.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/types"
)

// Store persists investigations, their plans, subtasks, thought chains, reports,
// usage ledger and knowledge graph. Getters return (nil, nil) when the row does not exist.
type Store interface {
	graph.Store

	// ---- Investigations ----
	CreateInvestigation(ctx context.Context, inv *types.Investigation) error
	GetInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *types.Investigation) error
	ListInvestigations(ctx context.Context, statuses ...types.InvestigationStatus) ([]types.Investigation, error)
	// ListStuckInvestigations returns running investigations started before cutoff.
	ListStuckInvestigations(ctx context.Context, cutoff time.Time) ([]types.Investigation, error)

	// ---- Plans ----
	SavePlan(ctx context.Context, plan *types.Plan) error
	GetPlan(ctx context.Context, investigationID uuid.UUID) (*types.Plan, error)

	// ---- Subtasks ----
	// CreateSubTasks inserts the batch atomically and assigns creation sequence numbers.
	CreateSubTasks(ctx context.Context, tasks []types.SubTask) error
	GetSubTask(ctx context.Context, id uuid.UUID) (*types.SubTask, error)
	// ListSubTasks returns subtasks ordered by (order, seq).
	ListSubTasks(ctx context.Context, investigationID uuid.UUID) ([]types.SubTask, error)
	UpdateSubTask(ctx context.Context, task *types.SubTask) error

	// ---- Thoughts ----
	// AppendThought assigns the next sequence number within the investigation.
	AppendThought(ctx context.Context, th *types.Thought) error
	ListThoughts(ctx context.Context, investigationID uuid.UUID) ([]types.Thought, error)

	// ---- Reports ----
	SaveReport(ctx context.Context, r *types.Report) error
	ListReports(ctx context.Context, investigationID uuid.UUID) ([]types.Report, error)

	// ---- Usage ledger ----
	AppendUsage(ctx context.Context, u *types.UsageRecord) error
	UsageTotals(ctx context.Context, investigationID uuid.UUID) (types.UsageTotals, error)

	// ---- Knowledge graph reads ----
	GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error)
	ListEntities(ctx context.Context, investigationID uuid.UUID) ([]types.Entity, error)
	ListRelationships(ctx context.Context, investigationID uuid.UUID) ([]types.Relationship, error)
	ListEvidence(ctx context.Context, investigationID uuid.UUID) ([]types.Evidence, error)
	GraphCounts(ctx context.Context, investigationID uuid.UUID) (types.GraphCounts, error)
	// SetEntityPosition records a user placement. Returns (nil, nil) if the entity is unknown.
	SetEntityPosition(ctx context.Context, entityID uuid.UUID, pos types.Position) (*types.Entity, error)
}
