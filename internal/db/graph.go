package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/investigator/internal/graph"
	"github.com/jonathan/investigator/internal/types"
)

// -----------------------------------------------------------------------------
// Knowledge graph reads
// -----------------------------------------------------------------------------

const entityColumns = `id, investigation_id, name, entity_type, aliases, description, confidence,
	source_count, metadata, position_x, position_y, discovered_by_task, created_at, updated_at`

func scanEntity(row rowScanner) (*types.Entity, error) {
	var e types.Entity
	var entityType string
	var metadata []byte
	var x, y *float64
	err := row.Scan(&e.ID, &e.InvestigationID, &e.Name, &entityType, &e.Aliases, &e.Description,
		&e.Confidence, &e.SourceCount, &metadata, &x, &y, &e.DiscoveredByTask, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.EntityType = types.EntityType(entityType)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode entity metadata: %w", err)
		}
	}
	if x != nil && y != nil {
		e.Position = &types.Position{X: *x, Y: *y}
	}
	return &e, nil
}

const relationshipColumns = `id, investigation_id, source_entity_id, target_entity_id,
	relationship_type, description, confidence, strength, start_date, end_date, is_active,
	discovered_by_task, created_at, updated_at`

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var r types.Relationship
	var relType string
	err := row.Scan(&r.ID, &r.InvestigationID, &r.SourceEntityID, &r.TargetEntityID, &relType,
		&r.Description, &r.Confidence, &r.Strength, &r.StartDate, &r.EndDate, &r.IsActive,
		&r.DiscoveredByTask, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RelationshipType = types.RelationshipType(relType)
	return &r, nil
}

// GetEntity retrieves an entity by id
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error) {
	e, err := scanEntity(db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns the investigation's entities oldest first
func (db *DB) ListEntities(ctx context.Context, investigationID uuid.UUID) ([]types.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE investigation_id = $1
		 ORDER BY created_at, id`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListRelationships returns the investigation's relationships oldest first
func (db *DB) ListRelationships(ctx context.Context, investigationID uuid.UUID) ([]types.Relationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE investigation_id = $1
		 ORDER BY created_at, id`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var out []types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListEvidence returns the investigation's evidence in insertion order
func (db *DB) ListEvidence(ctx context.Context, investigationID uuid.UUID) ([]types.Evidence, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, investigation_id, evidence_type, title, content, source_url,
		        source_credibility, metadata, discovered_by_task, created_at
		 FROM evidence
		 WHERE investigation_id = $1
		 ORDER BY created_at, id`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	var out []types.Evidence
	for rows.Next() {
		var ev types.Evidence
		var evType, credibility string
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.InvestigationID, &evType, &ev.Title, &ev.Content,
			&ev.SourceURL, &credibility, &metadata, &ev.DiscoveredByTask, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EvidenceType = types.EvidenceType(evType)
		ev.SourceCredibility = types.Credibility(credibility)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GraphCounts counts the investigation's entities, relationships and evidence
func (db *DB) GraphCounts(ctx context.Context, investigationID uuid.UUID) (types.GraphCounts, error) {
	var c types.GraphCounts
	err := db.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM entities WHERE investigation_id = $1),
		        (SELECT COUNT(*) FROM relationships WHERE investigation_id = $1),
		        (SELECT COUNT(*) FROM evidence WHERE investigation_id = $1)`,
		investigationID,
	).Scan(&c.Entities, &c.Relationships, &c.Evidence)
	if err != nil {
		return types.GraphCounts{}, fmt.Errorf("failed to count graph: %w", err)
	}
	return c, nil
}

// SetEntityPosition records a user placement on the board
func (db *DB) SetEntityPosition(ctx context.Context, entityID uuid.UUID, pos types.Position) (*types.Entity, error) {
	e, err := scanEntity(db.pool.QueryRow(ctx,
		`UPDATE entities SET position_x = $2, position_y = $3, updated_at = $4
		 WHERE id = $1
		 RETURNING `+entityColumns,
		entityID, pos.X, pos.Y, db.timestamp()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to set entity position: %w", err)
	}
	return e, nil
}

// -----------------------------------------------------------------------------
// Graph transactions
// -----------------------------------------------------------------------------

// InTx runs fn in one database transaction, retrying the whole of it when a
// concurrent writer causes a conflict
func (db *DB) InTx(ctx context.Context, fn func(tx graph.Tx) error) error {
	return db.inTx(ctx, "graph_merge", func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, now: db.timestamp()})
	})
}

// pgTx implements graph.Tx. Upserts apply the merge rules of graph.MergeEntity
// and graph.MergeRelationship in SQL so concurrent writers never lose an update.
type pgTx struct {
	tx  pgx.Tx
	now time.Time
}

func (t *pgTx) UpsertEntity(ctx context.Context, e *types.Entity) (*types.Entity, bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	aliases := e.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	metadata, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal entity metadata: %w", err)
	}

	row := t.tx.QueryRow(ctx,
		`INSERT INTO entities AS e (id, investigation_id, name, entity_type, aliases, description,
		                            confidence, source_count, metadata, discovered_by_task,
		                            created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10, $10)
		 ON CONFLICT (investigation_id, name, entity_type) DO UPDATE
		 SET confidence = (e.confidence * e.source_count + EXCLUDED.confidence) / (e.source_count + 1),
		     source_count = e.source_count + 1,
		     description = CASE WHEN e.description = '' THEN EXCLUDED.description ELSE e.description END,
		     aliases = e.aliases || ARRAY(
		         SELECT a FROM unnest(EXCLUDED.aliases) AS a
		         WHERE a <> e.name AND NOT (a = ANY(e.aliases))),
		     metadata = EXCLUDED.metadata || e.metadata,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+entityColumns+`, (xmax = 0) AS inserted`,
		e.ID, e.InvestigationID, e.Name, string(e.EntityType), aliases, e.Description,
		e.Confidence, metadata, e.DiscoveredByTask, t.now,
	)

	var inserted bool
	stored, err := scanEntity(scanWithFlag{row: row, flag: &inserted})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

func (t *pgTx) FindEntityByName(ctx context.Context, investigationID uuid.UUID, name string) (*types.Entity, error) {
	e, err := scanEntity(t.tx.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE investigation_id = $1 AND (name = $2 OR $2 = ANY(aliases))
		 ORDER BY (name = $2) DESC, created_at, id
		 LIMIT 1`,
		investigationID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find entity %q: %w", name, err)
	}
	return e, nil
}

func (t *pgTx) UpsertRelationship(ctx context.Context, r *types.Relationship) (*types.Relationship, bool, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	row := t.tx.QueryRow(ctx,
		`INSERT INTO relationships AS r (id, investigation_id, source_entity_id, target_entity_id,
		                                 relationship_type, description, confidence, strength,
		                                 start_date, end_date, is_active, discovered_by_task,
		                                 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (investigation_id, source_entity_id, target_entity_id, relationship_type) DO UPDATE
		 SET confidence = GREATEST(r.confidence, EXCLUDED.confidence),
		     strength = GREATEST(r.strength, EXCLUDED.strength),
		     description = CASE WHEN r.description = '' THEN EXCLUDED.description ELSE r.description END,
		     start_date = COALESCE(r.start_date, EXCLUDED.start_date),
		     end_date = COALESCE(r.end_date, EXCLUDED.end_date),
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+relationshipColumns+`, (xmax = 0) AS inserted`,
		r.ID, r.InvestigationID, r.SourceEntityID, r.TargetEntityID, string(r.RelationshipType),
		r.Description, r.Confidence, r.Strength, r.StartDate, r.EndDate, r.IsActive,
		r.DiscoveredByTask, t.now,
	)

	var inserted bool
	stored, err := scanRelationship(scanWithFlag{row: row, flag: &inserted})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

func (t *pgTx) InsertEvidence(ctx context.Context, ev *types.Evidence) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = t.now
	metadata, err := json.Marshal(nonNilMap(ev.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal evidence metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO evidence (id, investigation_id, evidence_type, title, content, source_url,
		                       source_credibility, metadata, discovered_by_task, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.InvestigationID, string(ev.EvidenceType), ev.Title, ev.Content, ev.SourceURL,
		string(ev.SourceCredibility), metadata, ev.DiscoveredByTask, ev.CreatedAt,
	)
	return err
}

func (t *pgTx) LinkEvidenceEntity(ctx context.Context, link types.EvidenceEntityLink) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO evidence_entities (evidence_id, entity_id, relevance, quote)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (evidence_id, entity_id) DO NOTHING`,
		link.EvidenceID, link.EntityID, string(link.Relevance), link.Quote,
	)
	return err
}

func (t *pgTx) LinkEvidenceRelationship(ctx context.Context, link types.EvidenceRelationshipLink) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO evidence_relationships (evidence_id, relationship_id, supports, strength, quote)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (evidence_id, relationship_id) DO NOTHING`,
		link.EvidenceID, link.RelationshipID, link.Supports, link.Strength, link.Quote,
	)
	return err
}

// scanWithFlag appends one trailing boolean column to a row scan
type scanWithFlag struct {
	row  pgx.Row
	flag *bool
}

func (s scanWithFlag) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.flag)...)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
