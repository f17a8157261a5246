package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/types"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Investigations
// -----------------------------------------------------------------------------

const investigationColumns = `id, user_id, title, initial_query, status, current_phase,
	progress_percentage, confidence_score, started_at, completed_at, estimated_completion,
	total_api_calls, total_cost_usd, created_at, updated_at`

func scanInvestigation(row rowScanner) (*types.Investigation, error) {
	var inv types.Investigation
	var status, phase string
	err := row.Scan(&inv.ID, &inv.UserID, &inv.Title, &inv.InitialQuery, &status, &phase,
		&inv.ProgressPercentage, &inv.ConfidenceScore, &inv.StartedAt, &inv.CompletedAt,
		&inv.EstimatedCompletion, &inv.TotalAPICalls, &inv.TotalCostUSD, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = types.InvestigationStatus(status)
	inv.Phase = types.Phase(phase)
	return &inv, nil
}

// CreateInvestigation inserts a new investigation
func (db *DB) CreateInvestigation(ctx context.Context, inv *types.Investigation) error {
	now := db.timestamp()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO investigations (`+investigationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inv.ID, inv.UserID, inv.Title, inv.InitialQuery, string(inv.Status), string(inv.Phase),
		inv.ProgressPercentage, inv.ConfidenceScore, inv.StartedAt, inv.CompletedAt,
		inv.EstimatedCompletion, inv.TotalAPICalls, inv.TotalCostUSD, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if asConflict(err) != nil {
			return &store.ConflictError{Kind: "investigation", ID: inv.ID}
		}
		return fmt.Errorf("failed to create investigation: %w", err)
	}
	return nil
}

// GetInvestigation retrieves an investigation by id
func (db *DB) GetInvestigation(ctx context.Context, id uuid.UUID) (*types.Investigation, error) {
	inv, err := scanInvestigation(db.pool.QueryRow(ctx,
		`SELECT `+investigationColumns+` FROM investigations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get investigation: %w", err)
	}
	return inv, nil
}

// UpdateInvestigation writes every mutable field of inv
func (db *DB) UpdateInvestigation(ctx context.Context, inv *types.Investigation) error {
	inv.UpdatedAt = db.timestamp()
	tag, err := db.pool.Exec(ctx,
		`UPDATE investigations
		 SET title = $2, initial_query = $3, status = $4, current_phase = $5,
		     progress_percentage = $6, confidence_score = $7, started_at = $8,
		     completed_at = $9, estimated_completion = $10, total_api_calls = $11,
		     total_cost_usd = $12, updated_at = $13
		 WHERE id = $1`,
		inv.ID, inv.Title, inv.InitialQuery, string(inv.Status), string(inv.Phase),
		inv.ProgressPercentage, inv.ConfidenceScore, inv.StartedAt, inv.CompletedAt,
		inv.EstimatedCompletion, inv.TotalAPICalls, inv.TotalCostUSD, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update investigation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "investigation", ID: inv.ID}
	}
	return nil
}

// ListInvestigations returns investigations in any of statuses (all when none given), oldest first
func (db *DB) ListInvestigations(ctx context.Context, statuses ...types.InvestigationStatus) ([]types.Investigation, error) {
	var filter []string
	for _, s := range statuses {
		filter = append(filter, string(s))
	}
	return db.queryInvestigations(ctx,
		`SELECT `+investigationColumns+` FROM investigations
		 WHERE $1::text[] IS NULL OR status = ANY($1)
		 ORDER BY created_at`,
		filter)
}

// ListStuckInvestigations returns running investigations started before cutoff
func (db *DB) ListStuckInvestigations(ctx context.Context, cutoff time.Time) ([]types.Investigation, error) {
	return db.queryInvestigations(ctx,
		`SELECT `+investigationColumns+` FROM investigations
		 WHERE status = 'running'
		   AND started_at < $1
		 ORDER BY created_at`,
		cutoff)
}

func (db *DB) queryInvestigations(ctx context.Context, query string, args ...any) ([]types.Investigation, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list investigations: %w", err)
	}
	defer rows.Close()

	var out []types.Investigation
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

// SavePlan inserts or replaces the investigation's plan
func (db *DB) SavePlan(ctx context.Context, plan *types.Plan) error {
	now := db.timestamp()
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}

	strategy, err := marshalList(plan.ResearchStrategy)
	if err != nil {
		return err
	}
	areas, err := json.Marshal(nonNil(plan.PriorityAreas))
	if err != nil {
		return fmt.Errorf("failed to marshal priority areas: %w", err)
	}
	avoided, err := marshalList(plan.AvoidedPaths)
	if err != nil {
		return err
	}
	expected, err := marshalList(plan.ExpectedEntities)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO investigation_plans (id, investigation_id, hypothesis, research_strategy,
		                                  priority_areas, avoided_paths, expected_entities,
		                                  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (investigation_id) DO UPDATE
		 SET hypothesis = EXCLUDED.hypothesis,
		     research_strategy = EXCLUDED.research_strategy,
		     priority_areas = EXCLUDED.priority_areas,
		     avoided_paths = EXCLUDED.avoided_paths,
		     expected_entities = EXCLUDED.expected_entities,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		plan.ID, plan.InvestigationID, plan.Hypothesis, strategy, areas, avoided, expected, now,
	).Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan returns the investigation's plan
func (db *DB) GetPlan(ctx context.Context, investigationID uuid.UUID) (*types.Plan, error) {
	var plan types.Plan
	var strategy, areas, avoided, expected []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, investigation_id, hypothesis, research_strategy, priority_areas,
		        avoided_paths, expected_entities, created_at, updated_at
		 FROM investigation_plans
		 WHERE investigation_id = $1`,
		investigationID,
	).Scan(&plan.ID, &plan.InvestigationID, &plan.Hypothesis, &strategy, &areas,
		&avoided, &expected, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{strategy, &plan.ResearchStrategy},
		{areas, &plan.PriorityAreas},
		{avoided, &plan.AvoidedPaths},
		{expected, &plan.ExpectedEntities},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	}
	return &plan, nil
}

func marshalList(list []string) ([]byte, error) {
	b, err := json.Marshal(nonNil(list))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal list: %w", err)
	}
	return b, nil
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// -----------------------------------------------------------------------------
// Subtasks
// -----------------------------------------------------------------------------

const subtaskColumns = `id, investigation_id, parent_task_id, task_type, description, status,
	task_order, seq, attempt_count, next_attempt_at, last_error, result, confidence,
	started_at, completed_at, created_at`

func scanSubTask(row rowScanner) (*types.SubTask, error) {
	var t types.SubTask
	var taskType, status string
	var result []byte
	err := row.Scan(&t.ID, &t.InvestigationID, &t.ParentID, &taskType, &t.Description, &status,
		&t.Order, &t.Seq, &t.AttemptCount, &t.NextAttemptAt, &t.LastError, &result, &t.Confidence,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.TaskType = types.TaskType(taskType)
	t.Status = types.SubTaskStatus(status)
	if result != nil {
		t.Result = json.RawMessage(result)
	}
	return &t, nil
}

// CreateSubTasks inserts the batch in one transaction; the database assigns sequence numbers
func (db *DB) CreateSubTasks(ctx context.Context, tasks []types.SubTask) error {
	if len(tasks) == 0 {
		return nil
	}
	now := db.timestamp()
	for i := range tasks {
		if tasks[i].ID == uuid.Nil {
			tasks[i].ID = uuid.New()
		}
		if tasks[i].Status == "" {
			tasks[i].Status = types.SubTaskPending
		}
		tasks[i].CreatedAt = now
	}

	err := db.inTx(ctx, "create_subtasks", func(tx pgx.Tx) error {
		for i := range tasks {
			t := &tasks[i]
			err := tx.QueryRow(ctx,
				`INSERT INTO subtasks (id, investigation_id, parent_task_id, task_type, description,
				                       status, task_order, attempt_count, next_attempt_at, last_error,
				                       result, confidence, started_at, completed_at, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				 RETURNING seq`,
				t.ID, t.InvestigationID, t.ParentID, string(t.TaskType), t.Description,
				string(t.Status), t.Order, t.AttemptCount, t.NextAttemptAt, t.LastError,
				rawJSON(t.Result), t.Confidence, t.StartedAt, t.CompletedAt, t.CreatedAt,
			).Scan(&t.Seq)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return &store.ConflictError{Kind: "subtask", ID: tasks[0].ID}
		}
		return fmt.Errorf("failed to create subtasks: %w", err)
	}
	return nil
}

// GetSubTask retrieves a subtask by id
func (db *DB) GetSubTask(ctx context.Context, id uuid.UUID) (*types.SubTask, error) {
	t, err := scanSubTask(db.pool.QueryRow(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subtask: %w", err)
	}
	return t, nil
}

// ListSubTasks returns the investigation's subtasks ordered by (order, seq)
func (db *DB) ListSubTasks(ctx context.Context, investigationID uuid.UUID) ([]types.SubTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks
		 WHERE investigation_id = $1
		 ORDER BY task_order, seq`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	defer rows.Close()

	var out []types.SubTask
	for rows.Next() {
		t, err := scanSubTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateSubTask writes every mutable field of task
func (db *DB) UpdateSubTask(ctx context.Context, task *types.SubTask) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE subtasks
		 SET status = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5,
		     result = $6, confidence = $7, started_at = $8, completed_at = $9
		 WHERE id = $1`,
		task.ID, string(task.Status), task.AttemptCount, task.NextAttemptAt, task.LastError,
		rawJSON(task.Result), task.Confidence, task.StartedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "subtask", ID: task.ID}
	}
	return nil
}

// rawJSON maps an empty result to NULL
func rawJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// -----------------------------------------------------------------------------
// Thoughts
// -----------------------------------------------------------------------------

// AppendThought stores th with the next sequence number of its investigation
func (db *DB) AppendThought(ctx context.Context, th *types.Thought) error {
	if th.ID == uuid.Nil {
		th.ID = uuid.New()
	}
	if th.Timestamp.IsZero() {
		th.Timestamp = db.timestamp()
	}

	err := db.withRetry(ctx, "append_thought", func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO thoughts (id, investigation_id, subtask_id, sequence_number, thought_type,
			                       content, confidence_before, confidence_after, created_at)
			 SELECT $1, $2, $3, COALESCE(MAX(sequence_number), 0) + 1, $4, $5, $6, $7, $8
			 FROM thoughts WHERE investigation_id = $2
			 RETURNING sequence_number`,
			th.ID, th.InvestigationID, th.SubTaskID, string(th.ThoughtType), th.Content,
			th.ConfidenceBefore, th.ConfidenceAfter, th.Timestamp,
		).Scan(&th.Sequence)
	})
	if err != nil {
		return fmt.Errorf("failed to append thought: %w", err)
	}
	return nil
}

// ListThoughts returns the thought chain in sequence order
func (db *DB) ListThoughts(ctx context.Context, investigationID uuid.UUID) ([]types.Thought, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, investigation_id, subtask_id, sequence_number, thought_type, content,
		        confidence_before, confidence_after, created_at
		 FROM thoughts
		 WHERE investigation_id = $1
		 ORDER BY sequence_number`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thoughts: %w", err)
	}
	defer rows.Close()

	var out []types.Thought
	for rows.Next() {
		var th types.Thought
		var thoughtType string
		if err := rows.Scan(&th.ID, &th.InvestigationID, &th.SubTaskID, &th.Sequence, &thoughtType,
			&th.Content, &th.ConfidenceBefore, &th.ConfidenceAfter, &th.Timestamp); err != nil {
			return nil, err
		}
		th.ThoughtType = types.ThoughtType(thoughtType)
		out = append(out, th)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Reports
// -----------------------------------------------------------------------------

// SaveReport appends a report
func (db *DB) SaveReport(ctx context.Context, r *types.Report) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = db.timestamp()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO reports (id, investigation_id, report_type, title, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.InvestigationID, r.ReportType, r.Title, r.Content, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// ListReports returns the investigation's reports oldest first
func (db *DB) ListReports(ctx context.Context, investigationID uuid.UUID) ([]types.Report, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, investigation_id, report_type, title, content, created_at
		 FROM reports
		 WHERE investigation_id = $1
		 ORDER BY created_at`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []types.Report
	for rows.Next() {
		var r types.Report
		if err := rows.Scan(&r.ID, &r.InvestigationID, &r.ReportType, &r.Title, &r.Content, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Usage ledger
// -----------------------------------------------------------------------------

// AppendUsage appends a ledger row
func (db *DB) AppendUsage(ctx context.Context, u *types.UsageRecord) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = db.timestamp()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_records (id, investigation_id, subtask_id, operation, api_calls, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.InvestigationID, u.SubTaskID, u.Operation, u.APICalls, u.CostUSD, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// UsageTotals sums the ledger for an investigation
func (db *DB) UsageTotals(ctx context.Context, investigationID uuid.UUID) (types.UsageTotals, error) {
	var t types.UsageTotals
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(api_calls), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE investigation_id = $1`,
		investigationID,
	).Scan(&t.APICalls, &t.CostUSD)
	if err != nil {
		return types.UsageTotals{}, fmt.Errorf("failed to sum usage: %w", err)
	}
	return t, nil
}
