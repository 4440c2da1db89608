package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
// The definition document lives in a JSONB column; stats live in their own
// columns so executions can update them without rewriting the document.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const selectWorkflow = `
	SELECT
		definition
	  , version
	  , execution_count
	  , success_count
	  , failure_count
	  , avg_execution_ms
	  , last_execution_at
	  , created_at
	  , updated_at
	FROM workflow_definitions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.WorkflowDefinition, error) {
	var (
		document        []byte
		workflow        models.WorkflowDefinition
		version         int
		stats           models.WorkflowStats
		lastExecutionAt sql.NullTime
	)

	err := row.Scan(
		&document,
		&version,
		&stats.ExecutionCount,
		&stats.SuccessCount,
		&stats.FailureCount,
		&stats.AvgExecutionMs,
		&lastExecutionAt,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	createdAt, updatedAt := workflow.CreatedAt, workflow.UpdatedAt

	err = json.Unmarshal(document, &workflow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", persistence.ErrCorruptWorkflow, err)
	}

	if lastExecutionAt.Valid {
		at := lastExecutionAt.Time.UTC()
		stats.LastExecutionAt = &at
	}

	workflow.Version = version
	workflow.Stats = stats
	workflow.CreatedAt = createdAt.UTC()
	workflow.UpdatedAt = updatedAt.UTC()

	return &workflow, nil
}

// GetAll returns all workflows from the database ordered by id. Rows whose
// definition document cannot be decoded are logged and skipped.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, selectWorkflow+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if errors.Is(err, persistence.ErrCorruptWorkflow) {
			r.logger.WarnContext(ctx, "Skipping unreadable workflow row", "error", err)

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	return workflows, nil
}

// GetByID returns a workflow by its ID.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, selectWorkflow+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}

	return workflow, nil
}

// Save validates and upserts a workflow inside a transaction that locks the existing row.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.WorkflowDefinition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := scanWorkflow(tx.QueryRowContext(ctx, selectWorkflow+" WHERE id = $1 FOR UPDATE", workflow.ID))
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", workflow.ID, err)
	}

	err = persistence.Revise(workflow, existing, now())
	if err != nil {
		return err
	}

	document, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", workflow.ID, err)
	}

	query := `
		INSERT INTO workflow_definitions (id, name, enabled, priority, version, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , enabled = EXCLUDED.enabled
		  , priority = EXCLUDED.priority
		  , version = EXCLUDED.version
		  , definition = EXCLUDED.definition
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Enabled,
		workflow.Priority,
		workflow.Version,
		document,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit workflow %s: %w", workflow.ID, err)
	}

	return nil
}

// Delete removes a workflow. Its execution history is kept.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_definitions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

// RecordExecution updates the stats columns in a single statement, so
// concurrent executions never lose an increment.
func (r *WorkflowRepository) RecordExecution(ctx context.Context, workflowID string, outcome models.ExecutionOutcome) (*models.WorkflowStats, error) {
	query := `
		UPDATE workflow_definitions SET
			execution_count = execution_count + 1
		  , success_count = success_count + CASE WHEN $2::text = 'SUCCESS' THEN 1 ELSE 0 END
		  , failure_count = failure_count + CASE WHEN $2::text IN ('FAILURE', 'TIMEOUT') THEN 1 ELSE 0 END
		  , avg_execution_ms = avg_execution_ms + ($3::double precision - avg_execution_ms) / (execution_count + 1)
		  , last_execution_at = $4
		WHERE id = $1
		RETURNING execution_count, success_count, failure_count, avg_execution_ms, last_execution_at
	`

	var (
		stats           models.WorkflowStats
		lastExecutionAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, workflowID, string(outcome.Status), outcome.DurationMs, outcome.FinishedAt).Scan(
		&stats.ExecutionCount,
		&stats.SuccessCount,
		&stats.FailureCount,
		&stats.AvgExecutionMs,
		&lastExecutionAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("RecordExecution", workflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to record execution for workflow %s: %w", workflowID, err)
	}

	if lastExecutionAt.Valid {
		at := lastExecutionAt.Time.UTC()
		stats.LastExecutionAt = &at
	}

	return &stats, nil
}

// Workflows returns all workflows from the database.
func (p *Persistence) Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return p.workflowRepo.GetAll(ctx)
}

// WorkflowByID returns a workflow by its ID.
func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return p.workflowRepo.GetByID(ctx, id)
}

// SaveWorkflow saves a workflow to the database.
func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	return p.workflowRepo.Save(ctx, workflow)
}

// DeleteWorkflow deletes a workflow by id.
func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	return p.workflowRepo.Delete(ctx, id)
}

// RecordExecution folds an execution outcome into the workflow stats.
func (p *Persistence) RecordExecution(ctx context.Context, workflowID string, outcome models.ExecutionOutcome) (*models.WorkflowStats, error) {
	return p.workflowRepo.RecordExecution(ctx, workflowID, outcome)
}
