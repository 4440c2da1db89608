package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
)

// ExecutionRepository stores execution records.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save inserts the record. Saving the same id twice keeps the first copy.
func (r *ExecutionRepository) Save(ctx context.Context, record *models.ExecutionRecord) error {
	if record == nil || record.ID == "" || record.WorkflowID == "" {
		return persistence.ErrInvalidExecution
	}

	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", record.ID, err)
	}

	query := `
		INSERT INTO workflow_executions (
			id, workflow_id, workflow_version, status, event_type, started_at, finished_at, duration_ms, record
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.WorkflowID,
		record.WorkflowVersion,
		string(record.Status),
		string(record.TriggeredBy.EventType),
		record.StartedAt,
		record.FinishedAt,
		record.DurationMs,
		document,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", record.ID, err)
	}

	return nil
}

// ByWorkflow returns the records of one workflow, newest first.
func (r *ExecutionRepository) ByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	query := `
		SELECT record
		FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC, id
	`

	args := []any{workflowID}
	if limit > 0 {
		query += " LIMIT $2"

		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions of %s: %w", workflowID, err)
	}
	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.ExecutionRecord, 0)

	for rows.Next() {
		var document []byte

		err := rows.Scan(&document)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		var record models.ExecutionRecord

		err = json.Unmarshal(document, &record)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}

		records = append(records, &record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return records, nil
}

// SaveExecution stores a finished execution record.
func (p *Persistence) SaveExecution(ctx context.Context, record *models.ExecutionRecord) error {
	return p.executionRepo.Save(ctx, record)
}

// ExecutionsByWorkflow returns the stored records of a workflow, newest first.
func (p *Persistence) ExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	return p.executionRepo.ByWorkflow(ctx, workflowID, limit)
}
