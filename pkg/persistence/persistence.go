// Package persistence defines the storage contract of the engine: where
// definitions come from, where execution records go and how stats are kept.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/psaflow/pkg/models"
)

// DefinitionSource provides workflow definitions to the engine.
type DefinitionSource interface {
	Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
}

// ExecutionSink stores finished execution records.
type ExecutionSink interface {
	SaveExecution(ctx context.Context, record *models.ExecutionRecord) error
}

// StatsStore folds execution outcomes into the per-definition counters.
// RecordExecution must be atomic per definition.
type StatsStore interface {
	RecordExecution(ctx context.Context, workflowID string, outcome models.ExecutionOutcome) (*models.WorkflowStats, error)
}

// Persistence is the full storage adapter used by the service.
type Persistence interface {
	DefinitionSource
	ExecutionSink
	StatsStore

	// SaveWorkflow validates and stores a definition. Saving an existing id
	// bumps its version and keeps the stored stats.
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error
	DeleteWorkflow(ctx context.Context, id string) error

	// ExecutionsByWorkflow returns records newest first. limit <= 0 returns all of them.
	ExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Revise prepares workflow for storage given the currently stored version, nil when new.
func Revise(workflow, existing *models.WorkflowDefinition, now time.Time) error {
	err := workflow.Validate()
	if err != nil {
		return NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	err = CheckID(workflow.ID)
	if err != nil {
		return NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	if existing == nil {
		workflow.Version = 1

		if workflow.CreatedAt.IsZero() {
			workflow.CreatedAt = now
		}

		workflow.Stats = models.WorkflowStats{}
	} else {
		workflow.Version = existing.Version + 1
		workflow.CreatedAt = existing.CreatedAt
		workflow.Stats = existing.Stats
	}

	workflow.UpdatedAt = now

	return nil
}

// CheckID rejects identifiers that cannot be used as storage keys.
func CheckID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return nil
}
