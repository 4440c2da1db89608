package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	root   string // File system root for storing workflows
	locks  locker
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{
		root:   root,
		logger: slog.Default().With("module", "file_persistence"),
	}
}

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

func (wr *WorkflowRepository) path(id string) string {
	return filepath.Join(wr.dir(), id+".json")
}

// GetAll returns every stored workflow ordered by id. Files that cannot be
// decoded, or that disappear while listing, are skipped.
func (wr *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	entries, err := os.ReadDir(wr.dir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*models.WorkflowDefinition{}, nil
		}

		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}

		id := strings.TrimSuffix(name, ".json")

		workflow, err := wr.GetByID(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				continue
			}

			if errors.Is(err, persistence.ErrCorruptWorkflow) || errors.Is(err, persistence.ErrInvalidID) {
				wr.logger.WarnContext(ctx, "Skipping unreadable workflow file", "file", name, "error", err)

				continue
			}

			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	slices.SortFunc(workflows, func(a, b *models.WorkflowDefinition) int {
		return strings.Compare(a.ID, b.ID)
	})

	return workflows, nil
}

// GetByID retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) GetByID(_ context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	err := persistence.CheckID(workflowID)
	if err != nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", workflowID, err)
	}

	body, err := os.ReadFile(wr.path(workflowID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewWorkflowError("WorkflowByID", workflowID, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to fetch workflow %s: %w", workflowID, err)
	}

	var workflow models.WorkflowDefinition

	err = json.Unmarshal(body, &workflow)
	if err != nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", workflowID, fmt.Errorf("%w: %w", persistence.ErrCorruptWorkflow, err))
	}

	return &workflow, nil
}

// Save validates and writes a workflow, bumping the version of an existing one.
func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.WorkflowDefinition) error {
	err := persistence.CheckID(workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	unlock := wr.locks.lock(workflow.ID)
	defer unlock()

	existing, err := wr.GetByID(ctx, workflow.ID)
	if err != nil && !persistence.IsWorkflowNotFound(err) && !errors.Is(err, persistence.ErrCorruptWorkflow) {
		return err
	}

	err = persistence.Revise(workflow, existing, now())
	if err != nil {
		return err
	}

	return writeJSON(wr.path(workflow.ID), workflow)
}

// Delete removes a workflow by its ID.
func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	err := persistence.CheckID(id)
	if err != nil {
		return persistence.NewWorkflowError("DeleteWorkflow", id, err)
	}

	unlock := wr.locks.lock(id)
	defer unlock()

	err = os.Remove(wr.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	return nil
}

// RecordExecution applies outcome to the stored stats under the workflow lock.
// The definition version is left untouched.
func (wr *WorkflowRepository) RecordExecution(ctx context.Context, workflowID string, outcome models.ExecutionOutcome) (*models.WorkflowStats, error) {
	err := persistence.CheckID(workflowID)
	if err != nil {
		return nil, persistence.NewWorkflowError("RecordExecution", workflowID, err)
	}

	unlock := wr.locks.lock(workflowID)
	defer unlock()

	workflow, err := wr.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	workflow.Stats.Apply(outcome)

	err = writeJSON(wr.path(workflowID), workflow)
	if err != nil {
		return nil, err
	}

	stats := workflow.Stats

	return &stats, nil
}

// Workflows returns all stored workflows.
func (fp *Persistence) Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return fp.workflowRepo.GetAll(ctx)
}

// WorkflowByID returns a workflow by its ID.
func (fp *Persistence) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return fp.workflowRepo.GetByID(ctx, id)
}

// SaveWorkflow saves a workflow to the file system.
func (fp *Persistence) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	return fp.workflowRepo.Save(ctx, workflow)
}

// DeleteWorkflow removes a workflow file. Its execution history is kept.
func (fp *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	return fp.workflowRepo.Delete(ctx, id)
}

// RecordExecution folds an execution outcome into the workflow stats.
func (fp *Persistence) RecordExecution(ctx context.Context, workflowID string, outcome models.ExecutionOutcome) (*models.WorkflowStats, error) {
	return fp.workflowRepo.RecordExecution(ctx, workflowID, outcome)
}
