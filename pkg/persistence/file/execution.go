package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
)

// ExecutionRepository stores execution records as one JSON file each under
// <root>/executions/<workflowID>.
type ExecutionRepository struct {
	root string
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

func (er *ExecutionRepository) dir(workflowID string) string {
	return filepath.Join(er.root, "executions", workflowID)
}

// Save writes the record. Records are immutable so a second save of the same id overwrites it.
func (er *ExecutionRepository) Save(_ context.Context, record *models.ExecutionRecord) error {
	if record == nil {
		return persistence.ErrInvalidExecution
	}

	if err := persistence.CheckID(record.WorkflowID); err != nil {
		return fmt.Errorf("%w: workflow id: %w", persistence.ErrInvalidExecution, err)
	}

	if err := persistence.CheckID(record.ID); err != nil {
		return fmt.Errorf("%w: id: %w", persistence.ErrInvalidExecution, err)
	}

	return writeJSON(filepath.Join(er.dir(record.WorkflowID), record.ID+".json"), record)
}

// ByWorkflow loads the records of one workflow, newest first.
func (er *ExecutionRepository) ByWorkflow(_ context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	err := persistence.CheckID(workflowID)
	if err != nil {
		return nil, persistence.NewWorkflowError("ExecutionsByWorkflow", workflowID, err)
	}

	dir := er.dir(workflowID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*models.ExecutionRecord{}, nil
		}

		return nil, fmt.Errorf("failed to list executions of %s: %w", workflowID, err)
	}

	records := make([]*models.ExecutionRecord, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}

		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read execution %s: %w", name, err)
		}

		var record models.ExecutionRecord

		err = json.Unmarshal(body, &record)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution %s: %w", name, err)
		}

		records = append(records, &record)
	}

	slices.SortFunc(records, func(a, b *models.ExecutionRecord) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

// SaveExecution stores a finished execution record.
func (fp *Persistence) SaveExecution(ctx context.Context, record *models.ExecutionRecord) error {
	return fp.executions.Save(ctx, record)
}

// ExecutionsByWorkflow returns the stored records of a workflow, newest first.
func (fp *Persistence) ExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	return fp.executions.ByWorkflow(ctx, workflowID, limit)
}
