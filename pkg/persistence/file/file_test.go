package file_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
	"github.com/dukex/psaflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefinition(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:       id,
		Name:     "Welcome new client",
		Enabled:  true,
		Triggers: []models.Trigger{{Type: models.EventClientCreated}},
		Actions: []models.ActionSpec{
			{Type: models.ActionSendEmail, Config: map[string]any{"to": "{{payload.email}}"}},
		},
	}
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	assert.NoError(t, file.NewPersistence("file://"+root).HealthCheck(context.Background()))
	assert.Error(t, file.NewPersistence(filepath.Join(root, "missing")).HealthCheck(context.Background()))
}

func TestPersistence_WorkflowLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())

	workflows, err := p.Workflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, workflows)

	wf := newDefinition("wf-b")
	require.NoError(t, p.SaveWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)
	require.NoError(t, p.SaveWorkflow(ctx, newDefinition("wf-a")))

	loaded, err := p.WorkflowByID(ctx, "wf-b")
	require.NoError(t, err)
	assert.Equal(t, "Welcome new client", loaded.Name)
	assert.Equal(t, "{{payload.email}}", loaded.Actions[0].Config["to"])

	workflows, err = p.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	assert.Equal(t, "wf-a", workflows[0].ID)
	assert.Equal(t, "wf-b", workflows[1].ID)

	require.NoError(t, p.DeleteWorkflow(ctx, "wf-b"))

	_, err = p.WorkflowByID(ctx, "wf-b")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
	assert.ErrorIs(t, p.DeleteWorkflow(ctx, "wf-b"), persistence.ErrWorkflowNotFound)
}

func TestPersistence_WorkflowsSkipsUnreadableFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	p := file.NewPersistence(root)

	require.NoError(t, p.SaveWorkflow(ctx, newDefinition("wf-ok")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workflows", "broken.json"), []byte("{not json"), 0o600))

	workflows, err := p.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "wf-ok", workflows[0].ID)

	_, err = p.WorkflowByID(ctx, "broken")
	require.ErrorIs(t, err, persistence.ErrCorruptWorkflow)

	repaired := newDefinition("broken")
	require.NoError(t, p.SaveWorkflow(ctx, repaired))
	assert.Equal(t, 1, repaired.Version)

	workflows, err = p.Workflows(ctx)
	require.NoError(t, err)
	assert.Len(t, workflows, 2)
}

func TestPersistence_SaveWorkflowKeepsStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())

	require.NoError(t, p.SaveWorkflow(ctx, newDefinition("wf-1")))

	_, err := p.RecordExecution(ctx, "wf-1", models.ExecutionOutcome{
		Status:     models.ExecutionStatusSuccess,
		DurationMs: 40,
		FinishedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	update := newDefinition("wf-1")
	update.Name = "Welcome new client v2"
	require.NoError(t, p.SaveWorkflow(ctx, update))

	loaded, err := p.WorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, "Welcome new client v2", loaded.Name)
	assert.Equal(t, int64(1), loaded.Stats.ExecutionCount)
	assert.Equal(t, int64(1), loaded.Stats.SuccessCount)
}

func TestPersistence_SaveWorkflowRejectsInvalid(t *testing.T) {
	t.Parallel()

	p := file.NewPersistence(t.TempDir())

	wf := newDefinition("wf-1")
	wf.Triggers = []models.Trigger{{Type: models.EventSchedule}}

	err := p.SaveWorkflow(context.Background(), wf)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTrigger)

	_, err = p.WorkflowByID(context.Background(), "wf-1")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestPersistence_RecordExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.SaveWorkflow(ctx, newDefinition("wf-1")))

	finished := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := p.RecordExecution(ctx, "wf-1", models.ExecutionOutcome{Status: models.ExecutionStatusSuccess, DurationMs: 100, FinishedAt: finished})
	require.NoError(t, err)
	_, err = p.RecordExecution(ctx, "wf-1", models.ExecutionOutcome{Status: models.ExecutionStatusTimeout, DurationMs: 300, FinishedAt: finished})
	require.NoError(t, err)
	stats, err := p.RecordExecution(ctx, "wf-1", models.ExecutionOutcome{Status: models.ExecutionStatusPartialFailure, DurationMs: 200, FinishedAt: finished})
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.ExecutionCount)
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.FailureCount)
	assert.InDelta(t, 200.0, stats.AvgExecutionMs, 0.0001)
	require.NotNil(t, stats.LastExecutionAt)
	assert.True(t, finished.Equal(*stats.LastExecutionAt))

	loaded, err := p.WorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)

	_, err = p.RecordExecution(ctx, "missing", models.ExecutionOutcome{Status: models.ExecutionStatusSuccess})
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestPersistence_RecordExecutionConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.SaveWorkflow(ctx, newDefinition("wf-1")))

	const n = 25

	var wg sync.WaitGroup

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := p.RecordExecution(ctx, "wf-1", models.ExecutionOutcome{Status: models.ExecutionStatusSuccess, DurationMs: 10})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	loaded, err := p.WorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), loaded.Stats.ExecutionCount)
	assert.Equal(t, int64(n), loaded.Stats.SuccessCount)
}

func TestPersistence_Executions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	p := file.NewPersistence(root)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i := range 3 {
		record := &models.ExecutionRecord{
			ID:         fmt.Sprintf("exec-%d", i),
			WorkflowID: "wf-1",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			Status:     models.ExecutionStatusSuccess,
			ActionResults: []models.ActionResult{
				{ActionIndex: 0, ActionType: models.ActionLog, Status: models.ActionStatusSuccess, Attempts: 1},
			},
		}
		require.NoError(t, p.SaveExecution(ctx, record))
	}

	_, err := os.Stat(filepath.Join(root, "executions", "wf-1", "exec-0.json"))
	require.NoError(t, err)

	records, err := p.ExecutionsByWorkflow(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "exec-2", records[0].ID)
	assert.Equal(t, "exec-0", records[2].ID)
	assert.Equal(t, models.ActionStatusSuccess, records[0].ActionResults[0].Status)

	records, err = p.ExecutionsByWorkflow(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = p.ExecutionsByWorkflow(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	err = p.SaveExecution(ctx, &models.ExecutionRecord{ID: "x", WorkflowID: "../escape"})
	assert.ErrorIs(t, err, persistence.ErrInvalidExecution)
}
