package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/actions/command"
	"github.com/dukex/psaflow/pkg/channels/gochannel"
	"github.com/dukex/psaflow/pkg/engine"
	"github.com/dukex/psaflow/pkg/eventbus"
	"github.com/dukex/psaflow/pkg/events"
	"github.com/dukex/psaflow/pkg/mocks"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence/file"
)

func newStore(t *testing.T, definitions ...*models.WorkflowDefinition) *file.Persistence {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	for _, definition := range definitions {
		require.NoError(t, store.SaveWorkflow(context.Background(), definition))
	}

	return store
}

func newRegistry(t *testing.T) *actions.Registry {
	t.Helper()

	registry := actions.NewRegistry(nil)
	require.NoError(t, command.Register(registry, nil, nil))

	return registry
}

func newEngine(t *testing.T, store *file.Persistence, registry *actions.Registry, publisher eventbus.EventPublisher) *engine.Engine {
	t.Helper()

	e, err := engine.New(engine.Config{
		Definitions: store,
		Executions:  store,
		Stats:       store,
		Registry:    registry,
		Publisher:   publisher,
	})
	require.NoError(t, err)

	return e
}

func statusChangeDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:         "notify-client-on-completion",
		Name:       "Notify client on completion",
		Enabled:    true,
		Triggers:   []models.Trigger{{Type: models.EventProjectStatusChanged}},
		Conditions: models.Leaf("payload.status", models.OperatorEquals, "COMPLETED"),
		Actions: []models.ActionSpec{
			{Type: models.ActionSendEmail, Config: map[string]any{"to": "{{payload.clientEmail}}"}},
		},
	}
}

func statusChangedEvent() models.Event {
	return models.Event{
		Type:     models.EventProjectStatusChanged,
		EntityID: "proj-1",
		ActorID:  "user-1",
		Payload: map[string]any{
			"status":         "COMPLETED",
			"previousStatus": "IN_PROGRESS",
			"clientEmail":    "client@example.com",
		},
	}
}

func TestDispatch_SkipsUnreadableDefinitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	store := file.NewPersistence(root)

	require.NoError(t, store.SaveWorkflow(ctx, statusChangeDefinition()))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workflows", "broken.json"), []byte("{not json"), 0o600))

	records, err := newEngine(t, store, newRegistry(t), nil).Dispatch(ctx, statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "notify-client-on-completion", records[0].WorkflowID)
	assert.Equal(t, models.ExecutionStatusSuccess, records[0].Status)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := engine.New(engine.Config{Registry: actions.NewRegistry(nil)})
	assert.ErrorIs(t, err, engine.ErrMissingDefinitions)

	_, err = engine.New(engine.Config{Definitions: &mocks.MockPersistence{}})
	assert.ErrorIs(t, err, engine.ErrMissingRegistry)
}

func TestDispatch_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, statusChangeDefinition())
	e := newEngine(t, store, newRegistry(t), nil)

	records, err := e.Dispatch(ctx, statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.Equal(t, "notify-client-on-completion", record.WorkflowID)
	assert.Equal(t, 1, record.WorkflowVersion)
	assert.Equal(t, models.EventProjectStatusChanged, record.TriggeredBy.EventType)
	assert.Equal(t, "proj-1", record.TriggeredBy.EntityID)
	assert.NotEmpty(t, record.TriggeredBy.EventID)
	assert.Empty(t, record.Error)

	require.Len(t, record.ActionResults, 1)
	assert.Equal(t, models.ActionStatusSuccess, record.ActionResults[0].Status)
	assert.Equal(t, "client@example.com", record.ActionResults[0].Output["to"])
	assert.NotEmpty(t, record.ActionResults[0].Output["requestId"])

	stored, err := store.ExecutionsByWorkflow(ctx, record.WorkflowID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, record.ID, stored[0].ID)

	definition, err := store.WorkflowByID(ctx, record.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), definition.Stats.ExecutionCount)
	assert.Equal(t, int64(1), definition.Stats.SuccessCount)
	assert.Equal(t, 1, definition.Version)
}

func TestDispatch_NoMatch(t *testing.T) {
	t.Parallel()

	store := newStore(t, statusChangeDefinition())
	e := newEngine(t, store, newRegistry(t), nil)

	records, err := e.Dispatch(context.Background(), models.Event{Type: models.EventInvoicePaid})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)

	event := statusChangedEvent()
	event.Payload["status"] = "ON_HOLD"

	records, err = e.Dispatch(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, records)

	stored, err := store.ExecutionsByWorkflow(context.Background(), "notify-client-on-completion", 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDispatch_InvalidEvent(t *testing.T) {
	t.Parallel()

	e := newEngine(t, newStore(t), newRegistry(t), nil)

	_, err := e.Dispatch(context.Background(), models.Event{})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestDispatch_PriorityOrder(t *testing.T) {
	t.Parallel()

	low := statusChangeDefinition()
	low.ID = "low"
	low.Priority = 1

	high := statusChangeDefinition()
	high.ID = "high"
	high.Priority = 10

	disabled := statusChangeDefinition()
	disabled.ID = "disabled"
	disabled.Priority = 100
	disabled.Enabled = false

	e := newEngine(t, newStore(t, low, high, disabled), newRegistry(t), nil)

	records, err := e.Dispatch(context.Background(), statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "high", records[0].WorkflowID)
	assert.Equal(t, "low", records[1].WorkflowID)
}

func TestDispatch_ChainStatuses(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)
	registry.RegisterFunc("FAIL", func(context.Context, map[string]any, *actions.ActionContext) (map[string]any, error) {
		return nil, errors.New("downstream unavailable")
	})

	definition := statusChangeDefinition()
	definition.Actions = append(definition.Actions, models.ActionSpec{Type: "FAIL"})

	e := newEngine(t, newStore(t, definition), registry, nil)

	records, err := e.Dispatch(context.Background(), statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ExecutionStatusPartialFailure, records[0].Status)
	assert.Contains(t, records[0].Error, "1 of 2 actions did not succeed")
	assert.Contains(t, records[0].Error, "downstream unavailable")

	definition.ID = "only-failures"
	definition.Actions = []models.ActionSpec{{Type: "FAIL"}, {Type: "UNKNOWN"}}

	e = newEngine(t, newStore(t, definition), registry, nil)

	records, err = e.Dispatch(context.Background(), statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ExecutionStatusFailure, records[0].Status)
	assert.Equal(t, models.ActionStatusFailure, records[0].ActionResults[1].Status)
}

func TestDispatch_ConcurrentStats(t *testing.T) {
	t.Parallel()

	const n = 30

	ctx := context.Background()
	store := newStore(t, statusChangeDefinition())
	e := newEngine(t, store, newRegistry(t), nil)

	var wg sync.WaitGroup

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			records, err := e.Dispatch(ctx, statusChangedEvent())
			assert.NoError(t, err)
			assert.Len(t, records, 1)
		}()
	}

	wg.Wait()

	definition, err := store.WorkflowByID(ctx, "notify-client-on-completion")
	require.NoError(t, err)
	assert.Equal(t, int64(n), definition.Stats.ExecutionCount)
	assert.Equal(t, int64(n), definition.Stats.SuccessCount)

	stored, err := store.ExecutionsByWorkflow(ctx, "notify-client-on-completion", 0)
	require.NoError(t, err)
	assert.Len(t, stored, n)
}

func TestDispatch_ExecutionTimeout(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t)
	registry.RegisterFunc("BLOCK", func(ctx context.Context, _ map[string]any, _ *actions.ActionContext) (map[string]any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	var called atomic.Int32

	registry.RegisterFunc("AFTER", func(context.Context, map[string]any, *actions.ActionContext) (map[string]any, error) {
		called.Add(1)

		return map[string]any{}, nil
	})

	definition := statusChangeDefinition()
	definition.TimeoutSeconds = 1
	definition.Actions = []models.ActionSpec{{Type: "BLOCK"}, {Type: "AFTER"}}

	store := newStore(t, definition)
	e := newEngine(t, store, registry, nil)

	records, err := e.Dispatch(context.Background(), statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, models.ExecutionStatusTimeout, record.Status)
	require.Len(t, record.ActionResults, 2)
	assert.Equal(t, models.ActionStatusTimeout, record.ActionResults[0].Status)
	assert.Equal(t, models.ActionStatusSkipped, record.ActionResults[1].Status)
	assert.Zero(t, called.Load())

	stored, err := store.WorkflowByID(context.Background(), definition.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Stats.FailureCount)
}

func TestDispatch_PersistenceFailure(t *testing.T) {
	t.Parallel()

	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return([]*models.WorkflowDefinition{statusChangeDefinition()}, nil)
	store.On("SaveExecution", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	e, err := engine.New(engine.Config{
		Definitions: store,
		Executions:  store,
		Stats:       store,
		Registry:    newRegistry(t),
	})
	require.NoError(t, err)

	records, err := e.Dispatch(context.Background(), statusChangedEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrPersistExecution)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, records, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, records[0].Status)

	store.AssertNotCalled(t, "RecordExecution", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_StatsFailureIsNotReturned(t *testing.T) {
	t.Parallel()

	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return([]*models.WorkflowDefinition{statusChangeDefinition()}, nil)
	store.On("SaveExecution", mock.Anything, mock.Anything).Return(nil)
	store.On("RecordExecution", mock.Anything, "notify-client-on-completion", mock.Anything).
		Return(nil, errors.New("stats unavailable")).Once()

	e, err := engine.New(engine.Config{
		Definitions: store,
		Executions:  store,
		Stats:       store,
		Registry:    newRegistry(t),
	})
	require.NoError(t, err)

	records, err := e.Dispatch(context.Background(), statusChangedEvent())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	store.AssertExpectations(t)
}

func TestDispatch_LoadFailure(t *testing.T) {
	t.Parallel()

	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return(nil, errors.New("connection refused"))

	e, err := engine.New(engine.Config{Definitions: store, Registry: newRegistry(t)})
	require.NoError(t, err)

	records, err := e.Dispatch(context.Background(), statusChangedEvent())
	assert.ErrorIs(t, err, engine.ErrLoadDefinitions)
	assert.Nil(t, records)
}

func TestDispatch_TargetedEvent(t *testing.T) {
	t.Parallel()

	daily := &models.WorkflowDefinition{
		ID:       "daily-digest",
		Name:     "Daily digest",
		Enabled:  true,
		Triggers: []models.Trigger{{Type: models.EventSchedule, Schedule: &models.ScheduleTriggerConfig{Cron: "0 9 * * *"}}},
		Actions:  []models.ActionSpec{{Type: models.ActionSendNotification, Config: map[string]any{"userId": "u-1", "message": "digest"}}},
	}

	e := newEngine(t, newStore(t, daily), newRegistry(t), nil)

	records, err := e.Dispatch(context.Background(), models.Event{Type: models.EventSchedule, WorkflowID: "daily-digest"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, records[0].Status)

	records, err = e.Dispatch(context.Background(), models.Event{Type: models.EventSchedule, WorkflowID: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDispatch_PublishesCompletion(t *testing.T) {
	t.Parallel()

	pub, sub := gochannel.CreateChannel(watermill.NopLogger{}, gochannel.Config{})
	bus := eventbus.NewWatermillEventBus(pub, sub, nil)

	t.Cleanup(func() { _ = bus.Close() })

	completed := make(chan *events.WorkflowExecutionCompleted, 1)

	require.NoError(t, bus.Handle(events.WorkflowExecutionCompletedEvent, func(_ context.Context, event any) error {
		completed <- event.(*events.WorkflowExecutionCompleted)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	e := newEngine(t, newStore(t, statusChangeDefinition()), newRegistry(t), bus)

	records, err := e.Dispatch(ctx, statusChangedEvent())
	require.NoError(t, err)
	require.Len(t, records, 1)

	select {
	case got := <-completed:
		assert.Equal(t, records[0].ID, got.ExecutionID)
		assert.Equal(t, models.ExecutionStatusSuccess, got.Status)
		assert.Equal(t, 1, got.ActionCount)
		assert.Zero(t, got.FailedActions)
	case <-time.After(5 * time.Second):
		t.Fatal("completion event was not published")
	}
}

func TestSubscribe_DispatchesBusEvents(t *testing.T) {
	t.Parallel()

	pub, sub := gochannel.CreateChannel(watermill.NopLogger{}, gochannel.Config{})
	bus := eventbus.NewWatermillEventBus(pub, sub, nil)

	t.Cleanup(func() { _ = bus.Close() })

	store := newStore(t, statusChangeDefinition())
	e := newEngine(t, store, newRegistry(t), nil)

	require.NoError(t, e.Subscribe(bus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))
	require.NoError(t, bus.Publish(ctx, "proj-1", events.NewDomainEventReceived(statusChangedEvent())))

	assert.Eventually(t, func() bool {
		stored, err := store.ExecutionsByWorkflow(ctx, "notify-client-on-completion", 0)

		return err == nil && len(stored) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
