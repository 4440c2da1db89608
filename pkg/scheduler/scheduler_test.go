package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/psaflow/pkg/mocks"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/scheduler"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []models.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event models.Event) ([]*models.ExecutionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, event)

	return []*models.ExecutionRecord{{WorkflowID: event.WorkflowID}}, nil
}

func (d *recordingDispatcher) Events() []models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]models.Event(nil), d.events...)
}

func scheduled(id, cron string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Name:    "Scheduled " + id,
		Enabled: true,
		Triggers: []models.Trigger{
			{Type: models.EventSchedule, Schedule: &models.ScheduleTriggerConfig{Cron: cron}},
		},
		Actions: []models.ActionSpec{{Type: models.ActionLog, Config: map[string]any{"message": "tick"}}},
	}
}

func definitions(defs ...*models.WorkflowDefinition) *mocks.MockPersistence {
	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return(defs, nil)

	return store
}

func TestScheduler_NoBurstAfterMissedSlots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	s := scheduler.New(definitions(scheduled("report", "*/5 * * * *")), dispatcher, nil)

	start := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	require.NoError(t, s.Sync(ctx, start))

	schedules := s.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), schedules[0].NextDueAt)

	// 10:05, 10:10 and 10:15 were missed.
	late := time.Date(2024, 1, 1, 10, 17, 0, 0, time.UTC)

	assert.Equal(t, 1, s.Tick(ctx, late))

	fired := dispatcher.Events()
	require.Len(t, fired, 1)
	assert.Equal(t, models.EventSchedule, fired[0].Type)
	assert.Equal(t, "report", fired[0].WorkflowID)
	assert.Equal(t, "2024-01-01T10:05:00Z", fired[0].Payload["scheduledFor"])
	assert.Equal(t, "*/5 * * * *", fired[0].Payload["cron"])

	schedules = s.Schedules()
	assert.Equal(t, time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC), schedules[0].NextDueAt)
	require.NotNil(t, schedules[0].LastFiredAt)
	assert.Equal(t, late, *schedules[0].LastFiredAt)

	assert.Zero(t, s.Tick(ctx, late))
	assert.Zero(t, s.Tick(ctx, late.Add(2*time.Minute)))
	assert.Len(t, dispatcher.Events(), 1)

	assert.Equal(t, 1, s.Tick(ctx, time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC)))
	assert.Len(t, dispatcher.Events(), 2)
}

func TestScheduler_SkipsCronWithoutUpcomingSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	s := scheduler.New(definitions(scheduled("feb30", "0 0 30 2 *"), scheduled("hourly", "@hourly")), dispatcher, nil)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Sync(ctx, now))

	schedules := s.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "hourly", schedules[0].WorkflowID)

	for i := range 5 {
		assert.Zero(t, s.Tick(ctx, now.Add(time.Duration(i)*time.Minute)))
	}

	assert.Empty(t, dispatcher.Events())
}

func TestScheduler_SyncReconciles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	hourly := scheduled("hourly", "@hourly")
	daily := scheduled("daily", "0 9 * * *")
	disabled := scheduled("disabled", "@hourly")
	disabled.Enabled = false

	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return([]*models.WorkflowDefinition{hourly, daily, disabled}, nil).Once()

	s := scheduler.New(store, &recordingDispatcher{}, nil)
	require.NoError(t, s.Sync(ctx, now))

	schedules := s.Schedules()
	require.Len(t, schedules, 2)
	assert.Equal(t, "daily", schedules[0].WorkflowID)
	assert.Equal(t, "hourly", schedules[1].WorkflowID)
	assert.Equal(t, now.Add(time.Hour), schedules[1].NextDueAt)

	changed := scheduled("hourly", "*/30 * * * *")
	store.On("Workflows", mock.Anything).Return([]*models.WorkflowDefinition{changed}, nil).Once()

	later := now.Add(10 * time.Minute)
	require.NoError(t, s.Sync(ctx, later))

	schedules = s.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "*/30 * * * *", schedules[0].CronExpression)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), schedules[0].NextDueAt)
}

func TestScheduler_SyncKeepsUnchangedEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := scheduler.New(definitions(scheduled("hourly", "@hourly")), &recordingDispatcher{}, nil)

	now := time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC)
	require.NoError(t, s.Sync(ctx, now))
	require.NoError(t, s.Sync(ctx, now.Add(30*time.Minute)))

	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), s.Schedules()[0].NextDueAt)
}

func TestScheduler_SyncError(t *testing.T) {
	t.Parallel()

	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return(nil, errors.New("unavailable"))

	s := scheduler.New(store, &recordingDispatcher{}, nil)

	assert.Error(t, s.Sync(context.Background(), time.Now()))
	assert.Error(t, s.Start(context.Background(), time.Second))
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	)

	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return now
	}

	dispatcher := &recordingDispatcher{}
	s := scheduler.New(definitions(scheduled("minutely", "* * * * *")), dispatcher, nil, scheduler.WithClock(clock))

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.ErrorIs(t, s.Start(context.Background(), 10*time.Millisecond), scheduler.ErrAlreadyStarted)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return len(dispatcher.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()

	assert.Len(t, dispatcher.Events(), 1)
}
