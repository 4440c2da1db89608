// Package scheduler fires SCHEDULE-triggered workflows from a polling tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/psaflow/pkg/metrics"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
)

// DefaultInterval is the polling interval used when Start gets a non-positive one.
const DefaultInterval = time.Minute

var ErrAlreadyStarted = errors.New("scheduler already started")

// Dispatcher receives the synthesised SCHEDULE events.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.Event) ([]*models.ExecutionRecord, error)
}

type Option func(*Scheduler)

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = recorder
	}
}

// WithClock replaces the time source used by Start.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// Scheduler keeps one Schedule per SCHEDULE trigger of every enabled definition.
type Scheduler struct {
	definitions persistence.DefinitionSource
	dispatcher  Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Recorder
	clock       func() time.Time

	mu      sync.Mutex
	entries map[string]*models.Schedule

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(definitions persistence.DefinitionSource, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		definitions: definitions,
		dispatcher:  dispatcher,
		logger:      logger.With("module", "scheduler"),
		clock:       func() time.Time { return time.Now().UTC() },
		entries:     make(map[string]*models.Schedule),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func entryKey(workflowID string, trigger int) string {
	return fmt.Sprintf("%s#%d", workflowID, trigger)
}

// Sync reconciles the entries with the stored definitions. New entries get
// their first slot strictly after now; entries whose cron or timezone changed
// are recomputed from now; entries of removed or disabled definitions are dropped.
func (s *Scheduler) Sync(ctx context.Context, now time.Time) error {
	definitions, err := s.definitions.Workflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.entries))

	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}

		for i, trigger := range definition.Triggers {
			if trigger.Type != models.EventSchedule || trigger.Schedule == nil {
				continue
			}

			key := entryKey(definition.ID, i)

			existing, ok := s.entries[key]
			if ok && existing.Matches(*trigger.Schedule) {
				seen[key] = struct{}{}

				continue
			}

			schedule, err := models.NewSchedule(definition.ID, *trigger.Schedule, now)
			if err != nil {
				s.logger.WarnContext(ctx, "Invalid schedule trigger",
					"workflow_id", definition.ID,
					"cron", trigger.Schedule.Cron,
					"error", err)

				continue
			}

			s.entries[key] = schedule
			seen[key] = struct{}{}

			s.logger.InfoContext(ctx, "Schedule registered",
				"workflow_id", definition.ID,
				"cron", schedule.CronExpression,
				"next_due_at", schedule.NextDueAt)
		}
	}

	for key, schedule := range s.entries {
		if _, ok := seen[key]; !ok {
			delete(s.entries, key)

			s.logger.InfoContext(ctx, "Schedule removed", "workflow_id", schedule.WorkflowID)
		}
	}

	return nil
}

// Tick fires every entry due at now exactly once and moves it to its first
// slot after now; missed slots are not replayed. It returns the number of fires.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	type fire struct {
		schedule     models.Schedule
		scheduledFor time.Time
	}

	var due []fire

	s.mu.Lock()

	for _, key := range slices.Sorted(maps.Keys(s.entries)) {
		schedule := s.entries[key]
		if !schedule.IsDue(now) {
			continue
		}

		scheduledFor := schedule.NextDueAt

		err := schedule.Advance(now)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to advance schedule", "workflow_id", schedule.WorkflowID, "error", err)

			continue
		}

		due = append(due, fire{schedule: *schedule, scheduledFor: scheduledFor})
	}

	s.mu.Unlock()

	var wg sync.WaitGroup

	for _, f := range due {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.fire(ctx, f.schedule, f.scheduledFor, now)
		}()
	}

	wg.Wait()

	return len(due)
}

func (s *Scheduler) fire(ctx context.Context, schedule models.Schedule, scheduledFor, now time.Time) {
	event := models.Event{
		ID:         uuid.NewString(),
		Type:       models.EventSchedule,
		WorkflowID: schedule.WorkflowID,
		OccurredAt: now,
		Payload: map[string]any{
			"scheduledFor": scheduledFor.UTC().Format(time.RFC3339),
			"cron":         schedule.CronExpression,
			"timezone":     schedule.Timezone,
		},
	}

	s.metrics.ScheduledFire()

	s.logger.InfoContext(ctx, "Firing schedule",
		"workflow_id", schedule.WorkflowID,
		"scheduled_for", scheduledFor,
		"next_due_at", schedule.NextDueAt)

	records, err := s.dispatcher.Dispatch(ctx, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Scheduled dispatch failed",
			"workflow_id", schedule.WorkflowID,
			"error", err)

		return
	}

	s.logger.DebugContext(ctx, "Scheduled dispatch finished", "workflow_id", schedule.WorkflowID, "executions", len(records))
}

// Schedules returns a copy of the current entries ordered by workflow id.
func (s *Scheduler) Schedules() []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := make([]models.Schedule, 0, len(s.entries))

	for _, key := range slices.Sorted(maps.Keys(s.entries)) {
		schedules = append(schedules, *s.entries[key])
	}

	return schedules
}

// Start runs Sync and Tick every interval until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	err := s.Sync(ctx, s.clock())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	s.logger.InfoContext(ctx, "Scheduler started", "interval", interval, "schedules", len(s.Schedules()))

	go s.loop(ctx, interval, s.stopped)

	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.clock()

			err := s.Sync(ctx, now)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to sync schedules", "error", err)
			}

			s.Tick(ctx, now)
		}
	}
}

// Stop ends the loop started by Start and waits for the running tick to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.stopped

	s.cancel = nil
	s.stopped = nil

	s.logger.Info("Scheduler stopped")
}
