package models

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is the scheduler's bookkeeping for one SCHEDULE-triggered definition.
type Schedule struct {
	// WorkflowID is the definition fired by this schedule
	WorkflowID string `json:"workflow_id" validate:"required"`

	// CronExpression uses standard 5-field cron format or a descriptor such as @hourly
	CronExpression string `json:"cron_expression" validate:"required"`

	// Timezone is an IANA location name, UTC when empty
	Timezone string `json:"timezone,omitempty"`

	// NextDueAt is the next slot, always strictly after the time it was computed from
	NextDueAt time.Time `json:"next_due_at"`

	// LastFiredAt is the tick time of the most recent fire
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseCron parses a cron expression, optionally evaluated in timezone.
func ParseCron(expression, timezone string) (cron.Schedule, error) {
	if expression == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}

	spec := expression
	if timezone != "" {
		spec = "CRON_TZ=" + timezone + " " + expression
	}

	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return schedule, nil
}

// NewSchedule creates a Schedule whose first slot is strictly after now.
func NewSchedule(workflowID string, config ScheduleTriggerConfig, now time.Time) (*Schedule, error) {
	if workflowID == "" {
		return nil, ErrInvalidSchedule
	}

	schedule := &Schedule{
		WorkflowID:     workflowID,
		CronExpression: config.Cron,
		Timezone:       config.Timezone,
		CreatedAt:      now,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Matches reports whether the schedule was built from config.
func (s *Schedule) Matches(config ScheduleTriggerConfig) bool {
	return s.CronExpression == config.Cron && s.Timezone == config.Timezone
}

// IsDue checks if this schedule is due for execution at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return !s.NextDueAt.After(now)
}

// Advance records a fire at now and moves NextDueAt to the first slot after now.
// Slots missed between the previous NextDueAt and now are skipped.
func (s *Schedule) Advance(now time.Time) error {
	if err := s.calculateNextDueAt(now); err != nil {
		return err
	}

	firedAt := now
	s.LastFiredAt = &firedAt

	return nil
}

func (s *Schedule) calculateNextDueAt(referenceTime time.Time) error {
	cronSchedule, err := ParseCron(s.CronExpression, s.Timezone)
	if err != nil {
		return err
	}

	next := cronSchedule.Next(referenceTime)
	if next.IsZero() {
		return fmt.Errorf("%w: %q has no upcoming slot", ErrInvalidSchedule, s.CronExpression)
	}

	s.NextDueAt = next
	s.UpdatedAt = referenceTime

	return nil
}
