package models

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of domain event a trigger reacts to.
type EventType string

const (
	EventProjectCreated       EventType = "PROJECT_CREATED"
	EventProjectUpdated       EventType = "PROJECT_UPDATED"
	EventProjectStatusChanged EventType = "PROJECT_STATUS_CHANGED"
	EventTaskCreated          EventType = "TASK_CREATED"
	EventTaskCompleted        EventType = "TASK_COMPLETED"
	EventTaskStatusChanged    EventType = "TASK_STATUS_CHANGED"
	EventInvoiceCreated       EventType = "INVOICE_CREATED"
	EventInvoicePaid          EventType = "INVOICE_PAID"
	EventInvoiceOverdue       EventType = "INVOICE_OVERDUE"
	EventClientCreated        EventType = "CLIENT_CREATED"
	EventMilestoneReached     EventType = "MILESTONE_REACHED"
	EventBudgetThreshold      EventType = "BUDGET_THRESHOLD"
	EventSchedule             EventType = "SCHEDULE"
	EventWebhook              EventType = "WEBHOOK"
	EventManual               EventType = "MANUAL"
)

// Trigger declares the event kind that starts a workflow. Exactly the config
// variant belonging to Type may be set.
type Trigger struct {
	Type EventType `json:"type" validate:"required"`

	Schedule        *ScheduleTriggerConfig        `json:"schedule,omitempty"`
	Webhook         *WebhookTriggerConfig         `json:"webhook,omitempty"`
	BudgetThreshold *BudgetThresholdTriggerConfig `json:"budget_threshold,omitempty"`
	StatusChange    *StatusChangeTriggerConfig    `json:"status_change,omitempty"`
}

// ScheduleTriggerConfig fires the workflow on a cron schedule.
type ScheduleTriggerConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// WebhookTriggerConfig fires the workflow for inbound webhook calls on Path.
type WebhookTriggerConfig struct {
	Path   string `json:"path"`
	Method string `json:"method,omitempty"`
}

// BudgetThresholdTriggerConfig fires when the event payload percentUsed reaches Percent.
type BudgetThresholdTriggerConfig struct {
	Percent float64 `json:"percent"`
}

// StatusChangeTriggerConfig narrows a status-change trigger to a transition.
type StatusChangeTriggerConfig struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// NormalizeWebhookPath strips surrounding slashes so "/a/b/" and "a/b" compare equal.
func NormalizeWebhookPath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// Validate checks that the trigger carries exactly the config its type requires.
func (t Trigger) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTrigger)
	}

	if err := t.rejectForeignConfig(); err != nil {
		return err
	}

	switch t.Type {
	case EventSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("%w: schedule trigger requires schedule config", ErrInvalidTrigger)
		}

		schedule, err := ParseCron(t.Schedule.Cron, t.Schedule.Timezone)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}

		if schedule.Next(time.Now()).IsZero() {
			return fmt.Errorf("%w: cron %q never fires", ErrInvalidTrigger, t.Schedule.Cron)
		}
	case EventWebhook:
		if t.Webhook == nil || NormalizeWebhookPath(t.Webhook.Path) == "" {
			return fmt.Errorf("%w: webhook trigger requires a path", ErrInvalidTrigger)
		}
	case EventBudgetThreshold:
		if t.BudgetThreshold == nil || t.BudgetThreshold.Percent <= 0 {
			return fmt.Errorf("%w: budget threshold trigger requires a positive percent", ErrInvalidTrigger)
		}
	default:
	}

	return nil
}

func (t Trigger) rejectForeignConfig() error {
	if t.Schedule != nil && t.Type != EventSchedule {
		return fmt.Errorf("%w: schedule config on %s trigger", ErrInvalidTrigger, t.Type)
	}

	if t.Webhook != nil && t.Type != EventWebhook {
		return fmt.Errorf("%w: webhook config on %s trigger", ErrInvalidTrigger, t.Type)
	}

	if t.BudgetThreshold != nil && t.Type != EventBudgetThreshold {
		return fmt.Errorf("%w: budget threshold config on %s trigger", ErrInvalidTrigger, t.Type)
	}

	if t.StatusChange != nil && !t.Type.IsStatusChange() {
		return fmt.Errorf("%w: status change config on %s trigger", ErrInvalidTrigger, t.Type)
	}

	return nil
}

// IsStatusChange reports whether events of this type carry status/previousStatus.
func (e EventType) IsStatusChange() bool {
	return e == EventProjectStatusChanged || e == EventTaskStatusChanged
}
