// Package trigger selects the workflow definitions an event starts.
package trigger

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/psaflow/pkg/condition"
	"github.com/dukex/psaflow/pkg/models"
)

// Matcher matches events against definition triggers.
type Matcher struct {
	logger *slog.Logger
}

func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Matcher{
		logger: logger.With("module", "trigger_matcher"),
	}
}

// Match returns the enabled definitions with at least one trigger matching
// event, ordered by priority (highest first), then creation time, then ID.
func (m *Matcher) Match(event models.Event, workflows []*models.WorkflowDefinition) []*models.WorkflowDefinition {
	matched := make([]*models.WorkflowDefinition, 0)

	for _, workflow := range workflows {
		if workflow == nil || !workflow.Enabled {
			continue
		}

		if event.WorkflowID != "" && event.WorkflowID != workflow.ID {
			continue
		}

		for i, trigger := range workflow.Triggers {
			ok, reason := m.matchTrigger(event, workflow, trigger)
			if !ok {
				if reason != "" {
					m.logger.Warn("Skipping malformed trigger",
						"workflow_id", workflow.ID,
						"trigger_index", i,
						"reason", reason)
				}

				continue
			}

			m.logger.Debug("Found matching workflow",
				"workflow_id", workflow.ID,
				"event_type", event.Type,
				"trigger_index", i)

			matched = append(matched, workflow)

			break
		}
	}

	SortByPriority(matched)

	m.logger.Debug("Completed trigger matching",
		"event_type", event.Type,
		"event_id", event.ID,
		"workflows_count", len(workflows),
		"matches_found", len(matched))

	return matched
}

// SortByPriority orders definitions by priority desc, CreatedAt asc, ID asc.
func SortByPriority(workflows []*models.WorkflowDefinition) {
	slices.SortStableFunc(workflows, func(a, b *models.WorkflowDefinition) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}

		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// matchTrigger returns a non-empty reason when the trigger itself is malformed.
func (m *Matcher) matchTrigger(event models.Event, workflow *models.WorkflowDefinition, trigger models.Trigger) (bool, string) {
	if trigger.Type != event.Type {
		return false, ""
	}

	if err := trigger.Validate(); err != nil {
		return false, err.Error()
	}

	switch trigger.Type {
	case models.EventSchedule:
		return event.WorkflowID == workflow.ID, ""
	case models.EventWebhook:
		return matchWebhook(event, trigger.Webhook), ""
	case models.EventBudgetThreshold:
		return matchBudgetThreshold(event, trigger.BudgetThreshold), ""
	case models.EventProjectStatusChanged, models.EventTaskStatusChanged:
		return matchStatusChange(event, trigger.StatusChange), ""
	default:
		return true, ""
	}
}

func matchWebhook(event models.Event, config *models.WebhookTriggerConfig) bool {
	if models.NormalizeWebhookPath(event.Path) != models.NormalizeWebhookPath(config.Path) {
		return false
	}

	return config.Method == "" || strings.EqualFold(config.Method, event.Method)
}

func matchBudgetThreshold(event models.Event, config *models.BudgetThresholdTriggerConfig) bool {
	percentUsed, ok := condition.ToNumber(event.Payload["percentUsed"])

	return ok && percentUsed >= config.Percent
}

func matchStatusChange(event models.Event, config *models.StatusChangeTriggerConfig) bool {
	if config == nil {
		return true
	}

	if config.From != "" && payloadString(event, "previousStatus") != config.From {
		return false
	}

	return config.To == "" || payloadString(event, "status") == config.To
}

func payloadString(event models.Event, key string) string {
	value, ok := event.Payload[key]
	if !ok || value == nil {
		return ""
	}

	return fmt.Sprint(value)
}
