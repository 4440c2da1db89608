package command

import (
	"fmt"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/models"
)

type SendEmailConfig struct {
	To       string   `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Body     string   `json:"body,omitempty"`
	Template string   `json:"template,omitempty"`
}

type SendNotificationConfig struct {
	UserID  string `json:"userId"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

type CreateTaskConfig struct {
	ProjectID   string `json:"projectId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueInDays   int    `json:"dueInDays,omitempty"`
}

type UpdateEntityConfig struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Fields     map[string]any `json:"fields"`
}

type UpdateStatusConfig struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Status     string `json:"status"`
}

type AssignUserConfig struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	UserID     string `json:"userId"`
}

type CreateInvoiceConfig struct {
	ClientID  string  `json:"clientId"`
	ProjectID string  `json:"projectId,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	DueInDays int     `json:"dueInDays,omitempty"`
}

type kind struct {
	schema        map[string]any
	targetsEntity bool
	check         func(request map[string]any) error
}

// decodes builds a check that the request decodes into T.
func decodes[T any]() func(map[string]any) error {
	return func(request map[string]any) error {
		var typed T

		return actions.DecodeConfig(request, &typed)
	}
}

func nonEmpty() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}

func object(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

var entityTypes = []string{"project", "task", "invoice", "client", "milestone"}

var kinds = map[models.ActionType]kind{
	models.ActionSendEmail: {
		schema: object([]string{"to"}, map[string]any{
			"to":       nonEmpty(),
			"cc":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"subject":  map[string]any{"type": "string"},
			"body":     map[string]any{"type": "string"},
			"template": map[string]any{"type": "string"},
		}),
		check: decodes[SendEmailConfig](),
	},
	models.ActionSendNotification: {
		schema: object([]string{"userId", "message"}, map[string]any{
			"userId":  nonEmpty(),
			"title":   map[string]any{"type": "string"},
			"message": nonEmpty(),
			"channel": map[string]any{"type": "string", "enum": []string{"in_app", "email", "push"}},
		}),
		check: decodes[SendNotificationConfig](),
	},
	models.ActionCreateTask: {
		schema: object([]string{"title"}, map[string]any{
			"projectId":   map[string]any{"type": "string"},
			"title":       nonEmpty(),
			"description": map[string]any{"type": "string"},
			"assigneeId":  map[string]any{"type": "string"},
			"priority":    map[string]any{"type": "string", "enum": []string{"LOW", "MEDIUM", "HIGH", "URGENT"}},
			"dueInDays":   map[string]any{"type": "integer", "minimum": 0},
		}),
		check: decodes[CreateTaskConfig](),
	},
	models.ActionUpdateEntity: {
		schema: object([]string{"entityType", "fields"}, map[string]any{
			"entityType": map[string]any{"type": "string", "enum": entityTypes},
			"entityId":   map[string]any{"type": "string"},
			"fields":     map[string]any{"type": "object", "minProperties": 1},
		}),
		targetsEntity: true,
		check:         decodes[UpdateEntityConfig](),
	},
	models.ActionUpdateStatus: {
		schema: object([]string{"entityType", "status"}, map[string]any{
			"entityType": map[string]any{"type": "string", "enum": entityTypes},
			"entityId":   map[string]any{"type": "string"},
			"status":     nonEmpty(),
		}),
		targetsEntity: true,
		check:         decodes[UpdateStatusConfig](),
	},
	models.ActionAssignUser: {
		schema: object([]string{"entityType", "userId"}, map[string]any{
			"entityType": map[string]any{"type": "string", "enum": entityTypes},
			"entityId":   map[string]any{"type": "string"},
			"userId":     nonEmpty(),
		}),
		targetsEntity: true,
		check:         decodes[AssignUserConfig](),
	},
	models.ActionCreateInvoice: {
		schema: object([]string{"clientId", "amount"}, map[string]any{
			"clientId":  nonEmpty(),
			"projectId": map[string]any{"type": "string"},
			"amount":    map[string]any{"type": "number", "minimum": 0},
			"currency":  map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
			"dueInDays": map[string]any{"type": "integer", "minimum": 0},
		}),
		check: func(request map[string]any) error {
			var typed CreateInvoiceConfig
			if err := actions.DecodeConfig(request, &typed); err != nil {
				return err
			}

			if typed.Amount <= 0 {
				return actions.Permanent(fmt.Errorf("%w: amount must be positive", actions.ErrInvalidConfig))
			}

			return nil
		},
	},
}
