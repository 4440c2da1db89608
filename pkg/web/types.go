// Package web provides the HTTP ingress for domain events and the read API
// for workflow definitions and their execution history.
package web

import (
	"time"

	"github.com/dukex/psaflow/pkg/models"
)

// EventRequest is the inbound event contract of POST /events.
type EventRequest struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"                 validate:"required"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
	ActorID    string         `json:"actorId,omitempty"`
	WorkflowID string         `json:"workflowId,omitempty"`
}

// Event converts the request into a domain event.
func (r EventRequest) Event() models.Event {
	event := models.Event{
		ID:         r.ID,
		Type:       models.EventType(r.Type),
		EntityID:   r.EntityID,
		Payload:    r.Payload,
		ActorID:    r.ActorID,
		WorkflowID: r.WorkflowID,
	}

	if r.OccurredAt != nil {
		event.OccurredAt = r.OccurredAt.UTC()
	}

	return event
}

// DispatchResponse lists the executions started by one event.
type DispatchResponse struct {
	EventID    string                    `json:"event_id"`
	Count      int                       `json:"count"`
	Executions []*models.ExecutionRecord `json:"executions"`
}

// WorkflowSummary is the list view of a definition.
type WorkflowSummary struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Enabled  bool                 `json:"enabled"`
	Version  int                  `json:"version"`
	Priority int                  `json:"priority"`
	Category string               `json:"category,omitempty"`
	Triggers []models.EventType   `json:"triggers"`
	Stats    models.WorkflowStats `json:"stats"`
}

func summarize(workflow *models.WorkflowDefinition) WorkflowSummary {
	triggers := make([]models.EventType, 0, len(workflow.Triggers))
	for _, t := range workflow.Triggers {
		triggers = append(triggers, t.Type)
	}

	return WorkflowSummary{
		ID:       workflow.ID,
		Name:     workflow.Name,
		Enabled:  workflow.Enabled,
		Version:  workflow.Version,
		Priority: workflow.Priority,
		Category: workflow.Category,
		Triggers: triggers,
		Stats:    workflow.Stats,
	}
}
