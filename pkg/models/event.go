package models

import (
	"fmt"
	"time"
)

// Event is a domain event handed to the engine by producers (route handlers,
// webhook ingress, the scheduler).
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"                 validate:"required"`
	EntityID   string         `json:"entityId"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurredAt"`
	ActorID    string         `json:"actorId"`

	// Routing extras: Path/Method for webhook ingress, WorkflowID for events
	// that target a single definition (scheduler).
	Path       string `json:"path,omitempty"`
	Method     string `json:"method,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// Validate checks the required inbound fields.
func (e *Event) Validate() error {
	if e == nil {
		return ErrInvalidEvent
	}

	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	return nil
}

// Data is the document conditions and placeholders resolve against.
func (e *Event) Data() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	data := map[string]any{
		"id":       e.ID,
		"type":     string(e.Type),
		"entityId": e.EntityID,
		"payload":  payload,
		"actorId":  e.ActorID,
	}

	if !e.OccurredAt.IsZero() {
		data["occurredAt"] = e.OccurredAt.UTC().Format(time.RFC3339)
	}

	if e.Path != "" {
		data["path"] = e.Path
	}

	if e.Method != "" {
		data["method"] = e.Method
	}

	if e.WorkflowID != "" {
		data["workflowId"] = e.WorkflowID
	}

	return data
}
