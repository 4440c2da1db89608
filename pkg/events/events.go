// Package events defines the messages the engine exchanges over the event bus.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/psaflow/pkg/models"
)

type EventType string

const Topic = "psaflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Emitted once per finished workflow execution.
	WorkflowExecutionCompletedEvent EventType = "workflow.execution.completed"

	// Side-effect request for the service that owns the action type.
	ActionRequestedEvent EventType = "action.requested"

	// Inbound domain event published by producers; the engine dispatches it.
	DomainEventReceivedEvent EventType = "domain.event.received"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

type WorkflowExecutionCompleted struct {
	BaseEvent

	ExecutionID     string                 `json:"execution_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	Status          models.ExecutionStatus `json:"status"`
	DurationMs      int64                  `json:"duration_ms"`
	TriggeredBy     models.TriggeredBy     `json:"triggered_by"`
	ActionCount     int                    `json:"action_count"`
	FailedActions   int                    `json:"failed_actions"`
	Error           string                 `json:"error,omitempty"`
}

func (e WorkflowExecutionCompleted) GetType() EventType {
	return WorkflowExecutionCompletedEvent
}

// NewWorkflowExecutionCompleted summarises a finished execution record.
func NewWorkflowExecutionCompleted(record *models.ExecutionRecord) WorkflowExecutionCompleted {
	failed := 0

	for _, r := range record.ActionResults {
		if r.Status == models.ActionStatusFailure || r.Status == models.ActionStatusTimeout {
			failed++
		}
	}

	return WorkflowExecutionCompleted{
		BaseEvent:       NewBaseEvent(WorkflowExecutionCompletedEvent, record.WorkflowID),
		ExecutionID:     record.ID,
		WorkflowVersion: record.WorkflowVersion,
		Status:          record.Status,
		DurationMs:      record.DurationMs,
		TriggeredBy:     record.TriggeredBy,
		ActionCount:     len(record.ActionResults),
		FailedActions:   failed,
		Error:           record.Error,
	}
}

type ActionRequested struct {
	BaseEvent

	RequestID   string            `json:"request_id"`
	ExecutionID string            `json:"execution_id"`
	ActionIndex int               `json:"action_index"`
	ActionType  models.ActionType `json:"action_type"`
	EntityID    string            `json:"entity_id,omitempty"`
	ActorID     string            `json:"actor_id,omitempty"`
	Request     map[string]any    `json:"request"`
}

func (e ActionRequested) GetType() EventType {
	return ActionRequestedEvent
}

type DomainEventReceived struct {
	BaseEvent

	Event models.Event `json:"event"`
}

func (e DomainEventReceived) GetType() EventType {
	return DomainEventReceivedEvent
}

func NewDomainEventReceived(event models.Event) DomainEventReceived {
	return DomainEventReceived{
		BaseEvent: NewBaseEvent(DomainEventReceivedEvent, event.WorkflowID),
		Event:     event,
	}
}
