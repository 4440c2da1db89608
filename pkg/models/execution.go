package models

import "time"

// ExecutionStatus is the terminal status of one workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusSuccess        ExecutionStatus = "SUCCESS"
	ExecutionStatusPartialFailure ExecutionStatus = "PARTIAL_FAILURE"
	ExecutionStatusFailure        ExecutionStatus = "FAILURE"
	ExecutionStatusTimeout        ExecutionStatus = "TIMEOUT"
)

// ActionStatus is the terminal status of one action slot.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "SUCCESS"
	ActionStatusFailure ActionStatus = "FAILURE"
	ActionStatusTimeout ActionStatus = "TIMEOUT"
	ActionStatusSkipped ActionStatus = "SKIPPED" // Never started: chain stopped or execution deadline passed
)

// TriggeredBy identifies the event that started an execution.
type TriggeredBy struct {
	EventType EventType `json:"event_type"`
	EventID   string    `json:"event_id"`
	EntityID  string    `json:"entity_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
}

// ActionResult is the terminal result of one action slot.
type ActionResult struct {
	ActionIndex int            `json:"action_index"`
	ActionType  ActionType     `json:"action_type"`
	Status      ActionStatus   `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	Attempts    int            `json:"attempts"`
}

// Succeeded reports whether the slot finished successfully.
func (r ActionResult) Succeeded() bool {
	return r.Status == ActionStatusSuccess
}

// ExecutionRecord is the audit entry of one workflow execution. It is not
// modified after the engine returns it.
type ExecutionRecord struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	TriggeredBy     TriggeredBy     `json:"triggered_by"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	DurationMs      int64           `json:"duration_ms"`
	Status          ExecutionStatus `json:"status"`
	ActionResults   []ActionResult  `json:"action_results"`
	Error           string          `json:"error,omitempty"`
}

// AggregateStatus derives the execution status from the slot results.
// timedOut means the execution-level deadline passed before the chain finished.
func AggregateStatus(results []ActionResult, timedOut bool) ExecutionStatus {
	if timedOut {
		return ExecutionStatusTimeout
	}

	succeeded := 0

	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}

	switch {
	case succeeded == len(results):
		return ExecutionStatusSuccess
	case succeeded == 0:
		return ExecutionStatusFailure
	default:
		return ExecutionStatusPartialFailure
	}
}
