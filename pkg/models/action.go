package models

// ActionType names a registered action handler.
type ActionType string

const (
	ActionSendEmail        ActionType = "SEND_EMAIL"
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionCreateTask       ActionType = "CREATE_TASK"
	ActionUpdateEntity     ActionType = "UPDATE_ENTITY"
	ActionUpdateStatus     ActionType = "UPDATE_STATUS"
	ActionAssignUser       ActionType = "ASSIGN_USER"
	ActionCreateInvoice    ActionType = "CREATE_INVOICE"
	ActionCallWebhook      ActionType = "CALL_WEBHOOK"
	ActionLog              ActionType = "LOG"
)

// ActionSpec is one step of an action chain. Config strings may contain
// {{path}} placeholders resolved against the event and earlier step outputs.
type ActionSpec struct {
	Type        ActionType     `json:"type"                   validate:"required"`
	Name        string         `json:"name,omitempty"`
	Config      map[string]any `json:"config"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty"`
}

// Policy returns the action's own retry policy, or fallback when it has none.
func (a ActionSpec) Policy(fallback RetryPolicy) RetryPolicy {
	if a.RetryPolicy != nil {
		return *a.RetryPolicy
	}

	return fallback
}
