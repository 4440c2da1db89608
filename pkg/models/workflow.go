// Package models defines the domain models of the workflow automation engine.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// WorkflowDefinition is a rule: when one of Triggers fires and Conditions hold, run Actions.
type WorkflowDefinition struct {
	ID          string `json:"id"                    validate:"required"`
	Name        string `json:"name"                  validate:"required,min=3"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Version     int    `json:"version"               validate:"min=0"`
	Priority    int    `json:"priority"`

	Triggers   []Trigger      `json:"triggers"             validate:"required,min=1,dive"`
	Conditions *ConditionNode `json:"conditions,omitempty" validate:"-"`
	Actions    []ActionSpec   `json:"actions"              validate:"required,min=1,dive"`

	RetryPolicy     RetryPolicy `json:"retry_policy"`
	TimeoutSeconds  int         `json:"timeout_seconds"             validate:"min=0"` // Execution-level deadline, 0 disables it
	ContinueOnError *bool       `json:"continue_on_error,omitempty"`

	Stats WorkflowStats `json:"stats"`

	Category  string    `json:"category,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RetryPolicy controls how a failing action is retried.
type RetryPolicy struct {
	MaxRetries        int `json:"max_retries"         validate:"min=0"`
	RetryDelaySeconds int `json:"retry_delay_seconds" validate:"min=0"`
	TimeoutSeconds    int `json:"timeout_seconds"     validate:"min=0"` // Per attempt, 0 disables it
}

// AttemptTimeout returns the per-attempt timeout, zero when disabled.
func (p RetryPolicy) AttemptTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay between attempts.
func (p RetryPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// ContinuesOnError reports whether the action chain keeps running after a failed action.
func (w *WorkflowDefinition) ContinuesOnError() bool {
	return w.ContinueOnError == nil || *w.ContinueOnError
}

// ExecutionTimeout returns the execution-level deadline, zero when disabled.
func (w *WorkflowDefinition) ExecutionTimeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Validate checks the definition shape, including every trigger variant and the condition tree.
func (w *WorkflowDefinition) Validate() error {
	if w == nil {
		return ErrInvalidWorkflow
	}

	err := validate.Struct(w)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	var errs []error

	for i := range w.Triggers {
		if err := w.Triggers[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d]: %w", i, err))
		}
	}

	if w.Conditions != nil {
		if err := w.Conditions.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("conditions: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, errors.Join(errs...))
	}

	return nil
}
