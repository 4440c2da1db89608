// Package actions runs action chains: placeholder substitution, config
// validation, retries and per-attempt timeouts around registered handlers.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/psaflow/pkg/models"
)

// ActionContext describes the slot a handler is executing.
type ActionContext struct {
	WorkflowID  string
	ExecutionID string
	ActionIndex int
	ActionName  string
	Attempt     int
	Event       models.Event
	Logger      *slog.Logger
}

// Handler performs one kind of side effect. Schema returns a JSON schema for
// the substituted config, or nil to skip validation.
type Handler interface {
	Type() models.ActionType
	Schema() map[string]any
	Execute(ctx context.Context, config map[string]any, actx *ActionContext) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler via NewHandler.
type HandlerFunc func(ctx context.Context, config map[string]any, actx *ActionContext) (map[string]any, error)

type funcHandler struct {
	actionType models.ActionType
	schema     map[string]any
	fn         HandlerFunc
}

// NewHandler builds a Handler from fn. schema may be nil.
func NewHandler(actionType models.ActionType, schema map[string]any, fn HandlerFunc) Handler {
	return &funcHandler{actionType: actionType, schema: schema, fn: fn}
}

func (h *funcHandler) Type() models.ActionType {
	return h.actionType
}

func (h *funcHandler) Schema() map[string]any {
	return h.schema
}

func (h *funcHandler) Execute(ctx context.Context, config map[string]any, actx *ActionContext) (map[string]any, error) {
	return h.fn(ctx, config, actx)
}

// DecodeConfig converts a substituted config into the handler's typed shape.
// Decoding errors are permanent.
func DecodeConfig(config map[string]any, out any) error {
	encoded, err := json.Marshal(config)
	if err != nil {
		return Permanent(fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	if err := json.Unmarshal(encoded, out); err != nil {
		return Permanent(fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	return nil
}
