package actions

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/psaflow/pkg/models"
)

type registration struct {
	handler Handler
	schema  *gojsonschema.Schema
}

// Registry maps action types to handlers.
type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[models.ActionType]registration
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		logger:   logger.With("module", "action_registry"),
		handlers: make(map[models.ActionType]registration),
	}
}

// Register adds or replaces the handler for its type. The handler schema is
// compiled once here.
func (r *Registry) Register(handler Handler) error {
	reg := registration{handler: handler}

	if schema := handler.Schema(); schema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return fmt.Errorf("compiling schema for %s: %w", handler.Type(), err)
		}

		reg.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handler.Type()]; exists {
		r.logger.Warn("Replacing registered action handler", "action_type", handler.Type())
	}

	r.handlers[handler.Type()] = reg

	return nil
}

// RegisterFunc registers fn without a schema.
func (r *Registry) RegisterFunc(actionType models.ActionType, fn HandlerFunc) {
	_ = r.Register(NewHandler(actionType, nil, fn))
}

func (r *Registry) Handler(actionType models.ActionType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[actionType]

	return reg.handler, ok
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}

// Validate checks config against the schema of the handler for actionType.
func (r *Registry) Validate(actionType models.ActionType, config map[string]any) error {
	r.mu.RLock()
	reg, ok := r.handlers[actionType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}

	if reg.schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, actionType, strings.Join(messages, "; "))
	}

	return nil
}

// CheckDefinition reports actions of w whose type has no handler. Schemas
// apply to substituted configs and are checked at execution time.
func (r *Registry) CheckDefinition(w *models.WorkflowDefinition) error {
	for i, action := range w.Actions {
		if _, ok := r.Handler(action.Type); !ok {
			return fmt.Errorf("actions[%d]: %w: %s", i, ErrUnknownActionType, action.Type)
		}
	}

	return nil
}
