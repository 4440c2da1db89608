// Package command implements the side-effect actions owned by other services
// (mail, notifications, tasks, entity updates, invoices). Each run validates
// the typed request and publishes it as an action.requested event.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/eventbus"
	"github.com/dukex/psaflow/pkg/events"
	"github.com/dukex/psaflow/pkg/models"
)

// Types lists the action types this package handles.
var Types = []models.ActionType{
	models.ActionSendEmail,
	models.ActionSendNotification,
	models.ActionCreateTask,
	models.ActionUpdateEntity,
	models.ActionUpdateStatus,
	models.ActionAssignUser,
	models.ActionCreateInvoice,
}

type Action struct {
	actionType models.ActionType
	kind       kind
	publisher  eventbus.EventPublisher
	logger     *slog.Logger
}

// New returns the handler for actionType. publisher may be nil, in which case
// requests are only logged and returned.
func New(actionType models.ActionType, publisher eventbus.EventPublisher, logger *slog.Logger) (*Action, error) {
	k, ok := kinds[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a command action", actions.ErrUnknownActionType, actionType)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Action{
		actionType: actionType,
		kind:       k,
		publisher:  publisher,
		logger:     logger.With("module", "command_action", "action_type", actionType),
	}, nil
}

// Register adds a handler for every type in Types.
func Register(registry *actions.Registry, publisher eventbus.EventPublisher, logger *slog.Logger) error {
	for _, actionType := range Types {
		action, err := New(actionType, publisher, logger)
		if err != nil {
			return err
		}

		if err := registry.Register(action); err != nil {
			return err
		}
	}

	return nil
}

func (a *Action) Type() models.ActionType {
	return a.actionType
}

func (a *Action) Schema() map[string]any {
	return a.kind.schema
}

func (a *Action) Execute(ctx context.Context, config map[string]any, actx *actions.ActionContext) (map[string]any, error) {
	request := maps.Clone(config)
	if request == nil {
		request = map[string]any{}
	}

	if a.kind.targetsEntity {
		if id, _ := request["entityId"].(string); id == "" {
			if actx.Event.EntityID == "" {
				return nil, actions.Permanent(fmt.Errorf("%w: entityId is required", actions.ErrInvalidConfig))
			}

			request["entityId"] = actx.Event.EntityID
		}
	}

	if err := a.kind.check(request); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	entityID, _ := request["entityId"].(string)

	if a.publisher != nil {
		event := events.ActionRequested{
			BaseEvent:   events.NewBaseEvent(events.ActionRequestedEvent, actx.WorkflowID),
			RequestID:   requestID,
			ExecutionID: actx.ExecutionID,
			ActionIndex: actx.ActionIndex,
			ActionType:  a.actionType,
			EntityID:    entityID,
			ActorID:     actx.Event.ActorID,
			Request:     request,
		}

		if err := a.publisher.Publish(ctx, actx.WorkflowID, event); err != nil {
			return nil, fmt.Errorf("publishing %s request: %w", a.actionType, err)
		}
	}

	a.logger.InfoContext(ctx, "Action requested",
		"workflow_id", actx.WorkflowID,
		"execution_id", actx.ExecutionID,
		"request_id", requestID,
		"entity_id", entityID)

	output := maps.Clone(request)
	output["requestId"] = requestID

	return output, nil
}
