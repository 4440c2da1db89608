package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/psaflow/pkg/eventbus"
	"github.com/dukex/psaflow/pkg/events"
	"github.com/dukex/psaflow/pkg/models"
)

// Subscribe registers the engine as the handler of domain.event.received
// messages on subscriber. Messages are redelivered only when no execution
// started, so a redelivery never runs a workflow twice.
func (e *Engine) Subscribe(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.DomainEventReceivedEvent, e.handleDomainEvent)
}

func (e *Engine) handleDomainEvent(ctx context.Context, message any) error {
	received, ok := message.(*events.DomainEventReceived)
	if !ok {
		return fmt.Errorf("unexpected message %T for %s", message, events.DomainEventReceivedEvent)
	}

	records, err := e.Dispatch(ctx, received.Event)
	if errors.Is(err, models.ErrInvalidEvent) {
		e.logger.WarnContext(ctx, "Dropping invalid bus event", "error", err)

		return nil
	}

	if err != nil && len(records) == 0 {
		return err
	}

	if err != nil {
		e.logger.ErrorContext(ctx, "Dispatch of bus event finished with errors",
			"event_id", received.Event.ID,
			"error", err)
	}

	return nil
}
