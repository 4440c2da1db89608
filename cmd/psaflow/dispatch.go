package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/dukex/psaflow/pkg/cmd"
	"github.com/dukex/psaflow/pkg/engine"
	"github.com/dukex/psaflow/pkg/events"
	"github.com/dukex/psaflow/pkg/log"
	"github.com/dukex/psaflow/pkg/models"
)

var ErrInvalidPayload = errors.New("payload must be a JSON object")

func NewDispatchCommand() *cli.Command {
	return &cli.Command{
		Name:    "dispatch",
		Aliases: []string{"d"},
		Usage:   "Dispatch one event and print the execution records",
		Flags: []cli.Flag{
			databaseURLFlag(),
			&cli.StringFlag{
				Name:     "type",
				Aliases:  []string{"t"},
				Usage:    "Event type, e.g. PROJECT_STATUS_CHANGED",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Event payload as a JSON object",
				Value: "{}",
			},
			&cli.StringFlag{
				Name:  "entity-id",
				Usage: "Id of the entity the event is about",
			},
			&cli.StringFlag{
				Name:  "actor-id",
				Usage: "Id of the user who caused the event",
			},
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "Restrict the dispatch to one workflow definition",
			},
			&cli.BoolFlag{
				Name:  "via-bus",
				Usage: "Publish the event on the event bus instead of running it here",
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka) used with --via-bus",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			event, err := buildEvent(command)
			if err != nil {
				return err
			}

			if command.Bool("via-bus") {
				return publishEvent(ctx, command, event)
			}

			return dispatchEvent(ctx, command, event)
		},
	}
}

func buildEvent(command *cli.Command) (models.Event, error) {
	var payload map[string]any

	err := json.Unmarshal([]byte(command.String("payload")), &payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return models.Event{
		ID:         uuid.NewString(),
		Type:       models.EventType(command.String("type")),
		EntityID:   command.String("entity-id"),
		ActorID:    command.String("actor-id"),
		WorkflowID: command.String("workflow-id"),
		Payload:    payload,
	}, nil
}

func dispatchEvent(ctx context.Context, command *cli.Command, event models.Event) error {
	logger := log.WithModule("psaflow").With("action", "dispatch")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	registry, err := cmd.NewRegistry(logger, nil)
	if err != nil {
		return err
	}

	e, err := engine.New(engine.Config{
		Definitions: store,
		Executions:  store,
		Stats:       store,
		Registry:    registry,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	records, dispatchErr := e.Dispatch(ctx, event)

	encoder := json.NewEncoder(command.Root().Writer)
	encoder.SetIndent("", "  ")

	err = encoder.Encode(records)
	if err != nil {
		return err
	}

	return dispatchErr
}

func publishEvent(ctx context.Context, command *cli.Command, event models.Event) error {
	logger := log.WithModule("psaflow").With("action", "dispatch")

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	err = bus.Publish(ctx, event.EntityID, events.NewDomainEventReceived(event))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	fmt.Fprintf(command.Root().Writer, "Published %s event %s\n", event.Type, event.ID)

	return nil
}
