// Package queue provides a Redis list ingress for domain events.
//
// Producers RPUSH JSON-encoded events onto a list; the source pops them with
// BLPOP and hands them to the engine. Messages that cannot become a valid
// event are moved to "<queue>:dead".
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/dukex/psaflow/pkg/models"
)

const (
	DefaultQueue   = "psaflow:events"
	deadLetterPart = ":dead"
	popTimeout     = time.Second
	retryBackoff   = time.Second
)

var ErrQueueRequired = errors.New("queue name is required")

// Dispatcher runs the workflows triggered by an event.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.Event) ([]*models.ExecutionRecord, error)
}

type Source struct {
	client     redis.UniversalClient
	queue      string
	dispatcher Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return redis.NewClient(options), nil
}

func NewSource(client redis.UniversalClient, queue string, dispatcher Dispatcher, logger *slog.Logger) (*Source, error) {
	if queue == "" {
		return nil, ErrQueueRequired
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		client:     client,
		queue:      queue,
		dispatcher: dispatcher,
		logger: logger.With(
			"module", "queue_source",
			"queue", queue,
		),
	}, nil
}

// DeadLetterQueue is the list undecodable or invalid messages are moved to.
func (s *Source) DeadLetterQueue() string {
	return s.queue + deadLetterPart
}

// Start pings Redis and starts consuming in the background.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.client.Ping(pingCtx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go s.consume(ctx)

	s.logger.InfoContext(ctx, "Queue source started")

	return nil
}

// Stop ends the consumer and waits for the in-flight message.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	s.wg.Wait()

	s.logger.Info("Queue source stopped")
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := s.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Error processing message", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBackoff):
			}
		}
	}
}

// Poll waits up to one second for a message and processes it. It reports
// whether a message was taken off the queue.
func (s *Source) Poll(ctx context.Context) (bool, error) {
	result, err := s.client.BLPop(ctx, popTimeout, s.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}

		return false, fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return false, nil
	}

	return true, s.handle(ctx, result[1])
}

func (s *Source) handle(ctx context.Context, message string) error {
	event, err := DecodeEvent([]byte(message))
	if err != nil {
		s.logger.WarnContext(ctx, "Dropping undecodable message", "error", err)

		return s.deadLetter(ctx, message)
	}

	records, err := s.dispatcher.Dispatch(ctx, event)

	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "Dispatched queued event",
			"event_id", event.ID,
			"event_type", event.Type,
			"executions", len(records))

		return nil

	case errors.Is(err, models.ErrInvalidEvent):
		s.logger.WarnContext(ctx, "Dropping invalid event", "event_type", event.Type, "error", err)

		return s.deadLetter(ctx, message)

	case len(records) == 0:
		// Nothing ran, so the event can go back for another attempt.
		pushErr := s.client.RPush(context.WithoutCancel(ctx), s.queue, message).Err()
		if pushErr != nil {
			return errors.Join(err, fmt.Errorf("failed to requeue message: %w", pushErr))
		}

		return fmt.Errorf("dispatch failed, message requeued: %w", err)

	default:
		s.logger.ErrorContext(ctx, "Dispatch finished with errors",
			"event_id", event.ID,
			"executions", len(records),
			"error", err)

		return nil
	}
}

func (s *Source) deadLetter(ctx context.Context, message string) error {
	err := s.client.RPush(context.WithoutCancel(ctx), s.DeadLetterQueue(), message).Err()
	if err != nil {
		return fmt.Errorf("failed to move message to %s: %w", s.DeadLetterQueue(), err)
	}

	return nil
}

// DecodeEvent parses a queued message. The type is required; the rest of the
// validation happens in the engine.
func DecodeEvent(message []byte) (models.Event, error) {
	var event models.Event

	err := json.Unmarshal(message, &event)
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %w", models.ErrInvalidEvent, err)
	}

	if event.Type == "" {
		return models.Event{}, fmt.Errorf("%w: type is required", models.ErrInvalidEvent)
	}

	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	return event, nil
}
