// Package engine turns domain events into workflow executions: it matches
// triggers, evaluates conditions, runs action chains and finalizes records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/condition"
	"github.com/dukex/psaflow/pkg/eventbus"
	"github.com/dukex/psaflow/pkg/events"
	"github.com/dukex/psaflow/pkg/metrics"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/otelhelper"
	"github.com/dukex/psaflow/pkg/persistence"
	"github.com/dukex/psaflow/pkg/trigger"
)

var (
	ErrMissingDefinitions = errors.New("engine requires a definition source")
	ErrMissingRegistry    = errors.New("engine requires an action registry")
	ErrLoadDefinitions    = errors.New("failed to load workflow definitions")
	ErrPersistExecution   = errors.New("failed to persist execution record")
)

// Config carries the engine collaborators. Definitions and Registry are required.
type Config struct {
	Definitions persistence.DefinitionSource
	Executions  persistence.ExecutionSink // Records are not stored when nil
	Stats       persistence.StatsStore    // Stats are not updated when nil
	Registry    *actions.Registry
	Publisher   eventbus.EventPublisher // Completion events are not published when nil
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Clock       func() time.Time
	Metrics     *metrics.Recorder
}

type Engine struct {
	definitions persistence.DefinitionSource
	executions  persistence.ExecutionSink
	stats       persistence.StatsStore
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	clock       func() time.Time
	metrics     *metrics.Recorder

	matcher   *trigger.Matcher
	evaluator *condition.Evaluator
	executor  *actions.Executor

	statsLocks sync.Map // workflow id -> *sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if cfg.Definitions == nil {
		return nil, ErrMissingDefinitions
	}

	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelhelper.DefaultTracer()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		definitions: cfg.Definitions,
		executions:  cfg.Executions,
		stats:       cfg.Stats,
		publisher:   cfg.Publisher,
		tracer:      tracer,
		logger:      logger.With("module", "engine"),
		clock:       clock,
		metrics:     cfg.Metrics,
		matcher:     trigger.NewMatcher(logger),
		evaluator:   condition.New(logger),
		executor:    actions.NewExecutor(cfg.Registry, logger),
	}, nil
}

// Dispatch runs every enabled definition whose trigger matches event and whose
// conditions hold. It returns one record per executed definition, in match
// order. Definitions run concurrently; the actions of one definition run in
// sequence. The error is non-nil when definitions cannot be loaded or when
// records could not be persisted; in the latter case the records are returned too.
func (e *Engine) Dispatch(ctx context.Context, event models.Event) ([]*models.ExecutionRecord, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock()
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.dispatch",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.EventTypeKey, string(event.Type)),
	)
	defer span.End()

	logger := e.logger.With("event_id", event.ID, "event_type", event.Type)

	err := event.Validate()
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	e.metrics.EventReceived(event.Type)

	definitions, err := e.loadDefinitions(ctx, event)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLoadDefinitions, err)
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load workflow definitions", "error", err)

		return nil, err
	}

	candidates := e.matcher.Match(event, definitions)
	data := event.Data()

	passing := make([]*models.WorkflowDefinition, 0, len(candidates))

	for _, definition := range candidates {
		if !e.evaluator.Evaluate(definition.Conditions, data) {
			logger.DebugContext(ctx, "Conditions not met, skipping workflow", "workflow_id", definition.ID)

			continue
		}

		passing = append(passing, definition)
	}

	span.SetAttributes(attribute.Int(otelhelper.MatchedCountKey, len(passing)))
	e.metrics.WorkflowsMatched(event.Type, len(passing))

	if len(passing) == 0 {
		logger.DebugContext(ctx, "No workflow matched event", "candidates", len(candidates))

		return []*models.ExecutionRecord{}, nil
	}

	logger.InfoContext(ctx, "Dispatching event", "workflows", len(passing))

	records := make([]*models.ExecutionRecord, len(passing))
	errs := make([]error, len(passing))

	var wg sync.WaitGroup

	for i, definition := range passing {
		wg.Add(1)

		go func() {
			defer wg.Done()

			records[i], errs[i] = e.run(ctx, definition, event, data)
		}()
	}

	wg.Wait()

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return records, err
}

func (e *Engine) loadDefinitions(ctx context.Context, event models.Event) ([]*models.WorkflowDefinition, error) {
	if event.WorkflowID == "" {
		return e.definitions.Workflows(ctx)
	}

	definition, err := e.definitions.WorkflowByID(ctx, event.WorkflowID)
	if persistence.IsWorkflowNotFound(err) {
		return []*models.WorkflowDefinition{}, nil
	}

	if err != nil {
		return nil, err
	}

	return []*models.WorkflowDefinition{definition}, nil
}

// run executes one definition and finalizes its record.
func (e *Engine) run(ctx context.Context, definition *models.WorkflowDefinition, event models.Event, data map[string]any) (*models.ExecutionRecord, error) {
	record := &models.ExecutionRecord{
		ID:              uuid.NewString(),
		WorkflowID:      definition.ID,
		WorkflowVersion: definition.Version,
		TriggeredBy: models.TriggeredBy{
			EventType: event.Type,
			EventID:   event.ID,
			EntityID:  event.EntityID,
			ActorID:   event.ActorID,
		},
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_workflow",
		attribute.String(otelhelper.WorkflowIDKey, definition.ID),
		attribute.String(otelhelper.WorkflowNameKey, definition.Name),
		attribute.Int(otelhelper.WorkflowVersionKey, definition.Version),
		attribute.String(otelhelper.ExecutionIDKey, record.ID),
	)
	defer span.End()

	logger := e.logger.With(
		"workflow_id", definition.ID,
		"execution_id", record.ID,
		"event_id", event.ID,
	)

	record.StartedAt = e.clock()
	started := time.Now()

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := definition.ExecutionTimeout(); timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	chain := e.executor.Execute(execCtx, definition.Actions, data, actions.Options{
		WorkflowID:      definition.ID,
		ExecutionID:     record.ID,
		Event:           event,
		Policy:          definition.RetryPolicy,
		ContinueOnError: definition.ContinuesOnError(),
	})

	cancel()

	record.FinishedAt = record.StartedAt.Add(time.Since(started))
	record.DurationMs = time.Since(started).Milliseconds()
	record.ActionResults = chain.Results
	record.Status = models.AggregateStatus(chain.Results, chain.TimedOut)
	record.Error = summarize(record, definition)

	otelhelper.SetExecutionStatus(span, record.Status, record.Error)

	logger.InfoContext(ctx, "Workflow execution finished",
		"status", record.Status,
		"duration_ms", record.DurationMs)

	e.metrics.ExecutionFinished(record)

	err := e.finalize(ctx, record, logger)
	if err != nil {
		otelhelper.SetError(span, err)

		return record, err
	}

	e.publish(ctx, record, logger)

	return record, nil
}

// finalize persists the record and, when that worked, folds it into the stats.
func (e *Engine) finalize(ctx context.Context, record *models.ExecutionRecord, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)

	if e.executions != nil {
		err := e.executions.SaveExecution(ctx, record)
		if err != nil {
			e.metrics.PersistenceError("save_execution")
			logger.ErrorContext(ctx, "Failed to persist execution record", "error", err)

			return fmt.Errorf("%w %s of workflow %s: %w", ErrPersistExecution, record.ID, record.WorkflowID, err)
		}
	}

	if e.stats == nil {
		return nil
	}

	unlock := e.lockStats(record.WorkflowID)
	defer unlock()

	stats, err := e.stats.RecordExecution(ctx, record.WorkflowID, record.Outcome())
	if err != nil {
		e.metrics.PersistenceError("record_stats")
		logger.ErrorContext(ctx, "Failed to update workflow stats", "error", err)

		return nil
	}

	logger.DebugContext(ctx, "Workflow stats updated",
		"execution_count", stats.ExecutionCount,
		"avg_execution_ms", stats.AvgExecutionMs)

	return nil
}

func (e *Engine) lockStats(workflowID string) func() {
	mu, _ := e.statsLocks.LoadOrStore(workflowID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()

	return m.Unlock
}

func (e *Engine) publish(ctx context.Context, record *models.ExecutionRecord, logger *slog.Logger) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(context.WithoutCancel(ctx), record.WorkflowID, events.NewWorkflowExecutionCompleted(record))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish execution completed event", "error", err)
	}
}

func summarize(record *models.ExecutionRecord, definition *models.WorkflowDefinition) string {
	switch record.Status {
	case models.ExecutionStatusSuccess:
		return ""
	case models.ExecutionStatusTimeout:
		return fmt.Sprintf("execution exceeded %s", definition.ExecutionTimeout())
	case models.ExecutionStatusFailure, models.ExecutionStatusPartialFailure:
	}

	failed := 0
	first := ""

	for _, result := range record.ActionResults {
		if result.Succeeded() {
			continue
		}

		failed++

		if first == "" && result.Error != "" {
			first = fmt.Sprintf("action %d (%s): %s", result.ActionIndex, result.ActionType, result.Error)
		}
	}

	message := fmt.Sprintf("%d of %d actions did not succeed", failed, len(record.ActionResults))
	if first != "" {
		message += "; " + first
	}

	return message
}
