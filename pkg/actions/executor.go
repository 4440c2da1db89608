package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/template"
)

// Options configure one chain run.
type Options struct {
	WorkflowID      string
	ExecutionID     string
	Event           models.Event
	Policy          models.RetryPolicy // Used for actions without their own policy
	ContinueOnError bool
}

// ChainResult holds exactly one result per action, in declared order.
// TimedOut is set when the execution context ended before the chain did.
type ChainResult struct {
	Results  []models.ActionResult
	TimedOut bool
}

type Executor struct {
	registry *Registry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		registry: registry,
		logger:   logger.With("module", "action_executor"),
		sleep:    sleepContext,
	}
}

// Execute runs actions sequentially against data (the event document).
// Outputs of finished slots are exposed to later ones as steps[i].
func (e *Executor) Execute(ctx context.Context, specs []models.ActionSpec, data map[string]any, opts Options) ChainResult {
	result := ChainResult{Results: make([]models.ActionResult, 0, len(specs))}

	scope := make(map[string]any, len(data)+1)
	maps.Copy(scope, data)

	steps := make([]any, 0, len(specs))
	stopped := false

	for i, spec := range specs {
		if !stopped && ctx.Err() != nil {
			result.TimedOut = true
			stopped = true

			e.logger.WarnContext(ctx, "Execution deadline reached, skipping remaining actions",
				"workflow_id", opts.WorkflowID,
				"execution_id", opts.ExecutionID,
				"action_index", i)
		}

		if stopped {
			slot := models.ActionResult{
				ActionIndex: i,
				ActionType:  spec.Type,
				Status:      models.ActionStatusSkipped,
			}
			result.Results = append(result.Results, slot)
			steps = append(steps, stepView(slot))

			continue
		}

		scope["steps"] = steps
		slot := e.runSlot(ctx, i, spec, scope, opts)

		result.Results = append(result.Results, slot)
		steps = append(steps, stepView(slot))

		switch {
		case slot.Succeeded():
		case ctx.Err() != nil:
			result.TimedOut = true
			stopped = true
		case !opts.ContinueOnError:
			stopped = true
		}
	}

	return result
}

func (e *Executor) runSlot(ctx context.Context, index int, spec models.ActionSpec, scope map[string]any, opts Options) models.ActionResult {
	start := time.Now()
	slot := models.ActionResult{ActionIndex: index, ActionType: spec.Type}

	logger := e.logger.With(
		"workflow_id", opts.WorkflowID,
		"execution_id", opts.ExecutionID,
		"action_index", index,
		"action_type", spec.Type,
	)

	fail := func(err error, attempts int) models.ActionResult {
		slot.Status = models.ActionStatusFailure
		slot.Error = err.Error()
		slot.Attempts = attempts
		slot.DurationMs = time.Since(start).Milliseconds()

		logger.ErrorContext(ctx, "Action failed", "attempts", attempts, "error", err)

		return slot
	}

	handler, ok := e.registry.Handler(spec.Type)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrUnknownActionType, spec.Type), 1)
	}

	config := template.Substitute(spec.Config, scope)

	if err := e.registry.Validate(spec.Type, config); err != nil {
		return fail(err, 1)
	}

	policy := spec.Policy(opts.Policy)

	actx := &ActionContext{
		WorkflowID:  opts.WorkflowID,
		ExecutionID: opts.ExecutionID,
		ActionIndex: index,
		ActionName:  spec.Name,
		Event:       opts.Event,
		Logger:      logger,
	}

	var lastErr error

	for attempt := 1; ; attempt++ {
		actx.Attempt = attempt
		slot.Attempts = attempt

		output, err := e.attempt(ctx, handler, config, actx, policy.AttemptTimeout())
		if err == nil {
			if output == nil {
				output = map[string]any{}
			}

			slot.Status = models.ActionStatusSuccess
			slot.Output = output
			slot.DurationMs = time.Since(start).Milliseconds()

			logger.InfoContext(ctx, "Action succeeded", "attempts", attempt, "duration_ms", slot.DurationMs)

			return slot
		}

		lastErr = err

		if IsPermanent(err) || attempt > policy.MaxRetries || ctx.Err() != nil {
			break
		}

		logger.WarnContext(ctx, "Action attempt failed, retrying",
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"error", err)

		if err := e.sleep(ctx, policy.RetryDelay()); err != nil {
			break
		}
	}

	slot = fail(lastErr, slot.Attempts)
	if errors.Is(lastErr, ErrAttemptTimeout) || errors.Is(lastErr, context.DeadlineExceeded) {
		slot.Status = models.ActionStatusTimeout
	}

	return slot
}

type attemptResult struct {
	output map[string]any
	err    error
}

// attempt abandons the handler when its timeout or the execution context
// ends first; the handler's context is cancelled and its result discarded.
func (e *Executor) attempt(ctx context.Context, handler Handler, config map[string]any, actx *ActionContext, timeout time.Duration) (map[string]any, error) {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)

	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	attemptActx := *actx
	done := make(chan attemptResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()

		output, err := handler.Execute(attemptCtx, maps.Clone(config), &attemptActx)
		done <- attemptResult{output: output, err: err}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

func stepView(slot models.ActionResult) map[string]any {
	output := slot.Output
	if output == nil {
		output = map[string]any{}
	}

	return map[string]any{
		"type":   string(slot.ActionType),
		"status": string(slot.Status),
		"output": output,
		"error":  slot.Error,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
