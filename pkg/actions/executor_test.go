package actions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/psaflow/pkg/models"
)

const (
	actionA models.ActionType = "A"
	actionB models.ActionType = "B"
)

var errBoom = errors.New("boom")

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()

	return ctx.Err()
}

func newTestExecutor(t *testing.T) (*Executor, *Registry, *sleepRecorder) {
	t.Helper()

	registry := NewRegistry(nil)
	executor := NewExecutor(registry, nil)
	recorder := &sleepRecorder{}
	executor.sleep = recorder.sleep

	return executor, registry, recorder
}

func statuses(result ChainResult) []models.ActionStatus {
	out := make([]models.ActionStatus, 0, len(result.Results))
	for _, r := range result.Results {
		out = append(out, r.Status)
	}

	return out
}

func TestExecute_ChainIsolation(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	var bCalls atomic.Int32

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		return nil, errBoom
	})
	registry.RegisterFunc(actionB, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		bCalls.Add(1)

		return map[string]any{"ok": true}, nil
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: actionA}, {Type: actionB}},
		map[string]any{},
		Options{ContinueOnError: true},
	)

	assert.Equal(t, []models.ActionStatus{models.ActionStatusFailure, models.ActionStatusSuccess}, statuses(result))
	assert.Equal(t, int32(1), bCalls.Load())
	assert.Equal(t, "boom", result.Results[0].Error)
	assert.Equal(t, map[string]any{"ok": true}, result.Results[1].Output)
	assert.False(t, result.TimedOut)

	for i, r := range result.Results {
		assert.Equal(t, i, r.ActionIndex)
	}
}

func TestExecute_StopOnErrorSkipsRemaining(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	var bCalls atomic.Int32

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		return nil, errBoom
	})
	registry.RegisterFunc(actionB, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		bCalls.Add(1)

		return nil, nil
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: actionA}, {Type: actionB}, {Type: actionB}},
		map[string]any{},
		Options{ContinueOnError: false},
	)

	assert.Equal(t, []models.ActionStatus{
		models.ActionStatusFailure,
		models.ActionStatusSkipped,
		models.ActionStatusSkipped,
	}, statuses(result))
	assert.Equal(t, int32(0), bCalls.Load())
	assert.False(t, result.TimedOut)
}

func TestExecute_RetryBound(t *testing.T) {
	executor, registry, recorder := newTestExecutor(t)

	var calls atomic.Int32

	registry.RegisterFunc(actionA, func(_ context.Context, _ map[string]any, actx *ActionContext) (map[string]any, error) {
		calls.Add(1)
		assert.Equal(t, int(calls.Load()), actx.Attempt)

		return nil, errBoom
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: actionA}},
		map[string]any{},
		Options{Policy: models.RetryPolicy{MaxRetries: 2, RetryDelaySeconds: 5}},
	)

	require.Len(t, result.Results, 1)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, result.Results[0].Attempts)
	assert.Equal(t, models.ActionStatusFailure, result.Results[0].Status)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, recorder.delays)
}

func TestExecute_ActionPolicyOverridesDefinition(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	var calls atomic.Int32

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		if calls.Add(1) < 2 {
			return nil, errBoom
		}

		return map[string]any{}, nil
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: actionA, RetryPolicy: &models.RetryPolicy{MaxRetries: 1}}},
		map[string]any{},
		Options{Policy: models.RetryPolicy{MaxRetries: 0}},
	)

	assert.Equal(t, models.ActionStatusSuccess, result.Results[0].Status)
	assert.Equal(t, 2, result.Results[0].Attempts)
}

func TestExecute_PermanentErrorsAreNotRetried(t *testing.T) {
	executor, registry, recorder := newTestExecutor(t)

	var calls atomic.Int32

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		calls.Add(1)

		return nil, Permanent(errBoom)
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: actionA}},
		map[string]any{},
		Options{Policy: models.RetryPolicy{MaxRetries: 5}},
	)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, result.Results[0].Attempts)
	assert.Equal(t, models.ActionStatusFailure, result.Results[0].Status)
	assert.Empty(t, recorder.delays)
}

func TestExecute_UnknownTypeFailsImmediately(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	registry.RegisterFunc(actionB, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		return map[string]any{}, nil
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: "NOPE"}, {Type: actionB}},
		map[string]any{},
		Options{Policy: models.RetryPolicy{MaxRetries: 3}, ContinueOnError: true},
	)

	assert.Equal(t, []models.ActionStatus{models.ActionStatusFailure, models.ActionStatusSuccess}, statuses(result))
	assert.Equal(t, 1, result.Results[0].Attempts)
	assert.Contains(t, result.Results[0].Error, ErrUnknownActionType.Error())
}

func TestExecute_SchemaViolationFailsWithoutCallingHandler(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	var calls atomic.Int32

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"to": map[string]any{"type": "string", "minLength": 1}},
		"required":   []string{"to"},
	}

	require.NoError(t, registry.Register(NewHandler(actionA, schema, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		calls.Add(1)

		return map[string]any{}, nil
	})))

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{
			{Type: actionA, Config: map[string]any{"to": "{{payload.missing}}"}},
			{Type: actionA, Config: map[string]any{"to": "{{payload.email}}"}},
		},
		map[string]any{"payload": map[string]any{"email": "a@example.com"}},
		Options{Policy: models.RetryPolicy{MaxRetries: 3}, ContinueOnError: true},
	)

	assert.Equal(t, []models.ActionStatus{models.ActionStatusFailure, models.ActionStatusSuccess}, statuses(result))
	assert.Equal(t, 1, result.Results[0].Attempts)
	assert.Contains(t, result.Results[0].Error, ErrInvalidConfig.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_SubstitutesEventAndStepOutputs(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	var received map[string]any

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		return map[string]any{"taskId": "task-7"}, nil
	})
	registry.RegisterFunc(actionB, func(_ context.Context, config map[string]any, _ *ActionContext) (map[string]any, error) {
		received = config

		return config, nil
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{
			{Type: actionA},
			{Type: actionB, Config: map[string]any{
				"task":    "{{steps[0].output.taskId}}",
				"status":  "{{steps[0].status}}",
				"message": "Project {{entityId}} done",
			}},
		},
		map[string]any{"entityId": "proj-1"},
		Options{},
	)

	assert.Equal(t, []models.ActionStatus{models.ActionStatusSuccess, models.ActionStatusSuccess}, statuses(result))
	assert.Equal(t, map[string]any{
		"task":    "task-7",
		"status":  "SUCCESS",
		"message": "Project proj-1 done",
	}, received)
}

func TestExecute_AttemptTimeout(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	cancelled := make(chan struct{})

	registry.RegisterFunc(actionA, func(ctx context.Context, _ map[string]any, _ *ActionContext) (map[string]any, error) {
		<-ctx.Done()
		close(cancelled)

		return nil, ctx.Err()
	})

	result := executor.Execute(context.Background(),
		[]models.ActionSpec{{Type: actionA}},
		map[string]any{},
		Options{Policy: models.RetryPolicy{TimeoutSeconds: 1}},
	)

	assert.Equal(t, models.ActionStatusTimeout, result.Results[0].Status)
	assert.Equal(t, 1, result.Results[0].Attempts)
	assert.False(t, result.TimedOut)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestExecute_ExecutionDeadlineSkipsRemaining(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	var bCalls atomic.Int32

	registry.RegisterFunc(actionA, func(ctx context.Context, _ map[string]any, _ *ActionContext) (map[string]any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
	registry.RegisterFunc(actionB, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		bCalls.Add(1)

		return map[string]any{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := executor.Execute(ctx,
		[]models.ActionSpec{{Type: actionA}, {Type: actionB}},
		map[string]any{},
		Options{Policy: models.RetryPolicy{MaxRetries: 3}, ContinueOnError: true},
	)

	assert.True(t, result.TimedOut)
	assert.Equal(t, []models.ActionStatus{models.ActionStatusTimeout, models.ActionStatusSkipped}, statuses(result))
	assert.Equal(t, 1, result.Results[0].Attempts)
	assert.Equal(t, int32(0), bCalls.Load())
}

func TestExecute_ExpiredContextSkipsEverything(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		t.Error("handler must not run")

		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := executor.Execute(ctx, []models.ActionSpec{{Type: actionA}, {Type: actionA}}, map[string]any{}, Options{})

	assert.True(t, result.TimedOut)
	assert.Equal(t, []models.ActionStatus{models.ActionStatusSkipped, models.ActionStatusSkipped}, statuses(result))
}

func TestExecute_HandlerPanicIsAFailure(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	registry.RegisterFunc(actionA, func(context.Context, map[string]any, *ActionContext) (map[string]any, error) {
		panic("handler bug")
	})

	result := executor.Execute(context.Background(), []models.ActionSpec{{Type: actionA}}, map[string]any{}, Options{})

	assert.Equal(t, models.ActionStatusFailure, result.Results[0].Status)
	assert.Contains(t, result.Results[0].Error, "handler bug")
}

func TestExecute_EmptyChain(t *testing.T) {
	executor, _, _ := newTestExecutor(t)

	result := executor.Execute(context.Background(), nil, nil, Options{})

	assert.Empty(t, result.Results)
	assert.False(t, result.TimedOut)
}
