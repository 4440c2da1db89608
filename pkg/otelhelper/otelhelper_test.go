package otelhelper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanAndSetError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	_, span := otelhelper.StartSpan(context.Background(), tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, "wf-1"))
	otelhelper.SetError(span, errors.New("boom"), attribute.String(otelhelper.ActionTypeKey, "LOG"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String(otelhelper.WorkflowIDKey, "wf-1"))

	var names []string
	for _, event := range spans[0].Events() {
		names = append(names, event.Name)
	}

	assert.Contains(t, names, "exception")
}

func TestSetExecutionStatus(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, ok := otelhelper.StartSpan(context.Background(), tracer, "ok")
	otelhelper.SetExecutionStatus(ok, models.ExecutionStatusSuccess, "")
	ok.End()

	_, partial := otelhelper.StartSpan(context.Background(), tracer, "partial")
	otelhelper.SetExecutionStatus(partial, models.ExecutionStatusPartialFailure, "1 of 2 actions did not succeed")
	otelhelper.SetError(partial, nil)
	partial.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String(otelhelper.ExecutionStatusKey, "SUCCESS"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "1 of 2 actions did not succeed", spans[1].Status().Description)
	assert.Empty(t, spans[1].Events())
}
