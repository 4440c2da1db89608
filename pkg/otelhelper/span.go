package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/psaflow/pkg/models"
)

// SetError records err on span and marks the span failed. attrs are attached
// to the recorded exception event.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetExecutionStatus tags span with the terminal status of a workflow
// execution. Anything but SUCCESS marks the span failed with message.
func SetExecutionStatus(span trace.Span, status models.ExecutionStatus, message string) {
	span.SetAttributes(attribute.String(ExecutionStatusKey, string(status)))

	if status == models.ExecutionStatusSuccess {
		span.SetStatus(codes.Ok, "")

		return
	}

	span.SetStatus(codes.Error, message)
}
