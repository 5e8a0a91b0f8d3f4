package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for polecat spans and metrics.
var (
	AttrTaskID          = attribute.Key("polecat.task.id")
	AttrWorkerID        = attribute.Key("polecat.worker.id")
	AttrProject         = attribute.Key("polecat.project")
	AttrBranch          = attribute.Key("polecat.branch")
	AttrAttempt         = attribute.Key("polecat.attempt")
	AttrIntegrationKind = attribute.Key("polecat.integration.kind")
	AttrOutcome         = attribute.Key("polecat.outcome")
)

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (git, executor process).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
