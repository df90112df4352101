package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for autoissue spans.
var (
	AttrIssueNumber = attribute.Key("autoissue.issue.number")
	AttrSessionID   = attribute.Key("autoissue.session.id")
	AttrWorkerID    = attribute.Key("autoissue.worker.id")
	AttrRepo        = attribute.Key("autoissue.repo")
	AttrOutcome     = attribute.Key("autoissue.run.outcome")
	AttrRetryKind   = attribute.Key("autoissue.retry.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (tracker CLI, agent process).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
