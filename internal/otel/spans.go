package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for nanoclaw spans.
var (
	AttrJID         = attribute.Key("nanoclaw.jid")
	AttrTaskID      = attribute.Key("nanoclaw.task.id")
	AttrContainer   = attribute.Key("nanoclaw.container.name")
	AttrSessionID   = attribute.Key("nanoclaw.session.id")
	AttrGroupFolder = attribute.Key("nanoclaw.group.folder")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the Docker
// daemon, a channel send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
