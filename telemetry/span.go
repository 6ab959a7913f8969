// Package telemetry wraps the OpenTelemetry trace API with the handful of
// helpers the router and agent runtime need: restoring a span across the
// bus's async boundary, marking events, and recording errors. No SDK or
// exporter is wired here — the metrics exposition endpoint is an external
// collaborator (§1), not part of this package.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "testorch-coordinator"

// StartLinkedSpan creates a span for name, linked to the trace/span pair a
// message carried across the bus. If traceID or parentSpanID are empty or
// malformed, it still returns a valid (unlinked) span — workers must not
// fail message processing over missing trace context.
func StartLinkedSpan(ctx context.Context, name string, traceID string, parentSpanID string, attributes map[string]string) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	var opts []trace.SpanStartOption

	if traceID != "" && parentSpanID != "" {
		tid, tidErr := trace.TraceIDFromHex(traceID)
		sid, sidErr := trace.SpanIDFromHex(parentSpanID)
		if tidErr == nil && sidErr == nil {
			parentSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			})
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: parentSC,
				Attributes:  []attribute.KeyValue{attribute.String("link.type", "bus_message")},
			}))
		}
	}

	ctx, span := tracer.Start(ctx, name, opts...)
	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}
	return ctx, func() { span.End() }
}

// AddSpanEvent marks a point in time within the current span. Safe to call
// with no span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records err on the current span and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
