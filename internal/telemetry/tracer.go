// Package telemetry wraps the OpenTelemetry tracing API used to annotate
// envelope dispatch with a span per event. Grounded on the teacher's
// telemetry package (OTelEventListener's tracer.Start/attribute/codes
// usage), trimmed to span creation only: the concrete exporter/SDK wiring
// (OTLP/HTTP, resource detection) is a deployment concern left to whatever
// process embeds this module, so by default — with no TracerProvider
// registered via otel.SetTracerProvider — every span is a no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/haiprotocol/haip"

// Tracer returns the named tracer from the globally registered
// TracerProvider. With no provider registered it is the no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartDispatch opens a span around routing a single inbound envelope,
// tagged with the identifiers an operator would filter a trace backend by.
func StartDispatch(ctx context.Context, sessionID, transaction, eventType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "haip.dispatch", trace.WithAttributes(
		attribute.String("haip.session", sessionID),
		attribute.String("haip.transaction", transaction),
		attribute.String("haip.event_type", eventType),
	))
}

// End closes a dispatch span, recording err as the span's status when
// non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
