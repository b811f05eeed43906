package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartScenarioSpan starts the parent span for one scenario's sessions.
func StartScenarioSpan(ctx context.Context, tracer trace.Tracer, scenario string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scenario "+scenario,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("wsramp.scenario", scenario)),
	)
}

// StartSessionSpan starts a span covering one virtual user from dial to
// its terminal state.
func StartSessionSpan(ctx context.Context, tracer trace.Tracer, scenario string, id int64, channel string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("wsramp.scenario", scenario),
			attribute.Int64("wsramp.session_id", id),
			attribute.String("messaging.destination.name", channel),
			attribute.String("network.protocol.name", "websocket"),
		),
	)
}

// MarkState records a lifecycle transition on the span.
func MarkState(span trace.Span, state string) {
	span.AddEvent("state", trace.WithAttributes(attribute.String("wsramp.state", state)))
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
