package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxline-ai/voxline/internal/events"
)

// tracerName is the instrumentation scope under which voxline spans are
// recorded.
const tracerName = "github.com/voxline-ai/voxline"

// Tracer returns the voxline tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the voxline tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" outside a span. The trace
// ID doubles as the correlation identifier in logs and in the
// X-Correlation-ID response header, so one value follows a synthesis request
// from the dialer through every subsystem.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default slog logger pre-tagged with whatever identity
// ctx carries: trace_id and span_id from the active span, and call_id when
// the context belongs to a voice call. Subsystems log through this so a
// call's lines can be pulled together across engine, cache, and carrier.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if callID := events.CallID(ctx); callID != "" {
		l = l.With(slog.String("call_id", callID))
	}
	return l
}
