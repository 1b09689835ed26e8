package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxline-ai/voxline/internal/events"
)

// callIDHeader is the request header dialers use to tag an API call with the
// voice call it belongs to.
const callIDHeader = "X-Call-ID"

// responseCapture remembers the status code the handler wrote so the span
// and the completion log can report it.
type responseCapture struct {
	http.ResponseWriter
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the control API with tracing, metrics, and a completion
// log line. Incoming W3C trace context is honoured, so a synthesis request
// shares its trace with the dialer that placed it, and the trace ID is
// echoed back as X-Correlation-ID. A caller that tags the request with
// X-Call-ID gets the call identity threaded through the context, where
// handlers and event emitters pick it up without re-parsing the body.
//
// The duration histogram is labelled with the matched route pattern, not the
// raw URL: several routes embed per-call identifiers, and recording those
// verbatim would give the metric unbounded cardinality.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			callID := r.Header.Get(callIDHeader)
			if callID != "" {
				ctx = events.WithCallID(ctx, callID)
				span.SetAttributes(attribute.String("voxline.call_id", callID))
			}

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(capture, r)

			// The mux fills in Pattern during routing. Requests that missed
			// every route fall back to the raw path.
			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(capture.status))

			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", capture.status),
				slog.Duration("duration", duration),
			}
			if callID != "" {
				attrs = append(attrs, slog.String("call_id", callID))
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
		})
	}
}
