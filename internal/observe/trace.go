package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every livestudio span.
const tracerName = "github.com/studiogen/livestudio"

// Span names for the live session lifecycle.
const (
	SpanSessionStart = "livesession.start"
	SpanSessionStop  = "livesession.stop"
)

// Tracer returns the livestudio tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the livestudio tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type sessionKey struct{}

// WithSessionID returns a copy of ctx tagged with the live session id. Spans
// started with [StartSessionSpan] and loggers from [Logger] pick it up.
func WithSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the live session id carried by ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartSessionSpan starts an internal span for a session lifecycle operation.
// The session id from ctx is attached as session_id alongside attrs. When ctx
// already carries a span (an HTTP request, say) the new span joins its trace,
// so the request's X-Correlation-ID also identifies the session operation.
func StartSessionSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, attribute.String("session_id", id))
	}
	return StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. The HTTP layer echoes it as X-Correlation-ID so an operator can quote
// it when reporting a failed session start.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with whatever ctx carries:
// trace_id and span_id from an active span, and session_id from
// [WithSessionID].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
