package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the turnlog tracer.
const tracerName = "github.com/MrWong99/turnlog"

// SpeechIDKey is the span attribute and log key carrying a turn's speech id.
const SpeechIDKey = "speech_id"

type speechIDCtxKey struct{}

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done. When ctx carries a speech id (see
// [WithSpeechID]) it is added as a span attribute.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SpeechID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(SpeechIDKey, id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// WithSpeechID returns a copy of ctx tagged with the turn's speech id.
func WithSpeechID(ctx context.Context, speechID string) context.Context {
	return context.WithValue(ctx, speechIDCtxKey{}, speechID)
}

// SpeechID returns the speech id stored by [WithSpeechID], or "".
func SpeechID(ctx context.Context) string {
	id, _ := ctx.Value(speechIDCtxKey{}).(string)
	return id
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from the
// span context in ctx, plus speech_id when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SpeechID(ctx); id != "" {
		l = l.With(slog.String(SpeechIDKey, id))
	}
	return l
}
