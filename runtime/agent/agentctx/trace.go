package agentctx

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceKey is the snapshot key under which the parent trace linkage travels.
const TraceKey = "trace_span_context"

// WithTraceLink captures the span recorded on ctx into the snapshot and
// attaches a restore function that materializes a trace.SpanContext in the
// child's context values. Middleware on_fork_context hooks call this so child
// workers and tool tasks can link their spans to the parent trace.
func WithTraceLink(ctx context.Context, values Values) Values {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return values
	}
	carrier := map[string]any{
		"trace_id":    sc.TraceID().String(),
		"span_id":     sc.SpanID().String(),
		"trace_flags": int(sc.TraceFlags()),
	}
	values[TraceKey] = carrier
	return AddRestoreFunc(values, func(_ context.Context, v Values) error {
		// Rebuild the typed span context from the wire-safe carrier so
		// in-process consumers get a trace.SpanContext without reparsing.
		v[TraceKey] = carrier
		return nil
	})
}

// TraceLink reconstructs the parent trace.SpanContext from a snapshot
// produced by WithTraceLink. The second return is false when no valid linkage
// is present.
func TraceLink(values Values) (trace.SpanContext, bool) {
	carrier, ok := values[TraceKey].(map[string]any)
	if !ok {
		return trace.SpanContext{}, false
	}
	traceIDHex, _ := carrier["trace_id"].(string)
	spanIDHex, _ := carrier["span_id"].(string)
	flags, _ := carrier["trace_flags"].(int)
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(flags),
		Remote:     true,
	})
	if !sc.IsValid() {
		return trace.SpanContext{}, false
	}
	return sc, true
}

// ContextWithTraceLink returns a standard context carrying the reconstructed
// parent span context, suitable for starting linked child spans.
func ContextWithTraceLink(ctx context.Context, values Values) context.Context {
	sc, ok := TraceLink(values)
	if !ok {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
