package middleware

import (
	"context"

	"goa.design/sagents/runtime/agent/agentctx"
)

// TracePropagation is a ready-made middleware that carries the active trace
// span across worker boundaries. Its fork hook records the span linkage in
// the snapshot; the child rebuilds it during context init so spans started in
// tool tasks and sub-agent workers link back to the parent trace.
type TracePropagation struct{}

// Name implements Middleware.
func (TracePropagation) Name() string { return "trace_propagation" }

// OnForkContext implements ContextForker.
func (TracePropagation) OnForkContext(ctx context.Context, values agentctx.Values, _ Config) agentctx.Values {
	return agentctx.WithTraceLink(ctx, values)
}
