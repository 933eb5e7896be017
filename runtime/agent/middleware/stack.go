package middleware

import (
	"context"
	"fmt"
	"strings"

	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/telemetry"
	"goa.design/sagents/runtime/agent/tools"
)

// InitAll runs each entry's Init capability in list order, replacing the
// entry config with the normalized result. The first failure aborts with an
// error naming the entry. Duplicate entry IDs are a configuration error.
func InitAll(ctx context.Context, entries []*Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = e.Middleware.Name()
		}
		if _, ok := seen[e.ID]; ok {
			return fmt.Errorf("duplicate middleware id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
		init, ok := e.Middleware.(Initializer)
		if !ok {
			continue
		}
		cfg, err := init.Init(ctx, e.Config)
		if err != nil {
			return fmt.Errorf("middleware %q: init: %w", e.ID, err)
		}
		if cfg != nil {
			e.Config = cfg
		}
	}
	return nil
}

// AssembleSystemPrompt joins the base prompt with each entry's fragments in
// list order, separated by blank lines. Empty fragments are skipped.
func AssembleSystemPrompt(base string, entries []*Entry) string {
	parts := make([]string, 0, len(entries)+1)
	if base != "" {
		parts = append(parts, base)
	}
	for _, e := range entries {
		sp, ok := e.Middleware.(SystemPrompter)
		if !ok {
			continue
		}
		for _, frag := range sp.SystemPrompt(e.Config) {
			if frag != "" {
				parts = append(parts, frag)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// AssembleTools builds the agent tool set: user-supplied tools first, then
// each entry's contributions in list order. Duplicate names fail with
// tools.ErrDuplicateTool.
func AssembleTools(user []*tools.Tool, entries []*Entry) (*tools.Set, error) {
	set, err := tools.NewSet(user...)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		tp, ok := e.Middleware.(ToolProvider)
		if !ok {
			continue
		}
		for _, t := range tp.Tools(e.Config) {
			if err := set.Add(t); err != nil {
				return nil, fmt.Errorf("middleware %q: %w", e.ID, err)
			}
		}
	}
	return set, nil
}

// CollectCallbacks gathers every entry's LLM-event handlers keyed by event
// name, preserving entry order within each event.
func CollectCallbacks(entries []*Entry) map[string][]Callback {
	out := make(map[string][]Callback)
	for _, e := range entries {
		cp, ok := e.Middleware.(CallbackProvider)
		if !ok {
			continue
		}
		for name, cb := range cp.Callbacks(e.Config) {
			if cb != nil {
				out[name] = append(out[name], cb)
			}
		}
	}
	return out
}

// ForkWithMiddleware snapshots the context and folds each entry's
// OnForkContext hook over it in list order. A panicking hook is logged and
// skipped, leaving the snapshot as the previous hook left it.
func ForkWithMiddleware(ctx context.Context, c *agentctx.Context, entries []*Entry, logger telemetry.Logger) agentctx.Values {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	values := c.Fork(nil)
	for _, e := range entries {
		cf, ok := e.Middleware.(ContextForker)
		if !ok {
			continue
		}
		out, err := safeFork(ctx, cf, values, e.Config)
		if err != nil {
			logger.Warn(ctx, "on_fork_context hook failed", "middleware", e.ID, "error", err.Error())
			continue
		}
		if out != nil {
			values = out
		}
	}
	return values
}

func safeFork(ctx context.Context, cf ContextForker, values agentctx.Values, cfg Config) (out agentctx.Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return cf.OnForkContext(ctx, values, cfg), nil
}

// CollectActionRequests asks every ToolApprover entry, in list order, which
// of the given tool calls need human approval before executing.
func CollectActionRequests(entries []*Entry, calls []*model.ToolCall) []*state.ActionRequest {
	var reqs []*state.ActionRequest
	for _, e := range entries {
		ta, ok := e.Middleware.(ToolApprover)
		if !ok {
			continue
		}
		reqs = append(reqs, ta.PendingApproval(calls, e.Config)...)
	}
	return reqs
}

// RunBeforeModel invokes each entry's BeforeModel hook in list order. A
// returned error short-circuits and is surfaced to the pipeline; a panic is
// logged and treated as a pass-through.
func RunBeforeModel(ctx context.Context, entries []*Entry, st *state.State, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	for _, e := range entries {
		bm, ok := e.Middleware.(BeforeModeler)
		if !ok {
			continue
		}
		err, panicked := safeState(ctx, func() error { return bm.BeforeModel(ctx, st, e.Config) })
		if panicked != nil {
			logger.Warn(ctx, "before_model hook panicked", "middleware", e.ID, "error", panicked.Error())
			continue
		}
		if err != nil {
			return fmt.Errorf("middleware %q: before_model: %w", e.ID, err)
		}
	}
	return nil
}

// RunAfterModel invokes each entry's AfterModel hook in reverse list order.
// The first non-nil interrupt or error short-circuits; a panic is logged and
// treated as a pass-through.
func RunAfterModel(ctx context.Context, entries []*Entry, st *state.State, logger telemetry.Logger) (*state.Interrupt, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		am, ok := e.Middleware.(AfterModeler)
		if !ok {
			continue
		}
		var intr *state.Interrupt
		err, panicked := safeState(ctx, func() error {
			var hookErr error
			intr, hookErr = am.AfterModel(ctx, st, e.Config)
			return hookErr
		})
		if panicked != nil {
			logger.Warn(ctx, "after_model hook panicked", "middleware", e.ID, "error", panicked.Error())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("middleware %q: after_model: %w", e.ID, err)
		}
		if intr != nil {
			if intr.Kind == "" {
				intr.Kind = state.KindMiddleware
			}
			return intr, nil
		}
	}
	return nil, nil
}

// DispatchMessage routes a middleware message to the entry with the given id.
// The boolean reports whether a handler was found; unknown ids are the
// caller's to log and drop. Handler panics are logged and swallowed.
func DispatchMessage(ctx context.Context, entries []*Entry, id string, msg any, st *state.State, logger telemetry.Logger) (bool, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		mh, ok := e.Middleware.(MessageHandler)
		if !ok {
			return false, nil
		}
		err, panicked := safeState(ctx, func() error { return mh.HandleMessage(ctx, msg, st, e.Config) })
		if panicked != nil {
			logger.Warn(ctx, "handle_message hook panicked", "middleware", e.ID, "error", panicked.Error())
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// RunOnServerStart notifies each entry's ServerStarter hook once, in list
// order, when the owning worker starts. Failures and panics are logged and
// never abort startup.
func RunOnServerStart(ctx context.Context, entries []*Entry, st *state.State, logger telemetry.Logger) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	for _, e := range entries {
		ss, ok := e.Middleware.(ServerStarter)
		if !ok {
			continue
		}
		err, panicked := safeState(ctx, func() error { return ss.OnServerStart(ctx, st, e.Config) })
		if panicked != nil {
			logger.Warn(ctx, "on_server_start hook panicked", "middleware", e.ID, "error", panicked.Error())
			continue
		}
		if err != nil {
			logger.Warn(ctx, "on_server_start hook failed", "middleware", e.ID, "error", err.Error())
		}
	}
}

func safeState(_ context.Context, fn func() error) (err error, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			err, panicked = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(), nil
}
