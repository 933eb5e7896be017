// Package agentctx implements the worker-local ambient context: a
// string-keyed value map carrying tenant identifiers, trace metadata, user
// identity, and feature flags down the agent hierarchy.
//
// Context is strictly worker-local. It never crosses worker boundaries
// implicitly: the owning worker captures a snapshot with Fork (or the
// middleware-aware fold in package middleware) before spawning any task or
// child worker, and the receiving side rebuilds its own Context from the
// snapshot with Init. Do not rely on goroutine-local storage; tool tasks and
// sub-agent workers run on schedulers that do not inherit it.
//
// Values must be treated as ambient and non-persistent. Data that must
// survive persistence and restart belongs in state.State.Metadata instead;
// live handles and closures belong here, never in metadata.
package agentctx

import (
	"context"
	"fmt"

	"goa.design/sagents/runtime/agent/telemetry"
)

// RestoreKey is the reserved snapshot key under which restore functions
// travel. Init pops it before storing the cleaned values.
const RestoreKey = "__restore_fns__"

type (
	// Values is one context snapshot. Snapshots are plain maps so middleware
	// hooks can fold over them without depending on the Context container.
	Values = map[string]any

	// RestoreFunc rebuilds process-local state that cannot be carried by
	// value across a worker boundary (for example, reattaching a trace
	// span). The child worker invokes restore functions during Init with the
	// cleaned snapshot. Failures are logged as warnings and never fail Init.
	RestoreFunc func(ctx context.Context, values Values) error

	// Context is the ambient value map owned by one worker. All methods are
	// called only from the owning worker goroutine or from a task that owns
	// its own Context instance; no internal locking is needed or provided.
	Context struct {
		values Values
	}

	ctxKey struct{}
)

// New constructs a Context initialized with a copy of the given values.
// Restore functions present in the snapshot are not executed; use Init for
// snapshots produced by Fork.
func New(values Values) *Context {
	c := &Context{values: make(Values, len(values))}
	for k, v := range values {
		if k == RestoreKey {
			continue
		}
		c.values[k] = v
	}
	return c
}

// Init builds a Context from a forked snapshot: it pops the restore
// functions, stores the cleaned values, then invokes each restore function
// with the clean snapshot. Restore failures (errors or panics) are logged as
// warnings and do not fail Init.
func Init(ctx context.Context, values Values, logger telemetry.Logger) *Context {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	fns, _ := values[RestoreKey].([]RestoreFunc)
	c := New(values)
	for i, fn := range fns {
		if err := runRestore(ctx, fn, c.values); err != nil {
			logger.Warn(ctx, "context restore function failed", "index", i, "error", err.Error())
		}
	}
	return c
}

func runRestore(ctx context.Context, fn RestoreFunc, values Values) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, values)
}

// Snapshot returns a shallow copy of the current values. Mutating the copy
// does not affect the Context.
func (c *Context) Snapshot() Values {
	out := make(Values, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Fetch returns the value stored under key, or def when absent.
func (c *Context) Fetch(key string, def any) any {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Get returns the value stored under key and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Put stores a value under key.
func (c *Context) Put(key string, value any) {
	c.values[key] = value
}

// Merge stores every entry of m, overwriting existing keys.
func (c *Context) Merge(m Values) {
	for k, v := range m {
		c.values[k] = v
	}
}

// Fork snapshots the current values for hand-off to a task or child worker.
// When transform is non-nil it receives the snapshot and returns the map to
// hand off; returning nil keeps the untransformed snapshot.
func (c *Context) Fork(transform func(Values) Values) Values {
	snap := c.Snapshot()
	if transform != nil {
		if out := transform(snap); out != nil {
			return out
		}
	}
	return snap
}

// AddRestoreFunc appends a restore function to the snapshot and returns it.
// Middleware on_fork_context hooks use this to attach side-effect closures
// that the child worker executes during Init.
func AddRestoreFunc(values Values, fn RestoreFunc) Values {
	fns, _ := values[RestoreKey].([]RestoreFunc)
	values[RestoreKey] = append(fns, fn)
	return values
}

// WithContext attaches the Context to a standard context so tool tasks can
// read ambient values through the ctx they receive.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext extracts the Context attached by WithContext, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(ctxKey{}).(*Context)
	return c
}
