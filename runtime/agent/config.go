package agent

import (
	"context"
	"errors"
	"fmt"

	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/tools"
)

// DefaultMaxRuns bounds LLM calls per top-level run when Options.MaxRuns is
// zero.
const DefaultMaxRuns = 50

type (
	// Config is the immutable agent configuration, built once per worker
	// start by NewConfig and never mutated afterwards.
	Config struct {
		// ID is the stable agent identifier.
		ID string
		// Name is the human-facing agent name.
		Name string
		// ChatModel is the primary model capability.
		ChatModel *model.Ref
		// FallbackModels are tried in order after a primary model error.
		FallbackModels []*model.Ref
		// BaseSystemPrompt is the caller-supplied prompt base.
		BaseSystemPrompt string
		// AssembledSystemPrompt is the base prompt joined with every
		// middleware contribution in entry order. Computed once here.
		AssembledSystemPrompt string
		// Tools is the assembled tool set: user tools first, then
		// middleware contributions.
		Tools *tools.Set
		// Middleware is the ordered entry list with normalized configs.
		Middleware []*middleware.Entry
		// Callbacks are the assembled LLM-event handlers keyed by event
		// name.
		Callbacks map[string][]middleware.Callback
		// Mode optionally names a registered pipeline mode overriding the
		// default step list. Raw modes bypass middleware steps; the worker
		// logs a warning when one is selected.
		Mode string
		// BeforeFallback optionally rewrites the request before each
		// fallback model attempt.
		BeforeFallback func(ctx context.Context, req *model.Request, next *model.Ref) error
		// MaxRuns bounds LLM calls per top-level run.
		MaxRuns int
	}

	// Options parameterizes NewConfig.
	Options struct {
		// ID is the stable agent identifier. Required.
		ID string
		// Name is the human-facing name. Defaults to ID.
		Name string
		// ChatModel is the primary model. Required with a non-nil client.
		ChatModel *model.Ref
		// FallbackModels are tried in order after a primary error.
		FallbackModels []*model.Ref
		// SystemPrompt is the base system prompt.
		SystemPrompt string
		// Tools are the user-supplied tools.
		Tools []*tools.Tool
		// Middleware is the ordered middleware list.
		Middleware []*middleware.Entry
		// Mode optionally names a registered pipeline mode.
		Mode string
		// BeforeFallback optionally rewrites the request before each
		// fallback attempt.
		BeforeFallback func(ctx context.Context, req *model.Request, next *model.Ref) error
		// MaxRuns bounds LLM calls per run. Defaults to DefaultMaxRuns.
		MaxRuns int
	}
)

// NewConfig assembles an immutable agent configuration: middleware configs
// are validated and normalized, the system prompt is joined, and the tool set
// is merged with duplicate-name detection. Configuration errors abort worker
// startup.
func NewConfig(ctx context.Context, opts Options) (*Config, error) {
	if opts.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.ChatModel == nil || opts.ChatModel.Client == nil {
		return nil, fmt.Errorf("agent %q: chat model is required", opts.ID)
	}
	for i, fb := range opts.FallbackModels {
		if fb == nil || fb.Client == nil {
			return nil, fmt.Errorf("agent %q: fallback model %d has no client", opts.ID, i)
		}
	}
	if opts.MaxRuns < 0 {
		return nil, fmt.Errorf("agent %q: max runs must not be negative", opts.ID)
	}

	if err := middleware.InitAll(ctx, opts.Middleware); err != nil {
		return nil, fmt.Errorf("agent %q: %w", opts.ID, err)
	}
	set, err := middleware.AssembleTools(opts.Tools, opts.Middleware)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", opts.ID, err)
	}

	name := opts.Name
	if name == "" {
		name = opts.ID
	}
	maxRuns := opts.MaxRuns
	if maxRuns == 0 {
		maxRuns = DefaultMaxRuns
	}
	return &Config{
		ID:                    opts.ID,
		Name:                  name,
		ChatModel:             opts.ChatModel,
		FallbackModels:        opts.FallbackModels,
		BaseSystemPrompt:      opts.SystemPrompt,
		AssembledSystemPrompt: middleware.AssembleSystemPrompt(opts.SystemPrompt, opts.Middleware),
		Tools:                 set,
		Middleware:            opts.Middleware,
		Callbacks:             middleware.CollectCallbacks(opts.Middleware),
		Mode:                  opts.Mode,
		BeforeFallback:        opts.BeforeFallback,
		MaxRuns:               maxRuns,
	}, nil
}

// IsRawMode reports whether a non-default pipeline mode is selected. Raw
// modes bypass the middleware steps; approval gating and state propagation
// are not guaranteed under them.
func (c *Config) IsRawMode() bool {
	return c.Mode != "" && c.Mode != "default"
}
