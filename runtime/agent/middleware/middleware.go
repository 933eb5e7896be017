// Package middleware defines the plug-in surface agents are assembled from.
// A middleware contributes prompt fragments, tools, LLM-event callbacks, and
// hooks at fixed points of the execution pipeline. Every capability is
// optional: a middleware implements Middleware plus whichever capability
// interfaces it needs, and the runtime probes with type assertions.
//
// Hook failures are contained. A panic in any hook is recovered, logged, and
// treated as a pass-through; an explicit error return short-circuits the
// remaining hooks and surfaces to the pipeline.
package middleware

import (
	"context"

	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/tools"
)

// Callback event names. Middleware register handlers for these through
// CallbackProvider; the pipeline invokes matching handlers as the model turn
// progresses.
const (
	// CallbackLLMDelta fires for each streaming chunk batch. Payload:
	// []model.Chunk.
	CallbackLLMDelta = "on_llm_delta"
	// CallbackLLMMessage fires when a complete assistant message lands.
	// Payload: *model.Message.
	CallbackLLMMessage = "on_llm_message"
	// CallbackTokenUsage fires with per-call token accounting. Payload:
	// model.TokenUsage.
	CallbackTokenUsage = "on_token_usage"
	// CallbackToolCall fires when a tool call is identified. Payload:
	// *model.ToolCall.
	CallbackToolCall = "on_tool_call"
	// CallbackToolResult fires when a tool result is packaged. Payload:
	// *model.ToolResult.
	CallbackToolResult = "on_tool_result"
)

type (
	// Config is one entry's configuration map. Built once during agent
	// config assembly and never mutated afterwards.
	Config map[string]any

	// Middleware is the marker every plug-in implements. Capabilities are
	// added by implementing the optional interfaces below.
	Middleware interface {
		// Name returns the middleware's stable identifier. Entry IDs
		// default to it.
		Name() string
	}

	// Initializer validates and normalizes an entry's configuration once at
	// agent config assembly. The returned Config replaces the entry's; a nil
	// return keeps the original. Errors abort startup.
	Initializer interface {
		Init(ctx context.Context, cfg Config) (Config, error)
	}

	// SystemPrompter contributes fragments to the assembled system prompt.
	SystemPrompter interface {
		SystemPrompt(cfg Config) []string
	}

	// ToolProvider contributes tools to the agent's assembled tool set.
	ToolProvider interface {
		Tools(cfg Config) []*tools.Tool
	}

	// Callback handles one LLM event. Callbacks observe; they cannot alter
	// the turn.
	Callback func(ctx context.Context, payload any)

	// CallbackProvider registers LLM-event handlers keyed by the Callback*
	// constants.
	CallbackProvider interface {
		Callbacks(cfg Config) map[string]Callback
	}

	// BeforeModeler rewrites state before each model call. Runs in entry
	// list order.
	BeforeModeler interface {
		BeforeModel(ctx context.Context, st *state.State, cfg Config) error
	}

	// AfterModeler rewrites state after each model call. Runs in reverse
	// entry order. A non-nil Interrupt pauses the worker.
	AfterModeler interface {
		AfterModel(ctx context.Context, st *state.State, cfg Config) (*state.Interrupt, error)
	}

	// ToolApprover gates tool calls on human approval. Before tools execute,
	// the pipeline collects action requests from every approver; a non-empty
	// result pauses the run. Each request names the call and the decisions a
	// human may take on it.
	ToolApprover interface {
		PendingApproval(calls []*model.ToolCall, cfg Config) []*state.ActionRequest
	}

	// MessageHandler receives messages routed by agent id and entry id from
	// middleware-spawned background tasks.
	MessageHandler interface {
		HandleMessage(ctx context.Context, msg any, st *state.State, cfg Config) error
	}

	// ServerStarter is notified once when the owning worker starts.
	ServerStarter interface {
		OnServerStart(ctx context.Context, st *state.State, cfg Config) error
	}

	// ContextForker participates in context snapshots handed to child
	// workers and tasks. The hook receives the snapshot built so far and
	// returns the map to continue folding with; returning nil keeps the
	// input.
	ContextForker interface {
		OnForkContext(ctx context.Context, values agentctx.Values, cfg Config) agentctx.Values
	}

	// Entry binds one middleware instance to its configuration. ID defaults
	// to the middleware name; override it to run several instances of the
	// same middleware side by side.
	Entry struct {
		// ID is the entry's routing identifier, unique within one agent.
		ID string
		// Middleware is the plug-in instance.
		Middleware Middleware
		// Config is the entry's configuration, normalized by Init.
		Config Config
	}
)

// NewEntry builds an Entry with the ID defaulted to the middleware name.
func NewEntry(mw Middleware, cfg Config) *Entry {
	return &Entry{ID: mw.Name(), Middleware: mw, Config: cfg}
}
