// Package persist declares the optional persistence contracts workers call
// out to. The runtime ships no concrete backend; owner applications implement
// these against their own stores. Persistence is strictly best-effort from
// the worker's point of view: failures are logged and never alter state or
// command flow.
package persist

import (
	"context"
	"errors"

	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
)

// Context says why a persist call is happening.
type Context string

const (
	// OnCompletion follows a successful pipeline run.
	OnCompletion Context = "on_completion"
	// OnError follows a failed pipeline run.
	OnError Context = "on_error"
	// OnInterrupt follows a pause for human input.
	OnInterrupt Context = "on_interrupt"
	// OnTitleGenerated follows conversation title generation.
	OnTitleGenerated Context = "on_title_generated"
	// OnShutdown is the final best-effort persist before termination.
	OnShutdown Context = "on_shutdown"
)

// ErrNotFound is returned by Load when no snapshot exists for the agent, and
// by UpdateToolStatus when the referenced tool execution is unknown.
var ErrNotFound = errors.New("not found")

type (
	// AgentPersistence stores and restores whole serialized states. The
	// serialized form is the versioned JSON document produced by
	// state.State.Serialize.
	AgentPersistence interface {
		// Persist stores one serialized state snapshot.
		Persist(ctx context.Context, agentID string, serialized []byte, pctx Context) error
		// Load returns the latest snapshot or ErrNotFound.
		Load(ctx context.Context, agentID string) ([]byte, error)
	}

	// DisplayMessagePersistence stores the user-facing projection of the
	// conversation and tracks tool execution status. Display history is
	// append-only and may outlive the serialized state.
	DisplayMessagePersistence interface {
		// SaveMessage persists the display projection of one message and
		// returns the saved items.
		SaveMessage(ctx context.Context, conversationID string, msg *model.Message) ([]*state.DisplayItem, error)
		// UpdateToolStatus records a tool execution phase change. Unknown
		// executions return ErrNotFound.
		UpdateToolStatus(ctx context.Context, phase events.ToolPhase, info events.ToolInfo) error
	}
)
