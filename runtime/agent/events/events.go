// Package events defines the per-agent event stream: the closed set of
// payload kinds published on an agent's main topic, the debug wrapper, and
// the Bus abstraction used to deliver them.
//
// Each agent owns two topics: Topic(id) for client-facing events and
// DebugTopic(id) for full state snapshots and middleware action traces.
// Delivery is best-effort and fire-and-forget; publishing never blocks the
// worker and subscriber failures are isolated from the publisher.
package events

import (
	"encoding/json"

	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
)

// Kind enumerates the closed set of main-topic payload flavors. External
// consumers pattern-match on kinds; existing kinds are stable and additions
// are backward-compatible.
type Kind string

const (
	// KindStatusChanged is emitted on every worker status transition.
	KindStatusChanged Kind = "status_changed"
	// KindLLMDeltas streams incremental model output.
	KindLLMDeltas Kind = "llm_deltas"
	// KindLLMMessage carries one complete assistant message.
	KindLLMMessage Kind = "llm_message"
	// KindLLMTokenUsage reports per-call token accounting.
	KindLLMTokenUsage Kind = "llm_token_usage"
	// KindToolCallIdentified is emitted after a tool call is parsed from the
	// stream.
	KindToolCallIdentified Kind = "tool_call_identified"
	// KindToolExecutionUpdate is the unified tool lifecycle event.
	KindToolExecutionUpdate Kind = "tool_execution_update"
	// KindDisplayMessageSaved reports one persisted display item hand-off.
	KindDisplayMessageSaved Kind = "display_message_saved"
	// KindDisplayMessagesBatchSaved reports a persisted display batch.
	KindDisplayMessagesBatchSaved Kind = "display_messages_batch_saved"
	// KindTodosUpdated carries the replaced todo list.
	KindTodosUpdated Kind = "todos_updated"
	// KindStateRestored is emitted after a worker restores from a snapshot.
	KindStateRestored Kind = "state_restored"
	// KindNodeTransferring brackets the start of a cluster migration.
	KindNodeTransferring Kind = "node_transferring"
	// KindNodeTransferred brackets the end of a cluster migration.
	KindNodeTransferred Kind = "node_transferred"
	// KindAgentShutdown is the terminal event emitted before termination.
	KindAgentShutdown Kind = "agent_shutdown"
	// KindDebug wraps debug-topic payloads.
	KindDebug Kind = "debug"
)

// ToolPhase enumerates tool lifecycle phases for KindToolExecutionUpdate.
type ToolPhase string

const (
	// PhaseExecuting marks tool execution start.
	PhaseExecuting ToolPhase = "executing"
	// PhaseCompleted marks successful completion.
	PhaseCompleted ToolPhase = "completed"
	// PhaseFailed marks failed completion.
	PhaseFailed ToolPhase = "failed"
)

type (
	// Payload is one main-topic event payload.
	Payload interface {
		// EventKind returns the payload's stable kind.
		EventKind() Kind
	}

	// Envelope is the published unit: the agent identifier plus one payload.
	Envelope struct {
		// Agent is the publishing agent's identifier.
		Agent string `json:"agent"`
		// Payload is the event payload.
		Payload Payload `json:"payload"`
	}

	// StatusChanged reports a worker status transition.
	StatusChanged struct {
		// NewStatus is the status entered.
		NewStatus string `json:"new_status"`
		// Detail optionally carries transition context: the interrupt record
		// on Interrupted, the error text on Error.
		Detail any `json:"detail,omitempty"`
	}

	// LLMDeltas carries a batch of streaming chunks.
	LLMDeltas struct {
		// Deltas are the chunks in provider order.
		Deltas []model.Chunk `json:"deltas"`
	}

	// LLMMessage carries one complete assistant message.
	LLMMessage struct {
		Message *model.Message `json:"message"`
	}

	// LLMTokenUsage reports token accounting for one model call.
	LLMTokenUsage struct {
		Usage model.TokenUsage `json:"usage"`
	}

	// ToolInfo describes one tool invocation for tool lifecycle events.
	ToolInfo struct {
		// CallID is the tool call identifier.
		CallID string `json:"call_id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Arguments is the canonical JSON argument payload.
		Arguments json.RawMessage `json:"arguments,omitempty"`
		// DisplayText is the optional human-facing call description.
		DisplayText string `json:"display_text,omitempty"`
		// Error carries the failure text on PhaseFailed.
		Error string `json:"error,omitempty"`
		// DurationMs is the wall-clock execution time, set on terminal
		// phases.
		DurationMs int64 `json:"duration_ms,omitempty"`
	}

	// ToolCallIdentified is emitted once a tool call has been parsed from
	// the model stream.
	ToolCallIdentified struct {
		Tool ToolInfo `json:"tool"`
	}

	// ToolExecutionUpdate is the unified tool lifecycle event. For every
	// call, PhaseExecuting precedes exactly one of PhaseCompleted or
	// PhaseFailed.
	ToolExecutionUpdate struct {
		Phase ToolPhase `json:"phase"`
		Tool  ToolInfo  `json:"tool"`
	}

	// DisplayMessageSaved reports one display item persisted through the
	// display persistence callback.
	DisplayMessageSaved struct {
		Item *state.DisplayItem `json:"item"`
	}

	// DisplayMessagesBatchSaved reports a batch of persisted display items.
	DisplayMessagesBatchSaved struct {
		Items []*state.DisplayItem `json:"items"`
	}

	// TodosUpdated carries the agent's todo list after a change.
	TodosUpdated struct {
		Todos []*model.Todo `json:"todos"`
	}

	// StateRestored is emitted after a worker restores state from a
	// snapshot.
	StateRestored struct {
		State *state.State `json:"state"`
	}

	// NodeTransferInfo describes a cluster ownership move.
	NodeTransferInfo struct {
		// AgentID is the migrating agent.
		AgentID string `json:"agent_id"`
		// FromNode is the departing owner.
		FromNode string `json:"from_node,omitempty"`
		// ToNode is the new owner.
		ToNode string `json:"to_node,omitempty"`
	}

	// NodeTransferring brackets the start of a cluster migration.
	NodeTransferring struct {
		Info NodeTransferInfo `json:"info"`
	}

	// NodeTransferred brackets the end of a cluster migration.
	NodeTransferred struct {
		Info NodeTransferInfo `json:"info"`
	}

	// AgentShutdown is the terminal event emitted immediately before worker
	// termination. Reason is one of "inactivity", "no_viewers", "manual",
	// "crash", "node_stop".
	AgentShutdown struct {
		Reason string `json:"reason"`
	}

	// Debug wraps debug-topic payloads: state snapshots and per-middleware
	// action traces. Inner must be JSON-serializable.
	Debug struct {
		Inner any `json:"inner"`
	}
)

// EventKind implements Payload.
func (StatusChanged) EventKind() Kind { return KindStatusChanged }

// EventKind implements Payload.
func (LLMDeltas) EventKind() Kind { return KindLLMDeltas }

// EventKind implements Payload.
func (LLMMessage) EventKind() Kind { return KindLLMMessage }

// EventKind implements Payload.
func (LLMTokenUsage) EventKind() Kind { return KindLLMTokenUsage }

// EventKind implements Payload.
func (ToolCallIdentified) EventKind() Kind { return KindToolCallIdentified }

// EventKind implements Payload.
func (ToolExecutionUpdate) EventKind() Kind { return KindToolExecutionUpdate }

// EventKind implements Payload.
func (DisplayMessageSaved) EventKind() Kind { return KindDisplayMessageSaved }

// EventKind implements Payload.
func (DisplayMessagesBatchSaved) EventKind() Kind { return KindDisplayMessagesBatchSaved }

// EventKind implements Payload.
func (TodosUpdated) EventKind() Kind { return KindTodosUpdated }

// EventKind implements Payload.
func (StateRestored) EventKind() Kind { return KindStateRestored }

// EventKind implements Payload.
func (NodeTransferring) EventKind() Kind { return KindNodeTransferring }

// EventKind implements Payload.
func (NodeTransferred) EventKind() Kind { return KindNodeTransferred }

// EventKind implements Payload.
func (AgentShutdown) EventKind() Kind { return KindAgentShutdown }

// EventKind implements Payload.
func (Debug) EventKind() Kind { return KindDebug }

// Topic returns the main topic name for an agent.
func Topic(agentID string) string { return "agent:" + agentID }

// DebugTopic returns the debug topic name for an agent.
func DebugTopic(agentID string) string { return "agent:debug:" + agentID }
