// Package state holds the mutable runtime data owned by one agent worker: the
// conversation history, the todo list, persistent metadata, and the interrupt
// record populated while the worker is paused.
//
// Contract:
//   - A State value has exactly one writer, the owning worker. Pipeline tasks
//     operate on deep copies and hand results back through worker commands.
//   - State is JSON-serializable; Metadata values must be JSON-serializable.
//     Live handles and closures never belong here; they go in the worker
//     context (package agentctx).
package state

import (
	"encoding/json"
	"fmt"

	"goa.design/sagents/runtime/agent/model"
)

// SchemaVersion is the serialized state format version. Restore upgrades older
// versions in place.
const SchemaVersion = 1

type (
	// State is the mutable runtime data of one agent.
	State struct {
		// AgentID matches the worker's registered key.
		AgentID string `json:"agent_id"`
		// Messages is the ordered conversation history. Append-mostly;
		// middleware may rewrite it only through before_model/after_model.
		Messages []*model.Message `json:"messages"`
		// Todos is the agent's ordered todo list.
		Todos []*model.Todo `json:"todos,omitempty"`
		// Metadata survives persistence and restart. Keys are strings, values
		// must be JSON-serializable.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Interrupt is populated while the worker is paused and cleared on
		// resume completion.
		Interrupt *InterruptRecord `json:"interrupt_data,omitempty"`
	}

	// InterruptRecord captures one current interrupt plus a FIFO of pending
	// sibling interrupts raised in the same LLM turn.
	InterruptRecord struct {
		// Current is the interrupt awaiting decisions.
		Current *Interrupt `json:"current"`
		// Pending queues sibling interrupts in arrival order.
		Pending []*Interrupt `json:"pending_interrupts,omitempty"`
	}

	// Interrupt describes one pause cause. Exactly one of the payload fields
	// is meaningful for a given Kind.
	Interrupt struct {
		// Kind classifies the source: KindHITL, KindSubAgent, or
		// KindMiddleware.
		Kind InterruptKind `json:"kind"`
		// ActionRequests lists the tool calls awaiting operator decisions
		// (KindHITL).
		ActionRequests []*ActionRequest `json:"action_requests,omitempty"`
		// Signal carries a lifted sub-agent interrupt (KindSubAgent).
		Signal *InterruptSignal `json:"signal,omitempty"`
		// Data carries middleware-provided payload (KindMiddleware).
		Data map[string]any `json:"data,omitempty"`
	}

	// InterruptKind discriminates interrupt sources.
	InterruptKind string

	// ActionRequest describes one pending tool call awaiting a human
	// decision.
	ActionRequest struct {
		// ToolCallID identifies the pending call.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the tool the model requested.
		ToolName string `json:"tool_name"`
		// Arguments is the canonical JSON argument payload.
		Arguments json.RawMessage `json:"arguments,omitempty"`
		// AllowedDecisions is the subset of decisions the policy permits for
		// this call.
		AllowedDecisions []Decision `json:"allowed_decisions"`
	}

	// Decision is one operator decision kind.
	Decision string

	// ResumeDecision resolves one ActionRequest. Decisions are applied
	// positionally against the current interrupt's action requests.
	ResumeDecision struct {
		// Decision selects approve, edit, or reject.
		Decision Decision `json:"decision"`
		// Arguments replaces the original arguments when editing.
		Arguments json.RawMessage `json:"arguments,omitempty"`
		// ToolName optionally replaces the tool when editing, subject to the
		// request's allowed decisions.
		ToolName string `json:"tool_name,omitempty"`
		// Reason optionally explains a rejection; it is surfaced to the model
		// in the synthesized tool result.
		Reason string `json:"reason,omitempty"`
	}

	// InterruptSignal lifts a sub-agent's interrupt through the parent
	// pipeline inside a tool result, without exceptions. The task tool embeds
	// it as the result's processed payload.
	InterruptSignal struct {
		// SubAgentID is the child worker's agent identifier.
		SubAgentID string `json:"sub_agent_id"`
		// SubAgentType names the child specification that produced the
		// worker (e.g., "researcher").
		SubAgentType string `json:"subagent_type"`
		// Interrupt is the child's current interrupt.
		Interrupt *Interrupt `json:"interrupt_data,omitempty"`
		// ToolCallID is the parent-side task tool call that spawned the
		// child. Set by the pipeline when the signal is surfaced.
		ToolCallID string `json:"tool_call_id,omitempty"`
	}

	// snapshot is the wire form of State.
	snapshot struct {
		SchemaVersion int              `json:"schema_version"`
		AgentID       string           `json:"agent_id"`
		Messages      []*model.Message `json:"messages"`
		Todos         []*model.Todo    `json:"todos,omitempty"`
		Metadata      map[string]any   `json:"metadata,omitempty"`
		Interrupt     *InterruptRecord `json:"interrupt_data,omitempty"`
	}
)

const (
	// KindHITL marks a human-in-the-loop approval interrupt.
	KindHITL InterruptKind = "hitl"
	// KindSubAgent marks a lifted sub-agent interrupt.
	KindSubAgent InterruptKind = "subagent_hitl"
	// KindMiddleware marks an interrupt raised by an after_model hook.
	KindMiddleware InterruptKind = "middleware"
)

const (
	// DecisionApprove re-executes the original tool call unchanged.
	DecisionApprove Decision = "approve"
	// DecisionEdit re-executes with replacement arguments.
	DecisionEdit Decision = "edit"
	// DecisionReject synthesizes a rejection tool result without executing.
	DecisionReject Decision = "reject"
)

// New constructs an empty state for the given agent.
func New(agentID string) *State {
	return &State{AgentID: agentID, Metadata: make(map[string]any)}
}

// Clone returns a deep copy of the state. The copy shares no mutable data with
// the original; pipeline tasks always operate on clones.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := &State{AgentID: s.AgentID}
	cp.Messages = model.CloneMessages(s.Messages)
	if s.Todos != nil {
		cp.Todos = make([]*model.Todo, len(s.Todos))
		for i, t := range s.Todos {
			td := *t
			cp.Todos[i] = &td
		}
	}
	if s.Metadata != nil {
		cp.Metadata = deepCopyMap(s.Metadata)
	}
	cp.Interrupt = s.Interrupt.clone()
	return cp
}

// AppendMessage appends one message to the history.
func (s *State) AppendMessage(msg *model.Message) {
	s.Messages = append(s.Messages, msg)
}

// LastMessage returns the newest message or nil for an empty history.
func (s *State) LastMessage() *model.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// LastAssistantWithToolCalls returns the newest assistant message carrying
// tool calls, or nil.
func (s *State) LastAssistantWithToolCalls() *model.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].HasToolCalls() {
			return s.Messages[i]
		}
	}
	return nil
}

// NewestToolRun returns the suffix of tool-role messages appended since the
// last assistant-with-tool-calls message, in chronological order.
func (s *State) NewestToolRun() []*model.Message {
	var run []*model.Message
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role != model.RoleTool {
			break
		}
		run = append([]*model.Message{m}, run...)
	}
	return run
}

// Serialize encodes the state into its versioned JSON snapshot form.
func (s *State) Serialize() ([]byte, error) {
	snap := snapshot{
		SchemaVersion: SchemaVersion,
		AgentID:       s.AgentID,
		Messages:      s.Messages,
		Todos:         s.Todos,
		Metadata:      s.Metadata,
		Interrupt:     s.Interrupt,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("serialize state: %w", err)
	}
	return data, nil
}

// Restore decodes a serialized snapshot produced by Serialize. Snapshots with
// an unknown schema version fail; version zero snapshots (pre-versioning) are
// accepted as version one.
func Restore(data []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("restore state: unsupported schema version %d", snap.SchemaVersion)
	}
	st := &State{
		AgentID:   snap.AgentID,
		Messages:  snap.Messages,
		Todos:     snap.Todos,
		Metadata:  snap.Metadata,
		Interrupt: snap.Interrupt,
	}
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	return st, nil
}

func (r *InterruptRecord) clone() *InterruptRecord {
	if r == nil {
		return nil
	}
	cp := &InterruptRecord{Current: r.Current.clone()}
	if len(r.Pending) > 0 {
		cp.Pending = make([]*Interrupt, len(r.Pending))
		for i, p := range r.Pending {
			cp.Pending[i] = p.clone()
		}
	}
	return cp
}

func (i *Interrupt) clone() *Interrupt {
	if i == nil {
		return nil
	}
	cp := &Interrupt{Kind: i.Kind}
	if len(i.ActionRequests) > 0 {
		cp.ActionRequests = make([]*ActionRequest, len(i.ActionRequests))
		for j, ar := range i.ActionRequests {
			a := *ar
			if ar.Arguments != nil {
				a.Arguments = append(json.RawMessage(nil), ar.Arguments...)
			}
			a.AllowedDecisions = append([]Decision(nil), ar.AllowedDecisions...)
			cp.ActionRequests[j] = &a
		}
	}
	if i.Signal != nil {
		sig := *i.Signal
		sig.Interrupt = i.Signal.Interrupt.clone()
		cp.Signal = &sig
	}
	if i.Data != nil {
		cp.Data = deepCopyMap(i.Data)
	}
	return cp
}

// deepCopyMap copies a JSON-serializable map, recursing into nested maps and
// slices.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// ProcessedKind implements model.Processed.
func (s *InterruptSignal) ProcessedKind() string { return "interrupt_signal" }

func init() {
	model.RegisterProcessed("interrupt_signal", func(data json.RawMessage) (model.Processed, error) {
		var sig InterruptSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, err
		}
		return &sig, nil
	})
}
