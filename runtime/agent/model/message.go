package model

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output, possibly carrying tool calls.
	RoleAssistant Role = "assistant"
	// RoleSystem marks system prompt material injected into history.
	RoleSystem Role = "system"
	// RoleTool marks tool results fed back to the model.
	RoleTool Role = "tool"
)

type (
	// Message is one entry of an agent's conversation history. The role
	// discriminates the union: assistant messages may carry ToolCalls, tool
	// messages carry ToolResults, all other roles carry only Content.
	Message struct {
		// Role is the message author.
		Role Role `json:"role"`
		// Content is the plain text content visible to the model.
		Content string `json:"content,omitempty"`
		// Thinking carries provider reasoning text when available. It is
		// surfaced in the display projection but not resent to the model.
		Thinking string `json:"thinking,omitempty"`
		// ToolCalls lists tool invocations requested by an assistant message.
		ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
		// ToolResults lists tool outcomes carried by a tool message.
		ToolResults []*ToolResult `json:"tool_results,omitempty"`
	}

	// ToolCall is one model-requested tool invocation.
	ToolCall struct {
		// CallID correlates the call with its result.
		CallID string `json:"call_id"`
		// Name is the tool identifier.
		Name string `json:"name"`
		// Arguments is the canonical JSON argument payload. Preserved
		// verbatim across persistence round-trips.
		Arguments json.RawMessage `json:"arguments,omitempty"`
		// DisplayText is an optional human-facing one-liner describing the
		// call. Preserved verbatim across persistence round-trips.
		DisplayText string `json:"display_text,omitempty"`
	}

	// ToolResult is the outcome of one tool invocation. Content is the opaque
	// text returned to the model; Processed is an optional typed payload the
	// runtime inspects (state deltas, interrupt signals) and never sends to
	// the model.
	ToolResult struct {
		// CallID correlates the result with its originating call.
		CallID string `json:"call_id"`
		// Name is the tool identifier.
		Name string `json:"name"`
		// Content is the text fed back to the model.
		Content string `json:"content,omitempty"`
		// Processed is the typed structured payload, if any.
		Processed Processed `json:"-"`
		// IsError reports whether the tool failed; Content then carries the
		// error text the model can react to.
		IsError bool `json:"is_error,omitempty"`
	}

	// Todo is one entry of an agent's todo list.
	Todo struct {
		// ID identifies the entry.
		ID string `json:"id"`
		// Content is the task description.
		Content string `json:"content"`
		// Status is one of "pending", "in_progress", "completed".
		Status string `json:"status"`
	}

	// Processed is a typed payload a tool attaches to its result, distinct
	// from the text content sent back to the model. Implementations register
	// a decoder with RegisterProcessed so results survive JSON round-trips.
	Processed interface {
		// ProcessedKind returns the stable registry key for the payload type.
		ProcessedKind() string
	}

	// processedEnvelope is the wire form of a Processed payload.
	processedEnvelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}

	// toolResultWire mirrors ToolResult for JSON round-trips, replacing the
	// Processed interface with its envelope.
	toolResultWire struct {
		CallID    string             `json:"call_id"`
		Name      string             `json:"name"`
		Content   string             `json:"content,omitempty"`
		Processed *processedEnvelope `json:"processed,omitempty"`
		IsError   bool               `json:"is_error,omitempty"`
	}
)

var (
	processedMu       sync.RWMutex
	processedDecoders = make(map[string]func(json.RawMessage) (Processed, error))
)

// RegisterProcessed registers a decoder for a Processed payload kind. Packages
// defining Processed implementations call this from init so tool results can
// be deserialized from snapshots. Registering the same kind twice panics.
func RegisterProcessed(kind string, decode func(json.RawMessage) (Processed, error)) {
	processedMu.Lock()
	defer processedMu.Unlock()
	if _, ok := processedDecoders[kind]; ok {
		panic(fmt.Sprintf("model: processed kind %q already registered", kind))
	}
	processedDecoders[kind] = decode
}

// NewUserMessage builds a user message with the given text.
func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: text}
}

// NewSystemMessage builds a system message with the given text.
func NewSystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: text}
}

// NewAssistantMessage builds an assistant message with the given text and
// optional tool calls.
func NewAssistantMessage(text string, calls ...*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// NewToolMessage builds a tool message carrying the given results.
func NewToolMessage(results ...*ToolResult) *Message {
	return &Message{Role: RoleTool, ToolResults: results}
}

// HasToolCalls reports whether the message is an assistant message carrying at
// least one tool call.
func (m *Message) HasToolCalls() bool {
	return m != nil && m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone returns a deep copy of the message. Processed payloads are shared:
// they are immutable by contract.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := &Message{Role: m.Role, Content: m.Content, Thinking: m.Thinking}
	if len(m.ToolCalls) > 0 {
		cp.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c := *tc
			if tc.Arguments != nil {
				c.Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
			cp.ToolCalls[i] = &c
		}
	}
	if len(m.ToolResults) > 0 {
		cp.ToolResults = make([]*ToolResult, len(m.ToolResults))
		for i, tr := range m.ToolResults {
			r := *tr
			cp.ToolResults[i] = &r
		}
	}
	return cp
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []*Message) []*Message {
	if msgs == nil {
		return nil
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// MarshalJSON encodes the result, wrapping the Processed payload in a
// {kind, data} envelope so it can be decoded through the registry.
func (r *ToolResult) MarshalJSON() ([]byte, error) {
	wire := toolResultWire{
		CallID:  r.CallID,
		Name:    r.Name,
		Content: r.Content,
		IsError: r.IsError,
	}
	if r.Processed != nil {
		data, err := json.Marshal(r.Processed)
		if err != nil {
			return nil, fmt.Errorf("encode processed content: %w", err)
		}
		wire.Processed = &processedEnvelope{Kind: r.Processed.ProcessedKind(), Data: data}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the result, materializing the Processed payload via
// the registered decoder for its kind. Unknown kinds are dropped rather than
// failing the whole snapshot.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var wire toolResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.CallID = wire.CallID
	r.Name = wire.Name
	r.Content = wire.Content
	r.IsError = wire.IsError
	r.Processed = nil
	if wire.Processed != nil {
		processedMu.RLock()
		decode, ok := processedDecoders[wire.Processed.Kind]
		processedMu.RUnlock()
		if ok {
			p, err := decode(wire.Processed.Data)
			if err != nil {
				return fmt.Errorf("decode processed content %q: %w", wire.Processed.Kind, err)
			}
			r.Processed = p
		}
	}
	return nil
}
