package state

import "goa.design/sagents/runtime/agent/model"

// DisplayKind identifies one display item flavor.
type DisplayKind string

const (
	// DisplayText is plain message text.
	DisplayText DisplayKind = "text"
	// DisplayThinking is provider reasoning text.
	DisplayThinking DisplayKind = "thinking"
	// DisplayToolCall is one requested tool invocation.
	DisplayToolCall DisplayKind = "tool_call"
	// DisplayToolResult is one tool outcome.
	DisplayToolResult DisplayKind = "tool_result"
)

// DisplayItem is the UI-oriented projection of one part of a message. A single
// message expands into one or more items with a stable sequence within the
// parent. The projection is append-only and may outlive the serialized
// history: middleware that compacts Messages never rewrites display history.
type DisplayItem struct {
	// Kind discriminates the item flavor.
	Kind DisplayKind `json:"kind"`
	// Sequence orders items within the parent message, starting at zero.
	Sequence int `json:"sequence"`
	// Role is the parent message role.
	Role model.Role `json:"role"`
	// Text carries the content for text and thinking items.
	Text string `json:"text,omitempty"`
	// ToolCall carries the call for tool_call items.
	ToolCall *model.ToolCall `json:"tool_call,omitempty"`
	// ToolResult carries the result for tool_result items.
	ToolResult *model.ToolResult `json:"tool_result,omitempty"`
}

// DisplayItems expands a message into its ordered display projection.
// Assistant messages expand as thinking, text, then tool calls; tool messages
// expand into one item per result.
func DisplayItems(msg *model.Message) []*DisplayItem {
	if msg == nil {
		return nil
	}
	var items []*DisplayItem
	seq := 0
	add := func(it *DisplayItem) {
		it.Sequence = seq
		it.Role = msg.Role
		seq++
		items = append(items, it)
	}
	if msg.Thinking != "" {
		add(&DisplayItem{Kind: DisplayThinking, Text: msg.Thinking})
	}
	if msg.Content != "" {
		add(&DisplayItem{Kind: DisplayText, Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		add(&DisplayItem{Kind: DisplayToolCall, ToolCall: tc})
	}
	for _, tr := range msg.ToolResults {
		add(&DisplayItem{Kind: DisplayToolResult, ToolResult: tr})
	}
	return items
}
