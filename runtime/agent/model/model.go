// Package model provides the provider-agnostic chat model capability used by
// the execution pipeline. It defines a normalized abstraction over chat
// completion APIs (OpenAI, Bedrock, Anthropic, etc.) so the runtime can invoke
// models without coupling to specific SDKs. Provider bindings live outside
// this module and implement Client.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrStreamingUnsupported is returned by Stream when the provider binding does
// not support incremental output.
var ErrStreamingUnsupported = errors.New("model: streaming unsupported")

// ErrRateLimited is returned (possibly wrapped) by provider bindings when the
// provider rejects a call for quota reasons. Rate-limiting middleware keys its
// backoff on this sentinel.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client defines the contract the pipeline uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be thread-safe and reusable
	// across concurrent agent workers.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the model is
		// unavailable, quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks (text deltas, tool-call fragments, usage).
		// The returned Streamer must be closed by callers. Providers that do
		// not support streaming return ErrStreamingUnsupported; the pipeline
		// falls back to Complete.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Implementations must be safe to call
	// from a single goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Ref names a concrete model on a Client. Agent configurations reference
	// models through Refs so fallback ordering is explicit.
	Ref struct {
		// Name is the provider-specific model identifier
		// (e.g., "claude-sonnet-4", "gpt-4o").
		Name string
		// Client is the provider binding that serves this model.
		Client Client
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier.
		Model string

		// System is the assembled system prompt for the conversation.
		System string

		// Messages is the ordered chat history provided to the model.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition

		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float32

		// MaxTokens caps the number of completion tokens. Zero means provider
		// default.
		MaxTokens int
	}

	// Response wraps the single assistant message generated by the provider
	// along with usage accounting.
	Response struct {
		// Message is the assistant message, including any tool calls the
		// model requested.
		Message *Message

		// Usage reports token usage when available.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific ("end_turn", "tool_use", "max_tokens", ...).
		StopReason string
	}

	// ChunkKind discriminates streaming chunk flavors.
	ChunkKind string

	// Chunk is one unit of incremental model output.
	Chunk struct {
		// Kind identifies the chunk flavor.
		Kind ChunkKind
		// Text carries the text fragment for ChunkText and ChunkThinking.
		Text string
		// ToolCall carries the tool-call fragment for ChunkToolCall. The
		// first fragment for a call carries CallID and Name; subsequent
		// fragments append to Arguments.
		ToolCall *ToolCallDelta
		// Usage carries token accounting for ChunkUsage.
		Usage *TokenUsage
	}

	// ToolCallDelta is an incremental tool-call fragment emitted while the
	// provider constructs the final tool input JSON. Fragments are not
	// guaranteed to be valid JSON on their own.
	ToolCallDelta struct {
		// Index orders parallel tool calls within one assistant message.
		Index int
		// CallID is the provider-assigned call identifier, set on the first
		// fragment for a call.
		CallID string
		// Name is the tool name, set on the first fragment for a call.
		Name string
		// ArgumentsDelta is the raw argument JSON fragment.
		ArgumentsDelta string
	}

	// ToolDefinition describes one tool schema exposed to the model.
	ToolDefinition struct {
		// Name is the tool identifier the model uses to request the call.
		Name string `json:"name"`
		// Description provides human-readable context for the model.
		Description string `json:"description,omitempty"`
		// Schema is the JSON schema for the tool arguments.
		Schema json.RawMessage `json:"schema,omitempty"`
	}

	// TokenUsage reports provider token accounting for one model call.
	// Provider-specific extension fields are preserved verbatim in Extra.
	TokenUsage struct {
		// InputTokens counts prompt tokens consumed.
		InputTokens int `json:"input_tokens"`
		// OutputTokens counts completion tokens generated.
		OutputTokens int `json:"output_tokens"`
		// CacheReadTokens counts prompt tokens served from provider cache.
		CacheReadTokens int `json:"cache_read_tokens,omitempty"`
		// Extra preserves provider-specific usage structures verbatim.
		Extra map[string]json.RawMessage `json:"extra,omitempty"`
	}
)

const (
	// ChunkText is an assistant text fragment.
	ChunkText ChunkKind = "text"
	// ChunkThinking is a reasoning fragment for models that expose thinking.
	ChunkThinking ChunkKind = "thinking"
	// ChunkToolCall is a tool-call argument fragment.
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkUsage carries token accounting, typically the final chunk.
	ChunkUsage ChunkKind = "usage"
)
