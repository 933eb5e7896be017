package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sagents/runtime/agent"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/middleware/hitl"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/tools"
)

// scripted returns canned responses in order; an exhausted script fails the
// call.
type scripted struct {
	mu    sync.Mutex
	queue []scriptItem
}

type scriptItem struct {
	resp *model.Response
	err  error
}

func (s *scripted) Complete(context.Context, *model.Request) (*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, errors.New("script exhausted")
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item.resp, item.err
}

func (s *scripted) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (s *scripted) push(items ...scriptItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, items...)
}

func says(text string) scriptItem {
	return scriptItem{resp: &model.Response{Message: model.NewAssistantMessage(text)}}
}

func callsTool(callID, name, args string) scriptItem {
	return scriptItem{resp: &model.Response{Message: model.NewAssistantMessage("",
		&model.ToolCall{CallID: callID, Name: name, Arguments: json.RawMessage(args)},
	)}}
}

func fails(msg string) scriptItem { return scriptItem{err: errors.New(msg)} }

func fixedTool(name string, res *tools.Result, err error) *tools.Tool {
	return &tools.Tool{
		Name: name,
		Execute: func(context.Context, *tools.Invocation) (*tools.Result, error) {
			return res, err
		},
	}
}

type recorder struct {
	mu       sync.Mutex
	payloads []events.Payload
}

func (r *recorder) publish(p events.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.payloads))
	for i, p := range r.payloads {
		out[i] = p.EventKind()
	}
	return out
}

func newTestConfig(t *testing.T, client model.Client, opts agent.Options) *agent.Config {
	t.Helper()
	opts.ID = "a-1"
	opts.ChatModel = &model.Ref{Name: "primary", Client: client}
	cfg, err := agent.NewConfig(context.Background(), opts)
	require.NoError(t, err)
	return cfg
}

func newRun(t *testing.T, cfg *agent.Config, st *state.State, mod func(*Options)) (*Pipeline, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := Options{Config: cfg, State: st, Publish: rec.publish}
	if mod != nil {
		mod(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, rec
}

func TestRunPlainAnswer(t *testing.T) {
	client := &scripted{}
	client.push(says("hello"))
	cfg := newTestConfig(t, client, agent.Options{})

	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("hi"))

	p, rec := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeOK, out.Kind)
	require.Len(t, out.Chain.State.Messages, 2)
	assert.Equal(t, "hello", out.Chain.State.LastMessage().Content)
	assert.Contains(t, rec.kinds(), events.KindLLMMessage)
}

func TestRunToolLoop(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "search", `{"q":"weather"}`),
		says("sunny"),
	)
	cfg := newTestConfig(t, client, agent.Options{
		Tools: []*tools.Tool{fixedTool("search", &tools.Result{Content: "22C, clear"}, nil)},
	})

	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("weather?"))

	p, rec := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeOK, out.Kind)
	// user, assistant(call), tool, assistant
	require.Len(t, out.Chain.State.Messages, 4)
	toolMsg := out.Chain.State.Messages[2]
	require.Equal(t, model.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.ToolResults, 1)
	assert.Equal(t, "22C, clear", toolMsg.ToolResults[0].Content)
	assert.False(t, toolMsg.ToolResults[0].IsError)

	// executing precedes completed for the same call.
	var phases []events.ToolPhase
	for _, p := range rec.payloads {
		if u, ok := p.(events.ToolExecutionUpdate); ok && u.Tool.CallID == "c1" {
			phases = append(phases, u.Phase)
		}
	}
	assert.Equal(t, []events.ToolPhase{events.PhaseExecuting, events.PhaseCompleted}, phases)
	assert.Contains(t, rec.kinds(), events.KindToolCallIdentified)
}

func TestRunToolErrorFeedsModel(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "flaky", `{}`),
		says("the tool failed, sorry"),
	)
	cfg := newTestConfig(t, client, agent.Options{
		Tools: []*tools.Tool{fixedTool("flaky", nil, errors.New("backend down"))},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("go"))

	p, rec := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeOK, out.Kind)
	toolMsg := out.Chain.State.Messages[2]
	require.True(t, toolMsg.ToolResults[0].IsError)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "backend down")

	var failed bool
	for _, p := range rec.payloads {
		if u, ok := p.(events.ToolExecutionUpdate); ok && u.Phase == events.PhaseFailed {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestRunUnknownToolProducesErrorResult(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "nonexistent", `{}`),
		says("ok"),
	)
	cfg := newTestConfig(t, client, agent.Options{})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("go"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeOK, out.Kind)
	toolMsg := out.Chain.State.Messages[2]
	require.True(t, toolMsg.ToolResults[0].IsError)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "unknown tool")
}

func TestRunFallbackDispatch(t *testing.T) {
	primary := &scripted{}
	primary.push(fails("rate limited"))
	fallback := &scripted{}
	fallback.push(says("from fallback"))

	var sawFallbackName string
	cfg, err := agent.NewConfig(context.Background(), agent.Options{
		ID:             "a-1",
		ChatModel:      &model.Ref{Name: "primary", Client: primary},
		FallbackModels: []*model.Ref{{Name: "cheap", Client: fallback}},
		BeforeFallback: func(_ context.Context, req *model.Request, next *model.Ref) error {
			sawFallbackName = next.Name
			return nil
		},
	})
	require.NoError(t, err)

	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("hi"))
	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, "from fallback", out.Chain.State.LastMessage().Content)
	assert.Equal(t, "cheap", sawFallbackName)
}

func TestRunAllModelsFail(t *testing.T) {
	client := &scripted{}
	client.push(fails("boom"))
	cfg := newTestConfig(t, client, agent.Options{})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("hi"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())
	require.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestRunMaxRunsExceeded(t *testing.T) {
	client := &scripted{}
	// The model keeps calling the tool forever.
	for i := 0; i < 10; i++ {
		client.push(callsTool(fmt.Sprintf("c%d", i), "loop", `{}`))
	}
	cfg := newTestConfig(t, client, agent.Options{
		Tools:   []*tools.Tool{fixedTool("loop", &tools.Result{Content: "again"}, nil)},
		MaxRuns: 3,
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("go"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())
	require.Equal(t, OutcomeError, out.Kind)
	assert.ErrorIs(t, out.Err, ErrMaxRunsExceeded)
	assert.Equal(t, 3, out.Chain.Runs)
}

func TestRunPause(t *testing.T) {
	client := &scripted{}
	client.push(callsTool("c1", "loop", `{}`), says("unreached"))
	cfg := newTestConfig(t, client, agent.Options{
		Tools: []*tools.Tool{fixedTool("loop", &tools.Result{Content: "x"}, nil)},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("go"))

	p, _ := newRun(t, cfg, st, func(o *Options) {
		o.ShouldPause = func() bool { return true }
	})
	out := p.Run(context.Background())
	assert.Equal(t, OutcomePause, out.Kind)
}

func TestRunUntilToolSuccessAfterDetour(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "search", `{"q":"data"}`),
		callsTool("c2", "submit_report", `{"title":"Found"}`),
	)
	cfg := newTestConfig(t, client, agent.Options{
		Tools: []*tools.Tool{
			fixedTool("search", &tools.Result{Content: "hit"}, nil),
			fixedTool("submit_report", &tools.Result{Content: "submitted"}, nil),
		},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("report please"))

	p, _ := newRun(t, cfg, st, func(o *Options) {
		o.UntilTool = []string{"submit_report"}
	})
	out := p.Run(context.Background())

	require.Equal(t, OutcomeOK, out.Kind)
	require.NotNil(t, out.Extra)
	assert.Equal(t, "submit_report", out.Extra.Name)
	assert.Equal(t, "submitted", out.Extra.Content)
}

func TestRunUntilToolNotCalled(t *testing.T) {
	client := &scripted{}
	client.push(says("no tools needed"))
	cfg := newTestConfig(t, client, agent.Options{
		Tools: []*tools.Tool{
			fixedTool("search", nil, nil),
			fixedTool("submit_report", nil, nil),
		},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("report please"))

	p, _ := newRun(t, cfg, st, func(o *Options) {
		o.UntilTool = []string{"submit_report"}
	})
	out := p.Run(context.Background())

	require.Equal(t, OutcomeError, out.Kind)
	assert.ErrorIs(t, out.Err, ErrUntilToolNotCalled)
	assert.Contains(t, out.Err.Error(), "submit_report")
}

func TestNewRejectsUnknownUntilTool(t *testing.T) {
	client := &scripted{}
	cfg := newTestConfig(t, client, agent.Options{})
	_, err := New(Options{Config: cfg, State: state.New("a-1"), UntilTool: []string{"missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestRunHITLInterruptAndResumeApprove(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "write_file", `{"path":"hello.txt","content":"hi"}`),
		says("done"),
	)
	gate, err := hitl.InterruptOn("write_file")
	require.NoError(t, err)

	executed := false
	writeFile := &tools.Tool{
		Name: "write_file",
		Execute: func(context.Context, *tools.Invocation) (*tools.Result, error) {
			executed = true
			return &tools.Result{Content: "wrote hello.txt"}, nil
		},
	}
	cfg := newTestConfig(t, client, agent.Options{
		Tools:      []*tools.Tool{writeFile},
		Middleware: []*middleware.Entry{middleware.NewEntry(gate, nil)},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("write hello.txt"))

	p, rec := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeInterrupt, out.Kind)
	require.NotNil(t, out.Interrupt)
	assert.Equal(t, state.KindHITL, out.Interrupt.Kind)
	require.Len(t, out.Interrupt.ActionRequests, 1)
	assert.Equal(t, "write_file", out.Interrupt.ActionRequests[0].ToolName)
	assert.False(t, executed)
	require.NotNil(t, out.Chain.State.Interrupt)

	out = p.Resume(context.Background(), []*state.ResumeDecision{{Decision: state.DecisionApprove}})
	require.Equal(t, OutcomeOK, out.Kind)
	assert.True(t, executed)
	assert.Nil(t, out.Chain.State.Interrupt)
	// user, assistant(call), tool, assistant
	assert.Len(t, out.Chain.State.Messages, 4)
	assert.Equal(t, "done", out.Chain.State.LastMessage().Content)

	var phases []events.ToolPhase
	for _, pl := range rec.payloads {
		if u, ok := pl.(events.ToolExecutionUpdate); ok {
			phases = append(phases, u.Phase)
		}
	}
	assert.Equal(t, []events.ToolPhase{events.PhaseExecuting, events.PhaseCompleted}, phases)
}

func TestResumeReject(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "write_file", `{"path":"hello.txt"}`),
		says("understood"),
	)
	gate, err := hitl.InterruptOn("write_file")
	require.NoError(t, err)

	cfg := newTestConfig(t, client, agent.Options{
		Tools:      []*tools.Tool{fixedTool("write_file", &tools.Result{Content: "wrote"}, nil)},
		Middleware: []*middleware.Entry{middleware.NewEntry(gate, nil)},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("write it"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())
	require.Equal(t, OutcomeInterrupt, out.Kind)

	out = p.Resume(context.Background(), []*state.ResumeDecision{
		{Decision: state.DecisionReject, Reason: "not on prod"},
	})
	require.Equal(t, OutcomeOK, out.Kind)
	toolMsg := out.Chain.State.Messages[2]
	require.Equal(t, model.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "rejected")
	assert.Contains(t, toolMsg.ToolResults[0].Content, "not on prod")
}

func TestResumeEditReplacesArguments(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "write_file", `{"path":"/etc/passwd"}`),
		says("done"),
	)
	gate, err := hitl.New(map[string]hitl.Policy{"write_file": {}})
	require.NoError(t, err)

	var gotArgs string
	writeFile := &tools.Tool{
		Name: "write_file",
		Execute: func(_ context.Context, inv *tools.Invocation) (*tools.Result, error) {
			gotArgs = string(inv.Arguments)
			return &tools.Result{Content: "ok"}, nil
		},
	}
	cfg := newTestConfig(t, client, agent.Options{
		Tools:      []*tools.Tool{writeFile},
		Middleware: []*middleware.Entry{middleware.NewEntry(gate, nil)},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("write"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())
	require.Equal(t, OutcomeInterrupt, out.Kind)

	out = p.Resume(context.Background(), []*state.ResumeDecision{
		{Decision: state.DecisionEdit, Arguments: json.RawMessage(`{"path":"/tmp/safe"}`)},
	})
	require.Equal(t, OutcomeOK, out.Kind)
	assert.JSONEq(t, `{"path":"/tmp/safe"}`, gotArgs)
}

func TestResumeDisallowedDecision(t *testing.T) {
	client := &scripted{}
	client.push(callsTool("c1", "deploy", `{}`))
	gate, err := hitl.New(map[string]hitl.Policy{
		"deploy": {AllowedDecisions: []state.Decision{state.DecisionApprove, state.DecisionReject}},
	})
	require.NoError(t, err)

	cfg := newTestConfig(t, client, agent.Options{
		Tools:      []*tools.Tool{fixedTool("deploy", nil, nil)},
		Middleware: []*middleware.Entry{middleware.NewEntry(gate, nil)},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("ship it"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())
	require.Equal(t, OutcomeInterrupt, out.Kind)

	out = p.Resume(context.Background(), []*state.ResumeDecision{
		{Decision: state.DecisionEdit, Arguments: json.RawMessage(`{}`)},
	})
	require.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Err.Error(), "not allowed")
}

func TestPropagateStateMergesDeltas(t *testing.T) {
	client := &scripted{}
	client.push(
		callsTool("c1", "remember", `{}`),
		says("noted"),
	)
	remember := &tools.Tool{
		Name: "remember",
		Execute: func(context.Context, *tools.Invocation) (*tools.Result, error) {
			return &tools.Result{
				Content:   "saved",
				Processed: &state.Delta{Metadata: map[string]any{"fact": "sky is blue"}},
			}, nil
		},
	}
	cfg := newTestConfig(t, client, agent.Options{Tools: []*tools.Tool{remember}})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("remember this"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, "sky is blue", out.Chain.State.Metadata["fact"])
}

func TestPostToolInterruptQueuesSiblingsFIFO(t *testing.T) {
	client := &scripted{}
	client.push(scriptItem{resp: &model.Response{Message: model.NewAssistantMessage("",
		&model.ToolCall{CallID: "c1", Name: "task", Arguments: json.RawMessage(`{"agent":"researcher"}`)},
		&model.ToolCall{CallID: "c2", Name: "task", Arguments: json.RawMessage(`{"agent":"coder"}`)},
	)}})

	task := &tools.Tool{
		Name: "task",
		Execute: func(_ context.Context, inv *tools.Invocation) (*tools.Result, error) {
			var args struct {
				Agent string `json:"agent"`
			}
			_ = json.Unmarshal(inv.Arguments, &args)
			return &tools.Result{
				Content: "sub-agent paused awaiting approval",
				Processed: &state.InterruptSignal{
					SubAgentID:   "sub-" + args.Agent,
					SubAgentType: args.Agent,
				},
			}, nil
		},
	}
	cfg := newTestConfig(t, client, agent.Options{Tools: []*tools.Tool{task}})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("parallel work"))

	p, _ := newRun(t, cfg, st, nil)
	out := p.Run(context.Background())

	require.Equal(t, OutcomeInterrupt, out.Kind)
	require.NotNil(t, out.Interrupt.Signal)
	assert.Equal(t, "sub-researcher", out.Interrupt.Signal.SubAgentID)
	assert.Equal(t, "c1", out.Interrupt.Signal.ToolCallID)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "sub-coder", out.Pending[0].Signal.SubAgentID)
}

func TestStreamingAssembly(t *testing.T) {
	client := &chunkClient{chunks: []model.Chunk{
		{Kind: model.ChunkThinking, Text: "pondering"},
		{Kind: model.ChunkText, Text: "hel"},
		{Kind: model.ChunkText, Text: "lo"},
		{Kind: model.ChunkToolCall, ToolCall: &model.ToolCallDelta{Index: 0, CallID: "c1", Name: "search"}},
		{Kind: model.ChunkToolCall, ToolCall: &model.ToolCallDelta{Index: 0, ArgumentsDelta: `{"q":`}},
		{Kind: model.ChunkToolCall, ToolCall: &model.ToolCallDelta{Index: 0, ArgumentsDelta: `"x"}`}},
		{Kind: model.ChunkUsage, Usage: &model.TokenUsage{InputTokens: 10, OutputTokens: 4}},
	}}

	cfg := newTestConfig(t, client, agent.Options{
		Tools: []*tools.Tool{fixedTool("search", &tools.Result{Content: "hit"}, nil)},
	})
	st := state.New("a-1")
	st.AppendMessage(model.NewUserMessage("hi"))

	rec := &recorder{}
	p, err := New(Options{Config: cfg, State: st, Publish: rec.publish})
	require.NoError(t, err)

	// Run a single pass worth of call_llm by using the step directly.
	out := stepCallLLM(context.Background(), p.Chain())
	require.Equal(t, OutcomeContinue, out.Kind)

	msg := p.Chain().State.LastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "pondering", msg.Thinking)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "search", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(msg.ToolCalls[0].Arguments))

	// Deltas precede the complete message.
	kinds := rec.kinds()
	firstDelta, msgIdx := -1, -1
	for i, k := range kinds {
		if k == events.KindLLMDeltas && firstDelta == -1 {
			firstDelta = i
		}
		if k == events.KindLLMMessage {
			msgIdx = i
		}
	}
	require.GreaterOrEqual(t, firstDelta, 0)
	require.GreaterOrEqual(t, msgIdx, 0)
	assert.Less(t, firstDelta, msgIdx)
}

type chunkClient struct {
	chunks []model.Chunk
}

func (c *chunkClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, errors.New("streaming only")
}

func (c *chunkClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return &chunkStreamer{chunks: c.chunks}, nil
}

type chunkStreamer struct {
	chunks []model.Chunk
	pos    int
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *chunkStreamer) Close() error { return nil }
