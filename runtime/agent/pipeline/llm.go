package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
)

// stepCallLLM runs one model turn: before_model hooks, the model call with
// fallback dispatch, message append, event fan-out, then after_model hooks.
// It refuses to start a call past the run bound.
func stepCallLLM(ctx context.Context, ch *Chain) Outcome {
	cfg := ch.Config
	if ch.Runs >= cfg.MaxRuns {
		return ch.fail(fmt.Errorf("%w: %d calls", ErrMaxRunsExceeded, ch.Runs))
	}
	if err := middleware.RunBeforeModel(ctx, cfg.Middleware, ch.State, ch.opts.Logger); err != nil {
		return ch.fail(err)
	}

	req := &model.Request{
		Model:    cfg.ChatModel.Name,
		System:   cfg.AssembledSystemPrompt,
		Messages: ch.State.Messages,
		Tools:    cfg.Tools.Definitions(),
	}
	resp, err := ch.dispatch(ctx, req)
	if err != nil {
		return ch.fail(err)
	}
	ch.Runs++
	if resp.Message == nil {
		return ch.fail(fmt.Errorf("model %q returned no message", req.Model))
	}

	ch.State.AppendMessage(resp.Message)
	ch.publish(events.LLMMessage{Message: resp.Message})
	ch.runCallbacks(ctx, middleware.CallbackLLMMessage, resp.Message)
	ch.publish(events.LLMTokenUsage{Usage: resp.Usage})
	ch.runCallbacks(ctx, middleware.CallbackTokenUsage, resp.Usage)
	for _, call := range resp.Message.ToolCalls {
		ch.publish(events.ToolCallIdentified{Tool: events.ToolInfo{
			CallID:      call.CallID,
			Name:        call.Name,
			Arguments:   call.Arguments,
			DisplayText: call.DisplayText,
		}})
		ch.runCallbacks(ctx, middleware.CallbackToolCall, call)
	}

	intr, err := middleware.RunAfterModel(ctx, cfg.Middleware, ch.State, ch.opts.Logger)
	if err != nil {
		return ch.fail(err)
	}
	if intr != nil {
		return ch.interrupt(intr, nil)
	}
	return ch.cont()
}

// dispatch tries the primary model, then each fallback in order. Before a
// fallback attempt the configured hook may rewrite the request, for example
// to trim context for a cheaper model. Hook failures are logged and the
// attempt proceeds with the request as-is.
func (ch *Chain) dispatch(ctx context.Context, req *model.Request) (*model.Response, error) {
	cfg := ch.Config
	refs := append([]*model.Ref{cfg.ChatModel}, cfg.FallbackModels...)
	var lastErr error
	for i, ref := range refs {
		if i > 0 {
			ch.opts.Logger.Warn(ctx, "model call failed, trying fallback",
				"failed_model", refs[i-1].Name, "fallback_model", ref.Name, "error", lastErr.Error())
			if cfg.BeforeFallback != nil {
				if err := cfg.BeforeFallback(ctx, req, ref); err != nil {
					ch.opts.Logger.Warn(ctx, "before_fallback hook failed",
						"fallback_model", ref.Name, "error", err.Error())
				}
			}
			req.Model = ref.Name
		}
		resp, err := ch.call(ctx, ref, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		ch.opts.Metrics.Count(ctx, "model_call_failures_total", 1, "model", ref.Name)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("model dispatch: all models failed: %w", lastErr)
}

// call performs one model invocation, preferring the streaming surface and
// falling back to a blocking completion when the client does not stream.
func (ch *Chain) call(ctx context.Context, ref *model.Ref, req *model.Request) (*model.Response, error) {
	s, err := ref.Client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return ref.Client.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return ch.consumeStream(ctx, s)
}

// consumeStream folds the chunk stream into one assistant message, fanning
// out delta events as they arrive.
func (ch *Chain) consumeStream(ctx context.Context, s model.Streamer) (*model.Response, error) {
	var (
		asm   streamAssembler
		usage model.TokenUsage
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		ch.publish(events.LLMDeltas{Deltas: []model.Chunk{chunk}})
		ch.runCallbacks(ctx, middleware.CallbackLLMDelta, []model.Chunk{chunk})
		switch chunk.Kind {
		case model.ChunkText:
			asm.text += chunk.Text
		case model.ChunkThinking:
			asm.thinking += chunk.Text
		case model.ChunkToolCall:
			asm.addToolCallDelta(chunk.ToolCall)
		case model.ChunkUsage:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	return &model.Response{Message: asm.message(), Usage: usage}, nil
}

// streamAssembler accumulates streamed chunks into a complete assistant
// message. Tool call fragments are keyed by stream index and concatenated in
// arrival order.
type streamAssembler struct {
	text     string
	thinking string
	calls    map[int]*model.ToolCall
}

func (a *streamAssembler) addToolCallDelta(d *model.ToolCallDelta) {
	if d == nil {
		return
	}
	if a.calls == nil {
		a.calls = make(map[int]*model.ToolCall)
	}
	call := a.calls[d.Index]
	if call == nil {
		call = &model.ToolCall{}
		a.calls[d.Index] = call
	}
	if d.CallID != "" {
		call.CallID = d.CallID
	}
	if d.Name != "" {
		call.Name = d.Name
	}
	if d.ArgumentsDelta != "" {
		call.Arguments = append(call.Arguments, json.RawMessage(d.ArgumentsDelta)...)
	}
}

func (a *streamAssembler) message() *model.Message {
	msg := model.NewAssistantMessage(a.text)
	msg.Thinking = a.thinking
	if len(a.calls) > 0 {
		idx := make([]int, 0, len(a.calls))
		for i := range a.calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			msg.ToolCalls = append(msg.ToolCalls, a.calls[i])
		}
	}
	return msg
}

// runCallbacks invokes every registered handler for the event, isolating
// handler panics from the turn.
func (ch *Chain) runCallbacks(ctx context.Context, name string, payload any) {
	for _, cb := range ch.Config.Callbacks[name] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ch.opts.Logger.Warn(ctx, "llm callback panicked", "event", name, "error", fmt.Sprint(r))
				}
			}()
			cb(ctx, payload)
		}()
	}
}
