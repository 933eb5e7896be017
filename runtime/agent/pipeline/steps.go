package pipeline

import (
	"context"
	"fmt"

	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
)

// DefaultSteps returns the default step list. Each call returns a fresh
// slice; callers may reorder or splice without affecting other runs.
func DefaultSteps() []Step {
	return []Step{
		{Name: "call_llm", Run: stepCallLLM},
		{Name: "check_max_runs", Run: stepCheckMaxRuns},
		{Name: "check_pause", Run: stepCheckPause},
		{Name: "check_pre_tool_hitl", Run: stepCheckPreToolHITL},
		{Name: "execute_tools", Run: stepExecuteTools},
		{Name: "propagate_state", Run: stepPropagateState},
		{Name: "check_post_tool_interrupt", Run: stepCheckPostToolInterrupt},
		{Name: "maybe_check_until_tool", Run: stepMaybeCheckUntilTool},
		{Name: "continue_or_done_safe", Run: stepContinueOrDoneSafe},
	}
}

// ResumeSteps returns the partial list a resumed run re-enters at: state
// propagation onward, skipping the model call and tool execution the
// interrupted turn already performed.
func ResumeSteps() []Step {
	return []Step{
		{Name: "propagate_state", Run: stepPropagateState},
		{Name: "check_pending_interrupt", Run: stepCheckPendingInterrupt},
		{Name: "maybe_check_until_tool", Run: stepMaybeCheckUntilTool},
		{Name: "continue_or_done_safe", Run: stepContinueOrDoneSafe},
	}
}

// stepCheckMaxRuns enforces the loop bound for step lists that do not guard
// inside the model call. The default call_llm step refuses to start a call
// past the bound, so under the default mode this is a backstop.
func stepCheckMaxRuns(_ context.Context, ch *Chain) Outcome {
	if ch.Runs > ch.Config.MaxRuns {
		return ch.fail(fmt.Errorf("%w: %d calls", ErrMaxRunsExceeded, ch.Runs))
	}
	return ch.cont()
}

func stepCheckPause(_ context.Context, ch *Chain) Outcome {
	if ch.opts.ShouldPause != nil && ch.opts.ShouldPause() {
		return ch.pause()
	}
	return ch.cont()
}

// stepCheckPreToolHITL pauses the run before executing tool calls that a
// configured approval gate matches. The interrupt carries one action request
// per gated call with the decisions a human may take.
func stepCheckPreToolHITL(_ context.Context, ch *Chain) Outcome {
	last := ch.State.LastMessage()
	if last == nil || !last.HasToolCalls() {
		return ch.cont()
	}
	reqs := middleware.CollectActionRequests(ch.Config.Middleware, last.ToolCalls)
	if len(reqs) == 0 {
		return ch.cont()
	}
	return ch.interrupt(&state.Interrupt{
		Kind:           state.KindHITL,
		ActionRequests: reqs,
	}, nil)
}

// stepPropagateState scans the newest run of tool-role messages and merges
// every state delta they carry into the chain state, oldest to newest with
// later deltas winning.
func stepPropagateState(_ context.Context, ch *Chain) Outcome {
	for _, msg := range ch.State.NewestToolRun() {
		for _, tr := range msg.ToolResults {
			if d, ok := tr.Processed.(*state.Delta); ok {
				ch.State.Apply(d)
			}
		}
	}
	return ch.cont()
}

// stepCheckPostToolInterrupt lifts sub-agent interrupt signals out of the
// last tool-role message. The first signal becomes the current interrupt;
// siblings from the same turn queue FIFO as pending.
func stepCheckPostToolInterrupt(_ context.Context, ch *Chain) Outcome {
	last := ch.State.LastMessage()
	if last == nil || last.Role != model.RoleTool {
		return ch.cont()
	}
	interrupts := liftSignals(last.ToolResults)
	if len(interrupts) == 0 {
		return ch.cont()
	}
	return ch.interrupt(interrupts[0], interrupts[1:])
}

// liftSignals converts interrupt signals embedded in tool results into
// interrupt records, stamping each signal with its carrying call id.
func liftSignals(results []*model.ToolResult) []*state.Interrupt {
	var out []*state.Interrupt
	for _, tr := range results {
		sig, ok := tr.Processed.(*state.InterruptSignal)
		if !ok {
			continue
		}
		sig.ToolCallID = tr.CallID
		intr := &state.Interrupt{Kind: state.KindSubAgent, Signal: sig}
		if sig.Interrupt != nil {
			intr.ActionRequests = sig.Interrupt.ActionRequests
			intr.Data = sig.Interrupt.Data
		}
		out = append(out, intr)
	}
	return out
}

// stepCheckPendingInterrupt surfaces the next queued interrupt after a
// resume, without an intervening model call.
func stepCheckPendingInterrupt(_ context.Context, ch *Chain) Outcome {
	rec := ch.State.Interrupt
	if rec == nil || len(rec.Pending) == 0 {
		ch.State.Interrupt = nil
		return ch.cont()
	}
	next := rec.Pending[0]
	return ch.interrupt(next, rec.Pending[1:])
}

// stepMaybeCheckUntilTool terminates the run early when the model called one
// of the requested tools. The matched tool result rides on the outcome.
func stepMaybeCheckUntilTool(_ context.Context, ch *Chain) Outcome {
	if len(ch.UntilTool) == 0 {
		return ch.cont()
	}
	assistant := ch.State.LastAssistantWithToolCalls()
	if assistant == nil {
		return ch.cont()
	}
	wanted := make(map[string]struct{}, len(ch.UntilTool))
	for _, name := range ch.UntilTool {
		wanted[name] = struct{}{}
	}
	matched := make(map[string]struct{})
	for _, call := range assistant.ToolCalls {
		if _, ok := wanted[call.Name]; ok {
			matched[call.CallID] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return ch.cont()
	}
	// Return the result of the first matching call, in call order.
	for _, msg := range ch.State.NewestToolRun() {
		for _, tr := range msg.ToolResults {
			if _, ok := matched[tr.CallID]; ok {
				return Outcome{Kind: OutcomeOK, Chain: ch, Extra: tr}
			}
		}
	}
	return ch.cont()
}

// stepContinueOrDoneSafe is the terminal dispatch: loop again while the
// model still owes a response, otherwise finish, failing the run when an
// until-tool was requested but never called.
func stepContinueOrDoneSafe(_ context.Context, ch *Chain) Outcome {
	if ch.needsResponse() {
		return ch.cont()
	}
	if len(ch.UntilTool) > 0 {
		return ch.fail(fmt.Errorf("%w: %v", ErrUntilToolNotCalled, ch.UntilTool))
	}
	return ch.done()
}
