package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/tools"
)

// stepExecuteTools dispatches every tool call of the latest assistant
// message concurrently and packages the results into one tool-role message,
// in call order.
func stepExecuteTools(ctx context.Context, ch *Chain) Outcome {
	last := ch.State.LastMessage()
	if last == nil || !last.HasToolCalls() {
		return ch.cont()
	}
	results := ch.executeCalls(ctx, last.ToolCalls)
	ch.State.AppendMessage(model.NewToolMessage(results...))
	for _, tr := range results {
		ch.runCallbacks(ctx, middleware.CallbackToolResult, tr)
	}
	return ch.cont()
}

// executeCalls runs the calls concurrently, bounded by the call count, and
// returns results in call order.
func (ch *Chain) executeCalls(ctx context.Context, calls []*model.ToolCall) []*model.ToolResult {
	tctx := ctx
	if ch.opts.Context != nil {
		tctx = agentctx.WithContext(ctx, ch.opts.Context)
	}
	results := make([]*model.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call *model.ToolCall) {
			defer wg.Done()
			results[i] = ch.executeOne(tctx, call, nil)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne runs a single tool call, publishing the executing and terminal
// lifecycle events. Unknown tools, invalid arguments, returned errors, and
// panics all become is_error results the model can react to.
func (ch *Chain) executeOne(ctx context.Context, call *model.ToolCall, resume *tools.ResumeInfo) *model.ToolResult {
	info := events.ToolInfo{
		CallID:      call.CallID,
		Name:        call.Name,
		Arguments:   call.Arguments,
		DisplayText: call.DisplayText,
	}
	ch.publish(events.ToolExecutionUpdate{Phase: events.PhaseExecuting, Tool: info})
	start := time.Now()

	fail := func(err error) *model.ToolResult {
		info.Error = err.Error()
		info.DurationMs = time.Since(start).Milliseconds()
		ch.publish(events.ToolExecutionUpdate{Phase: events.PhaseFailed, Tool: info})
		ch.opts.Logger.Warn(ctx, "tool execution failed", "tool", call.Name, "call_id", call.CallID, "error", err.Error())
		return &model.ToolResult{CallID: call.CallID, Name: call.Name, Content: err.Error(), IsError: true}
	}

	tool := ch.Config.Tools.Get(call.Name)
	if tool == nil {
		return fail(fmt.Errorf("unknown tool %q", call.Name))
	}
	if err := tool.ValidateArgs(call.Arguments); err != nil {
		return fail(err)
	}

	res, err := runTool(ctx, tool, &tools.Invocation{
		CallID:    call.CallID,
		AgentID:   ch.State.AgentID,
		Arguments: call.Arguments,
		Resume:    resume,
	})
	if err != nil {
		return fail(err)
	}

	out := &model.ToolResult{CallID: call.CallID, Name: call.Name}
	if res != nil {
		out.Content = res.Content
		out.Processed = res.Processed
	}
	info.DurationMs = time.Since(start).Milliseconds()
	ch.publish(events.ToolExecutionUpdate{Phase: events.PhaseCompleted, Tool: info})
	ch.opts.Metrics.Record(ctx, "tool_execution_ms", float64(info.DurationMs), "tool", call.Name)
	return out
}

func runTool(ctx context.Context, tool *tools.Tool, inv *tools.Invocation) (res *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("tool %q panicked: %v", tool.Name, r)
		}
	}()
	return tool.Execute(ctx, inv)
}

// applyResumeDecisions resolves the chain's current interrupt with the given
// decisions, inserting or replacing tool results as the interrupt kind
// demands. Fresh interrupt signals raised by re-invoked tools join the
// pending queue; stepCheckPendingInterrupt surfaces them afterwards.
func (ch *Chain) applyResumeDecisions(ctx context.Context, decisions []*state.ResumeDecision) Outcome {
	rec := ch.State.Interrupt
	if rec == nil || rec.Current == nil {
		return ch.fail(ErrNotInterrupted)
	}
	current := rec.Current
	switch current.Kind {
	case state.KindHITL:
		if out := ch.resumeHITL(ctx, current, decisions); out != nil {
			return *out
		}
	case state.KindSubAgent:
		if out := ch.resumeSubAgent(ctx, current, decisions); out != nil {
			return *out
		}
	case state.KindMiddleware:
		// Middleware interrupts carry no re-executable work; resuming
		// acknowledges them.
	default:
		return ch.fail(fmt.Errorf("cannot resume interrupt of kind %q", current.Kind))
	}
	rec.Current = nil
	return ch.cont()
}

// resumeHITL executes the interrupted turn's tool calls under the given
// decisions and appends the tool-role message the turn had reserved. Gated
// calls follow their decision; ungated siblings execute normally.
func (ch *Chain) resumeHITL(ctx context.Context, current *state.Interrupt, decisions []*state.ResumeDecision) *Outcome {
	if len(decisions) != len(current.ActionRequests) {
		out := ch.fail(fmt.Errorf("expected %d decisions, got %d", len(current.ActionRequests), len(decisions)))
		return &out
	}
	assistant := ch.State.LastAssistantWithToolCalls()
	if assistant == nil {
		out := ch.fail(fmt.Errorf("no tool calls to resume"))
		return &out
	}

	type resolution struct {
		req      *state.ActionRequest
		decision *state.ResumeDecision
	}
	byCall := make(map[string]resolution, len(current.ActionRequests))
	for i, req := range current.ActionRequests {
		d := decisions[i]
		if !decisionAllowed(req, d.Decision) {
			out := ch.fail(fmt.Errorf("decision %q not allowed for tool %q", d.Decision, req.ToolName))
			return &out
		}
		byCall[req.ToolCallID] = resolution{req: req, decision: d}
	}

	results := make([]*model.ToolResult, len(assistant.ToolCalls))
	for i, call := range assistant.ToolCalls {
		res, ok := byCall[call.CallID]
		if !ok {
			results[i] = ch.executeOne(ctx, call, nil)
			continue
		}
		switch res.decision.Decision {
		case state.DecisionApprove:
			results[i] = ch.executeOne(ctx, call, nil)
		case state.DecisionEdit:
			edited := &model.ToolCall{
				CallID:      call.CallID,
				Name:        call.Name,
				Arguments:   call.Arguments,
				DisplayText: call.DisplayText,
			}
			if res.decision.ToolName != "" {
				edited.Name = res.decision.ToolName
			}
			if res.decision.Arguments != nil {
				edited.Arguments = res.decision.Arguments
			}
			results[i] = ch.executeOne(ctx, edited, nil)
		case state.DecisionReject:
			content := "The user rejected this tool call."
			if res.decision.Reason != "" {
				content += " Reason: " + res.decision.Reason
			}
			results[i] = &model.ToolResult{CallID: call.CallID, Name: call.Name, Content: content}
		}
	}
	ch.State.AppendMessage(model.NewToolMessage(results...))
	ch.queueFreshSignals(results)
	return nil
}

// resumeSubAgent re-invokes the tool whose previous invocation surfaced the
// interrupt, handing it the decisions, and replaces its result in the last
// tool-role message.
func (ch *Chain) resumeSubAgent(ctx context.Context, current *state.Interrupt, decisions []*state.ResumeDecision) *Outcome {
	sig := current.Signal
	if sig == nil {
		out := ch.fail(fmt.Errorf("sub-agent interrupt has no signal"))
		return &out
	}
	assistant := ch.State.LastAssistantWithToolCalls()
	var call *model.ToolCall
	if assistant != nil {
		for _, c := range assistant.ToolCalls {
			if c.CallID == sig.ToolCallID {
				call = c
				break
			}
		}
	}
	if call == nil {
		out := ch.fail(fmt.Errorf("no tool call %q to resume", sig.ToolCallID))
		return &out
	}

	result := ch.executeOne(ctx, call, &tools.ResumeInfo{
		SubAgentID: sig.SubAgentID,
		Decisions:  decisions,
	})
	last := ch.State.LastMessage()
	if last == nil || last.Role != model.RoleTool {
		out := ch.fail(fmt.Errorf("no tool message to update for call %q", sig.ToolCallID))
		return &out
	}
	replaced := false
	for i, tr := range last.ToolResults {
		if tr.CallID == sig.ToolCallID {
			last.ToolResults[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		last.ToolResults = append(last.ToolResults, result)
	}
	ch.queueFreshSignals([]*model.ToolResult{result})
	return nil
}

// queueFreshSignals appends interrupts raised by just-executed tools to the
// pending queue, preserving FIFO order behind interrupts from the original
// turn.
func (ch *Chain) queueFreshSignals(results []*model.ToolResult) {
	fresh := liftSignals(results)
	if len(fresh) == 0 {
		return
	}
	rec := ch.State.Interrupt
	rec.Pending = append(rec.Pending, fresh...)
}

func decisionAllowed(req *state.ActionRequest, d state.Decision) bool {
	for _, a := range req.AllowedDecisions {
		if a == d {
			return true
		}
	}
	return false
}
