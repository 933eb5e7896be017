// Package hitl provides the human-in-the-loop middleware: a per-tool approval
// gate that pauses the pipeline before matching tool calls execute and builds
// the action requests a human decides on.
package hitl

import (
	"context"
	"fmt"

	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
)

// Name is the middleware identifier.
const Name = "human_in_the_loop"

type (
	// Policy gates one tool. The zero value allows all three decisions.
	Policy struct {
		// AllowedDecisions restricts what a human may do with a matching
		// call. Empty means approve, edit and reject are all allowed.
		AllowedDecisions []state.Decision
	}

	// HumanInTheLoop pauses the pipeline before executing tool calls that
	// match a policy. Policies are keyed by tool name.
	HumanInTheLoop struct {
		policies map[string]Policy
	}
)

var allDecisions = []state.Decision{state.DecisionApprove, state.DecisionEdit, state.DecisionReject}

// New builds the middleware from per-tool policies. At least one policy is
// required; an empty gate would silently never pause.
func New(policies map[string]Policy) (*HumanInTheLoop, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%s: at least one tool policy is required", Name)
	}
	for name, p := range policies {
		for _, d := range p.AllowedDecisions {
			switch d {
			case state.DecisionApprove, state.DecisionEdit, state.DecisionReject:
			default:
				return nil, fmt.Errorf("%s: tool %q: unknown decision %q", Name, name, d)
			}
		}
	}
	cp := make(map[string]Policy, len(policies))
	for name, p := range policies {
		cp[name] = p
	}
	return &HumanInTheLoop{policies: cp}, nil
}

// InterruptOn builds the middleware gating the named tools with all decisions
// allowed.
func InterruptOn(toolNames ...string) (*HumanInTheLoop, error) {
	policies := make(map[string]Policy, len(toolNames))
	for _, name := range toolNames {
		policies[name] = Policy{}
	}
	return New(policies)
}

// Name implements middleware.Middleware.
func (*HumanInTheLoop) Name() string { return Name }

// Init implements middleware.Initializer. Configuration is carried by the
// struct; the entry config passes through untouched.
func (*HumanInTheLoop) Init(_ context.Context, cfg middleware.Config) (middleware.Config, error) {
	return cfg, nil
}

// SystemPrompt implements middleware.SystemPrompter. The model is told which
// tools require approval so it can set expectations with the user.
func (h *HumanInTheLoop) SystemPrompt(middleware.Config) []string {
	return []string{"Some tool calls require human approval before they run. " +
		"When a call is pending approval, wait for the outcome instead of retrying it."}
}

// PendingApproval implements middleware.ToolApprover: one action request per
// tool call that matches a policy, in call order.
func (h *HumanInTheLoop) PendingApproval(calls []*model.ToolCall, _ middleware.Config) []*state.ActionRequest {
	var reqs []*state.ActionRequest
	for _, call := range calls {
		p, ok := h.policies[call.Name]
		if !ok {
			continue
		}
		allowed := p.AllowedDecisions
		if len(allowed) == 0 {
			allowed = allDecisions
		}
		reqs = append(reqs, &state.ActionRequest{
			ToolCallID:       call.CallID,
			ToolName:         call.Name,
			Arguments:        call.Arguments,
			AllowedDecisions: append([]state.Decision(nil), allowed...),
		})
	}
	return reqs
}

// Gates reports whether the named tool is covered by a policy.
func (h *HumanInTheLoop) Gates(toolName string) bool {
	_, ok := h.policies[toolName]
	return ok
}
