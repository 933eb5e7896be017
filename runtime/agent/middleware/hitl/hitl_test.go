package hitl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
)

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(map[string]Policy{
		"write_file": {AllowedDecisions: []state.Decision{"shrug"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decision")

	h, err := New(map[string]Policy{"write_file": {}})
	require.NoError(t, err)
	assert.True(t, h.Gates("write_file"))
	assert.False(t, h.Gates("search"))
}

func TestPendingApproval(t *testing.T) {
	h, err := New(map[string]Policy{
		"write_file": {},
		"deploy":     {AllowedDecisions: []state.Decision{state.DecisionApprove, state.DecisionReject}},
	})
	require.NoError(t, err)

	calls := []*model.ToolCall{
		{CallID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)},
		{CallID: "c2", Name: "write_file", Arguments: json.RawMessage(`{"path":"hello.txt"}`)},
		{CallID: "c3", Name: "deploy", Arguments: json.RawMessage(`{"env":"prod"}`)},
	}
	reqs := h.PendingApproval(calls, nil)
	require.Len(t, reqs, 2)

	assert.Equal(t, "c2", reqs[0].ToolCallID)
	assert.Equal(t, "write_file", reqs[0].ToolName)
	assert.ElementsMatch(t,
		[]state.Decision{state.DecisionApprove, state.DecisionEdit, state.DecisionReject},
		reqs[0].AllowedDecisions)

	assert.Equal(t, "c3", reqs[1].ToolCallID)
	assert.Equal(t,
		[]state.Decision{state.DecisionApprove, state.DecisionReject},
		reqs[1].AllowedDecisions)
}

func TestPendingApprovalNoMatches(t *testing.T) {
	h, err := InterruptOn("write_file")
	require.NoError(t, err)
	reqs := h.PendingApproval([]*model.ToolCall{{CallID: "c1", Name: "search"}}, nil)
	assert.Empty(t, reqs)
}
