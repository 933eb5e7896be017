package state

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sagents/runtime/agent/model"
)

// arbitraryState builds a state with randomized history, todos, and metadata.
type arbitraryState struct {
	AgentID  string
	Texts    []string
	Todos    []string
	Metadata map[string]string
}

func (a arbitraryState) build() *State {
	st := New(a.AgentID)
	for i, text := range a.Texts {
		if i%2 == 0 {
			st.AppendMessage(model.NewUserMessage(text))
		} else {
			st.AppendMessage(model.NewAssistantMessage(text, &model.ToolCall{
				CallID:    fmt.Sprintf("c-%d", i),
				Name:      "search",
				Arguments: json.RawMessage(`{"q":"` + text + `"}`),
			}))
		}
	}
	for i, content := range a.Todos {
		st.Todos = append(st.Todos, &model.Todo{
			ID:      fmt.Sprintf("t-%d", i),
			Content: content,
			Status:  "pending",
		})
	}
	for k, v := range a.Metadata {
		st.Metadata[k] = v
	}
	return st
}

func genArbitraryState() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	).Map(func(vals []interface{}) arbitraryState {
		return arbitraryState{
			AgentID:  vals[0].(string),
			Texts:    vals[1].([]string),
			Todos:    vals[2].([]string),
			Metadata: vals[3].(map[string]string),
		}
	})
}

func TestCloneIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating a clone never changes the original", prop.ForAll(
		func(a arbitraryState) bool {
			st := a.build()
			before, err := st.Serialize()
			if err != nil {
				return false
			}

			cp := st.Clone()
			cp.AgentID = "mutated"
			cp.AppendMessage(model.NewUserMessage("mutated"))
			for _, m := range cp.Messages {
				m.Content = "mutated"
				for _, tc := range m.ToolCalls {
					tc.Name = "mutated"
					if len(tc.Arguments) > 0 {
						tc.Arguments[0] = 'X'
					}
				}
			}
			for _, td := range cp.Todos {
				td.Status = "completed"
			}
			cp.Metadata["mutated"] = true
			for k := range cp.Metadata {
				cp.Metadata[k] = "mutated"
			}

			after, err := st.Serialize()
			if err != nil {
				return false
			}
			return string(before) == string(after)
		},
		genArbitraryState(),
	))

	properties.TestingRun(t)
}

func TestSerializeRestoreRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("restore inverts serialize", prop.ForAll(
		func(a arbitraryState) bool {
			st := a.build()
			data, err := st.Serialize()
			if err != nil {
				return false
			}
			got, err := Restore(data)
			if err != nil {
				return false
			}
			want, err := st.Serialize()
			if err != nil {
				return false
			}
			round, err := got.Serialize()
			if err != nil {
				return false
			}
			return string(want) == string(round)
		},
		genArbitraryState(),
	))

	properties.TestingRun(t)
}

func TestRestoreSchemaVersion(t *testing.T) {
	st := New("a-1")
	st.AppendMessage(model.NewUserMessage("hi"))
	data, err := st.Serialize()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(SchemaVersion), raw["schema_version"])

	// Pre-versioning snapshots carry no version and restore as version one.
	delete(raw, "schema_version")
	legacy, err := json.Marshal(raw)
	require.NoError(t, err)
	got, err := Restore(legacy)
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.AgentID)
	assert.NotNil(t, got.Metadata)

	raw["schema_version"] = SchemaVersion + 1
	future, err := json.Marshal(raw)
	require.NoError(t, err)
	_, err = Restore(future)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema version")

	_, err = Restore([]byte("{"))
	require.Error(t, err)
}

func TestRestorePreservesInterruptRecord(t *testing.T) {
	st := New("a-1")
	st.Interrupt = &InterruptRecord{
		Current: &Interrupt{
			Kind: KindHITL,
			ActionRequests: []*ActionRequest{{
				ToolCallID:       "t1",
				ToolName:         "write_file",
				Arguments:        json.RawMessage(`{"path":"x"}`),
				AllowedDecisions: []Decision{DecisionApprove, DecisionReject},
			}},
		},
		Pending: []*Interrupt{{
			Kind: KindSubAgent,
			Signal: &InterruptSignal{
				SubAgentID:   "sub-researcher-1",
				SubAgentType: "researcher",
				ToolCallID:   "t2",
				Interrupt:    &Interrupt{Kind: KindHITL},
			},
		}},
	}

	data, err := st.Serialize()
	require.NoError(t, err)
	got, err := Restore(data)
	require.NoError(t, err)

	require.NotNil(t, got.Interrupt)
	require.NotNil(t, got.Interrupt.Current)
	assert.Equal(t, KindHITL, got.Interrupt.Current.Kind)
	require.Len(t, got.Interrupt.Current.ActionRequests, 1)
	ar := got.Interrupt.Current.ActionRequests[0]
	assert.Equal(t, "write_file", ar.ToolName)
	assert.Equal(t, []Decision{DecisionApprove, DecisionReject}, ar.AllowedDecisions)

	require.Len(t, got.Interrupt.Pending, 1)
	sig := got.Interrupt.Pending[0].Signal
	require.NotNil(t, sig)
	assert.Equal(t, "sub-researcher-1", sig.SubAgentID)
	assert.Equal(t, "researcher", sig.SubAgentType)
	assert.Equal(t, "t2", sig.ToolCallID)
}

func TestProcessedPayloadsSurviveMessageRoundTrip(t *testing.T) {
	msg := model.NewToolMessage(
		&model.ToolResult{
			CallID:  "t1",
			Name:    "update_todos",
			Content: "ok",
			Processed: &Delta{
				Todos:    []*model.Todo{{ID: "1", Content: "ship it", Status: "pending"}},
				Metadata: map[string]any{"phase": "build"},
			},
		},
		&model.ToolResult{
			CallID:  "t2",
			Name:    "task",
			Content: "paused",
			Processed: &InterruptSignal{
				SubAgentID:   "sub-coder-1",
				SubAgentType: "coder",
			},
		},
	)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	var got model.Message
	require.NoError(t, json.Unmarshal(data, &got))

	require.Len(t, got.ToolResults, 2)
	d, ok := got.ToolResults[0].Processed.(*Delta)
	require.True(t, ok)
	require.Len(t, d.Todos, 1)
	assert.Equal(t, "ship it", d.Todos[0].Content)
	assert.Equal(t, "build", d.Metadata["phase"])

	sig, ok := got.ToolResults[1].Processed.(*InterruptSignal)
	require.True(t, ok)
	assert.Equal(t, "sub-coder-1", sig.SubAgentID)

	// Unknown processed kinds are dropped, not fatal.
	var unknown model.ToolResult
	require.NoError(t, json.Unmarshal(
		[]byte(`{"call_id":"t3","name":"x","processed":{"kind":"bogus","data":{}}}`), &unknown))
	assert.Nil(t, unknown.Processed)
}

func TestNewestToolRun(t *testing.T) {
	st := New("a-1")
	assert.Empty(t, st.NewestToolRun())

	st.AppendMessage(model.NewUserMessage("go"))
	call := &model.ToolCall{CallID: "t1", Name: "search"}
	st.AppendMessage(model.NewAssistantMessage("", call))
	assert.Empty(t, st.NewestToolRun())

	first := model.NewToolMessage(&model.ToolResult{CallID: "t1", Name: "search", Content: "a"})
	second := model.NewToolMessage(&model.ToolResult{CallID: "t2", Name: "search", Content: "b"})
	st.AppendMessage(first)
	st.AppendMessage(second)

	run := st.NewestToolRun()
	require.Len(t, run, 2)
	assert.Same(t, first, run[0])
	assert.Same(t, second, run[1])

	st.AppendMessage(model.NewAssistantMessage("done"))
	assert.Empty(t, st.NewestToolRun())

	assert.Same(t, st.Messages[1], st.LastAssistantWithToolCalls())
}

func TestApplyDelta(t *testing.T) {
	st := New("a-1")
	st.AppendMessage(model.NewUserMessage("hi"))
	st.Metadata["keep"] = "original"
	st.Metadata["overwrite"] = "old"
	st.Todos = []*model.Todo{{ID: "1", Content: "old", Status: "pending"}}

	st.Apply(&Delta{
		Messages: []*model.Message{model.NewAssistantMessage("noted")},
		Todos:    []*model.Todo{{ID: "2", Content: "new", Status: "pending"}},
		Metadata: map[string]any{"overwrite": "new", "added": "yes"},
	})

	require.Len(t, st.Messages, 2)
	assert.Equal(t, "noted", st.Messages[1].Content)
	require.Len(t, st.Todos, 1)
	assert.Equal(t, "new", st.Todos[0].Content)
	assert.Equal(t, "original", st.Metadata["keep"])
	assert.Equal(t, "new", st.Metadata["overwrite"])
	assert.Equal(t, "yes", st.Metadata["added"])

	// A non-nil empty todo list clears; a nil one leaves todos alone.
	st.Apply(&Delta{Todos: []*model.Todo{}})
	assert.Empty(t, st.Todos)
	st.Todos = []*model.Todo{{ID: "3", Content: "kept", Status: "pending"}}
	st.Apply(&Delta{Metadata: map[string]any{"x": "y"}})
	require.Len(t, st.Todos, 1)

	st.Apply(nil)
	require.Len(t, st.Todos, 1)
}

func TestApplyMetadataRightWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("later deltas win overlapping metadata keys", prop.ForAll(
		func(first, second map[string]string) bool {
			st := New("a-1")
			d1 := &Delta{Metadata: make(map[string]any, len(first))}
			for k, v := range first {
				d1.Metadata[k] = v
			}
			d2 := &Delta{Metadata: make(map[string]any, len(second))}
			for k, v := range second {
				d2.Metadata[k] = v
			}
			st.Apply(d1)
			st.Apply(d2)

			for k, v := range second {
				if st.Metadata[k] != v {
					return false
				}
			}
			for k, v := range first {
				if _, overlaps := second[k]; overlaps {
					continue
				}
				if st.Metadata[k] != v {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestApplyClonesDeltaData(t *testing.T) {
	st := New("a-1")
	msg := model.NewAssistantMessage("shared")
	nested := map[string]any{"inner": "v"}
	st.Apply(&Delta{
		Messages: []*model.Message{msg},
		Metadata: map[string]any{"nested": nested},
	})

	msg.Content = "mutated"
	nested["inner"] = "mutated"

	assert.Equal(t, "shared", st.Messages[0].Content)
	assert.Equal(t, "v", st.Metadata["nested"].(map[string]any)["inner"])
}

func TestDisplayItems(t *testing.T) {
	assert.Nil(t, DisplayItems(nil))

	call := &model.ToolCall{CallID: "t1", Name: "search"}
	msg := &model.Message{
		Role:      model.RoleAssistant,
		Thinking:  "let me see",
		Content:   "searching",
		ToolCalls: []*model.ToolCall{call, {CallID: "t2", Name: "read_file"}},
	}
	items := DisplayItems(msg)
	require.Len(t, items, 4)
	kinds := make([]DisplayKind, len(items))
	for i, it := range items {
		kinds[i] = it.Kind
		assert.Equal(t, i, it.Sequence)
		assert.Equal(t, model.RoleAssistant, it.Role)
	}
	assert.Equal(t, []DisplayKind{DisplayThinking, DisplayText, DisplayToolCall, DisplayToolCall}, kinds)
	assert.Same(t, call, items[2].ToolCall)

	toolMsg := model.NewToolMessage(
		&model.ToolResult{CallID: "t1", Name: "search", Content: "found"},
		&model.ToolResult{CallID: "t2", Name: "read_file", Content: "data", IsError: true},
	)
	items = DisplayItems(toolMsg)
	require.Len(t, items, 2)
	assert.Equal(t, DisplayToolResult, items[0].Kind)
	assert.Equal(t, DisplayToolResult, items[1].Kind)
	assert.True(t, items[1].ToolResult.IsError)
}
