package state

import (
	"encoding/json"

	"goa.design/sagents/runtime/agent/model"
)

// Delta is a partial state update produced by a tool. Tools attach deltas as
// the processed payload of their results; the pipeline merges them into the
// chain state in chronological order, right-wins.
//
// Merge semantics per field:
//   - Messages: appended to the history.
//   - Todos: replaces the todo list when non-nil.
//   - Metadata: map-merged key by key, newer value wins.
type Delta struct {
	// Messages are appended to the conversation history.
	Messages []*model.Message `json:"messages,omitempty"`
	// Todos replaces the todo list when non-nil. An empty non-nil slice
	// clears the list.
	Todos []*model.Todo `json:"todos,omitempty"`
	// Metadata entries are merged into the state metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProcessedKind implements model.Processed.
func (d *Delta) ProcessedKind() string { return "state_delta" }

// Apply merges the delta into the state. The receiver is mutated; callers
// apply deltas only to owned or cloned states.
func (s *State) Apply(d *Delta) {
	if d == nil {
		return
	}
	if len(d.Messages) > 0 {
		s.Messages = append(s.Messages, model.CloneMessages(d.Messages)...)
	}
	if d.Todos != nil {
		todos := make([]*model.Todo, len(d.Todos))
		for i, t := range d.Todos {
			td := *t
			todos[i] = &td
		}
		s.Todos = todos
	}
	if len(d.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(d.Metadata))
		}
		for k, v := range d.Metadata {
			s.Metadata[k] = deepCopyValue(v)
		}
	}
}

func init() {
	model.RegisterProcessed("state_delta", func(data json.RawMessage) (model.Processed, error) {
		var d Delta
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return &d, nil
	})
}
