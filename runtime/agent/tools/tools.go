// Package tools defines the Tool value the runtime dispatches on behalf of the
// model, plus the Set used to assemble an agent's tool catalogue. Tool
// implementations live in the owner application; the runtime treats them as
// plain values.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
)

type (
	// Tool is one named, schema-described function the model may invoke.
	Tool struct {
		// Name is the identifier the model uses to request the call. Unique
		// within an agent's assembled tool set.
		Name string
		// Description provides human-readable context for the model.
		Description string
		// Schema is the JSON schema for the argument payload. Empty means
		// the tool takes no arguments and no validation is performed.
		Schema json.RawMessage
		// Execute runs the tool. A nil Result with nil error is treated as
		// an empty success. Errors become is_error tool results; the model
		// can react to them.
		Execute func(ctx context.Context, inv *Invocation) (*Result, error)

		compiled *jsonschema.Schema
	}

	// Invocation carries the per-call inputs handed to Execute.
	Invocation struct {
		// CallID is the model-assigned tool call identifier.
		CallID string
		// AgentID identifies the agent that owns the call.
		AgentID string
		// Arguments is the canonical JSON argument payload.
		Arguments json.RawMessage
		// Resume is set when the call is re-invoked after an interrupt it
		// surfaced was resolved. Nil on first invocation.
		Resume *ResumeInfo
	}

	// ResumeInfo carries resolved human decisions back into a tool whose
	// previous invocation surfaced an interrupt signal.
	ResumeInfo struct {
		// SubAgentID identifies the paused child the decisions apply to.
		SubAgentID string
		// Decisions are applied positionally to the interrupt's action
		// requests.
		Decisions []*state.ResumeDecision
	}

	// Result is a successful tool outcome. Content is the opaque text fed
	// back to the model; Processed optionally carries a typed payload (a
	// state delta or an interrupt signal) the runtime inspects.
	Result struct {
		// Content is the text returned to the model.
		Content string
		// Processed is the optional structured payload.
		Processed model.Processed
	}

	// Set is an ordered tool catalogue keyed by name. Duplicate names are a
	// configuration error.
	Set struct {
		ordered []*Tool
		byName  map[string]*Tool
	}
)

// ErrDuplicateTool is wrapped by Set.Add when a name is already taken.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Compile validates the tool definition and compiles its argument schema.
// Called once during agent config assembly; invalid schemas fail startup.
func (t *Tool) Compile() error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q: execute function is required", t.Name)
	}
	if len(t.Schema) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.Schema))
	if err != nil {
		return fmt.Errorf("tool %q: parse schema: %w", t.Name, err)
	}
	c := jsonschema.NewCompiler()
	res := fmt.Sprintf("mem://tools/%s.json", t.Name)
	if err := c.AddResource(res, doc); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", t.Name, err)
	}
	sch, err := c.Compile(res)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", t.Name, err)
	}
	t.compiled = sch
	return nil
}

// ValidateArgs checks an argument payload against the compiled schema. Tools
// without a schema accept anything. Compile must have been called first for
// schema-carrying tools.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("tool %q: parse arguments: %w", t.Name, err)
	}
	if err := t.compiled.Validate(v); err != nil {
		return fmt.Errorf("tool %q: invalid arguments: %w", t.Name, err)
	}
	return nil
}

// Definition projects the tool into the model-facing schema description.
func (t *Tool) Definition() *model.ToolDefinition {
	return &model.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Schema:      t.Schema,
	}
}

// NewSet builds a Set from the given tools, compiling each and rejecting
// duplicate names.
func NewSet(ts ...*Tool) (*Set, error) {
	s := &Set{byName: make(map[string]*Tool, len(ts))}
	for _, t := range ts {
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add compiles the tool and appends it to the set. Duplicate names fail with
// ErrDuplicateTool.
func (s *Set) Add(t *Tool) error {
	if err := t.Compile(); err != nil {
		return err
	}
	if _, ok := s.byName[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name)
	}
	s.byName[t.Name] = t
	s.ordered = append(s.ordered, t)
	return nil
}

// Get returns the named tool or nil.
func (s *Set) Get(name string) *Tool {
	if s == nil {
		return nil
	}
	return s.byName[name]
}

// Has reports whether the named tool exists.
func (s *Set) Has(name string) bool { return s.Get(name) != nil }

// All returns the tools in registration order. The returned slice is shared;
// callers must not mutate it.
func (s *Set) All() []*Tool {
	if s == nil {
		return nil
	}
	return s.ordered
}

// Len returns the number of tools in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// Definitions projects all tools into model-facing definitions in order.
func (s *Set) Definitions() []*model.ToolDefinition {
	if s == nil || len(s.ordered) == 0 {
		return nil
	}
	defs := make([]*model.ToolDefinition, len(s.ordered))
	for i, t := range s.ordered {
		defs[i] = t.Definition()
	}
	return defs
}
