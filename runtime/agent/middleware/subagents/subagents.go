// Package subagents provides the delegation middleware: a catalogue of named
// child agent specifications exposed to the model through a single task tool.
// Each task call launches a fully independent child worker; when a child
// pauses for approval its interrupt is lifted into the parent pipeline as an
// InterruptSignal embedded in the tool result, and parent resume decisions
// travel back down through tool re-invocation.
package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"goa.design/sagents/runtime/agent"
	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/telemetry"
	"goa.design/sagents/runtime/agent/tools"
	"goa.design/sagents/runtime/agent/worker"
)

const (
	// Name is the middleware identifier.
	Name = "subagents"
	// ToolName is the delegation tool exposed to the model.
	ToolName = "task"
)

type (
	// Spec describes one named child agent type the model may delegate to.
	Spec struct {
		// Type is the identifier the model passes as subagent_type.
		Type string
		// Description tells the model what this child is good at.
		Description string
		// SystemPrompt is the child's base system prompt.
		SystemPrompt string
		// ChatModel is the child's primary model. Required.
		ChatModel *model.Ref
		// FallbackModels are the child's fallbacks, tried in order.
		FallbackModels []*model.Ref
		// Tools are the child's own tools.
		Tools []*tools.Tool
		// Middleware is the child's middleware list. A child carrying the
		// hitl middleware pauses like any agent; the pause is lifted to the
		// parent.
		Middleware []*middleware.Entry
		// MaxRuns bounds the child's LLM calls per run. Zero means the
		// runtime default.
		MaxRuns int
	}

	// Options parameterizes New.
	Options struct {
		// Specs is the child catalogue. At least one is required.
		Specs []Spec
		// Bus delivers the children's events. Required; children publish on
		// their own agent topics so observers can follow them directly.
		Bus events.Bus
		// Logger, Tracer, Metrics are handed to child workers. Default to
		// no-ops.
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	// SubAgents is the delegation middleware. One instance serves one parent
	// agent; paused children are tracked here between the parent's interrupt
	// and its resume.
	SubAgents struct {
		specs map[string]Spec
		order []string
		bus   events.Bus

		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics

		mu       sync.Mutex
		children map[string]*child
	}

	child struct {
		w    *worker.Worker
		spec Spec
	}

	taskArgs struct {
		SubagentType string `json:"subagent_type"`
		Prompt       string `json:"prompt"`
	}
)

// New validates the child catalogue and builds the middleware.
func New(opts Options) (*SubAgents, error) {
	if len(opts.Specs) == 0 {
		return nil, fmt.Errorf("%s: at least one sub-agent spec is required", Name)
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("%s: event bus is required", Name)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	s := &SubAgents{
		specs:    make(map[string]Spec, len(opts.Specs)),
		bus:      opts.Bus,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		children: make(map[string]*child),
	}
	for _, spec := range opts.Specs {
		if spec.Type == "" {
			return nil, fmt.Errorf("%s: spec type is required", Name)
		}
		if _, ok := s.specs[spec.Type]; ok {
			return nil, fmt.Errorf("%s: duplicate spec type %q", Name, spec.Type)
		}
		if spec.ChatModel == nil || spec.ChatModel.Client == nil {
			return nil, fmt.Errorf("%s: spec %q: chat model is required", Name, spec.Type)
		}
		s.specs[spec.Type] = spec
		s.order = append(s.order, spec.Type)
	}
	return s, nil
}

// Name implements middleware.Middleware.
func (*SubAgents) Name() string { return Name }

// SystemPrompt implements middleware.SystemPrompter: the model is told what
// child types exist and what each is for.
func (s *SubAgents) SystemPrompt(middleware.Config) []string {
	var b strings.Builder
	b.WriteString("You can delegate work to sub-agents with the task tool. Available sub-agent types:")
	for _, typ := range s.order {
		spec := s.specs[typ]
		b.WriteString("\n- ")
		b.WriteString(typ)
		if spec.Description != "" {
			b.WriteString(": ")
			b.WriteString(spec.Description)
		}
	}
	return []string{b.String()}
}

// Tools implements middleware.ToolProvider.
func (s *SubAgents) Tools(middleware.Config) []*tools.Tool {
	return []*tools.Tool{{
		Name:        ToolName,
		Description: "Delegate a task to a sub-agent. The sub-agent works autonomously and returns its final answer.",
		Schema:      s.taskSchema(),
		Execute:     s.runTask,
	}}
}

func (s *SubAgents) taskSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"subagent_type": map[string]any{
				"type": "string",
				"enum": s.order,
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent to perform.",
			},
		},
		"required":             []string{"subagent_type", "prompt"},
		"additionalProperties": false,
	}
	data, _ := json.Marshal(schema)
	return data
}

// Children returns the identifiers of currently paused children.
func (s *SubAgents) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every tracked child. Called by the owner when the parent
// agent goes away while children are still paused.
func (s *SubAgents) Shutdown(ctx context.Context) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.children = make(map[string]*child)
	s.mu.Unlock()
	for _, c := range children {
		_ = c.w.Stop(ctx, agent.ShutdownManual)
	}
}

// runTask is the task tool's execute function. First invocations launch a
// child; re-invocations carrying resume info route decisions into the paused
// child and wait for its next outcome.
func (s *SubAgents) runTask(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	if inv.Resume != nil {
		return s.resumeChild(ctx, inv.Resume)
	}

	var args taskArgs
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return nil, fmt.Errorf("parse task arguments: %w", err)
	}
	spec, ok := s.specs[args.SubagentType]
	if !ok {
		return nil, fmt.Errorf("unknown sub-agent type %q", args.SubagentType)
	}

	childID := fmt.Sprintf("sub-%s-%s", spec.Type, uuid.NewString()[:8])
	cfg, err := agent.NewConfig(ctx, agent.Options{
		ID:             childID,
		Name:           spec.Type,
		ChatModel:      spec.ChatModel,
		FallbackModels: spec.FallbackModels,
		SystemPrompt:   spec.SystemPrompt,
		Tools:          spec.Tools,
		Middleware:     spec.Middleware,
		MaxRuns:        spec.MaxRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", childID, err)
	}

	var snapshot agentctx.Values
	if pc := agentctx.FromContext(ctx); pc != nil {
		snapshot = pc.Fork(nil)
	}
	w, err := worker.New(ctx, worker.Options{
		Config:            cfg,
		Bus:               s.bus,
		Context:           snapshot,
		InactivityTimeout: -1,
		Logger:            s.logger,
		Tracer:            s.tracer,
		Metrics:           s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", childID, err)
	}
	s.track(childID, w, spec)

	sub, err := w.Subscribe(ctx)
	if err != nil {
		s.release(ctx, childID, w)
		return nil, fmt.Errorf("sub-agent %s: %w", childID, err)
	}
	defer sub.Close()

	if err := w.AddMessage(ctx, model.NewUserMessage(args.Prompt)); err != nil {
		s.release(ctx, childID, w)
		return nil, fmt.Errorf("sub-agent %s: %w", childID, err)
	}
	return s.awaitChild(ctx, childID, w, spec, sub)
}

// resumeChild routes resolved decisions into a paused child and waits for its
// next outcome. The recursion through nested delegation terminates because
// every resume consumes at least one pending interrupt.
func (s *SubAgents) resumeChild(ctx context.Context, info *tools.ResumeInfo) (*tools.Result, error) {
	c, ok := s.lookup(info.SubAgentID)
	if !ok {
		return nil, fmt.Errorf("unknown sub-agent %q", info.SubAgentID)
	}
	sub, err := c.w.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", info.SubAgentID, err)
	}
	defer sub.Close()

	if err := c.w.Resume(ctx, info.Decisions); err != nil {
		return nil, fmt.Errorf("sub-agent %s: %w", info.SubAgentID, err)
	}
	return s.awaitChild(ctx, info.SubAgentID, c.w, c.spec, sub)
}

// awaitChild waits for the child's next terminal status. Completion returns
// the child's final text; a pause returns the lifted interrupt signal and
// keeps the child alive for resume.
func (s *SubAgents) awaitChild(ctx context.Context, childID string, w *worker.Worker, spec Spec, sub events.Subscription) (*tools.Result, error) {
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				s.release(ctx, childID, w)
				return nil, fmt.Errorf("sub-agent %s: event stream closed", childID)
			}
			sc, ok := env.Payload.(events.StatusChanged)
			if !ok {
				continue
			}
			switch agent.Status(sc.NewStatus) {
			case agent.StatusIdle:
				st, err := w.GetState(ctx)
				if err != nil {
					s.release(ctx, childID, w)
					return nil, fmt.Errorf("sub-agent %s: %w", childID, err)
				}
				s.release(ctx, childID, w)
				return &tools.Result{Content: finalText(st)}, nil
			case agent.StatusInterrupted:
				st, err := w.GetState(ctx)
				if err != nil {
					s.release(ctx, childID, w)
					return nil, fmt.Errorf("sub-agent %s: %w", childID, err)
				}
				if st.Interrupt == nil || st.Interrupt.Current == nil {
					s.release(ctx, childID, w)
					return nil, fmt.Errorf("sub-agent %s: interrupted without interrupt record", childID)
				}
				return &tools.Result{
					Content: fmt.Sprintf("sub-agent %s paused awaiting approval", childID),
					Processed: &state.InterruptSignal{
						SubAgentID:   childID,
						SubAgentType: spec.Type,
						Interrupt:    st.Interrupt.Current,
					},
				}, nil
			case agent.StatusError:
				s.release(ctx, childID, w)
				return nil, fmt.Errorf("sub-agent %s failed: %v", childID, sc.Detail)
			}
		case <-ctx.Done():
			s.release(ctx, childID, w)
			return nil, ctx.Err()
		}
	}
}

// finalText returns the newest assistant text in the child's history.
func finalText(st *state.State) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := st.Messages[i]
		if m.Role == model.RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

func (s *SubAgents) track(id string, w *worker.Worker, spec Spec) {
	s.mu.Lock()
	s.children[id] = &child{w: w, spec: spec}
	s.mu.Unlock()
}

func (s *SubAgents) lookup(id string) (*child, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	return c, ok
}

// release stops the child and forgets it. The stop uses a fresh context so a
// cancelled tool task still tears its child down; stop failures are ignored
// since a child that already terminated reports success.
func (s *SubAgents) release(_ context.Context, id string, w *worker.Worker) {
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
	_ = w.Stop(context.Background(), agent.ShutdownManual)
	<-w.Done()
}
