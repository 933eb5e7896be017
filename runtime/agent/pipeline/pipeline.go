// Package pipeline drives one or more LLM turns for an agent until a
// terminal condition: a plain assistant answer, a matched until-tool, a pause
// for human input, or an error. The pipeline is a flat list of steps, each
// returning an Outcome; any non-continue outcome short-circuits the remaining
// steps. Control flow is carried entirely by the Outcome sum type, never by
// panics.
//
// The pipeline operates on its own deep copy of the agent state. The owning
// worker hands the copy in, runs the pipeline in a cancellable task, and
// folds the final chain state back in when the task reports completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/sagents/runtime/agent"
	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/telemetry"
)

// Terminal pipeline errors.
var (
	// ErrMaxRunsExceeded reports that the loop bound was hit before the
	// model produced a terminal answer.
	ErrMaxRunsExceeded = errors.New("exceeded max runs")
	// ErrUntilToolNotCalled reports that the run finished without the model
	// calling any of the required tools.
	ErrUntilToolNotCalled = errors.New("until tool not called")
	// ErrNotInterrupted reports a resume against a chain with no interrupt
	// record.
	ErrNotInterrupted = errors.New("no interrupt to resume")
)

// OutcomeKind discriminates step results.
type OutcomeKind string

const (
	// OutcomeContinue proceeds to the next step, or loops back to the first
	// step when returned by the last one.
	OutcomeContinue OutcomeKind = "continue"
	// OutcomeOK terminates the run successfully.
	OutcomeOK OutcomeKind = "ok"
	// OutcomeError terminates the run with an error.
	OutcomeError OutcomeKind = "error"
	// OutcomeInterrupt pauses the run for human input.
	OutcomeInterrupt OutcomeKind = "interrupt"
	// OutcomePause terminates the run at a caller-requested pause point.
	OutcomePause OutcomeKind = "pause"
)

type (
	// Outcome is the step result sum type.
	Outcome struct {
		// Kind discriminates the variant.
		Kind OutcomeKind
		// Chain is the chain the outcome applies to. Always set.
		Chain *Chain
		// Extra carries the matched until-tool result on OutcomeOK.
		Extra *model.ToolResult
		// Err is set on OutcomeError.
		Err error
		// Interrupt is the current interrupt on OutcomeInterrupt.
		Interrupt *state.Interrupt
		// Pending holds sibling interrupts from the same turn, FIFO.
		Pending []*state.Interrupt
	}

	// Step is one named pipeline stage.
	Step struct {
		// Name identifies the step in debug traces.
		Name string
		// Run executes the step.
		Run func(ctx context.Context, ch *Chain) Outcome
	}

	// Chain is the mutable run context threaded through the steps.
	Chain struct {
		// Config is the immutable agent configuration.
		Config *agent.Config
		// State is the pipeline's own deep copy of the agent state.
		State *state.State
		// Runs counts LLM calls made in this top-level run.
		Runs int
		// UntilTool holds the tool names that terminate the run when
		// called. Empty disables the check.
		UntilTool []string

		opts Options
	}

	// Options parameterizes New.
	Options struct {
		// Config is the agent configuration. Required.
		Config *agent.Config
		// State is the state copy the pipeline owns. Required.
		State *state.State
		// UntilTool terminates the run when the model calls any of the
		// named tools. Every name must exist in the assembled tool set.
		UntilTool []string
		// ShouldPause is consulted between turns; returning true terminates
		// the run with OutcomePause. Nil never pauses.
		ShouldPause func() bool
		// Context is the run's ambient context, attached to tool ctx.
		Context *agentctx.Context
		// Publish delivers main-topic events. Nil drops them.
		Publish func(events.Payload)
		// PublishDebug delivers debug-topic traces. Nil drops them.
		PublishDebug func(inner any)
		// Logger, Tracer and Metrics default to no-ops.
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	// Pipeline is one configured run.
	Pipeline struct {
		chain *Chain
		steps []Step
	}
)

var (
	modesMu sync.RWMutex
	modes   = make(map[string][]Step)
)

// RegisterMode registers a named step list selectable through
// agent.Config.Mode. Registering a duplicate name panics. Modes other than
// the default bypass the middleware steps; the worker warns when one is
// selected.
func RegisterMode(name string, steps []Step) {
	modesMu.Lock()
	defer modesMu.Unlock()
	if _, ok := modes[name]; ok {
		panic(fmt.Sprintf("pipeline: mode %q already registered", name))
	}
	modes[name] = steps
}

func lookupMode(name string) ([]Step, bool) {
	modesMu.RLock()
	defer modesMu.RUnlock()
	s, ok := modes[name]
	return s, ok
}

// New validates the run parameters and builds a pipeline. Until-tool names
// are checked against the assembled tool set here, before any LLM call.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if opts.State == nil {
		return nil, errors.New("pipeline: state is required")
	}
	for _, name := range opts.UntilTool {
		if !opts.Config.Tools.Has(name) {
			return nil, fmt.Errorf("pipeline: until tool %q is not in the agent tool set", name)
		}
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

	steps := DefaultSteps()
	if mode := opts.Config.Mode; mode != "" && mode != "default" {
		custom, ok := lookupMode(mode)
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown mode %q", mode)
		}
		steps = custom
	}
	ch := &Chain{
		Config:    opts.Config,
		State:     opts.State,
		UntilTool: opts.UntilTool,
		opts:      opts,
	}
	return &Pipeline{chain: ch, steps: steps}, nil
}

// Run executes the step list, looping back to the first step whenever the
// last step yields OutcomeContinue, until a terminal outcome or context
// cancellation.
func (p *Pipeline) Run(ctx context.Context) Outcome {
	for {
		out := p.pass(ctx, p.steps)
		if out.Kind != OutcomeContinue {
			return out
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeError, Chain: p.chain, Err: err}
		}
	}
}

// Resume applies human decisions to the chain's current interrupt and
// re-enters the step list at state propagation, skipping the model call the
// interrupted turn already made. When further interrupts are pending, the
// next one surfaces without an intervening LLM call.
func (p *Pipeline) Resume(ctx context.Context, decisions []*state.ResumeDecision) Outcome {
	ch := p.chain
	if out := ch.applyResumeDecisions(ctx, decisions); out.Kind != OutcomeContinue {
		return out
	}
	out := p.pass(ctx, ResumeSteps())
	if out.Kind != OutcomeContinue {
		return out
	}
	return p.Run(ctx)
}

func (p *Pipeline) pass(ctx context.Context, steps []Step) Outcome {
	ch := p.chain
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeError, Chain: ch, Err: err}
		}
		out := step.Run(ctx, ch)
		ch.trace(step.Name, out)
		if out.Kind != OutcomeContinue {
			return out
		}
	}
	return Outcome{Kind: OutcomeContinue, Chain: ch}
}

// Chain returns the pipeline's chain. The worker reads the final state from
// it after the task completes.
func (p *Pipeline) Chain() *Chain { return p.chain }

func (ch *Chain) publish(p events.Payload) {
	if ch.opts.Publish != nil {
		ch.opts.Publish(p)
	}
}

func (ch *Chain) trace(step string, out Outcome) {
	if ch.opts.PublishDebug == nil {
		return
	}
	inner := map[string]any{"step": step, "outcome": string(out.Kind), "runs": ch.Runs}
	if out.Err != nil {
		inner["error"] = out.Err.Error()
	}
	ch.opts.PublishDebug(inner)
}

func (ch *Chain) cont() Outcome  { return Outcome{Kind: OutcomeContinue, Chain: ch} }
func (ch *Chain) done() Outcome  { return Outcome{Kind: OutcomeOK, Chain: ch} }
func (ch *Chain) pause() Outcome { return Outcome{Kind: OutcomePause, Chain: ch} }

func (ch *Chain) fail(err error) Outcome {
	return Outcome{Kind: OutcomeError, Chain: ch, Err: err}
}

func (ch *Chain) interrupt(current *state.Interrupt, pending []*state.Interrupt) Outcome {
	ch.State.Interrupt = &state.InterruptRecord{Current: current, Pending: pending}
	return Outcome{Kind: OutcomeInterrupt, Chain: ch, Interrupt: current, Pending: pending}
}

// needsResponse reports whether the model must be called again: true when
// the newest message is a tool-role message the model has not reacted to.
func (ch *Chain) needsResponse() bool {
	last := ch.State.LastMessage()
	return last != nil && last.Role == model.RoleTool
}
