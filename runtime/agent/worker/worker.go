// Package worker implements the per-agent runtime entity: a single-consumer
// serializer that owns one (Config, State) pair. Every public method enqueues
// a command; a dedicated loop goroutine processes commands one at a time and
// is the sole mutator of the state and status. LLM turns run in a cancellable
// pipeline task operating on a deep state copy; the task hands its final
// chain back to the loop as an internal command.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/sagents/runtime/agent"
	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/persist"
	"goa.design/sagents/runtime/agent/pipeline"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/telemetry"
)

// Defaults applied by New.
const (
	// DefaultInactivityTimeout shuts an idle worker down after this long
	// without activity.
	DefaultInactivityTimeout = 5 * time.Minute
	// DefaultPresenceGrace is the wait before a viewerless idle worker
	// shuts down.
	DefaultPresenceGrace = 5 * time.Second
	// DefaultPresenceInterval is how often viewer counts are checked.
	DefaultPresenceInterval = time.Second
	// commandBuffer sizes the worker mailbox.
	commandBuffer = 64
)

// Command surface errors.
var (
	// ErrStopped is returned by commands sent to a terminated worker.
	ErrStopped = errors.New("worker is stopped")
	// ErrNotRunning is returned by Cancel outside of Running.
	ErrNotRunning = errors.New("worker is not running")
	// ErrNotInterrupted is returned by Resume outside of Interrupted.
	ErrNotInterrupted = errors.New("worker is not interrupted")
	// ErrNotIdle is returned by UpdateAgentAndState outside of Idle.
	ErrNotIdle = errors.New("worker is not idle")
	// ErrBusy is returned by Execute while a task is already in flight.
	ErrBusy = errors.New("worker already has a task in flight")
)

type (
	// Options parameterizes New.
	Options struct {
		// Config is the immutable agent configuration. Required.
		Config *agent.Config
		// Bus delivers the agent's events. Required.
		Bus events.Bus
		// InitialState seeds the worker. When nil the worker loads the
		// latest snapshot from Persistence, or starts fresh when there is
		// none.
		InitialState *state.State
		// Context is the initial ambient context snapshot. Restore
		// functions it carries run during worker init.
		Context agentctx.Values
		// Persistence optionally stores whole state snapshots.
		Persistence persist.AgentPersistence
		// DisplayPersistence optionally stores the display projection.
		DisplayPersistence persist.DisplayMessagePersistence
		// InactivityTimeout shuts the idle worker down after this long
		// without activity. Zero means DefaultInactivityTimeout; negative
		// disables the timer.
		InactivityTimeout time.Duration
		// Presence enables viewer-based shutdown.
		Presence *PresenceOptions
		// ShouldPause is consulted by the pipeline between turns.
		ShouldPause func() bool
		// Logger, Tracer, Metrics default to no-ops.
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	// PresenceOptions configures viewer-based shutdown: when the worker is
	// idle and Viewers reports zero for the grace period, it shuts down
	// with reason no_viewers. Presence never interrupts running or
	// interrupted workers.
	PresenceOptions struct {
		// Viewers reports the current viewer count. Required.
		Viewers func() int
		// Grace is the zero-viewer wait before shutdown. Defaults to
		// DefaultPresenceGrace.
		Grace time.Duration
		// Interval is the check cadence. Defaults to
		// DefaultPresenceInterval.
		Interval time.Duration
	}

	// Info is the worker summary surfaced by agent_info.
	Info struct {
		// ID is the agent identifier.
		ID string
		// Status is the current worker status.
		Status agent.Status
		// MessageCount is the history length.
		MessageCount int
		// HasInterrupt reports a populated interrupt record.
		HasInterrupt bool
		// Uptime is the time since worker start.
		Uptime time.Duration
	}

	// Worker is one agent's runtime entity. All fields past the channels
	// are owned by the loop goroutine.
	Worker struct {
		opts  Options
		cfg   *agent.Config
		cmds  chan command
		done  chan struct{}
		start time.Time

		// loop-owned state
		st          *state.State
		actx        *agentctx.Context
		status      agent.Status
		taskCancel  context.CancelFunc
		cancelling  bool
		resuming    bool
		pendingMsgs []*model.Message
		stopReason  agent.ShutdownReason
		grace       *time.Timer
		inactivity  *time.Timer
	}

	command struct {
		run func()
	}

	// taskDone is the internal completion hand-off from the pipeline task.
	taskDone struct {
		outcome  pipeline.Outcome
		priorLen int
	}
)

// New validates the options, restores or seeds the state, and starts the
// worker loop. The returned worker is immediately accepting commands.
func New(ctx context.Context, opts Options) (*Worker, error) {
	if opts.Config == nil {
		return nil, errors.New("worker: config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("worker: event bus is required")
	}
	if opts.Presence != nil && opts.Presence.Viewers == nil {
		return nil, errors.New("worker: presence requires a viewer counter")
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
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}

	w := &Worker{
		opts:   opts,
		cfg:    opts.Config,
		cmds:   make(chan command, commandBuffer),
		done:   make(chan struct{}),
		start:  time.Now(),
		status: agent.StatusIdle,
	}

	st, restored, err := w.initialState(ctx)
	if err != nil {
		return nil, err
	}
	w.st = st
	w.actx = agentctx.Init(ctx, opts.Context, opts.Logger)

	if opts.Config.IsRawMode() {
		opts.Logger.Warn(ctx, "raw pipeline mode selected: approval gating and state propagation are not guaranteed",
			"agent_id", opts.Config.ID, "mode", opts.Config.Mode)
	}

	go w.loop()
	if restored {
		w.publishMain(events.StateRestored{State: w.st.Clone()})
	}
	return w, nil
}

func (w *Worker) initialState(ctx context.Context) (*state.State, bool, error) {
	if w.opts.InitialState != nil {
		st := w.opts.InitialState
		if st.AgentID == "" {
			st.AgentID = w.cfg.ID
		}
		if st.AgentID != w.cfg.ID {
			return nil, false, fmt.Errorf("worker: state agent id %q does not match config id %q", st.AgentID, w.cfg.ID)
		}
		return st, false, nil
	}
	if w.opts.Persistence != nil {
		data, err := w.opts.Persistence.Load(ctx, w.cfg.ID)
		switch {
		case err == nil:
			st, rerr := state.Restore(data)
			if rerr != nil {
				return nil, false, fmt.Errorf("worker: restore snapshot: %w", rerr)
			}
			return st, true, nil
		case errors.Is(err, persist.ErrNotFound):
		default:
			w.opts.Logger.Warn(ctx, "loading persisted state failed, starting fresh",
				"agent_id", w.cfg.ID, "error", err.Error())
		}
	}
	return state.New(w.cfg.ID), false, nil
}

// Done is closed after the worker terminates.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ID returns the agent identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// do enqueues fn and waits for the loop to run it.
func (w *Worker) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	cmd := command{run: func() { reply <- fn() }}
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddMessage appends a message to the history and schedules a run unless one
// is already in flight or awaiting resume; messages arriving then are
// buffered and applied when the task completes.
func (w *Worker) AddMessage(ctx context.Context, msg *model.Message) error {
	return w.do(ctx, func() error {
		w.touch()
		if w.status == agent.StatusRunning || w.status == agent.StatusInterrupted {
			w.pendingMsgs = append(w.pendingMsgs, msg)
			return nil
		}
		w.st.AppendMessage(msg)
		return w.startTask(nil)
	})
}

// Execute starts a pipeline run.
func (w *Worker) Execute(ctx context.Context) error {
	return w.do(ctx, func() error {
		w.touch()
		if w.status == agent.StatusRunning {
			return ErrBusy
		}
		if w.status == agent.StatusInterrupted {
			return ErrBusy
		}
		return w.startTask(nil)
	})
}

// Cancel aborts the in-flight run. Valid only while Running.
func (w *Worker) Cancel(ctx context.Context) error {
	return w.do(ctx, func() error {
		if w.status != agent.StatusRunning {
			return ErrNotRunning
		}
		w.cancelling = true
		w.setStatus(agent.StatusCancelled, nil)
		if w.taskCancel != nil {
			w.taskCancel()
		}
		return nil
	})
}

// Resume applies human decisions to the current interrupt and re-enters the
// pipeline. Valid only while Interrupted.
func (w *Worker) Resume(ctx context.Context, decisions []*state.ResumeDecision) error {
	return w.do(ctx, func() error {
		w.touch()
		if w.status != agent.StatusInterrupted {
			return ErrNotInterrupted
		}
		if decisions == nil {
			decisions = []*state.ResumeDecision{}
		}
		return w.startTask(decisions)
	})
}

// GetState returns a deep copy of the current state.
func (w *Worker) GetState(ctx context.Context) (*state.State, error) {
	var snap *state.State
	err := w.do(ctx, func() error {
		w.touch()
		snap = w.st.Clone()
		return nil
	})
	return snap, err
}

// ExportState returns the serialized snapshot of the current state.
func (w *Worker) ExportState(ctx context.Context) ([]byte, error) {
	var data []byte
	err := w.do(ctx, func() error {
		w.touch()
		var serr error
		data, serr = w.st.Serialize()
		return serr
	})
	return data, err
}

// UpdateAgentAndState atomically replaces the configuration and state. Valid
// only while Idle.
func (w *Worker) UpdateAgentAndState(ctx context.Context, cfg *agent.Config, st *state.State) error {
	return w.do(ctx, func() error {
		w.touch()
		if w.status != agent.StatusIdle {
			return ErrNotIdle
		}
		if cfg == nil || st == nil {
			return errors.New("worker: config and state are required")
		}
		if st.AgentID != cfg.ID {
			return fmt.Errorf("worker: state agent id %q does not match config id %q", st.AgentID, cfg.ID)
		}
		w.cfg = cfg
		w.st = st
		return nil
	})
}

// SendMiddlewareMessage routes a message to the named middleware entry's
// handler. Messages for unknown entries are logged and dropped.
func (w *Worker) SendMiddlewareMessage(ctx context.Context, middlewareID string, msg any) error {
	return w.do(ctx, func() error {
		return w.dispatchMiddlewareMessage(middlewareID, msg)
	})
}

// Subscribe opens a subscription to the agent's main topic.
func (w *Worker) Subscribe(ctx context.Context) (events.Subscription, error) {
	return w.opts.Bus.Subscribe(ctx, events.Topic(w.cfg.ID))
}

// SubscribeDebug opens a subscription to the agent's debug topic.
func (w *Worker) SubscribeDebug(ctx context.Context) (events.Subscription, error) {
	return w.opts.Bus.Subscribe(ctx, events.DebugTopic(w.cfg.ID))
}

// PublishEventFrom publishes on the agent's main topic on behalf of a task
// that holds the worker's id. Safe from any goroutine.
func (w *Worker) PublishEventFrom(payload events.Payload) {
	w.publishMain(payload)
}

// PublishDebugEventFrom publishes on the agent's debug topic. Safe from any
// goroutine.
func (w *Worker) PublishDebugEventFrom(inner any) {
	w.publishDebug(inner)
}

// Status returns the current worker status.
func (w *Worker) Status(ctx context.Context) (agent.Status, error) {
	var s agent.Status
	err := w.do(ctx, func() error {
		s = w.status
		return nil
	})
	return s, err
}

// Info returns the worker summary.
func (w *Worker) Info(ctx context.Context) (Info, error) {
	var info Info
	err := w.do(ctx, func() error {
		w.touch()
		info = Info{
			ID:           w.cfg.ID,
			Status:       w.status,
			MessageCount: len(w.st.Messages),
			HasInterrupt: w.st.Interrupt != nil,
			Uptime:       time.Since(w.start),
		}
		return nil
	})
	return info, err
}

// Stop terminates the worker with the given reason. The final shutdown event
// and best-effort persist happen before Done closes. Stopping a stopped
// worker is a no-op.
func (w *Worker) Stop(ctx context.Context, reason agent.ShutdownReason) error {
	err := w.do(ctx, func() error {
		w.initiateShutdown(reason)
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}
