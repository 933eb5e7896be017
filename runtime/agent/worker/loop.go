package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/sagents/runtime/agent"
	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/middleware"
	"goa.design/sagents/runtime/agent/model"
	"goa.design/sagents/runtime/agent/persist"
	"goa.design/sagents/runtime/agent/pipeline"
	"goa.design/sagents/runtime/agent/state"
)

// loop is the worker's single consumer. It alone touches the loop-owned
// fields; a panic escaping a command handler terminates the worker with
// reason crash.
func (w *Worker) loop() {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			w.opts.Logger.Error(ctx, "worker command loop panicked",
				"agent_id", w.cfg.ID, "panic", fmt.Sprint(r))
			w.stopReason = agent.ShutdownCrash
		}
		w.finalize(ctx)
	}()

	middleware.RunOnServerStart(ctx, w.cfg.Middleware, w.st, w.opts.Logger)

	var inactivityC <-chan time.Time
	if w.opts.InactivityTimeout > 0 {
		w.inactivity = time.NewTimer(w.opts.InactivityTimeout)
		defer w.inactivity.Stop()
		inactivityC = w.inactivity.C
	}

	var presenceC <-chan time.Time
	if w.opts.Presence != nil {
		interval := w.opts.Presence.Interval
		if interval <= 0 {
			interval = DefaultPresenceInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		presenceC = ticker.C
	}

	for w.stopReason == "" {
		var graceC <-chan time.Time
		if w.grace != nil {
			graceC = w.grace.C
		}
		select {
		case cmd := <-w.cmds:
			cmd.run()
		case <-inactivityC:
			if w.status == agent.StatusIdle && w.taskCancel == nil {
				w.initiateShutdown(agent.ShutdownInactivity)
				continue
			}
			w.inactivity.Reset(w.opts.InactivityTimeout)
		case <-presenceC:
			w.checkPresence()
		case <-graceC:
			w.grace = nil
			if w.status == agent.StatusIdle && w.opts.Presence.Viewers() == 0 {
				w.initiateShutdown(agent.ShutdownNoViewers)
			}
		}
	}
}

// touch resets the inactivity timer. Called only from command handlers.
func (w *Worker) touch() {
	if w.inactivity == nil {
		return
	}
	if !w.inactivity.Stop() {
		select {
		case <-w.inactivity.C:
		default:
		}
	}
	w.inactivity.Reset(w.opts.InactivityTimeout)
}

// checkPresence starts or cancels the zero-viewer grace timer. Presence
// never interrupts Running or Interrupted workers.
func (w *Worker) checkPresence() {
	if w.status != agent.StatusIdle {
		w.stopGrace()
		return
	}
	if w.opts.Presence.Viewers() > 0 {
		w.stopGrace()
		return
	}
	if w.grace == nil {
		grace := w.opts.Presence.Grace
		if grace <= 0 {
			grace = DefaultPresenceGrace
		}
		w.grace = time.NewTimer(grace)
	}
}

func (w *Worker) stopGrace() {
	if w.grace != nil {
		w.grace.Stop()
		w.grace = nil
	}
}

func (w *Worker) initiateShutdown(reason agent.ShutdownReason) {
	if w.stopReason == "" {
		w.stopReason = reason
	}
}

// finalize runs after the loop exits: the terminal event, the best-effort
// final persist, and the done broadcast.
func (w *Worker) finalize(ctx context.Context) {
	if w.taskCancel != nil {
		w.taskCancel()
		w.taskCancel = nil
	}
	reason := w.stopReason
	if reason == "" {
		reason = agent.ShutdownCrash
	}
	w.publishMain(events.AgentShutdown{Reason: string(reason)})
	if reason != agent.ShutdownCrash {
		w.persistState(ctx, persist.OnShutdown)
	}
	close(w.done)
}

// startTask spawns the cancellable pipeline task: the context snapshot is
// captured through the middleware fold, the task gets its own deep state
// copy, and completion comes back as an internal command.
func (w *Worker) startTask(decisions []*state.ResumeDecision) error {
	if w.taskCancel != nil {
		return ErrBusy
	}
	ctx := context.Background()
	snapshot := middleware.ForkWithMiddleware(ctx, w.actx, w.cfg.Middleware, w.opts.Logger)
	stCopy := w.st.Clone()
	priorLen := len(w.st.Messages)

	taskCtx, cancel := context.WithCancel(ctx)
	w.taskCancel = cancel
	w.cancelling = false
	w.setStatus(agent.StatusRunning, nil)
	go w.runTask(taskCtx, stCopy, snapshot, decisions, priorLen)
	return nil
}

func (w *Worker) runTask(ctx context.Context, st *state.State, snapshot agentctx.Values, decisions []*state.ResumeDecision, priorLen int) {
	out := w.executePipeline(ctx, st, snapshot, decisions)
	cmd := command{run: func() { w.completeTask(taskDone{outcome: out, priorLen: priorLen}) }}
	select {
	case w.cmds <- cmd:
	case <-w.done:
	}
}

func (w *Worker) executePipeline(ctx context.Context, st *state.State, snapshot agentctx.Values, decisions []*state.ResumeDecision) (out pipeline.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = pipeline.Outcome{
				Kind: pipeline.OutcomeError,
				Err:  fmt.Errorf("pipeline task panicked: %v", r),
			}
		}
	}()

	tactx := agentctx.Init(ctx, snapshot, w.opts.Logger)
	p, err := pipeline.New(pipeline.Options{
		Config:       w.cfg,
		State:        st,
		Context:      tactx,
		ShouldPause:  w.opts.ShouldPause,
		Publish:      w.publishMain,
		PublishDebug: w.publishDebug,
		Logger:       w.opts.Logger,
		Tracer:       w.opts.Tracer,
		Metrics:      w.opts.Metrics,
	})
	if err != nil {
		return pipeline.Outcome{Kind: pipeline.OutcomeError, Err: err}
	}
	if decisions != nil {
		return p.Resume(ctx, decisions)
	}
	return p.Run(ctx)
}

// completeTask folds the task result back into the worker. Cancelled runs
// are discarded wholesale; everything else adopts the task's final state.
func (w *Worker) completeTask(td taskDone) {
	if w.taskCancel != nil {
		w.taskCancel()
		w.taskCancel = nil
	}
	ctx := context.Background()

	if w.cancelling {
		w.cancelling = false
		w.applyPendingMessages()
		w.setStatus(agent.StatusIdle, nil)
		return
	}

	if td.outcome.Chain != nil {
		w.st = td.outcome.Chain.State
	}
	w.applyPendingMessages()

	switch td.outcome.Kind {
	case pipeline.OutcomeOK, pipeline.OutcomePause:
		w.setStatus(agent.StatusIdle, nil)
		w.persistState(ctx, persist.OnCompletion)
	case pipeline.OutcomeInterrupt:
		detail := any(w.st.Interrupt)
		w.setStatus(agent.StatusInterrupted, detail)
		w.persistState(ctx, persist.OnInterrupt)
	case pipeline.OutcomeError:
		if errors.Is(td.outcome.Err, context.Canceled) {
			w.setStatus(agent.StatusIdle, nil)
			return
		}
		w.opts.Logger.Error(ctx, "pipeline run failed",
			"agent_id", w.cfg.ID, "error", td.outcome.Err.Error())
		w.setStatus(agent.StatusError, td.outcome.Err.Error())
		w.persistState(ctx, persist.OnError)
	default:
		w.setStatus(agent.StatusIdle, nil)
	}
	w.persistDisplay(ctx, td.priorLen)
	w.publishDebug(map[string]any{"state": w.st.Clone()})
}

func (w *Worker) applyPendingMessages() {
	for _, msg := range w.pendingMsgs {
		w.st.AppendMessage(msg)
	}
	w.pendingMsgs = nil
}

func (w *Worker) dispatchMiddlewareMessage(id string, msg any) error {
	ctx := context.Background()
	handled, err := middleware.DispatchMessage(ctx, w.cfg.Middleware, id, msg, w.st, w.opts.Logger)
	if !handled {
		w.opts.Logger.Warn(ctx, "middleware message for unknown id dropped",
			"agent_id", w.cfg.ID, "middleware_id", id)
		return nil
	}
	if err != nil {
		w.opts.Logger.Warn(ctx, "middleware message handler failed",
			"agent_id", w.cfg.ID, "middleware_id", id, "error", err.Error())
	}
	return nil
}

// persistState stores a snapshot best-effort. Failures are logged and never
// alter state or command flow.
func (w *Worker) persistState(ctx context.Context, pctx persist.Context) {
	if w.opts.Persistence == nil {
		return
	}
	data, err := w.st.Serialize()
	if err != nil {
		w.opts.Logger.Warn(ctx, "state serialization failed",
			"agent_id", w.cfg.ID, "persist_context", string(pctx), "error", err.Error())
		return
	}
	if err := w.opts.Persistence.Persist(ctx, w.cfg.ID, data, pctx); err != nil {
		w.opts.Logger.Warn(ctx, "state persistence failed",
			"agent_id", w.cfg.ID, "persist_context", string(pctx), "error", err.Error())
	}
}

// persistDisplay saves the display projection of messages appended by the
// completed run and records tool execution phases, best-effort.
func (w *Worker) persistDisplay(ctx context.Context, priorLen int) {
	dp := w.opts.DisplayPersistence
	if dp == nil || priorLen >= len(w.st.Messages) {
		return
	}
	for _, msg := range w.st.Messages[priorLen:] {
		items, err := dp.SaveMessage(ctx, w.cfg.ID, msg)
		if err != nil {
			w.opts.Logger.Warn(ctx, "display message persistence failed",
				"agent_id", w.cfg.ID, "error", err.Error())
			continue
		}
		switch len(items) {
		case 0:
		case 1:
			w.publishMain(events.DisplayMessageSaved{Item: items[0]})
		default:
			w.publishMain(events.DisplayMessagesBatchSaved{Items: items})
		}
		w.recordToolStatuses(ctx, msg)
	}
}

func (w *Worker) recordToolStatuses(ctx context.Context, msg *model.Message) {
	dp := w.opts.DisplayPersistence
	if msg.Role != model.RoleTool {
		return
	}
	for _, tr := range msg.ToolResults {
		phase := events.PhaseCompleted
		info := events.ToolInfo{CallID: tr.CallID, Name: tr.Name}
		if tr.IsError {
			phase = events.PhaseFailed
			info.Error = tr.Content
		}
		if err := dp.UpdateToolStatus(ctx, phase, info); err != nil && !errors.Is(err, persist.ErrNotFound) {
			w.opts.Logger.Warn(ctx, "tool status persistence failed",
				"agent_id", w.cfg.ID, "call_id", tr.CallID, "error", err.Error())
		}
	}
}

// setStatus transitions the worker status and publishes the change.
func (w *Worker) setStatus(s agent.Status, detail any) {
	if w.status == s && detail == nil {
		return
	}
	w.status = s
	w.publishMain(events.StatusChanged{NewStatus: string(s), Detail: detail})
}

func (w *Worker) publishMain(payload events.Payload) {
	w.opts.Bus.Publish(context.Background(), events.Topic(w.cfg.ID), events.Envelope{
		Agent:   w.cfg.ID,
		Payload: payload,
	})
}

func (w *Worker) publishDebug(inner any) {
	w.opts.Bus.Publish(context.Background(), events.DebugTopic(w.cfg.ID), events.Envelope{
		Agent:   w.cfg.ID,
		Payload: events.Debug{Inner: inner},
	})
}
