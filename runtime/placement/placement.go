// Package placement owns agent lifecycle on one node: it claims registry
// keys, starts and stops workers, tears the sub-agent tier down with its
// parent, and brackets cluster migrations with transfer events. Placement is
// the management surface owner applications embed; the worker command surface
// stays on the handles it returns.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/sagents/runtime/agent"
	"goa.design/sagents/runtime/agent/agentctx"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/persist"
	"goa.design/sagents/runtime/agent/state"
	"goa.design/sagents/runtime/agent/telemetry"
	"goa.design/sagents/runtime/agent/worker"
	"goa.design/sagents/runtime/registry"
)

const (
	// DefaultRegistrationDeadline bounds the wait for a started agent's
	// registration to become visible.
	DefaultRegistrationDeadline = 5 * time.Second
	// registrationBackoffCap bounds the poll interval growth.
	registrationBackoffCap = 100 * time.Millisecond
)

// Placement errors.
var (
	// ErrNotFound is returned for operations on agents this node does not
	// run.
	ErrNotFound = errors.New("agent not found")
	// ErrStartTimeout is returned when a started agent's registration never
	// became visible within the deadline.
	ErrStartTimeout = errors.New("agent registration timed out")
)

type (
	// Options parameterizes New.
	Options struct {
		// Registry is the ownership map. Required.
		Registry registry.Registry
		// Bus delivers worker and transfer events. Required.
		Bus events.Bus
		// Node is this process's member name. Defaults to "local".
		Node string
		// Clustered enables transfer event bracketing.
		Clustered bool
		// RegistrationDeadline bounds the post-start registration wait.
		// Defaults to DefaultRegistrationDeadline.
		RegistrationDeadline time.Duration
		// Logger, Tracer, Metrics default to no-ops and are handed to
		// workers.
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	// StartOptions carries the per-agent worker options StartAgent forwards.
	StartOptions struct {
		// InitialState seeds the worker; nil restores from persistence.
		InitialState *state.State
		// Context is the initial ambient context snapshot.
		Context agentctx.Values
		// Persistence stores state snapshots.
		Persistence persist.AgentPersistence
		// DisplayPersistence stores the display projection.
		DisplayPersistence persist.DisplayMessagePersistence
		// InactivityTimeout overrides the worker default.
		InactivityTimeout time.Duration
		// Presence enables viewer-based shutdown.
		Presence *worker.PresenceOptions
		// ShouldPause is consulted by the pipeline between turns.
		ShouldPause func() bool
	}

	// Manager starts and stops agents on this node.
	Manager struct {
		opts Options

		mu     sync.Mutex
		agents map[string]*handle
	}

	handle struct {
		w   *worker.Worker
		cfg *agent.Config
	}

	// childTier is satisfied by middleware that tracks child workers (the
	// delegation middleware); the tier goes down with its parent.
	childTier interface {
		Shutdown(ctx context.Context)
	}
)

// New validates the options and builds an empty manager.
func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("placement: registry is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("placement: event bus is required")
	}
	if opts.Node == "" {
		opts.Node = "local"
	}
	if opts.RegistrationDeadline <= 0 {
		opts.RegistrationDeadline = DefaultRegistrationDeadline
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
	return &Manager{opts: opts, agents: make(map[string]*handle)}, nil
}

// Node returns this manager's member name.
func (m *Manager) Node() string { return m.opts.Node }

// StartAgent starts the agent's worker and claims its registry keys. Starting
// an agent that is already running is idempotent: the existing local handle
// is returned with started=false, and a nil handle with started=false means
// another node owns the agent.
func (m *Manager) StartAgent(ctx context.Context, cfg *agent.Config, opts StartOptions) (w *worker.Worker, started bool, err error) {
	if cfg == nil {
		return nil, false, errors.New("placement: agent config is required")
	}

	m.mu.Lock()
	if h, ok := m.agents[cfg.ID]; ok {
		m.mu.Unlock()
		return h.w, false, nil
	}
	m.mu.Unlock()

	workerKey := registry.AgentWorker(cfg.ID)
	if owner, lerr := m.opts.Registry.Lookup(ctx, workerKey); lerr == nil {
		if owner == m.opts.Node {
			// Registered here but no handle: a stale claim from a crashed
			// predecessor. Reclaim it.
			m.unregisterKeys(ctx, cfg.ID)
		} else {
			return nil, false, nil
		}
	}

	keys := []registry.Key{
		registry.AgentSupervisor(cfg.ID),
		registry.SubAgentSupervisor(cfg.ID),
		workerKey,
	}
	for _, key := range keys {
		if rerr := m.opts.Registry.Register(ctx, key, m.opts.Node); rerr != nil {
			m.unregisterKeys(ctx, cfg.ID)
			if errors.Is(rerr, registry.ErrAlreadyRegistered) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("placement: claim %s: %w", key, rerr)
		}
	}

	w, err = worker.New(ctx, worker.Options{
		Config:             cfg,
		Bus:                m.opts.Bus,
		InitialState:       opts.InitialState,
		Context:            opts.Context,
		Persistence:        opts.Persistence,
		DisplayPersistence: opts.DisplayPersistence,
		InactivityTimeout:  opts.InactivityTimeout,
		Presence:           opts.Presence,
		ShouldPause:        opts.ShouldPause,
		Logger:             m.opts.Logger,
		Tracer:             m.opts.Tracer,
		Metrics:            m.opts.Metrics,
	})
	if err != nil {
		m.unregisterKeys(ctx, cfg.ID)
		return nil, false, fmt.Errorf("placement: start agent %q: %w", cfg.ID, err)
	}

	if err := m.awaitRegistration(ctx, workerKey); err != nil {
		_ = w.Stop(ctx, agent.ShutdownManual)
		<-w.Done()
		m.unregisterKeys(ctx, cfg.ID)
		return nil, false, err
	}

	m.mu.Lock()
	m.agents[cfg.ID] = &handle{w: w, cfg: cfg}
	m.mu.Unlock()
	go m.monitor(cfg.ID, w, cfg)
	return w, true, nil
}

// awaitRegistration polls until the key is visible, with exponential backoff
// capped at 100ms. Clustered backends are eventually consistent; the wait
// bounds how long a caller can observe a started-but-unregistered agent.
func (m *Manager) awaitRegistration(ctx context.Context, key registry.Key) error {
	deadline := time.Now().Add(m.opts.RegistrationDeadline)
	backoff := 5 * time.Millisecond
	for {
		if _, err := m.opts.Registry.Lookup(ctx, key); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrStartTimeout, key, m.opts.RegistrationDeadline)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > registrationBackoffCap {
			backoff = registrationBackoffCap
		}
	}
}

// monitor waits for the worker to terminate on its own (crash, inactivity,
// presence) and releases its claims. The sub-agent tier goes down with the
// parent, rest-for-one.
func (m *Manager) monitor(id string, w *worker.Worker, cfg *agent.Config) {
	<-w.Done()
	m.cleanup(context.Background(), id, cfg)
}

// cleanup releases an agent's claims and tears down its child tier unless a
// concurrent StopAgent already took ownership of the teardown.
func (m *Manager) cleanup(ctx context.Context, id string, cfg *agent.Config) {
	m.mu.Lock()
	_, present := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()
	if !present {
		return
	}
	m.teardown(ctx, id, cfg)
}

// teardown stops the sub-agent tier with its parent, rest-for-one, and
// releases the registry claims.
func (m *Manager) teardown(ctx context.Context, id string, cfg *agent.Config) {
	for _, e := range cfg.Middleware {
		if tier, ok := e.Middleware.(childTier); ok {
			tier.Shutdown(ctx)
		}
	}
	m.unregisterKeys(ctx, id)
}

func (m *Manager) unregisterKeys(ctx context.Context, id string) {
	for _, key := range []registry.Key{
		registry.AgentWorker(id),
		registry.SubAgentSupervisor(id),
		registry.AgentSupervisor(id),
	} {
		if err := m.opts.Registry.Unregister(ctx, key); err != nil && !errors.Is(err, registry.ErrNotRegistered) {
			m.opts.Logger.Warn(ctx, "registry release failed", "key", key.String(), "error", err.Error())
		}
	}
}

// StopAgent stops a locally running agent and releases its claims. The
// teardown completes before StopAgent returns.
func (m *Manager) StopAgent(ctx context.Context, id string, reason agent.ShutdownReason) error {
	m.mu.Lock()
	h, ok := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if reason == "" {
		reason = agent.ShutdownManual
	}
	if err := h.w.Stop(ctx, reason); err != nil {
		return fmt.Errorf("placement: stop agent %q: %w", id, err)
	}
	select {
	case <-h.w.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	m.teardown(ctx, id, h.cfg)
	return nil
}

// StopAll stops every locally running agent. Used on node shutdown.
func (m *Manager) StopAll(ctx context.Context, reason agent.ShutdownReason) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.StopAgent(ctx, id, reason); err != nil && !errors.Is(err, ErrNotFound) {
			m.opts.Logger.Warn(ctx, "stopping agent failed", "agent_id", id, "error", err.Error())
		}
	}
}

// TransferAgent hands a locally running agent off to another node: the move
// is bracketed with transfer events, the worker stops with reason node_stop,
// and the exported state is returned for the destination to restore. Valid
// only in clustered mode.
func (m *Manager) TransferAgent(ctx context.Context, id, toNode string) ([]byte, error) {
	if !m.opts.Clustered {
		return nil, errors.New("placement: transfers require clustered mode")
	}
	m.mu.Lock()
	h, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	info := events.NodeTransferInfo{AgentID: id, FromNode: m.opts.Node, ToNode: toNode}
	m.publish(ctx, id, events.NodeTransferring{Info: info})

	data, err := h.w.ExportState(ctx)
	if err != nil {
		return nil, fmt.Errorf("placement: export state of %q: %w", id, err)
	}
	if err := m.StopAgent(ctx, id, agent.ShutdownNodeStop); err != nil {
		return nil, err
	}
	m.publish(ctx, id, events.NodeTransferred{Info: info})
	return data, nil
}

func (m *Manager) publish(ctx context.Context, id string, payload events.Payload) {
	m.opts.Bus.Publish(ctx, events.Topic(id), events.Envelope{Agent: id, Payload: payload})
}

// ListAgents returns the identifiers of every registered agent worker,
// including ones owned by other nodes in clustered mode.
func (m *Manager) ListAgents(ctx context.Context) ([]string, error) {
	keys, err := m.opts.Registry.Select(ctx, registry.KindAgentWorker)
	if err != nil {
		return nil, fmt.Errorf("placement: list agents: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	return ids, nil
}

// CountAgents returns the number of registered agent workers.
func (m *Manager) CountAgents(ctx context.Context) (int, error) {
	keys, err := m.opts.Registry.Select(ctx, registry.KindAgentWorker)
	if err != nil {
		return 0, fmt.Errorf("placement: count agents: %w", err)
	}
	return len(keys), nil
}

// AgentInfo returns the worker summary of a locally running agent.
func (m *Manager) AgentInfo(ctx context.Context, id string) (worker.Info, error) {
	m.mu.Lock()
	h, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return worker.Info{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return h.w.Info(ctx)
}
