package pulse

import (
	"context"
	"errors"
	"sync"

	"goa.design/sagents/runtime/agent/events"
)

type (
	// RelayOptions configures NewRelay.
	RelayOptions struct {
		// Remote is the Pulse-backed bus carrying cluster-wide events.
		// Required.
		Remote *Bus
		// Local receives mirrored envelopes, typically the process's
		// LocalBus. Required.
		Local events.Bus
	}

	// Relay copies envelopes from Pulse-backed topics onto a local bus.
	// Services that already fan events out to in-process subscribers through
	// a LocalBus mirror the topics of remote agents they care about instead
	// of teaching every subscriber about Pulse.
	Relay struct {
		remote *Bus
		local  events.Bus

		mu      sync.Mutex
		mirrors map[string]*mirror
		closed  bool
	}

	mirror struct {
		sub  events.Subscription
		done chan struct{}
	}
)

// ErrRelayClosed is returned by Mirror after Close.
var ErrRelayClosed = errors.New("event relay is closed")

// NewRelay constructs a relay between a Pulse-backed bus and a local one.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Remote == nil {
		return nil, errors.New("remote bus is required")
	}
	if opts.Local == nil {
		return nil, errors.New("local bus is required")
	}
	return &Relay{
		remote:  opts.Remote,
		local:   opts.Local,
		mirrors: make(map[string]*mirror),
	}, nil
}

// Mirror starts copying a topic from the remote bus onto the local one.
// Mirroring an already-mirrored topic is a no-op.
func (r *Relay) Mirror(ctx context.Context, topic string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	if _, ok := r.mirrors[topic]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.remote.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	m := &mirror{sub: sub, done: make(chan struct{})}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return ErrRelayClosed
	}
	if _, ok := r.mirrors[topic]; ok {
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	r.mirrors[topic] = m
	r.mu.Unlock()

	go r.copy(topic, m)
	return nil
}

func (r *Relay) copy(topic string, m *mirror) {
	defer close(m.done)
	for env := range m.sub.C() {
		r.local.Publish(context.Background(), topic, env)
	}
}

// Unmirror stops copying a topic. It returns once the copy goroutine drains.
func (r *Relay) Unmirror(topic string) {
	r.mu.Lock()
	m := r.mirrors[topic]
	delete(r.mirrors, topic)
	r.mu.Unlock()
	if m == nil {
		return
	}
	m.sub.Close()
	<-m.done
}

// Topics returns the currently mirrored topics.
func (r *Relay) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.mirrors))
	for t := range r.mirrors {
		topics = append(topics, t)
	}
	return topics
}

// Close stops all mirrors. The remote and local buses stay open; the relay
// does not own them.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	mirrors := r.mirrors
	r.mirrors = make(map[string]*mirror)
	r.mu.Unlock()

	for _, m := range mirrors {
		m.sub.Close()
		<-m.done
	}
}
