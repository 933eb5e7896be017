package events

import (
	"context"
	"errors"
	"sync"

	"goa.design/sagents/runtime/agent/telemetry"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// Options.SubscriberBuffer is zero.
const DefaultSubscriberBuffer = 256

type (
	// Bus delivers envelopes to topic subscribers. Publish is fire-and-forget
	// and never blocks the caller; a slow subscriber loses events rather than
	// stalling the publisher.
	Bus interface {
		// Publish delivers env to every current subscriber of topic.
		Publish(ctx context.Context, topic string, env Envelope)
		// Subscribe registers interest in a topic. The subscription channel
		// is closed when the subscription or the bus is closed.
		Subscribe(ctx context.Context, topic string) (Subscription, error)
		// Close tears down the bus and closes all subscriptions.
		Close() error
	}

	// Subscription is one live topic subscription.
	Subscription interface {
		// C returns the delivery channel.
		C() <-chan Envelope
		// Topic returns the subscribed topic.
		Topic() string
		// Close unregisters the subscription and closes the channel.
		Close()
	}

	// Options configures NewLocalBus.
	Options struct {
		// SubscriberBuffer is the per-subscriber channel capacity. Defaults
		// to DefaultSubscriberBuffer.
		SubscriberBuffer int
		// Logger records dropped deliveries. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics counts published and dropped events. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// LocalBus is the in-process Bus for single-node deployments. Cluster
	// deployments wrap it with the pulse-backed relay in features/events.
	LocalBus struct {
		mu     sync.RWMutex
		topics map[string]map[*localSub]struct{}
		closed bool

		buffer  int
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	localSub struct {
		bus   *LocalBus
		topic string
		ch    chan Envelope
		once  sync.Once
	}
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// NewLocalBus constructs an in-process bus.
func NewLocalBus(opts Options) *LocalBus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &LocalBus{
		topics:  make(map[string]map[*localSub]struct{}),
		buffer:  opts.SubscriberBuffer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Publish implements Bus. Envelopes are delivered to each subscriber's
// buffered channel; when a buffer is full the event is dropped for that
// subscriber only. Sends happen under the read lock and channels close only
// under the write lock, so Publish never races a closing subscription.
func (b *LocalBus) Publish(ctx context.Context, topic string, env Envelope) {
	kind := string(env.Payload.EventKind())
	b.metrics.Count(ctx, "events_published_total", 1, "topic", topic, "kind", kind)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.topics[topic] {
		select {
		case s.ch <- env:
		default:
			b.metrics.Count(ctx, "events_dropped_total", 1, "topic", topic, "kind", kind)
			b.logger.Warn(ctx, "event dropped: subscriber buffer full",
				"topic", topic, "kind", kind)
		}
	}
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &localSub{bus: b, topic: topic, ch: make(chan Envelope, b.buffer)}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*localSub]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// SubscriberCount returns the number of live subscriptions for a topic. The
// worker presence check uses main-topic counts to decide viewer-based
// shutdown.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close implements Bus. All subscriptions are closed; subsequent Subscribe
// calls fail with ErrBusClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for s := range subs {
			s.closeChan()
		}
	}
	b.topics = make(map[string]map[*localSub]struct{})
	b.mu.Unlock()
	return nil
}

// C implements Subscription.
func (s *localSub) C() <-chan Envelope { return s.ch }

// Topic implements Subscription.
func (s *localSub) Topic() string { return s.topic }

// Close implements Subscription.
func (s *localSub) Close() {
	s.bus.mu.Lock()
	if subs := s.bus.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.closeChan()
	s.bus.mu.Unlock()
}

func (s *localSub) closeChan() {
	s.once.Do(func() { close(s.ch) })
}
