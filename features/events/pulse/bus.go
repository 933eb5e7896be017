// Package pulse implements the event bus on goa.design/pulse streams so
// clustered deployments can observe agents running on other nodes. Each topic
// maps to one Redis stream; every subscription reads through its own consumer
// group, giving independent cursors per subscriber. Delivery keeps the local
// bus semantics: best-effort, per-subscriber buffers, slow readers lose events.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	clientspulse "goa.design/sagents/features/events/pulse/clients/pulse"
	"goa.design/sagents/runtime/agent/events"
	"goa.design/sagents/runtime/agent/telemetry"
)

// DefaultSinkPrefix names consumer groups created by Subscribe when
// Options.SinkPrefix is empty.
const DefaultSinkPrefix = "sagents"

type (
	// Options configures the Pulse-backed bus.
	Options struct {
		// Client publishes and consumes stream entries. Required.
		Client clientspulse.Client
		// SinkPrefix prefixes the per-subscription consumer group names.
		// Defaults to DefaultSinkPrefix.
		SinkPrefix string
		// Buffer is the per-subscription channel capacity. Defaults to
		// events.DefaultSubscriberBuffer.
		Buffer int
		// Logger records publish and decode failures. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics counts published, dropped, and failed events. Defaults to
		// no-op.
		Metrics telemetry.Metrics
	}

	// Bus is an events.Bus whose envelopes ride Pulse streams over Redis.
	Bus struct {
		client  clientspulse.Client
		prefix  string
		buffer  int
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		streams map[string]clientspulse.Stream
		subs    map[*subscription]struct{}
		closed  bool
	}

	subscription struct {
		bus    *Bus
		topic  string
		ch     chan events.Envelope
		cancel context.CancelFunc
		sink   clientspulse.Sink
		once   sync.Once
	}
)

// NewBus constructs a Pulse-backed bus.
func NewBus(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkPrefix == "" {
		opts.SinkPrefix = DefaultSinkPrefix
	}
	if opts.Buffer <= 0 {
		opts.Buffer = events.DefaultSubscriberBuffer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{
		client:  opts.Client,
		prefix:  opts.SinkPrefix,
		buffer:  opts.Buffer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		streams: make(map[string]clientspulse.Stream),
		subs:    make(map[*subscription]struct{}),
	}, nil
}

// streamName maps a bus topic to its stream key: "agent:a-1" becomes
// "agent/a-1" and "agent:debug:a-1" becomes "agent/debug/a-1".
func streamName(topic string) string {
	return strings.ReplaceAll(topic, ":", "/")
}

// Publish implements events.Bus. Failures are logged and counted, never
// returned: the bus contract is fire-and-forget.
func (b *Bus) Publish(ctx context.Context, topic string, env events.Envelope) {
	if env.Payload == nil {
		b.logger.Error(ctx, "event not published: missing payload", "topic", topic)
		return
	}
	kind := string(env.Payload.EventKind())
	payload, err := json.Marshal(env)
	if err != nil {
		b.metrics.Count(ctx, "events_publish_errors_total", 1, "topic", topic, "kind", kind)
		b.logger.Error(ctx, "event not published: marshal failed",
			"topic", topic, "kind", kind, "err", err)
		return
	}
	str, err := b.stream(topic)
	if err != nil {
		b.metrics.Count(ctx, "events_publish_errors_total", 1, "topic", topic, "kind", kind)
		b.logger.Error(ctx, "event not published: stream unavailable",
			"topic", topic, "kind", kind, "err", err)
		return
	}
	if _, err := str.Add(ctx, kind, payload); err != nil {
		b.metrics.Count(ctx, "events_publish_errors_total", 1, "topic", topic, "kind", kind)
		b.logger.Error(ctx, "event not published: add failed",
			"topic", topic, "kind", kind, "err", err)
		return
	}
	b.metrics.Count(ctx, "events_published_total", 1, "topic", topic, "kind", kind)
}

// Subscribe implements events.Bus. Each subscription gets its own consumer
// group so every subscriber observes the full stream.
func (b *Bus) Subscribe(ctx context.Context, topic string) (events.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, events.ErrBusClosed
	}
	b.mu.Unlock()

	str, err := b.stream(topic)
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, b.prefix+"-"+uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		bus:    b,
		topic:  topic,
		ch:     make(chan events.Envelope, b.buffer),
		cancel: cancel,
		sink:   sink,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		sink.Close(context.Background())
		return nil, events.ErrBusClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.consume(runCtx, s)
	return s, nil
}

// consume reads stream entries, decodes envelopes, and delivers them on the
// subscription channel. Malformed entries are acked and skipped so a poison
// entry cannot wedge the consumer group.
func (b *Bus) consume(ctx context.Context, s *subscription) {
	defer close(s.ch)
	ch := s.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env events.Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				b.metrics.Count(ctx, "events_decode_errors_total", 1, "topic", s.topic)
				b.logger.Warn(ctx, "event skipped: undecodable entry",
					"topic", s.topic, "entry", evt.ID, "err", err)
			} else {
				select {
				case s.ch <- env:
				default:
					b.metrics.Count(ctx, "events_dropped_total", 1,
						"topic", s.topic, "kind", string(env.Payload.EventKind()))
					b.logger.Warn(ctx, "event dropped: subscriber buffer full",
						"topic", s.topic, "kind", string(env.Payload.EventKind()))
				}
			}
			if err := s.sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				b.logger.Warn(ctx, "event ack failed",
					"topic", s.topic, "entry", evt.ID, "err", err)
			}
		}
	}
}

// DestroyTopic deletes the stream backing a topic. Placement calls this after
// the last worker for an agent shuts down so Redis does not accumulate
// streams for retired agents.
func (b *Bus) DestroyTopic(ctx context.Context, topic string) error {
	str, err := b.stream(topic)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.streams, topic)
	b.mu.Unlock()
	return str.Destroy(ctx)
}

// Close implements events.Bus. All subscriptions are closed; subsequent
// Subscribe calls fail with events.ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.teardown()
	}
	return b.client.Close(context.Background())
}

func (b *Bus) stream(topic string) (clientspulse.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if str, ok := b.streams[topic]; ok {
		return str, nil
	}
	str, err := b.client.Stream(streamName(topic))
	if err != nil {
		return nil, err
	}
	b.streams[topic] = str
	return str, nil
}

// C implements events.Subscription.
func (s *subscription) C() <-chan events.Envelope { return s.ch }

// Topic implements events.Subscription.
func (s *subscription) Topic() string { return s.topic }

// Close implements events.Subscription. The channel closes once the consume
// goroutine observes the cancellation.
func (s *subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.teardown()
}

func (s *subscription) teardown() {
	s.once.Do(func() {
		s.cancel()
		s.sink.Close(context.Background())
	})
}
