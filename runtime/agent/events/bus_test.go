package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sagents/runtime/agent/model"
)

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "agent:a-1", Topic("a-1"))
	assert.Equal(t, "agent:debug:a-1", DebugTopic("a-1"))
}

func TestLocalBusDelivers(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(Options{})
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, Topic("a-1"))
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish(ctx, Topic("a-1"), Envelope{
		Agent:   "a-1",
		Payload: StatusChanged{NewStatus: "running"},
	})

	select {
	case env := <-sub.C():
		assert.Equal(t, "a-1", env.Agent)
		sc, ok := env.Payload.(StatusChanged)
		require.True(t, ok)
		assert.Equal(t, "running", sc.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLocalBusTopicIsolation(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(Options{})
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, Topic("a-2"))
	require.NoError(t, err)

	bus.Publish(ctx, Topic("a-1"), Envelope{Agent: "a-1", Payload: AgentShutdown{Reason: "manual"}})

	select {
	case env := <-sub.C():
		t.Fatalf("unexpected delivery: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusDropsWhenSubscriberFull(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(Options{SubscriberBuffer: 1})
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, Topic("a-1"))
	require.NoError(t, err)

	// Fill the buffer, then overflow it. Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(ctx, Topic("a-1"), Envelope{Agent: "a-1", Payload: TodosUpdated{}})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// Exactly one event was buffered; the rest were dropped.
	<-sub.C()
	select {
	case <-sub.C():
		t.Fatal("expected overflow events to be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusSubscriberCount(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(Options{})
	defer bus.Close()

	assert.Equal(t, 0, bus.SubscriberCount(Topic("a-1")))
	s1, err := bus.Subscribe(ctx, Topic("a-1"))
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, Topic("a-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, bus.SubscriberCount(Topic("a-1")))

	s1.Close()
	assert.Equal(t, 1, bus.SubscriberCount(Topic("a-1")))
	s2.Close()
	assert.Equal(t, 0, bus.SubscriberCount(Topic("a-1")))
}

func TestLocalBusCloseClosesSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(Options{})
	sub, err := bus.Subscribe(ctx, Topic("a-1"))
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, open := <-sub.C()
	assert.False(t, open)

	_, err = bus.Subscribe(ctx, Topic("a-1"))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEnvelopeCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"status", Envelope{Agent: "a-1", Payload: &StatusChanged{NewStatus: "idle"}}},
		{"message", Envelope{Agent: "a-1", Payload: &LLMMessage{Message: model.NewAssistantMessage("hi")}}},
		{"tool update", Envelope{Agent: "a-1", Payload: &ToolExecutionUpdate{
			Phase: PhaseCompleted,
			Tool:  ToolInfo{CallID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`), DurationMs: 12},
		}}},
		{"shutdown", Envelope{Agent: "a-1", Payload: &AgentShutdown{Reason: "inactivity"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.env)
			require.NoError(t, err)
			var got Envelope
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tc.env.Agent, got.Agent)
			assert.Equal(t, tc.env.Payload.EventKind(), got.Payload.EventKind())
		})
	}
}

func TestEnvelopeCodecRejectsUnknownKind(t *testing.T) {
	var got Envelope
	err := json.Unmarshal([]byte(`{"agent":"a-1","kind":"bogus","payload":{}}`), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}
