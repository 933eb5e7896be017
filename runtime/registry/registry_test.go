package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWireForm(t *testing.T) {
	cases := []struct {
		name string
		key  Key
		wire string
	}{
		{"agent worker", AgentWorker("a-1"), "agent_worker:a-1"},
		{"agent supervisor", AgentSupervisor("a-1"), "agent_supervisor:a-1"},
		{"subagent supervisor", SubAgentSupervisor("a-1"), "subagent_supervisor:a-1"},
		{"filesystem worker", FilesystemWorker("/data"), "filesystem_worker:/data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wire, tc.key.String())
			parsed, err := ParseKey(tc.wire)
			require.NoError(t, err)
			assert.Equal(t, tc.key, parsed)
		})
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, wire := range []string{"", "agent_worker", "bogus:a-1", "agent_worker:"} {
		_, err := ParseKey(wire)
		assert.Error(t, err, wire)
	}
}

func TestLocalRegisterLookup(t *testing.T) {
	ctx := context.Background()
	r := NewLocal("node-1")

	require.NoError(t, r.Register(ctx, AgentWorker("a-1"), ""))
	node, err := r.Lookup(ctx, AgentWorker("a-1"))
	require.NoError(t, err)
	assert.Equal(t, "node-1", node)

	err = r.Register(ctx, AgentWorker("a-1"), "node-2")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = r.Lookup(ctx, AgentWorker("a-2"))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestLocalRejectsInvalidKey(t *testing.T) {
	r := NewLocal("node-1")
	err := r.Register(context.Background(), Key{Kind: "bogus", ID: "x"}, "")
	assert.Error(t, err)
	err = r.Register(context.Background(), Key{Kind: KindAgentWorker}, "")
	assert.Error(t, err)
}

func TestLocalUnregister(t *testing.T) {
	ctx := context.Background()
	r := NewLocal("node-1")
	require.NoError(t, r.Register(ctx, AgentWorker("a-1"), ""))
	require.NoError(t, r.Unregister(ctx, AgentWorker("a-1")))

	_, err := r.Lookup(ctx, AgentWorker("a-1"))
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.ErrorIs(t, r.Unregister(ctx, AgentWorker("a-1")), ErrNotRegistered)

	// The key is free to claim again.
	require.NoError(t, r.Register(ctx, AgentWorker("a-1"), "node-2"))
}

func TestLocalSelectCountKeys(t *testing.T) {
	ctx := context.Background()
	r := NewLocal("node-1")
	require.NoError(t, r.Register(ctx, AgentWorker("a-1"), ""))
	require.NoError(t, r.Register(ctx, AgentWorker("a-2"), ""))
	require.NoError(t, r.Register(ctx, AgentSupervisor("a-1"), ""))
	require.NoError(t, r.Register(ctx, SubAgentSupervisor("a-1"), ""))

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	workers, err := r.Select(ctx, KindAgentWorker)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Key{AgentWorker("a-1"), AgentWorker("a-2")}, workers)

	keys, err := r.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	members, err := r.MemberSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, members)
}
