package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pulse/rmap"
	"goa.design/sagents/runtime/agent/model"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.notify()
}

func sharedTPM(m *fakeClusterMap, key string) int {
	v, ok := m.Get(key)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func TestClusterBackoffUpdatesSharedBudget(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"
	m.set(key, strconv.Itoa(80000))

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)
	wrapped := lim.Middleware()(&fakeClient{completeErr: model.ErrRateLimited})

	_, _ = wrapped.Complete(ctx, chatRequest("hello"))

	require.Eventually(t, func() bool {
		n := sharedTPM(m, key)
		return n > 0 && n < 80000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClusterProbeGrowsSharedBudget(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"
	m.set(key, strconv.Itoa(40000))

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 40000, 80000)
	wrapped := lim.Middleware()(&fakeClient{})

	_, err := wrapped.Complete(ctx, chatRequest("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sharedTPM(m, key) > 40000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClusterSeedsMissingKey(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"

	newClusterAdaptiveRateLimiter(ctx, m, key, 50000, 50000)
	assert.Equal(t, 50000, sharedTPM(m, key))
}

func TestClusterAdoptsExternalBudgetChanges(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"
	m.set(key, strconv.Itoa(80000))

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)
	require.Equal(t, 80000.0, lim.tpm())

	// Another node halves the shared budget; the watcher reconciles.
	m.set(key, strconv.Itoa(40000))
	require.Eventually(t, func() bool {
		return lim.tpm() == 40000.0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEmptyKeyFallsBackToLocal(t *testing.T) {
	lim := newClusterAdaptiveRateLimiter(context.Background(), newFakeClusterMap(), "", 30000, 30000)
	require.NotNil(t, lim)
	assert.Equal(t, 30000.0, lim.tpm())
}
