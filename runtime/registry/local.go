package registry

import (
	"context"
	"fmt"
	"sync"
)

// Local is the in-process Registry for single-node deployments. It reports
// itself as the only cluster member.
type Local struct {
	node string

	mu      sync.RWMutex
	entries map[Key]string
}

var _ Registry = (*Local)(nil)

// NewLocal constructs an in-process registry owned by the named node.
func NewLocal(node string) *Local {
	if node == "" {
		node = "local"
	}
	return &Local{node: node, entries: make(map[Key]string)}
}

// Register implements Registry.
func (l *Local) Register(_ context.Context, key Key, node string) error {
	if !key.Valid() {
		return fmt.Errorf("register: invalid key %q", key)
	}
	if node == "" {
		node = l.node
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.entries[key]; ok {
		return fmt.Errorf("%w: %s owned by %s", ErrAlreadyRegistered, key, owner)
	}
	l.entries[key] = node
	return nil
}

// Unregister implements Registry.
func (l *Local) Unregister(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	delete(l.entries, key)
	return nil
}

// Lookup implements Registry.
func (l *Local) Lookup(_ context.Context, key Key) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	node, ok := l.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return node, nil
}

// Keys implements Registry.
func (l *Local) Keys(_ context.Context) ([]Key, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Count implements Registry.
func (l *Local) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Select implements Registry.
func (l *Local) Select(_ context.Context, kind Kind) ([]Key, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var keys []Key
	for k := range l.entries {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// MemberSet implements Registry.
func (l *Local) MemberSet(context.Context) ([]string, error) {
	return []string{l.node}, nil
}
