// Package cluster provides the Redis-replicated Registry backend for
// clustered deployments. Ownership entries live in a Pulse replicated map
// shared by every node joined under the same name; replication is eventually
// consistent, so callers tolerate bounded duplicate-owner windows as long as
// eventual uniqueness is restored.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/sagents/runtime/registry"
)

type (
	// Map is the minimal replicated-map contract the backend requires. It is
	// satisfied by *rmap.Map from goa.design/pulse/rmap and defined here so
	// the backend stays unit-testable without Redis.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Registry is the replicated-map backed ownership registry.
	Registry struct {
		m    Map
		node string
	}

	// Options parameterizes Join.
	Options struct {
		// Name derives the replicated map name; nodes joined under the same
		// name and Redis connection form one cluster. Defaults to "sagents".
		Name string
		// Redis is the client handed to Pulse. Required.
		Redis *redis.Client
		// Node is this process's member name. Required.
		Node string
	}
)

const (
	entryPrefix  = "key:"
	memberPrefix = "member:"
)

var _ registry.Registry = (*Registry)(nil)

// Join connects to the cluster's replicated map and announces this node as a
// member. Missing Redis configuration or a malformed node name fails fast;
// a clustered deployment must not come up half-configured.
func Join(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("cluster registry: redis client is required")
	}
	name := opts.Name
	if name == "" {
		name = "sagents"
	}
	m, err := rmap.Join(ctx, name+":registry", opts.Redis)
	if err != nil {
		return nil, fmt.Errorf("cluster registry: join replicated map: %w", err)
	}
	return New(ctx, m, opts.Node)
}

// New builds the backend over an already-joined map and announces the member.
func New(ctx context.Context, m Map, node string) (*Registry, error) {
	if m == nil {
		return nil, fmt.Errorf("cluster registry: replicated map is required")
	}
	if node == "" || strings.ContainsAny(node, ": \t\n") {
		return nil, fmt.Errorf("cluster registry: malformed node name %q", node)
	}
	r := &Registry{m: m, node: node}
	if _, err := m.Set(ctx, memberPrefix+node, node); err != nil {
		return nil, fmt.Errorf("cluster registry: announce member %q: %w", node, err)
	}
	return r, nil
}

// Node returns this process's member name.
func (r *Registry) Node() string { return r.node }

// Register implements registry.Registry. The existence check and the write
// are not atomic across nodes; a concurrent claim can produce a transient
// duplicate-owner window the design tolerates.
func (r *Registry) Register(ctx context.Context, key registry.Key, node string) error {
	if !key.Valid() {
		return fmt.Errorf("register: invalid key %q", key)
	}
	if node == "" {
		node = r.node
	}
	entry := entryPrefix + key.String()
	if owner, ok := r.m.Get(entry); ok {
		return fmt.Errorf("%w: %s owned by %s", registry.ErrAlreadyRegistered, key, owner)
	}
	if _, err := r.m.Set(ctx, entry, node); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	return nil
}

// Unregister implements registry.Registry.
func (r *Registry) Unregister(ctx context.Context, key registry.Key) error {
	entry := entryPrefix + key.String()
	if _, ok := r.m.Get(entry); !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotRegistered, key)
	}
	if _, err := r.m.Delete(ctx, entry); err != nil {
		return fmt.Errorf("unregister %s: %w", key, err)
	}
	return nil
}

// Lookup implements registry.Registry.
func (r *Registry) Lookup(_ context.Context, key registry.Key) (string, error) {
	node, ok := r.m.Get(entryPrefix + key.String())
	if !ok {
		return "", fmt.Errorf("%w: %s", registry.ErrNotRegistered, key)
	}
	return node, nil
}

// Keys implements registry.Registry. Malformed entries written by foreign
// map users are skipped.
func (r *Registry) Keys(context.Context) ([]registry.Key, error) {
	var keys []registry.Key
	for _, raw := range r.m.Keys() {
		wire, ok := strings.CutPrefix(raw, entryPrefix)
		if !ok {
			continue
		}
		key, err := registry.ParseKey(wire)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Count implements registry.Registry.
func (r *Registry) Count(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Select implements registry.Registry.
func (r *Registry) Select(ctx context.Context, kind registry.Kind) ([]registry.Key, error) {
	all, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []registry.Key
	for _, k := range all {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// MemberSet implements registry.Registry.
func (r *Registry) MemberSet(context.Context) ([]string, error) {
	var members []string
	for _, raw := range r.m.Keys() {
		if node, ok := strings.CutPrefix(raw, memberPrefix); ok {
			members = append(members, node)
		}
	}
	return members, nil
}

// Leave withdraws this node's member announcement. Keys it still owns are
// left for the surviving nodes' placement to migrate.
func (r *Registry) Leave(ctx context.Context) error {
	if _, err := r.m.Delete(ctx, memberPrefix+r.node); err != nil {
		return fmt.Errorf("cluster registry: leave: %w", err)
	}
	return nil
}
