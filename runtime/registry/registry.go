// Package registry maps structured worker keys to the node that owns them.
// Placement consults it to decide whether an agent is already started and
// where; backends are pluggable so a single-node deployment uses the
// in-process map while clusters share a Redis-replicated one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind tags the worker flavor a key addresses.
type Kind string

const (
	// KindAgentWorker addresses a top-level agent worker.
	KindAgentWorker Kind = "agent_worker"
	// KindAgentSupervisor addresses the per-agent supervisor.
	KindAgentSupervisor Kind = "agent_supervisor"
	// KindSubAgentSupervisor addresses the sub-agent tier supervisor under an
	// agent.
	KindSubAgentSupervisor Kind = "subagent_supervisor"
	// KindFilesystemWorker addresses a scoped filesystem worker.
	KindFilesystemWorker Kind = "filesystem_worker"
)

type (
	// Key is one structured registry key: a kind plus the identifier scoped
	// to it.
	Key struct {
		// Kind tags the worker flavor.
		Kind Kind
		// ID is the agent identifier, or the scope for filesystem workers.
		ID string
	}

	// Registry is the shared ownership map. Implementations are safe for
	// concurrent use. Clustered backends are eventually consistent; callers
	// tolerate bounded duplicate-owner windows.
	Registry interface {
		// Register claims a key for a node. A key that is already claimed
		// fails with ErrAlreadyRegistered.
		Register(ctx context.Context, key Key, node string) error
		// Unregister releases a key. Unknown keys fail with ErrNotRegistered.
		Unregister(ctx context.Context, key Key) error
		// Lookup returns the owning node of a key, or ErrNotRegistered.
		Lookup(ctx context.Context, key Key) (string, error)
		// Keys returns every registered key.
		Keys(ctx context.Context) ([]Key, error)
		// Count returns the number of registered keys.
		Count(ctx context.Context) (int, error)
		// Select returns the registered keys of one kind.
		Select(ctx context.Context, kind Kind) ([]Key, error)
		// MemberSet returns the known cluster member node names. Local
		// backends report their single node.
		MemberSet(ctx context.Context) ([]string, error)
	}
)

// Registry errors.
var (
	// ErrAlreadyRegistered is returned by Register for a claimed key.
	ErrAlreadyRegistered = errors.New("key already registered")
	// ErrNotRegistered is returned for lookups and releases of unknown keys.
	ErrNotRegistered = errors.New("key not registered")
)

// AgentWorker builds the key of a top-level agent worker.
func AgentWorker(id string) Key { return Key{Kind: KindAgentWorker, ID: id} }

// AgentSupervisor builds the key of a per-agent supervisor.
func AgentSupervisor(id string) Key { return Key{Kind: KindAgentSupervisor, ID: id} }

// SubAgentSupervisor builds the key of an agent's sub-agent tier supervisor.
func SubAgentSupervisor(id string) Key { return Key{Kind: KindSubAgentSupervisor, ID: id} }

// FilesystemWorker builds the key of a scoped filesystem worker.
func FilesystemWorker(scope string) Key { return Key{Kind: KindFilesystemWorker, ID: scope} }

// Valid reports whether the key carries a known kind and a non-empty id.
func (k Key) Valid() bool {
	switch k.Kind {
	case KindAgentWorker, KindAgentSupervisor, KindSubAgentSupervisor, KindFilesystemWorker:
		return k.ID != ""
	}
	return false
}

// String renders the key in its wire form "kind:id".
func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// ParseKey parses the wire form produced by String.
func ParseKey(s string) (Key, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed registry key %q", s)
	}
	k := Key{Kind: Kind(kind), ID: id}
	if !k.Valid() {
		return Key{}, fmt.Errorf("malformed registry key %q", s)
	}
	return k, nil
}
