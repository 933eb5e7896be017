// Package agent defines agent identity, worker status, and the immutable
// per-agent configuration assembled once at worker start.
package agent

import "fmt"

// Status is the worker lifecycle state. Single-writer: only the owning
// worker's command loop mutates it.
type Status string

const (
	// StatusIdle means the worker is waiting for commands.
	StatusIdle Status = "idle"
	// StatusRunning means a pipeline task is in flight.
	StatusRunning Status = "running"
	// StatusInterrupted means the worker is paused awaiting resume decisions.
	StatusInterrupted Status = "interrupted"
	// StatusCancelled is the transient state entered by cancel before the
	// worker settles back to idle.
	StatusCancelled Status = "cancelled"
	// StatusError means the last run terminated with an error.
	StatusError Status = "error"
)

// ShutdownReason says why a worker terminated.
type ShutdownReason string

const (
	// ShutdownManual is an explicit stop request.
	ShutdownManual ShutdownReason = "manual"
	// ShutdownInactivity is the inactivity timeout firing while idle.
	ShutdownInactivity ShutdownReason = "inactivity"
	// ShutdownNoViewers is the presence grace period expiring with no
	// subscribers.
	ShutdownNoViewers ShutdownReason = "no_viewers"
	// ShutdownCrash is an uncaught command-loop failure.
	ShutdownCrash ShutdownReason = "crash"
	// ShutdownNodeStop is the owning node going away in clustered mode.
	ShutdownNodeStop ShutdownReason = "node_stop"
)

// Ident names one agent instance: a type (the agent's role, for example
// "researcher") plus a unique instance identifier. Sub-agent workers derive
// their idents from the parent's.
type Ident struct {
	// Type is the agent's role name.
	Type string
	// ID is the unique instance identifier.
	ID string
}

// String renders the ident as "type/id", or just the id when untyped.
func (i Ident) String() string {
	if i.Type == "" {
		return i.ID
	}
	return fmt.Sprintf("%s/%s", i.Type, i.ID)
}
