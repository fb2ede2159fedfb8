// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level state enums and stats DTOs.

package api

import "time"

// ConnState enumerates the lifecycle of a Connection.
type ConnState uint32

const (
	ConnIdle ConnState = iota
	ConnActive
	ConnDraining
	ConnDead
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnActive:
		return "active"
	case ConnDraining:
		return "draining"
	case ConnDead:
		return "dead"
	default:
		return "unknown"
	}
}

// SessionState enumerates the streaming session state machine.
// Started -> InProgress -> {Completed | Failed | TimedOut}.
type SessionState uint32

const (
	SessionStarted SessionState = iota
	SessionInProgress
	SessionCompleted
	SessionFailed
	SessionTimedOut
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	return s >= SessionCompleted
}

func (s SessionState) String() string {
	switch s {
	case SessionStarted:
		return "started"
	case SessionInProgress:
		return "in_progress"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	case SessionTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// PoolStats is a point-in-time snapshot of connection pool occupancy.
type PoolStats struct {
	Total    int
	Idle     int
	Active   int
	Created  uint64
	Reused   uint64
	Evicted  uint64
	Timeouts uint64
}

// RingState is a snapshot of a slot ring for diagnostics.
type RingState struct {
	SlotSize  int
	SlotCount int
	Head      uint64
	Tail      uint64
	Used      int
	Closed    bool
}

// ServiceInfo exposes descriptive build- and runtime info for external tools.
type ServiceInfo struct {
	Name      string
	Version   string
	StartedAt time.Time
}
