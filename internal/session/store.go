// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe session Manager for high concurrency.

package session

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/protocol"
)

// Defaults used when options are not given.
const (
	DefaultDeliveryBudget  = 50 * time.Millisecond
	DefaultApprovalTimeout = 5 * time.Minute
)

// Key identifies a session: correlation ids are only unique per connection.
type Key struct {
	Conn uint64
	Corr uint64
}

// Sink delivers envelopes to the peer. pool.End satisfies it.
type Sink interface {
	Send(env *protocol.Envelope) error
}

// Manager owns every live session.
type Manager struct {
	shards []*sessionShard
	mask   uint32

	logger          *zap.Logger
	metrics         *control.Metrics
	origin          protocol.Origin
	deliveryBudget  time.Duration
	approvalTimeout time.Duration

	live   atomic.Int64
	opened atomic.Uint64
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records session outcomes and protocol violations.
func WithMetrics(mt *control.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithOrigin sets the origin stamped on emitted envelopes.
func WithOrigin(o protocol.Origin) Option {
	return func(m *Manager) { m.origin = o }
}

// WithDeliveryBudget bounds how long a terminal envelope is retried on Busy.
func WithDeliveryBudget(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.deliveryBudget = d
		}
	}
}

// WithApprovalTimeout sets the wait for requests that carry no timeout_ms.
func WithApprovalTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.approvalTimeout = d
		}
	}
}

// NewManager constructs a sharded manager with shardCount shards.
func NewManager(shardCount int, opts ...Option) *Manager {
	if shardCount <= 0 {
		shardCount = 16
	}
	// power-of-two shards for bitmasking
	n := nextPowerOfTwo(uint32(shardCount))
	m := &Manager{
		shards:          make([]*sessionShard, n),
		mask:            n - 1,
		logger:          zap.NewNop(),
		origin:          protocol.OriginServer,
		deliveryBudget:  DefaultDeliveryBudget,
		approvalTimeout: DefaultApprovalTimeout,
	}
	for i := range m.shards {
		m.shards[i] = &sessionShard{sessions: make(map[Key]*Session)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) shard(k Key) *sessionShard {
	return m.shards[hashKey(k)&m.mask]
}

// Open registers a session in state Started. timeout <= 0 disables the
// deadline. A live session with the same key is an AlreadyExists error.
func (m *Manager) Open(parent context.Context, key Key, t protocol.MessageType, sink Sink, timeout time.Duration) (*Session, error) {
	s := newSession(m, parent, key, t, sink, timeout)
	sh := m.shard(key)
	sh.mu.Lock()
	if _, ok := sh.sessions[key]; ok {
		sh.mu.Unlock()
		s.cancel()
		return nil, api.NewError(api.KindAlreadyExists, "session already open").
			WithContext("conn_id", key.Conn).
			WithContext("correlation_id", key.Corr)
	}
	sh.sessions[key] = s
	sh.mu.Unlock()

	m.live.Add(1)
	m.opened.Add(1)
	m.metrics.SessionOpened()
	s.arm()
	return s, nil
}

// Get fetches a live session.
func (m *Manager) Get(key Key) (*Session, bool) {
	sh := m.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[key]
	return s, ok
}

// remove drops s if it is still the session registered under its key.
func (m *Manager) remove(s *Session) {
	sh := m.shard(s.key)
	sh.mu.Lock()
	if cur, ok := sh.sessions[s.key]; ok && cur == s {
		delete(sh.sessions, s.key)
		m.live.Add(-1)
	}
	sh.mu.Unlock()
}

// Cancel finishes the session as Failed("Cancelled") and signals the
// handler through its context. Reports whether a live session was found.
func (m *Manager) Cancel(key Key) bool {
	s, ok := m.Get(key)
	if !ok {
		return false
	}
	_ = s.Abort(protocol.CodeCancelled, "Cancelled")
	return true
}

// ResolveApproval hands the front-end's decision to the waiting handler.
// Reports false when no approval is pending for key.
func (m *Manager) ResolveApproval(key Key, resp protocol.ApprovalResponse) bool {
	s, ok := m.Get(key)
	if !ok {
		return false
	}
	return s.resolveApproval(resp)
}

// FailConnection finishes every live session of conn as Failed and returns
// how many were affected.
func (m *Manager) FailConnection(conn uint64, reason string) int {
	var victims []*Session
	m.Range(func(s *Session) bool {
		if s.key.Conn == conn {
			victims = append(victims, s)
		}
		return true
	})
	for _, s := range victims {
		_ = s.Abort(protocol.CodeIO, reason)
	}
	return len(victims)
}

// Range applies fn to live sessions until it returns false. fn must not
// open or finish sessions.
func (m *Manager) Range(fn func(*Session) bool) {
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if !fn(s) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int { return int(m.live.Load()) }

// Stats returns counters for debug probes.
func (m *Manager) Stats() map[string]any {
	return map[string]any{
		"live":   m.live.Load(),
		"opened": m.opened.Load(),
	}
}

// Close fails every live session.
func (m *Manager) Close() {
	var all []*Session
	m.Range(func(s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		_ = s.Abort(protocol.CodeCancelled, "shutting down")
	}
}

func (m *Manager) violation(s *Session, reason string) {
	m.metrics.ProtocolViolation(reason)
	m.logger.Warn("protocol violation",
		zap.String("reason", reason),
		zap.Uint64("conn_id", s.key.Conn),
		zap.Uint64("correlation_id", s.key.Corr),
		zap.Stringer("message_type", s.kind),
		zap.Stringer("state", s.State()))
}

// hashKey hashes a key to uint32.
func hashKey(k Key) uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], k.Conn)
	binary.LittleEndian.PutUint64(b[8:], k.Corr)
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
