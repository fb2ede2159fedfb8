// File: dispatch/dispatcher.go
// Package dispatch
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatcher routes envelopes from a poll loop. It never blocks: request
// handlers run on the executor, lifecycle replies resolve inline.

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/internal/session"
	"github.com/momentics/hioload-bridge/protocol"
)

// Dispatch outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePanic     = "panic"
	OutcomeBusy      = "busy"
	OutcomeSkipped   = "skipped"
	OutcomeNoHandler = "no_handler"
)

// job is one handler invocation waiting in a correlation lane.
type job struct {
	handler Handler
	req     *protocol.Envelope
	stream  *session.Session
}

// lane serializes handlers of one correlation id. backlog holds jobs
// queued behind the running one.
type lane struct {
	backlog *queue.Queue
}

// Dispatcher is safe for concurrent use by several poll loops.
type Dispatcher struct {
	registry *Registry
	sessions *session.Manager
	exec     api.Executor
	logger   *zap.Logger
	metrics  *control.Metrics
	cfg      atomic.Pointer[control.DispatchConfig]

	mu    sync.Mutex
	lanes map[session.Key]*lane

	inflight sync.WaitGroup
	closed   atomic.Bool
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records dispatch outcomes and panics.
func WithMetrics(m *control.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithConfig sets per-type and default session timeouts.
func WithConfig(cfg control.DispatchConfig) DispatcherOption {
	return func(d *Dispatcher) { d.cfg.Store(&cfg) }
}

// NewDispatcher wires a frozen registry to a session manager and executor.
func NewDispatcher(reg *Registry, sessions *session.Manager, exec api.Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		sessions: sessions,
		exec:     exec,
		logger:   zap.NewNop(),
		lanes:    make(map[session.Key]*lane),
	}
	d.cfg.Store(&control.DispatchConfig{})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// UpdateConfig applies hot-reloaded timeouts to sessions opened afterwards.
func (d *Dispatcher) UpdateConfig(cfg control.DispatchConfig) { d.cfg.Store(&cfg) }

// Sessions exposes the session manager.
func (d *Dispatcher) Sessions() *session.Manager { return d.sessions }

// Registry exposes the handler table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch routes env received on connection conn; replies go to sink.
// Protocol violations are logged, counted and returned; the envelope is
// dropped.
func (d *Dispatcher) Dispatch(conn uint64, env *protocol.Envelope, sink session.Sink) error {
	key := session.Key{Conn: conn, Corr: env.CorrelationID}
	switch {
	case env.Type.IsRequest():
		return d.dispatchRequest(key, env, sink)
	case env.Type == protocol.TypeCancel:
		if !d.sessions.Cancel(key) {
			d.logger.Debug("cancel for unknown session",
				zap.Uint64("conn_id", conn), zap.Uint64("correlation_id", env.CorrelationID))
		}
		return nil
	case env.Type == protocol.TypeApprovalResponse:
		var resp protocol.ApprovalResponse
		if err := protocol.Unmarshal(env.Payload, &resp); err != nil {
			return d.violation(key, env.Type, "malformed_payload", err)
		}
		if !d.sessions.ResolveApproval(key, resp) {
			return d.violation(key, env.Type, "unsolicited_approval", nil)
		}
		return nil
	case env.Type.Valid():
		return d.violation(key, env.Type, "unexpected_type", nil)
	default:
		return d.violation(key, env.Type, "unknown_type", nil)
	}
}

func (d *Dispatcher) dispatchRequest(key session.Key, env *protocol.Envelope, sink session.Sink) error {
	if d.closed.Load() {
		return api.ErrClosed
	}
	h, timeout, ok := d.registry.Lookup(env.Type)
	if timeout <= 0 {
		timeout = d.timeoutFor(env.Type)
	}
	s, err := d.sessions.Open(context.Background(), key, env.Type, sink, timeout)
	if err != nil {
		return d.violation(key, env.Type, "duplicate_request", err)
	}
	if !ok {
		d.metrics.Dispatch(env.Type.String(), OutcomeNoHandler)
		return s.Abort(protocol.CodeNotFound, fmt.Sprintf("no handler for %s", env.Type))
	}
	return d.enqueue(key, job{handler: h, req: env, stream: s})
}

func (d *Dispatcher) timeoutFor(t protocol.MessageType) time.Duration {
	cfg := d.cfg.Load()
	if v, ok := cfg.Timeouts[t.String()]; ok && v > 0 {
		return v
	}
	return cfg.DefaultTimeout
}

// enqueue appends j to its correlation lane, starting the lane on the
// executor when idle. A saturated executor fails the lane's jobs with an
// immediate Busy terminal.
func (d *Dispatcher) enqueue(key session.Key, j job) error {
	d.mu.Lock()
	if ln, ok := d.lanes[key]; ok {
		ln.backlog.Add(j)
		d.mu.Unlock()
		return nil
	}
	ln := &lane{backlog: queue.New()}
	d.lanes[key] = ln
	d.mu.Unlock()

	d.inflight.Add(1)
	err := d.exec.Submit(func() {
		defer d.inflight.Done()
		d.drain(key, ln, j)
	})
	if err == nil {
		return nil
	}
	d.inflight.Done()

	d.mu.Lock()
	delete(d.lanes, key)
	rejected := []job{j}
	for ln.backlog.Length() > 0 {
		rejected = append(rejected, ln.backlog.Remove().(job))
	}
	d.mu.Unlock()

	for _, r := range rejected {
		d.metrics.Dispatch(r.req.Type.String(), OutcomeBusy)
		_ = r.stream.Abort(protocol.CodeBusy, "dispatcher saturated")
	}
	d.logger.Warn("handler rejected",
		zap.Uint64("conn_id", key.Conn),
		zap.Uint64("correlation_id", key.Corr),
		zap.Int("jobs", len(rejected)),
		zap.Error(err))
	return err
}

func (d *Dispatcher) drain(key session.Key, ln *lane, j job) {
	for {
		d.run(j)
		d.mu.Lock()
		if ln.backlog.Length() == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		j = ln.backlog.Remove().(job)
		d.mu.Unlock()
	}
}

// run invokes the handler and guarantees the session ends with a terminal.
func (d *Dispatcher) run(j job) {
	s := j.stream
	outcome := OutcomeCompleted
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			d.metrics.HandlerPanic()
			d.logger.Error("handler panicked",
				zap.Stringer("message_type", j.req.Type),
				zap.Uint64("correlation_id", j.req.CorrelationID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			_ = s.Abort(protocol.CodeHandlerPanic, fmt.Sprintf("handler panicked: %v", r))
		}
		d.metrics.Dispatch(j.req.Type.String(), outcome)
	}()

	if s.State().Terminal() {
		// cancelled or timed out while queued
		outcome = OutcomeSkipped
		return
	}
	err := j.handler.Handle(s.Context(), j.req, s)
	if err != nil {
		outcome = OutcomeFailed
	}
	_ = s.Finish(err)
}

func (d *Dispatcher) violation(key session.Key, t protocol.MessageType, reason string, cause error) error {
	d.metrics.ProtocolViolation(reason)
	d.logger.Warn("protocol violation",
		zap.String("reason", reason),
		zap.Uint64("conn_id", key.Conn),
		zap.Uint64("correlation_id", key.Corr),
		zap.Stringer("message_type", t),
		zap.Error(cause))
	return api.Wrap(api.KindProtocolViolation, reason, cause).
		WithContext("message_type", t.String())
}

// Stats returns counters for debug probes.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.Lock()
	lanes := len(d.lanes)
	d.mu.Unlock()
	return map[string]any{
		"handlers":      d.registry.Len(),
		"active_lanes":  lanes,
		"live_sessions": d.sessions.Len(),
		"workers":       d.exec.NumWorkers(),
	}
}

// Close stops accepting requests and waits for running handlers up to ctx.
// Sessions still live afterwards are failed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closed.Store(true)
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.sessions.Close()
	return err
}
