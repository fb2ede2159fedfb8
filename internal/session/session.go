// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session state machine, emission ordering and release.

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/protocol"
)

// ErrFinished is returned for emissions on a session that already ended.
var ErrFinished = &api.Error{Kind: api.KindClosed, Message: "session already finished"}

// Session is one streaming exchange. All methods are safe for concurrent use.
type Session struct {
	m       *Manager
	key     Key
	kind    protocol.MessageType
	sink    Sink
	created time.Time
	timeout time.Duration

	state    atomic.Uint32
	implicit atomic.Bool // terminal was synthesized, late handler results are discarded
	emitMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	relMu    sync.Mutex
	released bool
	timer    *time.Timer
	hooks    []func()
	done     chan struct{}

	apMu    sync.Mutex
	pending chan protocol.ApprovalResponse
}

func newSession(m *Manager, parent context.Context, key Key, t protocol.MessageType, sink Sink, timeout time.Duration) *Session {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		m:       m,
		key:     key,
		kind:    t,
		sink:    sink,
		created: time.Now(),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.state.Store(uint32(api.SessionStarted))
	return s
}

// arm starts the deadline timer.
func (s *Session) arm() {
	if s.timeout <= 0 {
		return
	}
	s.relMu.Lock()
	if !s.released {
		s.timer = time.AfterFunc(s.timeout, s.expire)
	}
	s.relMu.Unlock()
}

// Key returns the session key.
func (s *Session) Key() Key { return s.key }

// CorrelationID returns the correlation id of the request.
func (s *Session) CorrelationID() uint64 { return s.key.Corr }

// Type returns the request type that opened the session.
func (s *Session) Type() protocol.MessageType { return s.kind }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// State returns the current state.
func (s *Session) State() api.SessionState { return api.SessionState(s.state.Load()) }

// Context is cancelled when the session ends, including on Cancel.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed after the session is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deadline returns the forced timeout, if any.
func (s *Session) Deadline() (time.Time, bool) {
	if s.timeout <= 0 {
		return time.Time{}, false
	}
	return s.created.Add(s.timeout), true
}

// Started emits the Started envelope. Delivery is retried on Busy.
func (s *Session) Started(body protocol.Started) error {
	if body.Timestamp == 0 {
		body.Timestamp = time.Now().Unix()
	}
	return s.emit(protocol.TypeStarted, body, true)
}

// Progress emits one best-effort update and moves the session to
// InProgress. A Busy ring drops the update; the session is unaffected.
func (s *Session) Progress(body protocol.Progress) error {
	return s.emit(protocol.TypeProgress, body, false)
}

// Complete emits the Completed terminal.
func (s *Session) Complete(body protocol.Completed) error {
	if body.DurationMs == 0 {
		body.DurationMs = s.elapsedMs()
	}
	return s.finish(api.SessionCompleted, protocol.TypeCompleted, body, false)
}

// Fail emits the Failed terminal.
func (s *Session) Fail(code protocol.ErrorCode, msg string) error {
	return s.finish(api.SessionFailed, protocol.TypeFailed, s.failure(code, msg), false)
}

// Finish closes a session whose handler returned without a terminal: nil
// becomes Completed, an error becomes Failed. No-op when already terminal.
func (s *Session) Finish(err error) error {
	if s.State().Terminal() {
		return nil
	}
	if err == nil {
		return s.finish(api.SessionCompleted, protocol.TypeCompleted, protocol.Completed{DurationMs: s.elapsedMs()}, true)
	}
	return s.finish(api.SessionFailed, protocol.TypeFailed, s.failure(codeFor(err), err.Error()), true)
}

// Abort ends the session as Failed on behalf of the engine (cancel, panic,
// connection loss). A terminal emitted later by the handler is discarded.
func (s *Session) Abort(code protocol.ErrorCode, msg string) error {
	return s.finish(api.SessionFailed, protocol.TypeFailed, s.failure(code, msg), true)
}

// OnRelease runs fn when the session ends, in reverse registration order.
// fn runs immediately if the session already ended.
func (s *Session) OnRelease(fn func()) {
	s.relMu.Lock()
	if s.released {
		s.relMu.Unlock()
		s.runHook(fn)
		return
	}
	s.hooks = append(s.hooks, fn)
	s.relMu.Unlock()
}

func (s *Session) expire() {
	if s.State().Terminal() {
		return
	}
	s.m.logger.Info("session timed out",
		zap.Uint64("conn_id", s.key.Conn),
		zap.Uint64("correlation_id", s.key.Corr),
		zap.Stringer("message_type", s.kind),
		zap.Duration("timeout", s.timeout))
	_ = s.finish(api.SessionTimedOut, protocol.TypeTimedOut, protocol.TimedOut{TimeoutMs: s.timeout.Milliseconds()}, true)
}

// emit sends a non-terminal envelope. Emissions are serialized so the peer
// observes them in call order and never after the terminal.
func (s *Session) emit(t protocol.MessageType, body any, reliable bool) error {
	env, err := protocol.NewEnvelope(t, s.key.Corr, s.m.origin, body)
	if err != nil {
		return err
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.State().Terminal() {
		return ErrFinished
	}
	if t == protocol.TypeProgress {
		s.state.CompareAndSwap(uint32(api.SessionStarted), uint32(api.SessionInProgress))
	}
	if reliable {
		err = s.deliver(env)
	} else {
		err = s.sink.Send(env)
	}
	if err != nil {
		s.m.logger.Debug("envelope dropped",
			zap.Uint64("correlation_id", s.key.Corr),
			zap.Stringer("message_type", t),
			zap.Error(err))
	}
	return err
}

// finish moves to a terminal state exactly once and emits the terminal.
func (s *Session) finish(state api.SessionState, t protocol.MessageType, body any, implicit bool) error {
	for {
		cur := api.SessionState(s.state.Load())
		if cur.Terminal() {
			if implicit || s.implicit.Load() {
				s.m.logger.Debug("late terminal discarded",
					zap.Uint64("correlation_id", s.key.Corr),
					zap.Stringer("message_type", t),
					zap.Stringer("state", cur))
				return ErrFinished
			}
			s.m.violation(s, "duplicate_terminal")
			return api.Wrap(api.KindProtocolViolation, "duplicate terminal message", nil).
				WithContext("correlation_id", s.key.Corr).
				WithContext("state", cur.String())
		}
		if s.state.CompareAndSwap(uint32(cur), uint32(state)) {
			break
		}
	}
	if implicit {
		s.implicit.Store(true)
	}

	env, err := protocol.NewEnvelope(t, s.key.Corr, s.m.origin, body)
	if err == nil {
		s.emitMu.Lock()
		err = s.deliver(env)
		s.emitMu.Unlock()
	}
	if err != nil {
		s.m.logger.Warn("terminal delivery failed",
			zap.Uint64("conn_id", s.key.Conn),
			zap.Uint64("correlation_id", s.key.Corr),
			zap.Stringer("message_type", t),
			zap.Error(err))
	}
	s.release()
	return err
}

func (s *Session) deliver(env *protocol.Envelope) error {
	return concurrency.Retry(s.m.deliveryBudget, api.IsRetryable, func() error {
		return s.sink.Send(env)
	})
}

func (s *Session) release() {
	s.relMu.Lock()
	if s.released {
		s.relMu.Unlock()
		return
	}
	s.released = true
	if s.timer != nil {
		s.timer.Stop()
	}
	hooks := s.hooks
	s.hooks = nil
	s.relMu.Unlock()

	s.cancel()
	s.m.remove(s)
	for i := len(hooks) - 1; i >= 0; i-- {
		s.runHook(hooks[i])
	}
	s.m.metrics.SessionClosed(s.State())
	close(s.done)
}

func (s *Session) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.m.logger.Error("release hook panicked",
				zap.Uint64("correlation_id", s.key.Corr),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}

func (s *Session) failure(code protocol.ErrorCode, msg string) protocol.Failed {
	return protocol.Failed{
		Code:        code,
		Error:       msg,
		DurationMs:  s.elapsedMs(),
		Recoverable: code.Recoverable(),
	}
}

func (s *Session) elapsedMs() int64 { return time.Since(s.created).Milliseconds() }

// codeFor maps a handler error to the wire error code.
func codeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, context.Canceled):
		return protocol.CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout
	}
	switch api.KindOf(err) {
	case api.KindInvalidArgument:
		return protocol.CodeInvalidArguments
	case api.KindNotFound:
		return protocol.CodeNotFound
	case api.KindSessionTimeout:
		return protocol.CodeTimeout
	case api.KindTransportBusy:
		return protocol.CodeBusy
	default:
		return protocol.CodeExecutionFailed
	}
}
