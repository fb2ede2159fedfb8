// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the transport-facing interfaces.

package fake

import (
	"sync"

	"github.com/momentics/hioload-bridge/protocol"
)

// Sink records every envelope sent to it. It can be scripted to fail the
// next N sends with an error, e.g. api.ErrTransportBusy.
type Sink struct {
	mu       sync.Mutex
	sent     []*protocol.Envelope
	failErr  error
	failNext int
	sendErr  error
	notify   chan struct{}
}

// NewSink creates an empty recording sink.
func NewSink() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

// Send implements the envelope sink contract used by sessions.
func (s *Sink) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	cp := *env
	cp.Payload = append([]byte(nil), env.Payload...)
	s.sent = append(s.sent, &cp)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// FailNext makes the next n sends return err.
func (s *Sink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext, s.failErr = n, err
}

// SetSendError makes every send return err until cleared with nil.
func (s *Sink) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of everything recorded so far.
func (s *Sink) Sent() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

// Types returns the message types recorded so far, in order.
func (s *Sink) Types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MessageType, len(s.sent))
	for i, e := range s.sent {
		out[i] = e.Type
	}
	return out
}

// Terminals counts recorded terminal envelopes.
func (s *Sink) Terminals() int {
	n := 0
	for _, t := range s.Types() {
		if t.IsTerminal() {
			n++
		}
	}
	return n
}

// Notify is signalled after each recorded send.
func (s *Sink) Notify() <-chan struct{} { return s.notify }
