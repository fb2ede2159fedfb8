// File: internal/session/approval.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Approval round trip: the handler asks, the front-end decides.

package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/protocol"
)

// RequestApproval emits an ApprovalRequest on the session's correlation id
// and waits for the matching ApprovalResponse. An unanswered request is
// denied after req.TimeoutMs, or the manager default when zero. One request
// may be pending per session.
func (s *Session) RequestApproval(ctx context.Context, req protocol.ApprovalRequest) (protocol.ApprovalResponse, error) {
	if s.State().Terminal() {
		return protocol.ApprovalResponse{}, ErrFinished
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.m.approvalTimeout
		req.TimeoutMs = timeout.Milliseconds()
	}

	ch := make(chan protocol.ApprovalResponse, 1)
	s.apMu.Lock()
	if s.pending != nil {
		s.apMu.Unlock()
		return protocol.ApprovalResponse{}, api.NewError(api.KindAlreadyExists, "approval already pending").
			WithContext("correlation_id", s.key.Corr)
	}
	s.pending = ch
	s.apMu.Unlock()
	defer func() {
		s.apMu.Lock()
		if s.pending == ch {
			s.pending = nil
		}
		s.apMu.Unlock()
	}()

	if err := s.emit(protocol.TypeApprovalRequest, req, true); err != nil {
		return protocol.ApprovalResponse{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-t.C:
		s.m.logger.Info("approval timed out, denied",
			zap.Uint64("correlation_id", s.key.Corr),
			zap.String("operation", req.Operation),
			zap.Duration("timeout", timeout))
		return protocol.ApprovalResponse{Approved: false, Reason: "approval timed out"}, nil
	case <-ctx.Done():
		return protocol.ApprovalResponse{}, ctx.Err()
	case <-s.ctx.Done():
		return protocol.ApprovalResponse{}, ErrFinished
	}
}

func (s *Session) resolveApproval(resp protocol.ApprovalResponse) bool {
	s.apMu.Lock()
	ch := s.pending
	s.pending = nil
	s.apMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- resp
	return true
}
