// File: dispatch/handler.go
// Package dispatch
// Author: momentics <momentics@gmail.com>
//
// Handler contract, HandlerFunc glue and middleware chain.

package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/internal/session"
	"github.com/momentics/hioload-bridge/protocol"
)

// Stream is the handler's view of its streaming session. Emissions are
// ordered; exactly one terminal reaches the peer.
type Stream interface {
	CorrelationID() uint64
	// Context is cancelled on Cancel, timeout or connection loss.
	Context() context.Context
	Started(body protocol.Started) error
	// Progress is best effort: a full ring drops the update.
	Progress(body protocol.Progress) error
	Complete(body protocol.Completed) error
	Fail(code protocol.ErrorCode, msg string) error
	RequestApproval(ctx context.Context, req protocol.ApprovalRequest) (protocol.ApprovalResponse, error)
	// OnRelease registers cleanup, e.g. killing a spawned process.
	OnRelease(fn func())
}

var _ Stream = (*session.Session)(nil)

// Handler serves one request type. Returning without a terminal completes
// the session: nil as Completed, an error as Failed.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Envelope, s Stream) error
}

// HandlerFunc converts a function into a Handler.
type HandlerFunc func(ctx context.Context, req *protocol.Envelope, s Stream) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *protocol.Envelope, s Stream) error {
	return f(ctx, req, s)
}

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies mw so the first one is outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// LoggingMiddleware logs entry, exit, and errors of handler invocation.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *protocol.Envelope, s Stream) error {
			start := time.Now()
			logger.Debug("handler start",
				zap.Stringer("message_type", req.Type),
				zap.Uint64("correlation_id", req.CorrelationID))
			err := next.Handle(ctx, req, s)
			fields := []zap.Field{
				zap.Stringer("message_type", req.Type),
				zap.Uint64("correlation_id", req.CorrelationID),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.Info("handler failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("handler done", fields...)
			}
			return err
		})
	}
}
