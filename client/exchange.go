// File: client/exchange.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
)

// ErrExchangeFinished is returned by Send after the terminal message.
var ErrExchangeFinished = &api.Error{Kind: api.KindClosed, Message: "exchange already finished"}

// Exchange is one request and its response stream. It holds its connection
// exclusively until Close and is not safe for concurrent use.
type Exchange struct {
	c       *Client
	conn    *pool.Connection
	end     pool.End
	corr    uint64
	reqType protocol.MessageType
	done    bool
	closed  bool
}

// CorrelationID returns the id shared by every message of the exchange.
func (ex *Exchange) CorrelationID() uint64 { return ex.corr }

// Next returns the next message of the stream. After the terminal message
// it returns io.EOF. Envelopes left over from earlier exchanges on the same
// connection are dropped.
func (ex *Exchange) Next(ctx context.Context) (*protocol.Envelope, error) {
	if ex.closed {
		return nil, api.ErrClosed
	}
	if ex.done {
		return nil, io.EOF
	}
	var idle concurrency.Backoff
	for {
		env, ok, err := ex.end.Poll()
		if err != nil {
			return nil, ex.lose(err)
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			idle.Idle()
			continue
		}
		idle.Reset()
		if env.CorrelationID != ex.corr {
			ex.c.logger.Debug("stray envelope dropped",
				zap.Uint64("conn_id", ex.conn.ID()),
				zap.Stringer("message_type", env.Type),
				zap.Uint64("correlation_id", env.CorrelationID))
			continue
		}
		if env.Type.IsTerminal() {
			ex.done = true
		}
		return env, nil
	}
}

// Send writes a client message, such as an ApprovalResponse, under the
// exchange's correlation id.
func (ex *Exchange) Send(t protocol.MessageType, payload any) error {
	if ex.closed {
		return api.ErrClosed
	}
	if ex.done {
		return ErrExchangeFinished
	}
	env, err := protocol.NewEnvelope(t, ex.corr, protocol.OriginClient, payload)
	if err != nil {
		return err
	}
	return ex.send(env)
}

// Approve answers the pending approval request.
func (ex *Exchange) Approve(approved bool, reason string) error {
	return ex.Send(protocol.TypeApprovalResponse, protocol.ApprovalResponse{Approved: approved, Reason: reason})
}

// Cancel asks the backend to stop the handler. The stream still ends with
// a terminal message.
func (ex *Exchange) Cancel() error {
	if ex.closed || ex.done {
		return nil
	}
	return ex.send(&protocol.Envelope{Type: protocol.TypeCancel, CorrelationID: ex.corr})
}

// Close cancels an unfinished exchange and returns the connection to the
// pool. Idempotent.
func (ex *Exchange) Close() error {
	if ex.closed {
		return nil
	}
	var err error
	if !ex.done {
		err = ex.Cancel()
	}
	ex.release()
	return err
}

func (ex *Exchange) release() {
	ex.closed = true
	ex.c.pool.Release(ex.conn)
}

func (ex *Exchange) send(env *protocol.Envelope) error {
	if ex.conn.PeerClosed() {
		return ex.lose(api.ErrClosed)
	}
	err := concurrency.Retry(sendBudget, api.IsRetryable, func() error { return ex.end.Send(env) })
	if err == nil || api.IsRetryable(err) {
		return err
	}
	return ex.lose(err)
}

// lose marks the connection dead after a fatal transport error so the pool
// evicts it on release.
func (ex *Exchange) lose(err error) error {
	if errors.Is(err, api.ErrClosed) || errors.Is(err, api.ErrTransportCorrupt) {
		ex.conn.MarkDead(err)
		ex.c.logger.Warn("connection lost during exchange",
			zap.Uint64("conn_id", ex.conn.ID()),
			zap.Uint64("correlation_id", ex.corr),
			zap.Stringer("request", ex.reqType),
			zap.Error(err))
		return api.Wrap(api.KindConnectionLost, "connection lost during exchange", err).
			WithContext("correlation_id", ex.corr)
	}
	return err
}
