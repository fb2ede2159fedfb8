// File: server/link.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection poll loop. It never suspends on I/O: an empty ring is
// handled with spin, yield and short sleeps.

package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
)

const (
	ackBudget     = 20 * time.Millisecond
	pollMaxSleep  = 200 * time.Microsecond
	reasonClosed  = "connection closed"
	reasonCorrupt = "connection corrupt"
	reasonGone    = "client disconnected"
	reasonStopped = "engine stopped"
	reasonLimited = "request rate exceeded"
)

// link is the server's view of one connection. Its state is its own; the
// pool's Connection state belongs to the client side.
type link struct {
	e        *Engine
	conn     *pool.Connection
	end      pool.End
	owned    bool
	state    atomic.Uint32
	clientID atomic.Pointer[string]
	served   atomic.Uint64
	limited  atomic.Uint64
	limiter  atomic.Pointer[rate.Limiter]
	attached time.Time
}

func newLink(e *Engine, conn *pool.Connection, owned bool) *link {
	l := &link{
		e:        e,
		conn:     conn,
		end:      conn.ServerEnd(),
		owned:    owned,
		attached: time.Now(),
	}
	l.setRate(e.store.Snapshot().Dispatch)
	id := conn.ClientID()
	l.clientID.Store(&id)
	l.state.Store(uint32(api.ConnActive))
	return l
}

func (l *link) log() *zap.Logger {
	return l.e.logger.With(zap.Uint64("conn_id", l.conn.ID()), zap.String("client_id", *l.clientID.Load()))
}

func (l *link) run(ctx context.Context) {
	if cpus := l.e.pollCPUs; len(cpus) > 0 {
		cpu := cpus[l.conn.ID()%uint64(len(cpus))]
		pin, err := concurrency.PinCurrentThread(cpu)
		if err != nil {
			l.log().Warn("poll loop not pinned", zap.Int("cpu", cpu), zap.Error(err))
		} else {
			defer pin.Unpin()
		}
	}
	idle := concurrency.Backoff{MaxSleep: pollMaxSleep}
	for {
		if ctx.Err() != nil {
			l.finish(reasonStopped, nil)
			return
		}
		env, ok, err := l.end.Poll()
		if err != nil {
			l.fail(err)
			return
		}
		if !ok {
			idle.Idle()
			continue
		}
		idle.Reset()
		l.served.Add(1)
		if !l.handle(env) {
			return
		}
	}
}

// handle processes one envelope; false ends the loop.
func (l *link) handle(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeConnect:
		var hello protocol.Connect
		if err := protocol.Unmarshal(env.Payload, &hello); err != nil {
			l.e.metrics.ProtocolViolation("malformed_connect")
			l.log().Warn("malformed connect dropped", zap.Error(err))
			return true
		}
		if hello.ClientID != "" {
			l.clientID.Store(&hello.ClientID)
		}
		if hello.Version != protocol.Version {
			l.log().Warn("protocol version mismatch",
				zap.Uint32("local", protocol.Version), zap.Uint32("remote", hello.Version))
		}
		l.ack(env.CorrelationID)
	case protocol.TypeHealthProbe:
		l.ack(env.CorrelationID)
	case protocol.TypeDisconnect:
		l.state.Store(uint32(api.ConnDraining))
		l.finish(reasonGone, nil)
		return false
	default:
		if env.Type.IsRequest() && !l.limiter.Load().Allow() {
			l.refuse(env)
			return true
		}
		if err := l.e.disp.Dispatch(l.conn.ID(), env, l.end); err != nil {
			l.log().Debug("envelope not dispatched",
				zap.Stringer("message_type", env.Type),
				zap.Uint64("correlation_id", env.CorrelationID),
				zap.Error(err))
		}
	}
	return true
}

// setRate installs a fresh limiter when the configured rate changes.
func (l *link) setRate(cfg control.DispatchConfig) {
	limit, burst := rate.Inf, 0
	if cfg.RequestRate > 0 {
		limit, burst = rate.Limit(cfg.RequestRate), cfg.RequestBurst
	}
	if cur := l.limiter.Load(); cur != nil && cur.Limit() == limit && cur.Burst() == burst {
		return
	}
	l.limiter.Store(rate.NewLimiter(limit, burst))
}

// refuse answers an over-limit request with a Busy terminal. No session is
// opened for it.
func (l *link) refuse(env *protocol.Envelope) {
	l.limited.Add(1)
	l.e.rateLimited.Add(1)
	l.e.metrics.RateLimited()
	l.e.metrics.Dispatch(env.Type.String(), "rate_limited")
	failed, err := protocol.NewEnvelope(protocol.TypeFailed, env.CorrelationID, protocol.OriginServer, protocol.Failed{
		Code:        protocol.CodeBusy,
		Error:       reasonLimited,
		Recoverable: protocol.CodeBusy.Recoverable(),
	})
	if err == nil {
		err = concurrency.Retry(ackBudget, api.IsRetryable, func() error { return l.end.Send(failed) })
	}
	if err != nil {
		l.log().Warn("rate limit refusal not delivered", zap.Uint64("correlation_id", env.CorrelationID), zap.Error(err))
		return
	}
	l.log().Debug("request refused by rate limit",
		zap.Stringer("message_type", env.Type),
		zap.Uint64("correlation_id", env.CorrelationID))
}

func (l *link) ack(corr uint64) {
	body := pool.Hello(*l.clientID.Load())
	env, err := protocol.NewEnvelope(protocol.TypeAck, corr, protocol.OriginServer, protocol.Ack{
		ClientID: body.ClientID,
		PID:      body.PID,
		PPID:     body.PPID,
		Version:  protocol.Version,
	})
	if err == nil {
		err = concurrency.Retry(ackBudget, api.IsRetryable, func() error { return l.end.Send(env) })
	}
	if err != nil {
		l.log().Warn("ack not delivered", zap.Uint64("correlation_id", corr), zap.Error(err))
	}
}

// fail handles a fatal transport error.
func (l *link) fail(err error) {
	switch {
	case errors.Is(err, api.ErrClosed):
		l.finish(reasonClosed, nil)
	case errors.Is(err, api.ErrTransportCorrupt):
		l.log().Error("transport corrupt, connection killed", zap.Error(err))
		l.finish(reasonCorrupt, err)
	default:
		l.log().Error("poll failed", zap.Error(err))
		l.finish(reasonCorrupt, err)
	}
}

// finish fails the link's live sessions and releases what the link owns.
// The connection is marked dead so its pool never hands it out again.
func (l *link) finish(reason string, cause error) {
	l.state.Store(uint32(api.ConnDead))
	if n := l.e.sessions.FailConnection(l.conn.ID(), reason); n > 0 {
		l.log().Info("sessions failed with connection", zap.Int("sessions", n), zap.String("reason", reason))
	}
	if cause == nil {
		cause = api.ErrClosed
	}
	l.conn.MarkDead(cause)
	// peer sees Closed once it drains the response ring
	l.end.Outbound().Close()
	if l.owned {
		if err := l.conn.Close(); err != nil {
			l.log().Warn("connection close failed", zap.Error(err))
		}
	}
	l.log().Debug("connection detached", zap.String("reason", reason), zap.Uint64("served", l.served.Load()))
}

func (l *link) snapshot() map[string]any {
	return map[string]any{
		"conn_id":   l.conn.ID(),
		"client_id": *l.clientID.Load(),
		"state":     api.ConnState(l.state.Load()).String(),
		"served":    l.served.Load(),
		"limited":   l.limited.Load(),
		"attached":  l.attached.Format(time.RFC3339),
		"requests":  l.end.Inbound().State(),
		"responses": l.end.Outbound().State(),
	}
}
