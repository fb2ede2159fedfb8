// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Client runs request exchanges over pooled connections. Acquisition is
// retried with exponential backoff; once the attempts are spent the
// application sees a single ConnectionLost notification.

package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
)

// sendBudget bounds the retry of a Busy request ring.
const sendBudget = 50 * time.Millisecond

// Client issues requests and reads their streams.
type Client struct {
	pool    *pool.ConnectionPool
	cfg     atomic.Pointer[control.ClientConfig]
	logger  *zap.Logger
	metrics *control.Metrics
	notify  chan *protocol.Envelope
	lost    atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a client over p. The client owns p from now on.
func New(p *pool.ConnectionPool, cfg control.ClientConfig, opts ...Option) *Client {
	c := &Client{
		pool:   p,
		logger: zap.NewNop(),
		notify: make(chan *protocol.Envelope, 1),
	}
	c.UpdateConfig(cfg)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateConfig replaces the retry policy for later acquisitions.
func (c *Client) UpdateConfig(cfg control.ClientConfig) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	c.cfg.Store(&cfg)
}

// Pool exposes the underlying pool.
func (c *Client) Pool() *pool.ConnectionPool { return c.pool }

// Notifications delivers synthesized ConnectionLost envelopes. One is sent
// per outage: the next one requires a successful acquisition in between.
func (c *Client) Notifications() <-chan *protocol.Envelope { return c.notify }

// Exchange acquires a connection, sends the request and returns the open
// exchange. The connection stays with the exchange until Close.
func (c *Client) Exchange(ctx context.Context, t protocol.MessageType, payload any) (*Exchange, error) {
	if !t.IsRequest() {
		return nil, api.NewError(api.KindInvalidArgument, "not a request type").
			WithContext("message_type", t.String())
	}
	for retried := false; ; retried = true {
		conn, err := c.acquire(ctx)
		if err != nil {
			return nil, err
		}
		corr := conn.NextCorrelationID()
		env, err := protocol.NewEnvelope(t, corr, protocol.OriginClient, payload)
		if err != nil {
			c.pool.Release(conn)
			return nil, err
		}
		ex := &Exchange{c: c, conn: conn, end: conn.ClientEnd(), corr: corr, reqType: t}
		err = ex.send(env)
		if err == nil {
			return ex, nil
		}
		ex.release()
		// a pooled connection can die between release and reuse
		if retried || api.KindOf(err) != api.KindConnectionLost {
			return nil, err
		}
	}
}

// Call runs an exchange to completion. Every non-terminal envelope is passed
// to onMessage, which may be nil; an error from onMessage cancels the
// exchange. The terminal envelope is returned.
func (c *Client) Call(ctx context.Context, t protocol.MessageType, payload any, onMessage func(*protocol.Envelope) error) (*protocol.Envelope, error) {
	ex, err := c.Exchange(ctx, t, payload)
	if err != nil {
		return nil, err
	}
	defer ex.Close()
	for {
		env, err := ex.Next(ctx)
		if err != nil {
			return nil, err
		}
		if env.Type.IsTerminal() {
			return env, nil
		}
		if onMessage == nil {
			continue
		}
		if err := onMessage(env); err != nil {
			_ = ex.Cancel()
			return nil, err
		}
	}
}

// acquire retries the pool with exponential backoff. Running out of
// attempts raises the ConnectionLost notification.
func (c *Client) acquire(ctx context.Context) (*pool.Connection, error) {
	cfg := c.cfg.Load()
	delay := cfg.InitialBackoff
	var last error
	for attempt := 1; ; attempt++ {
		conn, err := c.pool.Acquire(ctx)
		if err == nil {
			if c.lost.CompareAndSwap(true, false) {
				c.logger.Info("connection restored", zap.Int("attempts", attempt))
			}
			return conn, nil
		}
		last = err
		if ctx.Err() != nil || (errors.Is(err, api.ErrClosed) && c.pool.Closed()) {
			return nil, err
		}
		if attempt >= cfg.MaxAttempts {
			c.connectionLost(attempt, last)
			return nil, api.Wrap(api.KindConnectionLost, "connection attempts exhausted", last).
				WithContext("attempts", attempt)
		}
		c.metrics.ClientRetry()
		c.logger.Warn("acquire failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = nextBackoff(delay, cfg.MaxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	if cur >= max/2 {
		return max
	}
	return cur * 2
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connectionLost(attempts int, cause error) {
	if !c.lost.CompareAndSwap(false, true) {
		return
	}
	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	c.metrics.ConnectionLost()
	c.logger.Error("connection lost", zap.Int("attempts", attempts), zap.Error(cause))
	env, err := protocol.NewEnvelope(protocol.TypeConnectionLost, 0, protocol.OriginServer,
		protocol.ConnectionLost{Reason: reason, Attempts: attempts})
	if err != nil {
		c.logger.Error("connection lost notice not encoded", zap.Error(err))
		return
	}
	select {
	case c.notify <- env:
	default:
		c.logger.Warn("connection lost notice dropped, previous one unread")
	}
}

// Stats reports pool counters and the outage flag.
func (c *Client) Stats() map[string]any {
	s := c.pool.Stats()
	return map[string]any{
		"pool.total":  s.Total,
		"pool.idle":   s.Idle,
		"pool.active": s.Active,
		"lost":        c.lost.Load(),
	}
}

// Close closes the pool. Open exchanges fail on their next poll.
func (c *Client) Close() error {
	return c.pool.Close()
}

var _ api.GracefulShutdown = (*Client)(nil)

// Shutdown implements api.GracefulShutdown.
func (c *Client) Shutdown() error { return c.Close() }
