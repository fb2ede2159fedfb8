// File: pool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ConnectionPool amortizes connection setup and caps resource usage.
// Membership lives in a sync.Map, idle connections in a buffered channel and
// the total count in an atomic reserved by CAS, so Acquire and Release take
// no pool-wide lock.

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/protocol"
)

// Dialer creates connections for the pool.
type Dialer interface {
	Dial(ctx context.Context) (*Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (*Connection, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (*Connection, error) { return f(ctx) }

// Eviction reasons.
const (
	ReasonDead        = "dead"
	ReasonIdleTimeout = "idle_timeout"
	ReasonLifetime    = "max_lifetime"
	ReasonProbe       = "health_check"
	ReasonOverflow    = "overflow"
	ReasonEvicted     = "evicted"
	ReasonClosed      = "closed"
)

// ConnectionPool is a bounded set of connections.
type ConnectionPool struct {
	dialer  Dialer
	cfg     atomic.Pointer[control.PoolConfig]
	logger  *zap.Logger
	metrics *control.Metrics
	limiter *rate.Limiter

	conns    sync.Map // id -> *Connection
	idle     chan *Connection
	total    atomic.Int64
	slotFree chan struct{}
	events   chan Event
	waiters  atomic.Int32
	wantIdle chan struct{}

	created  atomic.Uint64
	reused   atomic.Uint64
	evicted  atomic.Uint64
	timeouts atomic.Uint64

	closed  atomic.Bool
	closeCh chan struct{}
}

// Option customizes a ConnectionPool.
type Option func(*ConnectionPool)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *ConnectionPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records acquisitions and evictions.
func WithMetrics(m *control.Metrics) Option {
	return func(p *ConnectionPool) { p.metrics = m }
}

// New creates a pool. No goroutines are started until Run.
func New(dialer Dialer, cfg control.PoolConfig, opts ...Option) *ConnectionPool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.MaxFailedProbes <= 0 {
		cfg.MaxFailedProbes = 3
	}
	p := &ConnectionPool{
		dialer:   dialer,
		logger:   zap.NewNop(),
		idle:     make(chan *Connection, cfg.MaxConnections),
		slotFree: make(chan struct{}, 1),
		wantIdle: make(chan struct{}, 1),
		events:   make(chan Event, 4*cfg.MaxConnections),
		closeCh:  make(chan struct{}),
		limiter:  newLimiter(cfg),
	}
	p.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newLimiter(cfg control.PoolConfig) *rate.Limiter {
	if cfg.CreateRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.CreateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.CreateRate), burst)
}

// Closed reports whether Close was called.
func (p *ConnectionPool) Closed() bool { return p.closed.Load() }

// Config returns the active limits.
func (p *ConnectionPool) Config() control.PoolConfig { return *p.cfg.Load() }

// Acquire returns an idle connection, creates one while below
// max_connections, or waits up to acquire_timeout for a release. Fails with
// api.ErrPoolTimeout when the deadline passes.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	start := time.Now()
	cfg := p.cfg.Load()
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		if p.closed.Load() {
			return nil, api.ErrClosed
		}
		select {
		case c := <-p.idle:
			if p.activate(c) {
				p.reused.Add(1)
				p.metrics.PoolAcquire("reused", time.Since(start))
				return c, nil
			}
			continue
		default:
		}

		if p.reserve() {
			c, err := p.create(ctx)
			if err != nil {
				p.unreserve()
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, p.timeout(start, ctxErr)
				}
				if api.KindOf(err) == api.KindPoolTimeout {
					return nil, p.timeout(start, err)
				}
				p.metrics.PoolAcquire("dial_error", time.Since(start))
				return nil, err
			}
			c.transition(api.ConnIdle, api.ConnActive)
			c.touch()
			p.metrics.PoolAcquire("created", time.Since(start))
			return c, nil
		}

		c, err := p.wait(ctx)
		if err != nil {
			if errors.Is(err, api.ErrClosed) {
				return nil, err
			}
			return nil, p.timeout(start, err)
		}
		if c != nil && p.activate(c) {
			p.reused.Add(1)
			p.metrics.PoolAcquire("reused", time.Since(start))
			return c, nil
		}
	}
}

// wait blocks until an idle connection or free capacity shows up. While it
// waits the sweeper leaves idle connections alone.
func (p *ConnectionPool) wait(ctx context.Context) (*Connection, error) {
	p.waiters.Add(1)
	defer p.waiters.Add(-1)
	select {
	case p.wantIdle <- struct{}{}:
	default:
	}
	select {
	case c := <-p.idle:
		return c, nil
	case <-p.slotFree:
		return nil, nil
	case <-p.closeCh:
		return nil, api.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ConnectionPool) timeout(start time.Time, cause error) error {
	p.timeouts.Add(1)
	p.metrics.PoolAcquire("timeout", time.Since(start))
	return api.Wrap(api.KindPoolTimeout, "connection pool: acquire timeout", cause).
		WithContext("waited", time.Since(start).String())
}

// activate claims an idle connection, evicting it if it is no longer usable.
func (p *ConnectionPool) activate(c *Connection) bool {
	cfg := p.cfg.Load()
	if cfg.MaxLifetime > 0 && c.Age(time.Now()) > cfg.MaxLifetime {
		p.remove(c, ReasonLifetime)
		return false
	}
	if c.PeerClosed() {
		c.MarkDead(api.ErrClosed)
		p.remove(c, ReasonDead)
		return false
	}
	if !c.transition(api.ConnIdle, api.ConnActive) {
		p.remove(c, ReasonDead)
		return false
	}
	c.touch()
	return true
}

// reserve takes one unit of capacity.
func (p *ConnectionPool) reserve() bool {
	limit := int64(p.cfg.Load().MaxConnections)
	for {
		n := p.total.Load()
		if n >= limit {
			return false
		}
		if p.total.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *ConnectionPool) unreserve() {
	p.total.Add(-1)
	p.signalFree()
}

func (p *ConnectionPool) signalFree() {
	select {
	case p.slotFree <- struct{}{}:
	default:
	}
}

func (p *ConnectionPool) create(ctx context.Context) (*Connection, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, api.Wrap(api.KindPoolTimeout, "connection creation throttled", err)
	}
	c, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(p.events)
	p.conns.Store(c.ID(), c)
	p.created.Add(1)
	p.logger.Debug("connection created", zap.Uint64("conn_id", c.ID()), zap.String("client_id", c.ClientID()))
	return c, nil
}

// Release returns c to the idle set. A connection past max_lifetime is
// closed instead when the pool already holds min_idle idle connections.
func (p *ConnectionPool) Release(c *Connection) {
	if p.closed.Load() {
		p.remove(c, ReasonClosed)
		return
	}
	if c.State() == api.ConnDead {
		p.remove(c, ReasonDead)
		return
	}
	cfg := p.cfg.Load()
	if cfg.MaxLifetime > 0 && c.Age(time.Now()) > cfg.MaxLifetime && len(p.idle) >= cfg.MinIdle {
		p.remove(c, ReasonLifetime)
		return
	}
	if !c.transition(api.ConnActive, api.ConnIdle) {
		p.logger.Warn("release of connection that is not active",
			zap.Uint64("conn_id", c.ID()), zap.Stringer("state", c.State()))
		return
	}
	c.touch()
	select {
	case p.idle <- c:
	default:
		p.remove(c, ReasonOverflow)
	}
}

// Evict marks c dead and removes it from the pool.
func (p *ConnectionPool) Evict(c *Connection) {
	c.MarkDead(api.ErrClosed)
	p.remove(c, ReasonEvicted)
}

// remove drops c from membership and closes it. Idempotent.
func (p *ConnectionPool) remove(c *Connection, reason string) {
	if _, ok := p.conns.LoadAndDelete(c.ID()); !ok {
		return
	}
	if c.State() != api.ConnDead {
		// graceful: tell the server before closing the rings
		_ = c.ClientEnd().Send(&protocol.Envelope{Type: protocol.TypeDisconnect, CorrelationID: c.NextCorrelationID()})
	}
	if err := c.Close(); err != nil {
		p.logger.Warn("connection close failed", zap.Uint64("conn_id", c.ID()), zap.Error(err))
	}
	p.evicted.Add(1)
	p.metrics.PoolEviction(reason)
	p.logger.Debug("connection removed", zap.Uint64("conn_id", c.ID()), zap.String("reason", reason))
	p.unreserve()
}

// HealthCheck sends a liveness probe on c and waits up to health_timeout for
// the matching Ack. The caller must own c (acquired, or taken from idle by
// the sweeper). Consecutive failures reaching max_failed_probes, or a fatal
// transport error, mark c dead and evict it.
func (p *ConnectionPool) HealthCheck(ctx context.Context, c *Connection) bool {
	return p.recordProbe(c, p.probe(ctx, c, p.cfg.Load().HealthTimeout))
}

func (p *ConnectionPool) recordProbe(c *Connection, err error) bool {
	cfg := p.cfg.Load()
	if err == nil {
		c.failedProbes.Store(0)
		return true
	}
	n := c.failedProbes.Add(1)
	fatal := errors.Is(err, api.ErrTransportCorrupt) || errors.Is(err, api.ErrClosed)
	p.logger.Warn("health check failed",
		zap.Uint64("conn_id", c.ID()),
		zap.Int32("consecutive", n),
		zap.Error(err))
	if fatal || int(n) >= cfg.MaxFailedProbes {
		c.MarkDead(err)
		p.remove(c, ReasonProbe)
	}
	return false
}

func (p *ConnectionPool) probe(ctx context.Context, c *Connection, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	end := c.ClientEnd()
	corr := c.NextCorrelationID()
	if err := end.Send(&protocol.Envelope{Type: protocol.TypeHealthProbe, CorrelationID: corr}); err != nil {
		return err
	}
	_, err := AwaitAck(ctx, end, corr, func(env *protocol.Envelope) {
		p.logger.Debug("stray envelope dropped during probe",
			zap.Uint64("conn_id", c.ID()),
			zap.Stringer("message_type", env.Type),
			zap.Uint64("correlation_id", env.CorrelationID))
	})
	return err
}

// Prewarm creates connections until min_idle are idle or capacity runs out.
func (p *ConnectionPool) Prewarm(ctx context.Context) error {
	for len(p.idle) < p.cfg.Load().MinIdle && !p.closed.Load() {
		if !p.reserve() {
			return nil
		}
		c, err := p.create(ctx)
		if err != nil {
			p.unreserve()
			return err
		}
		select {
		case p.idle <- c:
		default:
			p.remove(c, ReasonOverflow)
			return nil
		}
	}
	return nil
}

// Sweep closes idle connections past idle_timeout (keeping min_idle) or
// max_lifetime, probes the rest and refills to min_idle. Connections are
// taken from the idle set one at a time, so at most one is out for a health
// check, and the check is abandoned as soon as an acquirer starts waiting.
func (p *ConnectionPool) Sweep(ctx context.Context) {
	cfg := p.cfg.Load()
	now := time.Now()

	for n := len(p.idle); n > 0; n-- {
		var c *Connection
		select {
		case c = <-p.idle:
		default:
		}
		if c == nil {
			break
		}
		switch {
		case c.State() == api.ConnDead || c.PeerClosed():
			c.MarkDead(api.ErrClosed)
			p.remove(c, ReasonDead)
			continue
		case cfg.MaxLifetime > 0 && c.Age(now) > cfg.MaxLifetime:
			p.remove(c, ReasonLifetime)
			continue
		case cfg.IdleTimeout > 0 && c.IdleFor(now) > cfg.IdleTimeout && len(p.idle)+1 > cfg.MinIdle:
			p.remove(c, ReasonIdleTimeout)
			continue
		}
		p.sweepCheck(ctx, c)
		if c.State() != api.ConnDead {
			// failures under the threshold stay for the next round
			p.requeue(c)
		}
	}

	if err := p.Prewarm(ctx); err != nil {
		p.logger.Warn("prewarm failed", zap.Error(err))
	}
	p.metrics.PoolStats(p.Stats())
}

// sweepCheck health-checks an idle connection unless an acquirer is
// waiting. An interrupted check does not count as a failure.
func (p *ConnectionPool) sweepCheck(ctx context.Context, c *Connection) {
	select {
	case <-p.wantIdle:
	default:
	}
	if p.waiters.Load() > 0 {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.wantIdle:
			cancel()
		case <-pctx.Done():
		}
	}()
	err := p.probe(pctx, c, p.cfg.Load().HealthTimeout)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		p.logger.Debug("health check interrupted by waiting acquirer", zap.Uint64("conn_id", c.ID()))
		return
	}
	p.recordProbe(c, err)
}

func (p *ConnectionPool) requeue(c *Connection) {
	select {
	case p.idle <- c:
	default:
		p.remove(c, ReasonOverflow)
	}
}

// Run drives the sweeper and processes connection events until ctx is done
// or the pool is closed.
func (p *ConnectionPool) Run(ctx context.Context) error {
	if err := p.Prewarm(ctx); err != nil {
		p.logger.Warn("initial prewarm failed", zap.Error(err))
	}
	ticker := time.NewTicker(p.cfg.Load().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.closeCh:
			return nil
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-ticker.C:
			p.Sweep(ctx)
			ticker.Reset(p.cfg.Load().SweepInterval)
		}
	}
}

func (p *ConnectionPool) handleEvent(ev Event) {
	if ev.State != api.ConnDead {
		return
	}
	v, ok := p.conns.Load(ev.ConnID)
	if !ok {
		return
	}
	c := v.(*Connection)
	if c.State() == api.ConnActive {
		// the holder releases it; Release sees Dead and removes it
		return
	}
	p.logger.Info("connection died", zap.Uint64("conn_id", ev.ConnID), zap.Error(ev.Err))
	p.remove(c, ReasonDead)
}

// UpdateLimits applies hot-reloaded limits. max_connections cannot grow
// beyond the value the pool was created with.
func (p *ConnectionPool) UpdateLimits(cfg control.PoolConfig) {
	if cfg.MaxConnections > cap(p.idle) {
		p.logger.Warn("max_connections above initial capacity, clamped",
			zap.Int("requested", cfg.MaxConnections), zap.Int("capacity", cap(p.idle)))
		cfg.MaxConnections = cap(p.idle)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.MaxFailedProbes <= 0 {
		cfg.MaxFailedProbes = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = p.cfg.Load().SweepInterval
	}
	p.cfg.Store(&cfg)
	if cfg.CreateRate > 0 {
		p.limiter.SetLimit(rate.Limit(cfg.CreateRate))
		p.limiter.SetBurst(max(cfg.CreateBurst, 1))
	} else {
		p.limiter.SetLimit(rate.Inf)
	}
	p.signalFree()
}

// Stats returns a point-in-time snapshot.
func (p *ConnectionPool) Stats() api.PoolStats {
	s := api.PoolStats{
		Total:    int(p.total.Load()),
		Idle:     len(p.idle),
		Created:  p.created.Load(),
		Reused:   p.reused.Load(),
		Evicted:  p.evicted.Load(),
		Timeouts: p.timeouts.Load(),
	}
	p.conns.Range(func(_, v any) bool {
		if v.(*Connection).State() == api.ConnActive {
			s.Active++
		}
		return true
	})
	return s
}

// Close closes every connection and rejects further acquisitions.
func (p *ConnectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closeCh)
	var err error
	p.conns.Range(func(k, v any) bool {
		c := v.(*Connection)
		if _, ok := p.conns.LoadAndDelete(k); ok {
			if c.State() != api.ConnDead {
				_ = c.ClientEnd().Send(&protocol.Envelope{Type: protocol.TypeDisconnect, CorrelationID: c.NextCorrelationID()})
			}
			err = multierr.Append(err, c.Close())
			p.total.Add(-1)
		}
		return true
	})
	return err
}

// Shutdown implements api.GracefulShutdown.
func (p *ConnectionPool) Shutdown() error { return p.Close() }

var _ api.GracefulShutdown = (*ConnectionPool)(nil)
