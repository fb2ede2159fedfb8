// File: server/engine.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine is the backend side of the bridge: it polls every attached
// connection, answers lifecycle messages and hands requests to the
// dispatcher.

package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/dispatch"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/internal/session"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/transport"
)

// DefaultShutdownTimeout bounds the wait for running handlers.
const DefaultShutdownTimeout = 10 * time.Second

// Engine owns the executor, session manager and dispatcher.
type Engine struct {
	store    *control.ConfigStore
	logger   *zap.Logger
	metrics  *control.Metrics
	debug    *control.DebugProbes
	exec     *concurrency.Executor
	sessions *session.Manager
	disp     *dispatch.Dispatcher

	shmDir          string
	pollCPUs        []int
	watcher         *control.Watcher
	shutdownTimeout time.Duration

	links       sync.Map // conn id -> *link
	nextID      atomic.Uint64
	rateLimited atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started time.Time
}

// NewEngine builds an engine serving reg. Workers start immediately;
// connections are served once attached or dialed.
func NewEngine(store *control.ConfigStore, reg *dispatch.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		logger:          zap.NewNop(),
		debug:           control.NewDebugProbes(),
		shutdownTimeout: DefaultShutdownTimeout,
		started:         time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	cfg := store.Snapshot()
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.exec = concurrency.NewExecutor(cfg.Dispatch.Workers, cfg.Dispatch.QueueDepth,
		concurrency.WithPanicHandler(func(r any) {
			e.logger.Error("executor task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}))
	e.sessions = session.NewManager(cfg.Dispatch.SessionShards,
		session.WithLogger(e.logger.Named("session")),
		session.WithMetrics(e.metrics),
		session.WithOrigin(protocol.OriginServer),
		session.WithApprovalTimeout(cfg.Dispatch.ApprovalTimeout))
	e.disp = dispatch.NewDispatcher(reg, e.sessions, e.exec,
		dispatch.WithLogger(e.logger.Named("dispatch")),
		dispatch.WithMetrics(e.metrics),
		dispatch.WithConfig(cfg.Dispatch))

	store.OnReload(func(_, cur *control.Config) {
		e.disp.UpdateConfig(cur.Dispatch)
		e.links.Range(func(_, v any) bool {
			v.(*link).setRate(cur.Dispatch)
			return true
		})
	})
	e.registerProbes()
	return e
}

func (e *Engine) registerProbes() {
	control.RegisterPlatformProbes(e.debug)
	e.debug.RegisterProbe("engine.links", func() any { return e.linkStates() })
	e.debug.RegisterProbe("engine.dispatch", func() any { return e.disp.Stats() })
	e.debug.RegisterProbe("engine.sessions", func() any { return e.sessions.Stats() })
	e.debug.RegisterProbe("engine.executor", func() any { return e.exec.Stats() })
	e.debug.RegisterProbe("engine.config", func() any { return e.store.Stats() })
	e.debug.RegisterProbe("engine.uptime", func() any { return time.Since(e.started).String() })
	e.debug.RegisterProbe("engine.health", func() any {
		status := "ok"
		if err := e.Health(); err != nil {
			status = err.Error()
		}
		return map[string]any{"status": status, "rate_limited": e.rateLimited.Load()}
	})
}

// Health reports whether the engine can take new requests: it fails once
// the engine is stopped or while the handler queue is full.
func (e *Engine) Health() error {
	if e.closed.Load() {
		return api.ErrClosed
	}
	if pending, capacity := e.exec.Pending(), e.exec.Capacity(); pending >= capacity {
		return api.NewError(api.KindTransportBusy, "handler queue full").
			WithContext("pending", pending)
	}
	return nil
}

// Dispatcher exposes the dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }

// Debug exposes the probe set, e.g. to mount it over HTTP.
func (e *Engine) Debug() *control.DebugProbes { return e.debug }

// Dial implements pool.Dialer for in-process clients: it creates a heap
// ring pair, attaches the server side and completes the Connect handshake.
func (e *Engine) Dial(ctx context.Context) (*pool.Connection, error) {
	if e.closed.Load() {
		return nil, api.ErrClosed
	}
	cfg := e.store.Snapshot()
	opts := transport.FromConfig(cfg.Transport, e.logger.Named("transport"), e.metrics)
	req := shm.NewRing(shm.NewHeapRegion(cfg.Ring.SlotSize, cfg.Ring.SlotCount))
	resp := shm.NewRing(shm.NewHeapRegion(cfg.Ring.SlotSize, cfg.Ring.SlotCount))
	conn := pool.NewConnection(e.nextID.Add(1), uuid.NewString(),
		transport.NewChannel(req, protocol.OriginClient, opts...),
		transport.NewChannel(resp, protocol.OriginServer, opts...))

	if err := e.attach(conn, false); err != nil {
		return nil, err
	}
	if _, err := pool.Handshake(ctx, conn, pool.Hello(conn.ClientID())); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Attach serves an existing connection, e.g. one built by a test or an
// embedding process. The caller keeps ownership of conn.
func (e *Engine) Attach(conn *pool.Connection) error {
	return e.attach(conn, false)
}

func (e *Engine) attach(conn *pool.Connection, owned bool) error {
	if e.closed.Load() {
		return api.ErrClosed
	}
	l := newLink(e, conn, owned)
	if _, loaded := e.links.LoadOrStore(conn.ID(), l); loaded {
		return api.NewError(api.KindAlreadyExists, "connection already attached").
			WithContext("conn_id", conn.ID())
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.links.Delete(conn.ID())
		l.run(e.ctx)
	}()
	e.logger.Debug("connection attached",
		zap.Uint64("conn_id", conn.ID()),
		zap.String("client_id", conn.ClientID()),
		zap.Bool("owned", owned))
	return nil
}

// Links returns the number of served connections.
func (e *Engine) Links() int {
	n := 0
	e.links.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (e *Engine) linkStates() []map[string]any {
	var out []map[string]any
	e.links.Range(func(_, v any) bool {
		out = append(out, v.(*link).snapshot())
		return true
	})
	return out
}

// Stats implements api.Control.
func (e *Engine) Stats() map[string]any {
	stats := map[string]any{
		"links":    e.Links(),
		"sessions": e.sessions.Len(),
	}
	for k, v := range e.debug.DumpState() {
		stats["debug."+k] = v
	}
	return stats
}

// OnReload implements api.Control.
func (e *Engine) OnReload(fn func()) {
	e.store.OnReload(func(_, _ *control.Config) { fn() })
}

// RegisterDebugProbe implements api.Control.
func (e *Engine) RegisterDebugProbe(name string, fn func() any) {
	e.debug.RegisterProbe(name, fn)
}

// Shutdown stops every poll loop, waits for running handlers up to the
// shutdown timeout and stops the workers. Idempotent.
func (e *Engine) Shutdown() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()
	err := e.disp.Close(ctx)
	e.exec.Close()
	e.logger.Info("engine stopped", zap.Duration("uptime", time.Since(e.started)))
	return err
}

var (
	_ api.Control          = (*Engine)(nil)
	_ api.GracefulShutdown = (*Engine)(nil)
	_ pool.Dialer          = (*Engine)(nil)
)
