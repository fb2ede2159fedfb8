// Package fake
// Author: momentics <momentics@gmail.com>
//
// Scripted in-process server peer and dialer for pool and client tests.

package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/transport"
)

// Handler scripts the peer's reply to a non-lifecycle envelope.
type Handler func(end pool.End, env *protocol.Envelope)

// Peer answers Connect and HealthProbe with Ack unless silenced.
type Peer struct {
	conn   *pool.Connection
	silent atomic.Bool
	probes atomic.Int64
}

// SetSilent stops (or resumes) answering probes.
func (p *Peer) SetSilent(v bool) { p.silent.Store(v) }

// Probes returns how many probes the peer has seen.
func (p *Peer) Probes() int { return int(p.probes.Load()) }

// Conn returns the connection the peer serves.
func (p *Peer) Conn() *pool.Connection { return p.conn }

// Dialer creates heap-backed connections, each served by a Peer goroutine.
type Dialer struct {
	slotSize  int
	slotCount int
	handler   Handler

	mu      sync.Mutex
	peers   map[uint64]*Peer
	next    atomic.Uint64
	dials   atomic.Int64
	dialErr atomic.Pointer[error]

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewDialer creates a dialer. handler may be nil.
func NewDialer(slotSize, slotCount int, handler Handler) *Dialer {
	return &Dialer{
		slotSize:  slotSize,
		slotCount: slotCount,
		handler:   handler,
		peers:     make(map[uint64]*Peer),
		stop:      make(chan struct{}),
	}
}

// Dial implements pool.Dialer.
func (d *Dialer) Dial(ctx context.Context) (*pool.Connection, error) {
	if p := d.dialErr.Load(); p != nil && *p != nil {
		return nil, *p
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.dials.Add(1)
	req := shm.NewRing(shm.NewHeapRegion(d.slotSize, d.slotCount))
	resp := shm.NewRing(shm.NewHeapRegion(d.slotSize, d.slotCount))
	id := d.next.Add(1)
	conn := pool.NewConnection(id, "fake",
		transport.NewChannel(req, protocol.OriginClient),
		transport.NewChannel(resp, protocol.OriginServer))

	peer := &Peer{conn: conn}
	d.mu.Lock()
	d.peers[id] = peer
	d.mu.Unlock()

	d.wg.Add(1)
	go d.serve(peer)
	return conn, nil
}

// SetDialError makes every Dial fail with err; nil restores dialing.
func (d *Dialer) SetDialError(err error) { d.dialErr.Store(&err) }

// Dials returns how many connections were created.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Peer returns the peer serving connection id.
func (d *Dialer) Peer(id uint64) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[id]
}

// Close stops every peer goroutine and waits for them.
func (d *Dialer) Close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dialer) serve(p *Peer) {
	defer d.wg.Done()
	end := p.conn.ServerEnd()
	idle := concurrency.Backoff{MaxSleep: 200 * time.Microsecond}
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		env, ok, err := end.Poll()
		if err != nil {
			return
		}
		if !ok {
			idle.Idle()
			continue
		}
		idle.Reset()
		switch env.Type {
		case protocol.TypeHealthProbe, protocol.TypeConnect:
			p.probes.Add(1)
			if !p.silent.Load() {
				_ = end.Send(&protocol.Envelope{Type: protocol.TypeAck, CorrelationID: env.CorrelationID})
			}
		case protocol.TypeDisconnect:
			return
		default:
			if d.handler != nil {
				d.handler(end, env)
			}
		}
	}
}
