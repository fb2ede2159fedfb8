// File: pool/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection is one request/response ring pair plus liveness state. The
// pool owns connections; a connection reports its own death by sending an
// Event on a channel handed to it by the pool and never holds the pool.

package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/transport"
)

// Event reports a connection state change to its owner.
type Event struct {
	ConnID uint64
	State  api.ConnState
	Err    error
}

// End is one side's view of a connection: it sends on one ring and polls the other.
type End struct {
	send *transport.Channel
	recv *transport.Channel
}

// Send writes env towards the peer. Never blocks; see transport.Channel.Send.
func (e End) Send(env *protocol.Envelope) error { return e.send.Send(env) }

// Poll returns the next envelope from the peer, if any.
func (e End) Poll() (*protocol.Envelope, bool, error) { return e.recv.Poll() }

// Outbound exposes the sending channel.
func (e End) Outbound() *transport.Channel { return e.send }

// Inbound exposes the receiving channel.
func (e End) Inbound() *transport.Channel { return e.recv }

// Connection is safe for concurrent use; each End.Poll must be driven by a single goroutine.
type Connection struct {
	id       uint64
	clientID string
	created  time.Time
	lastUsed atomic.Int64

	state        atomic.Uint32
	failedProbes atomic.Int32
	corr         atomic.Uint64

	requests  *transport.Channel
	responses *transport.Channel
	regions   []*shm.Region
	closer    func() error

	evMu   sync.Mutex
	events chan<- Event

	closeOnce sync.Once
	closeErr  error
}

// ConnOption customizes a Connection.
type ConnOption func(*Connection)

// WithRegions hands ownership of the backing regions to the connection.
func WithRegions(regions ...*shm.Region) ConnOption {
	return func(c *Connection) { c.regions = append(c.regions, regions...) }
}

// WithCloser runs fn after the rings are closed, e.g. to unlink region files.
func WithCloser(fn func() error) ConnOption {
	return func(c *Connection) { c.closer = fn }
}

// NewConnection wraps a ring pair. requests carries client-to-server
// traffic; responses carries server-to-client traffic.
func NewConnection(id uint64, clientID string, requests, responses *transport.Channel, opts ...ConnOption) *Connection {
	c := &Connection{
		id:        id,
		clientID:  clientID,
		created:   time.Now(),
		requests:  requests,
		responses: responses,
	}
	c.lastUsed.Store(c.created.UnixNano())
	c.state.Store(uint32(api.ConnIdle))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the pool-unique identifier.
func (c *Connection) ID() uint64 { return c.id }

// ClientID returns the identity announced in Connect.
func (c *Connection) ClientID() string { return c.clientID }

// CreatedAt returns the creation time.
func (c *Connection) CreatedAt() time.Time { return c.created }

// LastUsed returns the last acquire or release time.
func (c *Connection) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// State returns the current lifecycle state.
func (c *Connection) State() api.ConnState { return api.ConnState(c.state.Load()) }

// FailedProbes returns the count of consecutive failed health checks.
func (c *Connection) FailedProbes() int { return int(c.failedProbes.Load()) }

// ClientEnd sends requests and polls responses.
func (c *Connection) ClientEnd() End { return End{send: c.requests, recv: c.responses} }

// ServerEnd sends responses and polls requests.
func (c *Connection) ServerEnd() End { return End{send: c.responses, recv: c.requests} }

// PeerClosed reports whether either ring was closed, by this process or by
// the peer through the shared region header.
func (c *Connection) PeerClosed() bool {
	return c.requests.Ring().Closed() || c.responses.Ring().Closed()
}

// NextCorrelationID allocates a client-side correlation id, never zero.
func (c *Connection) NextCorrelationID() uint64 { return c.corr.Add(1) }

// Age returns the time since creation.
func (c *Connection) Age(now time.Time) time.Duration { return now.Sub(c.created) }

// IdleFor returns the time since last use.
func (c *Connection) IdleFor(now time.Time) time.Duration { return now.Sub(c.LastUsed()) }

func (c *Connection) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

func (c *Connection) transition(from, to api.ConnState) bool {
	return c.state.CompareAndSwap(uint32(from), uint32(to))
}

// attach sets the owner's event channel.
func (c *Connection) attach(events chan<- Event) {
	c.evMu.Lock()
	c.events = events
	c.evMu.Unlock()
}

// MarkDead moves the connection to Dead and notifies the owner once.
func (c *Connection) MarkDead(err error) {
	for {
		cur := c.state.Load()
		if api.ConnState(cur) == api.ConnDead {
			return
		}
		if c.state.CompareAndSwap(cur, uint32(api.ConnDead)) {
			break
		}
	}
	c.notify(Event{ConnID: c.id, State: api.ConnDead, Err: err})
}

// MarkDraining moves a live connection to Draining.
func (c *Connection) MarkDraining() bool {
	for {
		cur := api.ConnState(c.state.Load())
		if cur == api.ConnDraining || cur == api.ConnDead {
			return false
		}
		if c.transition(cur, api.ConnDraining) {
			c.notify(Event{ConnID: c.id, State: api.ConnDraining})
			return true
		}
	}
}

func (c *Connection) notify(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		// owner is behind; its sweep notices the state anyway
	}
}

// Close marks the connection dead, closes both rings and releases regions.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.MarkDead(nil)
		c.requests.Close()
		c.responses.Close()
		var err error
		if c.closer != nil {
			err = multierr.Append(err, c.closer())
		}
		for _, r := range c.regions {
			err = multierr.Append(err, r.Close())
		}
		c.closeErr = err
	})
	return c.closeErr
}
