// File: transport/channel.go
// Package transport moves envelopes over one direction of a connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Channel owns one slot ring. Any number of goroutines may Send; exactly
// one goroutine may Poll. Payloads larger than a slot are split into a
// fragment chain that is claimed in a single ring write and reassembled by
// the reader.

package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/protocol"
)

// Direction labels for metrics and logs.
const (
	DirectionRequest  = "request"
	DirectionResponse = "response"
)

// DefaultReassemblyTimeout bounds how long a partial chain or a stalled head
// slot may wait for its writer.
const DefaultReassemblyTimeout = 2 * time.Second

// ControlRingName is the file, under the shm directory, on which servers
// accept Connect announcements from other processes.
const ControlRingName = "control.ring"

// Channel sends and polls envelopes on one ring.
type Channel struct {
	ring         *shm.Ring
	origin       protocol.Origin
	direction    string
	maxMessage   int
	reasmTimeout time.Duration
	logger       *zap.Logger
	metrics      *control.Metrics
	now          func() time.Time
	bufs         *SyncPool[*[]byte]

	// reader state, owned by the polling goroutine
	rbuf       []byte
	reasm      *reassembler
	stallSince time.Time
}

// Option customizes a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records ring and reassembly activity.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithMaxMessageSize bounds reassembled payloads.
func WithMaxMessageSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxMessage = n
		}
	}
}

// WithReassemblyTimeout overrides DefaultReassemblyTimeout.
func WithReassemblyTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reasmTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// FromConfig translates transport settings into channel options.
func FromConfig(cfg control.TransportConfig, logger *zap.Logger, metrics *control.Metrics) []Option {
	return []Option{
		WithLogger(logger),
		WithMetrics(metrics),
		WithMaxMessageSize(cfg.MaxMessageSize),
		WithReassemblyTimeout(cfg.ReassemblyTimeout),
	}
}

// NewChannel binds a channel to ring. origin is stamped on every sent envelope.
func NewChannel(ring *shm.Ring, origin protocol.Origin, opts ...Option) *Channel {
	c := &Channel{
		ring:         ring,
		origin:       origin,
		direction:    DirectionRequest,
		maxMessage:   protocol.DefaultMaxMessageSize,
		reasmTimeout: DefaultReassemblyTimeout,
		logger:       zap.NewNop(),
		now:          time.Now,
		rbuf:         make([]byte, ring.SlotSize()),
	}
	if origin == protocol.OriginServer {
		c.direction = DirectionResponse
	}
	for _, opt := range opts {
		opt(c)
	}
	slot := ring.SlotSize()
	c.bufs = NewSyncPool(func() *[]byte {
		b := make([]byte, 0, 4*slot)
		return &b
	})
	c.reasm = newReassembler(c.maxMessage, protocol.FragmentCapacity(slot))
	return c
}

// Send encodes env and writes all of its frames in one claim. It never
// blocks: a full ring yields api.ErrTransportBusy and nothing is written.
func (c *Channel) Send(env *protocol.Envelope) error {
	if len(env.Payload) > c.maxMessage {
		return api.NewError(api.KindPayloadTooLarge, "payload exceeds max message size").
			WithContext("payload_len", len(env.Payload)).WithContext("max", c.maxMessage)
	}
	out := *env
	out.Origin = c.origin

	bp := c.bufs.Get()
	frames, err := protocol.EncodeFrames(&out, c.ring.SlotSize(), *bp)
	if err != nil {
		c.bufs.Put(bp)
		return err
	}
	err = c.ring.Write(frames...)
	c.bufs.Put(bp)

	c.metrics.RingWrite(c.direction, err)
	if err != nil {
		return err
	}
	c.metrics.FramesFragmented(len(frames))
	return nil
}

// Poll returns the next complete envelope, or ok=false when none is ready.
// Malformed frames are logged and skipped. Returned errors are fatal for
// the connection: api.ErrTransportCorrupt or api.ErrClosed.
func (c *Channel) Poll() (*protocol.Envelope, bool, error) {
	if c.reasm.pending() > 0 {
		c.Sweep(c.now())
	}
	for {
		n, ok, err := c.ring.Read(c.rbuf)
		if err != nil {
			c.metrics.RingCorrupt()
			return nil, false, err
		}
		if !ok {
			return nil, false, c.idle()
		}
		c.stallSince = time.Time{}

		env, frag, err := protocol.DecodeFrame(c.rbuf[:n])
		if err != nil {
			c.violation("malformed_frame", err)
			continue
		}
		if env != nil {
			env.Payload = append([]byte(nil), env.Payload...)
			return env, true, nil
		}
		env, reason := c.reasm.add(frag, c.now())
		if reason != "" {
			c.metrics.ReassemblyDrop(reason)
			c.logger.Warn("fragment chain dropped",
				zap.String("direction", c.direction),
				zap.Uint64("correlation_id", frag.CorrelationID),
				zap.String("reason", reason))
		}
		if env != nil {
			return env, true, nil
		}
	}
}

// idle distinguishes an empty ring from a closed one and from a head slot
// whose writer never published it.
func (c *Channel) idle() error {
	if c.ring.Len() == 0 {
		c.stallSince = time.Time{}
		if c.ring.Closed() {
			return api.ErrClosed
		}
		return nil
	}
	now := c.now()
	if c.stallSince.IsZero() {
		c.stallSince = now
		return nil
	}
	if now.Sub(c.stallSince) > c.reasmTimeout {
		c.metrics.RingCorrupt()
		return api.NewError(api.KindTransportCorrupt, "head slot never published").
			WithContext("direction", c.direction).
			WithContext("stalled", now.Sub(c.stallSince).String())
	}
	return nil
}

// Sweep drops partial chains older than the reassembly timeout and returns
// how many were dropped. Must be called from the polling goroutine.
func (c *Channel) Sweep(now time.Time) int {
	dropped := c.reasm.expire(now, c.reasmTimeout)
	for _, corr := range dropped {
		c.metrics.ReassemblyDrop("timeout")
		c.logger.Warn("incomplete fragment chain expired",
			zap.String("direction", c.direction),
			zap.Uint64("correlation_id", corr),
			zap.Duration("timeout", c.reasmTimeout))
	}
	return len(dropped)
}

func (c *Channel) violation(reason string, err error) {
	c.metrics.ProtocolViolation(reason)
	c.logger.Warn("protocol violation, frame dropped",
		zap.String("direction", c.direction),
		zap.String("reason", reason),
		zap.Error(err))
}

// Dropped returns how many partial chains were discarded.
func (c *Channel) Dropped() uint64 { return c.reasm.dropped.Load() }

// Ring exposes the underlying slot ring.
func (c *Channel) Ring() *shm.Ring { return c.ring }

// State returns a diagnostic snapshot of the ring.
func (c *Channel) State() api.RingState { return c.ring.State() }

// Close marks the ring closed. Pending frames can still be polled.
func (c *Channel) Close() { c.ring.Close() }
