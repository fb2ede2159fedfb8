// File: client/shm_dialer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-process dialing: the client creates its own ring files next to the
// server's control ring and announces them with a Connect.

package client

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/transport"
)

// DefaultHandshakeTimeout applies when the dial context has no deadline.
const DefaultHandshakeTimeout = 5 * time.Second

// ShmDialer implements pool.Dialer against a server listening in Dir.
type ShmDialer struct {
	dir     string
	ring    control.RingConfig
	opts    []transport.Option
	logger  *zap.Logger
	timeout time.Duration
	nextID  atomic.Uint64
}

// NewShmDialer builds a dialer using cfg's ring geometry and transport
// settings.
func NewShmDialer(dir string, cfg *control.Config, logger *zap.Logger, metrics *control.Metrics) *ShmDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShmDialer{
		dir:     dir,
		ring:    cfg.Ring,
		opts:    transport.FromConfig(cfg.Transport, logger.Named("transport"), metrics),
		logger:  logger,
		timeout: DefaultHandshakeTimeout,
	}
}

// Dial creates a request and response ring file pair, announces it on the
// control ring and waits for the server's Ack on the response ring. The
// files are removed when the connection closes.
func (d *ShmDialer) Dial(ctx context.Context) (_ *pool.Connection, err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctrlPath := filepath.Join(d.dir, transport.ControlRingName)
	ctrlRegion, err := shm.OpenFileRegion(ctrlPath)
	if err != nil {
		return nil, api.Wrap(api.KindConnectionLost, "control ring unavailable", err).
			WithContext("path", ctrlPath)
	}
	defer func() { err = multierr.Append(err, ctrlRegion.Close()) }()

	clientID := uuid.NewString()
	reqPath := filepath.Join(d.dir, clientID+".req")
	respPath := filepath.Join(d.dir, clientID+".resp")
	req, err := shm.CreateFileRegion(reqPath, d.ring.SlotSize, d.ring.SlotCount)
	if err != nil {
		return nil, err
	}
	resp, err := shm.CreateFileRegion(respPath, d.ring.SlotSize, d.ring.SlotCount)
	if err != nil {
		return nil, multierr.Combine(err, req.Close(), os.Remove(reqPath))
	}
	conn := pool.NewConnection(d.nextID.Add(1), clientID,
		transport.NewChannel(shm.NewRing(req), protocol.OriginClient, d.opts...),
		transport.NewChannel(shm.NewRing(resp), protocol.OriginServer, d.opts...),
		pool.WithRegions(req, resp),
		pool.WithCloser(func() error {
			return multierr.Combine(os.Remove(reqPath), os.Remove(respPath))
		}))

	hello := pool.Hello(clientID)
	hello.RequestPath = reqPath
	hello.ResponsePath = respPath
	corr := conn.NextCorrelationID()
	announce, err := protocol.NewEnvelope(protocol.TypeConnect, corr, protocol.OriginClient, hello)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	ctrl := transport.NewChannel(shm.NewRing(ctrlRegion), protocol.OriginClient, d.opts...)
	if err := concurrency.Retry(sendBudget, api.IsRetryable, func() error { return ctrl.Send(announce) }); err != nil {
		return nil, multierr.Append(err, conn.Close())
	}

	reply, err := pool.AwaitAck(ctx, conn.ClientEnd(), corr, nil)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	ack, err := pool.DecodeAck(reply)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	d.logger.Debug("shm connection established",
		zap.Uint64("conn_id", conn.ID()),
		zap.String("client_id", clientID),
		zap.Int("server_pid", ack.PID))
	return conn, nil
}

var _ pool.Dialer = (*ShmDialer)(nil)
