// File: server/listener.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-process accept: clients create their own request and response
// region files and announce them with a Connect on the control ring.

package server

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/transport"
)

// ListenShm creates the control ring in dir and accepts connections until
// ctx is done. The control ring file is removed on return.
func (e *Engine) ListenShm(ctx context.Context, dir string) (err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	cfg := e.store.Snapshot()
	path := filepath.Join(dir, transport.ControlRingName)
	region, err := shm.CreateFileRegion(path, cfg.Ring.SlotSize, cfg.Ring.SlotCount)
	if err != nil {
		return err
	}
	ring := shm.NewRing(region)
	defer func() {
		ring.Close()
		err = multierr.Combine(err, region.Close(), os.Remove(path))
	}()

	log := e.logger.With(zap.String("control_ring", path))
	ctrl := transport.NewChannel(ring, protocol.OriginServer,
		transport.FromConfig(cfg.Transport, e.logger.Named("transport"), e.metrics)...)
	log.Info("accepting shm connections")

	idle := concurrency.Backoff{MaxSleep: pollMaxSleep}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.ctx.Done():
			return nil
		default:
		}
		env, ok, err := ctrl.Poll()
		if err != nil {
			return err
		}
		if !ok {
			idle.Idle()
			continue
		}
		idle.Reset()
		if env.Type != protocol.TypeConnect {
			e.metrics.ProtocolViolation("unexpected_control_message")
			log.Warn("unexpected control message dropped", zap.Stringer("message_type", env.Type))
			continue
		}
		if err := e.accept(env, dir); err != nil {
			log.Warn("connect rejected", zap.Uint64("correlation_id", env.CorrelationID), zap.Error(err))
		}
	}
}

// accept maps the announced regions, attaches them and acks on the new
// response ring with the correlation id of the Connect.
func (e *Engine) accept(env *protocol.Envelope, dir string) error {
	var hello protocol.Connect
	if err := protocol.Unmarshal(env.Payload, &hello); err != nil {
		return err
	}
	if hello.RequestPath == "" || hello.ResponsePath == "" {
		return api.NewError(api.KindInvalidArgument, "connect without region paths").
			WithContext("client_id", hello.ClientID)
	}
	for _, p := range []string{hello.RequestPath, hello.ResponsePath} {
		if err := regionInDir(dir, p); err != nil {
			e.metrics.ProtocolViolation("region_outside_dir")
			return err
		}
	}
	req, err := shm.OpenFileRegion(hello.RequestPath)
	if err != nil {
		return err
	}
	resp, err := shm.OpenFileRegion(hello.ResponsePath)
	if err != nil {
		return multierr.Append(err, req.Close())
	}

	cfg := e.store.Snapshot()
	opts := transport.FromConfig(cfg.Transport, e.logger.Named("transport"), e.metrics)
	conn := pool.NewConnection(e.nextID.Add(1), hello.ClientID,
		transport.NewChannel(shm.NewRing(req), protocol.OriginClient, opts...),
		transport.NewChannel(shm.NewRing(resp), protocol.OriginServer, opts...),
		pool.WithRegions(req, resp))
	if err := e.attach(conn, true); err != nil {
		return multierr.Append(err, conn.Close())
	}
	e.logger.Info("shm connection accepted",
		zap.Uint64("conn_id", conn.ID()),
		zap.String("client_id", hello.ClientID),
		zap.Int("pid", hello.PID))

	if l, ok := e.links.Load(conn.ID()); ok {
		l.(*link).ack(env.CorrelationID)
	}
	return nil
}

// regionInDir accepts only regular files placed directly in dir, other than
// the control ring itself.
func regionInDir(dir, path string) error {
	reject := func(reason string) error {
		return api.NewError(api.KindProtocolViolation, reason).WithContext("path", path)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return reject("unresolvable region path")
	}
	if filepath.Dir(abs) != absDir || filepath.Base(abs) == transport.ControlRingName {
		return reject("region outside listen directory")
	}
	fi, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return reject("region is not a regular file")
	}
	return nil
}
