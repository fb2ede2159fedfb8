//go:build unix

package server_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/dispatch"
	"github.com/momentics/hioload-bridge/internal/shm"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/server"
	"github.com/momentics/hioload-bridge/transport"
)

func TestListenShmAcceptsAnnouncedRegions(t *testing.T) {
	cfg := testConfig()
	e := newEngine(t, cfg)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	listening := make(chan error, 1)
	go func() { listening <- e.ListenShm(ctx, dir) }()

	ctrlPath := filepath.Join(dir, transport.ControlRingName)
	var ctrlRegion *shm.Region
	require.Eventually(t, func() bool {
		r, err := shm.OpenFileRegion(ctrlPath)
		if err != nil {
			return false
		}
		ctrlRegion = r
		return true
	}, 2*time.Second, time.Millisecond)
	defer ctrlRegion.Close()

	reqPath := filepath.Join(dir, "client.req")
	respPath := filepath.Join(dir, "client.resp")
	reqRegion, err := shm.CreateFileRegion(reqPath, cfg.Ring.SlotSize, cfg.Ring.SlotCount)
	require.NoError(t, err)
	respRegion, err := shm.CreateFileRegion(respPath, cfg.Ring.SlotSize, cfg.Ring.SlotCount)
	require.NoError(t, err)
	conn := pool.NewConnection(1, "shm-client",
		transport.NewChannel(shm.NewRing(reqRegion), protocol.OriginClient),
		transport.NewChannel(shm.NewRing(respRegion), protocol.OriginServer),
		pool.WithRegions(reqRegion, respRegion))

	hello := pool.Hello("shm-client")
	hello.RequestPath = reqPath
	hello.ResponsePath = respPath
	corr := conn.NextCorrelationID()
	announce, err := protocol.NewEnvelope(protocol.TypeConnect, corr, protocol.OriginClient, hello)
	require.NoError(t, err)
	ctrl := transport.NewChannel(shm.NewRing(ctrlRegion), protocol.OriginClient)
	require.NoError(t, ctrl.Send(announce))

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ackCancel()
	ackEnv, err := pool.AwaitAck(ackCtx, conn.ClientEnd(), corr, nil)
	require.NoError(t, err)
	ack, err := pool.DecodeAck(ackEnv)
	require.NoError(t, err)
	assert.Equal(t, "shm-client", ack.ClientID)
	assert.Equal(t, 1, e.Links())

	require.NoError(t, conn.ClientEnd().Send(toolRequest(t, conn.NextCorrelationID(), "list_dir")))
	got := collect(t, conn.ClientEnd())
	assert.Equal(t, protocol.TypeCompleted, got[len(got)-1].Type)

	require.NoError(t, conn.ClientEnd().Send(&protocol.Envelope{Type: protocol.TypeDisconnect, CorrelationID: conn.NextCorrelationID()}))
	require.Eventually(t, func() bool { return e.Links() == 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-listening:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	_, err = os.Stat(ctrlPath)
	assert.True(t, os.IsNotExist(err))
}

func TestListenShmRejectsConnectWithoutPaths(t *testing.T) {
	cfg := testConfig()
	e := server.NewEngine(control.NewConfigStore(cfg), dispatch.NewBuilder().Build())
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	listening := make(chan error, 1)
	go func() { listening <- e.ListenShm(ctx, dir) }()

	var ctrlRegion *shm.Region
	require.Eventually(t, func() bool {
		r, err := shm.OpenFileRegion(filepath.Join(dir, transport.ControlRingName))
		if err != nil {
			return false
		}
		ctrlRegion = r
		return true
	}, 2*time.Second, time.Millisecond)

	ctrl := transport.NewChannel(shm.NewRing(ctrlRegion), protocol.OriginClient)
	env, err := protocol.NewEnvelope(protocol.TypeConnect, 1, protocol.OriginClient, pool.Hello("no-paths"))
	require.NoError(t, err)
	require.NoError(t, ctrl.Send(env))
	require.NoError(t, ctrl.Send(&protocol.Envelope{Type: protocol.TypeHealthProbe, CorrelationID: 2}))

	require.Eventually(t, func() bool { return ctrl.Ring().Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Links())

	require.NoError(t, ctrlRegion.Close())
	cancel()
	require.NoError(t, <-listening)
	require.NoError(t, e.Shutdown())
}

func TestListenShmRejectsRegionsOutsideDir(t *testing.T) {
	cfg := testConfig()
	e := server.NewEngine(control.NewConfigStore(cfg), dispatch.NewBuilder().Build())
	dir, elsewhere := t.TempDir(), t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	listening := make(chan error, 1)
	go func() { listening <- e.ListenShm(ctx, dir) }()

	var ctrlRegion *shm.Region
	require.Eventually(t, func() bool {
		r, err := shm.OpenFileRegion(filepath.Join(dir, transport.ControlRingName))
		if err != nil {
			return false
		}
		ctrlRegion = r
		return true
	}, 2*time.Second, time.Millisecond)

	reqPath := filepath.Join(elsewhere, "client.req")
	respPath := filepath.Join(elsewhere, "client.resp")
	reqRegion, err := shm.CreateFileRegion(reqPath, cfg.Ring.SlotSize, cfg.Ring.SlotCount)
	require.NoError(t, err)
	respRegion, err := shm.CreateFileRegion(respPath, cfg.Ring.SlotSize, cfg.Ring.SlotCount)
	require.NoError(t, err)
	responses := transport.NewChannel(shm.NewRing(respRegion), protocol.OriginServer)
	linked := filepath.Join(dir, "linked.req")
	require.NoError(t, os.Symlink(reqPath, linked))

	ctrl := transport.NewChannel(shm.NewRing(ctrlRegion), protocol.OriginClient)
	for i, paths := range [][2]string{
		{reqPath, respPath},
		{filepath.Join(dir, "..", filepath.Base(elsewhere), "client.req"), respPath},
		{linked, respPath},
		{filepath.Join(dir, transport.ControlRingName), respPath},
	} {
		hello := pool.Hello("outsider")
		hello.RequestPath, hello.ResponsePath = paths[0], paths[1]
		env, err := protocol.NewEnvelope(protocol.TypeConnect, uint64(i+1), protocol.OriginClient, hello)
		require.NoError(t, err)
		require.NoError(t, ctrl.Send(env))
	}

	require.Eventually(t, func() bool { return ctrl.Ring().Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Links())
	_, ok, err := responses.Poll()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reqRegion.Close())
	require.NoError(t, respRegion.Close())
	require.NoError(t, ctrlRegion.Close())
	cancel()
	require.NoError(t, <-listening)
	require.NoError(t, e.Shutdown())
}
