//go:build unix

package client_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/client"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/server"
	"github.com/momentics/hioload-bridge/transport"
)

func TestShmDialerRoundTrip(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	e := server.NewEngine(control.NewConfigStore(cfg), registry(t), server.WithShmDir(dir))
	ctx, cancel := context.WithCancel(context.Background())
	running := make(chan error, 1)
	go func() { running <- e.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-running)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, transport.ControlRingName))
		return err == nil
	}, 2*time.Second, time.Millisecond)

	c := client.New(pool.New(client.NewShmDialer(dir, cfg, nil, nil), cfg.Pool), cfg.Client)
	term, err := c.Call(context.Background(), protocol.TypeToolExec, protocol.ToolExecRequest{Tool: "stat"}, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCompleted, term.Type)
	assert.Equal(t, 1, e.Links())

	files, err := filepath.Glob(filepath.Join(dir, "*.req"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return e.Links() == 0 }, 2*time.Second, time.Millisecond)
	files, err = filepath.Glob(filepath.Join(dir, "*.re*"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestShmDialerWithoutServer(t *testing.T) {
	cfg := testConfig()
	d := client.NewShmDialer(t.TempDir(), cfg, nil, nil)
	_, err := d.Dial(context.Background())
	require.ErrorIs(t, err, api.ErrConnectionLost)
}
