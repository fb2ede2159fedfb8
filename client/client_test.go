package client_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/client"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/dispatch"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *control.Config {
	cfg := control.DefaultConfig()
	cfg.Ring = control.RingConfig{SlotSize: 256, SlotCount: 64}
	cfg.Dispatch.Workers = 2
	cfg.Dispatch.QueueDepth = 16
	cfg.Pool.MaxConnections = 2
	cfg.Pool.MinIdle = 0
	cfg.Pool.CreateRate = 0
	cfg.Pool.AcquireTimeout = time.Second
	cfg.Client = control.ClientConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	return cfg
}

func registry(t *testing.T) *dispatch.Registry {
	t.Helper()
	b := dispatch.NewBuilder()
	require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
		func(_ context.Context, req *protocol.Envelope, s dispatch.Stream) error {
			var body protocol.ToolExecRequest
			if err := protocol.Unmarshal(req.Payload, &body); err != nil {
				return err
			}
			_ = s.Started(protocol.Started{Kind: protocol.KindTool, Name: body.Tool})
			_ = s.Progress(protocol.Progress{Kind: protocol.KindTool, Message: "half"})
			return s.Complete(protocol.Completed{Result: []byte("ok:" + body.Tool)})
		})))
	require.NoError(t, b.Register(protocol.TypeDiffApply, dispatch.HandlerFunc(
		func(ctx context.Context, req *protocol.Envelope, s dispatch.Stream) error {
			var body protocol.DiffApplyRequest
			if err := protocol.Unmarshal(req.Payload, &body); err != nil {
				return err
			}
			_ = s.Started(protocol.Started{Kind: protocol.KindDiff, Name: body.Path})
			resp, err := s.RequestApproval(ctx, protocol.ApprovalRequest{Operation: "apply_diff", Target: body.Path})
			if err != nil {
				return err
			}
			if !resp.Approved {
				return s.Fail(protocol.CodePermissionDenied, resp.Reason)
			}
			return s.Complete(protocol.Completed{Result: []byte("applied")})
		})))
	require.NoError(t, b.Register(protocol.TypeCommandExec, dispatch.HandlerFunc(
		func(ctx context.Context, _ *protocol.Envelope, s dispatch.Stream) error {
			_ = s.Started(protocol.Started{Kind: protocol.KindCommand})
			<-ctx.Done()
			return ctx.Err()
		})))
	return b.Build()
}

type fixture struct {
	engine *server.Engine
	client *client.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	e := server.NewEngine(control.NewConfigStore(cfg), registry(t))
	c := client.New(pool.New(e, cfg.Pool), cfg.Client)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		require.NoError(t, e.Shutdown())
	})
	return &fixture{engine: e, client: c}
}

func TestCallReturnsTerminalAfterStream(t *testing.T) {
	f := newFixture(t)

	var seen []protocol.MessageType
	term, err := f.client.Call(context.Background(), protocol.TypeToolExec,
		protocol.ToolExecRequest{Tool: "grep"}, func(env *protocol.Envelope) error {
			seen = append(seen, env.Type)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []protocol.MessageType{protocol.TypeStarted, protocol.TypeProgress}, seen)
	require.Equal(t, protocol.TypeCompleted, term.Type)

	var done protocol.Completed
	require.NoError(t, protocol.Unmarshal(term.Payload, &done))
	assert.Equal(t, []byte("ok:grep"), done.Result)
}

func TestCallRejectsNonRequestType(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Call(context.Background(), protocol.TypeProgress, nil, nil)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestExchangeNextAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.client.Exchange(ctx, protocol.TypeToolExec, protocol.ToolExecRequest{Tool: "ls"})
	require.NoError(t, err)
	defer ex.Close()
	for {
		env, err := ex.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, ex.CorrelationID(), env.CorrelationID)
		if env.Type.IsTerminal() {
			break
		}
	}
	_, err = ex.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, ex.Send(protocol.TypeCancel, nil), client.ErrExchangeFinished)
}

func approvalFlow(t *testing.T, approve bool) *protocol.Envelope {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.client.Exchange(ctx, protocol.TypeDiffApply, protocol.DiffApplyRequest{Path: "main.go", Diff: "+x"})
	require.NoError(t, err)
	defer ex.Close()

	for {
		env, err := ex.Next(ctx)
		require.NoError(t, err)
		switch env.Type {
		case protocol.TypeApprovalRequest:
			var req protocol.ApprovalRequest
			require.NoError(t, protocol.Unmarshal(env.Payload, &req))
			assert.Equal(t, "main.go", req.Target)
			require.NoError(t, ex.Approve(approve, "reviewed"))
		case protocol.TypeCompleted, protocol.TypeFailed:
			return env
		}
	}
}

func TestExchangeApprovalGranted(t *testing.T) {
	assert.Equal(t, protocol.TypeCompleted, approvalFlow(t, true).Type)
}

func TestExchangeApprovalDenied(t *testing.T) {
	env := approvalFlow(t, false)
	require.Equal(t, protocol.TypeFailed, env.Type)
	var failed protocol.Failed
	require.NoError(t, protocol.Unmarshal(env.Payload, &failed))
	assert.Equal(t, protocol.CodePermissionDenied, failed.Code)
	assert.Equal(t, "reviewed", failed.Error)
}

func TestExchangeCancelEndsWithFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.client.Exchange(ctx, protocol.TypeCommandExec, protocol.CommandExecRequest{Command: "tail"})
	require.NoError(t, err)
	defer ex.Close()

	env, err := ex.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStarted, env.Type)
	require.NoError(t, ex.Cancel())

	env, err = ex.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFailed, env.Type)
	var failed protocol.Failed
	require.NoError(t, protocol.Unmarshal(env.Payload, &failed))
	assert.Equal(t, protocol.CodeCancelled, failed.Code)
}

func TestCallContextCancelStopsHandler(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.client.Call(ctx, protocol.TypeCommandExec, protocol.CommandExecRequest{Command: "tail"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sessions := f.engine.Dispatcher().Sessions()
	require.Eventually(t, func() bool { return sessions.Len() == 0 }, 2*time.Second, time.Millisecond)
}

func TestConnectionReusedAcrossCalls(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		term, err := f.client.Call(context.Background(), protocol.TypeToolExec, protocol.ToolExecRequest{Tool: "ls"}, nil)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeCompleted, term.Type)
	}
	stats := f.client.Pool().Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(4), stats.Reused)
}

func TestEngineShutdownFailsOpenExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.client.Exchange(ctx, protocol.TypeCommandExec, protocol.CommandExecRequest{Command: "tail"})
	require.NoError(t, err)
	defer ex.Close()
	env, err := ex.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStarted, env.Type)

	require.NoError(t, f.engine.Shutdown())
	env, err = ex.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFailed, env.Type)
	var failed protocol.Failed
	require.NoError(t, protocol.Unmarshal(env.Payload, &failed))
	assert.Equal(t, protocol.CodeIO, failed.Code)
}

func TestRetriesExhaustedNotifyOnce(t *testing.T) {
	var dials atomic.Int32
	dialer := pool.DialerFunc(func(context.Context) (*pool.Connection, error) {
		dials.Add(1)
		return nil, errors.New("no server")
	})
	cfg := testConfig()
	metrics := control.NewMetrics()
	c := client.New(pool.New(dialer, cfg.Pool), cfg.Client, client.WithMetrics(metrics))
	defer c.Close()

	_, err := c.Call(context.Background(), protocol.TypeToolExec, protocol.ToolExecRequest{Tool: "ls"}, nil)
	require.ErrorIs(t, err, api.ErrConnectionLost)
	assert.Equal(t, int32(3), dials.Load())

	select {
	case env := <-c.Notifications():
		require.Equal(t, protocol.TypeConnectionLost, env.Type)
		var lost protocol.ConnectionLost
		require.NoError(t, protocol.Unmarshal(env.Payload, &lost))
		assert.Equal(t, 3, lost.Attempts)
		assert.Contains(t, lost.Reason, "no server")
	default:
		t.Fatal("no connection lost notification")
	}

	_, err = c.Call(context.Background(), protocol.TypeToolExec, protocol.ToolExecRequest{Tool: "ls"}, nil)
	require.ErrorIs(t, err, api.ErrConnectionLost)
	select {
	case <-c.Notifications():
		t.Fatal("second notification for the same outage")
	default:
	}
	assert.Equal(t, true, c.Stats()["lost"])

	expected := `
# HELP hioload_bridge_client_connection_lost_total Outages reported after the client ran out of attempts
# TYPE hioload_bridge_client_connection_lost_total counter
hioload_bridge_client_connection_lost_total 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Registry, strings.NewReader(expected),
		"hioload_bridge_client_connection_lost_total"))
}

func TestEngineStopRaisesConnectionLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := protocol.ToolExecRequest{Tool: "ls"}

	_, err := f.client.Call(ctx, protocol.TypeToolExec, req, nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.client.Pool().Stats().Idle)

	require.NoError(t, f.engine.Shutdown())

	_, err = f.client.Call(ctx, protocol.TypeToolExec, req, nil)
	require.ErrorIs(t, err, api.ErrConnectionLost)
	select {
	case env := <-f.client.Notifications():
		require.Equal(t, protocol.TypeConnectionLost, env.Type)
		var lost protocol.ConnectionLost
		require.NoError(t, protocol.Unmarshal(env.Payload, &lost))
		assert.Equal(t, 3, lost.Attempts)
	default:
		t.Fatal("no connection lost notification")
	}

	_, err = f.client.Call(ctx, protocol.TypeToolExec, req, nil)
	require.ErrorIs(t, err, api.ErrConnectionLost)
	assert.Len(t, f.client.Notifications(), 0)
	assert.Equal(t, 0, f.client.Pool().Stats().Total)
}

func TestRecoveryBeforeAttemptsRunOut(t *testing.T) {
	cfg := testConfig()
	e := server.NewEngine(control.NewConfigStore(cfg), registry(t))
	defer func() { require.NoError(t, e.Shutdown()) }()

	var dials atomic.Int32
	dialer := pool.DialerFunc(func(ctx context.Context) (*pool.Connection, error) {
		if dials.Add(1) < 3 {
			return nil, errors.New("server starting")
		}
		return e.Dial(ctx)
	})
	c := client.New(pool.New(dialer, cfg.Pool), cfg.Client)
	defer c.Close()

	term, err := c.Call(context.Background(), protocol.TypeToolExec, protocol.ToolExecRequest{Tool: "ls"}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeCompleted, term.Type)
	assert.Len(t, c.Notifications(), 0)
}

func TestClosedClientFailsFast(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Close())
	_, err := f.client.Exchange(context.Background(), protocol.TypeToolExec, protocol.ToolExecRequest{})
	require.ErrorIs(t, err, api.ErrClosed)
}
