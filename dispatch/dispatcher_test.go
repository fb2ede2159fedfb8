package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/dispatch"
	"github.com/momentics/hioload-bridge/fake"
	"github.com/momentics/hioload-bridge/internal/concurrency"
	"github.com/momentics/hioload-bridge/internal/session"
	"github.com/momentics/hioload-bridge/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDispatcher(t *testing.T, workers, depth int, register func(b *dispatch.Builder)) *dispatch.Dispatcher {
	t.Helper()
	b := dispatch.NewBuilder()
	register(b)
	exec := concurrency.NewExecutor(workers, depth)
	d := dispatch.NewDispatcher(b.Build(), session.NewManager(8), exec,
		dispatch.WithConfig(control.DispatchConfig{DefaultTimeout: time.Minute}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
		exec.Close()
	})
	return d
}

func request(t protocol.MessageType, corr uint64) *protocol.Envelope {
	return &protocol.Envelope{Type: t, CorrelationID: corr, Origin: protocol.OriginClient}
}

func waitTerminals(t *testing.T, sink *fake.Sink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.Terminals() >= n }, 2*time.Second, time.Millisecond)
}

func failedOf(t *testing.T, env *protocol.Envelope) protocol.Failed {
	t.Helper()
	require.Equal(t, protocol.TypeFailed, env.Type)
	var f protocol.Failed
	require.NoError(t, protocol.Unmarshal(env.Payload, &f))
	return f
}

func TestBuilderRejectsBadRegistrations(t *testing.T) {
	b := dispatch.NewBuilder()
	h := dispatch.HandlerFunc(func(context.Context, *protocol.Envelope, dispatch.Stream) error { return nil })

	require.NoError(t, b.Register(protocol.TypeToolExec, h, dispatch.WithTimeout(time.Second)))
	require.NoError(t, b.Register(protocol.TypeCommandExec, h))
	require.ErrorIs(t, b.Register(protocol.TypeToolExec, h), api.ErrAlreadyExists)
	require.ErrorIs(t, b.Register(protocol.TypeProgress, h), api.ErrInvalidArgument)
	require.ErrorIs(t, b.Register(protocol.TypeDiffApply, nil), api.ErrInvalidArgument)

	reg := b.Build()
	require.ErrorIs(t, b.Register(protocol.TypeDiffApply, h), api.ErrClosed)
	assert.Equal(t, []protocol.MessageType{protocol.TypeToolExec, protocol.TypeCommandExec}, reg.Types())

	_, timeout, ok := reg.Lookup(protocol.TypeToolExec)
	assert.True(t, ok)
	assert.Equal(t, time.Second, timeout)
	_, _, ok = reg.Lookup(protocol.TypeDiffApply)
	assert.False(t, ok)
}

func TestStreamObservedInOrder(t *testing.T) {
	d := newDispatcher(t, 4, 16, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(_ context.Context, _ *protocol.Envelope, s dispatch.Stream) error {
				if err := s.Started(protocol.Started{Kind: protocol.KindTool, Name: "grep"}); err != nil {
					return err
				}
				for i := 0; i < 2; i++ {
					_ = s.Progress(protocol.Progress{Kind: protocol.KindTool, Message: "working"})
				}
				return s.Complete(protocol.Completed{Result: []byte("3 matches")})
			})))
	})
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 77), sink))
	waitTerminals(t, sink, 1)

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeStarted, protocol.TypeProgress, protocol.TypeProgress, protocol.TypeCompleted,
	}, sink.Types())
	for _, env := range sink.Sent() {
		assert.EqualValues(t, 77, env.CorrelationID)
		assert.Equal(t, protocol.OriginServer, env.Origin)
	}
}

func TestHandlerReturnSynthesizesTerminal(t *testing.T) {
	d := newDispatcher(t, 2, 16, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(context.Context, *protocol.Envelope, dispatch.Stream) error { return nil })))
		require.NoError(t, b.Register(protocol.TypeCommandExec, dispatch.HandlerFunc(
			func(context.Context, *protocol.Envelope, dispatch.Stream) error { return errors.New("exit status 2") })))
	})
	ok, bad := fake.NewSink(), fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 1), ok))
	require.NoError(t, d.Dispatch(1, request(protocol.TypeCommandExec, 2), bad))
	waitTerminals(t, ok, 1)
	waitTerminals(t, bad, 1)

	assert.Equal(t, []protocol.MessageType{protocol.TypeCompleted}, ok.Types())
	f := failedOf(t, bad.Sent()[0])
	assert.Equal(t, protocol.CodeExecutionFailed, f.Code)
	assert.Equal(t, "exit status 2", f.Error)
}

func TestHandlerTimeoutDeliversOneTimedOut(t *testing.T) {
	exited := make(chan struct{})
	d := newDispatcher(t, 2, 16, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeCommandExec, dispatch.HandlerFunc(
			func(ctx context.Context, _ *protocol.Envelope, s dispatch.Stream) error {
				defer close(exited)
				_ = s.Started(protocol.Started{Kind: protocol.KindCommand, Command: "sleep"})
				<-ctx.Done()
				return ctx.Err()
			}), dispatch.WithTimeout(20*time.Millisecond)))
	})
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(3, request(protocol.TypeCommandExec, 5), sink))
	<-exited
	waitTerminals(t, sink, 1)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, []protocol.MessageType{protocol.TypeStarted, protocol.TypeTimedOut}, sink.Types())
	assert.Equal(t, 0, d.Sessions().Len())
}

func TestPerTypeTimeoutFromConfig(t *testing.T) {
	exited := make(chan struct{})
	b := dispatch.NewBuilder()
	require.NoError(t, b.Register(protocol.TypeDiffApply, dispatch.HandlerFunc(
		func(ctx context.Context, _ *protocol.Envelope, _ dispatch.Stream) error {
			defer close(exited)
			<-ctx.Done()
			return nil
		})))
	exec := concurrency.NewExecutor(1, 4)
	defer exec.Close()
	d := dispatch.NewDispatcher(b.Build(), session.NewManager(2), exec,
		dispatch.WithConfig(control.DispatchConfig{
			DefaultTimeout: time.Hour,
			Timeouts:       map[string]time.Duration{"diff_apply": 15 * time.Millisecond},
		}))
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeDiffApply, 1), sink))
	<-exited
	waitTerminals(t, sink, 1)
	assert.Equal(t, []protocol.MessageType{protocol.TypeTimedOut}, sink.Types())
}

func TestHandlerPanicBecomesFailed(t *testing.T) {
	d := newDispatcher(t, 1, 4, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(context.Context, *protocol.Envelope, dispatch.Stream) error { panic("nil map") })))
	})
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 9), sink))
	waitTerminals(t, sink, 1)
	f := failedOf(t, sink.Sent()[0])
	assert.Equal(t, protocol.CodeHandlerPanic, f.Code)
	assert.Contains(t, f.Error, "nil map")
	assert.False(t, f.Recoverable)

	// the worker survives
	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 10), sink))
	waitTerminals(t, sink, 2)
}

func TestSaturatedExecutorFailsBusy(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	d := newDispatcher(t, 1, 2, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(context.Context, *protocol.Envelope, dispatch.Stream) error {
				started <- struct{}{}
				<-release
				return nil
			})))
	})
	t.Cleanup(unblock)
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 1), sink))
	<-started
	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 2), sink))
	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 3), sink))
	err := d.Dispatch(1, request(protocol.TypeToolExec, 4), sink)
	require.ErrorIs(t, err, api.ErrTransportBusy)

	require.Len(t, sink.Sent(), 1)
	busy := sink.Sent()[0]
	assert.EqualValues(t, 4, busy.CorrelationID)
	assert.Equal(t, protocol.CodeBusy, failedOf(t, busy).Code)

	unblock()
	waitTerminals(t, sink, 4)
}

func TestSameCorrelationRunsInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	firstDone := make(chan struct{})
	release := make(chan struct{})
	secondDone := make(chan struct{})

	d := newDispatcher(t, 4, 16, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(_ context.Context, req *protocol.Envelope, s dispatch.Stream) error {
				if string(req.Payload) == "first" {
					_ = s.Complete(protocol.Completed{})
					close(firstDone)
					<-release
					record("first-end")
					return nil
				}
				record("second-start")
				close(secondDone)
				return nil
			})))
	})
	sink := fake.NewSink()

	first := request(protocol.TypeToolExec, 4)
	first.Payload = []byte("first")
	require.NoError(t, d.Dispatch(1, first, sink))
	<-firstDone

	second := request(protocol.TypeToolExec, 4)
	second.Payload = []byte("second")
	require.NoError(t, d.Dispatch(1, second, sink))

	select {
	case <-secondDone:
		t.Fatal("second handler ran before the first returned")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	<-secondDone
	waitTerminals(t, sink, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first-end", "second-start"}, order)
}

func TestCancelEndsSession(t *testing.T) {
	exited := make(chan struct{})
	d := newDispatcher(t, 2, 16, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeCommandExec, dispatch.HandlerFunc(
			func(ctx context.Context, _ *protocol.Envelope, s dispatch.Stream) error {
				defer close(exited)
				_ = s.Started(protocol.Started{Kind: protocol.KindCommand})
				<-ctx.Done()
				return ctx.Err()
			})))
	})
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeCommandExec, 6), sink))
	require.Eventually(t, func() bool { return len(sink.Types()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Dispatch(1, request(protocol.TypeCancel, 6), sink))
	<-exited

	require.Len(t, sink.Sent(), 2)
	f := failedOf(t, sink.Sent()[1])
	assert.Equal(t, protocol.CodeCancelled, f.Code)
	assert.Equal(t, "Cancelled", f.Error)
	assert.Equal(t, 1, sink.Terminals())
}

func TestApprovalResponseRouted(t *testing.T) {
	d := newDispatcher(t, 2, 16, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeDiffApply, dispatch.HandlerFunc(
			func(ctx context.Context, _ *protocol.Envelope, s dispatch.Stream) error {
				resp, err := s.RequestApproval(ctx, protocol.ApprovalRequest{Operation: "apply", Target: "a.go"})
				if err != nil {
					return err
				}
				if !resp.Approved {
					return s.Fail(protocol.CodePermissionDenied, resp.Reason)
				}
				return s.Complete(protocol.Completed{})
			})))
	})
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(2, request(protocol.TypeDiffApply, 8), sink))
	require.Eventually(t, func() bool { return len(sink.Types()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.TypeApprovalRequest, sink.Types()[0])

	resp, err := protocol.NewEnvelope(protocol.TypeApprovalResponse, 8, protocol.OriginClient,
		protocol.ApprovalResponse{Approved: false, Reason: "user declined"})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(2, resp, sink))
	waitTerminals(t, sink, 1)

	f := failedOf(t, sink.Sent()[1])
	assert.Equal(t, protocol.CodePermissionDenied, f.Code)
	assert.Equal(t, "user declined", f.Error)
}

func TestProtocolViolationsDropped(t *testing.T) {
	d := newDispatcher(t, 1, 4, func(b *dispatch.Builder) {
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(ctx context.Context, _ *protocol.Envelope, _ dispatch.Stream) error {
				<-ctx.Done()
				return nil
			})))
	})
	sink := fake.NewSink()

	require.ErrorIs(t, d.Dispatch(1, request(protocol.MessageType(0x7777), 1), sink), api.ErrProtocolViolation)
	require.ErrorIs(t, d.Dispatch(1, request(protocol.TypeCompleted, 1), sink), api.ErrProtocolViolation)

	resp, err := protocol.NewEnvelope(protocol.TypeApprovalResponse, 1, protocol.OriginClient, protocol.ApprovalResponse{Approved: true})
	require.NoError(t, err)
	require.ErrorIs(t, d.Dispatch(1, resp, sink), api.ErrProtocolViolation)

	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 2), sink))
	require.ErrorIs(t, d.Dispatch(1, request(protocol.TypeToolExec, 2), sink), api.ErrProtocolViolation)
	assert.Empty(t, sink.Sent())

	require.NoError(t, d.Dispatch(1, request(protocol.TypeCancel, 2), sink))
	waitTerminals(t, sink, 1)
}

func TestUnregisteredRequestFailsNotFound(t *testing.T) {
	d := newDispatcher(t, 1, 4, func(*dispatch.Builder) {})
	sink := fake.NewSink()

	require.NoError(t, d.Dispatch(1, request(protocol.TypeDiffApply, 3), sink))
	require.Len(t, sink.Sent(), 1)
	f := failedOf(t, sink.Sent()[0])
	assert.Equal(t, protocol.CodeNotFound, f.Code)
}

func TestCloseRejectsNewRequests(t *testing.T) {
	exec := concurrency.NewExecutor(1, 4)
	defer exec.Close()
	d := dispatch.NewDispatcher(dispatch.NewBuilder().Build(), session.NewManager(2), exec)

	require.NoError(t, d.Close(context.Background()))
	require.ErrorIs(t, d.Dispatch(1, request(protocol.TypeToolExec, 1), fake.NewSink()), api.ErrClosed)
}

func TestMiddlewareWrapsEveryHandler(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	trace := func(name string) dispatch.Middleware {
		return func(next dispatch.Handler) dispatch.Handler {
			return dispatch.HandlerFunc(func(ctx context.Context, req *protocol.Envelope, s dispatch.Stream) error {
				mu.Lock()
				calls = append(calls, name)
				mu.Unlock()
				return next.Handle(ctx, req, s)
			})
		}
	}
	d := newDispatcher(t, 1, 4, func(b *dispatch.Builder) {
		b.Use(trace("outer"), trace("inner"))
		require.NoError(t, b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(
			func(context.Context, *protocol.Envelope, dispatch.Stream) error { return nil })))
	})
	sink := fake.NewSink()
	require.NoError(t, d.Dispatch(1, request(protocol.TypeToolExec, 1), sink))
	waitTerminals(t, sink, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "inner"}, calls)
}
