package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-bridge/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecutorRunsAllTasks(t *testing.T) {
	e := NewExecutor(4, 256)
	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	e.Close()
	assert.EqualValues(t, 200, n.Load())
	assert.EqualValues(t, 200, e.Stats()["completed_tasks"])
}

func TestExecutorSaturation(t *testing.T) {
	e := NewExecutor(1, 2)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, e.Submit(func() {}))
	require.NoError(t, e.Submit(func() {}))
	err := e.Submit(func() {})
	require.ErrorIs(t, err, api.ErrTransportBusy)
	assert.True(t, api.IsRetryable(err))

	close(release)
	e.Close()
	require.ErrorIs(t, e.Submit(func() {}), api.ErrClosed)
}

func TestExecutorSurvivesPanics(t *testing.T) {
	var recovered atomic.Value
	e := NewExecutor(1, 8, WithPanicHandler(func(r any) { recovered.Store(r) }))
	require.NoError(t, e.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, e.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	e.Close()
	assert.Equal(t, "boom", recovered.Load())
}

func TestExecutorCloseDrainsQueue(t *testing.T) {
	e := NewExecutor(2, 64)
	var n atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Submit(func() {
			time.Sleep(100 * time.Microsecond)
			n.Add(1)
		}))
	}
	e.Close()
	assert.EqualValues(t, 50, n.Load())
}

func TestMPMCQueueConcurrent(t *testing.T) {
	const producers, per = 4, 5000
	q := NewMPMCQueue[int](128)
	assert.Equal(t, 128, q.Cap())

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				for !q.Enqueue(p*per + i) {
					time.Sleep(time.Microsecond)
				}
			}
		}(p)
	}

	seen := make([]bool, producers*per)
	var mu sync.Mutex
	var got atomic.Int64
	var cwg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for got.Load() < producers*per {
				v, ok := q.Dequeue()
				if !ok {
					time.Sleep(time.Microsecond)
					continue
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	cwg.Wait()
	for i, ok := range seen {
		require.True(t, ok, "item %d lost", i)
	}
	assert.Equal(t, 0, q.Len())
}

func TestMPMCQueueFull(t *testing.T) {
	q := NewMPMCQueue[string](2)
	assert.True(t, q.Enqueue("a"))
	assert.True(t, q.Enqueue("b"))
	assert.False(t, q.Enqueue("c"))
	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.True(t, q.Enqueue("c"))
}

func TestMPMCQueueSingleSlotRequest(t *testing.T) {
	q := NewMPMCQueue[int](1)
	assert.Equal(t, 2, q.Cap())
	assert.True(t, q.Enqueue(1))
	assert.True(t, q.Enqueue(2))
	assert.False(t, q.Enqueue(3))

	done := make(chan []int, 1)
	go func() {
		var got []int
		for {
			v, ok := q.Dequeue()
			if !ok {
				done <- got
				return
			}
			got = append(got, v)
		}
	}()
	select {
	case got := <-done:
		assert.Equal(t, []int{1, 2}, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return")
	}
}

func TestExecutorDepthOneKeepsTasks(t *testing.T) {
	e := NewExecutor(1, 1)
	defer e.Close()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	var ran atomic.Int64
	var wg sync.WaitGroup
	accepted := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		if err := e.Submit(func() { defer wg.Done(); ran.Add(1) }); err != nil {
			require.ErrorIs(t, err, api.ErrTransportBusy)
			wg.Done()
			continue
		}
		accepted++
	}
	assert.Equal(t, 2, accepted)
	close(release)
	wg.Wait()
	assert.EqualValues(t, accepted, ran.Load())
}

func TestRetryStopsOnSuccessOrBudget(t *testing.T) {
	calls := 0
	err := Retry(time.Second, api.IsRetryable, func() error {
		calls++
		if calls < 3 {
			return api.ErrTransportBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = Retry(5*time.Millisecond, api.IsRetryable, func() error { return api.ErrTransportBusy })
	require.ErrorIs(t, err, api.ErrTransportBusy)

	calls = 0
	err = Retry(time.Second, api.IsRetryable, func() error {
		calls++
		return api.ErrClosed
	})
	require.ErrorIs(t, err, api.ErrClosed)
	assert.Equal(t, 1, calls)
}
