// File: internal/concurrency/executor.go
// Package concurrency implements the bounded handler executor and the
// lock-free primitives behind it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor runs tasks on a fixed set of worker goroutines fed by one bounded
// MPMC queue. Submit never blocks: a full queue is reported as saturation so
// callers can apply backpressure.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-bridge/api"
)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = api.NewError(api.KindClosed, "executor closed")

// ErrExecutorSaturated is returned by Submit when the queue is full.
var ErrExecutorSaturated = api.NewError(api.KindTransportBusy, "executor saturated")

var _ api.Executor = (*Executor)(nil)

// Executor manages a pool of worker goroutines.
type Executor struct {
	queue   *MPMCQueue[TaskFunc]
	wake    chan struct{}
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
	onPanic func(any)
	workers int

	// statistics
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithPanicHandler is called with the recovered value when a task panics.
// Tasks are expected to recover themselves; this is the last line.
func WithPanicHandler(fn func(any)) ExecutorOption {
	return func(e *Executor) { e.onPanic = fn }
}

// NewExecutor starts numWorkers workers over a queue of queueDepth tasks.
// If numWorkers <= 0, defaults to runtime.NumCPU().
func NewExecutor(numWorkers, queueDepth int, opts ...ExecutorOption) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueDepth <= 0 {
		queueDepth = numWorkers * 64
	}
	e := &Executor{
		queue:   NewMPMCQueue[TaskFunc](queueDepth),
		wake:    make(chan struct{}, numWorkers),
		closeCh: make(chan struct{}),
		workers: numWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go e.run()
	}
	return e
}

// Submit enqueues a task. It returns ErrExecutorSaturated when the queue is
// full and ErrExecutorClosed after Close.
func (e *Executor) Submit(task func()) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	if !e.queue.Enqueue(task) {
		e.rejected.Add(1)
		return ErrExecutorSaturated
	}
	e.submitted.Add(1)
	select {
	case e.wake <- struct{}{}:
	default:
		// every worker already has a wake-up pending
	}
	return nil
}

// NumWorkers returns the number of workers.
func (e *Executor) NumWorkers() int { return e.workers }

// Pending returns the number of queued tasks not yet started.
func (e *Executor) Pending() int { return e.queue.Len() }

// Capacity returns how many tasks can wait in the queue.
func (e *Executor) Capacity() int { return e.queue.Cap() }

// Close stops accepting tasks, lets workers drain the queue and waits for them.
func (e *Executor) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.closeCh)
	}
	e.wg.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"submitted_tasks": e.submitted.Load(),
		"completed_tasks": e.completed.Load(),
		"rejected_tasks":  e.rejected.Load(),
		"pending_tasks":   int64(e.queue.Len()),
		"num_workers":     int64(e.workers),
	}
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		if task, ok := e.queue.Dequeue(); ok {
			e.execute(task)
			continue
		}
		select {
		case <-e.wake:
		case <-e.closeCh:
			for {
				task, ok := e.queue.Dequeue()
				if !ok {
					return
				}
				e.execute(task)
			}
		}
	}
}

// execute runs the task, recovering from panics to keep the worker alive.
func (e *Executor) execute(task TaskFunc) {
	defer func() {
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(r)
		}
		e.completed.Add(1)
	}()
	task()
}
