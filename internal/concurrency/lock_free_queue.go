// File: internal/concurrency/lock_free_queue.go
// Package concurrency provides a lock-free queue for executors.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer/multi-consumer queue. Each cell carries a sequence
// number; producers and consumers claim positions with CAS and publish by
// advancing the cell sequence.

package concurrency

import "sync/atomic"

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// MPMCQueue is a bounded lock-free queue safe for any number of producers
// and consumers.
type MPMCQueue[T any] struct {
	mask  uint64
	cells []cell[T]
	_     [56]byte
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte
}

// NewMPMCQueue creates a queue with capacity rounded up to a power of two.
// The minimum is two cells: with one cell a published item's sequence
// equals the next claim position and would be overwritten.
func NewMPMCQueue[T any](capacity int) *MPMCQueue[T] {
	size := 2
	for size < capacity {
		size <<= 1
	}
	q := &MPMCQueue[T]{mask: uint64(size - 1), cells: make([]cell[T], size)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue adds val; returns false if full.
func (q *MPMCQueue[T]) Enqueue(val T) bool {
	for {
		pos := q.tail.Load()
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch {
		case seq == pos:
			if q.tail.CompareAndSwap(pos, pos+1) {
				c.val = val
				c.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			return false
		}
	}
}

// Dequeue removes and returns an item; ok false if empty.
func (q *MPMCQueue[T]) Dequeue() (item T, ok bool) {
	for {
		pos := q.head.Load()
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch {
		case seq == pos+1:
			if q.head.CompareAndSwap(pos, pos+1) {
				item = c.val
				var zero T
				c.val = zero
				c.seq.Store(pos + q.mask + 1)
				return item, true
			}
		case seq < pos+1:
			return item, false
		}
	}
}

// Len is an approximate item count.
func (q *MPMCQueue[T]) Len() int {
	n := int64(q.tail.Load()) - int64(q.head.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the fixed capacity.
func (q *MPMCQueue[T]) Cap() int { return len(q.cells) }
