// File: internal/concurrency/backoff.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Idle backoff for polling loops: spin, then yield, then short sleeps.

package concurrency

import (
	"runtime"
	"time"
)

const (
	spinRounds  = 64
	yieldRounds = 64
)

// Backoff escalates idle waiting for a poll loop that must never block on I/O.
// The zero value is ready to use; it is not safe for concurrent use.
type Backoff struct {
	n        int
	MaxSleep time.Duration
}

// Idle waits a little longer each call.
func (b *Backoff) Idle() {
	b.n++
	switch {
	case b.n <= spinRounds:
		// busy spin keeps wake-up latency in the sub-microsecond range
	case b.n <= spinRounds+yieldRounds:
		runtime.Gosched()
	default:
		d := time.Duration(b.n-spinRounds-yieldRounds) * 10 * time.Microsecond
		limit := b.MaxSleep
		if limit <= 0 {
			limit = time.Millisecond
		}
		time.Sleep(min(d, limit))
	}
}

// Reset returns to spinning after useful work.
func (b *Backoff) Reset() { b.n = 0 }

// Retry calls fn until it returns a non-retryable result or budget elapses,
// idling between attempts. It returns fn's last error.
func Retry(budget time.Duration, retryable func(error) bool, fn func() error) error {
	var b Backoff
	deadline := time.Now().Add(budget)
	for {
		err := fn()
		if err == nil || !retryable(err) || time.Now().After(deadline) {
			return err
		}
		b.Idle()
	}
}
