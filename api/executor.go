// Package api
// Author: momentics
//
// Executor contract for bounded handler execution.

package api

// Executor abstracts a bounded pool of worker goroutines.
type Executor interface {
	// Submit schedules task for execution without blocking.
	// Returns an error when the pool is closed or saturated.
	Submit(task func()) error

	// NumWorkers returns current number of active worker routines.
	NumWorkers() int

	// Close stops accepting tasks and waits for workers to exit.
	Close()
}
