// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is implemented by components that own goroutines or
// shared regions.
type GracefulShutdown interface {
	// Shutdown stops accepting work, drains what is in flight and releases
	// resources. It is safe to call more than once.
	Shutdown() error
}
