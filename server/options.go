// File: server/options.go
// Package server defines functional options for the Engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/control"
)

// Option customizes engine initialization.
type Option func(*Engine)

// WithLogger sets the logger shared by every engine component.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records transport, session and dispatch activity.
func WithMetrics(m *control.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDebugProbes registers engine probes on dp instead of a private set.
func WithDebugProbes(dp *control.DebugProbes) Option {
	return func(e *Engine) {
		if dp != nil {
			e.debug = dp
		}
	}
}

// WithShmDir makes Run accept cross-process connections announced on the
// control ring in dir.
func WithShmDir(dir string) Option {
	return func(e *Engine) { e.shmDir = dir }
}

// WithWatcher makes Run drive a config file watcher.
func WithWatcher(w *control.Watcher) Option {
	return func(e *Engine) { e.watcher = w }
}

// WithShutdownTimeout bounds how long Shutdown waits for running handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.shutdownTimeout = d
		}
	}
}

// WithPollCPUs pins each connection's poll loop to one of cpus, assigned
// by connection id. Pinning failures are logged and the loop runs unpinned.
func WithPollCPUs(cpus ...int) Option {
	return func(e *Engine) { e.pollCPUs = append([]int(nil), cpus...) }
}
