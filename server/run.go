// File: server/run.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Run serves until ctx is done: the shm listener (WithShmDir) and the
// config watcher (WithWatcher) run in one group, then the engine shuts
// down. In-process connections are served without Run.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	// Shutdown from another goroutine ends the group too
	unhook := context.AfterFunc(e.ctx, stop)
	defer unhook()

	g, gctx := errgroup.WithContext(ctx)
	if e.shmDir != "" {
		g.Go(func() error { return e.ListenShm(gctx, e.shmDir) })
	}
	if e.watcher != nil {
		g.Go(func() error { return e.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()
	return multierr.Append(err, e.Shutdown())
}
