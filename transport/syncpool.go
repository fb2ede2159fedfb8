// File: transport/syncpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "sync"

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

// Get returns a pooled or freshly created object.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put returns obj for reuse.
func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}
