// File: dispatch/registry.go
// Package dispatch
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Immutable handler table built once at startup.

package dispatch

import (
	"slices"
	"time"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/protocol"
)

type registration struct {
	handler Handler
	timeout time.Duration
}

// Option customizes one registration.
type Option func(*registration)

// WithTimeout overrides the configured session timeout for the type.
func WithTimeout(d time.Duration) Option {
	return func(r *registration) { r.timeout = d }
}

// Builder collects registrations. Not safe for concurrent use.
type Builder struct {
	entries    map[protocol.MessageType]registration
	middleware []Middleware
	built      bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[protocol.MessageType]registration)}
}

// Register binds h to a request type. Duplicates, non-request types and
// registrations after Build are rejected.
func (b *Builder) Register(t protocol.MessageType, h Handler, opts ...Option) error {
	switch {
	case b.built:
		return api.NewError(api.KindClosed, "registry already built").WithContext("message_type", t.String())
	case h == nil:
		return api.NewError(api.KindInvalidArgument, "nil handler").WithContext("message_type", t.String())
	case !t.IsRequest():
		return api.NewError(api.KindInvalidArgument, "not a request type").WithContext("message_type", t.String())
	}
	if _, dup := b.entries[t]; dup {
		return api.NewError(api.KindAlreadyExists, "handler already registered").WithContext("message_type", t.String())
	}
	r := registration{handler: h}
	for _, opt := range opts {
		opt(&r)
	}
	b.entries[t] = r
	return nil
}

// Use appends middleware applied to every handler at Build.
func (b *Builder) Use(mw ...Middleware) *Builder {
	b.middleware = append(b.middleware, mw...)
	return b
}

// Build freezes the table. The builder rejects further registrations.
func (b *Builder) Build() *Registry {
	b.built = true
	table := make(map[protocol.MessageType]registration, len(b.entries))
	for t, r := range b.entries {
		r.handler = Chain(r.handler, b.middleware...)
		table[t] = r
	}
	return &Registry{table: table}
}

// Registry is read-only after Build and safe for concurrent lookups.
type Registry struct {
	table map[protocol.MessageType]registration
}

// Lookup resolves the handler for t. timeout is zero when the
// registration did not override it.
func (r *Registry) Lookup(t protocol.MessageType) (h Handler, timeout time.Duration, ok bool) {
	reg, ok := r.table[t]
	return reg.handler, reg.timeout, ok
}

// Types lists registered types in ascending order.
func (r *Registry) Types() []protocol.MessageType {
	out := make([]protocol.MessageType, 0, len(r.table))
	for t := range r.table {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int { return len(r.table) }
