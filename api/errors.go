// Package api
// Author: momentics <momentics@gmail.com>
//
// Error kinds and structured error type shared by transport, pool and dispatch.

package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide retry vs. surface.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindTransportBusy
	KindTransportCorrupt
	KindPoolTimeout
	KindHandlerPanic
	KindProtocolViolation
	KindSessionTimeout
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindClosed
	KindConnectionLost
	KindPayloadTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportBusy:
		return "transport_busy"
	case KindTransportCorrupt:
		return "transport_corrupt"
	case KindPoolTimeout:
		return "pool_timeout"
	case KindHandlerPanic:
		return "handler_panic"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindSessionTimeout:
		return "session_timeout"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindClosed:
		return "closed"
	case KindConnectionLost:
		return "connection_lost"
	case KindPayloadTooLarge:
		return "payload_too_large"
	default:
		return "internal"
	}
}

// Sentinel errors, one per kind. Match with errors.Is.
var (
	ErrTransportBusy     = &Error{Kind: KindTransportBusy, Message: "transport busy: no claimable slot"}
	ErrTransportCorrupt  = &Error{Kind: KindTransportCorrupt, Message: "transport corrupt: unexpected slot state"}
	ErrPoolTimeout       = &Error{Kind: KindPoolTimeout, Message: "connection pool: acquire timeout"}
	ErrHandlerPanic      = &Error{Kind: KindHandlerPanic, Message: "handler panicked"}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation, Message: "protocol violation"}
	ErrSessionTimeout    = &Error{Kind: KindSessionTimeout, Message: "session timed out"}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "resource not found"}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists, Message: "resource already exists"}
	ErrClosed            = &Error{Kind: KindClosed, Message: "closed"}
	ErrConnectionLost    = &Error{Kind: KindConnectionLost, Message: "connection lost"}
	ErrPayloadTooLarge   = &Error{Kind: KindPayloadTooLarge, Message: "payload too large"}
)

// Error represents a structured error with kind and context.
type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new structured error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind of err, KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a transient backpressure condition.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransportBusy, KindPoolTimeout:
		return true
	default:
		return false
	}
}
