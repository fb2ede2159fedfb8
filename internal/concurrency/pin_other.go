//go:build !linux

// File: internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "errors"

// ErrPinUnsupported is returned where thread affinity is not available.
var ErrPinUnsupported = errors.New("thread pinning not supported on this platform")

// PinCurrentThread is unsupported here.
func PinCurrentThread(cpu int) (*Pin, error) {
	return nil, ErrPinUnsupported
}

// Pin is an active thread binding.
type Pin struct {
	cpu int
}

// CPU returns the bound cpu.
func (p *Pin) CPU() int { return p.cpu }

// Unpin is a no-op.
func (p *Pin) Unpin() error { return nil }
