//go:build linux

// File: internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread pinning for busy-polling loops via sched_setaffinity.

package concurrency

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to cpu. Call Unpin from the same goroutine when done.
func PinCurrentThread(cpu int) (*Pin, error) {
	runtime.LockOSThread()
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("read affinity: %w", err)
	}
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}
	return &Pin{cpu: cpu, prev: prev}, nil
}

// Pin is an active thread binding.
type Pin struct {
	cpu  int
	prev unix.CPUSet
}

// CPU returns the bound cpu.
func (p *Pin) CPU() int { return p.cpu }

// Unpin restores the previous affinity and unlocks the thread.
func (p *Pin) Unpin() error {
	defer runtime.UnlockOSThread()
	return unix.SchedSetaffinity(0, &p.prev)
}
