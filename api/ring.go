// Package api
// Author: momentics <momentics@gmail.com>
//
// Lock-free slot ring contract for cross-process frame transfer.

package api

// SlotRing moves fixed-size frames between one or more writers and a single reader.
type SlotRing interface {
	// Write publishes frames into consecutive slots, all or nothing.
	// Returns ErrTransportBusy when not enough slots are claimable.
	Write(frames ...[]byte) error
	// Read copies the head frame into dst. ok is false when no frame is Ready.
	Read(dst []byte) (n int, ok bool, err error)
	// Len returns the number of claimed slots.
	Len() int
	// Cap returns the slot count.
	Cap() int
	// SlotSize returns the per-slot frame capacity in bytes.
	SlotSize() int
	// State returns a diagnostic snapshot.
	State() RingState
}
