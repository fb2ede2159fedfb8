// File: internal/shm/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring is a bounded circular array of fixed-size slots living in a Region.
// Writers claim consecutive slots with one CAS on the tail cursor, then move
// each slot Empty -> Writing -> Ready. The single reader moves the head slot
// Ready -> Reading -> Empty and only then advances head. A slot becomes
// visible to the reader solely through its Ready tag, so tail is a claim
// cursor and never exposes partially written frames.

package shm

import (
	"encoding/binary"

	"github.com/momentics/hioload-bridge/api"
)

// Slot state tags.
const (
	SlotEmpty uint32 = iota
	SlotWriting
	SlotReady
	SlotReading
)

// Ensure compile-time interface compliance.
var _ api.SlotRing = (*Ring)(nil)

// Ring is safe for many writers and exactly one reader.
type Ring struct {
	region *Region
	mask   uint64
	n      uint64
}

// NewRing binds a ring to region.
func NewRing(region *Region) *Ring {
	return &Ring{
		region: region,
		mask:   uint64(region.slotCount - 1),
		n:      uint64(region.slotCount),
	}
}

// Region exposes the backing region.
func (r *Ring) Region() *Region { return r.region }

// Write publishes frames into consecutive slots. Either every frame is
// claimed or none is: ErrTransportBusy is returned immediately when fewer
// than len(frames) slots are free.
func (r *Ring) Write(frames ...[]byte) error {
	k := uint64(len(frames))
	if k == 0 {
		return nil
	}
	if k > r.n {
		return api.NewError(api.KindPayloadTooLarge, "frame chain longer than ring").
			WithContext("frames", k).WithContext("slots", r.n)
	}
	for _, f := range frames {
		if len(f) > r.region.slotSize {
			return api.NewError(api.KindPayloadTooLarge, "frame exceeds slot size").
				WithContext("frame_len", len(f)).WithContext("slot_size", r.region.slotSize)
		}
	}
	if r.Closed() {
		return api.ErrClosed
	}

	head := r.region.u64(offHead)
	tail := r.region.u64(offTail)
	var start uint64
	for {
		h := head.Load() // load head first so h <= t holds
		t := tail.Load()
		if t-h+k > r.n {
			return api.ErrTransportBusy
		}
		if tail.CompareAndSwap(t, t+k) {
			start = t
			break
		}
	}

	for i := uint64(0); i < k; i++ {
		idx := int((start + i) & r.mask)
		off := r.region.slotOffset(idx)
		state := r.region.u32(off)
		if !state.CompareAndSwap(SlotEmpty, SlotWriting) {
			return corrupt("claimed slot not empty", int(state.Load()))
		}
		f := frames[i]
		binary.LittleEndian.PutUint32(r.region.mem[off+4:], uint32(len(f)))
		copy(r.region.mem[off+slotHeaderSize:], f)
		state.Store(SlotReady)
	}
	return nil
}

// Read copies the head frame into dst. It never blocks: ok is false when
// the head slot is not Ready yet. dst must hold SlotSize bytes.
func (r *Ring) Read(dst []byte) (int, bool, error) {
	head := r.region.u64(offHead)
	h := head.Load()
	if h == r.region.u64(offTail).Load() {
		return 0, false, nil
	}
	off := r.region.slotOffset(int(h & r.mask))
	state := r.region.u32(off)
	switch s := state.Load(); s {
	case SlotEmpty, SlotWriting:
		// claimed but not yet published
		return 0, false, nil
	case SlotReady:
	default:
		return 0, false, corrupt("unexpected head slot state", int(s))
	}

	n := int(binary.LittleEndian.Uint32(r.region.mem[off+4:]))
	if n > r.region.slotSize {
		return 0, false, corrupt("frame length exceeds slot", n)
	}
	if len(dst) < n {
		return 0, false, api.NewError(api.KindInvalidArgument, "read buffer smaller than frame").
			WithContext("need", n)
	}
	if !state.CompareAndSwap(SlotReady, SlotReading) {
		return 0, false, corrupt("head slot changed under reader", int(state.Load()))
	}
	copy(dst, r.region.mem[off+slotHeaderSize:off+slotHeaderSize+n])
	state.Store(SlotEmpty)
	head.Store(h + 1)
	return n, true, nil
}

// Len returns the number of claimed slots.
func (r *Ring) Len() int {
	h := r.region.u64(offHead).Load()
	t := r.region.u64(offTail).Load()
	return int(t - h)
}

// Cap returns the slot count.
func (r *Ring) Cap() int { return int(r.n) }

// SlotSize returns the frame capacity of one slot.
func (r *Ring) SlotSize() int { return r.region.slotSize }

// Close marks the ring closed; writers get ErrClosed, the reader may drain.
func (r *Ring) Close() { r.region.u32(offClosed).Store(1) }

// Closed reports whether either side closed the ring.
func (r *Ring) Closed() bool { return r.region.u32(offClosed).Load() != 0 }

// State returns a diagnostic snapshot.
func (r *Ring) State() api.RingState {
	h := r.region.u64(offHead).Load()
	t := r.region.u64(offTail).Load()
	return api.RingState{
		SlotSize:  r.region.slotSize,
		SlotCount: int(r.n),
		Head:      h,
		Tail:      t,
		Used:      int(t - h),
		Closed:    r.Closed(),
	}
}
