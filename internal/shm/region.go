// File: internal/shm/region.go
// Package shm implements the shared slot region and the lock-free slot ring on top of it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Region layout (all offsets 64-byte aligned):
//
//	0    magic u32 | version u32 | slot_size u32 | slot_count u32 | closed u32
//	64   head u64   (consumer cursor, own cache line)
//	128  tail u64   (producer claim cursor, own cache line)
//	192  slot[0] .. slot[n-1]; each slot is state u32 | frame_len u32 | frame bytes
//
// The region is the only memory shared across the process boundary.

package shm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/hioload-bridge/api"
)

const (
	regionMagic   uint32 = 0x5242_4c48 // "HLBR" little-endian
	regionVersion uint32 = 1

	cacheLine      = 64
	offMagic       = 0
	offVersion     = 4
	offSlotSize    = 8
	offSlotCount   = 12
	offClosed      = 16
	offHead        = cacheLine
	offTail        = 2 * cacheLine
	offSlots       = 3 * cacheLine
	slotHeaderSize = 8

	// DefaultSlotSize and DefaultSlotCount give a 1 MiB data area per ring.
	DefaultSlotSize  = 1024
	DefaultSlotCount = 1024
)

// Region is a block of memory laid out for one slot ring.
type Region struct {
	mem       []byte
	words     []uint64 // keeps heap-backed memory alive and 8-byte aligned
	slotSize  int
	slotCount int
	path      string
	unmap     func([]byte) error
}

// Geometry normalizes slot size and count: sizes round up to 8 bytes,
// counts round up to a power of two.
func Geometry(slotSize, slotCount int) (int, int) {
	if slotSize <= 0 {
		slotSize = DefaultSlotSize
	}
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	slotSize = (slotSize + 7) &^ 7
	n := 1
	for n < slotCount {
		n <<= 1
	}
	return slotSize, n
}

// RegionSize returns the byte size of a region with the given geometry.
func RegionSize(slotSize, slotCount int) int {
	slotSize, slotCount = Geometry(slotSize, slotCount)
	return offSlots + slotCount*(slotHeaderSize+slotSize)
}

// NewHeapRegion allocates a process-local region, used by in-process connections
// and tests.
func NewHeapRegion(slotSize, slotCount int) *Region {
	slotSize, slotCount = Geometry(slotSize, slotCount)
	size := RegionSize(slotSize, slotCount)
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	r := &Region{mem: mem, words: words, slotSize: slotSize, slotCount: slotCount}
	r.initHeader()
	return r
}

func (r *Region) initHeader() {
	binary.LittleEndian.PutUint32(r.mem[offVersion:], regionVersion)
	binary.LittleEndian.PutUint32(r.mem[offSlotSize:], uint32(r.slotSize))
	binary.LittleEndian.PutUint32(r.mem[offSlotCount:], uint32(r.slotCount))
	r.u32(offMagic).Store(regionMagic)
}

// validate checks a mapped region created by another process.
func (r *Region) validate() error {
	if len(r.mem) < offSlots {
		return corrupt("region shorter than header", len(r.mem))
	}
	if r.u32(offMagic).Load() != regionMagic {
		return corrupt("bad region magic", int(r.u32(offMagic).Load()))
	}
	if v := binary.LittleEndian.Uint32(r.mem[offVersion:]); v != regionVersion {
		return corrupt("unsupported region version", int(v))
	}
	slotSize := int(binary.LittleEndian.Uint32(r.mem[offSlotSize:]))
	slotCount := int(binary.LittleEndian.Uint32(r.mem[offSlotCount:]))
	if s, n := Geometry(slotSize, slotCount); s != slotSize || n != slotCount {
		return corrupt("region geometry not normalized", slotCount)
	}
	if RegionSize(slotSize, slotCount) > len(r.mem) {
		return corrupt("region truncated", len(r.mem))
	}
	r.slotSize, r.slotCount = slotSize, slotCount
	return nil
}

// SlotSize returns the frame capacity of one slot.
func (r *Region) SlotSize() int { return r.slotSize }

// SlotCount returns the number of slots.
func (r *Region) SlotCount() int { return r.slotCount }

// Path returns the backing file path, empty for heap regions.
func (r *Region) Path() string { return r.path }

// Close releases a mapped region. Heap regions are left to the GC.
func (r *Region) Close() error {
	if r.unmap == nil {
		return nil
	}
	unmap, mem := r.unmap, r.mem
	r.unmap = nil
	return unmap(mem)
}

func (r *Region) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) slotOffset(idx int) int {
	return offSlots + idx*(slotHeaderSize+r.slotSize)
}

func corrupt(what string, v int) error {
	return api.NewError(api.KindTransportCorrupt, what).WithContext("value", v)
}
