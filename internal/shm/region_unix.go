//go:build unix

// File: internal/shm/region_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// File-backed regions mapped MAP_SHARED, visible to every process that maps the file.

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-bridge/api"
)

// CreateFileRegion creates (or truncates) path, sizes it for the geometry
// and maps it read-write shared. Use a tmpfs path such as /dev/shm for
// page-cache-only traffic.
func CreateFileRegion(path string, slotSize, slotCount int) (*Region, error) {
	slotSize, slotCount = Geometry(slotSize, slotCount)
	size := RegionSize(slotSize, slotCount)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("shm: ftruncate %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Region{
		mem:       mem,
		slotSize:  slotSize,
		slotCount: slotCount,
		path:      path,
		unmap:     unix.Munmap,
	}
	r.initHeader()
	return r, nil
}

// OpenFileRegion maps a region created by CreateFileRegion, possibly in
// another process, and validates its header.
func OpenFileRegion(path string) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size < offSlots {
		return nil, api.NewError(api.KindTransportCorrupt, "region file too small").
			WithContext("path", path).WithContext("size", st.Size)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Region{mem: mem, path: path, unmap: unix.Munmap}
	if err := r.validate(); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return r, nil
}
