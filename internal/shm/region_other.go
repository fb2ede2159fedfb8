//go:build !unix

// File: internal/shm/region_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import "github.com/momentics/hioload-bridge/api"

// CreateFileRegion is unavailable on this platform; use NewHeapRegion.
func CreateFileRegion(path string, slotSize, slotCount int) (*Region, error) {
	return nil, api.NewError(api.KindInvalidArgument, "file-backed regions require a unix platform").
		WithContext("path", path)
}

// OpenFileRegion is unavailable on this platform.
func OpenFileRegion(path string) (*Region, error) {
	return nil, api.NewError(api.KindInvalidArgument, "file-backed regions require a unix platform").
		WithContext("path", path)
}
