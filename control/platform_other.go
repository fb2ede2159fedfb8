//go:build !linux
// +build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>
//
// Defaults and debug probes for platforms without /dev/shm.

package control

import (
	"os"
	"path/filepath"
	"runtime"
)

func defaultShmDir() string {
	return filepath.Join(os.TempDir(), "hioload-bridge")
}

// RegisterPlatformProbes sets generic debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
}
