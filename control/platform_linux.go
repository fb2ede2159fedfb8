//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific defaults and debug probes.

package control

import (
	"os"
	"path/filepath"
	"runtime"
)

// defaultShmDir prefers tmpfs so region pages never hit disk.
func defaultShmDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm/hioload-bridge"
	}
	return filepath.Join(os.TempDir(), "hioload-bridge")
}

// RegisterPlatformProbes sets Linux-specific debug metrics.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterProbe("platform.shm_tmpfs", func() any {
		_, err := os.Stat("/dev/shm")
		return err == nil
	})
}
