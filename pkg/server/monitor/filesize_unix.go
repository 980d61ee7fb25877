//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns the allocated size of a file on Unix systems.
// Badger preallocates value logs, so the logical size overstates usage.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	sys := info.Sys()
	if sys == nil {
		return info.Size(), nil
	}

	stat, ok := sys.(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}

	// st_blocks counts 512-byte units
	return stat.Blocks * 512, nil
}
