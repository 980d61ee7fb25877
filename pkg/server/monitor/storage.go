package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/vitals/pkg/storage"
)

// StatsFunc reports L2 table counts
type StatsFunc func(ctx context.Context) (*storage.Stats, error)

// StorageMonitor tracks disk usage of the data directory with caching to
// avoid repeated filesystem walks.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	stats         StatsFunc
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.RWMutex
}

// NewStorageMonitor creates a new storage monitor. An empty dataDir (in
// memory mode) always reports zero usage. stats may be nil.
func NewStorageMonitor(dataDir string, maxBytes int64, stats StatsFunc) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		stats:         stats,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current disk usage in bytes, refreshed at most every
// 10 seconds
func (sm *StorageMonitor) GetUsage() (int64, error) {
	if sm.dataDir == "" {
		return 0, nil
	}

	sm.mu.RLock()
	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		usage := sm.cachedUsage
		sm.mu.RUnlock()
		return usage, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// another goroutine may have refreshed it
	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Usage is the payload of /v1/storage
type Usage struct {
	UsedBytes   int64          `json:"used_bytes"`
	MaxBytes    int64          `json:"max_bytes"`
	PercentUsed float64        `json:"percent_used"`
	OverLimit   bool           `json:"over_limit"`
	L2          *storage.Stats `json:"l2,omitempty"`
}

// Usage combines disk usage with L2 table counts
func (sm *StorageMonitor) Usage(ctx context.Context) (Usage, error) {
	used, err := sm.GetUsage()
	if err != nil {
		return Usage{}, err
	}

	u := Usage{UsedBytes: used, MaxBytes: sm.maxBytes}
	if sm.maxBytes > 0 {
		u.PercentUsed = float64(used) / float64(sm.maxBytes) * 100
		u.OverLimit = used > sm.maxBytes
	}

	if sm.stats != nil {
		stats, err := sm.stats(ctx)
		if err != nil {
			return Usage{}, err
		}
		u.L2 = stats
	}
	return u, nil
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) to handle sparse files correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
