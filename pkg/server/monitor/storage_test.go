package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nicktill/vitals/pkg/storage"
)

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor("/tmp", 1024*1024*1024, nil)
	if got := sm.GetLimit(); got != 1024*1024*1024 {
		t.Errorf("GetLimit() = %d, want %d", got, 1024*1024*1024)
	}
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "000001.vlog")
	if err := os.WriteFile(testFile, []byte("test data"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	sm := NewStorageMonitor(tmpDir, 1024*1024*1024, nil)
	usage, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if usage < 9 {
		t.Errorf("GetUsage() = %d, want at least 9", usage)
	}
}

func TestStorageMonitor_Caching(t *testing.T) {
	tmpDir := t.TempDir()
	sm := NewStorageMonitor(tmpDir, 1024*1024*1024, nil)

	usage1, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "late.sst"), make([]byte, 64<<10), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	usage2, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if usage1 != usage2 {
		t.Errorf("Cached values differ: %d != %d", usage1, usage2)
	}
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor("/nonexistent/path/12345", 1024*1024*1024, nil)
	_, err := sm.GetUsage()
	if err == nil {
		t.Error("GetUsage() should return error for nonexistent directory")
	}
}

func TestStorageMonitor_InMemory(t *testing.T) {
	sm := NewStorageMonitor("", 1024, nil)
	usage, err := sm.GetUsage()
	if err != nil || usage != 0 {
		t.Errorf("GetUsage() = %d, %v; want 0, nil", usage, err)
	}
}

func TestStorageMonitor_Usage(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "data"), make([]byte, 8192), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	stats := func(context.Context) (*storage.Stats, error) {
		return &storage.Stats{TotalKeys: 6, TotalRecords: 120}, nil
	}
	sm := NewStorageMonitor(tmpDir, 1024, stats)

	u, err := sm.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if !u.OverLimit {
		t.Errorf("expected 8 KiB to exceed a 1 KiB limit, got %+v", u)
	}
	if u.PercentUsed <= 100 {
		t.Errorf("PercentUsed = %.1f, want > 100", u.PercentUsed)
	}
	if u.L2 == nil || u.L2.TotalKeys != 6 {
		t.Errorf("L2 stats missing: %+v", u.L2)
	}

	failing := NewStorageMonitor("", 1024, func(context.Context) (*storage.Stats, error) {
		return nil, errors.New("closed")
	})
	if _, err := failing.Usage(context.Background()); err == nil {
		t.Error("Usage() should surface L2 stats errors")
	}
}
