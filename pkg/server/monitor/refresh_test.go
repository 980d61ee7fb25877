package monitor

import (
	"testing"
	"time"

	"github.com/nicktill/vitals/pkg/refresh"
)

func TestRefreshMonitor_RecordSuccess(t *testing.T) {
	rm := NewRefreshMonitor()
	rm.RecordSuccess("imp1")

	status := rm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.LastImport != "imp1" {
		t.Errorf("LastImport = %q, want imp1", status.LastImport)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.Cycles != 1 {
		t.Errorf("Cycles = %d, want 1", status.Cycles)
	}
}

func TestRefreshMonitor_RecordFailure(t *testing.T) {
	rm := NewRefreshMonitor()
	rm.RecordFailure("recompute timed out")

	status := rm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "recompute timed out" {
		t.Errorf("LastError = %q", status.LastError)
	}
	if status.LastSuccess != "" {
		t.Errorf("LastSuccess = %q, want empty", status.LastSuccess)
	}
}

func TestRefreshMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*RefreshMonitor)
		expected bool
	}{
		{
			name:     "no cycle yet",
			setup:    func(*RefreshMonitor) {},
			expected: true,
		},
		{
			name: "old success",
			setup: func(rm *RefreshMonitor) {
				rm.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
				rm.RecordSuccess("imp1")
				rm.now = time.Now
			},
			expected: true,
		},
		{
			name: "three failures",
			setup: func(rm *RefreshMonitor) {
				for range MaxConsecutiveFailures {
					rm.RecordFailure("boom")
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive failures",
			setup: func(rm *RefreshMonitor) {
				rm.RecordSuccess("imp1")
				for range MaxConsecutiveFailures + 1 {
					rm.RecordFailure("boom")
				}
			},
			expected: false,
		},
		{
			name: "success resets",
			setup: func(rm *RefreshMonitor) {
				for range MaxConsecutiveFailures + 1 {
					rm.RecordFailure("boom")
				}
				rm.RecordSuccess("imp2")
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := NewRefreshMonitor()
			tt.setup(rm)
			if got := rm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRefreshMonitor_Observe(t *testing.T) {
	rm := NewRefreshMonitor()

	rm.Observe(refresh.Info{ImportID: "imp1", Status: refresh.Pending})
	rm.Observe(refresh.Info{ImportID: "imp1", Status: refresh.Running, Progress: 0.5})
	if rm.Status().Cycles != 0 {
		t.Fatal("non-terminal snapshots must not count as cycles")
	}

	rm.Observe(refresh.Info{ImportID: "imp1", Status: refresh.Done, Progress: 1})
	rm.Observe(refresh.Info{ImportID: "imp2", Status: refresh.Failed, Error: "cancelled"})

	status := rm.Status()
	if status.Cycles != 2 {
		t.Errorf("Cycles = %d, want 2", status.Cycles)
	}
	if status.LastImport != "imp1" {
		t.Errorf("LastImport = %q, want imp1", status.LastImport)
	}
	if status.LastError != "cancelled" || status.ConsecutiveErrors != 1 {
		t.Errorf("unexpected failure state %+v", status)
	}
	if status.TimeSinceSuccess == "" {
		t.Error("TimeSinceSuccess should be set")
	}
}
