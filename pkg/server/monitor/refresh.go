// Package monitor tracks background health for the /v1/health and
// /v1/storage endpoints.
package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/vitals/pkg/refresh"
)

// MaxConsecutiveFailures is the number of failed cycles tolerated before
// health reports degraded
const MaxConsecutiveFailures = 3

// RefreshMonitor tracks recompute cycle outcomes.
//
// Unlike a scheduled job, a cycle only runs after an import, so silence is
// not a failure: a monitor that has seen no cycle is healthy.
type RefreshMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastImport        string
	consecutiveErrors int
	lastError         string
	cycles            int
	now               func() time.Time
}

// NewRefreshMonitor creates a monitor
func NewRefreshMonitor() *RefreshMonitor {
	return &RefreshMonitor{now: time.Now}
}

// Observe records terminal handle snapshots. It can be chained into
// refresh.Options.Observer.
func (rm *RefreshMonitor) Observe(info refresh.Info) {
	switch info.Status {
	case refresh.Done:
		rm.RecordSuccess(info.ImportID)
	case refresh.Failed:
		rm.RecordFailure(info.Error)
	}
}

// RecordSuccess records a completed cycle
func (rm *RefreshMonitor) RecordSuccess(importID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := rm.now()
	rm.lastSuccess = now
	rm.lastAttempt = now
	rm.lastImport = importID
	rm.consecutiveErrors = 0
	rm.lastError = ""
	rm.cycles++
}

// RecordFailure records a failed cycle
func (rm *RefreshMonitor) RecordFailure(msg string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastAttempt = rm.now()
	rm.consecutiveErrors++
	rm.lastError = msg
	rm.cycles++
}

// IsHealthy reports false after more than MaxConsecutiveFailures failed
// cycles in a row
func (rm *RefreshMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.healthyLocked()
}

func (rm *RefreshMonitor) healthyLocked() bool {
	return rm.consecutiveErrors <= MaxConsecutiveFailures
}

// RefreshStatus is the refresh section of the health response
type RefreshStatus struct {
	Healthy           bool   `json:"healthy"`
	Cycles            int    `json:"cycles"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastImport        string `json:"last_import,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current refresh status
func (rm *RefreshMonitor) Status() RefreshStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RefreshStatus{
		Healthy:    rm.healthyLocked(),
		Cycles:     rm.cycles,
		LastImport: rm.lastImport,
	}

	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = rm.now().Sub(rm.lastSuccess).Round(time.Second).String()
	}
	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}
	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}

	return status
}
