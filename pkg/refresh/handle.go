package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nicktill/vitals/pkg/calculator"
)

// Status is the lifecycle state of a refresh job
type Status int

const (
	Pending Status = iota
	Running
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = Pending
	case "running":
		*s = Running
	case "done":
		*s = Done
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown refresh status %q", b)
	}
	return nil
}

// Terminal reports whether the job has finished
func (s Status) Terminal() bool {
	return s == Done || s == Failed
}

// Handle tracks one refresh job. Coalesced requests share a handle.
type Handle struct {
	id   string
	done chan struct{}

	mu         sync.Mutex
	importID   string
	seq        uint64
	manual     bool
	status     Status
	progress   float64
	err        error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	manifest   *calculator.Manifest
	cancel     context.CancelFunc
	stopped    bool
}

func newHandle(id, importID string, seq uint64, manual bool, now time.Time) *Handle {
	return &Handle{
		id:        id,
		done:      make(chan struct{}),
		importID:  importID,
		seq:       seq,
		manual:    manual,
		createdAt: now,
	}
}

// ID returns the handle's unique ID
func (h *Handle) ID() string { return h.id }

// ImportID returns the import the job computes against. It changes while the
// job is pending if a newer import is coalesced into it.
func (h *Handle) ImportID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.importID
}

// Progress returns the completed fraction, 0.0 to 1.0
func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the failure cause of a Failed job
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Manifest returns the calculator manifest of a finished job, if any
func (h *Handle) Manifest() *calculator.Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest
}

// Done is closed when the job finishes
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done. It returns the job's
// error, or ctx's.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) retarget(importID string, seq uint64, manual bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq <= h.seq {
		return
	}
	h.importID = importID
	h.seq = seq
	h.manual = manual
}

func (h *Handle) start(now time.Time, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = Running
	h.startedAt = now
	h.cancel = cancel
	if h.stopped {
		cancel()
	}
}

func (h *Handle) setProgress(p float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p > h.progress {
		h.progress = p
	}
}

// finish moves the handle to a terminal state. Later calls are ignored.
// Done is closed separately by release.
func (h *Handle) finish(now time.Time, m *calculator.Manifest, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.finishedAt = now
	h.manifest = m
	h.cancel = nil
	if err != nil {
		h.status = Failed
		h.err = err
	} else {
		h.status = Done
		h.progress = 1.0
	}
	return true
}

func (h *Handle) release() {
	close(h.done)
}

func (h *Handle) stop() {
	h.mu.Lock()
	h.stopped = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Info is a point-in-time view of a handle
type Info struct {
	ID         string     `json:"id"`
	ImportID   string     `json:"import_id"`
	Manual     bool       `json:"manual,omitempty"`
	Status     Status     `json:"status"`
	Progress   float64    `json:"progress"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Completed  int        `json:"completed_keys"`
	Skipped    int        `json:"skipped_keys"`
	Total      int        `json:"total_keys"`
}

// Info snapshots the handle
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := Info{
		ID:        h.id,
		ImportID:  h.importID,
		Manual:    h.manual,
		Status:    h.status,
		Progress:  h.progress,
		CreatedAt: h.createdAt,
	}
	if h.err != nil {
		info.Error = h.err.Error()
	}
	if !h.startedAt.IsZero() {
		t := h.startedAt
		info.StartedAt = &t
	}
	if !h.finishedAt.IsZero() {
		t := h.finishedAt
		info.FinishedAt = &t
	}
	if h.manifest != nil {
		info.Completed = len(h.manifest.Completed)
		info.Skipped = len(h.manifest.Skipped)
		info.Total = h.manifest.Total
	}
	return info
}

func (h *Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Info())
}
