// Package refresh runs summary recomputation on a single background worker.
//
// Requests land in a one-slot pending queue. A request arriving while a job
// is already pending is merged into it: the pending job is retargeted at the
// newer import and every caller shares its Handle. A request arriving while
// a job runs waits in the slot for the next cycle.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/vitals/pkg/cache"
	"github.com/nicktill/vitals/pkg/calculator"
	"github.com/nicktill/vitals/pkg/summary"
)

// ErrStopped is returned for requests made after Stop
var ErrStopped = errors.New("refresh coordinator stopped")

// ErrAlreadyCompleted is returned when an import that is already registered
// as completed is announced again and no cycle for it is known
var ErrAlreadyCompleted = errors.New("import already completed")

// handleHistory is the number of finished handles kept for lookup
const handleHistory = 64

// Calculator computes every series
type Calculator interface {
	ComputeAll(ctx context.Context, opts calculator.RunOptions) (*calculator.Manifest, error)
}

// Cache is the part of the cache manager the coordinator writes through
type Cache interface {
	RecordImport(ctx context.Context, batch summary.ImportBatch) (summary.ImportBatch, error)
	Import(ctx context.Context, importID string) (summary.ImportBatch, error)
	LatestImport(ctx context.Context) (summary.ImportBatch, bool, error)
	PutBatch(ctx context.Context, importID string, key summary.MetricKey, records []summary.Record) error
	Invalidate(ctx context.Context, importID string) (int, error)
	Current(key summary.MetricKey) (string, bool)
	MarkComputing(key summary.MetricKey)
	AbortComputing(key summary.MetricKey)
}

// Observer receives a snapshot of a handle on every status or progress
// change. It is called from the worker and from requesting goroutines, and
// must not block.
type Observer func(Info)

// Options configures a Coordinator
type Options struct {
	// CoalesceWindow delays pickup after a wake-up so bursts collapse into
	// one job
	CoalesceWindow time.Duration

	// Timeout bounds one cycle. Zero means no bound.
	Timeout time.Duration

	Observer   Observer
	Registerer prometheus.Registerer
	Logger     *log.Logger
}

// Coordinator owns the refresh worker
type Coordinator struct {
	calc     Calculator
	cache    Cache
	window   time.Duration
	timeout  time.Duration
	observer Observer
	metrics  *metrics
	logger   *log.Logger
	history  *lru.Cache[string, *Handle]
	byImport *lru.Cache[string, *Handle] // latest handle scheduled per import

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	announce sync.Mutex // serializes completion announcements

	mu       sync.Mutex
	pending  *Handle
	running  *Handle
	started  bool
	stopped  bool
	resume   *calculator.Manifest // aborted run, keyed by resumeID
	resumeID string
}

// New creates a coordinator. Call Start to run the worker.
func New(calc Calculator, c Cache, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	history, _ := lru.New[string, *Handle](handleHistory)
	byImport, _ := lru.New[string, *Handle](handleHistory)

	return &Coordinator{
		calc:     calc,
		cache:    c,
		window:   opts.CoalesceWindow,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		metrics:  newMetrics(opts.Registerer),
		logger:   logger.WithPrefix("refresh"),
		history:  history,
		byImport: byImport,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Start launches the worker. It stops when ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop cancels the running job, fails the pending one and waits for the
// worker to exit
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pending := c.pending
	c.pending = nil
	running := c.running
	c.mu.Unlock()

	close(c.quit)
	if running != nil {
		running.stop()
	}
	c.wg.Wait()

	if pending != nil {
		c.finish(pending, nil, &summary.RecomputeAbortedError{Err: summary.ErrCancelled})
	}
}

// NotifyImportCompleted marks importID completed and schedules a refresh.
// Announcing an import twice schedules one cycle, see OnImportCompleted.
func (c *Coordinator) NotifyImportCompleted(ctx context.Context, importID string, recordCount int64) (*Handle, error) {
	now := time.Now()
	batch, err := c.cache.Import(ctx, importID)
	if err != nil {
		batch = summary.ImportBatch{ImportID: importID, StartedAt: now}
	}
	batch.Status = summary.ImportCompleted
	batch.CompletedAt = now
	batch.RecordCount = recordCount

	return c.OnImportCompleted(ctx, batch)
}

// OnImportCompleted registers a completed batch and schedules a refresh
func (c *Coordinator) OnImportCompleted(ctx context.Context, batch summary.ImportBatch) (*Handle, error) {
	if batch.ImportID == "" {
		return nil, errors.New("import id is required")
	}
	if !batch.Completed() {
		return nil, fmt.Errorf("%w: %s is %s", summary.ErrUnknownImport, batch.ImportID, batch.Status)
	}

	c.announce.Lock()
	defer c.announce.Unlock()

	if existing, err := c.cache.Import(ctx, batch.ImportID); err == nil && existing.Completed() {
		return c.reannounced(existing)
	}

	saved, err := c.cache.RecordImport(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to register import %s: %w", batch.ImportID, err)
	}

	c.logger.Info("import completed", "import", saved.ImportID, "seq", saved.Seq, "records", saved.RecordCount)
	return c.enqueue(saved.ImportID, saved.Seq, false)
}

// reannounced handles a completion for a batch already registered as
// completed. A queued, running or finished cycle is returned as is. Only a
// failed cycle is scheduled again, resuming where it stopped.
func (c *Coordinator) reannounced(batch summary.ImportBatch) (*Handle, error) {
	h, ok := c.byImport.Get(batch.ImportID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, batch.ImportID)
	}
	if h.Status() != Failed {
		c.metrics.coalesced.Inc()
		c.logger.Debug("duplicate import completion", "import", batch.ImportID, "id", h.ID(), "status", h.Status())
		return h, nil
	}

	c.logger.Info("retrying failed refresh", "import", batch.ImportID, "previous", h.ID())
	return c.enqueue(batch.ImportID, batch.Seq, false)
}

// RequestManualRefresh schedules a refresh against a freshly minted batch.
// The batch carries over the latest import's record count.
func (c *Coordinator) RequestManualRefresh(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		// computing against the pending import already picks up all data
		c.metrics.coalesced.Inc()
		return pending, nil
	}

	latest, _, err := c.cache.LatestImport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest import: %w", err)
	}

	now := time.Now()
	saved, err := c.cache.RecordImport(ctx, summary.ImportBatch{
		ImportID:    "manual-" + uuid.NewString(),
		StartedAt:   now,
		CompletedAt: now,
		RecordCount: latest.RecordCount,
		Status:      summary.ImportCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register manual batch: %w", err)
	}

	c.logger.Info("manual refresh requested", "import", saved.ImportID)
	return c.enqueue(saved.ImportID, saved.Seq, true)
}

// Cancel stops a job. A pending job is removed and fails immediately; a
// running job stops before its next key.
func (c *Coordinator) Cancel(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	switch h {
	case c.pending:
		c.pending = nil
		c.mu.Unlock()
		c.logger.Info("pending refresh cancelled", "id", h.ID())
		c.finish(h, nil, &summary.RecomputeAbortedError{Err: summary.ErrCancelled})
	case c.running:
		c.mu.Unlock()
		c.logger.Info("running refresh cancelled", "id", h.ID())
		h.stop()
	default:
		c.mu.Unlock()
	}
}

// Running reports whether a cycle is in progress
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}

// Current returns the running job, else the pending one, else nil
func (c *Coordinator) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running != nil {
		return c.running
	}
	return c.pending
}

// Lookup finds a recent handle by ID
func (c *Coordinator) Lookup(id string) (*Handle, bool) {
	return c.history.Get(id)
}

// enqueue schedules a cycle for importID. A pending job is shared, and is
// retargeted only when seq is newer than the import it already targets.
func (c *Coordinator) enqueue(importID string, seq uint64, manual bool) (*Handle, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}

	if c.pending != nil {
		h := c.pending
		h.retarget(importID, seq, manual)
		c.mu.Unlock()

		c.byImport.Add(importID, h)
		c.metrics.coalesced.Inc()
		c.logger.Debug("request coalesced into pending job", "id", h.ID(), "import", importID)
		c.notify(h)
		return h, nil
	}

	h := newHandle(uuid.NewString(), importID, seq, manual, time.Now())
	c.pending = h
	c.mu.Unlock()

	c.history.Add(h.ID(), h)
	c.byImport.Add(importID, h)
	c.notify(h)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return h, nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.drain(ctx.Err())
			return
		case <-c.quit:
			return
		case <-c.wake:
		}

		if c.window > 0 {
			timer := time.NewTimer(c.window)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.drain(ctx.Err())
				return
			case <-c.quit:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		c.mu.Lock()
		h := c.pending
		c.pending = nil
		if h != nil {
			c.running = h
		}
		c.mu.Unlock()

		if h == nil {
			continue
		}
		c.run(ctx, h)

		c.mu.Lock()
		c.running = nil
		again := c.pending != nil
		c.mu.Unlock()

		// a request that arrived mid-cycle already consumed its wake-up
		if again {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
}

// drain fails the pending job when the worker's context ends
func (c *Coordinator) drain(cause error) {
	c.mu.Lock()
	h := c.pending
	c.pending = nil
	c.mu.Unlock()
	if h != nil {
		c.finish(h, nil, &summary.RecomputeAbortedError{Err: fmt.Errorf("%w: %v", summary.ErrCancelled, cause)})
	}
}

func (c *Coordinator) run(ctx context.Context, h *Handle) {
	importID := h.ImportID()
	start := time.Now()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	h.start(start, cancel)
	c.metrics.running.Set(1)
	defer c.metrics.running.Set(0)
	c.notify(h)
	c.logger.Info("recompute started", "id", h.ID(), "import", importID)

	c.mu.Lock()
	var resume *calculator.Manifest
	if c.resumeID == importID {
		resume = c.resume
	}
	c.mu.Unlock()

	sink := &cacheSink{cache: c.cache, importID: importID}
	m, err := c.calc.ComputeAll(runCtx, calculator.RunOptions{
		Sink:   sink,
		Resume: resume,
		Progress: func(p float64) {
			h.setProgress(p)
			c.notify(h)
		},
	})

	if m == nil {
		// discovery failed; no key was touched
		c.logger.Error("recompute failed", "id", h.ID(), "import", importID, "err", err)
		c.record("failed", start)
		c.finish(h, nil, err)
		return
	}

	work := context.WithoutCancel(ctx)
	c.confirm(importID, m)
	if _, ierr := c.cache.Invalidate(work, importID); ierr != nil {
		c.logger.Warn("invalidation failed, superseded snapshots kept", "import", importID, "err", ierr)
	}

	c.mu.Lock()
	if err != nil {
		c.resume, c.resumeID = m, importID
	} else if c.resumeID == importID {
		c.resume, c.resumeID = nil, ""
	}
	c.mu.Unlock()

	var aborted *summary.RecomputeAbortedError
	switch {
	case errors.As(err, &aborted) && errors.Is(err, summary.ErrTimeout):
		c.logger.Warn("recompute timed out", "id", h.ID(), "completed", aborted.Completed, "remaining", aborted.Remaining)
		c.record("timeout", start)
	case err != nil:
		c.logger.Warn("recompute stopped", "id", h.ID(), "err", err)
		c.record("cancelled", start)
	default:
		c.logger.Info("recompute finished", "id", h.ID(), "import", importID,
			"keys", m.Total, "skipped", len(m.Skipped), "elapsed", time.Since(start).Round(time.Millisecond))
		c.record("done", start)
	}
	c.finish(h, m, err)
}

// confirm checks that every completed series is readable at importID
func (c *Coordinator) confirm(importID string, m *calculator.Manifest) {
	for _, r := range m.Completed {
		for _, u := range summary.Units {
			key := r.Series.WithUnit(u)
			if cur, ok := c.cache.Current(key); !ok || cur != importID {
				c.logger.Warn("completed key not current", "key", key.String(), "current", cur, "import", importID)
			}
		}
	}
}

func (c *Coordinator) record(outcome string, start time.Time) {
	c.metrics.cycles.WithLabelValues(outcome).Inc()
	c.metrics.duration.Observe(time.Since(start).Seconds())
}

func (c *Coordinator) finish(h *Handle, m *calculator.Manifest, err error) {
	if h.finish(time.Now(), m, err) {
		c.notify(h)
		h.release()
	}
}

func (c *Coordinator) notify(h *Handle) {
	if c.observer != nil {
		c.observer(h.Info())
	}
}

// cacheSink writes each computed series through the cache manager
type cacheSink struct {
	cache    Cache
	importID string
}

func (s *cacheSink) Begin(series summary.SeriesKey) {
	for _, u := range summary.Units {
		s.cache.MarkComputing(series.WithUnit(u))
	}
}

func (s *cacheSink) Commit(ctx context.Context, series summary.SeriesKey, records map[summary.BucketUnit][]summary.Record) error {
	for i, u := range summary.Units {
		key := series.WithUnit(u)
		err := s.cache.PutBatch(ctx, s.importID, key, records[u])
		if errors.Is(err, cache.ErrSnapshotCurrent) || errors.Is(err, cache.ErrSuperseded) {
			s.cache.AbortComputing(key)
			continue
		}
		if err != nil {
			for _, rest := range summary.Units[i:] {
				s.cache.AbortComputing(series.WithUnit(rest))
			}
			return err
		}
	}
	return nil
}

func (s *cacheSink) Fail(series summary.SeriesKey, _ error) {
	for _, u := range summary.Units {
		s.cache.AbortComputing(series.WithUnit(u))
	}
}
