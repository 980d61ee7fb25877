package calculator

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/vitals/pkg/summary"
)

// Manifest records the outcome of one ComputeAll run
type Manifest struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Total is the number of keys the run set out to compute
	Total int `json:"total"`

	Completed []KeyResult  `json:"completed"`
	Skipped   []KeySkipped `json:"skipped,omitempty"`

	// Aborted is set when cancellation or the deadline stopped the run
	// between keys
	Aborted bool `json:"aborted,omitempty"`
}

// KeyResult lists the buckets produced for one series
type KeyResult struct {
	Series  summary.SeriesKey                       `json:"series"`
	Buckets map[summary.BucketUnit]int              `json:"buckets"`
	Records map[summary.BucketUnit][]summary.Record `json:"-"`
}

// KeySkipped is a series that failed and kept its prior snapshot
type KeySkipped struct {
	Series summary.SeriesKey `json:"series"`
	Error  string            `json:"error"`
}

// Empty reports whether nothing was discovered
func (m *Manifest) Empty() bool {
	return m.Total == 0
}

// Done reports whether series completed in this run
func (m *Manifest) Done(series summary.SeriesKey) bool {
	for _, r := range m.Completed {
		if r.Series == series {
			return true
		}
	}
	return false
}

// Sink receives each series' records as soon as they are computed. It is the
// seam the refresh coordinator writes through.
type Sink interface {
	// Begin is called before series is computed.
	Begin(series summary.SeriesKey)

	// Commit persists the records of a computed series. It runs on a context
	// that is not cancelled by the run's cancellation.
	Commit(ctx context.Context, series summary.SeriesKey, records map[summary.BucketUnit][]summary.Record) error

	// Fail is called when series is skipped.
	Fail(series summary.SeriesKey, err error)
}

// RunOptions configures ComputeAll
type RunOptions struct {
	// Sink receives computed records. Optional.
	Sink Sink

	// Progress receives the completed fraction (0.0-1.0) after each key.
	Progress func(fraction float64)

	// Resume skips keys a previous manifest completed.
	Resume *Manifest

	// KeepRecords retains computed records in the manifest.
	KeepRecords bool
}

// ComputeAll computes every discovered series. Per-key failures are logged
// and skipped. Cancellation and deadlines are honored only between keys; an
// in-flight key always finishes.
func (c *Calculator) ComputeAll(ctx context.Context, opts RunOptions) (*Manifest, error) {
	m := &Manifest{StartedAt: time.Now(), Completed: []KeyResult{}}

	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	m.Total = len(keys)

	progress := opts.Progress
	if progress == nil {
		progress = func(float64) {}
	}
	if len(keys) == 0 {
		m.FinishedAt = time.Now()
		progress(1.0)
		c.logger.Info("nothing to compute, raw store is empty")
		return m, nil
	}

	work := context.WithoutCancel(ctx)
	for i, series := range keys {
		if err := ctx.Err(); err != nil {
			m.Aborted = true
			m.FinishedAt = time.Now()
			cause := summary.ErrCancelled
			if errors.Is(err, context.DeadlineExceeded) {
				cause = summary.ErrTimeout
			}
			c.logger.Warn("compute aborted", "completed", i, "remaining", len(keys)-i, "cause", cause)
			return m, &summary.RecomputeAbortedError{Completed: i, Remaining: len(keys) - i, Err: cause}
		}

		if opts.Resume != nil && opts.Resume.Done(series) {
			m.Completed = append(m.Completed, KeyResult{Series: series})
			progress(float64(i+1) / float64(len(keys)))
			continue
		}

		start := time.Now()
		result, err := c.computeKey(work, series, opts.Sink)
		if err != nil {
			c.logger.Warn("skipping series", "series", series.String(), "err", err)
			m.Skipped = append(m.Skipped, KeySkipped{Series: series, Error: err.Error()})
			if opts.Sink != nil {
				opts.Sink.Fail(series, err)
			}
		} else {
			if !opts.KeepRecords {
				result.Records = nil
			}
			m.Completed = append(m.Completed, result)
			c.logger.Debug("series computed", "series", series.String(),
				"days", result.Buckets[summary.Day], "elapsed", time.Since(start).Round(time.Millisecond))
		}
		progress(float64(i+1) / float64(len(keys)))
	}

	m.FinishedAt = time.Now()
	c.logger.Info("compute finished", "keys", m.Total, "completed", len(m.Completed),
		"skipped", len(m.Skipped), "elapsed", m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))
	return m, nil
}

func (c *Calculator) computeKey(ctx context.Context, series summary.SeriesKey, sink Sink) (KeyResult, error) {
	if sink != nil {
		sink.Begin(series)
	}

	records, err := c.ComputeSeries(ctx, series, summary.All)
	if err != nil {
		return KeyResult{}, err
	}

	if sink != nil {
		if err := sink.Commit(ctx, series, records); err != nil {
			return KeyResult{}, err
		}
	}

	counts := make(map[summary.BucketUnit]int, len(records))
	for u, rs := range records {
		counts[u] = len(rs)
	}
	return KeyResult{Series: series, Buckets: counts, Records: records}, nil
}
