// Package query is the read path dashboards use. Summaries are served from
// the cache; a key that was never materialized is computed from the Raw
// Store on demand.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/vitals/pkg/cache"
	"github.com/nicktill/vitals/pkg/summary"
)

// DefaultFallbackTimeout bounds one compute-on-demand
const DefaultFallbackTimeout = 10 * time.Second

// Querier returns the summary records of one series. Records are in
// ascending date order and never zero-filled: a period without data has
// no record. summary.ErrNotFound means the whole range has no data.
type Querier interface {
	Query(ctx context.Context, metricType, source string, unit summary.BucketUnit, from, to time.Time) ([]summary.Record, error)
}

// Calculator computes one metric key from raw data
type Calculator interface {
	Compute(ctx context.Context, key summary.MetricKey, rng summary.DateRange) ([]summary.Record, error)
}

// Cache is the read side of the cache manager
type Cache interface {
	GetRange(ctx context.Context, key summary.MetricKey, rng summary.DateRange) ([]summary.Record, error)
}

// Options configures a Service
type Options struct {
	// FallbackTimeout bounds compute-on-demand. Defaults to
	// DefaultFallbackTimeout.
	FallbackTimeout time.Duration

	Registerer prometheus.Registerer
	Logger     *log.Logger
}

// Service implements Querier over the cache with a compute fallback
type Service struct {
	cache    Cache
	calc     Calculator
	timeout  time.Duration
	group    singleflight.Group
	degraded prometheus.Counter
	logger   *log.Logger
}

var _ Querier = (*Service)(nil)

// NewService creates a query service
func NewService(c Cache, calc Calculator, opts Options) *Service {
	timeout := opts.FallbackTimeout
	if timeout <= 0 {
		timeout = DefaultFallbackTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Service{
		cache:   c,
		calc:    calc,
		timeout: timeout,
		degraded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vitals_query_fallback_total",
			Help: "Queries answered by computing from the raw store",
		}),
		logger: logger.WithPrefix("query"),
	}
}

// Query implements Querier
func (s *Service) Query(ctx context.Context, metricType, source string, unit summary.BucketUnit, from, to time.Time) ([]summary.Record, error) {
	if metricType == "" {
		return nil, errors.New("metric type is required")
	}
	if source == "" {
		source = summary.SourceAll
	}
	if !slices.Contains(summary.Units, unit) {
		return nil, fmt.Errorf("unknown bucket unit %q", unit)
	}

	key := summary.MetricKey{MetricType: metricType, Source: source, Unit: unit}
	rng := summary.NewDateRange(from, to)
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	records, err := s.cache.GetRange(ctx, key, rng)
	switch {
	case err == nil:
		return records, nil
	case errors.Is(err, cache.ErrMiss):
		return s.fallback(ctx, key, rng, err)
	default:
		return nil, err
	}
}

// fallback computes key from raw data without persisting the result.
// Concurrent identical requests share one computation.
func (s *Service) fallback(ctx context.Context, key summary.MetricKey, rng summary.DateRange, cause error) ([]summary.Record, error) {
	flight := key.String() + "|" + rangeString(rng)

	ch := s.group.DoChan(flight, func() (any, error) {
		s.degraded.Inc()
		s.logger.Warn("degraded read, computing from raw store", "key", key.String(),
			"range", rangeString(rng), "cause", cause)

		// shared by every waiter, so detached from any one caller
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.calc.Compute(cctx, key, rng)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("compute %s: %w", key, res.Err)
		}
		records := res.Val.([]summary.Record)
		if len(records) == 0 {
			return nil, summary.ErrNotFound
		}
		return records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func rangeString(rng summary.DateRange) string {
	from, to := "*", "*"
	if !rng.From.IsZero() {
		from = rng.From.Format(summary.DateLayout)
	}
	if !rng.To.IsZero() {
		to = rng.To.Format(summary.DateLayout)
	}
	return from + ".." + to
}
