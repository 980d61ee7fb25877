package calculator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/summary"
)

// Calculator computes day, week and month statistics from the Raw Store
type Calculator struct {
	raw            rawstore.Reader
	loc            *time.Location
	materializeAll bool
	logger         *log.Logger
}

// Options configures a Calculator
type Options struct {
	// Location defines calendar days. Defaults to UTC.
	Location *time.Location

	// MaterializeAllSources adds one ALL-source series per metric type to
	// ComputeAll.
	MaterializeAllSources bool

	Logger *log.Logger
}

// New creates a calculator reading from raw
func New(raw rawstore.Reader, opts Options) *Calculator {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Calculator{
		raw:            raw,
		loc:            loc,
		materializeAll: opts.MaterializeAllSources,
		logger:         logger.WithPrefix("calculator"),
	}
}

// DiscoverMetrics returns the distinct (type, source) pairs in the Raw Store.
// An empty store yields an empty, non-nil slice.
func (c *Calculator) DiscoverMetrics(ctx context.Context) ([]summary.SeriesKey, error) {
	series, err := c.raw.Series(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover metrics: %w", err)
	}
	if series == nil {
		series = []summary.SeriesKey{}
	}
	return series, nil
}

// Keys returns every series ComputeAll materializes: the discovered pairs,
// each metric type followed by its ALL series when enabled.
func (c *Calculator) Keys(ctx context.Context) ([]summary.SeriesKey, error) {
	discovered, err := c.DiscoverMetrics(ctx)
	if err != nil {
		return nil, err
	}
	if !c.materializeAll {
		return discovered, nil
	}

	keys := make([]summary.SeriesKey, 0, len(discovered)+8)
	for i, s := range discovered {
		// a raw source literally named ALL is served by the aggregate
		if !s.IsAll() {
			keys = append(keys, s)
		}
		last := i == len(discovered)-1 || discovered[i+1].MetricType != s.MetricType
		if last {
			keys = append(keys, summary.SeriesKey{MetricType: s.MetricType, Source: summary.SourceAll})
		}
	}
	return keys, nil
}

// ComputeDaily groups a series by calendar day
func (c *Calculator) ComputeDaily(ctx context.Context, series summary.SeriesKey, rng summary.DateRange) ([]summary.Record, error) {
	return c.computeUnit(ctx, series, rng, summary.Day)
}

// ComputeWeekly groups a series by ISO week
func (c *Calculator) ComputeWeekly(ctx context.Context, series summary.SeriesKey, rng summary.DateRange) ([]summary.Record, error) {
	return c.computeUnit(ctx, series, rng, summary.Week)
}

// ComputeMonthly groups a series by calendar month. Records keep variance.
func (c *Calculator) ComputeMonthly(ctx context.Context, series summary.SeriesKey, rng summary.DateRange) ([]summary.Record, error) {
	return c.computeUnit(ctx, series, rng, summary.Month)
}

// Compute dispatches on the unit of key
func (c *Calculator) Compute(ctx context.Context, key summary.MetricKey, rng summary.DateRange) ([]summary.Record, error) {
	return c.computeUnit(ctx, key.Series(), rng, key.Unit)
}

func (c *Calculator) computeUnit(ctx context.Context, series summary.SeriesKey, rng summary.DateRange, unit summary.BucketUnit) ([]summary.Record, error) {
	out, err := c.ComputeSeries(ctx, series, rng, unit)
	if err != nil {
		return nil, err
	}
	return out[unit], nil
}

// ComputeSeries scans the series once and produces records for each unit.
// The range is widened per unit to whole buckets.
func (c *Calculator) ComputeSeries(ctx context.Context, series summary.SeriesKey, rng summary.DateRange, units ...summary.BucketUnit) (map[summary.BucketUnit][]summary.Record, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if len(units) == 0 {
		units = summary.Units
	}

	groups := make([]*buckets, 0, len(units))
	scan := rawstore.ScanRequest{MetricType: series.MetricType, Source: series.Source}
	var from, to time.Time
	for _, u := range units {
		b := newBuckets(u, rng)
		groups = append(groups, b)
		if !b.rng.From.IsZero() && (from.IsZero() || b.rng.From.Before(from)) {
			from = b.rng.From
		}
		if !b.rng.To.IsZero() && b.rng.To.After(to) {
			to = b.rng.To
		}
	}
	if !rng.From.IsZero() {
		scan.Start = c.startOfDay(from)
	}
	if !rng.To.IsZero() {
		scan.End = c.startOfDay(to.AddDate(0, 0, 1))
	}

	err := c.raw.Scan(ctx, scan, func(r rawstore.Record) error {
		v, err := parseValue(r.Value)
		if err != nil {
			return &summary.ComputationError{
				Series: series,
				Err:    fmt.Errorf("record at %s: %w", r.Start.Format(time.RFC3339), err),
			}
		}
		day := summary.CivilDate(r.Start, c.loc)
		for _, b := range groups {
			b.add(day, v)
		}
		return nil
	})
	if err != nil {
		var cerr *summary.ComputationError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan %s: %w", series, err)
	}

	out := make(map[summary.BucketUnit][]summary.Record, len(groups))
	for _, b := range groups {
		out[b.unit] = b.records(series)
	}
	return out, nil
}

// startOfDay converts a civil date to the instant it begins in the
// calculator's zone
func (c *Calculator) startOfDay(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
}

func parseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}
