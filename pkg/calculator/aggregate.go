package calculator

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/nicktill/vitals/pkg/summary"
)

// buckets groups values of one series at one granularity by bucket start
type buckets struct {
	unit   summary.BucketUnit
	rng    summary.DateRange // aligned to unit
	values map[time.Time][]float64
}

func newBuckets(unit summary.BucketUnit, rng summary.DateRange) *buckets {
	return &buckets{
		unit:   unit,
		rng:    rng.Align(unit),
		values: make(map[time.Time][]float64),
	}
}

// add places v in the bucket of civil date day, if the day is in range
func (b *buckets) add(day time.Time, v float64) {
	if !b.rng.From.IsZero() && day.Before(b.rng.From) {
		return
	}
	if !b.rng.To.IsZero() && day.After(b.rng.To) {
		return
	}
	start := b.unit.Start(day)
	b.values[start] = append(b.values[start], v)
}

// records converts the buckets into summary records in ascending date order.
// Buckets without values never exist, so nothing is zero-filled.
func (b *buckets) records(series summary.SeriesKey) []summary.Record {
	dates := make([]time.Time, 0, len(b.values))
	for d := range b.values {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	key := series.WithUnit(b.unit)
	out := make([]summary.Record, 0, len(dates))
	for _, d := range dates {
		out = append(out, summary.Record{
			CacheKey:   summary.CacheKey{MetricKey: key, Date: d}.String(),
			MetricType: series.MetricType,
			Source:     series.Source,
			Unit:       b.unit,
			Date:       d,
			Stats:      statistics(b.values[d], b.unit == summary.Month),
		})
	}
	return out
}

// statistics computes the aggregate of one non-empty bucket.
// Population variance; mean is Sum/Count.
func statistics(values []float64, keepVariance bool) summary.Statistics {
	sum := floats.Sum(values)
	n := len(values)
	_, variance := stat.PopMeanVariance(values, nil)
	if variance < 0 || math.IsNaN(variance) {
		variance = 0
	}

	s := summary.Statistics{
		Sum:    sum,
		Mean:   sum / float64(n),
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Count:  int64(n),
		StdDev: math.Sqrt(variance),
	}
	if keepVariance {
		v := variance
		s.Variance = &v
	}
	return s
}
