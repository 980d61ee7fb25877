package summary

import (
	"fmt"
	"strings"
	"time"
)

// SourceAll is the sentinel source of the series aggregated across every
// source of a metric type. It is materialized separately, not summed at
// query time.
const SourceAll = "ALL"

// DateLayout is the civil date format used in cache keys and on the wire.
const DateLayout = "2006-01-02"

// BucketUnit is the aggregation granularity of a materialized series.
type BucketUnit string

const (
	Day   BucketUnit = "day"
	Week  BucketUnit = "week"  // ISO week, Monday start
	Month BucketUnit = "month" // calendar month
)

// Units lists every bucket unit in materialization order.
var Units = []BucketUnit{Day, Week, Month}

// ParseBucketUnit accepts the unit names used by the HTTP API.
func ParseBucketUnit(s string) (BucketUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily", "d":
		return Day, nil
	case "week", "weekly", "w":
		return Week, nil
	case "month", "monthly", "m":
		return Month, nil
	}
	return "", fmt.Errorf("unknown bucket unit %q", s)
}

// Start returns the first civil day of the bucket containing d.
// d must already be a civil date (see CivilDate).
func (u BucketUnit) Start(d time.Time) time.Time {
	switch u {
	case Week:
		offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
		return d.AddDate(0, 0, -offset)
	case Month:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

// Next returns the first civil day of the bucket following the one that
// starts at start.
func (u BucketUnit) Next(start time.Time) time.Time {
	switch u {
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// CivilDate returns the calendar day of t in loc, expressed as midnight UTC.
// All bucket dates use this representation so they compare and sort
// independently of the zone they were computed in.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// SeriesKey identifies one (metric type, source) pair in the Raw Store.
type SeriesKey struct {
	MetricType string `json:"metric_type"`
	Source     string `json:"source"`
}

func (s SeriesKey) String() string {
	return s.MetricType + "|" + s.Source
}

// IsAll reports whether the series is the across-sources aggregate.
func (s SeriesKey) IsAll() bool {
	return s.Source == SourceAll
}

// WithUnit returns the metric key of this series at the given granularity.
func (s SeriesKey) WithUnit(u BucketUnit) MetricKey {
	return MetricKey{MetricType: s.MetricType, Source: s.Source, Unit: u}
}

// MetricKey identifies one materialized series.
type MetricKey struct {
	MetricType string     `json:"metric_type"`
	Source     string     `json:"source"`
	Unit       BucketUnit `json:"unit"`
}

func (k MetricKey) String() string {
	return k.MetricType + "|" + k.Source + "|" + string(k.Unit)
}

// Series drops the unit.
func (k MetricKey) Series() SeriesKey {
	return SeriesKey{MetricType: k.MetricType, Source: k.Source}
}

// CacheKey addresses one bucket of one materialized series.
type CacheKey struct {
	MetricKey
	Date time.Time
}

// NewCacheKey builds the cache key for a bucket. date is normalized to the
// start of its bucket.
func NewCacheKey(key MetricKey, date time.Time) CacheKey {
	return CacheKey{MetricKey: key, Date: key.Unit.Start(CivilDate(date, time.UTC))}
}

func (c CacheKey) String() string {
	return c.MetricKey.String() + "|" + c.Date.Format(DateLayout)
}

// DateRange is an inclusive range of civil dates. A zero From or To leaves
// that side unbounded.
type DateRange struct {
	From time.Time
	To   time.Time
}

// All is the unbounded range.
var All = DateRange{}

// NewDateRange normalizes from and to to civil dates.
func NewDateRange(from, to time.Time) DateRange {
	var r DateRange
	if !from.IsZero() {
		r.From = CivilDate(from, time.UTC)
	}
	if !to.IsZero() {
		r.To = CivilDate(to, time.UTC)
	}
	return r
}

// Validate rejects inverted ranges.
func (r DateRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return fmt.Errorf("date range inverted: %s after %s",
			r.From.Format(DateLayout), r.To.Format(DateLayout))
	}
	return nil
}

// Align widens the range outward to whole buckets of unit u.
func (r DateRange) Align(u BucketUnit) DateRange {
	out := r
	if !r.From.IsZero() {
		out.From = u.Start(r.From)
	}
	if !r.To.IsZero() {
		out.To = u.Next(u.Start(r.To)).AddDate(0, 0, -1)
	}
	return out
}

// Overlaps reports whether the bucket of unit u starting at start shares at
// least one day with r.
func (r DateRange) Overlaps(u BucketUnit, start time.Time) bool {
	if !r.To.IsZero() && start.After(r.To) {
		return false
	}
	if !r.From.IsZero() && !u.Next(start).After(r.From) {
		return false
	}
	return true
}

// Statistics are the aggregate values of one bucket.
//
// Count is never zero for a stored bucket: absent buckets mean no data.
type Statistics struct {
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int64   `json:"count"`
	StdDev float64 `json:"stddev"`

	// Variance is the population variance, retained on month buckets for
	// trend analysis. Nil on day and week buckets.
	Variance *float64 `json:"variance,omitempty"`
}

// Record is one materialized bucket. Immutable once written.
type Record struct {
	CacheKey   string     `json:"cache_key"`
	MetricType string     `json:"metric_type"`
	Source     string     `json:"source"`
	Unit       BucketUnit `json:"unit"`
	Date       time.Time  `json:"date"`
	Stats      Statistics `json:"stats"`
	CreatedAt  time.Time  `json:"created_at"`
	ImportID   string     `json:"import_id"`
}

// Key returns the metric key the record belongs to.
func (r Record) Key() MetricKey {
	return MetricKey{MetricType: r.MetricType, Source: r.Source, Unit: r.Unit}
}

// BucketKey returns the record's cache key.
func (r Record) BucketKey() CacheKey {
	return CacheKey{MetricKey: r.Key(), Date: r.Date}
}

// ImportStatus is the lifecycle state of an import batch.
type ImportStatus string

const (
	ImportRunning   ImportStatus = "running"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// ImportBatch is one bulk load of raw records.
type ImportBatch struct {
	ImportID    string       `json:"import_id"`
	Seq         uint64       `json:"seq"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	RecordCount int64        `json:"record_count"`
	Status      ImportStatus `json:"status"`
}

// Completed reports whether records may reference this batch.
func (b ImportBatch) Completed() bool {
	return b.Status == ImportCompleted
}
