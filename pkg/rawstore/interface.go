package rawstore

import (
	"context"
	"time"

	"github.com/nicktill/vitals/pkg/summary"
)

// Record is one raw health sample as loaded by the importer.
//
// Value is kept as imported text. It is parsed during aggregation so a bad
// value fails the one series it belongs to rather than the import.
type Record struct {
	MetricType string    `json:"metric_type"`
	Source     string    `json:"source"`
	Start      time.Time `json:"start"`
	Value      string    `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ImportID   string    `json:"import_id,omitempty"`
}

// Series returns the (type, source) pair of the record.
func (r Record) Series() summary.SeriesKey {
	return summary.SeriesKey{MetricType: r.MetricType, Source: r.Source}
}

// ScanRequest selects raw records of one metric type.
type ScanRequest struct {
	MetricType string

	// Source filter. Empty or summary.SourceAll scans every source.
	Source string

	// Half-open time range [Start, End). Zero values leave a side open.
	Start time.Time
	End   time.Time
}

// Reader is the read-only view of the Raw Store this engine consumes.
// The engine never mutates raw facts.
type Reader interface {
	// Series returns the distinct (type, source) pairs present.
	Series(ctx context.Context) ([]summary.SeriesKey, error)

	// Scan calls fn for every record matching req. Returning an error from
	// fn stops the scan and is returned unchanged.
	Scan(ctx context.Context, req ScanRequest, fn func(Record) error) error
}

// Store is a Raw Store that can also be loaded. Only the importer and tests
// use the write side.
type Store interface {
	Reader

	// Append bulk-loads records.
	Append(ctx context.Context, records []Record) error

	// Close cleanly shuts down the store.
	Close() error
}

// Matches reports whether r satisfies req.
func (req ScanRequest) Matches(r Record) bool {
	if r.MetricType != req.MetricType {
		return false
	}
	if req.Source != "" && req.Source != summary.SourceAll && r.Source != req.Source {
		return false
	}
	if !req.Start.IsZero() && r.Start.Before(req.Start) {
		return false
	}
	if !req.End.IsZero() && !r.Start.Before(req.End) {
		return false
	}
	return true
}
