package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/summary"
)

// Store keeps raw records in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	records []rawstore.Record
	mu      sync.RWMutex
}

// New creates an in-memory raw store
func New() *Store {
	return &Store{
		records: make([]rawstore.Record, 0, 1024),
	}
}

// Append stores records in memory
func (s *Store) Append(ctx context.Context, records []rawstore.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, records...)
	return nil
}

// Series returns distinct (type, source) pairs sorted by type then source
func (s *Store) Series(ctx context.Context) ([]summary.SeriesKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[summary.SeriesKey]struct{})
	for _, r := range s.records {
		seen[r.Series()] = struct{}{}
	}

	out := make([]summary.SeriesKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MetricType != out[j].MetricType {
			return out[i].MetricType < out[j].MetricType
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

// Scan calls fn for each matching record in insertion order
func (s *Store) Scan(ctx context.Context, req rawstore.ScanRequest, fn func(rawstore.Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, r := range s.records {
		// Check context every 1000 records
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !req.Matches(r) {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op for memory storage
func (s *Store) Close() error {
	return nil
}
