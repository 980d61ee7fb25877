package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/summary"
)

type snapshotID struct {
	key      summary.MetricKey
	importID string
}

// Storage stores summaries in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	snapshots  map[snapshotID][]summary.Record
	pointers   map[summary.MetricKey]string
	imports    map[string]summary.ImportBatch
	tombstones map[snapshotID]storage.Tombstone
	seq        uint64
	mu         sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		snapshots:  make(map[snapshotID][]summary.Record),
		pointers:   make(map[summary.MetricKey]string),
		imports:    make(map[string]summary.ImportBatch),
		tombstones: make(map[snapshotID]storage.Tombstone),
	}
}

// WriteSnapshot stores a copy of records sorted by date
func (s *Storage) WriteSnapshot(ctx context.Context, key summary.MetricKey, importID string, records []summary.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// an empty snapshot is represented by the pointer alone
	if len(records) == 0 {
		return nil
	}

	cp := make([]summary.Record, len(records))
	copy(cp, records)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Date.Before(cp[j].Date) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotID{key, importID}] = cp
	return nil
}

// SetCurrent swaps the pointer of key
func (s *Storage) SetCurrent(ctx context.Context, key summary.MetricKey, importID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[key] = importID
	return nil
}

// Pointers returns a copy of the pointer table
func (s *Storage) Pointers(ctx context.Context) (map[summary.MetricKey]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[summary.MetricKey]string, len(s.pointers))
	for k, v := range s.pointers {
		out[k] = v
	}
	return out, nil
}

// ReadSnapshot returns a copy of one snapshot
func (s *Storage) ReadSnapshot(ctx context.Context, key summary.MetricKey, importID string) ([]summary.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.snapshots[snapshotID{key, importID}]
	out := make([]summary.Record, len(records))
	copy(out, records)
	return out, nil
}

// Snapshots lists import IDs stored for key
func (s *Storage) Snapshots(ctx context.Context, key summary.MetricKey) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id := range s.snapshots {
		if id.key == key {
			out = append(out, id.importID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DeleteSnapshot removes one snapshot and its tombstone
func (s *Storage) DeleteSnapshot(ctx context.Context, key summary.MetricKey, importID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := snapshotID{key, importID}
	delete(s.snapshots, id)
	delete(s.tombstones, id)
	return nil
}

// DropKey removes every trace of key
func (s *Storage) DropKey(ctx context.Context, key summary.MetricKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pointers, key)
	for id := range s.snapshots {
		if id.key == key {
			delete(s.snapshots, id)
		}
	}
	for id := range s.tombstones {
		if id.key == key {
			delete(s.tombstones, id)
		}
	}
	return nil
}

// SaveImport registers a batch, assigning the next ordinal when Seq is zero
func (s *Storage) SaveImport(ctx context.Context, batch summary.ImportBatch) (summary.ImportBatch, error) {
	if err := ctx.Err(); err != nil {
		return batch, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.imports[batch.ImportID]; ok && batch.Seq == 0 {
		batch.Seq = existing.Seq
	}
	if batch.Seq == 0 {
		s.seq++
		batch.Seq = s.seq
	}
	s.imports[batch.ImportID] = batch
	return batch, nil
}

// Import looks up one batch
func (s *Storage) Import(ctx context.Context, importID string) (summary.ImportBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.imports[importID]
	if !ok {
		return summary.ImportBatch{}, storage.ErrImportNotFound
	}
	return b, nil
}

// Imports returns batches ordered by Seq
func (s *Storage) Imports(ctx context.Context) ([]summary.ImportBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]summary.ImportBatch, 0, len(s.imports))
	for _, b := range s.imports {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MarkDeletable records a tombstone
func (s *Storage) MarkDeletable(ctx context.Context, t storage.Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := snapshotID{t.Key, t.ImportID}
	if _, ok := s.tombstones[id]; !ok {
		s.tombstones[id] = t
	}
	return nil
}

// Tombstones returns pending deletions, oldest first
func (s *Storage) Tombstones(ctx context.Context) ([]storage.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Tombstone, 0, len(s.tombstones))
	for _, t := range s.tombstones {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalKeys:      uint64(len(s.pointers)),
		PendingDeletes: uint64(len(s.tombstones)),
		TotalImports:   uint64(len(s.imports)),
	}
	for _, records := range s.snapshots {
		stats.TotalRecords += uint64(len(records))
	}

	// Rough size estimate (each record ~200 bytes)
	stats.SizeBytes = stats.TotalRecords * 200

	return stats, nil
}
