// Package cache serves materialized summaries from a two-tier cache: an
// in-memory LRU of snapshots (L1) in front of a durable storage.Store (L2).
//
// Each metric key has a current pointer naming the import whose snapshot
// readers see. PutBatch writes a complete snapshot durably before swapping
// the pointer, so readers observe either the old snapshot or the new one,
// never a mix.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/summary"
)

// ErrMiss means the key has no materialized snapshot. Callers fall back to
// computing from raw data.
var ErrMiss = errors.New("summary not materialized")

// ErrSnapshotCurrent is returned by PutBatch when the import is already the
// key's current snapshot. Snapshots are immutable once visible.
var ErrSnapshotCurrent = errors.New("snapshot is already current")

// ErrSuperseded is returned by PutBatch when the key is already current at a
// newer import, or the target snapshot has been marked deletable. Pointers
// only move forward.
var ErrSuperseded = errors.New("snapshot superseded")

// purgeBatchSize bounds the tombstones deleted between context checks
const purgeBatchSize = 256

// State is the materialization state of one metric key
type State int

const (
	Uninitialized State = iota
	Computing
	Ready
)

func (s State) String() string {
	switch s {
	case Computing:
		return "computing"
	case Ready:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Options configures a Manager
type Options struct {
	// L1MaxEntries bounds the number of snapshots held in memory
	L1MaxEntries int

	// L1MaxRecords bounds the total records held in memory
	L1MaxRecords int

	Retry RetryPolicy

	// Registerer receives the cache metrics. Nil keeps them unexported.
	Registerer prometheus.Registerer

	Logger *log.Logger

	// Now is the clock, for tests
	Now func() time.Time
}

// Stats reports cache occupancy and traffic
type Stats struct {
	Keys        int    `json:"keys"`
	L1Entries   int    `json:"l1_entries"`
	L1Records   int    `json:"l1_records"`
	L1Evictions uint64 `json:"l1_evictions"`
	L1Hits      uint64 `json:"l1_hits"`
	L2Hits      uint64 `json:"l2_hits"`
	Misses      uint64 `json:"misses"`
}

// Manager owns both cache tiers and the per-key pointer mirror. It is safe
// for concurrent readers and one writer.
type Manager struct {
	store   storage.Store
	l1      *l1
	retry   RetryPolicy
	metrics *metrics
	logger  *log.Logger
	now     func() time.Time

	mu      sync.RWMutex
	current map[summary.MetricKey]string
	states  map[summary.MetricKey]State

	hitsL1, hitsL2, misses uint64 // guarded by countMu
	countMu                sync.Mutex
}

// New creates a manager over store. Call Open before serving reads.
func New(store storage.Store, opts Options) *Manager {
	if opts.L1MaxEntries <= 0 {
		opts.L1MaxEntries = 1024
	}
	if opts.L1MaxRecords <= 0 {
		opts.L1MaxRecords = 500_000
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		store:   store,
		retry:   opts.Retry,
		metrics: newMetrics(opts.Registerer),
		logger:  logger.WithPrefix("cache"),
		now:     now,
		current: make(map[summary.MetricKey]string),
		states:  make(map[summary.MetricKey]State),
	}
	m.l1 = newL1(opts.L1MaxEntries, opts.L1MaxRecords, m.metrics.l1Evictions.Inc)
	return m
}

// Open loads the pointer table from L2
func (m *Manager) Open(ctx context.Context) error {
	var pointers map[summary.MetricKey]string
	err := m.withRetry(ctx, "load pointers", func() error {
		var err error
		pointers, err = m.store.Pointers(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load pointers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, id := range pointers {
		m.current[k] = id
		m.states[k] = Ready
	}
	m.metrics.keys.Set(float64(len(m.current)))
	m.logger.Info("cache opened", "keys", len(pointers))
	return nil
}

// Current returns the import ID of key's visible snapshot
func (m *Manager) Current(key summary.MetricKey) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[key]
	return id, ok
}

// Keys returns every metric key with a current snapshot, sorted
func (m *Manager) Keys() []summary.MetricKey {
	m.mu.RLock()
	out := make([]summary.MetricKey, 0, len(m.current))
	for k := range m.current {
		out = append(out, k)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Get looks up one bucket: L1, then L2. Storage failures degrade to Miss.
func (m *Manager) Get(ctx context.Context, ck summary.CacheKey) Result {
	importID, ok := m.Current(ck.MetricKey)
	if !ok {
		m.countMiss()
		return Miss
	}

	e, err := m.snapshot(ctx, ck.MetricKey, importID)
	if err != nil {
		m.logger.Warn("snapshot read failed, reporting miss", "key", ck.MetricKey.String(), "err", err)
		m.countMiss()
		return Miss
	}

	r, found := e.find(ck.MetricKey.Unit.Start(ck.Date))
	if !found {
		return Miss
	}
	return Hit(r)
}

// GetRange returns the buckets of key overlapping rng in ascending date
// order. ErrMiss means nothing is materialized for key; summary.ErrNotFound
// means the snapshot has no buckets in range.
func (m *Manager) GetRange(ctx context.Context, key summary.MetricKey, rng summary.DateRange) ([]summary.Record, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	importID, ok := m.Current(key)
	if !ok {
		m.countMiss()
		return nil, ErrMiss
	}

	e, err := m.snapshot(ctx, key, importID)
	if err != nil {
		m.countMiss()
		return nil, fmt.Errorf("%w: %w", ErrMiss, err)
	}

	var out []summary.Record
	for _, r := range e.records {
		if rng.Overlaps(key.Unit, r.Date) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, summary.ErrNotFound
	}
	return out, nil
}

// snapshot loads one snapshot from L1, falling back to L2 and populating L1
func (m *Manager) snapshot(ctx context.Context, key summary.MetricKey, importID string) (*entry, error) {
	id := entryID(key, importID)
	if e, ok := m.l1.get(id, m.now()); ok {
		m.countHit(true)
		return e, nil
	}

	var records []summary.Record
	err := m.withRetry(ctx, "read", func() error {
		var err error
		records, err = m.store.ReadSnapshot(ctx, key, importID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e := &entry{key: key, importID: importID, records: records, lastAccess: m.now()}
	m.l1.add(e)
	m.updateGauges()
	m.countHit(false)
	return e, nil
}

// PutBatch stores records as key's snapshot for importID, then makes it
// current. importID must name a completed batch.
func (m *Manager) PutBatch(ctx context.Context, importID string, key summary.MetricKey, records []summary.Record) error {
	batch, err := m.Import(ctx, importID)
	if err != nil {
		if errors.Is(err, storage.ErrImportNotFound) {
			return fmt.Errorf("%w: %s", summary.ErrUnknownImport, importID)
		}
		return err
	}
	if !batch.Completed() {
		return fmt.Errorf("%w: %s is %s", summary.ErrUnknownImport, importID, batch.Status)
	}
	if cur, ok := m.Current(key); ok {
		if cur == importID {
			return fmt.Errorf("%w: %s@%s", ErrSnapshotCurrent, key, importID)
		}
		curSeq, err := m.seqOf(ctx, cur)
		if err != nil {
			return err
		}
		if batch.Seq <= curSeq {
			return fmt.Errorf("%w: %s is current at %s", ErrSuperseded, key, cur)
		}
	}
	marked, err := m.tombstoned(ctx, key, importID)
	if err != nil {
		return err
	}
	if marked {
		return fmt.Errorf("%w: %s@%s is marked deletable", ErrSuperseded, key, importID)
	}

	stamped := stamp(key, importID, m.now(), records)

	err = m.withRetry(ctx, "write", func() error {
		return m.store.WriteSnapshot(ctx, key, importID, stamped)
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot %s@%s: %w", key, importID, err)
	}

	err = m.withRetry(ctx, "swap", func() error {
		return m.store.SetCurrent(ctx, key, importID)
	})
	if err != nil {
		return fmt.Errorf("failed to swap pointer %s: %w", key, err)
	}

	m.mu.Lock()
	m.current[key] = importID
	m.states[key] = Ready
	m.metrics.keys.Set(float64(len(m.current)))
	m.mu.Unlock()

	m.logger.Debug("snapshot swapped", "key", key.String(), "import", importID, "records", len(stamped))
	return nil
}

// seqOf returns the registry ordinal of importID. Unregistered imports
// count as 0.
func (m *Manager) seqOf(ctx context.Context, importID string) (uint64, error) {
	b, err := m.Import(ctx, importID)
	if errors.Is(err, storage.ErrImportNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.Seq, nil
}

// tombstoned reports whether key's snapshot for importID awaits purging
func (m *Manager) tombstoned(ctx context.Context, key summary.MetricKey, importID string) (bool, error) {
	var tombs []storage.Tombstone
	err := m.withRetry(ctx, "tombstones", func() error {
		var err error
		tombs, err = m.store.Tombstones(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, t := range tombs {
		if t.Key == key && t.ImportID == importID {
			return true, nil
		}
	}
	return false, nil
}

// stamp copies records with import, creation time and
// cache key set, sorted by date with one record per bucket
func stamp(key summary.MetricKey, importID string, now time.Time, records []summary.Record) []summary.Record {
	byDate := make(map[time.Time]summary.Record, len(records))
	for _, r := range records {
		ck := summary.NewCacheKey(key, r.Date)
		r.MetricType = key.MetricType
		r.Source = key.Source
		r.Unit = key.Unit
		r.Date = ck.Date
		r.CacheKey = ck.String()
		r.ImportID = importID
		r.CreatedAt = now
		byDate[r.Date] = r
	}

	out := make([]summary.Record, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Invalidate tombstones snapshots from imports strictly older than importID,
// for every key whose current snapshot is importID or newer. Returns the
// number of snapshots marked.
func (m *Manager) Invalidate(ctx context.Context, importID string) (int, error) {
	batch, err := m.Import(ctx, importID)
	if err != nil {
		if errors.Is(err, storage.ErrImportNotFound) {
			return 0, fmt.Errorf("%w: %s", summary.ErrUnknownImport, importID)
		}
		return 0, err
	}

	imports, err := m.Imports(ctx)
	if err != nil {
		return 0, err
	}
	seq := make(map[string]uint64, len(imports))
	for _, b := range imports {
		seq[b.ImportID] = b.Seq
	}

	marked := 0
	for _, key := range m.Keys() {
		cur, ok := m.Current(key)
		if !ok || seq[cur] < batch.Seq {
			continue
		}

		var ids []string
		err := m.withRetry(ctx, "list snapshots", func() error {
			var err error
			ids, err = m.store.Snapshots(ctx, key)
			return err
		})
		if err != nil {
			return marked, err
		}

		for _, id := range ids {
			// unregistered snapshots have seq 0 and count as older
			if id == cur || seq[id] >= batch.Seq {
				continue
			}
			t := storage.Tombstone{Key: key, ImportID: id, MarkedAt: m.now()}
			err := m.withRetry(ctx, "mark", func() error {
				return m.store.MarkDeletable(ctx, t)
			})
			if err != nil {
				return marked, err
			}
			m.l1.remove(entryID(key, id))
			marked++
		}
	}

	m.updateGauges()
	if marked > 0 {
		m.logger.Info("superseded snapshots marked", "import", importID, "snapshots", marked)
	}
	return marked, nil
}

// Purge deletes tombstoned snapshots marked more than grace ago. Returns the
// number of snapshots deleted.
func (m *Manager) Purge(ctx context.Context, grace time.Duration) (int, error) {
	var tombs []storage.Tombstone
	err := m.withRetry(ctx, "tombstones", func() error {
		var err error
		tombs, err = m.store.Tombstones(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-grace)
	deleted := 0
	for i, t := range tombs {
		if !t.MarkedAt.Before(cutoff) {
			break // oldest first
		}
		if i > 0 && i%purgeBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return deleted, err
			}
		}
		if cur, ok := m.Current(t.Key); ok && cur == t.ImportID {
			continue
		}

		err := m.withRetry(ctx, "delete", func() error {
			return m.store.DeleteSnapshot(ctx, t.Key, t.ImportID)
		})
		if err != nil {
			return deleted, err
		}
		m.l1.remove(entryID(t.Key, t.ImportID))
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("purged superseded snapshots", "snapshots", deleted)
	}
	return deleted, nil
}

// Evict enforces the L1 bounds
func (m *Manager) Evict() {
	m.l1.enforce()
	m.updateGauges()
}

// State returns the materialization state of key
func (m *Manager) State(key summary.MetricKey) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[key]
}

// MarkComputing flags key as being recomputed. Readers keep seeing the prior
// snapshot.
func (m *Manager) MarkComputing(key summary.MetricKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = Computing
}

// AbortComputing reverts a Computing key to its prior state
func (m *Manager) AbortComputing(key summary.MetricKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[key] != Computing {
		return
	}
	if _, ok := m.current[key]; ok {
		m.states[key] = Ready
	} else {
		delete(m.states, key)
	}
}

// RecordImport registers or updates an import batch in L2
func (m *Manager) RecordImport(ctx context.Context, batch summary.ImportBatch) (summary.ImportBatch, error) {
	var saved summary.ImportBatch
	err := m.withRetry(ctx, "save import", func() error {
		var err error
		saved, err = m.store.SaveImport(ctx, batch)
		return err
	})
	return saved, err
}

// Import looks up a registered batch
func (m *Manager) Import(ctx context.Context, importID string) (summary.ImportBatch, error) {
	var b summary.ImportBatch
	err := m.withRetry(ctx, "import", func() error {
		var err error
		b, err = m.store.Import(ctx, importID)
		return err
	})
	return b, err
}

// Imports returns every registered batch ordered by Seq
func (m *Manager) Imports(ctx context.Context) ([]summary.ImportBatch, error) {
	var out []summary.ImportBatch
	err := m.withRetry(ctx, "imports", func() error {
		var err error
		out, err = m.store.Imports(ctx)
		return err
	})
	return out, err
}

// LatestImport returns the completed batch with the highest Seq
func (m *Manager) LatestImport(ctx context.Context) (summary.ImportBatch, bool, error) {
	imports, err := m.Imports(ctx)
	if err != nil {
		return summary.ImportBatch{}, false, err
	}
	for i := len(imports) - 1; i >= 0; i-- {
		if imports[i].Completed() {
			return imports[i], true, nil
		}
	}
	return summary.ImportBatch{}, false, nil
}

// Drop removes key from both tiers
func (m *Manager) Drop(ctx context.Context, key summary.MetricKey) error {
	err := m.withRetry(ctx, "drop", func() error {
		return m.store.DropKey(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("failed to drop %s: %w", key, err)
	}

	m.mu.Lock()
	delete(m.current, key)
	delete(m.states, key)
	m.metrics.keys.Set(float64(len(m.current)))
	m.mu.Unlock()

	m.l1.removeKey(key)
	m.updateGauges()
	return nil
}

// Stats returns occupancy and traffic counters
func (m *Manager) Stats() Stats {
	entries, records, evictions := m.l1.stats()

	m.mu.RLock()
	keys := len(m.current)
	m.mu.RUnlock()

	m.countMu.Lock()
	defer m.countMu.Unlock()
	return Stats{
		Keys:        keys,
		L1Entries:   entries,
		L1Records:   records,
		L1Evictions: evictions,
		L1Hits:      m.hitsL1,
		L2Hits:      m.hitsL2,
		Misses:      m.misses,
	}
}

// StorageStats returns L2 statistics
func (m *Manager) StorageStats(ctx context.Context) (*storage.Stats, error) {
	return m.store.Stats(ctx)
}

// Close empties L1 and closes the durable store
func (m *Manager) Close() error {
	m.l1.purge()
	m.updateGauges()
	return m.store.Close()
}

func (m *Manager) countHit(l1 bool) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if l1 {
		m.hitsL1++
		m.metrics.l1Hits.Inc()
	} else {
		m.hitsL2++
		m.metrics.l2Hits.Inc()
	}
}

func (m *Manager) countMiss() {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.misses++
	m.metrics.misses.Inc()
}

func (m *Manager) updateGauges() {
	entries, records, _ := m.l1.stats()
	m.metrics.l1Entries.Set(float64(entries))
	m.metrics.l1Records.Set(float64(records))
}
