package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/summary"
)

// Key prefixes. One byte each so every table is a contiguous key range.
const (
	prefixRecord    byte = 'r' // r | xxhash(metric key) | import id | 0x00 | yyyymmdd
	prefixPointer   byte = 'p' // p | metric key         -> pointer
	prefixImport    byte = 'i' // i | import id          -> import batch
	prefixTombstone byte = 't' // t | xxhash(metric key) | import id -> tombstone
)

var importSeqKey = []byte("seq/imports")

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop defaults)
	MaxMemoryMB int64
}

// pointer is the value of a pointer table entry
type pointer struct {
	Key      summary.MetricKey `json:"key"`
	ImportID string            `json:"import_id"`
}

// New opens a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	// Summaries are small and few compared to raw data: 16 MB memtable is
	// plenty unless the operator asks for more.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	// Block and index caches are unbounded by default
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(importSeqKey, 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open import sequence: %w", err)
	}

	return &Storage{db: db, seq: seq}, nil
}

// run executes fn, returning early if ctx is cancelled while it is blocked
func (s *Storage) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// WriteSnapshot stores every record of the snapshot in a write batch.
// Flush returns only once the batch is committed.
func (s *Storage) WriteSnapshot(ctx context.Context, key summary.MetricKey, importID string, records []summary.Record) error {
	return s.run(ctx, "write", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for _, r := range records {
			value, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			if err := wb.Set(recordKey(key, importID, r.Date.Format("20060102")), value); err != nil {
				return fmt.Errorf("failed to write record: %w", err)
			}
		}
		return wb.Flush()
	})
}

// SetCurrent swaps the pointer of key in a single transaction
func (s *Storage) SetCurrent(ctx context.Context, key summary.MetricKey, importID string) error {
	value, err := json.Marshal(pointer{Key: key, ImportID: importID})
	if err != nil {
		return err
	}
	return s.run(ctx, "swap", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(pointerKey(key), value)
		})
	})
}

// Pointers loads the pointer table
func (s *Storage) Pointers(ctx context.Context) (map[summary.MetricKey]string, error) {
	out := make(map[summary.MetricKey]string)
	err := s.run(ctx, "pointers", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return iteratePrefix(txn, []byte{prefixPointer}, true, func(_ []byte, val []byte) error {
				var p pointer
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("failed to decode pointer: %w", err)
				}
				out[p.Key] = p.ImportID
				return nil
			})
		})
	})
	return out, err
}

// ReadSnapshot scans one snapshot. Keys sort by date within a snapshot.
func (s *Storage) ReadSnapshot(ctx context.Context, key summary.MetricKey, importID string) ([]summary.Record, error) {
	var out []summary.Record
	err := s.run(ctx, "read", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return iteratePrefix(txn, snapshotPrefix(key, importID), true, func(_ []byte, val []byte) error {
				var r summary.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				// guard against hash collisions between metric keys
				if r.Key() == key {
					out = append(out, r)
				}
				return nil
			})
		})
	})
	return out, err
}

// Snapshots lists import IDs stored for key
func (s *Storage) Snapshots(ctx context.Context, key summary.MetricKey) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.run(ctx, "snapshots", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			prefix := keyPrefix(key)
			return iteratePrefix(txn, prefix, true, func(k []byte, val []byte) error {
				importID, ok := parseImportID(k, len(prefix))
				if !ok {
					return nil
				}
				if _, dup := seen[importID]; dup {
					return nil
				}
				var r summary.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				if r.Key() == key {
					seen[importID] = struct{}{}
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteSnapshot removes a snapshot's records and tombstone
func (s *Storage) DeleteSnapshot(ctx context.Context, key summary.MetricKey, importID string) error {
	return s.run(ctx, "delete", func() error {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			return iteratePrefix(txn, snapshotPrefix(key, importID), true, func(k []byte, val []byte) error {
				var r summary.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				if r.Key() == key {
					keys = append(keys, k)
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
		keys = append(keys, tombstoneKey(key, importID))
		return deleteKeys(s.db, keys)
	})
}

// DropKey removes the pointer, snapshots and tombstones of key
func (s *Storage) DropKey(ctx context.Context, key summary.MetricKey) error {
	importIDs, err := s.Snapshots(ctx, key)
	if err != nil {
		return err
	}
	for _, id := range importIDs {
		if err := s.DeleteSnapshot(ctx, key, id); err != nil {
			return err
		}
	}
	return s.run(ctx, "drop", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(pointerKey(key))
		})
	})
}

// SaveImport registers a batch. Ordinals come from a badger sequence, so
// they stay monotonic across restarts.
func (s *Storage) SaveImport(ctx context.Context, batch summary.ImportBatch) (summary.ImportBatch, error) {
	if batch.Seq == 0 {
		existing, err := s.Import(ctx, batch.ImportID)
		switch {
		case err == nil:
			batch.Seq = existing.Seq
		case errors.Is(err, storage.ErrImportNotFound):
			n, err := s.seq.Next()
			if err != nil {
				return batch, fmt.Errorf("failed to assign import ordinal: %w", err)
			}
			batch.Seq = n + 1
		default:
			return batch, err
		}
	}

	value, err := json.Marshal(batch)
	if err != nil {
		return batch, err
	}
	err = s.run(ctx, "save import", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(importKey(batch.ImportID), value)
		})
	})
	return batch, err
}

// Import looks up one batch
func (s *Storage) Import(ctx context.Context, importID string) (summary.ImportBatch, error) {
	var b summary.ImportBatch
	err := s.run(ctx, "import", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(importKey(importID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrImportNotFound
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &b)
			})
		})
	})
	return b, err
}

// Imports returns batches ordered by Seq
func (s *Storage) Imports(ctx context.Context) ([]summary.ImportBatch, error) {
	var out []summary.ImportBatch
	err := s.run(ctx, "imports", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return iteratePrefix(txn, []byte{prefixImport}, true, func(_ []byte, val []byte) error {
				var b summary.ImportBatch
				if err := json.Unmarshal(val, &b); err != nil {
					return fmt.Errorf("failed to decode import: %w", err)
				}
				out = append(out, b)
				return nil
			})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, err
}

// MarkDeletable records a tombstone, keeping the first mark time
func (s *Storage) MarkDeletable(ctx context.Context, t storage.Tombstone) error {
	value, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.run(ctx, "mark", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			k := tombstoneKey(t.Key, t.ImportID)
			if _, err := txn.Get(k); err == nil {
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(k, value)
		})
	})
}

// Tombstones returns pending deletions, oldest first
func (s *Storage) Tombstones(ctx context.Context) ([]storage.Tombstone, error) {
	var out []storage.Tombstone
	err := s.run(ctx, "tombstones", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return iteratePrefix(txn, []byte{prefixTombstone}, true, func(_ []byte, val []byte) error {
				var t storage.Tombstone
				if err := json.Unmarshal(val, &t); err != nil {
					return fmt.Errorf("failed to decode tombstone: %w", err)
				}
				out = append(out, t)
				return nil
			})
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, err
}

// Close releases the sequence and shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to release import sequence: %w", err)
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from purged snapshots
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats counts entries per table
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				k := it.Item().Key()
				if len(k) == 0 {
					continue
				}
				switch k[0] {
				case prefixRecord:
					stats.TotalRecords++
				case prefixPointer:
					stats.TotalKeys++
				case prefixImport:
					stats.TotalImports++
				case prefixTombstone:
					stats.PendingDeletes++
				}
			}
			return nil
		})
	})
	if err == nil {
		lsmSize, vlogSize := s.db.Size()
		stats.SizeBytes = uint64(lsmSize + vlogSize)
	}
	return stats, err
}

// iteratePrefix calls fn with a copy of each key under prefix and its value
func iteratePrefix(txn *badger.Txn, prefix []byte, values bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.PrefetchSize = 100
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// deleteKeys removes keys in a write batch so large snapshots do not
// exceed the transaction size limit
func deleteKeys(db *badger.DB, keys [][]byte) error {
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// keyPrefix is the record prefix of one metric key:
// [prefix (1 byte)][xxhash(metric key) (8 bytes)]
func keyPrefix(key summary.MetricKey) []byte {
	buf := make([]byte, 9)
	buf[0] = prefixRecord
	binary.BigEndian.PutUint64(buf[1:], xxhash.Sum64String(key.String()))
	return buf
}

// snapshotPrefix extends keyPrefix with the import ID and a separator
func snapshotPrefix(key summary.MetricKey, importID string) []byte {
	p := keyPrefix(key)
	p = append(p, importID...)
	return append(p, 0)
}

func recordKey(key summary.MetricKey, importID, date string) []byte {
	return append(snapshotPrefix(key, importID), date...)
}

// parseImportID extracts the import ID from a record key whose metric-key
// prefix has length n
func parseImportID(k []byte, n int) (string, bool) {
	rest := k[n:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", false
	}
	return string(rest[:i]), true
}

func pointerKey(key summary.MetricKey) []byte {
	return append([]byte{prefixPointer}, key.String()...)
}

func importKey(importID string) []byte {
	return append([]byte{prefixImport}, importID...)
}

func tombstoneKey(key summary.MetricKey, importID string) []byte {
	k := keyPrefix(key)
	k[0] = prefixTombstone
	return append(k, importID...)
}
