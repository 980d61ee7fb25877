package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/vitals/pkg/summary"
)

// ErrImportNotFound is returned when an import batch is not registered
var ErrImportNotFound = errors.New("import batch not found")

// Store defines the durable L2 tier of the summary cache.
// Implementations: memory (testing), badger (production)
//
// Records are grouped in snapshots: all records of one metric key written
// under one import ID. A per-key pointer names the snapshot readers see.
type Store interface {
	// WriteSnapshot durably stores the records of key under importID.
	// It returns only after every record is persisted.
	WriteSnapshot(ctx context.Context, key summary.MetricKey, importID string, records []summary.Record) error

	// SetCurrent atomically swaps the pointer of key to importID
	SetCurrent(ctx context.Context, key summary.MetricKey, importID string) error

	// Pointers returns the current import ID of every materialized key
	Pointers(ctx context.Context) (map[summary.MetricKey]string, error)

	// ReadSnapshot returns the records of one snapshot in ascending date order
	ReadSnapshot(ctx context.Context, key summary.MetricKey, importID string) ([]summary.Record, error)

	// Snapshots returns the import IDs that have records stored for key
	Snapshots(ctx context.Context, key summary.MetricKey) ([]string, error)

	// DeleteSnapshot removes a snapshot's records and its tombstone
	DeleteSnapshot(ctx context.Context, key summary.MetricKey, importID string) error

	// DropKey removes the pointer and every snapshot of key
	DropKey(ctx context.Context, key summary.MetricKey) error

	// SaveImport registers or updates an import batch. A zero Seq is
	// assigned the next ordinal.
	SaveImport(ctx context.Context, batch summary.ImportBatch) (summary.ImportBatch, error)

	// Import looks up a batch by ID. Returns ErrImportNotFound if absent.
	Import(ctx context.Context, importID string) (summary.ImportBatch, error)

	// Imports returns every registered batch ordered by Seq
	Imports(ctx context.Context) ([]summary.ImportBatch, error)

	// MarkDeletable records a tombstone for a superseded snapshot
	MarkDeletable(ctx context.Context, t Tombstone) error

	// Tombstones returns snapshots awaiting physical deletion
	Tombstones(ctx context.Context) ([]Tombstone, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// Tombstone marks a snapshot as eligible for deletion
type Tombstone struct {
	Key      summary.MetricKey `json:"key"`
	ImportID string            `json:"import_id"`
	MarkedAt time.Time         `json:"marked_at"`
}

// Stats provides storage health and usage info
type Stats struct {
	// Total summary records stored, across all snapshots
	TotalRecords uint64 `json:"total_records"`

	// Materialized metric keys (keys with a current pointer)
	TotalKeys uint64 `json:"total_keys"`

	// Snapshots waiting for purge
	PendingDeletes uint64 `json:"pending_deletes"`

	// Registered import batches
	TotalImports uint64 `json:"total_imports"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`
}
