/*
Package storage defines the durable L2 tier of the summary cache.

# Storage Interface

All backends implement the Store interface:
  - memory: in-memory storage for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Snapshots and Pointers

Summary records are never updated in place. A recompute writes a complete
snapshot of a metric key under the import ID that triggered it, and only
then swaps the key's pointer:

	store.WriteSnapshot(ctx, key, "imp-42", records) // durable
	store.SetCurrent(ctx, key, "imp-42")             // atomic swap

Readers follow the pointer, so a crash between the two calls leaves the
previous snapshot visible. Superseded snapshots are tombstoned with
MarkDeletable and deleted later by the purge task.

# Import Registry

SaveImport assigns each batch a monotonic ordinal (Seq). Invalidation
compares ordinals rather than timestamps, so "strictly older" is
unambiguous even when two imports complete in the same second.

# BadgerDB Key Layout

	r | xxhash(metric key) | import id | 0x00 | yyyymmdd  -> record
	p | metric key                                     -> pointer
	i | import id                                      -> import batch
	t | xxhash(metric key) | import id                 -> tombstone

Records of one snapshot are contiguous and sorted by date, so a snapshot
read is a single prefix scan.
*/
package storage
