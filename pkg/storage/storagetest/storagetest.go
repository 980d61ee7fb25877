// Package storagetest holds behavior tests shared by every storage.Store
// backend.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/summary"
)

// Factory opens an empty store
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores produced by open
func Run(t *testing.T, open Factory) {
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, open(t)) })
	t.Run("PointerSwap", func(t *testing.T) { testPointerSwap(t, open(t)) })
	t.Run("SnapshotsIsolated", func(t *testing.T) { testSnapshotsIsolated(t, open(t)) })
	t.Run("DeleteSnapshot", func(t *testing.T) { testDeleteSnapshot(t, open(t)) })
	t.Run("DropKey", func(t *testing.T) { testDropKey(t, open(t)) })
	t.Run("ImportSequence", func(t *testing.T) { testImportSequence(t, open(t)) })
	t.Run("Tombstones", func(t *testing.T) { testTombstones(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
}

var (
	stepsDay  = summary.MetricKey{MetricType: "StepCount", Source: "Watch", Unit: summary.Day}
	stepsWeek = summary.MetricKey{MetricType: "StepCount", Source: "Watch", Unit: summary.Week}
	hrDay     = summary.MetricKey{MetricType: "HeartRate", Source: "Watch", Unit: summary.Day}
)

// Records builds one record per date for key under importID
func Records(key summary.MetricKey, importID string, dates ...string) []summary.Record {
	out := make([]summary.Record, 0, len(dates))
	for i, d := range dates {
		date, err := summary.ParseDate(d)
		if err != nil {
			panic(err)
		}
		v := float64(i + 1)
		out = append(out, summary.Record{
			CacheKey:   summary.NewCacheKey(key, date).String(),
			MetricType: key.MetricType,
			Source:     key.Source,
			Unit:       key.Unit,
			Date:       date,
			Stats:      summary.Statistics{Sum: v, Mean: v, Min: v, Max: v, Count: 1},
			CreatedAt:  time.Now().UTC(),
			ImportID:   importID,
		})
	}
	return out
}

func testSnapshotRoundTrip(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	// written out of order, read back by date
	in := Records(stepsDay, "imp1", "2024-01-03", "2024-01-01", "2024-01-02")
	if err := store.WriteSnapshot(ctx, stepsDay, "imp1", in); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	out, err := store.ReadSnapshot(ctx, stepsDay, "imp1")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(out))
	}
	for i, want := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		if got := out[i].Date.Format(summary.DateLayout); got != want {
			t.Errorf("record %d: expected date %s, got %s", i, want, got)
		}
		if out[i].ImportID != "imp1" {
			t.Errorf("record %d: expected import imp1, got %s", i, out[i].ImportID)
		}
	}
	if out[0].Stats.Sum != 2 {
		t.Errorf("Expected first record sum 2, got %v", out[0].Stats.Sum)
	}

	missing, err := store.ReadSnapshot(ctx, stepsDay, "nope")
	if err != nil {
		t.Fatalf("ReadSnapshot of missing snapshot failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("Expected no records for missing snapshot, got %d", len(missing))
	}
}

func testPointerSwap(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	if err := store.SetCurrent(ctx, stepsDay, "imp1"); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	if err := store.SetCurrent(ctx, hrDay, "imp1"); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	if err := store.SetCurrent(ctx, stepsDay, "imp2"); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	pointers, err := store.Pointers(ctx)
	if err != nil {
		t.Fatalf("Pointers failed: %v", err)
	}
	if len(pointers) != 2 {
		t.Fatalf("Expected 2 pointers, got %d", len(pointers))
	}
	if pointers[stepsDay] != "imp2" {
		t.Errorf("Expected %s -> imp2, got %s", stepsDay, pointers[stepsDay])
	}
	if pointers[hrDay] != "imp1" {
		t.Errorf("Expected %s -> imp1, got %s", hrDay, pointers[hrDay])
	}
}

func testSnapshotsIsolated(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	// imp1 is a prefix of imp10; neither may leak into the other
	writes := []struct {
		key      summary.MetricKey
		importID string
		dates    []string
	}{
		{stepsDay, "imp1", []string{"2024-01-01"}},
		{stepsDay, "imp10", []string{"2024-01-01", "2024-01-02"}},
		{stepsWeek, "imp1", []string{"2024-01-01"}},
		{hrDay, "imp1", []string{"2024-01-01"}},
	}
	for _, w := range writes {
		if err := store.WriteSnapshot(ctx, w.key, w.importID, Records(w.key, w.importID, w.dates...)); err != nil {
			t.Fatalf("WriteSnapshot failed: %v", err)
		}
	}

	ids, err := store.Snapshots(ctx, stepsDay)
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "imp1" || ids[1] != "imp10" {
		t.Errorf("Expected [imp1 imp10], got %v", ids)
	}

	out, err := store.ReadSnapshot(ctx, stepsDay, "imp1")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("Expected 1 record in imp1, got %d", len(out))
	}
}

func testDeleteSnapshot(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"imp1", "imp2"} {
		if err := store.WriteSnapshot(ctx, stepsDay, id, Records(stepsDay, id, "2024-01-01")); err != nil {
			t.Fatalf("WriteSnapshot failed: %v", err)
		}
	}
	if err := store.MarkDeletable(ctx, storage.Tombstone{Key: stepsDay, ImportID: "imp1", MarkedAt: time.Now()}); err != nil {
		t.Fatalf("MarkDeletable failed: %v", err)
	}

	if err := store.DeleteSnapshot(ctx, stepsDay, "imp1"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}

	ids, _ := store.Snapshots(ctx, stepsDay)
	if len(ids) != 1 || ids[0] != "imp2" {
		t.Errorf("Expected only imp2 to remain, got %v", ids)
	}
	tombs, _ := store.Tombstones(ctx)
	if len(tombs) != 0 {
		t.Errorf("Expected tombstone removed with snapshot, got %d", len(tombs))
	}
}

func testDropKey(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	store.WriteSnapshot(ctx, stepsDay, "imp1", Records(stepsDay, "imp1", "2024-01-01"))
	store.WriteSnapshot(ctx, hrDay, "imp1", Records(hrDay, "imp1", "2024-01-01"))
	store.SetCurrent(ctx, stepsDay, "imp1")
	store.SetCurrent(ctx, hrDay, "imp1")

	if err := store.DropKey(ctx, stepsDay); err != nil {
		t.Fatalf("DropKey failed: %v", err)
	}

	pointers, _ := store.Pointers(ctx)
	if _, ok := pointers[stepsDay]; ok {
		t.Error("Expected pointer of dropped key to be gone")
	}
	if pointers[hrDay] != "imp1" {
		t.Error("Expected other key's pointer to survive")
	}
	out, _ := store.ReadSnapshot(ctx, stepsDay, "imp1")
	if len(out) != 0 {
		t.Errorf("Expected dropped snapshot to be empty, got %d records", len(out))
	}
	out, _ = store.ReadSnapshot(ctx, hrDay, "imp1")
	if len(out) != 1 {
		t.Errorf("Expected other key's snapshot to survive, got %d records", len(out))
	}
}

func testImportSequence(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	a, err := store.SaveImport(ctx, summary.ImportBatch{ImportID: "a", Status: summary.ImportRunning})
	if err != nil {
		t.Fatalf("SaveImport failed: %v", err)
	}
	b, err := store.SaveImport(ctx, summary.ImportBatch{ImportID: "b", Status: summary.ImportRunning})
	if err != nil {
		t.Fatalf("SaveImport failed: %v", err)
	}
	if a.Seq == 0 || b.Seq <= a.Seq {
		t.Fatalf("Expected increasing ordinals, got a=%d b=%d", a.Seq, b.Seq)
	}

	// updating keeps the ordinal
	a.Status = summary.ImportCompleted
	a.Seq = 0
	updated, err := store.SaveImport(ctx, a)
	if err != nil {
		t.Fatalf("SaveImport update failed: %v", err)
	}
	if updated.Seq >= b.Seq {
		t.Errorf("Expected update to keep ordinal below %d, got %d", b.Seq, updated.Seq)
	}

	got, err := store.Import(ctx, "a")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if !got.Completed() {
		t.Errorf("Expected import a completed, got %s", got.Status)
	}

	if _, err := store.Import(ctx, "missing"); !errors.Is(err, storage.ErrImportNotFound) {
		t.Errorf("Expected ErrImportNotFound, got %v", err)
	}

	all, err := store.Imports(ctx)
	if err != nil {
		t.Fatalf("Imports failed: %v", err)
	}
	if len(all) != 2 || all[0].ImportID != "a" || all[1].ImportID != "b" {
		t.Errorf("Expected imports ordered [a b], got %+v", all)
	}
}

func testTombstones(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	first := time.Now().Add(-time.Hour).UTC()
	if err := store.MarkDeletable(ctx, storage.Tombstone{Key: stepsDay, ImportID: "imp1", MarkedAt: first}); err != nil {
		t.Fatalf("MarkDeletable failed: %v", err)
	}
	if err := store.MarkDeletable(ctx, storage.Tombstone{Key: hrDay, ImportID: "imp1", MarkedAt: first.Add(time.Minute)}); err != nil {
		t.Fatalf("MarkDeletable failed: %v", err)
	}
	// a second mark keeps the first time
	if err := store.MarkDeletable(ctx, storage.Tombstone{Key: stepsDay, ImportID: "imp1", MarkedAt: time.Now()}); err != nil {
		t.Fatalf("MarkDeletable failed: %v", err)
	}

	tombs, err := store.Tombstones(ctx)
	if err != nil {
		t.Fatalf("Tombstones failed: %v", err)
	}
	if len(tombs) != 2 {
		t.Fatalf("Expected 2 tombstones, got %d", len(tombs))
	}
	if tombs[0].Key != stepsDay || !tombs[0].MarkedAt.Equal(first) {
		t.Errorf("Expected oldest tombstone for %s at %v, got %+v", stepsDay, first, tombs[0])
	}
}

func testStats(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	store.WriteSnapshot(ctx, stepsDay, "imp1", Records(stepsDay, "imp1", "2024-01-01", "2024-01-02"))
	store.SetCurrent(ctx, stepsDay, "imp1")
	store.SaveImport(ctx, summary.ImportBatch{ImportID: "imp1", Status: summary.ImportCompleted})
	store.MarkDeletable(ctx, storage.Tombstone{Key: hrDay, ImportID: "old", MarkedAt: time.Now()})

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 2 {
		t.Errorf("Expected 2 records, got %d", stats.TotalRecords)
	}
	if stats.TotalKeys != 1 {
		t.Errorf("Expected 1 key, got %d", stats.TotalKeys)
	}
	if stats.TotalImports != 1 {
		t.Errorf("Expected 1 import, got %d", stats.TotalImports)
	}
	if stats.PendingDeletes != 1 {
		t.Errorf("Expected 1 pending delete, got %d", stats.PendingDeletes)
	}
}
