package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/summary"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Path: filepath.Join(t.TempDir(), "raw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SeriesAndScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, []rawstore.Record{
		{MetricType: "StepCount", Source: "iPhone", Start: base, Value: "100"},
		{MetricType: "StepCount", Source: "Watch", Start: base.Add(time.Hour), Value: "50"},
		{MetricType: "HeartRate", Source: "Watch", Start: base, Value: "62"},
		{MetricType: "StepCount", Source: "iPhone", Start: base.Add(24 * time.Hour), Value: "200"},
	}))

	series, err := store.Series(ctx)
	require.NoError(t, err)
	require.Equal(t, []summary.SeriesKey{
		{MetricType: "HeartRate", Source: "Watch"},
		{MetricType: "StepCount", Source: "Watch"},
		{MetricType: "StepCount", Source: "iPhone"},
	}, series)

	var values []string
	err = store.Scan(ctx, rawstore.ScanRequest{
		MetricType: "StepCount",
		Source:     "iPhone",
		Start:      base,
		End:        base.Add(24 * time.Hour),
	}, func(r rawstore.Record) error {
		values = append(values, r.Value)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"100"}, values)

	values = nil
	err = store.Scan(ctx, rawstore.ScanRequest{MetricType: "StepCount", Source: summary.SourceAll},
		func(r rawstore.Record) error {
			values = append(values, r.Value)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []string{"100", "50", "200"}, values)
}

func TestSQLiteStore_EmptySeries(t *testing.T) {
	store := newTestStore(t)

	series, err := store.Series(context.Background())
	require.NoError(t, err)
	require.NotNil(t, series)
	require.Empty(t, series)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	ctx := context.Background()

	{
		store, err := New(Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, []rawstore.Record{
			{MetricType: "BodyMass", Source: "Scale", Start: time.Now(), Value: "71.4"},
		}))
		require.NoError(t, store.Close())
	}

	store, err := New(Config{Path: path})
	require.NoError(t, err)
	defer store.Close()

	series, err := store.Series(ctx)
	require.NoError(t, err)
	require.Len(t, series, 1)
}

func TestSQLiteStore_ReadsDuringLongScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, []rawstore.Record{
		{MetricType: "StepCount", Source: "iPhone", Start: base, Value: "100"},
		{MetricType: "StepCount", Source: "iPhone", Start: base.Add(time.Hour), Value: "200"},
	}))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		first := true
		done <- store.Scan(ctx, rawstore.ScanRequest{MetricType: "StepCount"}, func(rawstore.Record) error {
			if first {
				first = false
				close(entered)
				<-release
			}
			return nil
		})
	}()
	<-entered

	// the open scan holds one connection; another read still gets through
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	series, err := store.Series(readCtx)
	require.NoError(t, err)
	require.Len(t, series, 1)

	close(release)
	require.NoError(t, <-done)
}
