package summary

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseBucketUnit(t *testing.T) {
	for in, want := range map[string]BucketUnit{
		"day": Day, "Daily": Day, " d ": Day,
		"week": Week, "WEEKLY": Week,
		"month": Month, "m": Month,
	} {
		got, err := ParseBucketUnit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseBucketUnit("year")
	assert.Error(t, err)
}

func TestBucketStart(t *testing.T) {
	// 2024-01-03 is a Wednesday
	assert.Equal(t, day(2024, 1, 1), Week.Start(day(2024, 1, 3)))
	assert.Equal(t, day(2024, 1, 1), Week.Start(day(2024, 1, 1)))
	// Sunday belongs to the week that started the Monday before
	assert.Equal(t, day(2024, 1, 1), Week.Start(day(2024, 1, 7)))
	// ISO week spanning a year boundary
	assert.Equal(t, day(2024, 12, 30), Week.Start(day(2025, 1, 2)))

	assert.Equal(t, day(2024, 2, 1), Month.Start(day(2024, 2, 29)))
	assert.Equal(t, day(2024, 2, 29), Day.Start(day(2024, 2, 29)))
}

func TestBucketNext(t *testing.T) {
	assert.Equal(t, day(2024, 3, 1), Day.Next(day(2024, 2, 29)))
	assert.Equal(t, day(2024, 1, 8), Week.Next(day(2024, 1, 1)))
	assert.Equal(t, day(2025, 1, 1), Month.Next(day(2024, 12, 1)))
}

func TestCivilDate(t *testing.T) {
	ny := time.FixedZone("EST", -5*60*60)

	// 03:00 UTC on Jan 2 is still Jan 1 in New York
	ts := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, day(2024, 1, 1), CivilDate(ts, ny))
	assert.Equal(t, day(2024, 1, 2), CivilDate(ts, nil))
}

func TestCacheKey(t *testing.T) {
	key := MetricKey{MetricType: "StepCount", Source: "iPhone", Unit: Week}
	ck := NewCacheKey(key, time.Date(2024, 1, 4, 15, 30, 0, 0, time.UTC))

	assert.Equal(t, day(2024, 1, 1), ck.Date)
	assert.Equal(t, "StepCount|iPhone|week|2024-01-01", ck.String())
	assert.Equal(t, SeriesKey{MetricType: "StepCount", Source: "iPhone"}, key.Series())
	assert.Equal(t, key, key.Series().WithUnit(Week))
	assert.True(t, SeriesKey{MetricType: "StepCount", Source: SourceAll}.IsAll())
}

func TestDateRange(t *testing.T) {
	r := NewDateRange(time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, day(2024, 1, 3), r.From)
	assert.Equal(t, day(2024, 1, 10), r.To)
	require.NoError(t, r.Validate())

	aligned := r.Align(Week)
	assert.Equal(t, day(2024, 1, 1), aligned.From)
	assert.Equal(t, day(2024, 1, 14), aligned.To)

	assert.True(t, r.Overlaps(Week, day(2024, 1, 8)))
	assert.True(t, r.Overlaps(Week, day(2024, 1, 1)))
	assert.False(t, r.Overlaps(Week, day(2024, 1, 15)))
	assert.False(t, r.Overlaps(Day, day(2024, 1, 2)))
	assert.True(t, All.Overlaps(Month, day(1970, 1, 1)))

	assert.Error(t, DateRange{From: day(2024, 2, 1), To: day(2024, 1, 1)}.Validate())
	assert.NoError(t, DateRange{From: day(2024, 2, 1)}.Validate())
}

func TestBucketProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u := rapid.SampledFrom(Units).Draw(t, "unit")
		d := day(2000, 1, 1).AddDate(0, 0, rapid.IntRange(0, 20000).Draw(t, "offset"))

		start := u.Start(d)
		if start.After(d) {
			t.Fatalf("%s start %s after %s", u, start, d)
		}
		if !u.Next(start).After(d) {
			t.Fatalf("%s bucket at %s does not contain %s", u, start, d)
		}
		if !u.Start(start).Equal(start) {
			t.Fatalf("%s start not idempotent at %s", u, start)
		}
		if u == Week && start.Weekday() != time.Monday {
			t.Fatalf("week starts on %s", start.Weekday())
		}
		if !NewDateRange(d, d).Overlaps(u, start) {
			t.Fatalf("bucket %s does not overlap its own day %s", start, d)
		}
	})
}

func TestErrors(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("put: %w", Transient("write", base))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Transient("write", nil))
	assert.False(t, IsTransient(base))

	aborted := &RecomputeAbortedError{Completed: 2, Remaining: 3, Err: ErrTimeout}
	assert.ErrorIs(t, aborted, ErrTimeout)
	assert.Contains(t, aborted.Error(), "after 2 keys (3 remaining)")

	ce := &ComputationError{Series: SeriesKey{MetricType: "HeartRate", Source: "Watch"}, Err: base}
	assert.Equal(t, "compute HeartRate|Watch: disk full", ce.Error())

	assert.True(t, ImportBatch{Status: ImportCompleted}.Completed())
	assert.False(t, ImportBatch{Status: ImportRunning}.Completed())
}
