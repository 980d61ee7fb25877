package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/summary"
)

type stubQuerier struct {
	records []summary.Record
	err     error

	gotMetric string
	gotSource string
	gotUnit   summary.BucketUnit
	gotFrom   time.Time
	gotTo     time.Time
}

func (s *stubQuerier) Query(_ context.Context, metricType, source string, unit summary.BucketUnit, from, to time.Time) ([]summary.Record, error) {
	s.gotMetric, s.gotSource, s.gotUnit, s.gotFrom, s.gotTo = metricType, source, unit, from, to
	return s.records, s.err
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Request
		wantErr bool
	}{
		{
			name:  "defaults",
			query: "metric=StepCount",
			want:  Request{MetricType: "StepCount", Source: summary.SourceAll, Unit: summary.Day},
		},
		{
			name:  "full",
			query: "metric=HeartRate&source=Watch&unit=weekly&from=2024-01-01&to=2024-01-31",
			want: Request{
				MetricType: "HeartRate",
				Source:     "Watch",
				Unit:       summary.Week,
				From:       date(2024, 1, 1),
				To:         date(2024, 1, 31),
			},
		},
		{name: "missing metric", query: "unit=day", wantErr: true},
		{name: "bad unit", query: "metric=StepCount&unit=year", wantErr: true},
		{name: "bad date", query: "metric=StepCount&from=01/02/2024", wantErr: true},
		{name: "inverted", query: "metric=StepCount&from=2024-02-01&to=2024-01-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			got, err := ParseRequest(v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleSummaries(t *testing.T) {
	records := []summary.Record{{
		CacheKey:   "StepCount|ALL|day|2024-01-01",
		MetricType: "StepCount",
		Source:     summary.SourceAll,
		Unit:       summary.Day,
		Date:       date(2024, 1, 1),
		Stats:      summary.Statistics{Sum: 2000, Mean: 1000, Min: 800, Max: 1200, Count: 2, StdDev: 200},
		ImportID:   "imp1",
	}}

	tests := []struct {
		name   string
		query  string
		stub   *stubQuerier
		status int
	}{
		{name: "ok", query: "?metric=StepCount&from=2024-01-01", stub: &stubQuerier{records: records}, status: http.StatusOK},
		{name: "bad request", query: "?unit=day", stub: &stubQuerier{}, status: http.StatusBadRequest},
		{name: "not found", query: "?metric=StepCount", stub: &stubQuerier{err: summary.ErrNotFound}, status: http.StatusNotFound},
		{name: "failure", query: "?metric=StepCount", stub: &stubQuerier{err: errors.New("disk on fire")}, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.stub)
			req := httptest.NewRequest(http.MethodGet, "/v1/summaries"+tt.query, nil)
			rec := httptest.NewRecorder()

			h.HandleSummaries(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandleSummaries_Body(t *testing.T) {
	stub := &stubQuerier{records: []summary.Record{
		{MetricType: "StepCount", Source: "iPhone", Unit: summary.Month, Date: date(2024, 1, 1), Stats: summary.Statistics{Sum: 6000, Count: 4}},
	}}
	h := NewHandler(stub)
	req := httptest.NewRequest(http.MethodGet, "/v1/summaries?metric=StepCount&source=iPhone&unit=month&to=2024-03-31", nil)
	rec := httptest.NewRecorder()

	h.HandleSummaries(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SummaryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "StepCount", resp.Metric)
	assert.Equal(t, "iPhone", resp.Source)
	assert.Equal(t, "month", resp.Unit)
	assert.Empty(t, resp.From)
	assert.Equal(t, "2024-03-31", resp.To)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 6000.0, resp.Records[0].Stats.Sum)

	assert.Equal(t, summary.Month, stub.gotUnit)
	assert.True(t, stub.gotFrom.IsZero())
	assert.Equal(t, date(2024, 3, 31), stub.gotTo)
}
