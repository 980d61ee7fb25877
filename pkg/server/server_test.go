package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/query"
	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/refresh"
	"github.com/nicktill/vitals/pkg/summary"
)

func newTestStack(t *testing.T) (*Stack, http.Handler) {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Refresh.CoalesceWindow = 0
	cfg.Refresh.TimeZone = "UTC"

	ctx := context.Background()
	s, err := NewStack(ctx, cfg, nil)
	require.NoError(t, err)
	s.Start(ctx)
	t.Cleanup(func() { s.Close() })

	return s, s.Router()
}

func seedSteps(t *testing.T, s *Stack, importID string) {
	t.Helper()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Raw.Append(context.Background(), []rawstore.Record{
		{MetricType: "StepCount", Source: "iPhone", Start: day.Add(8 * time.Hour), Value: "1200", ImportID: importID},
		{MetricType: "StepCount", Source: "iPhone", Start: day.Add(20 * time.Hour), Value: "800", ImportID: importID},
		{MetricType: "StepCount", Source: "Watch", Start: day.Add(9 * time.Hour), Value: "500", ImportID: importID},
	}))
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitRefresh(t *testing.T, s *Stack, id string) {
	t.Helper()
	h, ok := s.Coordinator.Lookup(id)
	require.True(t, ok, "refresh %s not found", id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestImportCompletedMaterializes(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	w := do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", []byte(`{"record_count":3}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var info refresh.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "imp-1", info.ImportID)
	waitRefresh(t, s, info.ID)

	w = do(t, router, http.MethodGet, "/v1/refresh/"+info.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, refresh.Done, info.Status)

	key := summary.MetricKey{MetricType: "StepCount", Source: "iPhone", Unit: summary.Day}
	current, ok := s.Cache.Current(key)
	require.True(t, ok)
	assert.Equal(t, "imp-1", current)

	w = do(t, router, http.MethodGet, "/v1/summaries?metric=StepCount&source=ALL&from=2024-01-01&to=2024-01-01", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp query.SummaryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, 2500.0, resp.Records[0].Stats.Sum)
	assert.Equal(t, int64(3), resp.Records[0].Stats.Count)
	assert.Equal(t, "imp-1", resp.Records[0].ImportID)

	// a repeated announcement reports the same cycle
	w = do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", []byte(`{"record_count":3}`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var again refresh.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&again))
	assert.Equal(t, info.ID, again.ID)
	assert.Equal(t, refresh.Done, again.Status)
}

func TestImportCompletedRejectsBadBody(t *testing.T) {
	_, router := newTestStack(t)

	w := do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", []byte(`{"record_count":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", []byte(`{"record_count":-1}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportCompletedWithoutBody(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	w := do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestManualRefresh(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	w := do(t, router, http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var info refresh.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.True(t, info.Manual)
	assert.True(t, strings.HasPrefix(info.ImportID, "manual-"), info.ImportID)
	waitRefresh(t, s, info.ID)

	w = do(t, router, http.MethodGet, "/v1/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ind RefreshIndicator
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ind))
	assert.False(t, ind.Running)
}

func TestRefreshUnknownID(t *testing.T) {
	_, router := newTestStack(t)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/v1/refresh/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodDelete, "/v1/refresh/nope", nil).Code)
}

func TestCancelFinishedRefresh(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	w := do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var info refresh.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	waitRefresh(t, s, info.ID)

	w = do(t, router, http.MethodDelete, "/v1/refresh/"+info.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealth(t *testing.T) {
	_, router := newTestStack(t)

	w := do(t, router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.True(t, resp.Refresh.Healthy)
}

func TestStorageAndCacheStats(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	w := do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", nil)
	var info refresh.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	waitRefresh(t, s, info.ID)

	w = do(t, router, http.MethodGet, "/v1/storage", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"used_bytes":0`)

	w = do(t, router, http.MethodGet, "/v1/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "StepCount")
}

func TestMetricsEndpoint(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	w := do(t, router, http.MethodPost, "/v1/imports/imp-1/completed", nil)
	var info refresh.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	waitRefresh(t, s, info.ID)

	w = do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "vitals_refresh_cycles_total")
	assert.Contains(t, body, "vitals_cache_keys")
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, `vitals_http_requests_total{method="POST",route="/v1/imports/{id}/completed",status="202"} 1`)
}

func TestCORS(t *testing.T) {
	_, router := newTestStack(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/summaries", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:8080", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	req = httptest.NewRequest(http.MethodOptions, "/v1/summaries", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProgressOverWebSocket(t *testing.T) {
	s, router := newTestStack(t)
	seedSteps(t, s, "imp-1")

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, s.Hub.HasClients, 2*time.Second, 10*time.Millisecond)

	h, err := s.Coordinator.NotifyImportCompleted(context.Background(), "imp-1", 3)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg ProgressMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != "refresh_progress" || msg.Refresh.ID != h.ID() {
			continue
		}
		if msg.Refresh.Status == refresh.Done {
			assert.Equal(t, "imp-1", msg.Refresh.ImportID)
			assert.Equal(t, 1.0, msg.Refresh.Progress)
			return
		}
	}
}

func TestNewStackRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Cache.L1MaxEntries = 0

	_, err := NewStack(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestNewStackOnDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.RawStorePath = dir + "/raw/raw.db"
	cfg.Storage.MaxMemoryMB = 16
	cfg.Refresh.CoalesceWindow = 0
	cfg.Refresh.TimeZone = "UTC"

	ctx := context.Background()
	s, err := NewStack(ctx, cfg, nil)
	require.NoError(t, err)
	s.Start(ctx)
	seedSteps(t, s, "imp-1")

	h, err := s.Coordinator.NotifyImportCompleted(ctx, "imp-1", 3)
	require.NoError(t, err)
	waitRefresh(t, s, h.ID())
	require.NoError(t, s.Close())

	// reopen: the pointer survives in L2
	s, err = NewStack(ctx, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	current, ok := s.Cache.Current(summary.MetricKey{MetricType: "StepCount", Source: "Watch", Unit: summary.Day})
	require.True(t, ok)
	assert.Equal(t, "imp-1", current)

	w := do(t, s.Router(), http.MethodPost, "/v1/imports/imp-1/completed", nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}
