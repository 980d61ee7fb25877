package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/vitals/pkg/cache"
	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/export"
	"github.com/nicktill/vitals/pkg/httpx"
	"github.com/nicktill/vitals/pkg/query"
	"github.com/nicktill/vitals/pkg/refresh"
	"github.com/nicktill/vitals/pkg/server/monitor"
	"github.com/nicktill/vitals/pkg/summary"
)

// Version is reported by /v1/health
const Version = "1.0.0"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string                `json:"status"`
	Version    string                `json:"version"`
	Uptime     string                `json:"uptime"`
	Refreshing bool                  `json:"refreshing"`
	Refresh    monitor.RefreshStatus `json:"refresh"`
	Cache      cache.Stats           `json:"cache"`
	Storage    *monitor.Usage        `json:"storage,omitempty"`
}

// RefreshIndicator is the payload of GET /v1/refresh
type RefreshIndicator struct {
	Running bool          `json:"running"`
	Current *refresh.Info `json:"current,omitempty"`
}

// importCompletedRequest is the optional body of POST /v1/imports/{id}/completed
type importCompletedRequest struct {
	RecordCount int64 `json:"record_count"`
}

// Routes bundles everything SetupRoutes serves
type Routes struct {
	Query          *query.Handler
	Export         *export.Handler
	Coordinator    *refresh.Coordinator
	Cache          *cache.Manager
	Hub            *ProgressHub
	RefreshMonitor *monitor.RefreshMonitor
	StorageMonitor *monitor.StorageMonitor
	Metrics        *HTTPMetrics
	Gatherer       prometheus.Gatherer
	Port           string
}

// handleHealth returns service health status.
func handleHealth(rt Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		refreshStatus := rt.RefreshMonitor.Status()
		if !refreshStatus.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:     overallStatus,
			Version:    Version,
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			Refreshing: rt.Coordinator.Running(),
			Refresh:    refreshStatus,
			Cache:      rt.Cache.Stats(),
		}

		if rt.StorageMonitor != nil {
			ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
			defer cancel()
			if usage, err := rt.StorageMonitor.Usage(ctx); err == nil {
				response.Storage = &usage
				if usage.OverLimit {
					response.Status = "degraded"
				}
			}
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(sm *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
		defer cancel()

		usage, err := sm.Usage(ctx)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// handleCacheStats returns L1/L2 traffic counters and the materialized keys
func handleCacheStats(m *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := m.Keys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]any{
			"stats": m.Stats(),
			"keys":  names,
		})
	}
}

// handleImportCompleted handles POST /v1/imports/{id}/completed
func handleImportCompleted(c *refresh.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		importID := mux.Vars(r)["id"]

		var req importCompletedRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
		}
		if req.RecordCount < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "record_count cannot be negative")
			return
		}

		h, err := c.NotifyImportCompleted(r.Context(), importID, req.RecordCount)
		if err != nil {
			respondRefreshError(w, err)
			return
		}
		httpx.RespondJSON(w, http.StatusAccepted, h.Info())
	}
}

// handleManualRefresh handles POST /v1/refresh
func handleManualRefresh(c *refresh.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := c.RequestManualRefresh(r.Context())
		if err != nil {
			respondRefreshError(w, err)
			return
		}
		httpx.RespondJSON(w, http.StatusAccepted, h.Info())
	}
}

// handleRefreshIndicator handles GET /v1/refresh
func handleRefreshIndicator(c *refresh.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := RefreshIndicator{Running: c.Running()}
		if h := c.Current(); h != nil {
			info := h.Info()
			resp.Current = &info
		}
		httpx.RespondJSON(w, http.StatusOK, resp)
	}
}

// handleRefreshStatus handles GET /v1/refresh/{id}
func handleRefreshStatus(c *refresh.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := c.Lookup(mux.Vars(r)["id"])
		if !ok {
			httpx.RespondErrorString(w, http.StatusNotFound, "unknown refresh id")
			return
		}
		httpx.RespondJSON(w, http.StatusOK, h.Info())
	}
}

// handleRefreshCancel handles DELETE /v1/refresh/{id}
func handleRefreshCancel(c *refresh.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := c.Lookup(mux.Vars(r)["id"])
		if !ok {
			httpx.RespondErrorString(w, http.StatusNotFound, "unknown refresh id")
			return
		}
		if h.Status().Terminal() {
			httpx.RespondJSON(w, http.StatusConflict, h.Info())
			return
		}
		c.Cancel(h)
		httpx.RespondJSON(w, http.StatusAccepted, h.Info())
	}
}

func respondRefreshError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, refresh.ErrStopped):
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, summary.ErrUnknownImport), errors.Is(err, refresh.ErrAlreadyCompleted):
		httpx.RespondError(w, http.StatusConflict, err)
	default:
		httpx.RespondError(w, http.StatusBadRequest, err)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, rt Routes) {
	// CORS middleware for API access
	router.Use(corsMiddleware(rt.Port))
	if rt.Metrics != nil {
		router.Use(rt.Metrics.Middleware)
	}

	api := router.PathPrefix("/v1").Subrouter()

	// Dashboard reads
	api.HandleFunc("/summaries", rt.Query.HandleSummaries).Methods("GET")
	api.HandleFunc("/export", rt.Export.HandleExport).Methods("GET")

	// Importer notifications and raw loading
	api.HandleFunc("/imports/{id}/completed", handleImportCompleted(rt.Coordinator)).Methods("POST")
	api.HandleFunc("/import", rt.Export.HandleImport).Methods("POST")

	// Refresh control
	api.HandleFunc("/refresh", handleManualRefresh(rt.Coordinator)).Methods("POST")
	api.HandleFunc("/refresh", handleRefreshIndicator(rt.Coordinator)).Methods("GET")
	api.HandleFunc("/refresh/{id}", handleRefreshStatus(rt.Coordinator)).Methods("GET")
	api.HandleFunc("/refresh/{id}", handleRefreshCancel(rt.Coordinator)).Methods("DELETE")
	api.HandleFunc("/ws", rt.Hub.HandleWebSocket(rt.Coordinator.Current)).Methods("GET")

	// Stats and health
	api.HandleFunc("/cache", handleCacheStats(rt.Cache)).Methods("GET")
	if rt.StorageMonitor != nil {
		api.HandleFunc("/storage", handleStorageUsage(rt.StorageMonitor)).Methods("GET")
	}
	api.HandleFunc("/health", handleHealth(rt)).Methods("GET")

	// Prometheus scrape endpoint
	if rt.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// mux runs middleware only on matched routes, so preflights need one
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
