package export

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nicktill/vitals/pkg/httpx"
	"github.com/nicktill/vitals/pkg/query"
)

// MaxImportBodyBytes caps a POST /v1/import body
const MaxImportBodyBytes = 64 << 20

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *log.Logger
}

// NewHandler creates a new export/import handler. importer may be nil, in
// which case POST /v1/import is not offered.
func NewHandler(exporter *Exporter, importer *Importer, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Handler{exporter: exporter, importer: importer, logger: logger.WithPrefix("export")}
}

// HandleExport handles GET /v1/export
// Query params:
//   - metric: metric type (required)
//   - source: source name (default: ALL)
//   - unit: day, week or month (default: day)
//   - from, to: YYYY-MM-DD (optional, inclusive)
//   - format: "json" or "csv" (default: json)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	format := strings.ToLower(params.Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	req, err := query.ParseRequest(params)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	opts := ExportOptions{
		MetricType: req.MetricType,
		Source:     req.Source,
		Unit:       req.Unit,
		From:       req.From,
		To:         req.To,
		Format:     format,
	}

	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("vitals-%s-%s-%s-%s.%s", req.MetricType, req.Source, req.Unit, timestamp, format)
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// nothing has been written when the query fails
		h.logger.Error("export failed", "key", req.MetricType+"|"+req.Source+"|"+string(req.Unit), "err", err)
		w.Header().Del("Content-Disposition")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("exported summaries", "key", result.Key, "records", result.RecordsExported,
		"format", format, "range", result.DateRange)
}

// HandleImport handles POST /v1/import
// Accepts a JSON document of raw records and loads it as one import batch
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		httpx.RespondErrorString(w, http.StatusNotImplemented, "raw import is disabled")
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxImportBodyBytes)
	result, err := h.importer.ImportFromJSON(r.Context(), body)
	if errors.Is(err, ErrImportExists) {
		httpx.RespondError(w, http.StatusConflict, err)
		return
	}
	if err != nil && result == nil {
		h.logger.Error("import failed", "err", err)
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.logger.Error("import loaded but not announced", "import", result.ImportID, "err", err)
		httpx.RespondJSON(w, http.StatusAccepted, result)
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import completed with validation errors", "import", result.ImportID, "errors", len(result.Errors))
		for i, msg := range result.Errors {
			if i == 10 {
				h.logger.Warn("more validation errors omitted", "count", len(result.Errors)-10)
				break
			}
			h.logger.Debug("validation error", "import", result.ImportID, "detail", msg)
		}
	}

	h.logger.Info("imported raw records", "import", result.ImportID, "records", result.RecordsImported,
		"batches", result.BatchesWritten, "range", result.TimeRange)
	httpx.RespondJSON(w, http.StatusOK, result)
}
