package query

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nicktill/vitals/pkg/httpx"
	"github.com/nicktill/vitals/pkg/summary"
)

// Handler serves summary queries over HTTP
type Handler struct {
	querier Querier
}

// NewHandler creates a new query handler
func NewHandler(q Querier) *Handler {
	return &Handler{querier: q}
}

// Request is a parsed summary query
type Request struct {
	MetricType string
	Source     string
	Unit       summary.BucketUnit
	From       time.Time
	To         time.Time
}

// SummaryResponse is the payload of /v1/summaries
type SummaryResponse struct {
	Metric  string           `json:"metric"`
	Source  string           `json:"source"`
	Unit    string           `json:"unit"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	Count   int              `json:"count"`
	Records []summary.Record `json:"records"`
}

// ParseRequest reads metric, source, unit, from and to query parameters.
// Source defaults to ALL and unit to day.
func ParseRequest(v url.Values) (Request, error) {
	req := Request{
		MetricType: v.Get("metric"),
		Source:     v.Get("source"),
		Unit:       summary.Day,
	}
	if req.MetricType == "" {
		return req, errors.New("metric parameter is required")
	}
	if req.Source == "" {
		req.Source = summary.SourceAll
	}
	if u := v.Get("unit"); u != "" {
		unit, err := summary.ParseBucketUnit(u)
		if err != nil {
			return req, err
		}
		req.Unit = unit
	}

	var err error
	if s := v.Get("from"); s != "" {
		if req.From, err = summary.ParseDate(s); err != nil {
			return req, fmt.Errorf("invalid from date: %w", err)
		}
	}
	if s := v.Get("to"); s != "" {
		if req.To, err = summary.ParseDate(s); err != nil {
			return req, fmt.Errorf("invalid to date: %w", err)
		}
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return req, errors.New("from must not be after to")
	}
	return req, nil
}

// HandleSummaries handles GET /v1/summaries
func (h *Handler) HandleSummaries(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	records, err := h.querier.Query(r.Context(), req.MetricType, req.Source, req.Unit, req.From, req.To)
	if errors.Is(err, summary.ErrNotFound) {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	resp := SummaryResponse{
		Metric:  req.MetricType,
		Source:  req.Source,
		Unit:    string(req.Unit),
		Count:   len(records),
		Records: records,
	}
	if !req.From.IsZero() {
		resp.From = req.From.Format(summary.DateLayout)
	}
	if !req.To.IsZero() {
		resp.To = req.To.Format(summary.DateLayout)
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}
