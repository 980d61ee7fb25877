package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/vitals/pkg/query"
	"github.com/nicktill/vitals/pkg/summary"
)

// FormatVersion is written into JSON export metadata
const FormatVersion = "1.0"

// Exporter writes queried summaries to JSON or CSV
type Exporter struct {
	querier query.Querier
	now     func() time.Time
}

// NewExporter creates a new exporter reading through q
func NewExporter(q query.Querier) *Exporter {
	return &Exporter{querier: q, now: time.Now}
}

// ExportOptions selects the series to export
type ExportOptions struct {
	MetricType string
	Source     string
	Unit       summary.BucketUnit

	// Civil date range, inclusive. Zero values leave a side open.
	From time.Time
	To   time.Time

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	Key             string    `json:"key"`
	DateRange       string    `json:"date_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	MetricType  string    `json:"metric_type"`
	Source      string    `json:"source"`
	Unit        string    `json:"unit"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	RecordCount int       `json:"record_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Document is the JSON export layout
type Document struct {
	Metadata Metadata         `json:"metadata"`
	Records  []summary.Record `json:"records"`
}

// csvHeader is the column order of CSV exports
var csvHeader = []string{
	"date", "metric_type", "source", "unit",
	"sum", "mean", "min", "max", "count", "stddev", "variance",
	"import_id",
}

// fetch runs the query. A series without data exports as empty.
func (e *Exporter) fetch(ctx context.Context, opts ExportOptions) ([]summary.Record, error) {
	if opts.Source == "" {
		opts.Source = summary.SourceAll
	}
	records, err := e.querier.Query(ctx, opts.MetricType, opts.Source, opts.Unit, opts.From, opts.To)
	if errors.Is(err, summary.ErrNotFound) {
		return []summary.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	return records, nil
}

// ExportToJSON exports summaries as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.fetch(ctx, opts)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  e.now(),
			MetricType:  opts.MetricType,
			Source:      sourceOrAll(opts.Source),
			Unit:        string(opts.Unit),
			From:        formatDate(opts.From),
			To:          formatDate(opts.To),
			RecordCount: len(records),
			Format:      "json",
			Version:     FormatVersion,
		},
		Records: records,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return e.result(opts, len(records), "json", doc.Metadata.ExportedAt), nil
}

// ExportToCSV exports summaries as CSV to the given writer. Day and week
// rows leave the variance column empty.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	records, err := e.fetch(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		variance := ""
		if r.Stats.Variance != nil {
			variance = formatFloat(*r.Stats.Variance)
		}
		row := []string{
			r.Date.Format(summary.DateLayout),
			r.MetricType,
			r.Source,
			string(r.Unit),
			formatFloat(r.Stats.Sum),
			formatFloat(r.Stats.Mean),
			formatFloat(r.Stats.Min),
			formatFloat(r.Stats.Max),
			strconv.FormatInt(r.Stats.Count, 10),
			formatFloat(r.Stats.StdDev),
			variance,
			r.ImportID,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return e.result(opts, len(records), "csv", e.now()), nil
}

func (e *Exporter) result(opts ExportOptions, n int, format string, at time.Time) *ExportResult {
	key := summary.MetricKey{MetricType: opts.MetricType, Source: sourceOrAll(opts.Source), Unit: opts.Unit}
	from, to := formatDate(opts.From), formatDate(opts.To)
	if from == "" {
		from = "*"
	}
	if to == "" {
		to = "*"
	}
	return &ExportResult{
		RecordsExported: n,
		Key:             key.String(),
		DateRange:       from + " to " + to,
		Format:          format,
		ExportedAt:      at,
	}
}

func sourceOrAll(s string) string {
	if s == "" {
		return summary.SourceAll
	}
	return s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(summary.DateLayout)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
