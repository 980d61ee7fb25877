package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/refresh"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/summary"
)

// ErrImportExists is returned when a document names an import that is
// already completed. Completed batches are never reopened.
var ErrImportExists = errors.New("import already completed")

const (
	// MaxImportBatchSize is the maximum number of raw records appended at once
	MaxImportBatchSize = 5000
)

// Registry tracks import batches
type Registry interface {
	RecordImport(ctx context.Context, batch summary.ImportBatch) (summary.ImportBatch, error)
	Import(ctx context.Context, importID string) (summary.ImportBatch, error)
}

// Notifier is told when an import batch has completed
type Notifier interface {
	NotifyImportCompleted(ctx context.Context, importID string, recordCount int64) (*refresh.Handle, error)
}

// Importer bulk-loads raw records from a JSON document into the Raw Store,
// then announces the batch so summaries are recomputed.
//
// It exists for seeding and development; production imports come from the
// external validation pipeline and only call the completion endpoint.
type Importer struct {
	raw      rawstore.Store
	registry Registry
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
}

// NewImporter creates a new importer
func NewImporter(raw rawstore.Store, registry Registry, notifier Notifier, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Importer{
		raw:      raw,
		registry: registry,
		notifier: notifier,
		logger:   logger.WithPrefix("import"),
		now:      time.Now,
	}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	ImportID        string    `json:"import_id"`
	RecordsImported int       `json:"records_imported"`
	BatchesWritten  int       `json:"batches_written"`
	TimeRange       string    `json:"time_range"`
	ImportedAt      time.Time `json:"imported_at"`
	RefreshID       string    `json:"refresh_id,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportData is the JSON document accepted by ImportFromJSON
type ImportData struct {
	ImportID string            `json:"import_id,omitempty"`
	Records  []rawstore.Record `json:"records"`
}

// ImportFromJSON appends the valid records of the document as one batch.
// Invalid records are skipped and reported. A missing import id is
// generated.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var data ImportData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	importID := data.ImportID
	if importID == "" {
		importID = "import-" + uuid.NewString()
	}
	started := im.now()

	if len(data.Records) == 0 {
		return &ImportResult{ImportID: importID, TimeRange: "empty", ImportedAt: started}, nil
	}

	var validationErrors []string
	valid := make([]rawstore.Record, 0, len(data.Records))
	for i, rec := range data.Records {
		if err := validateRecord(rec, started); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		rec.ImportID = importID
		valid = append(valid, rec)
	}

	result := &ImportResult{
		ImportID:   importID,
		ImportedAt: started,
		Errors:     validationErrors,
		TimeRange:  "empty",
	}
	if len(valid) == 0 {
		return result, nil
	}

	existing, err := im.registry.Import(ctx, importID)
	switch {
	case err == nil && existing.Completed():
		return nil, fmt.Errorf("%w: %s", ErrImportExists, importID)
	case err != nil && !errors.Is(err, storage.ErrImportNotFound):
		return nil, fmt.Errorf("failed to look up import %s: %w", importID, err)
	}

	_, err = im.registry.RecordImport(ctx, summary.ImportBatch{
		ImportID:  importID,
		StartedAt: started,
		Status:    summary.ImportRunning,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register import %s: %w", importID, err)
	}

	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := min(i+MaxImportBatchSize, len(valid))
		if err := im.raw.Append(ctx, valid[i:end]); err != nil {
			im.markFailed(importID, started)
			return nil, fmt.Errorf("failed to append batch %d: %w", result.BatchesWritten, err)
		}
		result.BatchesWritten++
	}
	result.RecordsImported = len(valid)

	minTime, maxTime := valid[0].Start, valid[0].Start
	for _, rec := range valid {
		if rec.Start.Before(minTime) {
			minTime = rec.Start
		}
		if rec.Start.After(maxTime) {
			maxTime = rec.Start
		}
	}
	result.TimeRange = fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))

	h, err := im.notifier.NotifyImportCompleted(ctx, importID, int64(len(valid)))
	if err != nil {
		return result, fmt.Errorf("records loaded but refresh not scheduled: %w", err)
	}
	result.RefreshID = h.ID()
	return result, nil
}

// markFailed records a failed load. A batch completed in the meantime is
// left alone.
func (im *Importer) markFailed(importID string, started time.Time) {
	ctx := context.Background()
	if b, err := im.registry.Import(ctx, importID); err == nil && b.Completed() {
		im.logger.Warn("not marking completed import as failed", "import", importID)
		return
	}
	_, err := im.registry.RecordImport(ctx, summary.ImportBatch{
		ImportID:    importID,
		StartedAt:   started,
		CompletedAt: im.now(),
		Status:      summary.ImportFailed,
	})
	if err != nil {
		im.logger.Error("failed to mark import as failed, batch stays running", "import", importID, "err", err)
	}
}

// validateRecord checks a raw record before import
func validateRecord(r rawstore.Record, now time.Time) error {
	if r.MetricType == "" {
		return errors.New("metric type cannot be empty")
	}
	if r.Source == "" {
		return errors.New("source cannot be empty")
	}
	if r.Start.IsZero() {
		return errors.New("start time cannot be zero")
	}
	if r.Value == "" {
		return errors.New("value cannot be empty")
	}
	if r.Start.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("start time too far in future: %s", r.Start.Format(time.RFC3339))
	}
	return nil
}
