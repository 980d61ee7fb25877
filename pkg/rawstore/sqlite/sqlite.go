package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nicktill/vitals/pkg/rawstore"
	"github.com/nicktill/vitals/pkg/summary"
)

// Store implements rawstore.Store on an SQLite fact table.
type Store struct {
	db *sql.DB
}

// Config holds SQLite configuration
type Config struct {
	// Path to the database file. ":memory:" for tests.
	Path string
}

// readPoolSize bounds connections to a file-backed database
const readPoolSize = 4

// migrations are applied in order on open
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_type TEXT NOT NULL,
		source TEXT NOT NULL,
		start_ns INTEGER NOT NULL,
		value TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		import_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_type_source_start ON raw_records(metric_type, source, start_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_type_start ON raw_records(metric_type, start_ns)`,
}

// New opens (or creates) the raw record database
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	inMemory := cfg.Path == ":memory:"
	dsn := cfg.Path
	if !inMemory {
		// pragmas in the DSN apply to every pool connection
		dsn += "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(5000)",
				"journal_mode(WAL)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers run beside the one writer. A ":memory:" database lives
	// in a single connection, so it gets exactly one.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(readPoolSize)
		db.SetMaxIdleConns(readPoolSize)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return &Store{db: db}, nil
}

// Append bulk-loads records in one transaction
func (s *Store) Append(ctx context.Context, records []rawstore.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO raw_records
		(metric_type, source, start_ns, value, unit, import_id) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.MetricType, r.Source, r.Start.UnixNano(), r.Value, r.Unit, r.ImportID); err != nil {
			return fmt.Errorf("failed to insert raw record: %w", err)
		}
	}

	return tx.Commit()
}

// Series returns distinct (type, source) pairs sorted by type then source
func (s *Store) Series(ctx context.Context) ([]summary.SeriesKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT metric_type, source FROM raw_records ORDER BY metric_type, source`)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	out := []summary.SeriesKey{}
	for rows.Next() {
		var k summary.SeriesKey
		if err := rows.Scan(&k.MetricType, &k.Source); err != nil {
			return nil, fmt.Errorf("failed to scan series: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Scan streams matching records ordered by start time
func (s *Store) Scan(ctx context.Context, req rawstore.ScanRequest, fn func(rawstore.Record) error) error {
	query := `SELECT metric_type, source, start_ns, value, unit, import_id
		FROM raw_records WHERE metric_type = ?`
	args := []any{req.MetricType}

	if req.Source != "" && req.Source != summary.SourceAll {
		query += ` AND source = ?`
		args = append(args, req.Source)
	}
	if !req.Start.IsZero() {
		query += ` AND start_ns >= ?`
		args = append(args, req.Start.UnixNano())
	}
	if !req.End.IsZero() {
		query += ` AND start_ns < ?`
		args = append(args, req.End.UnixNano())
	}
	query += ` ORDER BY start_ns`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query raw records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r rawstore.Record
		var startNS int64
		if err := rows.Scan(&r.MetricType, &r.Source, &startNS, &r.Value, &r.Unit, &r.ImportID); err != nil {
			return fmt.Errorf("failed to scan raw record: %w", err)
		}
		r.Start = time.Unix(0, startNS).UTC()
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
