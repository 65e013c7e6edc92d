// Package store keeps a SQLite ledger of scenario runs and labeling batches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    scenario    TEXT NOT NULL,
    output_dir  TEXT NOT NULL,
    start_ns    INTEGER NOT NULL,
    end_ns      INTEGER NOT NULL,
    status      TEXT NOT NULL,
    samples     INTEGER NOT NULL DEFAULT 0,
    error       TEXT
);

CREATE TABLE IF NOT EXISTS phases (
    run_id      TEXT NOT NULL REFERENCES runs(id),
    ordinal     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    label       TEXT NOT NULL,
    kind        TEXT NOT NULL,
    start_ns    INTEGER NOT NULL,
    end_ns      INTEGER NOT NULL,
    error       TEXT,
    PRIMARY KEY (run_id, ordinal)
);

CREATE TABLE IF NOT EXISTS batch_files (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT NOT NULL,
    created_ns  INTEGER NOT NULL,
    path        TEXT NOT NULL,
    label       TEXT NOT NULL,
    status      TEXT NOT NULL,
    rows        INTEGER NOT NULL DEFAULT 0,
    corrected   INTEGER NOT NULL DEFAULT 0,
    error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_start ON runs(start_ns);
CREATE INDEX IF NOT EXISTS idx_batch_files_batch ON batch_files(batch_id);
`

// Run status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one scenario execution.
type Run struct {
	ID        string
	Scenario  string
	OutputDir string
	Start     time.Time
	End       time.Time
	Status    string
	Samples   int
	Error     string
	Phases    []Phase
}

// Phase is one executed phase of a run.
type Phase struct {
	Name  string
	Label string
	Kind  string
	Start time.Time
	End   time.Time
	Error string
}

// BatchFile is the outcome of labeling one capture file.
type BatchFile struct {
	Path      string
	Label     string
	Status    string
	Rows      int
	Corrected int
	Error     string
}

// Store is the SQLite ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordRun stores a run and its phases in one transaction.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, output_dir, start_ns, end_ns, status, samples, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scenario, r.OutputDir, r.Start.UnixNano(), r.End.UnixNano(), r.Status, r.Samples, nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO phases (run_id, ordinal, name, label, kind, start_ns, end_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare phase insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range r.Phases {
		if _, err := stmt.ExecContext(ctx, r.ID, i, p.Name, p.Label, p.Kind,
			p.Start.UnixNano(), p.End.UnixNano(), nullString(p.Error)); err != nil {
			return fmt.Errorf("insert phase %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

// GetRun loads a run with its phases in execution order.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		r          Run
		start, end int64
		errMsg     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, output_dir, start_ns, end_ns, status, samples, error
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Scenario, &r.OutputDir, &start, &end, &r.Status, &r.Samples, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", id, err)
	}
	r.Start, r.End, r.Error = time.Unix(0, start), time.Unix(0, end), errMsg.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, label, kind, start_ns, end_ns, error
		FROM phases WHERE run_id = ? ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      Phase
			ps, pe int64
			pErr   sql.NullString
		)
		if err := rows.Scan(&p.Name, &p.Label, &p.Kind, &ps, &pe, &pErr); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.Start, p.End, p.Error = time.Unix(0, ps), time.Unix(0, pe), pErr.String
		r.Phases = append(r.Phases, p)
	}
	return &r, rows.Err()
}

// ListRuns returns the most recent runs first, without phases.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario, output_dir, start_ns, end_ns, status, samples, error
		FROM runs ORDER BY start_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r          Run
			start, end int64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Scenario, &r.OutputDir, &start, &end, &r.Status, &r.Samples, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Start, r.End, r.Error = time.Unix(0, start), time.Unix(0, end), errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordBatch stores the per-file outcomes of one labeling batch.
func (s *Store) RecordBatch(ctx context.Context, batchID string, at time.Time, files []BatchFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_files (batch_id, created_ns, path, label, status, rows, corrected, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, batchID, at.UnixNano(), f.Path, f.Label, f.Status,
			f.Rows, f.Corrected, nullString(f.Error)); err != nil {
			return fmt.Errorf("insert batch file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

// BatchFiles returns the files of a batch in insertion order.
func (s *Store) BatchFiles(ctx context.Context, batchID string) ([]BatchFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, label, status, rows, corrected, error
		FROM batch_files WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch files: %w", err)
	}
	defer rows.Close()

	var out []BatchFile
	for rows.Next() {
		var (
			f      BatchFile
			errMsg sql.NullString
		)
		if err := rows.Scan(&f.Path, &f.Label, &f.Status, &f.Rows, &f.Corrected, &errMsg); err != nil {
			return nil, fmt.Errorf("scan batch file: %w", err)
		}
		f.Error = errMsg.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
