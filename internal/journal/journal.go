// Package journal records conversion runs and their committed batches in a
// SQLite sidecar so an interrupted conversion can resume.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Status is the state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Run is a row in runs.
type Run struct {
	ID          string         `json:"id"`
	Input       string         `json:"input"`
	Fingerprint string         `json:"fingerprint"`
	Output      string         `json:"output"`
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RowsLoaded  int64          `json:"rows_loaded"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Batch is a committed batch in run_batches.
type Batch struct {
	RunID    string    `json:"run_id"`
	Table    string    `json:"table"`
	Index    int       `json:"index"`
	FirstID  int64     `json:"first_id"`
	LastID   int64     `json:"last_id"`
	Rows     int64     `json:"rows"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Result is passed to Complete.
type Result struct {
	RowsLoaded int64
	Metadata   map[string]any
}

// Journal wraps the sidecar database.
type Journal struct {
	db *sql.DB
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	input        TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	output       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	rows_loaded  INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS run_batches (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	table_name  TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	first_id    INTEGER NOT NULL,
	last_id     INTEGER NOT NULL,
	rows        INTEGER NOT NULL,
	loaded_at   DATETIME NOT NULL,
	PRIMARY KEY (run_id, table_name, batch_index)
);

CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint, output);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Open opens or creates the journal at path and configures WAL mode.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "journal: open")
	}
	// Batches are recorded from several workers; one connection keeps
	// SQLite writers from contending.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "journal: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "journal: migrate")
	}
	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Start records the beginning of a conversion run.
func (j *Journal) Start(ctx context.Context, input, fingerprint, output string) (*Run, error) {
	run := &Run{
		ID:          uuid.New().String(),
		Input:       input,
		Fingerprint: fingerprint,
		Output:      output,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, input, fingerprint, output, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Input, run.Fingerprint, run.Output, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "journal: start run for %s", input)
	}
	return run, nil
}

// RecordBatch marks a batch as committed to the database.
func (j *Journal) RecordBatch(ctx context.Context, b Batch) error {
	if b.LoadedAt.IsZero() {
		b.LoadedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_batches (run_id, table_name, batch_index, first_id, last_id, rows, loaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.RunID, b.Table, b.Index, b.FirstID, b.LastID, b.Rows, b.LoadedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "journal: record %s batch %d", b.Table, b.Index)
	}
	_, err = j.db.ExecContext(ctx,
		`UPDATE runs SET rows_loaded = rows_loaded + ? WHERE id = ?`, b.Rows, b.RunID)
	return eris.Wrapf(err, "journal: count rows for run %s", b.RunID)
}

// LoadedBatches returns the batches of table committed by any run over the
// same input fingerprint and output, keyed by batch index.
func (j *Journal) LoadedBatches(ctx context.Context, fingerprint, output, table string) (map[int]Batch, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT b.run_id, b.table_name, b.batch_index, b.first_id, b.last_id, b.rows, b.loaded_at
		 FROM run_batches b JOIN runs r ON r.id = b.run_id
		 WHERE r.fingerprint = ? AND r.output = ? AND b.table_name = ?
		 ORDER BY b.loaded_at`,
		fingerprint, output, table,
	)
	if err != nil {
		return nil, eris.Wrap(err, "journal: query batches")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[int]Batch)
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.RunID, &b.Table, &b.Index, &b.FirstID, &b.LastID, &b.Rows, &b.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "journal: scan batch")
		}
		out[b.Index] = b
	}
	return out, eris.Wrap(rows.Err(), "journal: iterate batches")
}

// Complete marks a run as successfully completed.
func (j *Journal) Complete(ctx context.Context, runID string, result Result) error {
	var meta []byte
	if result.Metadata != nil {
		var err error
		meta, err = json.Marshal(result.Metadata)
		if err != nil {
			return eris.Wrap(err, "journal: marshal metadata")
		}
	}
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, rows_loaded = ?, metadata = ?, completed_at = ? WHERE id = ?`,
		string(StatusComplete), result.RowsLoaded, nullBytes(meta), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "journal: complete run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// Fail marks a run as failed with the given error.
func (j *Journal) Fail(ctx context.Context, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(StatusFailed), msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "journal: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// FindResumable returns the most recent unfinished run over the same input
// fingerprint and output, or nil when there is none.
func (j *Journal) FindResumable(ctx context.Context, fingerprint, output string) (*Run, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE fingerprint = ? AND output = ? AND status <> ?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		fingerprint, output, string(StatusComplete),
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "journal: find resumable run")
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. limit <= 0 returns all.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "journal: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "journal: scan run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "journal: iterate runs")
}

const runColumns = `id, input, fingerprint, output, status, rows_loaded, error, metadata, started_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(s scannable) (*Run, error) {
	var (
		run       Run
		status    string
		errMsg    sql.NullString
		meta      sql.NullString
		completed sql.NullTime
	)
	if err := s.Scan(&run.ID, &run.Input, &run.Fingerprint, &run.Output, &status,
		&run.RowsLoaded, &errMsg, &meta, &run.StartedAt, &completed); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.Error = errMsg.String
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &run.Metadata); err != nil {
			return nil, eris.Wrap(err, "journal: unmarshal metadata")
		}
	}
	return &run, nil
}

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "journal: rows affected")
	}
	if n == 0 {
		return eris.Errorf("journal: run not found: %s", runID)
	}
	return nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
