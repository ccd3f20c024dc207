// Package bulkload writes row batches into the analytical database. The bulk
// path stages each batch as a Parquet file and ingests it with one statement;
// the insert path issues prepared row inserts for comparison and small inputs.
package bulkload

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Mode selects how batches reach the database.
type Mode string

const (
	// ModeBulk stages a Parquet file per batch and loads it in one statement.
	ModeBulk Mode = "bulk"
	// ModeInsert prepares a row INSERT and executes it once per row. Its cost
	// grows with per-row overhead; use it only for small inputs.
	ModeInsert Mode = "insert"
)

// Options configures a Loader.
type Options struct {
	Mode        Mode
	TempDir     string // staging directory, os.TempDir() when empty
	Compression string // snappy (default), zstd, gzip or none
}

// Table describes a target table for rows of type T. Columns must match the
// parquet tags of T; Values returns them in Columns order for insert mode.
type Table[T any] struct {
	Name    string
	Columns []string
	Values  func(T) []any
}

// BatchError reports a failed batch with enough context to re-process it.
// Batches committed before it are kept.
type BatchError struct {
	Table   string
	Index   int
	FirstID int64
	LastID  int64
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("bulkload: %s batch %d (ids %d-%d): %v", e.Table, e.Index, e.FirstID, e.LastID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Loader loads batches over an explicit database handle. Staging files may be
// encoded concurrently, but at most one load statement per table is in flight.
type Loader struct {
	db          *sql.DB
	opts        Options
	compression parquet.WriterOption

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// New validates opts and creates a Loader.
func New(db *sql.DB, opts Options) (*Loader, error) {
	if opts.Mode == "" {
		opts.Mode = ModeBulk
	}
	if opts.Mode != ModeBulk && opts.Mode != ModeInsert {
		return nil, eris.Errorf("bulkload: unknown mode %q", opts.Mode)
	}
	codec, err := compressionOption(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &Loader{
		db:          db,
		opts:        opts,
		compression: codec,
		tables:      make(map[string]*sync.Mutex),
	}, nil
}

// Mode returns the load mode in use.
func (l *Loader) Mode() Mode { return l.opts.Mode }

func compressionOption(name string) (parquet.WriterOption, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "gzip":
		return parquet.Compression(&parquet.Gzip), nil
	case "none", "uncompressed":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, eris.Errorf("bulkload: unknown compression %q", name)
	}
}

func (l *Loader) tableLock(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tables[name]
	if !ok {
		m = &sync.Mutex{}
		l.tables[name] = m
	}
	return m
}

// Load writes one batch of rows into table. index and firstID identify the
// batch in errors and logs; firstID is informational for dimension tables.
func Load[T any](ctx context.Context, l *Loader, table Table[T], index int, firstID int64, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()
	batchErr := func(err error) error {
		return &BatchError{
			Table:   table.Name,
			Index:   index,
			FirstID: firstID,
			LastID:  firstID + int64(len(rows)) - 1,
			Err:     err,
		}
	}

	var (
		n   int64
		err error
	)
	switch l.opts.Mode {
	case ModeInsert:
		n, err = insertRows(ctx, l, table, rows)
	default:
		n, err = bulkRows(ctx, l, table, rows)
	}
	if err != nil {
		return 0, batchErr(err)
	}

	zap.L().Debug("batch loaded",
		zap.String("component", "bulkload"),
		zap.String("table", table.Name),
		zap.String("mode", string(l.opts.Mode)),
		zap.Int("batch", index),
		zap.Int64("rows", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

// bulkRows stages rows in a temporary Parquet file and ingests it with a
// single INSERT ... SELECT. The file is removed on every path.
func bulkRows[T any](ctx context.Context, l *Loader, table Table[T], rows []T) (int64, error) {
	f, err := os.CreateTemp(l.opts.TempDir, "rpa-landuse-"+table.Name+"-*.parquet")
	if err != nil {
		return 0, eris.Wrap(err, "bulkload: create staging file")
	}
	path := f.Name()
	defer os.Remove(path) //nolint:errcheck

	if err := writeParquet(f, rows, l.compression); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, eris.Wrap(err, "bulkload: close staging file")
	}

	cols := strings.Join(table.Columns, ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM read_parquet('%s')",
		table.Name, cols, cols, strings.ReplaceAll(path, "'", "''"))

	lock := l.tableLock(table.Name)
	lock.Lock()
	defer lock.Unlock()

	res, err := l.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, eris.Wrapf(err, "bulkload: ingest %s", path)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Not every driver reports it; the batch did load.
		return int64(len(rows)), nil
	}
	return n, nil
}

func writeParquet[T any](f *os.File, rows []T, compression parquet.WriterOption) error {
	w := parquet.NewGenericWriter[T](f, compression)
	if _, err := w.Write(rows); err != nil {
		_ = w.Close()
		return eris.Wrap(err, "bulkload: encode parquet")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "bulkload: finish parquet")
	}
	return nil
}

// insertRows executes a prepared INSERT per row inside one transaction.
func insertRows[T any](ctx context.Context, l *Loader, table Table[T], rows []T) (int64, error) {
	if table.Values == nil {
		return 0, eris.Errorf("bulkload: table %s has no row values for insert mode", table.Name)
	}

	lock := l.tableLock(table.Name)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "bulkload: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(table.Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Name, strings.Join(table.Columns, ", "), placeholders))
	if err != nil {
		return 0, eris.Wrap(err, "bulkload: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, table.Values(row)...); err != nil {
			return 0, eris.Wrapf(err, "bulkload: insert row %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "bulkload: commit")
	}
	return int64(len(rows)), nil
}
