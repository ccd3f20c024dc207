// Package publish mirrors the DuckDB star schema into a Postgres schema for
// dashboard consumers.
package publish

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/bulkload"
	"github.com/sells-group/rpa-landuse/internal/db"
	"github.com/sells-group/rpa-landuse/internal/resilience"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

// DefaultBatchSize is the number of fact rows sent per COPY.
const DefaultBatchSize = 50000

// Options configures a Publisher.
type Options struct {
	Schema    string
	BatchSize int
	Retry     resilience.RetryConfig
}

// Summary reports what a publish wrote.
type Summary struct {
	Schema  string           `json:"schema"`
	Rows    map[string]int64 `json:"rows"`
	Batches int              `json:"fact_batches"`
	Elapsed time.Duration    `json:"elapsed"`
}

// Publisher copies tables from a DuckDB source into Postgres.
type Publisher struct {
	pool db.Pool
	src  *sql.DB
	opts Options
	log  *zap.Logger
}

const ddl = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.dim_scenario (
    scenario_id        INTEGER PRIMARY KEY,
    scenario_name      TEXT NOT NULL,
    gcm_model          TEXT,
    rcp_scenario       TEXT NOT NULL,
    ssp_scenario       TEXT NOT NULL,
    description        TEXT,
    narrative          TEXT,
    is_aggregate       BOOLEAN NOT NULL DEFAULT FALSE,
    aggregation_method TEXT,
    gcm_count          INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS %[1]s.dim_time (
    time_id       SMALLINT PRIMARY KEY,
    year_range    TEXT NOT NULL,
    start_year    SMALLINT NOT NULL,
    end_year      SMALLINT NOT NULL,
    period_length SMALLINT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]s.dim_geography (
    geography_id INTEGER PRIMARY KEY,
    fips_code    TEXT NOT NULL,
    county_name  TEXT,
    state_code   TEXT,
    state_name   TEXT,
    region       TEXT
);

CREATE TABLE IF NOT EXISTS %[1]s.dim_landuse (
    landuse_id       SMALLINT PRIMARY KEY,
    landuse_code     TEXT NOT NULL,
    landuse_name     TEXT NOT NULL,
    landuse_category TEXT NOT NULL,
    description      TEXT
);

CREATE TABLE IF NOT EXISTS %[1]s.fact_landuse_transitions (
    transition_id   BIGINT PRIMARY KEY,
    scenario_id     INTEGER NOT NULL,
    time_id         SMALLINT NOT NULL,
    geography_id    INTEGER NOT NULL,
    from_landuse_id SMALLINT NOT NULL,
    to_landuse_id   SMALLINT NOT NULL,
    acres           DOUBLE PRECISION NOT NULL,
    acres_std_dev   DOUBLE PRECISION,
    acres_min       DOUBLE PRECISION,
    acres_max       DOUBLE PRECISION,
    transition_type TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fact_scenario_time_geo
    ON %[1]s.fact_landuse_transitions (scenario_id, time_id, geography_id);

CREATE TABLE IF NOT EXISTS %[1]s.schema_version (
    version     TEXT NOT NULL,
    description TEXT,
    applied_at  TIMESTAMPTZ NOT NULL,
    applied_by  TEXT
);
`

type dimension struct {
	name    string
	columns []string
}

var (
	dimensions = []dimension{
		{bulkload.ScenarioTable.Name, bulkload.ScenarioTable.Columns},
		{bulkload.TimeTable.Name, bulkload.TimeTable.Columns},
		{bulkload.GeographyTable.Name, bulkload.GeographyTable.Columns},
		{bulkload.LandUseTable.Name, bulkload.LandUseTable.Columns},
	}
	versionColumns = []string{"version", "description", "applied_at", "applied_by"}
)

// New creates a Publisher reading from src and writing through pool.
func New(pool db.Pool, src *sql.DB, opts Options) (*Publisher, error) {
	if pool == nil || src == nil {
		return nil, eris.New("publish: source and target are required")
	}
	if opts.Schema == "" {
		opts.Schema = "landuse"
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize < 0 {
		return nil, eris.Errorf("publish: batch size %d is negative", opts.BatchSize)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Publisher{
		pool: pool,
		src:  src,
		opts: opts,
		log:  zap.L().With(zap.String("component", "publish"), zap.String("schema", opts.Schema)),
	}, nil
}

// Publish creates the Postgres tables, upserts every dimension, then
// replaces the fact and schema_version tables. A failed publish can leave
// the fact table partly filled; the next publish replaces it.
func (p *Publisher) Publish(ctx context.Context) (*Summary, error) {
	start := time.Now()
	for _, table := range warehouse.Tables {
		ok, err := warehouse.TableExists(ctx, p.src, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, eris.Errorf("publish: source table %s not found; run convert first", table)
		}
	}

	schema := pgx.Identifier{p.opts.Schema}.Sanitize()
	if err := p.retry(ctx, "create tables", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, fmt.Sprintf(ddl, schema))
		return err
	}); err != nil {
		return nil, eris.Wrap(err, "publish: create tables")
	}

	sum := &Summary{Schema: p.opts.Schema, Rows: make(map[string]int64)}
	for _, d := range dimensions {
		n, err := p.upsertDimension(ctx, d)
		if err != nil {
			return nil, err
		}
		sum.Rows[d.name] = n
	}

	n, batches, err := p.replaceFacts(ctx)
	if err != nil {
		return nil, err
	}
	sum.Rows[bulkload.TransitionTable.Name] = n
	sum.Batches = batches

	n, err = p.replaceVersions(ctx)
	if err != nil {
		return nil, err
	}
	sum.Rows["schema_version"] = n

	sum.Elapsed = time.Since(start)
	p.log.Info("publish complete",
		zap.Int64("transitions", sum.Rows[bulkload.TransitionTable.Name]),
		zap.Int("batches", sum.Batches),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

func (p *Publisher) upsertDimension(ctx context.Context, d dimension) (int64, error) {
	rows, err := p.readAll(ctx, d.name, d.columns)
	if err != nil {
		return 0, err
	}
	cfg := db.UpsertConfig{
		Table:        p.opts.Schema + "." + d.name,
		Columns:      d.columns,
		ConflictKeys: d.columns[:1],
	}
	_, err = resilience.DoVal(ctx, p.retryConfig("upsert "+d.name), func(ctx context.Context) (int64, error) {
		return db.BulkUpsert(ctx, p.pool, cfg, rows)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "publish: upsert %s", d.name)
	}
	p.log.Debug("dimension published", zap.String("table", d.name), zap.Int("rows", len(rows)))
	return int64(len(rows)), nil
}

func (p *Publisher) replaceFacts(ctx context.Context) (int64, int, error) {
	table := bulkload.TransitionTable.Name
	if err := p.truncate(ctx, table); err != nil {
		return 0, 0, err
	}

	cols := bulkload.TransitionTable.Columns
	rows, err := p.src.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY transition_id", strings.Join(cols, ", "), table))
	if err != nil {
		return 0, 0, eris.Wrapf(err, "publish: read %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var (
		total   int64
		batches int
		batch   = make([][]any, 0, min(p.opts.BatchSize, 4096))
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := p.copy(ctx, table, cols, batch)
		if err != nil {
			return eris.Wrapf(err, "publish: copy %s batch %d", table, batches)
		}
		total += n
		batches++
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return 0, 0, eris.Wrapf(err, "publish: scan %s", table)
		}
		batch = append(batch, vals)
		if len(batch) >= p.opts.BatchSize {
			if err := flush(); err != nil {
				return 0, 0, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, eris.Wrapf(err, "publish: read %s", table)
	}
	if err := flush(); err != nil {
		return 0, 0, err
	}
	return total, batches, nil
}

func (p *Publisher) replaceVersions(ctx context.Context) (int64, error) {
	rows, err := p.readAll(ctx, "schema_version", versionColumns)
	if err != nil {
		return 0, err
	}
	if err := p.truncate(ctx, "schema_version"); err != nil {
		return 0, err
	}
	n, err := p.copy(ctx, "schema_version", versionColumns, rows)
	return n, eris.Wrap(err, "publish: copy schema_version")
}

func (p *Publisher) truncate(ctx context.Context, table string) error {
	stmt := "TRUNCATE " + pgx.Identifier{p.opts.Schema, table}.Sanitize()
	err := p.retry(ctx, "truncate "+table, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, stmt)
		return err
	})
	return eris.Wrapf(err, "publish: truncate %s", table)
}

func (p *Publisher) copy(ctx context.Context, table string, cols []string, rows [][]any) (int64, error) {
	return resilience.DoVal(ctx, p.retryConfig("copy "+table), func(ctx context.Context) (int64, error) {
		return db.CopyInto(ctx, p.pool, p.opts.Schema+"."+table, cols, rows)
	})
}

func (p *Publisher) readAll(ctx context.Context, table string, cols []string) ([][]any, error) {
	rows, err := p.src.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY 1", strings.Join(cols, ", "), table))
	if err != nil {
		return nil, eris.Wrapf(err, "publish: read %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var out [][]any
	for rows.Next() {
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, eris.Wrapf(err, "publish: scan %s", table)
		}
		out = append(out, vals)
	}
	return out, eris.Wrapf(rows.Err(), "publish: read %s", table)
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (p *Publisher) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, p.retryConfig(op), fn)
}

func (p *Publisher) retryConfig(op string) resilience.RetryConfig {
	cfg := p.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("publish", op)
	}
	return cfg
}
