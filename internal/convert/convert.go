// Package convert runs a full conversion: it streams the source JSON through
// the transformer into the analytics database, then optionally validates it.
package convert

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rpa-landuse/internal/bulkload"
	"github.com/sells-group/rpa-landuse/internal/fetcher"
	"github.com/sells-group/rpa-landuse/internal/journal"
	"github.com/sells-group/rpa-landuse/internal/reference"
	"github.com/sells-group/rpa-landuse/internal/schema"
	"github.com/sells-group/rpa-landuse/internal/source"
	"github.com/sells-group/rpa-landuse/internal/transform"
	"github.com/sells-group/rpa-landuse/internal/validate"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

// Options configures an Engine.
type Options struct {
	Input       string
	Output      string
	TempDir     string
	BatchSize   int
	Workers     int
	Mode        bulkload.Mode
	Compression string
	Resume      bool
	Format      source.Format
	SkipPeriods []string

	// JournalPath locates the progress journal; empty disables it.
	JournalPath string

	Validate   bool
	Validation validate.Options
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID          string               `json:"run_id,omitempty"`
	Input          string               `json:"input"`
	Output         string               `json:"output"`
	RecordsRead    int64                `json:"records_read"`
	Transformed    int64                `json:"transformed"`
	Ensemble       int64                `json:"ensemble"`
	Loaded         int64                `json:"loaded"`
	Skipped        int64                `json:"skipped"`
	Rejected       int64                `json:"rejected"`
	Excluded       int64                `json:"excluded"`
	Batches        int                  `json:"batches"`
	BatchesResumed int                  `json:"batches_resumed"`
	Schema         schema.Compatibility `json:"schema"`
	Validation     *validate.Report     `json:"validation,omitempty"`
	Elapsed        time.Duration        `json:"elapsed"`
}

// Engine wires the raw loader, transformer and bulk loader together.
type Engine struct {
	lookups *reference.Lookups
	fetcher fetcher.Fetcher
	opts    Options
	log     *zap.Logger
}

// New creates an Engine. f is used for http(s) inputs and may be nil when
// the input is local.
func New(lookups *reference.Lookups, f fetcher.Fetcher, opts Options) (*Engine, error) {
	if lookups == nil {
		return nil, eris.New("convert: no lookups")
	}
	if opts.Input == "" {
		return nil, eris.New("convert: no input")
	}
	if opts.Output == "" {
		return nil, eris.New("convert: no output")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = transform.DefaultBatchSize
	}
	return &Engine{
		lookups: lookups,
		fetcher: f,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "convert")),
	}, nil
}

// run holds the per-invocation state shared by batch workers.
type run struct {
	db      *sql.DB
	loader  *bulkload.Loader
	journal *journal.Journal
	runID   string

	resume    bool
	committed map[int]journal.Batch

	loaded  atomic.Int64
	resumed atomic.Int64

	failMu  sync.Mutex
	failErr error
}

// fail keeps the first load error.
func (r *run) fail(err error) {
	r.failMu.Lock()
	if r.failErr == nil {
		r.failErr = err
	}
	r.failMu.Unlock()
}

func (r *run) failure() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failErr
}

// Run performs the conversion. Batches committed before a failure stay in
// the database; a later run with Resume set continues from them. The summary
// is returned on failure too, holding the counters reached so far.
func (e *Engine) Run(ctx context.Context) (sum *Summary, err error) {
	start := time.Now()
	sum = &Summary{Input: e.opts.Input, Output: e.opts.Output}

	var (
		r   *run
		src *source.Loader
		tr  *transform.Transformer
	)
	defer func() {
		if err != nil {
			tally(sum, r, src, tr)
			sum.Elapsed = time.Since(start)
		}
	}()

	in, err := source.Open(ctx, e.opts.Input, e.opts.TempDir, e.fetcher)
	if err != nil {
		return sum, err
	}
	defer in.Close() //nolint:errcheck

	fingerprint, err := source.Fingerprint(in.Path)
	if err != nil {
		return sum, err
	}

	db, err := warehouse.Open(ctx, e.opts.Output, false)
	if err != nil {
		return sum, err
	}
	defer db.Close() //nolint:errcheck

	compat, err := schema.NewManager(db, schema.Options{}).Apply(ctx)
	if err != nil {
		return sum, err
	}
	sum.Schema = compat
	if !compat.Compatible {
		return sum, eris.Errorf("convert: %s", compat.Warning)
	}

	existing, err := countRows(ctx, db, bulkload.TransitionTable.Name)
	if err != nil {
		return sum, err
	}
	if existing > 0 && !e.opts.Resume {
		return sum, eris.Errorf("convert: %s already holds %d transitions; pass --resume or choose a new output",
			e.opts.Output, existing)
	}

	loader, err := bulkload.New(db, bulkload.Options{
		Mode:        e.opts.Mode,
		TempDir:     e.opts.TempDir,
		Compression: e.opts.Compression,
	})
	if err != nil {
		return sum, err
	}

	r = &run{db: db, loader: loader, resume: e.opts.Resume && existing > 0}

	if e.opts.JournalPath != "" {
		var jr *journal.Run
		r.journal, jr, err = e.openJournal(ctx, r, fingerprint)
		if err != nil {
			return sum, err
		}
		defer r.journal.Close() //nolint:errcheck
		r.runID = jr.ID
		sum.RunID = jr.ID
		defer func() {
			if err != nil {
				// Use a fresh context so a cancelled run is still marked failed.
				if ferr := r.journal.Fail(context.WithoutCancel(ctx), jr.ID, err); ferr != nil {
					e.log.Error("mark run failed", zap.Error(ferr))
				}
			}
		}()
	}

	e.log.Info("conversion started",
		zap.String("input", in.Origin),
		zap.String("output", e.opts.Output),
		zap.String("mode", string(loader.Mode())),
		zap.Int("workers", e.opts.Workers),
		zap.Int("batch_size", e.opts.BatchSize),
		zap.Bool("resume", r.resume),
	)

	if err := e.loadDimensions(ctx, r); err != nil {
		return sum, err
	}

	src = source.New(in.Path, e.opts.Format)
	tr = transform.New(e.lookups, transform.Options{
		BatchSize:   e.opts.BatchSize,
		SkipPeriods: e.opts.SkipPeriods,
	})
	if err := e.stream(ctx, r, src, tr); err != nil {
		return sum, err
	}

	// gcm_count reflects the models actually present, so scenarios load last.
	if _, err := db.ExecContext(ctx, "DELETE FROM "+bulkload.ScenarioTable.Name); err != nil {
		return sum, eris.Wrap(err, "convert: clear dim_scenario")
	}
	if _, err := bulkload.Load(ctx, loader, bulkload.ScenarioTable, 0, 1, tr.Scenarios()); err != nil {
		return sum, err
	}

	tally(sum, r, src, tr)

	if e.opts.Validate {
		v, err := validate.New(db, e.opts.Validation)
		if err != nil {
			return sum, err
		}
		report, err := v.Run(ctx)
		if err != nil {
			return sum, err
		}
		sum.Validation = report
	}
	sum.Elapsed = time.Since(start)

	if r.journal != nil {
		if err := r.journal.Complete(ctx, r.runID, journal.Result{
			RowsLoaded: sum.Loaded,
			Metadata: map[string]any{
				"records_read":    sum.RecordsRead,
				"transformed":     sum.Transformed,
				"ensemble":        sum.Ensemble,
				"skipped":         sum.Skipped,
				"rejected":        sum.Rejected,
				"excluded":        sum.Excluded,
				"batches":         sum.Batches,
				"batches_resumed": sum.BatchesResumed,
			},
		}); err != nil {
			return sum, err
		}
	}

	e.log.Info("conversion complete",
		zap.Int64("records_read", sum.RecordsRead),
		zap.Int64("loaded", sum.Loaded),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("rejected", sum.Rejected),
		zap.Int("batches", sum.Batches),
		zap.Int("batches_resumed", sum.BatchesResumed),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

// tally copies the counters of whichever stages have started into sum.
func tally(sum *Summary, r *run, src *source.Loader, tr *transform.Transformer) {
	if src != nil {
		st := src.Stats()
		sum.RecordsRead = st.Read
		sum.Skipped = st.Skipped
	}
	if tr != nil {
		ts := tr.Stats()
		sum.Transformed = ts.Transformed
		sum.Ensemble = ts.Ensemble
		sum.Rejected = ts.Rejected
		sum.Excluded = ts.Excluded
		sum.Batches = ts.Batches
	}
	if r != nil {
		sum.Loaded = r.loaded.Load()
		sum.BatchesResumed = int(r.resumed.Load())
	}
}

// openJournal opens the journal, collects the batches earlier runs committed
// when resuming, and starts a new run.
func (e *Engine) openJournal(ctx context.Context, r *run, fingerprint string) (*journal.Journal, *journal.Run, error) {
	j, err := journal.Open(ctx, e.opts.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	if r.resume {
		prev, err := j.FindResumable(ctx, fingerprint, e.opts.Output)
		if err != nil {
			_ = j.Close()
			return nil, nil, err
		}
		if prev != nil {
			e.log.Info("resuming after earlier run", zap.String("previous_run", prev.ID), zap.String("status", string(prev.Status)))
		}
		r.committed, err = j.LoadedBatches(ctx, fingerprint, e.opts.Output, bulkload.TransitionTable.Name)
		if err != nil {
			_ = j.Close()
			return nil, nil, err
		}
	}
	jr, err := j.Start(ctx, e.opts.Input, fingerprint, e.opts.Output)
	if err != nil {
		_ = j.Close()
		return nil, nil, err
	}
	return j, jr, nil
}

// loadDimensions loads the dimensions known before the stream starts. Tables
// that already hold rows are left alone.
func (e *Engine) loadDimensions(ctx context.Context, r *run) error {
	if err := loadDimension(ctx, r, bulkload.GeographyTable, e.lookups.Counties()); err != nil {
		return err
	}
	if err := loadDimension(ctx, r, bulkload.TimeTable, e.lookups.Periods()); err != nil {
		return err
	}
	return loadDimension(ctx, r, bulkload.LandUseTable, e.lookups.LandUseRows())
}

func loadDimension[T any](ctx context.Context, r *run, table bulkload.Table[T], rows []T) error {
	n, err := countRows(ctx, r.db, table.Name)
	if err != nil {
		return err
	}
	if n > 0 {
		zap.L().Debug("dimension already loaded",
			zap.String("component", "convert"),
			zap.String("table", table.Name),
			zap.Int64("rows", n),
		)
		return nil
	}
	_, err = bulkload.Load(ctx, r.loader, table, 0, 1, rows)
	return err
}

// stream runs the transformer over the source and loads each batch on an
// errgroup pool. The first load failure stops the transformer.
func (e *Engine) stream(ctx context.Context, r *run, src *source.Loader, tr *transform.Transformer) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records, srcErr := src.Stream(streamCtx)

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)

	emit := func(ctx context.Context, b transform.Batch) error {
		if err := r.failure(); err != nil {
			return err
		}
		skip, err := e.committed(ctx, r, b)
		if err != nil {
			return err
		}
		if skip {
			r.resumed.Add(1)
			e.log.Debug("batch already loaded", zap.Int("batch", b.Index), zap.Int64("first_id", b.FirstID))
			return nil
		}
		g.Go(func() error {
			if err := e.loadBatch(streamCtx, r, b); err != nil {
				r.fail(err)
				return err
			}
			return nil
		})
		return nil
	}

	runErr := tr.Run(streamCtx, records, srcErr, emit)
	if runErr != nil {
		cancel()
		_ = g.Wait()
		return runErr
	}
	return g.Wait()
}

func (e *Engine) loadBatch(ctx context.Context, r *run, b transform.Batch) error {
	n, err := bulkload.Load(ctx, r.loader, bulkload.TransitionTable, b.Index, b.FirstID, b.Rows)
	if err != nil {
		return err
	}
	r.loaded.Add(n)
	if r.journal == nil {
		return nil
	}
	return r.journal.RecordBatch(ctx, journal.Batch{
		RunID:   r.runID,
		Table:   bulkload.TransitionTable.Name,
		Index:   b.Index,
		FirstID: b.FirstID,
		LastID:  b.LastID(),
		Rows:    n,
	})
}

// committed reports whether a batch is already in the database. Only resumed
// runs check: a batch counts when the journal recorded its id range, or when
// every id in the range is present. A partially present range is cleared so
// the batch can be reloaded whole.
func (e *Engine) committed(ctx context.Context, r *run, b transform.Batch) (bool, error) {
	if !r.resume {
		return false, nil
	}
	if jb, ok := r.committed[b.Index]; ok && jb.FirstID == b.FirstID && jb.LastID == b.LastID() {
		return true, nil
	}

	var present int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM fact_landuse_transitions WHERE transition_id BETWEEN ? AND ?`,
		b.FirstID, b.LastID(),
	).Scan(&present)
	if err != nil {
		return false, eris.Wrapf(err, "convert: check batch %d", b.Index)
	}
	switch {
	case present == int64(len(b.Rows)):
		return true, nil
	case present > 0:
		e.log.Warn("batch partially present, reloading",
			zap.Int("batch", b.Index), zap.Int64("present", present), zap.Int("rows", len(b.Rows)))
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM fact_landuse_transitions WHERE transition_id BETWEEN ? AND ?`,
			b.FirstID, b.LastID(),
		); err != nil {
			return false, eris.Wrapf(err, "convert: clear batch %d", b.Index)
		}
	}
	return false, nil
}

func countRows(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "convert: count %s", table)
	}
	return n, nil
}
