// Package transform resolves raw source records onto the star schema and
// synthesizes the OVERALL ensemble scenarios.
package transform

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/model"
	"github.com/sells-group/rpa-landuse/internal/reference"
	"github.com/sells-group/rpa-landuse/internal/source"
)

// DefaultBatchSize bounds the rows held per emitted batch.
const DefaultBatchSize = 100_000

// rejectLogLimit caps per-record rejection errors; later ones log at debug.
const rejectLogLimit = 20

// Options configures a Transformer.
type Options struct {
	BatchSize   int
	SkipPeriods []string // calibration periods dropped before lookup
}

// Batch is a run of fact rows with contiguous ids.
type Batch struct {
	Index   int
	FirstID int64
	Rows    []model.Transition
}

// LastID returns the id of the final row, or FirstID-1 for an empty batch.
func (b Batch) LastID() int64 { return b.FirstID + int64(len(b.Rows)) - 1 }

// Stats counts the outcome of a run.
type Stats struct {
	Records     int64 // records received from the source
	Transformed int64 // per-model fact rows
	Ensemble    int64 // synthesized OVERALL fact rows
	Rejected    int64 // unknown land-use codes
	Excluded    int64 // records in skipped periods
	Batches     int
}

// Rows is the total number of fact rows produced.
func (s Stats) Rows() int64 { return s.Transformed + s.Ensemble }

// LookupError reports a natural key with no dimension row. It aborts the run.
type LookupError struct {
	Dimension string
	Key       string
	Record    int64
	Reason    string
}

func (e *LookupError) Error() string {
	msg := fmt.Sprintf("transform: unknown %s %q at record %d", e.Dimension, e.Key, e.Record)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// EmitFunc receives each batch. The batch's rows are not reused afterwards.
type EmitFunc func(ctx context.Context, b Batch) error

type groupKey struct {
	scenario int32
	time     int16
	geo      int32
	from     int16
	to       int16
}

// cell returns the county-period the group belongs to.
func (a groupKey) cell() cellKey { return cellKey{scenario: a.scenario, time: a.time, geo: a.geo} }

type cellKey struct {
	scenario int32
	time     int16
	geo      int32
}

func (a groupKey) less(b groupKey) bool {
	switch {
	case a.scenario != b.scenario:
		return a.scenario < b.scenario
	case a.time != b.time:
		return a.time < b.time
	case a.geo != b.geo:
		return a.geo < b.geo
	case a.from != b.from:
		return a.from < b.from
	default:
		return a.to < b.to
	}
}

// Transformer maps records to fact rows. A Transformer is single-use.
type Transformer struct {
	lookups *reference.Lookups
	opts    Options
	skip    map[string]bool
	log     *zap.Logger

	groups map[groupKey]*Accumulator
	models map[int32]map[string]struct{}   // ensemble id -> contributing GCMs
	cells  map[cellKey]map[string]struct{} // ensemble county-period -> reporting GCMs

	nextID int64
	buf    []model.Transition
	stats  Stats
}

// New creates a Transformer over frozen lookups.
func New(lookups *reference.Lookups, opts Options) *Transformer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	skip := make(map[string]bool, len(opts.SkipPeriods))
	for _, p := range opts.SkipPeriods {
		skip[p] = true
	}
	return &Transformer{
		lookups: lookups,
		opts:    opts,
		skip:    skip,
		log:     zap.L().With(zap.String("component", "transform")),
		groups:  make(map[groupKey]*Accumulator),
		models:  make(map[int32]map[string]struct{}),
		cells:   make(map[cellKey]map[string]struct{}),
		nextID:  1,
	}
}

// Stats returns the counters of the run so far.
func (t *Transformer) Stats() Stats { return t.stats }

// Run consumes records until the channel closes, then checks srcErr, emits
// the ensemble rows and flushes the final batch. Per-model rows are emitted
// in stream order; ensemble rows follow, sorted by key, so ids are
// deterministic for a given input.
func (t *Transformer) Run(ctx context.Context, records <-chan source.Record, srcErr <-chan error, emit EmitFunc) error {
	for rec := range records {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "transform: cancelled")
		}
		if err := t.record(ctx, rec, emit); err != nil {
			return err
		}
	}
	if srcErr != nil {
		if err := <-srcErr; err != nil {
			return err
		}
	}

	if err := t.ensembles(ctx, emit); err != nil {
		return err
	}
	if err := t.flush(ctx, emit); err != nil {
		return err
	}

	t.log.Info("transform complete",
		zap.Int64("records", t.stats.Records),
		zap.Int64("transformed", t.stats.Transformed),
		zap.Int64("ensemble", t.stats.Ensemble),
		zap.Int64("rejected", t.stats.Rejected),
		zap.Int64("excluded", t.stats.Excluded),
		zap.Int("batches", t.stats.Batches),
	)
	return nil
}

func (t *Transformer) record(ctx context.Context, rec source.Record, emit EmitFunc) error {
	t.stats.Records++

	if t.skip[rec.Period] {
		t.stats.Excluded++
		return nil
	}

	scenario, ok := t.lookups.Scenario(rec.Scenario)
	if !ok {
		return &LookupError{Dimension: "scenario", Key: rec.Scenario, Record: rec.Index}
	}
	if scenario.IsAggregate {
		return &LookupError{Dimension: "scenario", Key: rec.Scenario, Record: rec.Index,
			Reason: "ensemble scenarios are synthesized, not read"}
	}
	period, ok := t.lookups.Period(rec.Period)
	if !ok {
		return &LookupError{Dimension: "time period", Key: rec.Period, Record: rec.Index}
	}
	geo, ok := t.lookups.Geography(rec.FIPS)
	if !ok {
		return &LookupError{Dimension: "geography", Key: rec.FIPS, Record: rec.Index}
	}

	from, okFrom := t.lookups.LandUse(rec.From)
	to, okTo := t.lookups.LandUse(rec.To)
	if !okFrom || !okTo {
		t.reject(rec)
		return nil
	}

	t.append(model.Transition{
		ScenarioID:     scenario.ID,
		TimeID:         period.ID,
		GeographyID:    geo,
		FromLandUseID:  from.ID(),
		ToLandUseID:    to.ID(),
		Acres:          rec.Acres,
		TransitionType: model.TransitionType(from, to),
	})
	t.stats.Transformed++

	ensemble, ok := t.lookups.Ensemble(scenario.Pair())
	if ok {
		key := groupKey{scenario: ensemble, time: period.ID, geo: geo, from: from.ID(), to: to.ID()}
		acc := t.groups[key]
		if acc == nil {
			acc = &Accumulator{}
			t.groups[key] = acc
		}
		acc.Add(rec.Acres)

		gcms := t.models[ensemble]
		if gcms == nil {
			gcms = make(map[string]struct{})
			t.models[ensemble] = gcms
		}
		gcms[scenario.GCM] = struct{}{}

		reporting := t.cells[key.cell()]
		if reporting == nil {
			reporting = make(map[string]struct{})
			t.cells[key.cell()] = reporting
		}
		reporting[scenario.GCM] = struct{}{}
	}

	if len(t.buf) >= t.opts.BatchSize {
		return t.flush(ctx, emit)
	}
	return nil
}

func (t *Transformer) reject(rec source.Record) {
	t.stats.Rejected++
	level := t.log.Debug
	if t.stats.Rejected <= rejectLogLimit {
		level = t.log.Error
	}
	level("rejecting record with unknown land-use code",
		zap.Int64("record", rec.Index),
		zap.String("scenario", rec.Scenario),
		zap.String("period", rec.Period),
		zap.String("fips", rec.FIPS),
		zap.String("from", rec.From),
		zap.String("to", rec.To),
	)
}

func (t *Transformer) append(row model.Transition) {
	if t.buf == nil {
		t.buf = make([]model.Transition, 0, min(t.opts.BatchSize, 1<<16))
	}
	row.ID = t.nextID
	t.nextID++
	t.buf = append(t.buf, row)
}

func (t *Transformer) flush(ctx context.Context, emit EmitFunc) error {
	if len(t.buf) == 0 {
		return nil
	}
	b := Batch{Index: t.stats.Batches, FirstID: t.buf[0].ID, Rows: t.buf}
	t.buf = nil
	t.stats.Batches++
	if err := emit(ctx, b); err != nil {
		return err
	}
	return nil
}

// ensembles emits one OVERALL row per group. A model that reported a county
// and period but omitted a transition counts as 0 acres for it, so each
// ensemble county-period sums to the same area as its models do. Models that
// never reported the county-period are not counted.
func (t *Transformer) ensembles(ctx context.Context, emit EmitFunc) error {
	keys := make([]groupKey, 0, len(t.groups))
	for k := range t.groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	for _, k := range keys {
		acc := t.groups[k]
		for n := int64(len(t.cells[k.cell()])); acc.N() < n; {
			acc.Add(0)
		}
		from, _ := model.LandUseByID(k.from)
		to, _ := model.LandUseByID(k.to)
		std, lo, hi := acc.StdDev(), acc.Min(), acc.Max()
		t.append(model.Transition{
			ScenarioID:     k.scenario,
			TimeID:         k.time,
			GeographyID:    k.geo,
			FromLandUseID:  k.from,
			ToLandUseID:    k.to,
			Acres:          acc.Mean(),
			AcresStdDev:    &std,
			AcresMin:       &lo,
			AcresMax:       &hi,
			TransitionType: model.TransitionType(from, to),
		})
		t.stats.Ensemble++
		delete(t.groups, k)

		if len(t.buf) >= t.opts.BatchSize {
			if err := t.flush(ctx, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// Scenarios returns the dim_scenario rows with each ensemble's gcm_count set
// to the number of climate models that contributed to it in this run.
func (t *Transformer) Scenarios() []model.Scenario {
	rows := t.lookups.Scenarios()
	for i := range rows {
		if rows[i].IsAggregate {
			rows[i].GCMCount = int32(len(t.models[rows[i].ID]))
		}
	}
	return rows
}
