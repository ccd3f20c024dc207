// Package validate checks a loaded star schema for referential integrity,
// uniqueness, and area bookkeeping, and reports the outcome per check.
package validate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/model"
	"github.com/sells-group/rpa-landuse/internal/schema"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

// Mode selects how much of the fact table the per-county checks read.
type Mode string

const (
	// ModeFull checks every (scenario, time, county) triple.
	ModeFull Mode = "full"
	// ModeSample checks a repeatable reservoir sample of triples.
	ModeSample Mode = "sample"
)

// DefaultTolerance is the relative tolerance for area comparisons.
const DefaultTolerance = 1e-6

// sampleSeed keeps sampled runs comparable across invocations.
const sampleSeed = 42

// Options configures a Validator.
type Options struct {
	Mode       Mode
	SampleSize int
	Tolerance  float64
}

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
)

// CheckResult is the outcome of one check. Example holds one offending key
// when Violations > 0.
type CheckResult struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	Status     Status `json:"status"`
	Violations int64  `json:"violations"`
	Example    string `json:"example,omitempty"`
	Message    string `json:"message"`
}

// Report collects check results for one run.
type Report struct {
	Mode     Mode             `json:"mode"`
	Checks   []CheckResult    `json:"checks"`
	Counts   map[string]int64 `json:"counts"`
	Run      int              `json:"run"`
	Passed   int              `json:"passed"`
	Failed   int              `json:"failed"`
	Warnings int              `json:"warnings"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// OK reports whether no check failed. Warnings do not count.
func (r *Report) OK() bool { return r.Failed == 0 }

// Err returns a non-nil error naming the failed checks, for callers that
// treat validation as a gate.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	var names []string
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			names = append(names, c.Name)
		}
	}
	return eris.Errorf("validate: %d of %d checks failed: %s", r.Failed, r.Run, strings.Join(names, ", "))
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	r.Run++
	switch c.Status {
	case StatusPass:
		r.Passed++
	case StatusFail:
		r.Failed++
	case StatusWarn:
		r.Warnings++
	}
}

// check is one count query. A non-zero count fails the check, or warns when
// warnOnly is set. exampleSQL, when set, returns one offending key as text.
type check struct {
	name       string
	category   string
	countSQL   string
	exampleSQL string
	args       []any
	warnOnly   bool
	message    string // printf format taking the violation count
}

// Validator runs checks over an explicit database handle. It never writes.
type Validator struct {
	db    *sql.DB
	opts  Options
	cache *schema.Cache
	log   *zap.Logger
}

// New validates opts and creates a Validator.
func New(db *sql.DB, opts Options) (*Validator, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.Mode != ModeFull && opts.Mode != ModeSample {
		return nil, eris.Errorf("validate: unknown mode %q", opts.Mode)
	}
	if opts.Mode == ModeSample && opts.SampleSize <= 0 {
		return nil, eris.New("validate: sample mode needs a positive sample size")
	}
	if opts.Tolerance < 0 {
		return nil, eris.Errorf("validate: tolerance %g is negative", opts.Tolerance)
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Validator{
		db:    db,
		opts:  opts,
		cache: schema.NewCache(db),
		log:   zap.L().With(zap.String("component", "validate")),
	}, nil
}

// Run executes every check and returns the report. A missing star-schema
// table is an error; check violations are not.
func (v *Validator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	for _, table := range warehouse.Tables {
		ok, err := v.cache.HasTable(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, eris.Errorf("validate: table %s not found; run convert first", table)
		}
	}

	counts, err := warehouse.RowCounts(ctx, v.db)
	if err != nil {
		return nil, err
	}
	report := &Report{Mode: v.opts.Mode, Counts: counts}

	for _, c := range v.checks() {
		res, err := v.run(ctx, c)
		if err != nil {
			return nil, err
		}
		report.add(res)
	}
	report.Elapsed = time.Since(start)

	v.log.Info("validation complete",
		zap.String("mode", string(report.Mode)),
		zap.Int("run", report.Run),
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Int("warnings", report.Warnings),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (v *Validator) run(ctx context.Context, c check) (CheckResult, error) {
	res := CheckResult{Name: c.name, Category: c.category, Status: StatusPass}
	if err := v.db.QueryRowContext(ctx, c.countSQL, c.args...).Scan(&res.Violations); err != nil {
		return res, eris.Wrapf(err, "validate: %s", c.name)
	}
	res.Message = fmt.Sprintf(c.message, res.Violations)
	if res.Violations == 0 {
		return res, nil
	}

	res.Status = StatusFail
	if c.warnOnly {
		res.Status = StatusWarn
	}
	if c.exampleSQL != "" {
		var ex sql.NullString
		if err := v.db.QueryRowContext(ctx, c.exampleSQL, c.args...).Scan(&ex); err != nil && err != sql.ErrNoRows {
			return res, eris.Wrapf(err, "validate: %s example", c.name)
		}
		res.Example = ex.String
	}
	v.log.Warn("check did not pass",
		zap.String("check", c.name),
		zap.String("status", string(res.Status)),
		zap.Int64("violations", res.Violations),
		zap.String("example", res.Example),
	)
	return res, nil
}

// keysCTE selects the (scenario, time, county) triples the area checks read.
func (v *Validator) keysCTE() string {
	distinct := `SELECT DISTINCT scenario_id, time_id, geography_id FROM fact_landuse_transitions`
	if v.opts.Mode == ModeSample {
		return fmt.Sprintf(`keys AS (SELECT * FROM (%s) k USING SAMPLE reservoir(%d ROWS) REPEATABLE (%d))`,
			distinct, v.opts.SampleSize, sampleSeed)
	}
	return "keys AS (" + distinct + ")"
}

func (v *Validator) checks() []check {
	var out []check

	refs := []struct{ name, col, dim, key string }{
		{"scenario", "scenario_id", "dim_scenario", "scenario_id"},
		{"time", "time_id", "dim_time", "time_id"},
		{"geography", "geography_id", "dim_geography", "geography_id"},
		{"from_landuse", "from_landuse_id", "dim_landuse", "landuse_id"},
		{"to_landuse", "to_landuse_id", "dim_landuse", "landuse_id"},
	}
	for _, r := range refs {
		orphans := fmt.Sprintf(`FROM fact_landuse_transitions f LEFT JOIN %s d ON f.%s = d.%s WHERE d.%s IS NULL`,
			r.dim, r.col, r.key, r.key)
		out = append(out, check{
			name:       "referential_" + r.name,
			category:   "referential",
			countSQL:   "SELECT count(*) " + orphans,
			exampleSQL: fmt.Sprintf("SELECT CAST(min(f.%s) AS VARCHAR) %s", r.col, orphans),
			message:    "%d fact rows reference a missing " + r.dim + " row",
		})
	}

	uniques := []struct{ table, key string }{
		{"dim_scenario", "scenario_name"},
		{"dim_time", "year_range"},
		{"dim_geography", "fips_code"},
		{"dim_landuse", "landuse_code"},
		{"fact_landuse_transitions", "transition_id"},
	}
	for _, u := range uniques {
		dups := fmt.Sprintf(`FROM (SELECT %s FROM %s GROUP BY %s HAVING count(*) > 1)`, u.key, u.table, u.key)
		out = append(out, check{
			name:       "unique_" + u.table + "_" + u.key,
			category:   "uniqueness",
			countSQL:   "SELECT count(*) " + dups,
			exampleSQL: fmt.Sprintf("SELECT CAST(min(%s) AS VARCHAR) %s", u.key, dups),
			message:    "%d duplicated " + u.key + " values in " + u.table,
		})
	}

	out = append(out,
		check{
			name:     "transition_type",
			category: "consistency",
			countSQL: `SELECT count(*) FROM fact_landuse_transitions
				WHERE (from_landuse_id = to_landuse_id) <> (transition_type = '` + model.TransitionSame + `')`,
			exampleSQL: `SELECT CAST(min(transition_id) AS VARCHAR) FROM fact_landuse_transitions
				WHERE (from_landuse_id = to_landuse_id) <> (transition_type = '` + model.TransitionSame + `')`,
			message: "%d rows whose transition_type disagrees with from/to",
		},
		check{
			name:       "non_negative_acres",
			category:   "consistency",
			countSQL:   `SELECT count(*) FROM fact_landuse_transitions WHERE acres < 0`,
			exampleSQL: `SELECT CAST(min(transition_id) AS VARCHAR) FROM fact_landuse_transitions WHERE acres < 0`,
			message:    "%d rows with negative acres",
		},
	)

	// A county's total area is fixed: every scenario and every period must
	// account for the same acreage. Each sampled triple is compared with the
	// previous period of its own scenario and with the median of all scenarios
	// for the same period and county.
	conservation := `WITH ` + v.keysCTE() + `,
		totals AS (
			SELECT f.scenario_id, f.time_id, f.geography_id, t.start_year, sum(f.acres) AS total
			FROM fact_landuse_transitions f JOIN dim_time t USING (time_id)
			WHERE f.geography_id IN (SELECT geography_id FROM keys)
			GROUP BY ALL),
		ranked AS (
			SELECT scenario_id, time_id, geography_id, total,
				coalesce(lag(total) OVER (PARTITION BY scenario_id, geography_id ORDER BY start_year), total) AS previous,
				median(total) OVER (PARTITION BY time_id, geography_id) AS peer
			FROM totals),
		bad AS (
			SELECT r.scenario_id, r.time_id, r.geography_id
			FROM ranked r JOIN keys USING (scenario_id, time_id, geography_id)
			WHERE abs(r.total - r.previous) > ? * greatest(abs(r.total), abs(r.previous))
				OR abs(r.total - r.peer) > ? * greatest(abs(r.total), abs(r.peer)))`
	out = append(out, check{
		name:       "area_conservation",
		category:   "conservation",
		countSQL:   conservation + ` SELECT count(*) FROM bad`,
		exampleSQL: conservation + ` SELECT concat_ws('/', scenario_id::VARCHAR, time_id::VARCHAR, geography_id::VARCHAR) FROM bad ORDER BY ALL LIMIT 1`,
		args:       []any{v.opts.Tolerance, v.opts.Tolerance},
		message:    "%d scenario/period/county triples whose total area differs from the previous period or from other scenarios",
	})

	continuity := `WITH ` + v.keysCTE() + `,
		pairs AS (SELECT DISTINCT scenario_id, geography_id FROM keys),
		ended AS (
			SELECT f.scenario_id, f.geography_id, t.end_year AS boundary, f.to_landuse_id AS landuse_id, sum(f.acres) AS acres
			FROM fact_landuse_transitions f
			JOIN dim_time t USING (time_id)
			JOIN pairs USING (scenario_id, geography_id)
			GROUP BY ALL),
		started AS (
			SELECT f.scenario_id, f.geography_id, t.start_year AS boundary, f.from_landuse_id AS landuse_id, sum(f.acres) AS acres
			FROM fact_landuse_transitions f
			JOIN dim_time t USING (time_id)
			JOIN pairs USING (scenario_id, geography_id)
			GROUP BY ALL),
		bad AS (
			SELECT e.scenario_id, e.geography_id, e.boundary, e.landuse_id
			FROM ended e JOIN started s USING (scenario_id, geography_id, boundary, landuse_id)
			WHERE abs(e.acres - s.acres) > ? * greatest(abs(e.acres), abs(s.acres)))`
	out = append(out, check{
		name:       "area_continuity",
		category:   "conservation",
		countSQL:   continuity + ` SELECT count(*) FROM bad`,
		exampleSQL: continuity + ` SELECT concat_ws('/', scenario_id::VARCHAR, geography_id::VARCHAR, boundary::VARCHAR, landuse_id::VARCHAR) FROM bad ORDER BY ALL LIMIT 1`,
		args:       []any{v.opts.Tolerance},
		warnOnly:   true,
		message:    "%d land-use areas that end one period differently from how they start the next",
	})

	urban := fmt.Sprintf(`FROM fact_landuse_transitions
		WHERE from_landuse_id = %d AND to_landuse_id <> %d AND acres > 0`, model.Urban.ID(), model.Urban.ID())
	out = append(out, check{
		name:       "urban_irreversibility",
		category:   "informational",
		countSQL:   "SELECT count(*) " + urban,
		exampleSQL: "SELECT CAST(min(transition_id) AS VARCHAR) " + urban,
		warnOnly:   true,
		message:    "%d rows convert urban land back to another use",
	})

	return out
}
