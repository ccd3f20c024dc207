package bulkload

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/model"
	"github.com/sells-group/rpa-landuse/internal/schema"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := warehouse.Open(ctx, filepath.Join(t.TempDir(), "bulk.duckdb"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = schema.NewManager(db, schema.Options{}).Apply(ctx)
	require.NoError(t, err)
	return db
}

func ptr(f float64) *float64 { return &f }

func facts(firstID int64, n int) []model.Transition {
	rows := make([]model.Transition, n)
	for i := range rows {
		rows[i] = model.Transition{
			ID:             firstID + int64(i),
			ScenarioID:     1,
			TimeID:         1,
			GeographyID:    int32(i%3 + 1),
			FromLandUseID:  model.Crop.ID(),
			ToLandUseID:    model.Urban.ID(),
			Acres:          float64(i) + 0.5,
			TransitionType: model.TransitionChange,
		}
	}
	return rows
}

func stagingFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "rpa-landuse-*.parquet"))
	require.NoError(t, err)
	return matches
}

func TestLoad_BulkMode(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tmp := t.TempDir()

	l, err := New(db, Options{TempDir: tmp})
	require.NoError(t, err)
	assert.Equal(t, ModeBulk, l.Mode())

	rows := facts(1, 250)
	rows[0].AcresStdDev = ptr(1.25)
	rows[0].AcresMin = ptr(0)
	rows[0].AcresMax = ptr(3)

	n, err := Load(ctx, l, TransitionTable, 0, 1, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
	assert.Empty(t, stagingFiles(t, tmp), "staging file removed after load")

	var count int
	var sum float64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*), sum(acres) FROM fact_landuse_transitions`).Scan(&count, &sum))
	assert.Equal(t, 250, count)
	assert.InDelta(t, 250*0.5+float64(249*250/2), sum, 1e-6)

	var std sql.NullFloat64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT acres_std_dev FROM fact_landuse_transitions WHERE transition_id = 1`).Scan(&std))
	assert.True(t, std.Valid)
	assert.Equal(t, 1.25, std.Float64)

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT acres_std_dev FROM fact_landuse_transitions WHERE transition_id = 2`).Scan(&std))
	assert.False(t, std.Valid, "per-model rows store NULL spread")
}

func TestLoad_InsertMode(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	l, err := New(db, Options{Mode: ModeInsert})
	require.NoError(t, err)

	n, err := Load(ctx, l, TransitionTable, 0, 1, facts(1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM fact_landuse_transitions`).Scan(&count))
	assert.Equal(t, 20, count)
}

func TestLoad_Dimensions(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	for _, mode := range []Mode{ModeBulk, ModeInsert} {
		t.Run(string(mode), func(t *testing.T) {
			for _, table := range []string{"dim_scenario", "dim_time", "dim_landuse"} {
				_, err := db.ExecContext(ctx, "DELETE FROM "+table)
				require.NoError(t, err)
			}

			l, err := New(db, Options{Mode: mode, Compression: "zstd"})
			require.NoError(t, err)

			_, err = Load(ctx, l, ScenarioTable, 0, 1, []model.Scenario{
				{ID: 1, Name: "CNRM_CM5_rcp45_ssp1", GCM: "CNRM_CM5", RCP: "rcp45", SSP: "ssp1", GCMCount: 1},
				{ID: 2, Name: "OVERALL_rcp45_ssp1", RCP: "rcp45", SSP: "ssp1", IsAggregate: true, AggregationMethod: model.AggregationMean, GCMCount: 1},
			})
			require.NoError(t, err)

			tp, err := model.ParseTimePeriod("2020-2030")
			require.NoError(t, err)
			tp.ID = 1
			_, err = Load(ctx, l, TimeTable, 0, 1, []model.TimePeriod{tp})
			require.NoError(t, err)

			var lu []model.LandUseDim
			for _, x := range model.LandUses {
				lu = append(lu, model.LandUseRow(x))
			}
			_, err = Load(ctx, l, LandUseTable, 0, 1, lu)
			require.NoError(t, err)

			var gcm sql.NullString
			var agg bool
			require.NoError(t, db.QueryRowContext(ctx,
				`SELECT gcm_model, is_aggregate FROM dim_scenario WHERE scenario_name = 'OVERALL_rcp45_ssp1'`).Scan(&gcm, &agg))
			assert.False(t, gcm.Valid, "ensembles reference no climate model")
			assert.True(t, agg)

			var length int
			require.NoError(t, db.QueryRowContext(ctx, `SELECT period_length FROM dim_time WHERE time_id = 1`).Scan(&length))
			assert.Equal(t, 10, length)

			var cats int
			require.NoError(t, db.QueryRowContext(ctx, `SELECT count(DISTINCT landuse_category) FROM dim_landuse`).Scan(&cats))
			assert.Equal(t, 3, cats)
		})
	}
}

func TestLoad_BatchError(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tmp := t.TempDir()

	for _, mode := range []Mode{ModeBulk, ModeInsert} {
		t.Run(string(mode), func(t *testing.T) {
			l, err := New(db, Options{Mode: mode, TempDir: tmp})
			require.NoError(t, err)

			rows := facts(101, 10)
			rows[4].Acres = -1 // violates the CHECK constraint

			_, err = Load(ctx, l, TransitionTable, 7, 101, rows)
			require.Error(t, err)

			var be *BatchError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, "fact_landuse_transitions", be.Table)
			assert.Equal(t, 7, be.Index)
			assert.Equal(t, int64(101), be.FirstID)
			assert.Equal(t, int64(110), be.LastID)
			assert.Contains(t, err.Error(), "batch 7 (ids 101-110)")
			assert.Empty(t, stagingFiles(t, tmp), "staging file removed on failure")
		})
	}

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM fact_landuse_transitions`).Scan(&count))
	assert.Zero(t, count, "a failed batch leaves no rows")
}

func TestLoad_PriorBatchesKept(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	l, err := New(db, Options{})
	require.NoError(t, err)

	_, err = Load(ctx, l, TransitionTable, 0, 1, facts(1, 5))
	require.NoError(t, err)

	bad := facts(6, 5)
	bad[0].TransitionType = "teleport"
	_, err = Load(ctx, l, TransitionTable, 1, 6, bad)
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM fact_landuse_transitions`).Scan(&count))
	assert.Equal(t, 5, count)
}

func TestLoad_ConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	l, err := New(db, Options{TempDir: t.TempDir()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first := int64(i*100 + 1)
			_, err := Load(ctx, l, TransitionTable, i, first, facts(first, 100))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count, distinct int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*), count(DISTINCT transition_id) FROM fact_landuse_transitions`).Scan(&count, &distinct))
	assert.Equal(t, 400, count)
	assert.Equal(t, 400, distinct)
}

func TestLoad_EmptyBatch(t *testing.T) {
	l, err := New(nil, Options{})
	require.NoError(t, err)
	n, err := Load(context.Background(), l, TransitionTable, 0, 1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(nil, Options{Mode: "stream"})
	assert.ErrorContains(t, err, "unknown mode")

	_, err = New(nil, Options{Compression: "lzma"})
	assert.ErrorContains(t, err, "unknown compression")

	for _, c := range []string{"", "snappy", "ZSTD", "gzip", "none"} {
		_, err := New(nil, Options{Compression: c})
		assert.NoError(t, err, c)
	}
}

func TestLoad_StagingDirMissing(t *testing.T) {
	l, err := New(nil, Options{TempDir: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	_, err = Load(context.Background(), l, TransitionTable, 0, 1, facts(1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create staging file")

	var be *BatchError
	assert.True(t, errors.As(err, &be))
}
