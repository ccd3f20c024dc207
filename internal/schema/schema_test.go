package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func openDB(t *testing.T, path string, readOnly bool) *sql.DB {
	t.Helper()
	db, err := warehouse.Open(context.Background(), path, readOnly)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApply_FreshDatabase(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "fresh.duckdb"), false)
	m := NewManager(db, Options{})

	d, err := m.Detect(ctx)
	require.NoError(t, err)
	assert.True(t, d.Fresh())

	c, err := m.Apply(ctx)
	require.NoError(t, err)
	assert.True(t, c.Compatible)
	assert.Empty(t, c.Warning)
	assert.Equal(t, Detection{Version: CurrentVersion, Source: SourceTable}, c.Detected)

	counts, err := warehouse.RowCounts(ctx, db)
	require.NoError(t, err)
	assert.Len(t, counts, len(warehouse.Tables))
	assert.Equal(t, int64(1), counts["schema_version"])

	for _, view := range []string{"v_default_transitions", "v_scenario_comparisons"} {
		ok, err := m.Cache().HasTable(ctx, view)
		require.NoError(t, err)
		assert.True(t, ok, view)
	}

	var indexes int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM duckdb_indexes() WHERE table_name = 'fact_landuse_transitions'`).Scan(&indexes))
	assert.Equal(t, 6, indexes)

	hist, err := m.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, CurrentVersion, hist[0].Version)
	assert.Equal(t, "rpa-landuse", hist[0].AppliedBy)
	assert.False(t, hist[0].AppliedAt.IsZero())
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "twice.duckdb"), false)
	m := NewManager(db, Options{AppliedBy: "test"})

	_, err := m.Apply(ctx)
	require.NoError(t, err)
	_, err = m.Apply(ctx)
	require.NoError(t, err)

	hist, err := m.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "no version row when the latest already matches")
}

func TestDetect_StructuralLegacy(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "legacy.duckdb"), false)
	_, err := db.ExecContext(ctx, `CREATE TABLE fact_landuse_transitions (
		transition_id BIGINT, scenario_id INTEGER, time_id INTEGER, geography_id INTEGER,
		from_landuse_id INTEGER, to_landuse_id INTEGER, acres DOUBLE, transition_type VARCHAR)`)
	require.NoError(t, err)

	m := NewManager(db, Options{})
	d, err := m.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, Detection{Version: "1.0.0", Source: SourceStructure}, d)

	c, err := m.Apply(ctx)
	require.NoError(t, err, "incompatibility is reported, not raised")
	assert.False(t, c.Compatible)
	assert.Contains(t, c.Warning, "not compatible")

	ok, err := warehouse.TableExists(ctx, db, "schema_version")
	require.NoError(t, err)
	assert.False(t, ok, "an incompatible database is left untouched")
}

func TestApply_UpgradesStructural200(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "v2.duckdb"), false)
	_, err := db.ExecContext(ctx, `CREATE TABLE fact_landuse_transitions (
		transition_id BIGINT NOT NULL, scenario_id INTEGER NOT NULL, time_id SMALLINT NOT NULL,
		geography_id INTEGER NOT NULL, from_landuse_id SMALLINT NOT NULL, to_landuse_id SMALLINT NOT NULL,
		acres DOUBLE NOT NULL, acres_std_dev DOUBLE, acres_min DOUBLE, acres_max DOUBLE,
		transition_type VARCHAR NOT NULL)`)
	require.NoError(t, err)

	m := NewManager(db, Options{})
	d, err := m.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.Version)

	c, err := m.Apply(ctx)
	require.NoError(t, err)
	assert.True(t, c.Compatible)
	assert.Equal(t, CurrentVersion, c.Detected.Version)

	ok, err := m.Cache().HasTable(ctx, "v_default_transitions")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheck_UnknownVersion(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, filepath.Join(t.TempDir(), "future.duckdb"), false)
	m := NewManager(db, Options{})
	_, err := m.Apply(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Record(ctx, "9.0.0", "from the future"))

	c, err := m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, c.Compatible)
	assert.Equal(t, "9.0.0", c.Detected.Version)
	assert.Contains(t, c.Warning, "unknown")
}

func TestReadOnly_SkipsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ro.duckdb")

	rw, err := warehouse.Open(ctx, path, false)
	require.NoError(t, err)
	_, err = NewManager(rw, Options{}).Apply(ctx)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	db := openDB(t, path, true)
	m := NewManager(db, Options{ReadOnly: true})

	c, err := m.Apply(ctx)
	require.NoError(t, err)
	assert.True(t, c.Compatible)

	require.NoError(t, m.Record(ctx, "2.1.0", "ignored"))
	hist, err := m.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, "", false)
	c := NewCache(db)

	cols, err := c.Columns(ctx, "widgets")
	require.NoError(t, err)
	assert.Empty(t, cols)

	_, err = db.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER, name VARCHAR)`)
	require.NoError(t, err)

	ok, err := c.HasTable(ctx, "widgets")
	require.NoError(t, err)
	assert.False(t, ok, "snapshot is served until invalidated")

	c.Invalidate()
	cols, err = c.Columns(ctx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, cols)

	has, err := c.HasColumn(ctx, "widgets", "name")
	require.NoError(t, err)
	assert.True(t, has)

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "widgets")
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible("2.1.0", "2.1.0"))
	assert.True(t, Compatible("2.1.0", "2.0.0"))
	assert.False(t, Compatible("2.1.0", "1.0.0"))
	assert.False(t, Compatible("2.0.0", "2.1.0"))
	assert.True(t, Compatible("1.0.0", "1.0.0"))
	assert.False(t, Compatible("0.9.0", "0.9.0"))
}

func TestStatements(t *testing.T) {
	got := statements(`
-- header comment
CREATE TABLE a (id INTEGER);

-- trailing comment only;
CREATE INDEX i ON a (id);
`)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "CREATE TABLE a")
	assert.Contains(t, got[1], "CREATE INDEX i")
}

func TestDDLFilesOrdered(t *testing.T) {
	files, err := ddlFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_dimensions.sql", "002_fact.sql", "003_indexes.sql", "004_views.sql"}, files)
}
