package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "landuse_analytics.duckdb", cfg.Convert.Output)
	assert.Equal(t, 100000, cfg.Convert.BatchSize)
	assert.Equal(t, 1, cfg.Convert.Workers)
	assert.Equal(t, "bulk", cfg.Convert.Mode)
	assert.Equal(t, "snappy", cfg.Convert.Compression)
	assert.True(t, cfg.Convert.Validate)
	assert.Equal(t, "_row", cfg.Source.RowKey)
	assert.Equal(t, "acres", cfg.Source.AcresKey)
	assert.Equal(t, []string{"t1", "t2"}, cfg.Source.IgnoreCodes)
	assert.Equal(t, "fr", cfg.Source.LandUseCodes["fr"])
	assert.Len(t, cfg.Source.LandUseCodes, 5)
	assert.Equal(t, DefaultTimePeriods(), cfg.Reference.TimePeriods)
	assert.Equal(t, "full", cfg.Validate.Mode)
	assert.Equal(t, 1000, cfg.Validate.SampleSize)
	assert.InDelta(t, 1e-6, cfg.Validate.Tolerance, 1e-12)
	assert.Equal(t, "landuse", cfg.Publish.Schema)
	assert.Equal(t, 3, cfg.Publish.MaxAttempts)
	assert.Equal(t, 500, cfg.Publish.InitialBackoffMs)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
convert:
  batch_size: 5000
  workers: 4
  mode: insert
source:
  row_key: from_code
  skip_periods: ["1990-2000"]
reference:
  geography_path: counties.csv
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5000, cfg.Convert.BatchSize)
	assert.Equal(t, 4, cfg.Convert.Workers)
	assert.Equal(t, "insert", cfg.Convert.Mode)
	assert.Equal(t, "from_code", cfg.Source.RowKey)
	assert.Equal(t, []string{"1990-2000"}, cfg.Source.SkipPeriods)
	assert.Equal(t, "counties.csv", cfg.Reference.GeographyPath)
	// Defaults still apply for unset values
	assert.Equal(t, "acres", cfg.Source.AcresKey)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
convert:
  workers: 2
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("LANDUSE_CONVERT_WORKERS", "8")
	t.Setenv("LANDUSE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Convert.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("convert: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for check tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Convert.Mode = "bulk"
	cfg.Convert.Output = "out.duckdb"
	cfg.Convert.BatchSize = 100000
	cfg.Convert.Workers = 1
	cfg.Validate.Mode = "full"
	cfg.Validate.Tolerance = 1e-6
	cfg.Publish.BatchSize = 50000
	cfg.Server.Port = 8080
	return cfg
}

func TestCheckConvert_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Convert.Input = "county_landuse_projections.json"
	cfg.Reference.GeographyPath = "counties.csv"

	assert.NoError(t, cfg.Check("convert"))
}

func TestCheckConvert_MissingFields(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Check("convert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convert.input is required")
	assert.Contains(t, err.Error(), "reference.geography_path is required")
}

func TestCheckConvert_WorkerBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Convert.Input = "in.json"
	cfg.Reference.GeographyPath = "counties.csv"

	cfg.Convert.Workers = 0
	err := cfg.Check("convert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convert.workers must be between 1 and 64")

	cfg.Convert.Workers = 65
	assert.Error(t, cfg.Check("convert"))

	cfg.Convert.Workers = 64
	assert.NoError(t, cfg.Check("convert"))
}

func TestCheckModes(t *testing.T) {
	cfg := validDefaults()
	cfg.Convert.Mode = "rows"
	cfg.Validate.Mode = "quick"

	err := cfg.Check("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convert.mode must be bulk or insert")
	assert.Contains(t, err.Error(), "validate.mode must be full or sample")
}

func TestCheckPublish_NoDB(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Check("publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish.database_url is required")

	cfg.Publish.DatabaseURL = "postgres://localhost/landuse"
	assert.NoError(t, cfg.Check("publish"))
}

func TestCheckServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Check("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestCheckUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Check("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestJournalPath(t *testing.T) {
	cfg := validDefaults()
	assert.Equal(t, "out.duckdb.journal.db", cfg.JournalPath("out.duckdb"))

	cfg.Journal.Path = "/var/lib/landuse/journal.db"
	assert.Equal(t, "/var/lib/landuse/journal.db", cfg.JournalPath("out.duckdb"))
}
