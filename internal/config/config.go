package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Convert   ConvertConfig   `yaml:"convert" mapstructure:"convert"`
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	Reference ReferenceConfig `yaml:"reference" mapstructure:"reference"`
	Validate  ValidateConfig  `yaml:"validate" mapstructure:"validate"`
	Journal   JournalConfig   `yaml:"journal" mapstructure:"journal"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Publish   PublishConfig   `yaml:"publish" mapstructure:"publish"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
}

// ConvertConfig configures the JSON to DuckDB conversion run.
type ConvertConfig struct {
	Input       string `yaml:"input" mapstructure:"input"`
	Output      string `yaml:"output" mapstructure:"output"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	Workers     int    `yaml:"workers" mapstructure:"workers"`
	Mode        string `yaml:"mode" mapstructure:"mode"` // "bulk" | "insert"
	Compression string `yaml:"compression" mapstructure:"compression"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
	Resume      bool   `yaml:"resume" mapstructure:"resume"`
	Validate    bool   `yaml:"validate" mapstructure:"validate"`
}

// SourceConfig names the keys of the upstream JSON release. The format is
// controlled by the data publisher, so none of these are hard-coded.
type SourceConfig struct {
	RowKey       string            `yaml:"row_key" mapstructure:"row_key"`
	FromKey      string            `yaml:"from_key" mapstructure:"from_key"`
	ToKey        string            `yaml:"to_key" mapstructure:"to_key"`
	AcresKey     string            `yaml:"acres_key" mapstructure:"acres_key"`
	IgnoreCodes  []string          `yaml:"ignore_codes" mapstructure:"ignore_codes"`
	SkipPeriods  []string          `yaml:"skip_periods" mapstructure:"skip_periods"`
	LandUseCodes map[string]string `yaml:"landuse_codes" mapstructure:"landuse_codes"`
}

// ReferenceConfig locates the dimension reference data.
type ReferenceConfig struct {
	ScenarioCatalog string   `yaml:"scenario_catalog" mapstructure:"scenario_catalog"`
	GeographyPath   string   `yaml:"geography_path" mapstructure:"geography_path"`
	TimePeriods     []string `yaml:"time_periods" mapstructure:"time_periods"`
}

// ValidateConfig configures post-load integrity checks.
type ValidateConfig struct {
	Mode       string  `yaml:"mode" mapstructure:"mode"` // "full" | "sample"
	SampleSize int     `yaml:"sample_size" mapstructure:"sample_size"`
	Tolerance  float64 `yaml:"tolerance" mapstructure:"tolerance"`
	Strict     bool    `yaml:"strict" mapstructure:"strict"`
}

// JournalConfig configures the conversion progress journal.
type JournalConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	Disabled bool   `yaml:"disabled" mapstructure:"disabled"`
}

// FetchConfig configures remote input downloads.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// PublishConfig configures the Postgres mirror.
type PublishConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`

	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultLandUseCodes maps the RPA source codes to land-use short codes.
func DefaultLandUseCodes() map[string]string {
	return map[string]string{
		"cr": "cr",
		"ps": "ps",
		"fr": "fr",
		"ur": "ur",
		"rg": "rg",
	}
}

// DefaultTimePeriods lists the projection periods of the RPA 2020 release.
func DefaultTimePeriods() []string {
	return []string{"2012-2020", "2020-2030", "2030-2040", "2040-2050", "2050-2060", "2060-2070"}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LANDUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("convert.output", "landuse_analytics.duckdb")
	v.SetDefault("convert.batch_size", 100000)
	v.SetDefault("convert.workers", 1)
	v.SetDefault("convert.mode", "bulk")
	v.SetDefault("convert.compression", "snappy")
	v.SetDefault("convert.temp_dir", "")
	v.SetDefault("convert.validate", true)
	v.SetDefault("source.row_key", "_row")
	v.SetDefault("source.from_key", "from")
	v.SetDefault("source.to_key", "to")
	v.SetDefault("source.acres_key", "acres")
	v.SetDefault("source.ignore_codes", []string{"t1", "t2"})
	v.SetDefault("source.skip_periods", []string{})
	v.SetDefault("source.landuse_codes", DefaultLandUseCodes())
	v.SetDefault("reference.time_periods", DefaultTimePeriods())
	v.SetDefault("validate.mode", "full")
	v.SetDefault("validate.sample_size", 1000)
	v.SetDefault("validate.tolerance", 1e-6)
	v.SetDefault("fetch.user_agent", "rpa-landuse/1.0")
	v.SetDefault("fetch.timeout_secs", 600)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("publish.schema", "landuse")
	v.SetDefault("publish.batch_size", 50000)
	v.SetDefault("publish.max_attempts", 3)
	v.SetDefault("publish.initial_backoff_ms", 500)
	v.SetDefault("publish.max_backoff_ms", 30000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Check validates the settings a command mode depends on. Mode is one of
// "convert", "validate", "publish", "serve" or "" for the shared checks only.
func (c *Config) Check(mode string) error {
	var errs []string

	switch c.Convert.Mode {
	case "bulk", "insert":
	default:
		errs = append(errs, fmt.Sprintf("convert.mode must be bulk or insert, got %q", c.Convert.Mode))
	}
	switch c.Validate.Mode {
	case "full", "sample":
	default:
		errs = append(errs, fmt.Sprintf("validate.mode must be full or sample, got %q", c.Validate.Mode))
	}
	if c.Validate.Tolerance < 0 {
		errs = append(errs, "validate.tolerance must be >= 0")
	}

	switch mode {
	case "", "validate":
	case "convert":
		if c.Convert.Input == "" {
			errs = append(errs, "convert.input is required")
		}
		if c.Convert.Output == "" {
			errs = append(errs, "convert.output is required")
		}
		if c.Convert.BatchSize <= 0 {
			errs = append(errs, "convert.batch_size must be > 0")
		}
		if c.Convert.Workers < 1 || c.Convert.Workers > 64 {
			errs = append(errs, "convert.workers must be between 1 and 64")
		}
		if c.Reference.GeographyPath == "" {
			errs = append(errs, "reference.geography_path is required")
		}
	case "publish":
		if c.Publish.DatabaseURL == "" {
			errs = append(errs, "publish.database_url is required")
		}
		if c.Publish.BatchSize <= 0 {
			errs = append(errs, "publish.batch_size must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// JournalPath returns the configured journal path, defaulting to a sidecar
// file next to the output database.
func (c *Config) JournalPath(output string) string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return output + ".journal.db"
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
