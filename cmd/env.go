package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rpa-landuse/internal/config"
	"github.com/sells-group/rpa-landuse/internal/fetcher"
	"github.com/sells-group/rpa-landuse/internal/reference"
	"github.com/sells-group/rpa-landuse/internal/source"
	"github.com/sells-group/rpa-landuse/internal/validate"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

// buildLookups loads the reference dimensions named in c.
func buildLookups(c *config.Config) (*reference.Lookups, error) {
	catalog, err := reference.DefaultCatalog()
	if c.Reference.ScenarioCatalog != "" {
		catalog, err = reference.LoadCatalog(c.Reference.ScenarioCatalog)
	}
	if err != nil {
		return nil, err
	}

	counties, err := reference.LoadGeography(c.Reference.GeographyPath)
	if err != nil {
		return nil, err
	}

	periods := c.Reference.TimePeriods
	if len(periods) == 0 {
		periods = config.DefaultTimePeriods()
	}
	codes := c.Source.LandUseCodes
	if len(codes) == 0 {
		codes = config.DefaultLandUseCodes()
	}

	return reference.Build(reference.Options{
		Catalog:      catalog,
		Geography:    counties,
		TimePeriods:  periods,
		LandUseCodes: codes,
	})
}

// sourceFormat maps the configured release keys onto a source.Format.
func sourceFormat(c config.SourceConfig) source.Format {
	f := source.DefaultFormat()
	if c.RowKey != "" {
		f.RowKey = c.RowKey
	}
	if c.FromKey != "" {
		f.FromKey = c.FromKey
	}
	if c.ToKey != "" {
		f.ToKey = c.ToKey
	}
	if c.AcresKey != "" {
		f.AcresKey = c.AcresKey
	}
	if c.IgnoreCodes != nil {
		f.Ignore = c.IgnoreCodes
	}
	return f
}

func newFetcher(c config.FetchConfig) fetcher.Fetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  c.UserAgent,
		Timeout:    time.Duration(c.TimeoutSecs) * time.Second,
		MaxRetries: c.MaxRetries,
	})
}

func validateOptions(c config.ValidateConfig) validate.Options {
	return validate.Options{
		Mode:       validate.Mode(c.Mode),
		SampleSize: c.SampleSize,
		Tolerance:  c.Tolerance,
	}
}

// openReadOnly opens an existing analytics database without taking the
// writer lock.
func openReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, eris.New("no database path; pass --db or set convert.output")
	}
	return warehouse.Open(ctx, path, true)
}
