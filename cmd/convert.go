package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/bulkload"
	"github.com/sells-group/rpa-landuse/internal/config"
	"github.com/sells-group/rpa-landuse/internal/convert"
)

var (
	convertInput     string
	convertOutput    string
	convertMode      string
	convertBatchSize int
	convertWorkers   int
	convertResume    bool
	convertValidate  bool
	convertStrict    bool
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a projection release into the DuckDB star schema",
	Long: "Streams the nested JSON release (local path, .zip or http(s) URL), resolves every " +
		"record against the reference dimensions and bulk-loads the star schema.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyConvertFlags(cmd, cfg)
		if err := cfg.Check("convert"); err != nil {
			return err
		}

		lookups, err := buildLookups(cfg)
		if err != nil {
			return err
		}

		opts := convert.Options{
			Input:       cfg.Convert.Input,
			Output:      cfg.Convert.Output,
			TempDir:     cfg.Convert.TempDir,
			BatchSize:   cfg.Convert.BatchSize,
			Workers:     cfg.Convert.Workers,
			Mode:        bulkload.Mode(cfg.Convert.Mode),
			Compression: cfg.Convert.Compression,
			Resume:      cfg.Convert.Resume,
			Format:      sourceFormat(cfg.Source),
			SkipPeriods: cfg.Source.SkipPeriods,
			Validate:    cfg.Convert.Validate,
			Validation:  validateOptions(cfg.Validate),
		}
		if !cfg.Journal.Disabled {
			opts.JournalPath = cfg.JournalPath(cfg.Convert.Output)
		}

		engine, err := convert.New(lookups, newFetcher(cfg.Fetch), opts)
		if err != nil {
			return err
		}
		sum, err := engine.Run(ctx)
		if err != nil {
			reportFailure(os.Stdout, sum, err)
			return err
		}

		formatSummary(os.Stdout, sum)
		if sum.Validation != nil {
			formatReport(os.Stdout, sum.Validation)
			if verr := sum.Validation.Err(); verr != nil {
				if cfg.Validate.Strict {
					return verr
				}
				zap.L().Warn("validation failed; pass --strict to fail the run", zap.Error(verr))
			}
		}
		return nil
	},
}

func init() {
	f := convertCmd.Flags()
	f.StringVar(&convertInput, "input", "", "projection JSON: path, .zip or http(s) URL (default from config)")
	f.StringVar(&convertOutput, "output", "", "DuckDB database to create (default from config)")
	f.StringVar(&convertMode, "mode", "", "load mode: bulk or insert (default from config)")
	f.IntVar(&convertBatchSize, "batch-size", 0, "transitions per batch (default from config)")
	f.IntVar(&convertWorkers, "workers", 0, "concurrent batch loaders (default from config)")
	f.BoolVar(&convertResume, "resume", false, "continue an interrupted conversion into a non-empty output")
	f.BoolVar(&convertValidate, "validate", true, "run integrity checks after loading")
	f.BoolVar(&convertStrict, "strict", false, "exit non-zero when a validation check fails")
	rootCmd.AddCommand(convertCmd)
}

// applyConvertFlags overlays explicitly set flags on the loaded config.
func applyConvertFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("input") {
		c.Convert.Input = convertInput
	}
	if f.Changed("output") {
		c.Convert.Output = convertOutput
	}
	if f.Changed("mode") {
		c.Convert.Mode = convertMode
	}
	if f.Changed("batch-size") {
		c.Convert.BatchSize = convertBatchSize
	}
	if f.Changed("workers") {
		c.Convert.Workers = convertWorkers
	}
	if f.Changed("resume") {
		c.Convert.Resume = convertResume
	}
	if f.Changed("validate") {
		c.Convert.Validate = convertValidate
	}
	if f.Changed("strict") {
		c.Validate.Strict = convertStrict
	}
}

// formatSummary writes the outcome of a conversion to out.
func formatSummary(out io.Writer, s *convert.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := []struct {
		label string
		value any
	}{
		{"output", s.Output},
		{"schema", s.Schema.Current},
		{"records read", s.RecordsRead},
		{"transformed", s.Transformed},
		{"ensemble rows", s.Ensemble},
		{"loaded", s.Loaded},
		{"skipped", s.Skipped},
		{"rejected", s.Rejected},
		{"excluded", s.Excluded},
		{"batches", fmt.Sprintf("%d (%d resumed)", s.Batches, s.BatchesResumed)},
		{"elapsed", s.Elapsed.Round(time.Millisecond)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%v\n", r.label, r.value)
	}
	_ = w.Flush()
}

// reportFailure prints what a failed run got through and, for a load
// failure, the id range to re-process with --resume.
func reportFailure(out io.Writer, s *convert.Summary, err error) {
	if s == nil {
		return
	}
	formatSummary(out, s)
	var be *bulkload.BatchError
	if errors.As(err, &be) {
		_, _ = fmt.Fprintf(out, "failed batch %d of %s (ids %d-%d); rerun with --resume\n",
			be.Index, be.Table, be.FirstID, be.LastID)
	}
}
