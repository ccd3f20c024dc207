package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/validate"
)

var (
	validateDB         string
	validateMode       string
	validateSampleSize int
	validateStrict     bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run integrity checks against an analytics database",
	Long:  "Opens the database read-only and checks referential integrity, key uniqueness, transition types and area accounting.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f := cmd.Flags()
		if f.Changed("mode") {
			cfg.Validate.Mode = validateMode
		}
		if f.Changed("sample-size") {
			cfg.Validate.SampleSize = validateSampleSize
		}
		if f.Changed("strict") {
			cfg.Validate.Strict = validateStrict
		}
		if err := cfg.Check("validate"); err != nil {
			return err
		}

		path := validateDB
		if path == "" {
			path = cfg.Convert.Output
		}
		db, err := openReadOnly(ctx, path)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		v, err := validate.New(db, validateOptions(cfg.Validate))
		if err != nil {
			return err
		}
		report, err := v.Run(ctx)
		if err != nil {
			return err
		}

		formatReport(os.Stdout, report)
		if err := report.Err(); err != nil {
			if cfg.Validate.Strict {
				return err
			}
			zap.L().Warn("validation failed; pass --strict to exit non-zero", zap.Error(err))
		}
		return nil
	},
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateDB, "db", "", "database to check (default convert.output)")
	f.StringVar(&validateMode, "mode", "", "full or sample (default from config)")
	f.IntVar(&validateSampleSize, "sample-size", 0, "triples checked in sample mode (default from config)")
	f.BoolVar(&validateStrict, "strict", false, "exit non-zero when a check fails")
	rootCmd.AddCommand(validateCmd)
}

// formatReport writes a tabular representation of a validation report to out.
func formatReport(out io.Writer, r *validate.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECK\tSTATUS\tVIOLATIONS\tEXAMPLE")
	_, _ = fmt.Fprintln(w, "-----\t------\t----------\t-------")
	for _, c := range r.Checks {
		example := c.Example
		if example == "" {
			example = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.Name, c.Status, c.Violations, truncate(example, 40))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%s: %d checks, %d passed, %d failed, %d warnings in %s\n",
		r.Mode, r.Run, r.Passed, r.Failed, r.Warnings, r.Elapsed.Round(time.Millisecond))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
