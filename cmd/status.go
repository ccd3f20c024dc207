package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/rpa-landuse/internal/journal"
	"github.com/sells-group/rpa-landuse/internal/schema"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

var (
	statusDB   string
	statusRuns int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version, table sizes and recent conversion runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := statusDB
		if path == "" {
			path = cfg.Convert.Output
		}
		db, err := openReadOnly(ctx, path)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		compat, err := schema.NewManager(db, schema.Options{ReadOnly: true}).Check(ctx)
		if err != nil {
			return err
		}
		counts, err := warehouse.RowCounts(ctx, db)
		if err != nil {
			return err
		}

		out := os.Stdout
		_, _ = fmt.Fprintf(out, "database: %s\nschema:   %s (%s), build %s\n",
			path, orDash(compat.Detected.Version), compat.Detected.Source, compat.Current)
		if compat.Warning != "" {
			_, _ = fmt.Fprintf(out, "warning:  %s\n", compat.Warning)
		}
		_, _ = fmt.Fprintln(out)
		formatCounts(out, counts)

		runs, err := recentRuns(ctx, cfg.JournalPath(path), statusRuns)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			_, _ = fmt.Fprintln(out)
			formatRuns(out, runs)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database to inspect (default convert.output)")
	statusCmd.Flags().IntVar(&statusRuns, "runs", 10, "number of journal runs to show")
	rootCmd.AddCommand(statusCmd)
}

// recentRuns reads the journal at path when it exists.
func recentRuns(ctx context.Context, path string, limit int) ([]journal.Run, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	j, err := journal.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer j.Close() //nolint:errcheck
	return j.ListRuns(ctx, limit)
}

func formatCounts(out io.Writer, counts map[string]int64) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tROWS")
	_, _ = fmt.Fprintln(w, "-----\t----")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", name, counts[name])
	}
	_ = w.Flush()
}

func formatRuns(out io.Writer, runs []journal.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "---\t------\t-------\t--------\t----\t-----")
	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID[:8],
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RowsLoaded,
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}
