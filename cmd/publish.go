package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rpa-landuse/internal/publish"
	"github.com/sells-group/rpa-landuse/internal/resilience"
)

var publishDB string

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Mirror the star schema into Postgres",
	Long:  "Creates the tables under publish.schema, upserts the dimensions and replaces the fact table with COPY batches.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Check("publish"); err != nil {
			return err
		}

		path := publishDB
		if path == "" {
			path = cfg.Convert.Output
		}
		src, err := openReadOnly(ctx, path)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck

		pool, err := pgxpool.New(ctx, cfg.Publish.DatabaseURL)
		if err != nil {
			return eris.Wrap(err, "publish: connect")
		}
		defer pool.Close()

		p, err := publish.New(pool, src, publish.Options{
			Schema:    cfg.Publish.Schema,
			BatchSize: cfg.Publish.BatchSize,
			Retry: resilience.FromRetryConfig(
				cfg.Publish.MaxAttempts, cfg.Publish.InitialBackoffMs, cfg.Publish.MaxBackoffMs),
		})
		if err != nil {
			return err
		}
		sum, err := p.Publish(ctx)
		if err != nil {
			return err
		}
		formatCounts(os.Stdout, sum.Rows)
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishDB, "db", "", "source database (default convert.output)")
	rootCmd.AddCommand(publishCmd)
}
