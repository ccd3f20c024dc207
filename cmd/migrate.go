package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rpa-landuse/internal/schema"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

var migrateDB string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the star schema",
	Long:  "Applies the embedded DDL to the database and records the schema version. Incompatible databases are left untouched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := migrateDB
		if path == "" {
			path = cfg.Convert.Output
		}
		if path == "" {
			return eris.New("migrate: pass --db or set convert.output")
		}

		db, err := warehouse.Open(ctx, path, false)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		compat, err := schema.NewManager(db, schema.Options{}).Apply(ctx)
		if err != nil {
			return err
		}
		if !compat.Compatible {
			return eris.Errorf("migrate: %s", compat.Warning)
		}

		_, _ = fmt.Fprintf(os.Stdout, "%s at schema %s (was %s via %s)\n",
			path, compat.Current, orDash(compat.Detected.Version), compat.Detected.Source)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDB, "db", "", "database to migrate (default convert.output)")
	rootCmd.AddCommand(migrateCmd)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
