package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rpa-landuse",
	Short: "Convert RPA land-use projections into a DuckDB star schema",
	Long: "Streams the USDA Forest Service RPA county land-use transition projections, " +
		"resolves them against reference dimensions, bulk-loads a DuckDB star schema, " +
		"validates it and optionally mirrors it to Postgres.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
