package main

import (
	"fmt"
	"os"

	"github.com/SiriusScan/leakwatch/leakwatch/config"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/slogger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "leakwatchctl",
	Short: "leakwatchctl administers a leakwatch database: latest-flag backfills, rule pack activation and retirement, connectivity checks.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slogger.Init()
	},
	SilenceUsage: true,
}

func init() {
	cfg = config.Load()
	rootCmd.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (postgres or sqlite)")
	rootCmd.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Database connection string")
	rootCmd.PersistentFlags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Rows per transaction for bulk updates")

	rootCmd.AddCommand(backfillCmd(), rulePackCmd(), dbCmd())
}

func openDB() (*gorm.DB, error) {
	db, err := postgres.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
