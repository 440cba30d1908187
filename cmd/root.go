package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "ASIN market-intelligence ingestion pipeline",
	Long:  "Fetches third-party price/rank/offer history and first-party marketplace data, reconciles them into canonical per-item snapshots, and persists an append-only history with a materialized current view.",
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
