package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	refreshMarketplace string
	refreshMaxAgeMins  int
	refreshLimit       int
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-ingest identifiers whose current view has gone stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		marketplace := refreshMarketplace
		if marketplace == "" {
			marketplace = cfg.Ingest.Marketplace
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		maxAge := time.Duration(refreshMaxAgeMins) * time.Minute
		stale, err := st.GetIdentifiersNeedingRefresh(ctx, marketplace, maxAge, refreshLimit)
		if err != nil {
			return eris.Wrap(err, "find stale identifiers")
		}
		if len(stale) == 0 {
			fmt.Println("nothing to refresh")
			return nil
		}
		zap.L().Info("refreshing stale identifiers",
			zap.Int("count", len(stale)),
			zap.Duration("max_age", maxAge),
		)

		runner, err := initRunner(st)
		if err != nil {
			return err
		}
		job, _, err := runner.IngestBatch(ctx, stale, marketplace)
		if err != nil {
			return eris.Wrap(err, "refresh batch")
		}
		fmt.Printf("job %s: %d total, %d succeeded, %d failed, %d skipped\n",
			job.ID, job.Total, job.Succeeded, job.Failed, job.Skipped)
		return nil
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshMarketplace, "marketplace", "", "marketplace (default from config)")
	refreshCmd.Flags().IntVar(&refreshMaxAgeMins, "max-age-minutes", 360, "refresh snapshots older than this")
	refreshCmd.Flags().IntVar(&refreshLimit, "limit", 100, "max identifiers per run")
	rootCmd.AddCommand(refreshCmd)
}
