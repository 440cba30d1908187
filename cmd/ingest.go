package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	ingestMarketplace string
	ingestFile        string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [ASIN...]",
	Short: "Run a batch ingestion for the given identifiers",
	Long:  "Fetches vendor market data for each identifier, reconciles it into a canonical snapshot, and persists snapshot, data-quality issues, and current view atomically. Identifiers with a fresh snapshot are skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		asins := args
		if ingestFile != "" {
			fromFile, err := readIdentifierFile(ingestFile)
			if err != nil {
				return err
			}
			asins = append(asins, fromFile...)
		}
		if len(asins) == 0 {
			return eris.New("no identifiers given: pass ASINs as arguments or --file")
		}

		marketplace := ingestMarketplace
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

		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		job, results, err := runner.IngestBatch(ctx, asins, marketplace)
		if err != nil {
			return eris.Wrap(err, "ingest batch")
		}

		for _, res := range results {
			switch {
			case res.FromCache:
				fmt.Printf("  %s  fresh, skipped\n", res.Identifier)
			case res.Success:
				fmt.Printf("  %s  ok  snapshot=%s  dq_issues=%d\n", res.Identifier, *res.SnapshotID, len(res.DQIssues))
			default:
				fmt.Printf("  %s  FAILED  %s\n", res.Identifier, res.Error)
			}
		}
		fmt.Printf("\njob %s: %d total, %d succeeded, %d failed, %d skipped\n",
			job.ID, job.Total, job.Succeeded, job.Failed, job.Skipped)
		return nil
	},
}

func readIdentifierFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open identifier file %s", path)
	}
	defer f.Close() //nolint:errcheck

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, eris.Wrap(sc.Err(), "read identifier file")
}

func init() {
	ingestCmd.Flags().StringVar(&ingestMarketplace, "marketplace", "", "marketplace (default from config)")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "file with one identifier per line")
	rootCmd.AddCommand(ingestCmd)
}
