package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	statusJobID       string
	statusASIN        string
	statusMarketplace string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job status or the current view of an identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusJobID == "" && statusASIN == "" {
			return eris.New("pass --job or --asin")
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if statusJobID != "" {
			job, err := st.GetJob(cmd.Context(), statusJobID)
			if err != nil {
				return eris.Wrap(err, "get job")
			}
			if job == nil {
				return eris.Errorf("job not found: %s", statusJobID)
			}
			return enc.Encode(job)
		}

		marketplace := statusMarketplace
		if marketplace == "" {
			marketplace = cfg.Ingest.Marketplace
		}

		cv, err := st.GetCurrentState(cmd.Context(), statusASIN, marketplace)
		if err != nil {
			return eris.Wrap(err, "get current state")
		}
		if cv == nil {
			fmt.Printf("no current view for %s in %s\n", statusASIN, marketplace)
			return nil
		}
		if err := enc.Encode(cv); err != nil {
			return err
		}

		issues, err := st.GetOpenIssues(cmd.Context(), statusASIN, marketplace)
		if err != nil {
			return eris.Wrap(err, "get open issues")
		}
		if len(issues) > 0 {
			fmt.Printf("\n%d open data-quality issues:\n", len(issues))
			for _, issue := range issues {
				fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.IssueType, issue.Message)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusJobID, "job", "", "ingestion job ID")
	statusCmd.Flags().StringVar(&statusASIN, "asin", "", "identifier to look up")
	statusCmd.Flags().StringVar(&statusMarketplace, "marketplace", "", "marketplace (default from config)")
	rootCmd.AddCommand(statusCmd)
}
