package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opencouncil/civicdata/pkg/metrics"
)

var verifyLimit int

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify citation source URLs",
	Long:  "Checks reachability of source URLs that have never been verified or are due for a recheck, and records the outcomes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		metrics.Init()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit := verifyLimit
		if limit == 0 {
			limit = cfg.Verify.BatchSize
		}
		stats, err := newCitationService(st).BulkVerifySources(ctx, limit)
		if err != nil {
			return err
		}

		p := message.NewPrinter(language.BritishEnglish)
		p.Printf("Verified: %d  Broken: %d  Errored: %d\n", stats.Verified, stats.Broken, stats.Errored)
		return nil
	},
}

func init() {
	verifyCmd.Flags().IntVar(&verifyLimit, "limit", 0, "max URLs to check (default from config)")
	rootCmd.AddCommand(verifyCmd)
}
