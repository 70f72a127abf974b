package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show pipeline run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush() //nolint:errcheck
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSTARTED\tDURATION\tSTEPS")
		for _, run := range runs {
			duration := "-"
			if run.EndTime != nil {
				duration = run.EndTime.Sub(run.StartTime).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				run.ID, run.Type, run.Status,
				run.StartTime.Format(time.RFC3339), duration, len(run.Steps))
		}
		return nil
	},
}

var runsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete runs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cutoff := time.Now().UTC().Add(-time.Duration(cfg.Pipeline.RetentionDays) * 24 * time.Hour)
		n, err := st.PurgeRunsBefore(ctx, cutoff)
		if err != nil {
			return err
		}

		p := message.NewPrinter(language.BritishEnglish)
		p.Printf("Purged %d runs started before %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max runs to list")
	runsCmd.AddCommand(runsPurgeCmd)
	rootCmd.AddCommand(runsCmd)
}
