package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var citationsCmd = &cobra.Command{
	Use:   "citations",
	Short: "Inspect citation coverage and source health",
}

var citationsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the citation coverage report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := newCitationService(st).GenerateCitationReport(ctx)
		if err != nil {
			return err
		}

		p := message.NewPrinter(language.BritishEnglish)
		p.Printf("Facts: %d  Cited: %d  With file: %d\n", report.TotalFacts, report.WithCitation, report.WithFile)
		p.Printf("Verified sources: %d  Broken sources: %d\n", report.Verified, report.Broken)

		p.Println("\nBy confidence:")
		for _, k := range sortedKeys(report.ConfidenceBreakdown) {
			p.Printf("  %-8s %d\n", k, report.ConfidenceBreakdown[k])
		}
		p.Println("\nBy domain:")
		for _, k := range sortedKeys(report.DomainBreakdown) {
			p.Printf("  %-40s %d\n", k, report.DomainBreakdown[k])
		}
		return nil
	},
}

var citationsBrokenCmd = &cobra.Command{
	Use:   "broken",
	Short: "List facts whose citations are broken or stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		facts, err := newCitationService(st).FindBrokenCitations(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush() //nolint:errcheck
		fmt.Fprintln(w, "ID\tKIND\tSOURCE\tREASON")
		for _, f := range facts {
			reason := "never verified"
			if f.Citation != nil && f.Citation.Verification != nil {
				v := f.Citation.Verification
				switch {
				case v.Error != "":
					reason = v.Error
				case !v.Accessible:
					reason = fmt.Sprintf("HTTP %d", v.StatusCode)
				default:
					reason = "stale check"
				}
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.ID, f.Kind, f.SourceURL, reason)
		}
		return nil
	},
}

var citationsDuplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "List source URLs shared by multiple facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		groups, err := newCitationService(st).FindDuplicateSources(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	},
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	citationsCmd.AddCommand(citationsReportCmd, citationsBrokenCmd, citationsDuplicatesCmd)
	rootCmd.AddCommand(citationsCmd)
}
