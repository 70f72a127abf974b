package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/pkg/metrics"
)

var runType string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline run",
	Long:  "Runs the pipeline once: fetch, classify and persist facts with citations, render reports, analyze data quality.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt := model.RunType(runType)
		switch rt {
		case model.RunTypeFull, model.RunTypeIncremental, model.RunTypeVisualization:
		default:
			return eris.Errorf("invalid run type %q (full, incremental, visualization)", runType)
		}

		metrics.Init()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.runner.Run(ctx, rt)
		if run != nil {
			printRun(run)
		}
		return err
	},
}

func printRun(run *model.PipelineRun) {
	p := message.NewPrinter(language.BritishEnglish)

	p.Printf("Run %s (%s): %s\n", run.ID, run.Type, run.Status)
	for _, step := range run.Steps {
		line := p.Sprintf("  %-8s %-8s %6dms  %d items", step.Name, step.Status, step.Duration, step.Volume)
		if step.Error != "" {
			line += "  " + step.Error
		}
		p.Println(line)
	}
	if run.Status == model.RunStatusCompleted {
		p.Printf("Fresh data: %.1f%%  Quality delta: %+.3f  Wards: %d\n",
			run.Metrics.FreshDataPercent, run.Metrics.QualityDelta, run.Metrics.WardsUpdated)
	}
	for _, rec := range run.Recommendations {
		p.Printf("Recommendation: %s\n", rec)
	}
	for _, e := range run.Errors {
		fmt.Fprintf(os.Stderr, "Error: %s\n", e)
	}
}

func init() {
	runCmd.Flags().StringVar(&runType, "type", "full", "run type: full, incremental, visualization")
	rootCmd.AddCommand(runCmd)
}
