package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencouncil/civicdata/internal/model"
)

// recentSuccessWindow is how recent the last completed run must be for
// startup to skip the immediate full run.
const recentSuccessWindow = 24 * time.Hour

// ShouldRunImmediately decides whether startup needs a full run now:
// yes when no run completed within the last 24 hours, or when the
// latest quality summary shows fresh data below the refresh threshold.
func (r *Runner) ShouldRunImmediately(ctx context.Context) (bool, error) {
	history, err := r.store.ListRuns(ctx, 50)
	if err != nil {
		return false, err
	}

	var lastSuccess *model.PipelineRun
	for i := range history {
		if history[i].Status == model.RunStatusCompleted {
			lastSuccess = &history[i]
			break
		}
	}
	if lastSuccess == nil || lastSuccess.EndTime == nil ||
		r.now().Sub(*lastSuccess.EndTime) > recentSuccessWindow {
		zap.L().Info("no recent successful run, immediate run required")
		return true, nil
	}

	data, err := r.store.LatestSummary(ctx)
	if err != nil {
		return false, err
	}
	if data == nil {
		return true, nil
	}
	summary, err := model.ParseExecutiveSummary(data)
	if err != nil {
		// An unreadable summary means quality is unknown; refresh.
		zap.L().Warn("stored summary unreadable, immediate run required", zap.Error(err))
		return true, nil
	}

	if summary.FreshRatio() < r.cfg.RefreshThreshold {
		zap.L().Info("fresh data below threshold, immediate run required",
			zap.Float64("fresh_ratio", summary.FreshRatio()),
			zap.Float64("threshold", r.cfg.RefreshThreshold),
		)
		return true, nil
	}
	return false, nil
}

// analyze parses the rendered summary and derives run metrics and
// recommendations from it. priorCompleteness is the completeness score
// of the summary that preceded this run, for the quality delta.
func (r *Runner) analyze(run *model.PipelineRun, summaryData []byte, priorCompleteness float64) error {
	summary, err := model.ParseExecutiveSummary(summaryData)
	if err != nil {
		return err
	}

	run.Metrics.FreshDataPercent = summary.FreshRatio() * 100
	run.Metrics.QualityDelta = summary.QualityMetrics.CompletenessScore - priorCompleteness
	run.Metrics.WardsUpdated = summary.WardSummary.TotalWards

	run.Recommendations = append(run.Recommendations, summary.QualityMetrics.Recommendations...)
	if run.Metrics.FreshDataPercent < 50 {
		run.Recommendations = append(run.Recommendations, "schedule additional collection")
	}
	for _, gap := range summary.QualityMetrics.CriticalGaps {
		run.Recommendations = append(run.Recommendations, fmt.Sprintf("fill critical gap: %s", gap))
	}
	return nil
}

// priorCompleteness reads the completeness score of the most recent
// stored summary. Absent or unreadable summaries read as zero.
func (r *Runner) priorCompleteness(ctx context.Context) float64 {
	data, err := r.store.LatestSummary(ctx)
	if err != nil || data == nil {
		return 0
	}
	summary, err := model.ParseExecutiveSummary(data)
	if err != nil {
		return 0
	}
	return summary.QualityMetrics.CompletenessScore
}
