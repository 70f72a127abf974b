package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/internal/notify"
)

const (
	// healthWindow is how many recent terminal runs feed the rolling
	// success rate.
	healthWindow = 10

	// healthWarningThreshold is the success rate below which a warning
	// notification fires.
	healthWarningThreshold = 0.70
)

// HealthScore computes the success rate over the most recent terminal
// runs, up to the health window. With no terminal runs the score is 1.
func HealthScore(history []model.PipelineRun) float64 {
	terminal := 0
	succeeded := 0
	for _, run := range history {
		if !run.Status.IsTerminal() {
			continue
		}
		terminal++
		if run.Status == model.RunStatusCompleted {
			succeeded++
		}
		if terminal == healthWindow {
			break
		}
	}
	if terminal == 0 {
		return 1
	}
	return float64(succeeded) / float64(terminal)
}

// CheckHealth evaluates the rolling success rate and stuck-run
// condition, emitting notifications for breaches. Notification failures
// never propagate.
func (r *Runner) CheckHealth(ctx context.Context) error {
	history, err := r.store.ListRuns(ctx, healthWindow)
	if err != nil {
		return err
	}

	score := HealthScore(history)
	if score < healthWarningThreshold {
		zap.L().Warn("pipeline health degraded", zap.Float64("score", score))
		r.notifier.Notify(ctx, notify.Notification{
			Event:    "health_warning",
			Severity: notify.SeverityWarning,
			Message:  "pipeline success rate below threshold",
			Details:  map[string]any{"score": score, "threshold": healthWarningThreshold},
		})
	}

	r.mu.Lock()
	current := r.current
	r.mu.Unlock()

	if current != nil && r.now().Sub(current.StartTime) > r.cfg.StuckRunThreshold {
		zap.L().Error("pipeline run appears stuck",
			zap.String("run_id", current.ID),
			zap.Duration("running_for", r.now().Sub(current.StartTime)),
		)
		r.notifier.Notify(ctx, notify.Notification{
			Event:    "run_stuck",
			Severity: notify.SeverityCritical,
			Message:  "pipeline run " + current.ID + " still running past the stuck threshold",
			Details:  map[string]any{"run_id": current.ID},
		})
	}
	return nil
}

// PurgeHistory deletes terminal runs older than the retention window.
func (r *Runner) PurgeHistory(ctx context.Context) (int, error) {
	return r.store.PurgeRunsBefore(ctx, r.now().Add(-r.cfg.RetentionWindow))
}
