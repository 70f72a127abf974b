// Package orchestrator drives pipeline runs: fetch, classify/cite,
// render, analyze. It enforces single-run exclusivity and keeps the
// persisted run history consistent with the state machine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/civicdata/internal/citation"
	"github.com/opencouncil/civicdata/internal/classify"
	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/internal/notify"
	"github.com/opencouncil/civicdata/internal/store"
	"github.com/opencouncil/civicdata/pkg/metrics"
)

// ErrPipelineBusy is returned when a run is requested while another is
// in progress. Callers skip, never queue.
var ErrPipelineBusy = eris.New("orchestrator: pipeline busy")

// Fetcher is the external fetch collaborator. The orchestrator treats
// it as opaque and observes only volume and duration.
type Fetcher interface {
	FetchPages(ctx context.Context) ([]model.Page, error)
}

// ReportRenderer turns the aggregate extraction output into durable
// report artifacts and returns the machine-readable executive summary.
type ReportRenderer interface {
	Render(ctx context.Context, input model.ReportInput) ([]byte, error)
}

// Config holds orchestrator tuning knobs.
type Config struct {
	// RefreshThreshold is the fresh-data ratio below which a startup
	// immediate run triggers. Default 0.30.
	RefreshThreshold float64

	// VerifyBatchSize bounds bulk verification during the process step.
	VerifyBatchSize int

	// RetentionWindow is how long terminal runs stay in history.
	// Default 30 days.
	RetentionWindow time.Duration

	// StuckRunThreshold is how long a run may stay running before the
	// health check reports it stuck. Default 4 hours.
	StuckRunThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 0.30
	}
	if c.VerifyBatchSize <= 0 {
		c.VerifyBatchSize = 25
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 30 * 24 * time.Hour
	}
	if c.StuckRunThreshold <= 0 {
		c.StuckRunThreshold = 4 * time.Hour
	}
	return c
}

// Runner executes pipeline runs one at a time.
type Runner struct {
	mu      sync.Mutex
	busy    bool
	current *model.PipelineRun

	cfg        Config
	store      store.Store
	fetcher    Fetcher
	renderer   ReportRenderer
	classifier *classify.Classifier
	citations  *citation.Service
	notifier   notify.Notifier
	now        func() time.Time
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(cfg Config, st store.Store, f Fetcher, r ReportRenderer, cl *classify.Classifier, cs *citation.Service, n notify.Notifier) *Runner {
	if n == nil {
		n = notify.NopNotifier{}
	}
	return &Runner{
		cfg:        cfg.withDefaults(),
		store:      st,
		fetcher:    f,
		renderer:   r,
		classifier: cl,
		citations:  cs,
		notifier:   n,
		now:        time.Now,
	}
}

// WithClock injects a clock for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes one pipeline run of the given type. A second call while
// a run is in progress returns ErrPipelineBusy without touching history.
func (r *Runner) Run(ctx context.Context, runType model.RunType) (*model.PipelineRun, error) {
	run, err := r.acquire(ctx, runType)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("run_type", string(runType)),
	)
	log.Info("pipeline run started")

	runErr := r.executeSteps(ctx, run, log)
	r.finish(ctx, run, runErr, log)

	if runErr != nil {
		return run, eris.Wrapf(runErr, "orchestrator: run %s", run.ID)
	}
	return run, nil
}

func (r *Runner) acquire(ctx context.Context, runType model.RunType) (*model.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy {
		zap.L().Warn("pipeline busy, run skipped", zap.String("requested_type", string(runType)))
		if metrics.PipelineBusySkips != nil {
			metrics.PipelineBusySkips.Inc()
		}
		return nil, ErrPipelineBusy
	}

	run := &model.PipelineRun{
		ID:        model.NewRunID(r.now()),
		Type:      runType,
		Status:    model.RunStatusRunning,
		StartTime: r.now().UTC(),
	}
	if err := r.store.AppendRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "orchestrator: record run start")
	}
	r.busy = true
	r.current = run
	return run, nil
}

func (r *Runner) finish(ctx context.Context, run *model.PipelineRun, runErr error, log *zap.Logger) {
	// Terminal state must be recorded even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)

	end := r.now().UTC()
	run.EndTime = &end
	run.Metrics.TotalDuration = end.Sub(run.StartTime).Milliseconds()

	switch {
	case errors.Is(runErr, context.Canceled):
		run.Status = model.RunStatusCancelled
		run.Errors = append(run.Errors, runErr.Error())
		log.Warn("pipeline run cancelled")
	case runErr != nil:
		run.Status = model.RunStatusFailed
		run.Errors = append(run.Errors, runErr.Error())
		r.writeFailureReport(ctx, run, runErr)
		r.notifier.Notify(ctx, notify.Notification{
			Event:    "pipeline_failed",
			Severity: notify.SeverityCritical,
			Message:  "pipeline run " + run.ID + " failed: " + runErr.Error(),
			Details:  map[string]any{"run_id": run.ID, "type": string(run.Type)},
		})
		log.Error("pipeline run failed", zap.Error(runErr))
	default:
		run.Status = model.RunStatusCompleted
		log.Info("pipeline run completed",
			zap.Int64("duration_ms", run.Metrics.TotalDuration),
			zap.Float64("fresh_percent", run.Metrics.FreshDataPercent),
		)
	}

	if metrics.RunsTotal != nil {
		metrics.RunsTotal.WithLabelValues(string(run.Type), string(run.Status)).Inc()
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		log.Error("failed to persist run result", zap.Error(err))
	}

	r.mu.Lock()
	r.busy = false
	r.current = nil
	r.mu.Unlock()
}

func (r *Runner) executeSteps(ctx context.Context, run *model.PipelineRun, log *zap.Logger) error {
	var pages []model.Page

	if run.Type == model.RunTypeFull {
		err := r.step(run, "fetch", func() (int, error) {
			var err error
			pages, err = r.fetcher.FetchPages(ctx)
			return len(pages), err
		})
		if err != nil {
			return err
		}
	} else {
		r.skipStep(run, "fetch")
	}

	// Cancellation stops between phases, never mid-phase, so a cancelled
	// run leaves no partial writes.
	if err := ctx.Err(); err != nil {
		return err
	}

	var input model.ReportInput
	if run.Type != model.RunTypeVisualization {
		err := r.step(run, "process", func() (int, error) {
			n, err := r.processPages(ctx, pages, &input)
			return n, err
		})
		if err != nil {
			return err
		}
	} else {
		r.skipStep(run, "process")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	priorCompleteness := r.priorCompleteness(ctx)

	var summaryData []byte
	err := r.step(run, "render", func() (int, error) {
		var err error
		summaryData, err = r.renderer.Render(ctx, input)
		if err != nil {
			return 0, err
		}
		if err := r.store.SaveSummary(ctx, run.ID, summaryData); err != nil {
			return 0, err
		}
		return len(summaryData), nil
	})
	if err != nil {
		return err
	}

	return r.step(run, "analyze", func() (int, error) {
		return 0, r.analyze(run, summaryData, priorCompleteness)
	})
}

// step runs one phase, recording duration and volume. An error marks
// the step failed and aborts the run.
func (r *Runner) step(run *model.PipelineRun, name string, fn func() (int, error)) error {
	start := r.now()
	volume, err := fn()
	elapsed := r.now().Sub(start)

	result := model.StepResult{
		Name:     name,
		Status:   model.StepStatusDone,
		Duration: elapsed.Milliseconds(),
		Volume:   volume,
	}
	if err != nil {
		result.Status = model.StepStatusFailed
		result.Error = err.Error()
	}
	run.Steps = append(run.Steps, result)

	if metrics.StepDuration != nil {
		metrics.StepDuration.WithLabelValues(name, string(result.Status)).Observe(elapsed.Seconds())
	}
	if err != nil {
		return eris.Wrapf(err, "step %s", name)
	}
	return nil
}

func (r *Runner) skipStep(run *model.PipelineRun, name string) {
	run.Steps = append(run.Steps, model.StepResult{Name: name, Status: model.StepStatusSkipped})
}

// processPages classifies fetched pages, persists the resulting facts
// with citations, and runs a bounded verification batch. With no fresh
// pages (incremental runs) it reprocesses citation state only.
func (r *Runner) processPages(ctx context.Context, pages []model.Page, input *model.ReportInput) (int, error) {
	persisted := 0
	for _, page := range pages {
		res, err := r.classifier.Classify(page)
		if err != nil {
			// A malformed page skips, the run continues.
			zap.L().Warn("page classification failed, skipping",
				zap.String("url", page.URL), zap.Error(err))
			continue
		}
		n, err := r.persistResult(ctx, page, res)
		if err != nil {
			return persisted, err
		}
		persisted += n

		input.BudgetItems = append(input.BudgetItems, res.BudgetItems...)
		input.SpendingRecords = append(input.SpendingRecords, res.SpendingRecords...)
		input.Metrics = append(input.Metrics, res.Metrics...)
		input.Statistics = append(input.Statistics, res.Statistics...)
		input.Unclassified = append(input.Unclassified, res.Unclassified...)
	}

	if _, err := r.citations.BulkVerifySources(ctx, r.cfg.VerifyBatchSize); err != nil {
		return persisted, err
	}

	report, err := r.citations.GenerateCitationReport(ctx)
	if err != nil {
		return persisted, err
	}
	input.CitationReport = report
	return persisted, nil
}

func (r *Runner) persistResult(ctx context.Context, page model.Page, res *classify.Result) (int, error) {
	now := r.now().UTC()
	facts := make([]model.Fact, 0,
		len(res.BudgetItems)+len(res.SpendingRecords)+len(res.Metrics)+len(res.Unclassified))

	for _, b := range res.BudgetItems {
		facts = append(facts, model.Fact{
			Kind: "budget_item", Description: b.Description, Value: b.Amount,
			Unit: b.Currency, Department: b.Department,
			ExtractionConfidence: citation.ConfidenceScore(model.ConfidenceHigh),
		})
	}
	for _, sp := range res.SpendingRecords {
		facts = append(facts, model.Fact{
			Kind: "spending_record", Description: sp.Description, Value: sp.Amount,
			Unit: sp.Currency, Department: sp.Department,
			ExtractionConfidence: citation.ConfidenceScore(model.ConfidenceHigh),
		})
	}
	for _, m := range res.Metrics {
		facts = append(facts, model.Fact{
			Kind: "performance_metric", Description: m.Name, Value: m.Value, Unit: m.Unit,
			ExtractionConfidence: citation.ConfidenceScore(model.ConfidenceMedium),
		})
	}
	for _, ef := range res.Unclassified {
		facts = append(facts, model.Fact{
			Kind: string(ef.Kind), Description: ef.Context, Value: ef.Value, Unit: ef.Unit,
			ExtractionConfidence: citation.ConfidenceScore(ef.Confidence),
		})
	}

	for i := range facts {
		f := &facts[i]
		f.SourceURL = page.URL
		f.SourceTitle = page.Title
		f.SourceDomain = hostOf(page.URL)
		f.ScrapedAt = now
		f.Status = "active"

		id, err := r.store.InsertFact(ctx, f)
		if err != nil {
			return i, err
		}
		if err := r.citations.StoreCitation(ctx, id, &model.Citation{
			SourceURL:   page.URL,
			SourceTitle: page.Title,
			Confidence:  citation.ScoreToConfidence(f.ExtractionConfidence),
		}); err != nil {
			return i, err
		}
		if metrics.FactsExtracted != nil {
			metrics.FactsExtracted.WithLabelValues(f.Kind).Inc()
		}
	}
	return len(facts), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// failureReport is the standalone artifact persisted when a run aborts.
type failureReport struct {
	RunID    string             `json:"run_id"`
	Type     model.RunType      `json:"type"`
	Error    string             `json:"error"`
	Steps    []model.StepResult `json:"steps"`
	FailedAt time.Time          `json:"failed_at"`
}

func (r *Runner) writeFailureReport(ctx context.Context, run *model.PipelineRun, runErr error) {
	data, err := json.Marshal(failureReport{
		RunID:    run.ID,
		Type:     run.Type,
		Error:    runErr.Error(),
		Steps:    run.Steps,
		FailedAt: r.now().UTC(),
	})
	if err != nil {
		zap.L().Error("failed to marshal failure report", zap.Error(err))
		return
	}
	if err := r.store.SaveFailureReport(ctx, run.ID, data); err != nil {
		zap.L().Error("failed to persist failure report",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Status reports the pipeline state for the web layer's status query.
func (r *Runner) Status(ctx context.Context) (*model.PipelineStatus, error) {
	r.mu.Lock()
	busy := r.busy
	var current *model.PipelineRun
	if r.current != nil {
		cp := *r.current
		current = &cp
	}
	r.mu.Unlock()

	history, err := r.store.ListRuns(ctx, 50)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load run history")
	}

	status := &model.PipelineStatus{
		IsRunning:   busy,
		CurrentRun:  current,
		RunHistory:  history,
		HealthScore: HealthScore(history),
	}
	for i := range history {
		if history[i].Status.IsTerminal() {
			status.LastRun = &history[i]
			break
		}
	}
	return status, nil
}
