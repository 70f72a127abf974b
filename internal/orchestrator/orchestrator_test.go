package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/civicdata/internal/citation"
	"github.com/opencouncil/civicdata/internal/classify"
	"github.com/opencouncil/civicdata/internal/extract"
	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/internal/notify"
	"github.com/opencouncil/civicdata/internal/resilience"
	"github.com/opencouncil/civicdata/internal/store"
)

const budgetPageHTML = `<html><body>
<table>
<tr><th>Description</th><th>Budget Allocation</th><th>Department</th></tr>
<tr><td>Road repairs</td><td>£50,000</td><td>Highways</td></tr>
</table>
</body></html>`

type fakeFetcher struct {
	pages   []model.Page
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) FetchPages(ctx context.Context) ([]model.Page, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.pages, f.err
}

type fakeRenderer struct {
	summary []byte
	err     error
	inputs  []model.ReportInput
	mu      sync.Mutex
}

func (r *fakeRenderer) Render(_ context.Context, input model.ReportInput) ([]byte, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, input)
	r.mu.Unlock()
	return r.summary, r.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, msg := range n.sent {
		out = append(out, msg.Event)
	}
	return out
}

func summaryJSON(t *testing.T, fresh, total int, completeness float64) []byte {
	t.Helper()
	data, err := json.Marshal(model.ExecutiveSummary{
		SchemaVersion: model.SummarySchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		QualityMetrics: model.QualityMetrics{
			CompletenessScore: completeness,
			FreshRecords:      fresh,
			TotalRecords:      total,
		},
		WardSummary: model.WardSummary{TotalWards: 21},
	})
	require.NoError(t, err)
	return data
}

type harness struct {
	runner   *Runner
	store    store.Store
	fetcher  *fakeFetcher
	renderer *fakeRenderer
	notifier *recordingNotifier
}

func newHarness(t *testing.T, pageURL string) *harness {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	svc := citation.NewService(st,
		citation.WithVerifyInterval(time.Millisecond),
		citation.WithRetryConfig(resilience.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
		}),
	)

	h := &harness{
		store:    st,
		fetcher:  &fakeFetcher{pages: []model.Page{{URL: pageURL, Title: "Budget 2026", HTML: budgetPageHTML}}},
		renderer: &fakeRenderer{},
		notifier: &recordingNotifier{},
	}
	h.runner = NewRunner(Config{}, st, h.fetcher, h.renderer,
		classify.New(extract.New()), svc, h.notifier)
	return h
}

func TestRun_FullPipelineCompletes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL+"/budget")
	h.renderer.summary = summaryJSON(t, 9, 10, 0.85)

	run, err := h.runner.Run(context.Background(), model.RunTypeFull)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.EndTime)
	require.Len(t, run.Steps, 4)
	for _, step := range run.Steps {
		assert.Equal(t, model.StepStatusDone, step.Status, step.Name)
	}
	assert.InDelta(t, 90.0, run.Metrics.FreshDataPercent, 0.01)
	assert.Equal(t, 21, run.Metrics.WardsUpdated)
	assert.NotContains(t, run.Recommendations, "schedule additional collection")

	// The budget row landed in the store with a citation.
	facts, err := h.store.ListActiveFacts(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, facts)
	budget := facts[0]
	assert.Equal(t, "budget_item", budget.Kind)
	assert.Equal(t, 50000.0, budget.Value)
	require.NotNil(t, budget.Citation)
	require.NotNil(t, budget.Citation.Verification)
	assert.True(t, budget.Citation.Verification.Accessible)

	// The renderer received the classified output and citation report.
	require.Len(t, h.renderer.inputs, 1)
	assert.Len(t, h.renderer.inputs[0].BudgetItems, 1)
	require.NotNil(t, h.renderer.inputs[0].CitationReport)
}

func TestRun_LowFreshnessRecommendation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	h.renderer.summary = summaryJSON(t, 2, 10, 0.5)

	run, err := h.runner.Run(context.Background(), model.RunTypeFull)
	require.NoError(t, err)
	assert.Contains(t, run.Recommendations, "schedule additional collection")
}

func TestRun_IncrementalSkipsFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.renderer.summary = summaryJSON(t, 8, 10, 0.8)

	run, err := h.runner.Run(context.Background(), model.RunTypeIncremental)
	require.NoError(t, err)

	require.Len(t, run.Steps, 4)
	assert.Equal(t, "fetch", run.Steps[0].Name)
	assert.Equal(t, model.StepStatusSkipped, run.Steps[0].Status)
	assert.Equal(t, model.StepStatusDone, run.Steps[1].Status)
}

func TestRun_VisualizationRunsRenderOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.renderer.summary = summaryJSON(t, 8, 10, 0.8)

	run, err := h.runner.Run(context.Background(), model.RunTypeVisualization)
	require.NoError(t, err)

	assert.Equal(t, model.StepStatusSkipped, run.Steps[0].Status)
	assert.Equal(t, model.StepStatusSkipped, run.Steps[1].Status)
	assert.Equal(t, model.StepStatusDone, run.Steps[2].Status)
	assert.Equal(t, model.StepStatusDone, run.Steps[3].Status)
}

func TestRun_Exclusivity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.fetcher.started = make(chan struct{})
	h.fetcher.release = make(chan struct{})
	h.renderer.summary = summaryJSON(t, 8, 10, 0.8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.runner.Run(context.Background(), model.RunTypeFull)
	}()
	<-h.fetcher.started

	_, err := h.runner.Run(context.Background(), model.RunTypeFull)
	require.ErrorIs(t, err, ErrPipelineBusy)

	close(h.fetcher.release)
	<-done

	// The rejected run left no history entry.
	runs, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRun_StepFailureAbortsAndReports(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.fetcher.pages = nil
	h.fetcher.err = eris.New("fetch collaborator unavailable")

	run, err := h.runner.Run(context.Background(), model.RunTypeFull)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.EndTime)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[0], "fetch collaborator unavailable")
	assert.Equal(t, model.StepStatusFailed, run.Steps[0].Status)

	// Failure notification was delivered.
	assert.Contains(t, h.notifier.events(), "pipeline_failed")

	// Persisted history shows the terminal state.
	runs, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].EndTime)
}

func TestRun_CancellationMarksRunCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.fetcher.started = make(chan struct{})
	h.fetcher.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *model.PipelineRun, 1)
	go func() {
		run, _ := h.runner.Run(ctx, model.RunTypeFull)
		done <- run
	}()
	<-h.fetcher.started

	cancel()
	run := <-done

	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
	require.NotNil(t, run.EndTime)

	// The terminal state was persisted despite the dead context, and no
	// failure notification fired.
	runs, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCancelled, runs[0].Status)
	assert.NotContains(t, h.notifier.events(), "pipeline_failed")

	close(h.fetcher.release)
}

func TestRun_InvalidSummaryFailsAnalyzeStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.renderer.summary = []byte(`{"schemaVersion": 99}`)

	run, err := h.runner.Run(context.Background(), model.RunTypeVisualization)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.renderer.summary = summaryJSON(t, 8, 10, 0.8)

	status, err := h.runner.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Nil(t, status.LastRun)
	assert.Equal(t, 1.0, status.HealthScore)

	_, err = h.runner.Run(context.Background(), model.RunTypeVisualization)
	require.NoError(t, err)

	status, err = h.runner.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, model.RunStatusCompleted, status.LastRun.Status)
	assert.Len(t, status.RunHistory, 1)
}

func TestHealthScore(t *testing.T) {
	t.Parallel()

	completed := model.PipelineRun{Status: model.RunStatusCompleted}
	failed := model.PipelineRun{Status: model.RunStatusFailed}
	running := model.PipelineRun{Status: model.RunStatusRunning}

	assert.Equal(t, 1.0, HealthScore(nil))
	assert.Equal(t, 1.0, HealthScore([]model.PipelineRun{running}))
	assert.Equal(t, 0.5, HealthScore([]model.PipelineRun{completed, failed}))

	// Only the ten most recent terminal runs count.
	history := []model.PipelineRun{failed, failed, failed}
	for i := 0; i < 10; i++ {
		history = append(history, completed)
	}
	assert.Equal(t, 0.7, HealthScore(history))
}

func TestShouldRunImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("no history", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, "https://unused.example")
		need, err := h.runner.ShouldRunImmediately(ctx)
		require.NoError(t, err)
		assert.True(t, need)
	})

	t.Run("recent success with fresh data", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, "https://unused.example")
		h.renderer.summary = summaryJSON(t, 9, 10, 0.9)
		_, err := h.runner.Run(ctx, model.RunTypeVisualization)
		require.NoError(t, err)

		need, err := h.runner.ShouldRunImmediately(ctx)
		require.NoError(t, err)
		assert.False(t, need)
	})

	t.Run("recent success but stale data", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, "https://unused.example")
		h.renderer.summary = summaryJSON(t, 2, 10, 0.9)
		_, err := h.runner.Run(ctx, model.RunTypeVisualization)
		require.NoError(t, err)

		need, err := h.runner.ShouldRunImmediately(ctx)
		require.NoError(t, err)
		assert.True(t, need)
	})

	t.Run("last success too old", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, "https://unused.example")
		h.renderer.summary = summaryJSON(t, 9, 10, 0.9)
		_, err := h.runner.Run(ctx, model.RunTypeVisualization)
		require.NoError(t, err)

		h.runner.WithClock(func() time.Time { return time.Now().Add(36 * time.Hour) })
		need, err := h.runner.ShouldRunImmediately(ctx)
		require.NoError(t, err)
		assert.True(t, need)
	})
}

func TestCheckHealth_WarnsOnLowSuccessRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.fetcher.err = eris.New("always down")

	// Produce a string of failed runs.
	for i := 0; i < 3; i++ {
		_, _ = h.runner.Run(context.Background(), model.RunTypeFull)
	}

	require.NoError(t, h.runner.CheckHealth(context.Background()))
	assert.Contains(t, h.notifier.events(), "health_warning")
}

// shiftClock is a clock whose offset can be advanced mid-run without
// racing the runner's own time reads.
type shiftClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *shiftClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *shiftClock) advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func TestCheckHealth_ReportsStuckRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.fetcher.started = make(chan struct{})
	h.fetcher.release = make(chan struct{})
	h.renderer.summary = summaryJSON(t, 8, 10, 0.8)

	clock := &shiftClock{}
	h.runner.WithClock(clock.now)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.runner.Run(context.Background(), model.RunTypeFull)
	}()
	<-h.fetcher.started

	clock.advance(5 * time.Hour)
	require.NoError(t, h.runner.CheckHealth(context.Background()))
	assert.Contains(t, h.notifier.events(), "run_stuck")

	close(h.fetcher.release)
	<-done
}

func TestPurgeHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	end := old.Add(time.Hour)
	require.NoError(t, h.store.AppendRun(ctx, &model.PipelineRun{
		ID:        model.NewRunID(old),
		Type:      model.RunTypeFull,
		Status:    model.RunStatusCompleted,
		StartTime: old,
		EndTime:   &end,
	}))

	n, err := h.runner.PurgeHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
