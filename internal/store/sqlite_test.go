package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/civicdata/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testFact(sourceURL string) *model.Fact {
	return &model.Fact{
		Kind:                 string(model.FactKindFinancial),
		Description:          "Road repairs",
		Value:                50000,
		Unit:                 "GBP",
		Department:           "Highways",
		SourceURL:            sourceURL,
		SourceTitle:          "Budget 2026",
		SourceDomain:         "council.gov.uk",
		ExtractionConfidence: 0.9,
		ScrapedAt:            time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:               "active",
	}
}

func TestSQLite_InsertAndGetFact(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	f := testFact("https://council.gov.uk/budget")
	id, err := s.InsertFact(ctx, f)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))
	assert.Equal(t, id, f.ID)

	got, err := s.GetFact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Road repairs", got.Description)
	assert.Equal(t, 50000.0, got.Value)
	assert.Equal(t, "GBP", got.Unit)
	assert.Equal(t, "Highways", got.Department)
	assert.Equal(t, "active", got.Status)
	assert.Nil(t, got.Citation)
}

func TestSQLite_GetFact_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.GetFact(context.Background(), 9999)
	require.Error(t, err)
}

func TestSQLite_CitationRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	f := testFact("https://council.gov.uk/budget")
	id, err := s.InsertFact(ctx, f)
	require.NoError(t, err)

	c := &model.Citation{
		FactID:        id,
		SourceURL:     "https://council.gov.uk/budget-2026.pdf",
		SourceTitle:   "Budget 2026 PDF",
		FileURL:       "https://council.gov.uk/budget-2026.pdf",
		FileType:      "pdf",
		ParentPageURL: "https://council.gov.uk/budget",
		Type:          model.CitationTypeBudget,
		Confidence:    model.ConfidenceHigh,
		CreatedAt:     time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpdateFactCitation(ctx, id, c))

	got, err := s.GetFactCitation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.FactID)
	assert.Equal(t, c.SourceURL, got.SourceURL)
	assert.Equal(t, c.FileType, got.FileType)
	assert.Equal(t, model.CitationTypeBudget, got.Type)
	assert.Equal(t, model.ConfidenceHigh, got.Confidence)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.Verification)
}

func TestSQLite_UpdateFactCitation_MissingFact(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.UpdateFactCitation(context.Background(), 42, &model.Citation{
		SourceURL: "https://council.gov.uk/x",
		Type:      model.CitationTypePage,
	})
	require.Error(t, err)
}

func TestSQLite_VerificationUpsertAndInheritance(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	url := "https://council.gov.uk/spending"

	// Two facts sharing one source inherit the same verification.
	f1 := testFact(url)
	f2 := testFact(url)
	id1, err := s.InsertFact(ctx, f1)
	require.NoError(t, err)
	_, err = s.InsertFact(ctx, f2)
	require.NoError(t, err)

	c := &model.Citation{SourceURL: url, Type: model.CitationTypeSpending, Confidence: model.ConfidenceMedium, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.UpdateFactCitation(ctx, id1, c))

	require.NoError(t, s.UpsertVerification(ctx, &model.Verification{
		SourceURL:  url,
		Accessible: false,
		StatusCode: 404,
		CheckedAt:  time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
	}))
	// Re-check flips the result in place.
	require.NoError(t, s.UpsertVerification(ctx, &model.Verification{
		SourceURL:  url,
		Accessible: true,
		StatusCode: 200,
		CheckedAt:  time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC),
	}))

	v, err := s.GetVerification(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.Accessible)
	assert.Equal(t, 200, v.StatusCode)

	got, err := s.GetFactCitation(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, got.Verification)
	assert.Equal(t, 200, got.Verification.StatusCode)
}

func TestSQLite_GetVerification_AbsentReturnsNil(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	v, err := s.GetVerification(context.Background(), "https://nowhere.example")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLite_ListUnverifiedSourceURLs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertFact(ctx, testFact("https://council.gov.uk/a"))
	require.NoError(t, err)
	_, err = s.InsertFact(ctx, testFact("https://council.gov.uk/b"))
	require.NoError(t, err)

	// b was checked recently, a never.
	require.NoError(t, s.UpsertVerification(ctx, &model.Verification{
		SourceURL:  "https://council.gov.uk/b",
		Accessible: true,
		StatusCode: 200,
		CheckedAt:  time.Now().UTC(),
	}))

	urls, err := s.ListUnverifiedSourceURLs(ctx, time.Now().Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://council.gov.uk/a"}, urls)
}

func TestSQLite_FindBrokenCitationFacts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Healthy: cited, verified recently, accessible.
	healthy := testFact("https://council.gov.uk/ok")
	idOK, err := s.InsertFact(ctx, healthy)
	require.NoError(t, err)
	require.NoError(t, s.UpdateFactCitation(ctx, idOK, &model.Citation{
		SourceURL: "https://council.gov.uk/ok", Type: model.CitationTypePage,
		Confidence: model.ConfidenceHigh, CreatedAt: now,
	}))
	require.NoError(t, s.UpsertVerification(ctx, &model.Verification{
		SourceURL: "https://council.gov.uk/ok", Accessible: true, StatusCode: 200, CheckedAt: now,
	}))

	// Broken: verified inaccessible.
	broken := testFact("https://council.gov.uk/gone")
	idGone, err := s.InsertFact(ctx, broken)
	require.NoError(t, err)
	require.NoError(t, s.UpdateFactCitation(ctx, idGone, &model.Citation{
		SourceURL: "https://council.gov.uk/gone", Type: model.CitationTypePage,
		Confidence: model.ConfidenceHigh, CreatedAt: now,
	}))
	require.NoError(t, s.UpsertVerification(ctx, &model.Verification{
		SourceURL: "https://council.gov.uk/gone", Accessible: false, StatusCode: 404, CheckedAt: now,
	}))

	// Broken: never cited.
	uncited := testFact("")
	_, err = s.InsertFact(ctx, uncited)
	require.NoError(t, err)

	facts, err := s.FindBrokenCitationFacts(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	for _, f := range facts {
		assert.NotEqual(t, idOK, f.ID)
	}
}

func TestSQLite_FindDuplicateSources(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	shared := "https://council.gov.uk/shared"
	var sharedIDs []int64
	for i := 0; i < 3; i++ {
		id, err := s.InsertFact(ctx, testFact(shared))
		require.NoError(t, err)
		sharedIDs = append(sharedIDs, id)
	}
	_, err := s.InsertFact(ctx, testFact("https://council.gov.uk/unique"))
	require.NoError(t, err)

	groups, err := s.FindDuplicateSources(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, shared, groups[0].SourceURL)
	assert.Equal(t, sharedIDs, groups[0].FactIDs)
}

func TestSQLite_RunLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 8, 10, 6, 0, 0, 0, time.UTC)
	run := &model.PipelineRun{
		ID:        model.NewRunID(start),
		Type:      model.RunTypeFull,
		Status:    model.RunStatusRunning,
		StartTime: start,
	}
	require.NoError(t, s.AppendRun(ctx, run))

	end := start.Add(45 * time.Minute)
	run.Status = model.RunStatusCompleted
	run.EndTime = &end
	run.Steps = []model.StepResult{{Name: "collect", Status: model.StepStatusDone, Volume: 120}}
	require.NoError(t, s.UpdateRun(ctx, run))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	require.Len(t, runs[0].Steps, 1)
	assert.Equal(t, 120, runs[0].Steps[0].Volume)
}

func TestSQLite_UpdateRun_MissingRun(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), &model.PipelineRun{ID: "run-missing", Status: model.RunStatusFailed})
	require.Error(t, err)
}

func TestSQLite_PurgeRunsBefore(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	old := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for _, start := range []time.Time{old, recent} {
		require.NoError(t, s.AppendRun(ctx, &model.PipelineRun{
			ID:        model.NewRunID(start),
			Type:      model.RunTypeIncremental,
			Status:    model.RunStatusCompleted,
			StartTime: start,
		}))
	}

	n, err := s.PurgeRunsBefore(ctx, recent.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StartTime.Equal(recent))
}

func TestSQLite_SummaryRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestSummary(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.SaveSummary(ctx, "run-1", []byte(`{"schemaVersion":1}`)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveSummary(ctx, "run-2", []byte(`{"schemaVersion":1,"latest":true}`)))

	latest, err = s.LatestSummary(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(latest), "latest")
}
