// Package store persists facts, citations, source verifications and
// pipeline run history behind a backend-neutral interface with sqlite
// and postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/opencouncil/civicdata/internal/model"
)

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Facts
	InsertFact(ctx context.Context, f *model.Fact) (int64, error)
	GetFact(ctx context.Context, id int64) (*model.Fact, error)
	ListActiveFacts(ctx context.Context) ([]model.Fact, error)
	UpdateFactCitation(ctx context.Context, factID int64, c *model.Citation) error
	GetFactCitation(ctx context.Context, factID int64) (*model.Citation, error)

	// Source verifications, keyed by URL so facts sharing a source
	// inherit each other's verification results.
	UpsertVerification(ctx context.Context, v *model.Verification) error
	GetVerification(ctx context.Context, sourceURL string) (*model.Verification, error)
	ListUnverifiedSourceURLs(ctx context.Context, recheckBefore time.Time, limit int) ([]string, error)
	FindBrokenCitationFacts(ctx context.Context, staleBefore time.Time) ([]model.Fact, error)
	FindDuplicateSources(ctx context.Context) ([]model.SourceGroup, error)

	// Pipeline run history (append-only; terminal runs only survive
	// past the retention window).
	AppendRun(ctx context.Context, run *model.PipelineRun) error
	UpdateRun(ctx context.Context, run *model.PipelineRun) error
	ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error)
	PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Report artifacts
	SaveSummary(ctx context.Context, runID string, data []byte) error
	LatestSummary(ctx context.Context) ([]byte, error)
	SaveFailureReport(ctx context.Context, runID string, data []byte) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
