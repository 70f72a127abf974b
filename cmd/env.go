package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opencouncil/civicdata/internal/citation"
	"github.com/opencouncil/civicdata/internal/classify"
	"github.com/opencouncil/civicdata/internal/extract"
	"github.com/opencouncil/civicdata/internal/fetch"
	"github.com/opencouncil/civicdata/internal/notify"
	"github.com/opencouncil/civicdata/internal/orchestrator"
	"github.com/opencouncil/civicdata/internal/report"
	"github.com/opencouncil/civicdata/internal/store"
)

// initStore opens the configured store backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error

	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// pipelineEnv bundles the wired pipeline components.
type pipelineEnv struct {
	store     store.Store
	citations *citation.Service
	runner    *orchestrator.Runner
}

func (e *pipelineEnv) Close() {
	e.store.Close() //nolint:errcheck
}

// initPipeline wires the store, citation service, fetcher, renderer and
// runner from config.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	citations := newCitationService(st)

	fetcher, err := fetch.New(fetch.Config{
		BaseURL:   cfg.Fetch.BaseURL,
		SeedPaths: cfg.Fetch.SeedPaths,
		MaxPages:  cfg.Fetch.MaxPages,
		Timeout:   time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		Delay:     time.Duration(cfg.Fetch.DelayMillis) * time.Millisecond,
	})
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	runner := orchestrator.NewRunner(
		orchestrator.Config{
			RefreshThreshold:  cfg.Pipeline.RefreshThreshold,
			VerifyBatchSize:   cfg.Verify.BatchSize,
			RetentionWindow:   time.Duration(cfg.Pipeline.RetentionDays) * 24 * time.Hour,
			StuckRunThreshold: time.Duration(cfg.Pipeline.StuckRunHours) * time.Hour,
		},
		st,
		fetcher,
		report.NewFileRenderer(st, cfg.Pipeline.ReportDir),
		classify.New(extract.New()),
		citations,
		notify.NewWebhookNotifier(cfg.Notify.WebhookURL),
	)

	return &pipelineEnv{store: st, citations: citations, runner: runner}, nil
}

func newCitationService(st store.Store) *citation.Service {
	return citation.NewService(st,
		citation.WithVerifyInterval(time.Duration(cfg.Verify.DelayMillis)*time.Millisecond),
		citation.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Verify.TimeoutSecs) * time.Second,
		}),
	)
}
