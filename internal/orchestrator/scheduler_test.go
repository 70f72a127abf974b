package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/civicdata/internal/model"
)

func TestScheduleConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := ScheduleConfig{}.withDefaults()
	assert.Equal(t, 7*24*time.Hour, cfg.FullInterval)
	assert.Equal(t, 24*time.Hour, cfg.ReprocessInterval)
	assert.Equal(t, 24*time.Hour, cfg.VisualizationInterval)
	assert.Equal(t, time.Hour, cfg.HealthInterval)
	assert.Equal(t, 24*time.Hour, cfg.PurgeInterval)
}

func TestTrigger_ContainsErrorsAndPanics(t *testing.T) {
	t.Parallel()

	s := &Scheduler{}

	// Neither an error nor a panic escapes the trigger boundary.
	s.trigger(context.Background(), "erroring", func(context.Context) error {
		return eris.New("trigger body failed")
	})
	s.trigger(context.Background(), "panicking", func(context.Context) error {
		panic("boom")
	})
}

func TestTriggerRun_BusyIsNotAnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.fetcher.started = make(chan struct{})
	h.fetcher.release = make(chan struct{})
	h.renderer.summary = summaryJSON(t, 8, 10, 0.8)

	s := NewScheduler(h.runner, ScheduleConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.runner.Run(context.Background(), model.RunTypeFull)
	}()
	<-h.fetcher.started

	// Fires while busy; must neither panic nor queue a second run.
	s.triggerRun(context.Background(), model.RunTypeIncremental)

	close(h.fetcher.release)
	<-done

	runs, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://unused.example")
	h.renderer.summary = summaryJSON(t, 9, 10, 0.9)
	s := NewScheduler(h.runner, ScheduleConfig{
		FullInterval:          time.Hour,
		ReprocessInterval:     time.Hour,
		VisualizationInterval: time.Hour,
		HealthInterval:        time.Hour,
		PurgeInterval:         time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Run(ctx)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
