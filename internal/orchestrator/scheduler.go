package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opencouncil/civicdata/internal/model"
)

// ScheduleConfig holds the recurring trigger intervals.
type ScheduleConfig struct {
	FullInterval          time.Duration `yaml:"full_interval" mapstructure:"full_interval"`
	ReprocessInterval     time.Duration `yaml:"reprocess_interval" mapstructure:"reprocess_interval"`
	VisualizationInterval time.Duration `yaml:"visualization_interval" mapstructure:"visualization_interval"`
	HealthInterval        time.Duration `yaml:"health_interval" mapstructure:"health_interval"`
	PurgeInterval         time.Duration `yaml:"purge_interval" mapstructure:"purge_interval"`
}

func (c ScheduleConfig) withDefaults() ScheduleConfig {
	if c.FullInterval <= 0 {
		c.FullInterval = 7 * 24 * time.Hour
	}
	if c.ReprocessInterval <= 0 {
		c.ReprocessInterval = 24 * time.Hour
	}
	if c.VisualizationInterval <= 0 {
		c.VisualizationInterval = 24 * time.Hour
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	return c
}

// Scheduler fires the recurring pipeline triggers. Run triggers execute
// in their own goroutine so health checks keep firing while a run is in
// progress; the runner's busy flag prevents overlap.
type Scheduler struct {
	runner *Runner
	cfg    ScheduleConfig
}

// NewScheduler wires a scheduler around a runner.
func NewScheduler(runner *Runner, cfg ScheduleConfig) *Scheduler {
	return &Scheduler{runner: runner, cfg: cfg.withDefaults()}
}

// Run starts the trigger loops and blocks until ctx is cancelled. On
// startup it performs the freshness check and, when needed, kicks off an
// immediate full run.
func (s *Scheduler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler started",
		zap.Duration("full_interval", s.cfg.FullInterval),
		zap.Duration("reprocess_interval", s.cfg.ReprocessInterval),
		zap.Duration("visualization_interval", s.cfg.VisualizationInterval),
	)

	s.trigger(ctx, "startup_freshness", func(ctx context.Context) error {
		need, err := s.runner.ShouldRunImmediately(ctx)
		if err != nil {
			return err
		}
		if need {
			go s.triggerRun(ctx, model.RunTypeFull)
		}
		return nil
	})

	full := time.NewTicker(s.cfg.FullInterval)
	reprocess := time.NewTicker(s.cfg.ReprocessInterval)
	visualization := time.NewTicker(s.cfg.VisualizationInterval)
	health := time.NewTicker(s.cfg.HealthInterval)
	purge := time.NewTicker(s.cfg.PurgeInterval)
	defer full.Stop()
	defer reprocess.Stop()
	defer visualization.Stop()
	defer health.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-full.C:
			go s.triggerRun(ctx, model.RunTypeFull)
		case <-reprocess.C:
			go s.triggerRun(ctx, model.RunTypeIncremental)
		case <-visualization.C:
			go s.triggerRun(ctx, model.RunTypeVisualization)
		case <-health.C:
			s.trigger(ctx, "health_check", s.runner.CheckHealth)
		case <-purge.C:
			s.trigger(ctx, "history_purge", func(ctx context.Context) error {
				n, err := s.runner.PurgeHistory(ctx)
				if n > 0 {
					log.Info("purged run history", zap.Int("purged", n))
				}
				return err
			})
		}
	}
}

// triggerRun starts a pipeline run from a scheduled trigger. A busy
// pipeline is an expected skip, not a failure.
func (s *Scheduler) triggerRun(ctx context.Context, runType model.RunType) {
	s.trigger(ctx, "run_"+string(runType), func(ctx context.Context) error {
		_, err := s.runner.Run(ctx, runType)
		if errors.Is(err, ErrPipelineBusy) {
			return nil
		}
		return err
	})
}

// trigger runs one trigger body, containing panics and errors at the
// boundary so a failed trigger never stops future ones.
func (s *Scheduler) trigger(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("scheduled trigger panicked",
				zap.String("trigger", name),
				zap.Any("panic", rec),
			)
		}
	}()

	if err := fn(ctx); err != nil {
		zap.L().Error("scheduled trigger failed",
			zap.String("trigger", name),
			zap.Error(err),
		)
	}
}
