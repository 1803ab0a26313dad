package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/models"
)

// DefaultInterval is how often scheduled configs run when none is given.
const DefaultInterval = 15 * time.Minute

// maxParallelConfigs bounds how many configs one tick runs at once. The
// engine still serializes runs of the same config.
const maxParallelConfigs = 10

// ConfigLister is the slice of the config store the scheduler needs.
type ConfigLister interface {
	List(ctx context.Context) ([]models.SyncConfig, error)
}

// Scheduler runs every known sync config on a fixed interval.
type Scheduler struct {
	engine   *engine.Engine
	configs  ConfigLister
	interval time.Duration
}

// New builds a scheduler. interval zero means DefaultInterval.
func New(eng *engine.Engine, configs ConfigLister, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{engine: eng, configs: configs, interval: interval}
}

// RunScheduled ticks until the context is cancelled, running one pass
// immediately on start. Intended to be launched in its own goroutine.
func (s *Scheduler) RunScheduled(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.RunAll(ctx); err != nil {
		logging.Error("initial scheduled pass failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := s.RunAll(ctx); err != nil {
				logging.Error("scheduled pass failed", "error", err)
			}
		case <-ctx.Done():
			logging.Info("scheduler shutting down")
			return
		}
	}
}

// RunAll runs every config once, fanning out with a bounded group. A
// failing config does not stop the others; the first error is returned
// after all runs finish.
func (s *Scheduler) RunAll(ctx context.Context) error {
	configs, err := s.configs.List(ctx)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}
	start := time.Now()
	logging.Info("scheduled pass starting", "configs", len(configs))

	g := &errgroup.Group{}
	g.SetLimit(maxParallelConfigs)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			result, err := s.engine.RunSync(ctx, cfg.ID)
			if err != nil {
				logging.Error("scheduled run failed", "config_id", cfg.ID, "error", err)
				return err
			}
			logging.Debug("scheduled run finished",
				"config_id", cfg.ID,
				"added", result.Added, "updated", result.Updated, "deleted", result.Deleted)
			return nil
		})
	}
	err = g.Wait()
	logging.Info("scheduled pass finished",
		"configs", len(configs),
		"elapsed_ms", time.Since(start).Milliseconds())
	return err
}
