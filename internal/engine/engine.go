package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tablebridge/engine/internal/cache"
	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/metrics"
	"tablebridge/engine/internal/models"
)

// Client-side request rates, kept under the documented provider quotas
// (Airtable: 5 req/s per base, Sheets: 60 req/min per user).
const (
	airtableRPS = 5
	sheetsRPS   = 1
)

// Dependencies wires an Engine. Metrics may be nil.
type Dependencies struct {
	Configs     ConfigStore
	States      StateStore
	Logs        LogSink
	Tokens      TokenProvider
	NewAirtable AirtableClientFactory
	NewSheets   SheetsClientFactory
	Cache       cache.Cache
	Metrics     *metrics.MetricsRegistry
	ResolverTTL time.Duration
}

// Engine runs sync configurations. Runs for the same config are
// serialized; runs for different configs proceed concurrently, throttled
// per provider by shared rate-limited invokers.
type Engine struct {
	deps Dependencies

	group    singleflight.Group
	atInvoke *RateLimitedInvoker
	shInvoke *RateLimitedInvoker

	mu          sync.Mutex
	configLocks map[string]*sync.Mutex
	lastResults map[string]*models.SyncResult
}

// New builds an Engine.
func New(deps Dependencies) *Engine {
	return &Engine{
		deps:        deps,
		atInvoke:    NewRateLimitedInvoker(airtableRPS, airtableRPS, deps.Metrics),
		shInvoke:    NewRateLimitedInvoker(sheetsRPS, 3, deps.Metrics),
		configLocks: make(map[string]*sync.Mutex),
		lastResults: make(map[string]*models.SyncResult),
	}
}

// lockFor returns the mutex serializing runs of one config.
func (e *Engine) lockFor(configID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.configLocks[configID]
	if !ok {
		l = &sync.Mutex{}
		e.configLocks[configID] = l
	}
	return l
}

// LastResult returns the most recent result for a config, if any run
// finished since the process started.
func (e *Engine) LastResult(configID string) (*models.SyncResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.lastResults[configID]
	return res, ok
}

// RunSync executes one sync run for a config and returns its result. The
// result is also written to the log sink and retained in memory for the
// API. An error return means the run failed; the result still carries the
// partial counts and every recorded error.
func (e *Engine) RunSync(ctx context.Context, configID string) (*models.SyncResult, error) {
	lock := e.lockFor(configID)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := e.deps.Configs.Get(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading sync config %s: %w", configID, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	result := models.NewSyncResult(uuid.NewString(), configID, cfg.Direction)
	log := logging.WithRun(result.RunID, configID, string(cfg.Direction))
	log.Infow("sync run starting")

	r, err := e.buildRun(ctx, cfg, result, log)
	if err != nil {
		result.AddError(models.SyncError{Kind: models.ErrKindAuth, Message: err.Error(), Err: err})
		return e.finish(ctx, result, log, err)
	}

	switch cfg.Direction {
	case models.DirectionAirtableToSheets:
		err = r.syncAirtableToSheets(ctx)
	case models.DirectionSheetsToAirtable:
		err = r.syncSheetsToAirtable(ctx)
	default:
		err = r.syncBidirectional(ctx)
	}
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}
	if err == nil && r.cfg.Strict() && result.HasErrors() {
		err = fmt.Errorf("strict validation: %d errors recorded", len(result.Errors))
	}

	if err == nil {
		if serr := e.deps.States.Put(ctx, configID, r.next); serr != nil {
			// The run itself succeeded; a stale state only costs extra
			// diffing next time.
			result.AddWarning("sync state could not be persisted: %v", serr)
			log.Warnw("state persistence failed", "error", serr)
		}
	}

	if e.deps.Metrics != nil {
		for _, res := range result.Conflicts {
			e.deps.Metrics.ConflictsResolved.WithLabelValues(string(res.Kind), string(res.Action)).Inc()
		}
	}
	return e.finish(ctx, result, log, err)
}

// buildRun assembles the per-run collaborators: token-bound clients, a
// resolver sharing the process-wide cache, mapper, validator, detector.
func (e *Engine) buildRun(ctx context.Context, cfg *models.SyncConfig, result *models.SyncResult, log *zap.SugaredLogger) (*run, error) {
	atToken, err := e.deps.Tokens.ForUser(ctx, cfg.UserID, "airtable")
	if err != nil {
		return nil, fmt.Errorf("airtable token for user %s: %w", cfg.UserID, err)
	}
	shToken, err := e.deps.Tokens.ForUser(ctx, cfg.UserID, "google")
	if err != nil {
		return nil, fmt.Errorf("google token for user %s: %w", cfg.UserID, err)
	}

	at := e.deps.NewAirtable(atToken)
	sh, err := e.deps.NewSheets(ctx, shToken)
	if err != nil {
		return nil, fmt.Errorf("building sheets client: %w", err)
	}

	resolver := NewLinkedRecordResolver(at, e.deps.Cache, &e.group, e.deps.ResolverTTL, e.deps.Metrics)
	prev, err := e.deps.States.Get(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("loading sync state for %s: %w", cfg.ID, err)
	}

	return &run{
		cfg:      cfg,
		at:       at,
		sh:       sh,
		mapper:   NewFieldMapper(resolver, cfg.AirtableBaseID, cfg.ResolveLinkedRecords, cfg.CreateMissingLinkedRecords),
		valid:    NewDataValidator(),
		detector: NewConflictDetector(),
		resolver: resolver,
		atInvoke: e.atInvoke,
		shInvoke: e.shInvoke,
		prev:     prev,
		next:     models.NewSyncState(cfg.ID),
		result:   result,
		log:      log,
		meter:    e.deps.Metrics,
	}, nil
}

// finish stamps the result, records it, and emits it to the log sink.
func (e *Engine) finish(ctx context.Context, result *models.SyncResult, log *zap.SugaredLogger, runErr error) (*models.SyncResult, error) {
	result.Finalize(runErr == nil)

	outcome := "success"
	if runErr != nil {
		outcome = "failure"
		if runErr == context.Canceled || runErr == context.DeadlineExceeded {
			outcome = "cancelled"
		}
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.SyncRunsTotal.WithLabelValues(string(result.Direction), outcome).Inc()
		e.deps.Metrics.SyncRunDuration.WithLabelValues(string(result.Direction)).Observe(result.Duration.Seconds())
	}

	e.mu.Lock()
	e.lastResults[result.SyncConfigID] = result
	e.mu.Unlock()

	if e.deps.Logs != nil {
		// Use a detached context so a cancelled run still gets logged.
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.deps.Logs.Write(logCtx, result); err != nil {
			log.Warnw("log sink write failed", "error", err)
		}
	}

	if runErr != nil {
		log.Errorw("sync run failed",
			"outcome", outcome,
			"added", result.Added, "updated", result.Updated, "deleted", result.Deleted,
			"errors", len(result.Errors), "error", runErr)
		return result, runErr
	}
	log.Infow("sync run finished",
		"added", result.Added, "updated", result.Updated, "deleted", result.Deleted,
		"conflicts", len(result.Conflicts), "warnings", len(result.Warnings),
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}
