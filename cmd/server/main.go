package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"tablebridge/engine/internal/api"
	"tablebridge/engine/internal/cache"
	"tablebridge/engine/internal/clients/airtable"
	"tablebridge/engine/internal/clients/sheets"
	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/metrics"
	"tablebridge/engine/internal/routes"
	"tablebridge/engine/internal/scheduler"
	"tablebridge/engine/internal/store"
	"tablebridge/engine/internal/tokens"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "development"
	}
	if err := logging.Init(appEnv); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logging.Close()

	logging.Info("tablebridge starting up", "environment", appEnv)

	metricsReg := metrics.NewMetricsRegistry()
	resolverCache := cache.NewTTLCache(engine.DefaultResolverTTL, 10*time.Minute)

	// Storage backend: Postgres when PG_HOST is set, in-memory otherwise.
	var configs interface {
		engine.ConfigStore
		scheduler.ConfigLister
	}
	var (
		db      *sqlx.DB
		rdb     *redis.Client
		states  engine.StateStore
		logs    engine.LogSink
		history api.RunHistory
	)
	if os.Getenv("PG_HOST") != "" {
		var err error
		db, err = store.InitPostgres()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := store.Migrate(context.Background(), db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		logging.Info("connected to Postgres")

		configs = store.NewPostgresConfigStore(db)
		states = store.NewPostgresStateStore(db)
		sink := store.NewPostgresLogSink(db)
		logs = sink
		history = sink
	} else {
		logging.Warn("PG_HOST not set, using in-memory stores")
		configs = store.NewMemoryConfigStore()
		states = store.NewMemoryStateStore()
		sink := store.NewMemoryLogSink(200)
		logs = sink
		history = sink
	}

	// Redis state store overrides the default when requested; state is
	// hot-path data and Redis survives restarts of this process.
	if os.Getenv("REDIS_HOST") != "" && os.Getenv("STATE_BACKEND") == "redis" {
		rdb = store.NewRedisClient()
		states = store.NewRedisStateStore(rdb, 0)
		logging.Info("using Redis for sync state")
	}

	tokenProvider := tokens.NewStatic(map[string]string{
		"airtable": os.Getenv("AIRTABLE_TOKEN"),
		"google":   os.Getenv("GOOGLE_ACCESS_TOKEN"),
	})

	eng := engine.New(engine.Dependencies{
		Configs:     configs,
		States:      states,
		Logs:        logs,
		Tokens:      tokenProvider,
		NewAirtable: airtable.Factory(metricsReg),
		NewSheets:   sheets.Factory(metricsReg),
		Cache:       resolverCache,
		Metrics:     metricsReg,
		ResolverTTL: engine.DefaultResolverTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Scheduled runs, unless disabled for trigger-only deployments.
	if os.Getenv("SCHEDULER_DISABLED") != "true" {
		interval := scheduler.DefaultInterval
		if raw := os.Getenv("SYNC_INTERVAL"); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				interval = d
			} else {
				logging.Warn("invalid SYNC_INTERVAL, using default", "value", raw)
			}
		}
		sched := scheduler.New(eng, configs, interval)
		go sched.RunScheduled(ctx)
		logging.Info("scheduler started", "interval", interval.String())
	}

	upSince := time.Now()
	router := routes.RegisterRoutes(routes.Dependencies{
		Engine:  eng,
		States:  states,
		History: history,
		Metrics: metricsReg,
		DB:      db,
		Redis:   rdb,
		UpSince: upSince,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Info("server starting", "port", port, "environment", appEnv)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	logging.Info("server stopped")
}
