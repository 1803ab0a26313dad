package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"tablebridge/engine/internal/api"
	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/metrics"
	"tablebridge/engine/internal/middleware"
)

// Dependencies is everything the router needs wired in.
type Dependencies struct {
	Engine  *engine.Engine
	States  engine.StateStore
	History api.RunHistory // may be nil
	Metrics *metrics.MetricsRegistry
	DB      *sqlx.DB      // may be nil
	Redis   *redis.Client // may be nil
	UpSince time.Time
}

// RegisterRoutes builds the HTTP surface: health, metrics, and the sync
// trigger API.
func RegisterRoutes(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.MetricsMiddleware(deps.Metrics))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://localhost:8081"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	logging.Info("router initialized with metrics and logging middleware")

	r.Get("/healthCheck", api.HealthCheckHandler(deps.DB, deps.Redis, deps.UpSince))
	r.Handle("/metrics", promhttp.Handler())

	sync := api.NewSyncHandlers(deps.Engine, deps.States, deps.History)
	r.Route("/api/v1/syncs", func(r chi.Router) {
		r.Use(middleware.RateLimitMiddleware)
		r.Post("/{id}/run", sync.TriggerRun)
		r.Get("/{id}/result", sync.LastResult)
		r.Get("/{id}/runs", sync.ListRuns)
		r.Delete("/{id}/state", sync.ResetState)
	})

	return r
}
