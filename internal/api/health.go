package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// ServiceStatus is the health of one dependency.
type ServiceStatus struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

// HealthCheckResponse is the body of GET /healthCheck.
type HealthCheckResponse struct {
	Status   string                   `json:"status"`
	Uptime   string                   `json:"uptime"`
	Services map[string]ServiceStatus `json:"services"`
}

// HealthCheckHandler handles GET /healthCheck. db and rdb may be nil when
// the deployment runs without them.
func HealthCheckHandler(db *sqlx.DB, rdb *redis.Client, upSince time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]ServiceStatus)

		if db != nil {
			status, details := "ok", "postgres connected"
			if err := db.PingContext(r.Context()); err != nil {
				status, details = "down", err.Error()
			}
			services["postgres"] = ServiceStatus{Status: status, Details: details}
		}
		if rdb != nil {
			status, details := "ok", "redis connected"
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				status, details = "down", err.Error()
			}
			services["redis"] = ServiceStatus{Status: status, Details: details}
		}

		overall := "ok"
		for _, svc := range services {
			if svc.Status != "ok" {
				overall = "down"
				break
			}
		}

		resp := HealthCheckResponse{
			Status:   overall,
			Uptime:   time.Since(upSince).Round(time.Second).String(),
			Services: services,
		}
		w.Header().Set("Content-Type", "application/json")
		if overall != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
