package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/logging"
	"tablebridge/engine/internal/models"
)

// RunHistory is the optional slice of the log sink that can list past
// runs. The Postgres and in-memory sinks both implement it.
type RunHistory interface {
	Recent(ctx context.Context, configID string, limit int) ([]models.SyncResult, error)
}

// SyncHandlers exposes sync runs over HTTP.
type SyncHandlers struct {
	engine  *engine.Engine
	states  engine.StateStore
	history RunHistory // may be nil
}

// NewSyncHandlers builds the handler set. history may be nil when the log
// sink keeps no queryable history.
func NewSyncHandlers(eng *engine.Engine, states engine.StateStore, history RunHistory) *SyncHandlers {
	return &SyncHandlers{engine: eng, states: states, history: history}
}

// TriggerRun handles POST /api/v1/syncs/{id}/run. The run executes
// synchronously; the response carries the full result. Runs of the same
// config queue behind each other inside the engine.
func (h *SyncHandlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "id")
	if configID == "" {
		respondWithError(w, http.StatusBadRequest, "missing sync config id")
		return
	}

	result, err := h.engine.RunSync(r.Context(), configID)
	if err != nil && result == nil {
		logging.Error("sync trigger failed", "config_id", configID, "error", err)
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		// The run executed but failed; the result explains why.
		respondWithSuccess(w, http.StatusUnprocessableEntity, result)
		return
	}
	respondWithSuccess(w, http.StatusOK, result)
}

// LastResult handles GET /api/v1/syncs/{id}/result.
func (h *SyncHandlers) LastResult(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "id")
	if result, ok := h.engine.LastResult(configID); ok {
		respondWithSuccess(w, http.StatusOK, result)
		return
	}
	if h.history != nil {
		results, err := h.history.Recent(r.Context(), configID, 1)
		if err == nil && len(results) > 0 {
			respondWithSuccess(w, http.StatusOK, &results[0])
			return
		}
	}
	respondWithError(w, http.StatusNotFound, "no runs recorded for "+configID)
}

// ListRuns handles GET /api/v1/syncs/{id}/runs.
func (h *SyncHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondWithError(w, http.StatusNotImplemented, "run history is not persisted in this deployment")
		return
	}
	configID := chi.URLParam(r, "id")
	results, err := h.history.Recent(r.Context(), configID, 20)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithSuccess(w, http.StatusOK, &results)
}

// ResetState handles DELETE /api/v1/syncs/{id}/state. Clearing state makes
// the next run behave like a first run: everything is new, no conflicts.
func (h *SyncHandlers) ResetState(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "id")
	if err := h.states.Clear(r.Context(), configID); err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msg := "sync state cleared"
	respondWithSuccess(w, http.StatusOK, &msg)
}
