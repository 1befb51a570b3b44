// Package api exposes the pipeline's operational HTTP surface: starting and
// resuming runs, progress reporting, quota inspection, and retry stats.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/atlasguide/enrich/internal/db"
	"github.com/atlasguide/enrich/internal/pipeline"
)

// API holds the handler dependencies.
type API struct {
	logger       *slog.Logger
	orchestrator *pipeline.Orchestrator
	quota        *pipeline.QuotaTracker
	sweeper      *pipeline.Sweeper
	db           *db.DB
}

// New creates the API surface.
func New(logger *slog.Logger, orchestrator *pipeline.Orchestrator, quota *pipeline.QuotaTracker, sweeper *pipeline.Sweeper, database *db.DB) *API {
	return &API{
		logger:       logger,
		orchestrator: orchestrator,
		quota:        quota,
		sweeper:      sweeper,
		db:           database,
	}
}

// Register installs all routes on the mux.
func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", api.handleHealth)

	mux.HandleFunc("POST /pipeline/start", api.handleStart)
	mux.HandleFunc("GET /pipeline/progress/{run_id}", api.handleProgress)
	mux.HandleFunc("POST /pipeline/resume/{run_id}", api.handleResume)
	mux.HandleFunc("POST /pipeline/cleanup/{run_id}", api.handleCleanup)

	mux.HandleFunc("GET /quota/{api}", api.handleQuotaStatus)
	mux.HandleFunc("POST /quota/{api}/reset", api.handleQuotaReset)

	mux.HandleFunc("GET /retries/stats", api.handleRetryStats)
	mux.HandleFunc("POST /retries/sweep", api.handleRetrySweep)
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type startRequest struct {
	Slugs []string `json:"slugs"`
}

type startResponse struct {
	RunID string `json:"run_id"`
}

func (api *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Slugs) == 0 {
		api.writeError(w, http.StatusBadRequest, "no_slugs")
		return
	}

	runID, err := api.orchestrator.Start(r.Context(), req.Slugs)
	if errors.Is(err, pipeline.ErrDuplicateRun) {
		// The existing run handle is still useful to the caller.
		api.writeJSON(w, http.StatusConflict, startResponse{RunID: runID})
		return
	}
	if err != nil {
		api.logger.Error("failed to start pipeline run", "error", err)
		api.writeError(w, http.StatusInternalServerError, "start_failed")
		return
	}

	api.writeJSON(w, http.StatusAccepted, startResponse{RunID: runID})
}

func (api *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	progress, err := api.orchestrator.Progress(r.Context(), runID)
	if errors.Is(err, pipeline.ErrRunNotFound) {
		api.writeError(w, http.StatusNotFound, "run_not_found")
		return
	}
	if err != nil {
		api.logger.Error("failed to build progress", "run_id", runID, "error", err)
		api.writeError(w, http.StatusInternalServerError, "progress_failed")
		return
	}

	api.writeJSON(w, http.StatusOK, progress)
}

func (api *API) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	dispatched, err := api.orchestrator.Resume(r.Context(), runID)
	if errors.Is(err, pipeline.ErrRunNotFound) {
		api.writeError(w, http.StatusNotFound, "run_not_found")
		return
	}
	if err != nil {
		api.logger.Error("failed to resume run", "run_id", runID, "error", err)
		api.writeError(w, http.StatusConflict, "resume_failed")
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     runID,
		"dispatched": dispatched,
	})
}

func (api *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if err := api.orchestrator.ForceCleanup(r.Context(), runID); err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			api.writeError(w, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("failed to clean up run", "run_id", runID, "error", err)
		api.writeError(w, http.StatusInternalServerError, "cleanup_failed")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID})
}

func (api *API) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("api")

	status, err := api.quota.Status(r.Context(), name)
	if err != nil {
		api.logger.Error("failed to read quota status", "api", name, "error", err)
		api.writeError(w, http.StatusInternalServerError, "quota_status_failed")
		return
	}

	api.writeJSON(w, http.StatusOK, status)
}

func (api *API) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("api")

	if err := api.quota.Reset(r.Context(), name); err != nil {
		api.logger.Error("failed to reset quota flag", "api", name, "error", err)
		api.writeError(w, http.StatusInternalServerError, "quota_reset_failed")
		return
	}

	api.logger.Info("quota flag manually reset", "api", name)
	api.writeJSON(w, http.StatusOK, map[string]any{"api": name})
}

func (api *API) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.db.RetryStats()
	if err != nil {
		api.logger.Error("failed to read retry stats", "error", err)
		api.writeError(w, http.StatusInternalServerError, "retry_stats_failed")
		return
	}

	api.writeJSON(w, http.StatusOK, stats)
}

func (api *API) handleRetrySweep(w http.ResponseWriter, r *http.Request) {
	attempted := api.sweeper.Sweep(r.Context())
	api.writeJSON(w, http.StatusOK, map[string]any{"attempted": attempted})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, status int, code string) {
	api.writeJSON(w, status, map[string]any{"error": code})
}
