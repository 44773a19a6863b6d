// Package api serves the read-only job inspection and explicit cancellation
// endpoints of one pipeline stage.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"mash/internal/apperrors"
	"mash/internal/health"
	"mash/internal/job"
)

// JobService is the job table of a stage. The pipeline driver implements it.
type JobService interface {
	List() []job.Summary
	Get(id string) (job.Summary, error)
	Cancel(ctx context.Context, id string) error
}

// HTTPMetrics records request metrics.
type HTTPMetrics interface {
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64)
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs   JobService
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs JobService, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:   jobs,
		health: healthChecker,
	}
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, job.ListResponse{Jobs: h.jobs.List()})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	summary, err := h.jobs.Get(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// DeleteJob handles DELETE /v1/jobs/{id}. It removes the job the same way a
// <service>_job_delete message does.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while shutting down or when the broker connection is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps driver errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := apperrors.HTTPResponse(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, message)
}
