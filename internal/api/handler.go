// Package api provides the HTTP API handlers and routing for the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"taskorch/internal/apperrors"
	"taskorch/internal/health"
	"taskorch/internal/job"
	"taskorch/internal/observability"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 5 * time.Minute
)

// Orchestrator is the subset of the orchestrator the API drives.
type Orchestrator interface {
	Submit(spec *job.Spec) (job.Handle, error)
	Await(ctx context.Context, id string, timeout time.Duration) (job.Result, error)
	Cancel(id string) bool
	Status(id string) (job.Handle, error)
	List() []job.Handle
	Metrics() observability.Snapshot
	HealthCheck(ctx context.Context) *health.Report
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	orch   Orchestrator
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(orch Orchestrator, healthChecker *health.Checker) *Handler {
	return &Handler{
		orch:   orch,
		health: healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var spec job.Spec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	annotateJob(r, "", spec.Kind)
	handle, err := h.orch.Submit(&spec)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	annotateJob(r, handle.ID, handle.Kind)
	h.writeJSON(w, http.StatusAccepted, handle)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, job.ListResponse{Jobs: h.orch.List()})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	annotateJob(r, jobID, "")

	handle, err := h.orch.Status(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	annotateJob(r, handle.ID, handle.Kind)
	h.writeJSON(w, http.StatusOK, handle)
}

// GetResult handles GET /v1/jobs/{jobId}/result?timeout=30s.
// Blocks until the job finishes; 504 if it is still running at the timeout.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	annotateJob(r, jobID, "")

	timeout := defaultAwaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid timeout %q", raw))
			return
		}
		timeout = min(d, maxAwaitTimeout)
	}

	if handle, err := h.orch.Status(jobID); err == nil {
		annotateJob(r, handle.ID, handle.Kind)
	}

	result, err := h.orch.Await(r.Context(), jobID, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away.
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	annotateJob(r, jobID, "")

	handle, err := h.orch.Status(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	annotateJob(r, handle.ID, handle.Kind)
	if !h.orch.Cancel(jobID) {
		h.handleError(w, r, apperrors.Conflict("job", jobID, "already finished"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMetrics handles GET /v1/metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orch.Metrics())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while shutting down or when a runner backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.writeReport(w, h.health.Readiness(r.Context()))
}

// Healthz handles GET /healthz with an uncached, detailed report.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeReport(w, h.orch.HealthCheck(r.Context()))
}

func (h *Handler) writeReport(w http.ResponseWriter, report *health.Report) {
	status := http.StatusOK
	if !report.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a request validation error.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, status, apperrors.Kind(apperrors.ErrValidation), message)
}

// handleError maps classified errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	annotateError(r, err)
	status := apperrors.HTTPStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	body := map[string]string{
		"error": err.Error(),
		"kind":  apperrors.Kind(err),
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	h.writeJSON(w, status, body)
}
