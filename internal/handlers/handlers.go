// Package handlers implements the detection job and compile HTTP API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-sigma/internal/backend"
	"github.com/telhawk-systems/telhawk-sigma/internal/executor"
	"github.com/telhawk-systems/telhawk-sigma/internal/httputil"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/middleware"
	"github.com/telhawk-systems/telhawk-sigma/internal/models"
	"github.com/telhawk-systems/telhawk-sigma/internal/repository"
	"github.com/telhawk-systems/telhawk-sigma/internal/scheduler"
	"github.com/telhawk-systems/telhawk-sigma/internal/service"
	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

const jobResourceType = "detection_job"

// JobRunner runs a job outside its schedule.
type JobRunner interface {
	RunNow(ctx context.Context, ruleName string) (*executor.Result, error)
}

type Handler struct {
	jobs     *service.Service
	runner   JobRunner
	compiler *backend.Backend
	opts     backend.Options
	logger   *logging.Logger
}

func NewHandler(jobs *service.Service, runner JobRunner, compiler *backend.Backend, opts backend.Options, logger *logging.Logger) *Handler {
	return &Handler{
		jobs:     jobs,
		runner:   runner,
		compiler: compiler,
		opts:     opts,
		logger:   logger.With(logging.Component("api")),
	}
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// CreateJob handles POST /api/v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid Request Body", err.Error())
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err, req.RuleName)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusCreated, toResource(job))
}

// ListJobs handles GET /api/v1/jobs?active=true
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteJSONAPIValidationError(w, "", "active must be a boolean")
			return
		}
		activeOnly = b
	}

	jobs, err := h.jobs.ListJobs(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	resources := make([]httputil.JSONAPIResource, len(jobs))
	for i, job := range jobs {
		resources[i] = toResource(job)
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, resources)
}

// GetJob handles GET /api/v1/jobs/{name}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	job, err := h.jobs.GetJob(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err, name)
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, toResource(job))
}

// ActivateJob handles PUT /api/v1/jobs/{name}/activate
func (h *Handler) ActivateJob(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateJob handles PUT /api/v1/jobs/{name}/deactivate
func (h *Handler) DeactivateJob(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	name := r.PathValue("name")
	job, err := h.jobs.SetActive(r.Context(), name, active)
	if err != nil {
		h.writeError(w, r, err, name)
		return
	}
	h.logger.InfoContext(r.Context(), "job activation changed",
		logging.RuleName(name),
		"active", active,
		logging.UserID(middleware.GetUserID(r.Context())))
	httputil.WriteJSONAPIResource(w, http.StatusOK, toResource(job))
}

// SetInterval handles PUT /api/v1/jobs/{name}/interval
func (h *Handler) SetInterval(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req models.SetIntervalRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid Request Body", err.Error())
		return
	}

	job, err := h.jobs.SetInterval(r.Context(), name, req.TimeInterval)
	if err != nil {
		h.writeError(w, r, err, name)
		return
	}
	h.logger.InfoContext(r.Context(), "job interval changed",
		logging.RuleName(name),
		"interval", job.TimeInterval,
		logging.UserID(middleware.GetUserID(r.Context())))
	httputil.WriteJSONAPIResource(w, http.StatusOK, toResource(job))
}

// DeleteJob handles DELETE /api/v1/jobs/{name}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.jobs.DeleteJob(r.Context(), name); err != nil {
		h.writeError(w, r, err, name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runAttributes struct {
	RuleName    string `json:"rule_name"`
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
	Matches     int    `json:"matches"`
	Tagged      int    `json:"tagged"`
	Skipped     bool   `json:"skipped"`
}

// RunJob handles POST /api/v1/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	result, err := h.runner.RunNow(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err, name)
		return
	}

	httputil.WriteJSONAPIResource(w, http.StatusOK, httputil.JSONAPIResource{
		Type: "detection_run",
		ID:   name + "@" + result.Window.End.Format(time.RFC3339Nano),
		Attributes: runAttributes{
			RuleName:    result.RuleName,
			WindowStart: result.Window.Start.Format(time.RFC3339Nano),
			WindowEnd:   result.Window.End.Format(time.RFC3339Nano),
			Matches:     result.Matches,
			Tagged:      result.Tagged,
			Skipped:     result.Skipped,
		},
	})
}

// CompileRequest carries a Sigma rule document and the artifact kind to produce.
type CompileRequest struct {
	Rule   string `json:"rule"`
	Format string `json:"format"`
}

// Compile handles POST /api/v1/compile and returns the raw artifact.
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	var req CompileRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid Request Body", err.Error())
		return
	}

	format := backend.FormatDefault
	if req.Format != "" {
		f, err := backend.ParseFormat(req.Format)
		if err != nil {
			httputil.WriteJSONAPIValidationError(w, "format", err.Error())
			return
		}
		format = f
	}

	rule, err := sigma.ParseRule([]byte(req.Rule))
	if err != nil {
		httputil.WriteJSONAPIValidationError(w, "rule", err.Error())
		return
	}

	out, err := h.compiler.Compile(rule, format, h.opts)
	if err != nil {
		h.writeError(w, r, err, rule.Title)
		return
	}

	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func contentType(f backend.Format) string {
	switch f {
	case backend.FormatMonitorRule, backend.FormatDSLLucene:
		return "application/json"
	case backend.FormatDashboardsNDJSON:
		return "application/x-ndjson"
	default:
		return "text/plain; charset=utf-8"
	}
}

// writeError maps domain errors to JSON:API error responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, name string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteJSONAPIValidationError(w, verr.Field, verr.Message)
	case errors.Is(err, repository.ErrJobNotFound):
		httputil.WriteJSONAPINotFoundError(w, jobResourceType, name)
	case errors.Is(err, repository.ErrJobExists):
		httputil.WriteJSONAPIError(w, http.StatusConflict, "conflict", "Job Exists", err.Error())
	case errors.Is(err, scheduler.ErrRunInFlight):
		httputil.WriteJSONAPIError(w, http.StatusConflict, "run_in_flight", "Run In Flight", err.Error())
	case errors.Is(err, backend.ErrCompilation):
		httputil.WriteJSONAPIError(w, http.StatusUnprocessableEntity, "compilation_failed", "Compilation Failed", err.Error())
	case errors.Is(err, executor.ErrBackendUnavailable):
		h.logger.ErrorContext(r.Context(), "search backend unavailable", logging.RuleName(name), logging.Error(err))
		httputil.WriteJSONAPIError(w, http.StatusBadGateway, "backend_unavailable", "Search Backend Unavailable", err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "An internal error occurred")
	}
}

func toResource(job *models.DetectionJob) httputil.JSONAPIResource {
	return httputil.JSONAPIResource{
		Type:       jobResourceType,
		ID:         job.ID.String(),
		Attributes: job,
	}
}
