// Package server wires HTTP routes and middleware.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-sigma/internal/handlers"
	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
	"github.com/telhawk-systems/telhawk-sigma/internal/middleware"
)

// NewRouter registers the API routes. API routes require a bearer token when auth is non-nil.
func NewRouter(h *handlers.Handler, auth *middleware.Auth, logger *logging.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	api.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	api.HandleFunc("GET /api/v1/jobs/{name}", h.GetJob)
	api.HandleFunc("DELETE /api/v1/jobs/{name}", h.DeleteJob)
	api.HandleFunc("PUT /api/v1/jobs/{name}/activate", h.ActivateJob)
	api.HandleFunc("PUT /api/v1/jobs/{name}/deactivate", h.DeactivateJob)
	api.HandleFunc("PUT /api/v1/jobs/{name}/interval", h.SetInterval)
	api.HandleFunc("POST /api/v1/jobs/{name}/run", h.RunJob)
	api.HandleFunc("POST /api/v1/compile", h.Compile)

	var apiHandler http.Handler = api
	if auth != nil {
		apiHandler = auth.RequireAuth(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", apiHandler)

	return middleware.RequestID(accessLog(logger, mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		logger.InfoContext(r.Context(), "http request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(rec.status),
			logging.Duration(time.Since(start)))
	})
}
