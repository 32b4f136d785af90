// Package api provides the HTTP API server for the evalbench service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evalbench-io/evalbench/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceVersion     = "v1.0.0"
)

// HealthStatus represents the health check response structure.
type HealthStatus struct {
	Status      string `json:"status"`
	ServiceName string `json:"service_name"` //nolint: tagliatelle
	Version     string `json:"version"`
	Uptime      string `json:"uptime,omitempty"`
}

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("GET /ping", s.handlePing)     // liveness probe
	mux.HandleFunc("GET /ready", s.handleReady)   // readiness probe, checks the database
	mux.HandleFunc("GET /health", s.handleHealth) // status, uptime, version
	mux.HandleFunc("/", s.handleNotFound)         // catch-all 404

	// Datasets
	mux.HandleFunc("POST /dataset", s.handleCreateDataset)
	mux.HandleFunc("GET /datasets", s.handleListDatasets)
	mux.HandleFunc("GET /dataset/{id}", s.handleGetDataset)
	mux.HandleFunc("PATCH /dataset/{id}", s.handlePatchDataset)
	mux.HandleFunc("DELETE /dataset/{id}", s.handleDeleteDataset)

	// Metric registry
	mux.HandleFunc("GET /metrics", s.handleListMetrics)

	// Experiments
	mux.HandleFunc("POST /experiment", s.handleCreateExperiment)
	mux.HandleFunc("GET /experiments", s.handleListExperiments)
	mux.HandleFunc("GET /experiment/{id}", s.handleGetExperiment)
	mux.HandleFunc("PATCH /experiment/{id}", s.handlePatchExperiment)
	mux.HandleFunc("DELETE /experiment/{id}", s.handleDeleteExperiment)

	// Experiment sets
	mux.HandleFunc("POST /experiment_set", s.handleCreateExperimentSet)
	mux.HandleFunc("GET /experiment_sets", s.handleListExperimentSets)
	mux.HandleFunc("GET /experiment_set/{id}", s.handleGetExperimentSet)
	mux.HandleFunc("PATCH /experiment_set/{id}", s.handlePatchExperimentSet)
	mux.HandleFunc("DELETE /experiment_set/{id}", s.adminGuard.Protect(s.handleDeleteExperimentSet))

	// Retry and leaderboard
	mux.HandleFunc("POST /retry/experiment_set/{id}", s.handleRetryExperimentSet)
	mux.HandleFunc("GET /leaderboard", s.handleLeaderboard)
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with a storage health check.
//
// Response codes:
//   - 200 OK: the database is reachable and ready to serve requests
//   - 503 Service Unavailable: the database is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)

		if _, writeErr := w.Write([]byte("storage unavailable")); writeErr != nil {
			s.logger.Error("Failed to write unavailable response",
				slog.String("correlation_id", correlationID),
				slog.String("error", writeErr.Error()),
			)
		}

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ready")); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "evalbench",
		Version:     serviceVersion,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v and writes it with the given status code. Marshal
// failures become a 500 problem document.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		// Headers already sent, log only
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// pathID parses the {id} path value as an int64. A false return means the
// 400 response has already been written.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid id: must be a positive integer"))

		return 0, false
	}

	return id, true
}

// decodeBody decodes a JSON request body into v. A false return means the
// 400 response has already been written.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return false
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON body: "+err.Error()))

		return false
	}

	return true
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
