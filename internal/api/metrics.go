package api

import (
	"net/http"
)

// handleListMetrics handles GET /metrics: the registered metrics with their
// kind and requirement set, sorted by name.
func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.registry.List())
}
