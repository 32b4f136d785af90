package api

import (
	"net/http"
	"strconv"

	"github.com/evalbench-io/evalbench/internal/storage"
)

// handleLeaderboard handles GET /leaderboard?metric_name&dataset_name&limit:
// experiments ranked by their best score on the requested metric, with the
// best scores of their other metrics alongside.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := storage.LeaderboardQuery{
		MetricName:  q.Get("metric_name"),
		DatasetName: q.Get("dataset_name"),
	}

	if query.MetricName == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("metric_name is required"))

		return
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid limit: must be a positive integer"))

			return
		}

		query.Limit = limit
	}

	entries, err := s.store.Leaderboard(r.Context(), query)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to query leaderboard")

		return
	}

	s.writeJSON(w, r, http.StatusOK, entries)
}
