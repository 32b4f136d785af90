package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/evalbench-io/evalbench/internal/metrics"
	"github.com/evalbench-io/evalbench/internal/storage"
)

// handleCreateExperiment handles POST /experiment: validate the metric set
// against the dataset and model, persist atomically, then dispatch. Returns
// 201 with the stored record.
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req ExperimentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	experiment, err := s.createAndDispatch(r.Context(), &req)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to create experiment")

		return
	}

	s.writeJSON(w, r, http.StatusCreated, experiment)
}

// createAndDispatch validates one experiment request, persists it and
// enqueues its first phase. Shared by the experiment and experiment-set
// creation paths.
func (s *Server) createAndDispatch(ctx context.Context, req *ExperimentRequest) (*storage.Experiment, error) {
	if err := s.validateExperiment(ctx, req); err != nil {
		return nil, err
	}

	experiment, err := s.store.CreateExperiment(ctx, req.toSpec())
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.DispatchExperiment(ctx, experiment.ID); err != nil {
		return nil, err
	}

	return experiment, nil
}

// validateExperiment checks the metric/dataset compatibility rules before
// anything is persisted or dispatched.
func (s *Server) validateExperiment(ctx context.Context, req *ExperimentRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: experiment name is required", storage.ErrSchema)
	}

	if len(req.Metrics) == 0 {
		return fmt.Errorf("%w: at least one metric is required", storage.ErrSchema)
	}

	dataset, err := s.store.GetDataset(ctx, req.DatasetID, false)
	if err != nil {
		return err
	}

	return s.registry.Validate(req.Metrics, metrics.Compatibility{
		HasQuery:      dataset.HasQuery,
		HasOutput:     dataset.HasOutput,
		HasOutputTrue: dataset.HasOutputTrue,
		HasModel:      req.Model != nil,
	})
}

// handleGetExperiment handles
// GET /experiment/{id}?with_results&with_answers&with_dataset.
func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	view := storage.ExperimentView{
		WithResults: queryFlag(q, "with_results"),
		WithAnswers: queryFlag(q, "with_answers"),
		WithDataset: queryFlag(q, "with_dataset"),
	}

	experiment, err := s.store.GetExperiment(r.Context(), id, view)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment")

		return
	}

	s.writeJSON(w, r, http.StatusOK, experiment)
}

// handleListExperiments handles GET /experiments?set_id&limit&orphan.
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter storage.ExperimentFilter

	if raw := q.Get("set_id"); raw != "" {
		setID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || setID <= 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid set_id: must be a positive integer"))

			return
		}

		filter.SetID = &setID
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid limit: must be a positive integer"))

			return
		}

		filter.Limit = limit
	}

	filter.Orphan = queryFlag(q, "orphan")

	experiments, err := s.store.ListExperiments(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to list experiments")

		return
	}

	s.writeJSON(w, r, http.StatusOK, experiments)
}

// handlePatchExperiment handles PATCH /experiment/{id}: readme updates,
// appending metrics (new results dispatched immediately), and rerun of
// missing answer or observation rows. Rejected while the experiment runs.
func (s *Server) handlePatchExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req ExperimentPatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()

	experiment, err := s.store.GetExperiment(ctx, id, storage.ExperimentView{})
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment")

		return
	}

	if experiment.Status == storage.ExperimentRunningAnswers || experiment.Status == storage.ExperimentRunningMetrics {
		WriteErrorResponse(w, r, s.logger, BadRequest("Experiment is running; wait for it to finish"))

		return
	}

	if req.Readme != nil {
		if err := s.store.PatchExperimentReadme(ctx, id, *req.Readme); err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to update experiment readme")

			return
		}
	}

	if len(req.Metrics) > 0 {
		if err := s.appendMetrics(ctx, experiment, req.Metrics); err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to add metrics")

			return
		}
	}

	if req.RerunAnswers {
		if err := s.dispatcher.DispatchExperiment(ctx, id); err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to rerun experiment")

			return
		}
	} else if req.RerunMetrics {
		if err := s.rerunResults(ctx, id); err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to rerun metrics")

			return
		}
	}

	updated, err := s.store.GetExperiment(ctx, id, storage.ExperimentView{WithResults: true})
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment")

		return
	}

	s.writeJSON(w, r, http.StatusOK, updated)
}

// appendMetrics validates the new metrics against the dataset, persists the
// missing results and dispatches each of them.
func (s *Server) appendMetrics(ctx context.Context, experiment *storage.Experiment, names []string) error {
	dataset, err := s.store.GetDataset(ctx, experiment.DatasetID, false)
	if err != nil {
		return err
	}

	if err := s.registry.Validate(names, metrics.Compatibility{
		HasQuery:      dataset.HasQuery,
		HasOutput:     dataset.HasOutput,
		HasOutputTrue: dataset.HasOutputTrue,
		HasModel:      experiment.ModelID != nil,
	}); err != nil {
		return err
	}

	added, err := s.store.AddMetrics(ctx, experiment.ID, names)
	if err != nil {
		return err
	}

	for _, result := range added {
		if err := s.dispatcher.DispatchResult(ctx, result.ID); err != nil {
			return err
		}
	}

	return nil
}

// rerunResults redispatches the missing observation rows of every result.
func (s *Server) rerunResults(ctx context.Context, experimentID int64) error {
	results, err := s.store.ListResults(ctx, experimentID, false)
	if err != nil {
		return err
	}

	for _, result := range results {
		if err := s.dispatcher.DispatchResult(ctx, result.ID); err != nil {
			return err
		}
	}

	return nil
}

// handleDeleteExperiment handles DELETE /experiment/{id}. Cascades to the
// experiment's answers, results and observations.
func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteExperiment(r.Context(), id); err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to delete experiment")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// queryFlag interprets a query parameter as a boolean: present without a
// value counts as true.
func queryFlag(q url.Values, key string) bool {
	if !q.Has(key) {
		return false
	}

	raw := q.Get(key)
	if raw == "" {
		return true
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}

	return value
}
