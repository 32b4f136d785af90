package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/evalbench-io/evalbench/internal/storage"
)

// handleCreateExperimentSet handles POST /experiment_set. The set is
// populated from an explicit experiment list or from a parameter grid;
// members are named {set_name}__{i} when no name is given. Every member is
// validated before anything is persisted or dispatched.
func (s *Server) handleCreateExperimentSet(w http.ResponseWriter, r *http.Request) {
	var req ExperimentSetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.Name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Experiment set name is required"))

		return
	}

	if len(req.Experiments) > 0 && len(req.GridParams) > 0 {
		WriteErrorResponse(w, r, s.logger,
			BadRequest("Supply either an explicit experiment list or a grid, not both"))

		return
	}

	ctx := r.Context()

	members := req.Experiments

	if len(req.GridParams) > 0 {
		repeat := req.Repeat
		if repeat == 0 {
			repeat = 1
		}

		expanded, err := expandGrid(req.CommonParams, req.GridParams, repeat)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		members = expanded
	}

	set, err := s.store.CreateExperimentSet(ctx, req.Name, req.Readme)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to create experiment set")

		return
	}

	if err := s.populateSet(ctx, set, members, 0); err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to populate experiment set")

		return
	}

	created, err := s.store.GetExperimentSet(ctx, set.ID, true)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment set")

		return
	}

	s.writeJSON(w, r, http.StatusCreated, created)
}

// populateSet validates every member first, then creates and dispatches
// them. Members without a name get {set_name}__{i} starting at firstSuffix.
// Validation failures reject the whole request before any task is enqueued.
func (s *Server) populateSet(
	ctx context.Context,
	set *storage.ExperimentSet,
	members []ExperimentRequest,
	firstSuffix int,
) error {
	suffix := firstSuffix

	for i := range members {
		members[i].ExperimentSetID = &set.ID

		if members[i].Name == "" {
			members[i].Name = fmt.Sprintf("%s__%d", set.Name, suffix)
			suffix++
		}
	}

	for i := range members {
		if err := s.validateExperiment(ctx, &members[i]); err != nil {
			return err
		}
	}

	for i := range members {
		experiment, err := s.store.CreateExperiment(ctx, members[i].toSpec())
		if err != nil {
			return err
		}

		if err := s.dispatcher.DispatchExperiment(ctx, experiment.ID); err != nil {
			return err
		}
	}

	return nil
}

// handleGetExperimentSet handles GET /experiment_set/{id}.
func (s *Server) handleGetExperimentSet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	set, err := s.store.GetExperimentSet(r.Context(), id, true)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment set")

		return
	}

	s.writeJSON(w, r, http.StatusOK, set)
}

// handleListExperimentSets handles GET /experiment_sets.
func (s *Server) handleListExperimentSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.store.ListExperimentSets(r.Context())
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to list experiment sets")

		return
	}

	s.writeJSON(w, r, http.StatusOK, sets)
}

// handlePatchExperimentSet handles PATCH /experiment_set/{id}: rename,
// readme update, and appending experiments. Appended members are named from
// the next free numeric suffix, past any existing {set_name}__{N} members.
func (s *Server) handlePatchExperimentSet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req ExperimentSetPatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()

	if req.Name != nil || req.Readme != nil {
		if err := s.store.UpdateExperimentSet(ctx, id, req.Name, req.Readme); err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to update experiment set")

			return
		}
	}

	set, err := s.store.GetExperimentSet(ctx, id, false)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment set")

		return
	}

	if len(req.Experiments) > 0 {
		suffix, err := s.store.NextNameSuffix(ctx, id)
		if err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to compute name suffix")

			return
		}

		if err := s.populateSet(ctx, set, req.Experiments, suffix); err != nil {
			WriteDomainError(w, r, s.logger, err, "Failed to append experiments")

			return
		}
	}

	updated, err := s.store.GetExperimentSet(ctx, id, true)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment set")

		return
	}

	s.writeJSON(w, r, http.StatusOK, updated)
}

// handleDeleteExperimentSet handles DELETE /experiment_set/{id}. Routed
// behind the admin guard; cascades to every member experiment.
func (s *Server) handleDeleteExperimentSet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteExperimentSet(r.Context(), id); err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to delete experiment set")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRetryExperimentSet handles POST /retry/experiment_set/{id}: plans
// the incomplete work of the set's finished experiments and re-enqueues it.
// Returns the plan as {experiment_ids, result_ids}.
func (s *Server) handleRetryExperimentSet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	// 404 when the set itself is missing rather than an empty plan.
	if _, err := s.store.GetExperimentSet(r.Context(), id, false); err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch experiment set")

		return
	}

	plan, err := s.dispatcher.DispatchRetries(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to retry experiment set")

		return
	}

	s.writeJSON(w, r, http.StatusOK, plan)
}
