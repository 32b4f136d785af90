package api

import (
	"net/http"
	"strconv"

	"github.com/evalbench-io/evalbench/internal/storage"
)

// handleCreateDataset handles POST /dataset.
// Parses the tabular payload, derives column flags and size, and persists
// the dataset. Returns 201 with the stored record (payload included).
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req DatasetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.Name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Dataset name is required"))

		return
	}

	dataset, err := s.store.CreateDataset(r.Context(), req.Name, req.Readme, req.DF)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to create dataset")

		return
	}

	s.writeJSON(w, r, http.StatusCreated, dataset)
}

// handleGetDataset handles GET /dataset/{id}?with_df=bool.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	withDF, _ := strconv.ParseBool(r.URL.Query().Get("with_df"))

	dataset, err := s.store.GetDataset(r.Context(), id, withDF)
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to fetch dataset")

		return
	}

	s.writeJSON(w, r, http.StatusOK, dataset)
}

// handleListDatasets handles GET /datasets. Payloads are omitted.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.store.ListDatasets(r.Context())
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to list datasets")

		return
	}

	s.writeJSON(w, r, http.StatusOK, datasets)
}

// handlePatchDataset handles PATCH /dataset/{id}. Only name and readme are
// mutable; the payload is immutable once stored.
func (s *Server) handlePatchDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req DatasetPatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	dataset, err := s.store.PatchDataset(r.Context(), id, &storage.DatasetPatch{
		Name:   req.Name,
		Readme: req.Readme,
	})
	if err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to patch dataset")

		return
	}

	s.writeJSON(w, r, http.StatusOK, dataset)
}

// handleDeleteDataset handles DELETE /dataset/{id}. Deletion is rejected
// with a 400 naming the linked experiment count while any experiment still
// references the dataset.
func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteDataset(r.Context(), id); err != nil {
		WriteDomainError(w, r, s.logger, err, "Failed to delete dataset")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
