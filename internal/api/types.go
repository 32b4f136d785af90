package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/evalbench-io/evalbench/internal/storage"
)

var (
	// ErrEmptyGrid is returned when a grid request carries no grid parameters.
	ErrEmptyGrid = errors.New("grid_params cannot be empty")

	// ErrInvalidRepeat is returned when repeat is zero or negative.
	ErrInvalidRepeat = errors.New("repeat must be >= 1")

	// ErrInvalidGridPath is returned when a grid key does not resolve to a
	// settable field path.
	ErrInvalidGridPath = errors.New("invalid grid parameter path")
)

type (
	// DatasetRequest is the body of POST /dataset.
	DatasetRequest struct {
		Name   string          `json:"name"`
		Readme string          `json:"readme,omitempty"`
		DF     json.RawMessage `json:"df"`
	}

	// DatasetPatchRequest is the body of PATCH /dataset/{id}.
	DatasetPatchRequest struct {
		Name   *string `json:"name,omitempty"`
		Readme *string `json:"readme,omitempty"`
	}

	// ModelRequest describes the model an experiment generates answers with.
	ModelRequest struct {
		Name           string         `json:"name"`
		BaseURL        string         `json:"base_url"`
		APIKey         string         `json:"api_key,omitempty"`
		PromptSystem   string         `json:"prompt_system,omitempty"`
		SamplingParams map[string]any `json:"sampling_params,omitempty"`
		ExtraParams    map[string]any `json:"extra_params,omitempty"`
	}

	// ExperimentRequest is the body of POST /experiment and the member shape
	// of experiment-set creation.
	ExperimentRequest struct {
		Name            string        `json:"name"`
		Readme          string        `json:"readme,omitempty"`
		DatasetID       int64         `json:"dataset_id"`
		ExperimentSetID *int64        `json:"experiment_set_id,omitempty"`
		Model           *ModelRequest `json:"model,omitempty"`
		Metrics         []string      `json:"metrics"`
	}

	// ExperimentPatchRequest is the body of PATCH /experiment/{id}.
	ExperimentPatchRequest struct {
		Readme       *string  `json:"readme,omitempty"`
		Metrics      []string `json:"metrics,omitempty"`
		RerunAnswers bool     `json:"rerun_answers,omitempty"`
		RerunMetrics bool     `json:"rerun_metrics,omitempty"`
	}

	// ExperimentSetRequest is the body of POST /experiment_set. A set is
	// populated either from an explicit experiment list or from a parameter
	// grid: common_params duplicated once per point of the cartesian product
	// of grid_params, repeat times.
	ExperimentSetRequest struct {
		Name        string              `json:"name"`
		Readme      string              `json:"readme,omitempty"`
		Experiments []ExperimentRequest `json:"experiments,omitempty"`
		CommonParams map[string]any     `json:"common_params,omitempty"`
		GridParams   map[string][]any   `json:"grid_params,omitempty"`
		Repeat       int                `json:"repeat,omitempty"`
	}

	// ExperimentSetPatchRequest is the body of PATCH /experiment_set/{id}.
	// Appended experiments are named with the next free numeric suffix.
	ExperimentSetPatchRequest struct {
		Name        *string             `json:"name,omitempty"`
		Readme      *string             `json:"readme,omitempty"`
		Experiments []ExperimentRequest `json:"experiments,omitempty"`
	}
)

// toSpec converts an API experiment request into the storage spec.
func (e *ExperimentRequest) toSpec() *storage.NewExperiment {
	spec := &storage.NewExperiment{
		Name:            e.Name,
		Readme:          e.Readme,
		DatasetID:       e.DatasetID,
		ExperimentSetID: e.ExperimentSetID,
		Metrics:         e.Metrics,
	}

	if e.Model != nil {
		spec.Model = &storage.Model{
			Name:           e.Model.Name,
			BaseURL:        e.Model.BaseURL,
			APIKey:         e.Model.APIKey,
			PromptSystem:   e.Model.PromptSystem,
			SamplingParams: e.Model.SamplingParams,
			ExtraParams:    e.Model.ExtraParams,
		}
	}

	return spec
}

// expandGrid builds one experiment request per point of the cartesian
// product of gridParams, duplicated repeat times. Each point starts from a
// deep copy of commonParams and sets the grid values through their dotted
// paths (e.g. "model.name"). Grid keys are walked in sorted order so the
// expansion is deterministic.
func expandGrid(commonParams map[string]any, gridParams map[string][]any, repeat int) ([]ExperimentRequest, error) {
	if len(gridParams) == 0 {
		return nil, ErrEmptyGrid
	}

	if repeat < 1 {
		return nil, ErrInvalidRepeat
	}

	keys := make([]string, 0, len(gridParams))
	for key := range gridParams {
		if len(gridParams[key]) == 0 {
			return nil, fmt.Errorf("%w: %q has no values", ErrEmptyGrid, key)
		}

		keys = append(keys, key)
	}

	sort.Strings(keys)

	points := []map[string]any{{}}

	for _, key := range keys {
		var next []map[string]any

		for _, point := range points {
			for _, value := range gridParams[key] {
				extended := make(map[string]any, len(point)+1)
				for k, v := range point {
					extended[k] = v
				}

				extended[key] = value
				next = append(next, extended)
			}
		}

		points = next
	}

	var requests []ExperimentRequest

	for range repeat {
		for _, point := range points {
			request, err := materializePoint(commonParams, point)
			if err != nil {
				return nil, err
			}

			requests = append(requests, *request)
		}
	}

	return requests, nil
}

// materializePoint deep-copies the common parameters, applies one grid point
// through dotted paths, and decodes the merged document into an experiment
// request.
func materializePoint(commonParams map[string]any, point map[string]any) (*ExperimentRequest, error) {
	merged, err := deepCopyMap(commonParams)
	if err != nil {
		return nil, err
	}

	for path, value := range point {
		if err := setPath(merged, path, value); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	var request ExperimentRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGridPath, err.Error())
	}

	return &request, nil
}

// deepCopyMap copies a JSON-shaped map through a marshal round trip.
func deepCopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// setPath sets a value at a dotted path, creating intermediate objects as
// needed. Fails when a path segment collides with a non-object value.
func setPath(m map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")

	current := m

	for i, segment := range segments {
		if segment == "" {
			return fmt.Errorf("%w: %q", ErrInvalidGridPath, path)
		}

		if i == len(segments)-1 {
			current[segment] = value

			return nil
		}

		child, ok := current[segment]
		if !ok {
			next := map[string]any{}
			current[segment] = next
			current = next

			continue
		}

		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q crosses a non-object value", ErrInvalidGridPath, path)
		}

		current = next
	}

	return nil
}
