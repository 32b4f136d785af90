// Package storage provides the PostgreSQL-backed persistence layer for the
// evalbench evaluation harness: datasets, models, experiments, results,
// answers and observations, plus the idempotent upsert and counter protocol
// the execution engine is built on.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Experiment status values. An experiment moves pending -> running_answers ->
// running_metrics -> finished, or skips the answer phase entirely when the
// dataset already carries model output.
const (
	ExperimentPending        = "pending"
	ExperimentRunningAnswers = "running_answers"
	ExperimentRunningMetrics = "running_metrics"
	ExperimentFinished       = "finished"
)

// Result status values.
const (
	ResultPending  = "pending"
	ResultRunning  = "running"
	ResultFinished = "finished"
)

// Sentinel errors for the storage layer. The API layer maps these onto HTTP
// status codes: ErrSchema -> 400, ErrNotFound -> 404, ErrConflict -> 409.
var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrSchema is returned on validation failures at the storage boundary
	// (bad payload, incompatible metric set, protected references).
	ErrSchema = errors.New("schema validation failed")

	// ErrConflict is returned on uniqueness or foreign-key violations.
	ErrConflict = errors.New("conflict with existing entity")

	// ErrNoDatabaseConnection is returned when a store is constructed or used
	// without an underlying connection.
	ErrNoDatabaseConnection = errors.New("no database connection")
)

// JSONMap is a free-form parameter bag persisted as JSONB. The engine never
// introspects the contents; only metrics and the LLM call path do.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}

	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil

		return nil
	}

	var raw []byte

	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}

	return json.Unmarshal(raw, m)
}

type (
	// Dataset is an immutable tabular payload with derived column flags.
	Dataset struct {
		ID            int64           `json:"id"`
		Name          string          `json:"name"`
		Readme        string          `json:"readme,omitempty"`
		DF            json.RawMessage `json:"df,omitempty"`
		HasQuery      bool            `json:"has_query"`
		HasOutput     bool            `json:"has_output"`
		HasOutputTrue bool            `json:"has_output_true"`
		Size          int             `json:"size"`
		CreatedAt     time.Time       `json:"created_at"`
	}

	// Model is an LLM endpoint descriptor. Two experiments referencing the
	// same endpoint with different parameters are distinct Model rows.
	Model struct {
		ID             int64     `json:"id"`
		Name           string    `json:"name"`
		BaseURL        string    `json:"base_url"`
		APIKey         string    `json:"-"`
		PromptSystem   string    `json:"prompt_system,omitempty"`
		SamplingParams JSONMap   `json:"sampling_params,omitempty"`
		ExtraParams    JSONMap   `json:"extra_params,omitempty"`
		CreatedAt      time.Time `json:"created_at"`
	}

	// Experiment is one model x dataset x metric-set execution record.
	Experiment struct {
		ID                    int64     `json:"id"`
		Name                  string    `json:"name"`
		Readme                string    `json:"readme,omitempty"`
		Status                string    `json:"experiment_status"`
		DatasetID             int64     `json:"dataset_id"`
		ModelID               *int64    `json:"model_id,omitempty"`
		ExperimentSetID       *int64    `json:"experiment_set_id,omitempty"`
		NumTry                int       `json:"num_try"`
		NumSuccess            int       `json:"num_success"`
		NumObservationTry     int       `json:"num_observation_try"`
		NumObservationSuccess int       `json:"num_observation_success"`
		NumMetrics            int       `json:"num_metrics"`
		CreatedAt             time.Time `json:"created_at"`

		// Denormalized views, populated on request.
		Results []*Result `json:"results,omitempty"`
		Answers []*Answer `json:"answers,omitempty"`
		Dataset *Dataset  `json:"dataset,omitempty"`
		Model   *Model    `json:"model,omitempty"`
	}

	// Result accumulates per-row observations for one (experiment, metric).
	Result struct {
		ID           int64          `json:"id"`
		ExperimentID int64          `json:"experiment_id"`
		MetricName   string         `json:"metric_name"`
		Status       string         `json:"metric_status"`
		NumTry       int            `json:"num_try"`
		NumSuccess   int            `json:"num_success"`
		CreatedAt    time.Time      `json:"created_at"`
		Observations []*Observation `json:"observations,omitempty"`
	}

	// Answer is the generated output for one (experiment, row).
	Answer struct {
		ID            int64     `json:"id"`
		ExperimentID  int64     `json:"experiment_id"`
		NumLine       int       `json:"num_line"`
		Answer        *string   `json:"answer,omitempty"`
		ErrorMsg      *string   `json:"error_msg,omitempty"`
		ExecutionTime *int      `json:"execution_time,omitempty"`
		Metadata      JSONMap   `json:"metadata,omitempty"`
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	// Observation is a metric score for one (result, row).
	Observation struct {
		ID            int64     `json:"id"`
		ResultID      int64     `json:"result_id"`
		NumLine       int       `json:"num_line"`
		Score         *float64  `json:"score,omitempty"`
		Observation   JSONMap   `json:"observation,omitempty"`
		ErrorMsg      *string   `json:"error_msg,omitempty"`
		ExecutionTime *int      `json:"execution_time,omitempty"`
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	// ExperimentSet is a named collection of experiments, often a grid.
	ExperimentSet struct {
		ID          int64         `json:"id"`
		Name        string        `json:"name"`
		Readme      string        `json:"readme,omitempty"`
		CreatedAt   time.Time     `json:"created_at"`
		Experiments []*Experiment `json:"experiments,omitempty"`
	}

	// AnswerPatch carries the fields a worker records after an answer
	// attempt. Pointer fields distinguish "absent" from zero values.
	AnswerPatch struct {
		Answer        *string
		ErrorMsg      *string
		ExecutionTime *int
		Metadata      JSONMap
	}

	// ObservationPatch carries the fields a worker records after a metric
	// evaluation attempt.
	ObservationPatch struct {
		Score         *float64
		Observation   JSONMap
		ErrorMsg      *string
		ExecutionTime *int
	}

	// DatasetPatch updates the mutable dataset attributes. The payload itself
	// is immutable.
	DatasetPatch struct {
		Name   *string
		Readme *string
	}
)

// Succeeded reports whether the answer attempt completed without error.
func (p *AnswerPatch) Succeeded() bool {
	return p.ErrorMsg == nil
}

// Succeeded reports whether the observation attempt completed without error.
func (p *ObservationPatch) Succeeded() bool {
	return p.ErrorMsg == nil
}
