// Package runner implements the experiment execution engine: the task queue,
// the dispatcher that fans dataset rows out into per-row tasks, the worker
// pool that consumes them, the counter-driven lifecycle controller, and the
// retry planner.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Task kinds.
const (
	KindAnswer      = "answer"
	KindObservation = "observation"
)

// ErrInvalidTask is returned when a task envelope fails validation.
var ErrInvalidTask = errors.New("invalid task envelope")

// Task is one unit of work: generate the answer for one (experiment, row) or
// evaluate one metric on one (result, row). The id traces the task through
// streamer, worker and upsert logs.
type Task struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	ExperimentID int64  `json:"experiment_id"`
	NumLine      int    `json:"num_line"`
	ResultID     int64  `json:"result_id,omitempty"`
	MetricName   string `json:"metric_name,omitempty"`
}

// NewAnswerTask builds an answer-generation task for one dataset row.
func NewAnswerTask(experimentID int64, numLine int) Task {
	return Task{
		ID:           uuid.NewString(),
		Kind:         KindAnswer,
		ExperimentID: experimentID,
		NumLine:      numLine,
	}
}

// NewObservationTask builds a metric-evaluation task for one dataset row of
// one result.
func NewObservationTask(experimentID int64, numLine int, resultID int64, metricName string) Task {
	return Task{
		ID:           uuid.NewString(),
		Kind:         KindObservation,
		ExperimentID: experimentID,
		NumLine:      numLine,
		ResultID:     resultID,
		MetricName:   metricName,
	}
}

// Encode serializes the task to its JSON wire format.
func (t Task) Encode() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(t)
}

// DecodeTask parses and validates a wire-format envelope.
func DecodeTask(raw []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}

	if err := task.Validate(); err != nil {
		return Task{}, err
	}

	return task, nil
}

// Validate checks the envelope invariants: a known kind, an experiment, a
// non-negative row, and for observation tasks a result and metric name.
func (t Task) Validate() error {
	if t.ExperimentID <= 0 {
		return fmt.Errorf("%w: missing experiment_id", ErrInvalidTask)
	}

	if t.NumLine < 0 {
		return fmt.Errorf("%w: negative num_line", ErrInvalidTask)
	}

	switch t.Kind {
	case KindAnswer:
		return nil
	case KindObservation:
		if t.ResultID <= 0 || t.MetricName == "" {
			return fmt.Errorf("%w: observation task requires result_id and metric_name", ErrInvalidTask)
		}

		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}
}
