package runner

import (
	"errors"
	"testing"
)

func TestTaskRoundTrip(t *testing.T) {
	task := NewObservationTask(7, 3, 11, "exact_match")

	raw, err := task.Encode()
	if err != nil {
		t.Fatalf("Encode() unexpected error: %v", err)
	}

	decoded, err := DecodeTask(raw)
	if err != nil {
		t.Fatalf("DecodeTask() unexpected error: %v", err)
	}

	if decoded != task {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, task)
	}

	if decoded.ID == "" {
		t.Error("task id must be set")
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name string
		task Task
		ok   bool
	}{
		{"answer task", NewAnswerTask(1, 0), true},
		{"observation task", NewObservationTask(1, 0, 2, "m"), true},
		{"unknown kind", Task{Kind: "shrug", ExperimentID: 1}, false},
		{"missing experiment", Task{Kind: KindAnswer}, false},
		{"negative line", Task{Kind: KindAnswer, ExperimentID: 1, NumLine: -1}, false},
		{"observation without result", Task{Kind: KindObservation, ExperimentID: 1}, false},
		{"observation without metric", Task{Kind: KindObservation, ExperimentID: 1, ResultID: 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}

			if !tt.ok && !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Validate() error = %v, want %v", err, ErrInvalidTask)
			}
		})
	}
}

func TestDecodeTaskRejectsGarbage(t *testing.T) {
	if _, err := DecodeTask([]byte("not json")); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("DecodeTask() error = %v, want %v", err, ErrInvalidTask)
	}
}
