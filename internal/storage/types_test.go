package storage

import (
	"testing"
)

func TestJSONMapRoundTrip(t *testing.T) {
	original := JSONMap{"temperature": 0.2, "max_tokens": float64(512), "stop": []any{"\n"}}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() unexpected error: %v", err)
	}

	var scanned JSONMap
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan() unexpected error: %v", err)
	}

	if scanned["temperature"] != 0.2 {
		t.Errorf("scanned temperature = %v, want 0.2", scanned["temperature"])
	}

	if scanned["max_tokens"] != float64(512) {
		t.Errorf("scanned max_tokens = %v, want 512", scanned["max_tokens"])
	}
}

func TestJSONMapNil(t *testing.T) {
	var m JSONMap

	value, err := m.Value()
	if err != nil {
		t.Fatalf("Value() unexpected error: %v", err)
	}

	if value != nil {
		t.Errorf("Value() of nil map = %v, want nil", value)
	}

	var scanned JSONMap
	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) unexpected error: %v", err)
	}

	if scanned != nil {
		t.Errorf("Scan(nil) produced %v, want nil", scanned)
	}
}

func TestJSONMapScanRejectsUnknownType(t *testing.T) {
	var m JSONMap
	if err := m.Scan(42); err == nil {
		t.Error("Scan(int) expected error, got nil")
	}
}

func TestPatchSucceeded(t *testing.T) {
	errMsg := "timeout"
	answer := "Paris"
	score := 1.0

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"answer without error", (&AnswerPatch{Answer: &answer}).Succeeded(), true},
		{"answer with error", (&AnswerPatch{ErrorMsg: &errMsg}).Succeeded(), false},
		{"observation without error", (&ObservationPatch{Score: &score}).Succeeded(), true},
		{"observation with error", (&ObservationPatch{ErrorMsg: &errMsg}).Succeeded(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Succeeded() = %v, want %v", tt.got, tt.want)
			}
		})
	}
}
