package metrics

import (
	"context"
	"testing"
)

func TestExactMatch(t *testing.T) {
	tests := []struct {
		name   string
		output string
		truth  string
		want   float64
	}{
		{"identical", "Paris", "Paris", 1.0},
		{"case and whitespace", "  paris \n", "Paris", 1.0},
		{"different", "Lyon", "Paris", 0.0},
		{"both empty", "", "", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := exactMatch(context.Background(), &Input{
				Output: tt.output,
				Row:    map[string]string{RequireOutputTrue: tt.truth},
			})
			if err != nil {
				t.Fatalf("exactMatch() unexpected error: %v", err)
			}

			if outcome.Score == nil || *outcome.Score != tt.want {
				t.Errorf("exactMatch(%q, %q) = %v, want %v", tt.output, tt.truth, outcome.Score, tt.want)
			}
		})
	}
}

func TestOutputLength(t *testing.T) {
	outcome, err := outputLength(context.Background(), &Input{Output: "héllo"})
	if err != nil {
		t.Fatalf("outputLength() unexpected error: %v", err)
	}

	if outcome.Score == nil || *outcome.Score != 5 {
		t.Errorf("outputLength(héllo) = %v, want 5 (runes, not bytes)", outcome.Score)
	}
}

func TestMetadataMetrics(t *testing.T) {
	metadata := map[string]any{
		"nb_tokens_prompt":     float64(12),
		"nb_tokens_completion": float64(3),
		"nb_tool_calls":        2,
		"generation_time":      int64(850),
	}

	tests := []struct {
		metric string
		want   float64
	}{
		{"nb_tokens_prompt", 12},
		{"nb_tokens_completion", 3},
		{"nb_tool_calls", 2},
		{"generation_time", 850},
	}

	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			fn := metadataMetric(tt.metric)

			outcome, err := fn(context.Background(), &Input{Metadata: metadata})
			if err != nil {
				t.Fatalf("metric %s unexpected error: %v", tt.metric, err)
			}

			if outcome.Score == nil || *outcome.Score != tt.want {
				t.Errorf("metric %s = %v, want %v", tt.metric, outcome.Score, tt.want)
			}
		})
	}

	t.Run("missing key succeeds with null score", func(t *testing.T) {
		fn := metadataMetric("nb_tokens_prompt")

		outcome, err := fn(context.Background(), &Input{Metadata: map[string]any{}})
		if err != nil {
			t.Fatalf("unexpected error for missing metadata key: %v", err)
		}

		if outcome.Score != nil {
			t.Errorf("Score = %v, want nil for missing metadata key", *outcome.Score)
		}
	})

	t.Run("nil metadata succeeds with null score", func(t *testing.T) {
		fn := metadataMetric("nb_tokens_completion")

		outcome, err := fn(context.Background(), &Input{Output: "from the dataset"})
		if err != nil {
			t.Fatalf("unexpected error for nil metadata bag: %v", err)
		}

		if outcome.Score != nil {
			t.Errorf("Score = %v, want nil for nil metadata bag", *outcome.Score)
		}
	})

	t.Run("non-numeric value fails row-level", func(t *testing.T) {
		fn := metadataMetric("generation_time")

		_, err := fn(context.Background(), &Input{Metadata: map[string]any{"generation_time": "fast"}})
		if err == nil {
			t.Error("expected error for non-numeric metadata value, got nil")
		}
	})
}
