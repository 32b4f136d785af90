package metrics

import (
	"context"
	"strings"
)

// registerDeterministic adds the pure string metrics.
func registerDeterministic(r *Registry) error {
	entries := []*Metric{
		{
			Name:        "exact_match",
			Description: "1.0 when the output equals the reference answer after whitespace and case normalization, else 0.0.",
			Kind:        KindDeterministic,
			Require:     []string{RequireOutput, RequireOutputTrue},
			Fn:          exactMatch,
		},
		{
			Name:        "output_length",
			Description: "Length of the output in characters.",
			Kind:        KindDeterministic,
			Require:     []string{RequireOutput},
			Fn:          outputLength,
		},
	}

	for _, m := range entries {
		if err := r.Register(m); err != nil {
			return err
		}
	}

	return nil
}

func exactMatch(_ context.Context, in *Input) (*Outcome, error) {
	got := normalize(in.Output)
	want := normalize(in.Row[RequireOutputTrue])

	score := 0.0
	if got == want {
		score = 1.0
	}

	return &Outcome{Score: &score}, nil
}

func outputLength(_ context.Context, in *Input) (*Outcome, error) {
	score := float64(len([]rune(in.Output)))

	return &Outcome{Score: &score}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
