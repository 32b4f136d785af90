package metrics

import (
	"context"
	"encoding/json"
	"fmt"
)

// registerOps adds the operational metrics. They score the answer metadata
// bag recorded by the LLM client rather than the output text, so they all
// require a generated output.
func registerOps(r *Registry) error {
	keys := map[string]string{
		"nb_tokens_prompt":     "Prompt token count of the generation call.",
		"nb_tokens_completion": "Completion token count of the generation call.",
		"nb_tool_calls":        "Number of tool calls the model made while generating.",
		"generation_time":      "Wall-clock generation time in milliseconds.",
	}

	for key, description := range keys {
		if err := r.Register(&Metric{
			Name:        key,
			Description: description,
			Kind:        KindOps,
			Require:     []string{RequireOutput},
			Fn:          metadataMetric(key),
		}); err != nil {
			return err
		}
	}

	return nil
}

// metadataMetric builds a callable that reads one numeric key from the
// answer metadata bag. An absent key is not a failure: outputs supplied by
// the dataset carry no generation metadata, so the observation succeeds
// with a null score.
func metadataMetric(key string) Func {
	return func(_ context.Context, in *Input) (*Outcome, error) {
		value, ok := in.Metadata[key]
		if !ok {
			return &Outcome{}, nil
		}

		score, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("answer metadata %q: %w", key, err)
		}

		return &Outcome{Score: &score}, nil
	}
}

// toFloat accepts the numeric types a metadata bag can carry after JSON
// round trips.
func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
	}
}
