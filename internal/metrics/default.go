package metrics

import (
	"github.com/evalbench-io/evalbench/internal/llm"
)

// DefaultRegistry builds and freezes the registry with every built-in
// metric. Called once at process init by both the API and the runner so the
// two sides agree on names and requirement sets.
func DefaultRegistry(client *llm.Client, judge *JudgeConfig) (*Registry, error) {
	r := NewRegistry()

	if err := registerDeterministic(r); err != nil {
		return nil, err
	}

	if err := registerOps(r); err != nil {
		return nil, err
	}

	if err := registerJudges(r, client, judge); err != nil {
		return nil, err
	}

	r.Freeze()

	return r, nil
}
