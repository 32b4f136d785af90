// Package metrics provides the process-wide metric registry and the built-in
// metric implementations: deterministic comparisons, ops metrics over answer
// metadata, and LLM-judge metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Metric kinds.
const (
	KindLLM           = "llm"
	KindHuman         = "human"
	KindDeterministic = "deterministic"
	KindOps           = "ops"
)

// Row fields a metric may require.
const (
	RequireQuery      = "query"
	RequireOutput     = "output"
	RequireOutputTrue = "output_true"
)

var (
	// ErrRegistryFrozen is returned when registering after initialization.
	ErrRegistryFrozen = errors.New("metric registry is frozen")

	// ErrDuplicateMetric is returned when a metric name is registered twice.
	ErrDuplicateMetric = errors.New("metric already registered")

	// ErrUnknownMetric is returned when a requested metric is not registered.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrIncompatible is returned when a metric's requirement set cannot be
	// satisfied by the dataset and model of an experiment.
	ErrIncompatible = errors.New("metric incompatible with dataset")

	// ErrAmbiguousOutput is returned when a model is supplied together with a
	// dataset that already carries an output column.
	ErrAmbiguousOutput = errors.New("both a model and a dataset output column were provided")
)

type (
	// Input carries everything a metric callable receives: the output under
	// evaluation, the answer metadata bag, and the row fields listed in the
	// metric's requirement set.
	Input struct {
		Output   string
		Metadata map[string]any
		Row      map[string]string
	}

	// Outcome is what a metric produces for one row: a score, and optionally
	// a free-form observation blob stored alongside it. A nil score is a
	// successful observation with no value, distinct from a row failure.
	Outcome struct {
		Score       *float64
		Observation map[string]any
	}

	// Func is a metric callable. Errors become row-level failures.
	Func func(ctx context.Context, in *Input) (*Outcome, error)

	// Metric is one registry entry.
	Metric struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Kind        string   `json:"kind"`
		Require     []string `json:"require"`
		Fn          Func     `json:"-"`
	}

	// Registry is the name -> metric map, immutable after Freeze. Reads after
	// freezing need no locking.
	Registry struct {
		metrics map[string]*Metric
		frozen  bool
	}

	// Compatibility describes what an experiment can feed its metrics.
	Compatibility struct {
		HasQuery      bool
		HasOutput     bool
		HasOutputTrue bool
		HasModel      bool
	}
)

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Metric)}
}

// Register adds a metric. Registration is only allowed during process init,
// before Freeze.
func (r *Registry) Register(m *Metric) error {
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, m.Name)
	}

	if m.Name == "" || m.Fn == nil {
		return fmt.Errorf("%w: metric requires a name and a callable", ErrUnknownMetric)
	}

	if _, exists := r.metrics[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, m.Name)
	}

	r.metrics[m.Name] = m

	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Get returns the named metric.
func (r *Registry) Get(name string) (*Metric, bool) {
	m, ok := r.metrics[name]

	return m, ok
}

// List returns all metrics sorted by name.
func (r *Registry) List() []*Metric {
	out := make([]*Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Validate checks that every requested metric exists and that its requirement
// set can be satisfied by the given dataset columns and model presence.
// Called at experiment creation, before anything is persisted or dispatched.
func (r *Registry) Validate(names []string, compat Compatibility) error {
	if compat.HasModel && compat.HasOutput {
		return ErrAmbiguousOutput
	}

	for _, name := range names {
		metric, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
		}

		for _, requirement := range metric.Require {
			switch requirement {
			case RequireQuery:
				if !compat.HasQuery {
					return fmt.Errorf("%w: %s requires a query column", ErrIncompatible, name)
				}
			case RequireOutput:
				if !compat.HasOutput && !compat.HasModel {
					return fmt.Errorf("%w: %s requires an output column or a model", ErrIncompatible, name)
				}
			case RequireOutputTrue:
				if !compat.HasOutputTrue {
					return fmt.Errorf("%w: %s requires an output_true column", ErrIncompatible, name)
				}
			}
		}
	}

	return nil
}

// NeedsGeneration reports whether any requested metric requires an output
// the dataset does not already contain. True means the experiment starts
// with the answer phase; false means it goes straight to observations.
func (r *Registry) NeedsGeneration(names []string, hasOutput bool) (bool, error) {
	if hasOutput {
		return false, nil
	}

	for _, name := range names {
		metric, ok := r.Get(name)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
		}

		for _, requirement := range metric.Require {
			if requirement == RequireOutput {
				return true, nil
			}
		}
	}

	return false, nil
}
