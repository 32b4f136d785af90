package runner

import (
	"context"

	"github.com/evalbench-io/evalbench/internal/storage"
)

// RetryPlan names the work a retry of an experiment set re-enqueues:
// experiments whose answer phase is incomplete, and results missing
// observations on experiments whose answer phase is intact.
type RetryPlan struct {
	ExperimentIDs []int64 `json:"experiment_ids"`
	ResultIDs     []int64 `json:"result_ids"`
}

// Empty reports whether the plan contains no work.
func (p *RetryPlan) Empty() bool {
	return len(p.ExperimentIDs) == 0 && len(p.ResultIDs) == 0
}

// PlanRetries diffs the counters of finished experiments against their
// targets. An experiment that generated with a model and has num_try !=
// num_success gets a full answer-phase redispatch; otherwise each finished
// result with a counter gap gets an observation redispatch of its missing
// rows only. Running experiments are left alone.
func PlanRetries(experiments []*storage.Experiment) *RetryPlan {
	plan := &RetryPlan{}

	for _, experiment := range experiments {
		if experiment.Status != storage.ExperimentFinished {
			continue
		}

		if experiment.ModelID != nil && experiment.NumTry != experiment.NumSuccess {
			plan.ExperimentIDs = append(plan.ExperimentIDs, experiment.ID)

			continue
		}

		for _, result := range experiment.Results {
			if result.Status == storage.ResultFinished && result.NumTry != result.NumSuccess {
				plan.ResultIDs = append(plan.ResultIDs, result.ID)
			}
		}
	}

	return plan
}

// DispatchRetries plans and executes a retry for one experiment set.
// Redispatch shares the regular dispatch path, so rows whose prior outcome
// succeeded are reconciled into the counters and never re-enqueued.
func (d *Dispatcher) DispatchRetries(ctx context.Context, setID int64) (*RetryPlan, error) {
	experiments, err := d.store.ListExperiments(ctx, storage.ExperimentFilter{SetID: &setID})
	if err != nil {
		return nil, err
	}

	for _, experiment := range experiments {
		experiment.Results, err = d.store.ListResults(ctx, experiment.ID, false)
		if err != nil {
			return nil, err
		}
	}

	plan := PlanRetries(experiments)

	for _, experimentID := range plan.ExperimentIDs {
		if err := d.DispatchExperiment(ctx, experimentID); err != nil {
			return nil, err
		}
	}

	for _, resultID := range plan.ResultIDs {
		if err := d.DispatchResult(ctx, resultID); err != nil {
			return nil, err
		}
	}

	return plan, nil
}
