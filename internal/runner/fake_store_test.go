package runner

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/evalbench-io/evalbench/internal/storage"
	"github.com/evalbench-io/evalbench/internal/tabular"
)

// fakeStore is an in-memory Store for engine unit tests. It mirrors the
// relational semantics the engine depends on: slot uniqueness, counter
// arithmetic, and reconciliation.
type fakeStore struct {
	mu           sync.Mutex
	nextID       int64
	datasets     map[int64]*storage.Dataset
	models       map[int64]*storage.Model
	experiments  map[int64]*storage.Experiment
	results      map[int64]*storage.Result
	answers      map[int64]map[int]*storage.Answer      // experiment id -> num_line
	observations map[int64]map[int]*storage.Observation // result id -> num_line
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		datasets:     make(map[int64]*storage.Dataset),
		models:       make(map[int64]*storage.Model),
		experiments:  make(map[int64]*storage.Experiment),
		results:      make(map[int64]*storage.Result),
		answers:      make(map[int64]map[int]*storage.Answer),
		observations: make(map[int64]map[int]*storage.Observation),
	}
}

var _ Store = (*fakeStore)(nil)

func (f *fakeStore) id() int64 {
	f.nextID++

	return f.nextID
}

// seedDataset parses the payload and registers a dataset.
func (f *fakeStore) seedDataset(payload string) *storage.Dataset {
	f.mu.Lock()
	defer f.mu.Unlock()

	table, err := tabular.Parse([]byte(payload))
	if err != nil {
		panic(err)
	}

	dataset := &storage.Dataset{
		ID:            f.id(),
		DF:            json.RawMessage(payload),
		HasQuery:      table.HasColumn(tabular.ColumnQuery),
		HasOutput:     table.HasColumn(tabular.ColumnOutput),
		HasOutputTrue: table.HasColumn(tabular.ColumnOutputTrue),
		Size:          table.Size(),
	}
	f.datasets[dataset.ID] = dataset

	return dataset
}

// seedExperiment registers an experiment with one pending result per metric.
func (f *fakeStore) seedExperiment(datasetID int64, model *storage.Model, metricNames ...string) *storage.Experiment {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment := &storage.Experiment{
		ID:         f.id(),
		Status:     storage.ExperimentPending,
		DatasetID:  datasetID,
		NumMetrics: len(metricNames),
	}

	if model != nil {
		model.ID = f.id()
		f.models[model.ID] = model
		experiment.ModelID = &model.ID
	}

	f.experiments[experiment.ID] = experiment
	f.answers[experiment.ID] = make(map[int]*storage.Answer)

	for _, name := range metricNames {
		result := &storage.Result{
			ID:           f.id(),
			ExperimentID: experiment.ID,
			MetricName:   name,
			Status:       storage.ResultPending,
		}
		f.results[result.ID] = result
		f.observations[result.ID] = make(map[int]*storage.Observation)
	}

	return experiment
}

func (f *fakeStore) GetExperiment(_ context.Context, id int64, view storage.ExperimentView) (*storage.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := *experiment

	if view.WithResults {
		out.Results = f.resultsOf(id)
	}

	if view.WithDataset {
		dataset, ok := f.datasets[experiment.DatasetID]
		if !ok {
			return nil, storage.ErrNotFound
		}

		copied := *dataset
		out.Dataset = &copied
	}

	return &out, nil
}

func (f *fakeStore) GetModel(_ context.Context, id int64) (*storage.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	model, ok := f.models[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := *model

	return &out, nil
}

func (f *fakeStore) DatasetTable(_ context.Context, datasetID int64) (*tabular.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dataset, ok := f.datasets[datasetID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return tabular.Parse(dataset.DF)
}

func (f *fakeStore) ListExperiments(_ context.Context, filter storage.ExperimentFilter) ([]*storage.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.Experiment

	for _, experiment := range f.experiments {
		switch {
		case filter.SetID != nil:
			if experiment.ExperimentSetID == nil || *experiment.ExperimentSetID != *filter.SetID {
				continue
			}
		case filter.Orphan:
			if experiment.ExperimentSetID != nil {
				continue
			}
		}

		copied := *experiment
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (f *fakeStore) ListResults(_ context.Context, experimentID int64, withObservations bool) ([]*storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := f.resultsOf(experimentID)

	if withObservations {
		for _, result := range results {
			for _, observation := range f.observations[result.ID] {
				copied := *observation
				result.Observations = append(result.Observations, &copied)
			}
		}
	}

	return results, nil
}

func (f *fakeStore) resultsOf(experimentID int64) []*storage.Result {
	var results []*storage.Result

	for _, result := range f.results {
		if result.ExperimentID == experimentID {
			copied := *result
			results = append(results, &copied)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].MetricName < results[j].MetricName })

	return results
}

func (f *fakeStore) GetResult(_ context.Context, id int64) (*storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.results[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := *result

	return &out, nil
}

func (f *fakeStore) GetAnswer(_ context.Context, experimentID int64, numLine int) (*storage.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	answer, ok := f.answers[experimentID][numLine]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := *answer

	return &out, nil
}

func (f *fakeStore) UpsertAnswer(_ context.Context, experimentID int64, numLine int, patch *storage.AnswerPatch) (*storage.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.experiments[experimentID]; !ok {
		return nil, storage.ErrNotFound
	}

	answer, ok := f.answers[experimentID][numLine]
	if !ok {
		answer = &storage.Answer{ID: f.id(), ExperimentID: experimentID, NumLine: numLine}
		f.answers[experimentID][numLine] = answer
	}

	answer.Answer = patch.Answer
	answer.ErrorMsg = patch.ErrorMsg
	answer.ExecutionTime = patch.ExecutionTime
	answer.Metadata = patch.Metadata

	out := *answer

	return &out, nil
}

func (f *fakeStore) UpsertObservation(_ context.Context, resultID int64, numLine int, patch *storage.ObservationPatch) (*storage.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.results[resultID]; !ok {
		return nil, storage.ErrNotFound
	}

	observation, ok := f.observations[resultID][numLine]
	if !ok {
		observation = &storage.Observation{ID: f.id(), ResultID: resultID, NumLine: numLine}
		f.observations[resultID][numLine] = observation
	}

	observation.Score = patch.Score
	observation.Observation = patch.Observation
	observation.ErrorMsg = patch.ErrorMsg
	observation.ExecutionTime = patch.ExecutionTime

	out := *observation

	return &out, nil
}

func (f *fakeStore) IncrementAnswerCounters(_ context.Context, experimentID int64, success bool) (storage.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[experimentID]
	if !ok {
		return storage.Counters{}, storage.ErrNotFound
	}

	experiment.NumTry++

	if success {
		experiment.NumSuccess++
	}

	return storage.Counters{NumTry: experiment.NumTry, NumSuccess: experiment.NumSuccess}, nil
}

func (f *fakeStore) IncrementObservationCounters(_ context.Context, resultID int64, success bool) (storage.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.results[resultID]
	if !ok {
		return storage.Counters{}, storage.ErrNotFound
	}

	result.NumTry++

	if success {
		result.NumSuccess++
	}

	if experiment, ok := f.experiments[result.ExperimentID]; ok {
		experiment.NumObservationTry++

		if success {
			experiment.NumObservationSuccess++
		}
	}

	return storage.Counters{NumTry: result.NumTry, NumSuccess: result.NumSuccess}, nil
}

func (f *fakeStore) ReconcileAnswerCounters(_ context.Context, experimentID int64) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[experimentID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	var lines []int

	for numLine, answer := range f.answers[experimentID] {
		if answer.ErrorMsg == nil && answer.Answer != nil {
			lines = append(lines, numLine)
		}
	}

	sort.Ints(lines)

	experiment.NumTry = len(lines)
	experiment.NumSuccess = len(lines)

	return lines, nil
}

func (f *fakeStore) ReconcileObservationCounters(_ context.Context, resultID int64) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.results[resultID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	var lines []int

	for numLine, observation := range f.observations[resultID] {
		if observation.ErrorMsg == nil {
			lines = append(lines, numLine)
		}
	}

	sort.Ints(lines)

	result.NumTry = len(lines)
	result.NumSuccess = len(lines)

	if experiment, ok := f.experiments[result.ExperimentID]; ok {
		experiment.NumObservationTry = 0
		experiment.NumObservationSuccess = 0

		for _, sibling := range f.results {
			if sibling.ExperimentID == result.ExperimentID {
				experiment.NumObservationTry += sibling.NumTry
				experiment.NumObservationSuccess += sibling.NumSuccess
			}
		}
	}

	return lines, nil
}

func (f *fakeStore) UpdateExperimentStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[id]
	if !ok {
		return storage.ErrNotFound
	}

	experiment.Status = status

	return nil
}

func (f *fakeStore) UpdateResultStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.results[id]
	if !ok {
		return storage.ErrNotFound
	}

	result.Status = status

	return nil
}

func (f *fakeStore) FinishExperiment(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[id]
	if !ok {
		return storage.ErrNotFound
	}

	experiment.Status = storage.ExperimentFinished

	for _, result := range f.results {
		if result.ExperimentID == id {
			result.Status = storage.ResultFinished
		}
	}

	return nil
}

func (f *fakeStore) UnfinishedResultCount(_ context.Context, experimentID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0

	for _, result := range f.results {
		if result.ExperimentID == experimentID && result.Status != storage.ResultFinished {
			count++
		}
	}

	return count, nil
}
