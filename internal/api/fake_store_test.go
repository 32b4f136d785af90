package api

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/evalbench-io/evalbench/internal/runner"
	"github.com/evalbench-io/evalbench/internal/storage"
	"github.com/evalbench-io/evalbench/internal/tabular"
)

// fakeStore is an in-memory Store for handler tests. It mirrors the
// uniqueness and reference rules the handlers rely on.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	datasets    map[int64]*storage.Dataset
	experiments map[int64]*storage.Experiment
	results     map[int64]*storage.Result
	sets        map[int64]*storage.ExperimentSet
	leaderboard []*storage.LeaderboardEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		datasets:    make(map[int64]*storage.Dataset),
		experiments: make(map[int64]*storage.Experiment),
		results:     make(map[int64]*storage.Result),
		sets:        make(map[int64]*storage.ExperimentSet),
	}
}

var _ Store = (*fakeStore)(nil)

func (f *fakeStore) id() int64 {
	f.nextID++

	return f.nextID
}

func (f *fakeStore) HealthCheck(_ context.Context) error { return nil }

func (f *fakeStore) CreateDataset(_ context.Context, name, readme string, payload json.RawMessage) (*storage.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, dataset := range f.datasets {
		if dataset.Name == name {
			return nil, fmt.Errorf("%w: datasets_name_key", storage.ErrConflict)
		}
	}

	table, err := tabular.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrSchema, err.Error())
	}

	dataset := &storage.Dataset{
		ID:            f.id(),
		Name:          name,
		Readme:        readme,
		DF:            payload,
		HasQuery:      table.HasColumn(tabular.ColumnQuery),
		HasOutput:     table.HasColumn(tabular.ColumnOutput),
		HasOutputTrue: table.HasColumn(tabular.ColumnOutputTrue),
		Size:          table.Size(),
	}
	f.datasets[dataset.ID] = dataset

	out := *dataset

	return &out, nil
}

func (f *fakeStore) GetDataset(_ context.Context, id int64, withDF bool) (*storage.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dataset, ok := f.datasets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := *dataset
	if !withDF {
		out.DF = nil
	}

	return &out, nil
}

func (f *fakeStore) ListDatasets(_ context.Context) ([]*storage.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.Dataset

	for _, dataset := range f.datasets {
		copied := *dataset
		copied.DF = nil
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (f *fakeStore) PatchDataset(_ context.Context, id int64, patch *storage.DatasetPatch) (*storage.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dataset, ok := f.datasets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, fmt.Errorf("%w: dataset name cannot be empty", storage.ErrSchema)
		}

		dataset.Name = *patch.Name
	}

	if patch.Readme != nil {
		dataset.Readme = *patch.Readme
	}

	out := *dataset
	out.DF = nil

	return &out, nil
}

func (f *fakeStore) DeleteDataset(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.datasets[id]; !ok {
		return storage.ErrNotFound
	}

	linked := 0

	for _, experiment := range f.experiments {
		if experiment.DatasetID == id {
			linked++
		}
	}

	if linked > 0 {
		return fmt.Errorf("%w: dataset is referenced by %d experiment(s)", storage.ErrSchema, linked)
	}

	delete(f.datasets, id)

	return nil
}

func (f *fakeStore) CreateExperiment(_ context.Context, spec *storage.NewExperiment) (*storage.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, experiment := range f.experiments {
		if experiment.Name != spec.Name {
			continue
		}

		sameSet := experiment.ExperimentSetID == nil && spec.ExperimentSetID == nil ||
			experiment.ExperimentSetID != nil && spec.ExperimentSetID != nil &&
				*experiment.ExperimentSetID == *spec.ExperimentSetID
		if sameSet {
			return nil, fmt.Errorf("%w: experiments_name_set_key", storage.ErrConflict)
		}
	}

	experiment := &storage.Experiment{
		ID:              f.id(),
		Name:            spec.Name,
		Readme:          spec.Readme,
		Status:          storage.ExperimentPending,
		DatasetID:       spec.DatasetID,
		ExperimentSetID: spec.ExperimentSetID,
		NumMetrics:      len(spec.Metrics),
	}

	if spec.Model != nil {
		modelID := f.id()
		experiment.ModelID = &modelID
	}

	f.experiments[experiment.ID] = experiment

	for _, name := range spec.Metrics {
		result := &storage.Result{
			ID:           f.id(),
			ExperimentID: experiment.ID,
			MetricName:   name,
			Status:       storage.ResultPending,
		}
		f.results[result.ID] = result
	}

	out := *experiment

	return &out, nil
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

	return &out, nil
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

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

func (f *fakeStore) AddMetrics(_ context.Context, experimentID int64, metrics []string) ([]*storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[experimentID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	existing := make(map[string]bool)

	for _, result := range f.results {
		if result.ExperimentID == experimentID {
			existing[result.MetricName] = true
		}
	}

	var added []*storage.Result

	for _, name := range metrics {
		if existing[name] {
			continue
		}

		result := &storage.Result{
			ID:           f.id(),
			ExperimentID: experimentID,
			MetricName:   name,
			Status:       storage.ResultPending,
		}
		f.results[result.ID] = result

		copied := *result
		added = append(added, &copied)
		existing[name] = true
	}

	experiment.NumMetrics = len(existing)

	return added, nil
}

func (f *fakeStore) PatchExperimentReadme(_ context.Context, id int64, readme string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	experiment, ok := f.experiments[id]
	if !ok {
		return storage.ErrNotFound
	}

	experiment.Readme = readme

	return nil
}

func (f *fakeStore) DeleteExperiment(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.experiments[id]; !ok {
		return storage.ErrNotFound
	}

	delete(f.experiments, id)

	for resultID, result := range f.results {
		if result.ExperimentID == id {
			delete(f.results, resultID)
		}
	}

	return nil
}

func (f *fakeStore) ListResults(_ context.Context, experimentID int64, _ bool) ([]*storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.resultsOf(experimentID), nil
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

func (f *fakeStore) CreateExperimentSet(_ context.Context, name, readme string) (*storage.ExperimentSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, set := range f.sets {
		if set.Name == name {
			return nil, fmt.Errorf("%w: experiment_sets_name_key", storage.ErrConflict)
		}
	}

	set := &storage.ExperimentSet{ID: f.id(), Name: name, Readme: readme}
	f.sets[set.ID] = set

	out := *set

	return &out, nil
}

func (f *fakeStore) GetExperimentSet(_ context.Context, id int64, withExperiments bool) (*storage.ExperimentSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := *set

	if withExperiments {
		for _, experiment := range f.experiments {
			if experiment.ExperimentSetID != nil && *experiment.ExperimentSetID == id {
				copied := *experiment
				out.Experiments = append(out.Experiments, &copied)
			}
		}

		sort.Slice(out.Experiments, func(i, j int) bool { return out.Experiments[i].ID < out.Experiments[j].ID })
	}

	return &out, nil
}

func (f *fakeStore) ListExperimentSets(_ context.Context) ([]*storage.ExperimentSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.ExperimentSet

	for _, set := range f.sets {
		copied := *set
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (f *fakeStore) UpdateExperimentSet(_ context.Context, id int64, name, readme *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[id]
	if !ok {
		return storage.ErrNotFound
	}

	if name != nil {
		if *name == "" {
			return fmt.Errorf("%w: experiment set name cannot be empty", storage.ErrSchema)
		}

		set.Name = *name
	}

	if readme != nil {
		set.Readme = *readme
	}

	return nil
}

func (f *fakeStore) DeleteExperimentSet(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sets[id]; !ok {
		return storage.ErrNotFound
	}

	delete(f.sets, id)

	for experimentID, experiment := range f.experiments {
		if experiment.ExperimentSetID != nil && *experiment.ExperimentSetID == id {
			delete(f.experiments, experimentID)
		}
	}

	return nil
}

var fakeSuffixRegex = regexp.MustCompile(`__(\d+)$`)

func (f *fakeStore) NextNameSuffix(_ context.Context, setID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sets[setID]; !ok {
		return 0, storage.ErrNotFound
	}

	next := 0

	for _, experiment := range f.experiments {
		if experiment.ExperimentSetID == nil || *experiment.ExperimentSetID != setID {
			continue
		}

		match := fakeSuffixRegex.FindStringSubmatch(experiment.Name)
		if match == nil {
			continue
		}

		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}

		if n+1 > next {
			next = n + 1
		}
	}

	return next, nil
}

func (f *fakeStore) Leaderboard(_ context.Context, _ storage.LeaderboardQuery) ([]*storage.LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.leaderboard, nil
}

// fakeDispatcher records dispatch calls instead of enqueueing tasks.
type fakeDispatcher struct {
	mu            sync.Mutex
	experimentIDs []int64
	resultIDs     []int64
	retrySetIDs   []int64
	retryPlan     *runner.RetryPlan
}

var _ Dispatcher = (*fakeDispatcher)(nil)

func (d *fakeDispatcher) DispatchExperiment(_ context.Context, experimentID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.experimentIDs = append(d.experimentIDs, experimentID)

	return nil
}

func (d *fakeDispatcher) DispatchResult(_ context.Context, resultID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resultIDs = append(d.resultIDs, resultID)

	return nil
}

func (d *fakeDispatcher) DispatchRetries(_ context.Context, setID int64) (*runner.RetryPlan, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.retrySetIDs = append(d.retrySetIDs, setID)

	if d.retryPlan != nil {
		return d.retryPlan, nil
	}

	return &runner.RetryPlan{}, nil
}

func (d *fakeDispatcher) dispatchedExperiments() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]int64, len(d.experimentIDs))
	copy(out, d.experimentIDs)

	return out
}
