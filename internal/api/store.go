package api

import (
	"context"
	"encoding/json"

	"github.com/evalbench-io/evalbench/internal/runner"
	"github.com/evalbench-io/evalbench/internal/storage"
)

type (
	// Store is the persistence surface the HTTP handlers consume.
	// Satisfied by *storage.Store; tests substitute an in-memory fake.
	Store interface {
		HealthCheck(ctx context.Context) error

		CreateDataset(ctx context.Context, name, readme string, payload json.RawMessage) (*storage.Dataset, error)
		GetDataset(ctx context.Context, id int64, withDF bool) (*storage.Dataset, error)
		ListDatasets(ctx context.Context) ([]*storage.Dataset, error)
		PatchDataset(ctx context.Context, id int64, patch *storage.DatasetPatch) (*storage.Dataset, error)
		DeleteDataset(ctx context.Context, id int64) error

		CreateExperiment(ctx context.Context, spec *storage.NewExperiment) (*storage.Experiment, error)
		GetExperiment(ctx context.Context, id int64, view storage.ExperimentView) (*storage.Experiment, error)
		ListExperiments(ctx context.Context, filter storage.ExperimentFilter) ([]*storage.Experiment, error)
		AddMetrics(ctx context.Context, experimentID int64, metrics []string) ([]*storage.Result, error)
		PatchExperimentReadme(ctx context.Context, id int64, readme string) error
		DeleteExperiment(ctx context.Context, id int64) error
		ListResults(ctx context.Context, experimentID int64, withObservations bool) ([]*storage.Result, error)

		CreateExperimentSet(ctx context.Context, name, readme string) (*storage.ExperimentSet, error)
		GetExperimentSet(ctx context.Context, id int64, withExperiments bool) (*storage.ExperimentSet, error)
		ListExperimentSets(ctx context.Context) ([]*storage.ExperimentSet, error)
		UpdateExperimentSet(ctx context.Context, id int64, name, readme *string) error
		DeleteExperimentSet(ctx context.Context, id int64) error
		NextNameSuffix(ctx context.Context, setID int64) (int, error)

		Leaderboard(ctx context.Context, query storage.LeaderboardQuery) ([]*storage.LeaderboardEntry, error)
	}

	// Dispatcher enqueues the work of freshly created or retried experiments.
	// Satisfied by *runner.Dispatcher.
	Dispatcher interface {
		DispatchExperiment(ctx context.Context, experimentID int64) error
		DispatchResult(ctx context.Context, resultID int64) error
		DispatchRetries(ctx context.Context, setID int64) (*runner.RetryPlan, error)
	}
)

var _ Store = (*storage.Store)(nil)

var _ Dispatcher = (*runner.Dispatcher)(nil)
