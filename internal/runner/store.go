package runner

import (
	"context"

	"github.com/evalbench-io/evalbench/internal/storage"
	"github.com/evalbench-io/evalbench/internal/tabular"
)

// Store is the persistence surface the execution engine needs. Declared on
// the consumer side so the dispatcher, workers and lifecycle controller can
// be exercised against a fake in unit tests.
type Store interface {
	GetExperiment(ctx context.Context, id int64, view storage.ExperimentView) (*storage.Experiment, error)
	GetModel(ctx context.Context, id int64) (*storage.Model, error)
	DatasetTable(ctx context.Context, datasetID int64) (*tabular.Table, error)

	ListExperiments(ctx context.Context, filter storage.ExperimentFilter) ([]*storage.Experiment, error)
	ListResults(ctx context.Context, experimentID int64, withObservations bool) ([]*storage.Result, error)
	GetResult(ctx context.Context, id int64) (*storage.Result, error)
	GetAnswer(ctx context.Context, experimentID int64, numLine int) (*storage.Answer, error)

	UpsertAnswer(ctx context.Context, experimentID int64, numLine int, patch *storage.AnswerPatch) (*storage.Answer, error)
	UpsertObservation(ctx context.Context, resultID int64, numLine int, patch *storage.ObservationPatch) (*storage.Observation, error)

	IncrementAnswerCounters(ctx context.Context, experimentID int64, success bool) (storage.Counters, error)
	IncrementObservationCounters(ctx context.Context, resultID int64, success bool) (storage.Counters, error)
	ReconcileAnswerCounters(ctx context.Context, experimentID int64) ([]int, error)
	ReconcileObservationCounters(ctx context.Context, resultID int64) ([]int, error)

	UpdateExperimentStatus(ctx context.Context, id int64, status string) error
	UpdateResultStatus(ctx context.Context, id int64, status string) error
	FinishExperiment(ctx context.Context, id int64) error
	UnfinishedResultCount(ctx context.Context, experimentID int64) (int, error)
}

// Compile-time assertion that the PostgreSQL store satisfies the engine's
// interface.
var _ Store = (*storage.Store)(nil)
