package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/evalbench-io/evalbench/internal/config"
)

// testPayload is a three-row dataset with query and output_true columns.
const testPayload = `[
	{"query": "capital of France?", "output_true": "Paris"},
	{"query": "capital of Italy?", "output_true": "Rome"},
	{"query": "capital of Spain?", "output_true": "Madrid"}
]`

func setupStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewStore(NewConnectionFromDB(testDB.Connection))
	require.NoError(t, err, "Failed to create store")

	return store
}

func createTestDataset(t *testing.T, store *Store, name string) *Dataset {
	t.Helper()

	dataset, err := store.CreateDataset(context.Background(), name, "", json.RawMessage(testPayload))
	require.NoError(t, err, "Failed to create dataset")

	return dataset
}

func createTestExperiment(t *testing.T, store *Store, name string, datasetID int64, setID *int64) *Experiment {
	t.Helper()

	experiment, err := store.CreateExperiment(context.Background(), &NewExperiment{
		Name:            name,
		DatasetID:       datasetID,
		ExperimentSetID: setID,
		Model: &Model{
			Name:    "test-model",
			BaseURL: "http://localhost:9999/v1",
			APIKey:  "test-key",
		},
		Metrics: []string{"exact_match"},
	})
	require.NoError(t, err, "Failed to create experiment")

	return experiment
}

func TestDatasetLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")
	require.True(t, dataset.HasQuery)
	require.False(t, dataset.HasOutput)
	require.True(t, dataset.HasOutputTrue)
	require.Equal(t, 3, dataset.Size)

	t.Run("payload round trip", func(t *testing.T) {
		fetched, err := store.GetDataset(ctx, dataset.ID, true)
		require.NoError(t, err)
		require.JSONEq(t, testPayload, string(fetched.DF))
	})

	t.Run("list omits payload", func(t *testing.T) {
		datasets, err := store.ListDatasets(ctx)
		require.NoError(t, err)
		require.Len(t, datasets, 1)
		require.Nil(t, datasets[0].DF)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		_, err := store.CreateDataset(ctx, "capitals", "", json.RawMessage(testPayload))
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("patch renames", func(t *testing.T) {
		newName := "capitals-v2"
		patched, err := store.PatchDataset(ctx, dataset.ID, &DatasetPatch{Name: &newName})
		require.NoError(t, err)
		require.Equal(t, newName, patched.Name)
		require.Equal(t, 3, patched.Size)
	})

	t.Run("delete rejected while referenced", func(t *testing.T) {
		experiment := createTestExperiment(t, store, "blocker", dataset.ID, nil)

		err := store.DeleteDataset(ctx, dataset.ID)
		require.ErrorIs(t, err, ErrSchema)
		require.Contains(t, err.Error(), "1 experiment")

		require.NoError(t, store.DeleteExperiment(ctx, experiment.ID))
		require.NoError(t, store.DeleteDataset(ctx, dataset.ID))
	})

	t.Run("missing dataset", func(t *testing.T) {
		_, err := store.GetDataset(ctx, 424242, false)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestExperimentCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")
	experiment := createTestExperiment(t, store, "run-1", dataset.ID, nil)

	require.Equal(t, ExperimentPending, experiment.Status)
	require.Equal(t, 1, experiment.NumMetrics)
	require.NotNil(t, experiment.ModelID)
	require.Len(t, experiment.Results, 1)
	require.Equal(t, "exact_match", experiment.Results[0].MetricName)

	t.Run("denormalized fetch", func(t *testing.T) {
		fetched, err := store.GetExperiment(ctx, experiment.ID, ExperimentView{
			WithResults: true,
			WithDataset: true,
		})
		require.NoError(t, err)
		require.Len(t, fetched.Results, 1)
		require.Equal(t, dataset.ID, fetched.Dataset.ID)
	})

	t.Run("model keeps credential in store", func(t *testing.T) {
		model, err := store.GetModel(ctx, *experiment.ModelID)
		require.NoError(t, err)
		require.Equal(t, "test-key", model.APIKey)
	})

	t.Run("add metrics skips existing", func(t *testing.T) {
		added, err := store.AddMetrics(ctx, experiment.ID, []string{"exact_match", "output_length"})
		require.NoError(t, err)
		require.Len(t, added, 1)
		require.Equal(t, "output_length", added[0].MetricName)

		fetched, err := store.GetExperiment(ctx, experiment.ID, ExperimentView{})
		require.NoError(t, err)
		require.Equal(t, 2, fetched.NumMetrics)
	})

	t.Run("orphan listing", func(t *testing.T) {
		experiments, err := store.ListExperiments(ctx, ExperimentFilter{Orphan: true})
		require.NoError(t, err)
		require.Len(t, experiments, 1)
	})
}

func TestUpsertAnswerIdempotence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")
	experiment := createTestExperiment(t, store, "run-1", dataset.ID, nil)

	answer := "Paris"
	execTime := 120
	patch := &AnswerPatch{
		Answer:        &answer,
		ExecutionTime: &execTime,
		Metadata:      JSONMap{"nb_tokens_completion": float64(3)},
	}

	first, err := store.UpsertAnswer(ctx, experiment.ID, 0, patch)
	require.NoError(t, err)

	second, err := store.UpsertAnswer(ctx, experiment.ID, 0, patch)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "upsert must reuse the same row")
	require.Equal(t, "Paris", *second.Answer)

	answers, err := store.ListAnswers(ctx, experiment.ID)
	require.NoError(t, err)
	require.Len(t, answers, 1)

	t.Run("overwrite marks failure", func(t *testing.T) {
		errMsg := "connection reset"
		failed, err := store.UpsertAnswer(ctx, experiment.ID, 0, &AnswerPatch{ErrorMsg: &errMsg})
		require.NoError(t, err)
		require.Equal(t, first.ID, failed.ID)
		require.Nil(t, failed.Answer)
		require.Equal(t, "connection reset", *failed.ErrorMsg)
	})
}

func TestConcurrentUpsertSafety(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")
	experiment := createTestExperiment(t, store, "run-1", dataset.ID, nil)

	const writers = 8

	var wg sync.WaitGroup

	errs := make(chan error, writers)

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			answer := fmt.Sprintf("answer-%d", i)

			_, err := store.UpsertAnswer(ctx, experiment.ID, 0, &AnswerPatch{Answer: &answer})
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err, "concurrent upsert must not surface constraint violations")
	}

	answers, err := store.ListAnswers(ctx, experiment.ID)
	require.NoError(t, err)
	require.Len(t, answers, 1, "exactly one row must exist after concurrent upserts")
	require.NotNil(t, answers[0].Answer)
}

func TestCounterProtocol(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")
	experiment := createTestExperiment(t, store, "run-1", dataset.ID, nil)
	resultID := experiment.Results[0].ID

	t.Run("answer increments", func(t *testing.T) {
		counters, err := store.IncrementAnswerCounters(ctx, experiment.ID, true)
		require.NoError(t, err)
		require.Equal(t, Counters{NumTry: 1, NumSuccess: 1}, counters)

		counters, err = store.IncrementAnswerCounters(ctx, experiment.ID, false)
		require.NoError(t, err)
		require.Equal(t, Counters{NumTry: 2, NumSuccess: 1}, counters)
	})

	t.Run("observation increments aggregate onto the experiment", func(t *testing.T) {
		counters, err := store.IncrementObservationCounters(ctx, resultID, true)
		require.NoError(t, err)
		require.Equal(t, Counters{NumTry: 1, NumSuccess: 1}, counters)

		fetched, err := store.GetExperiment(ctx, experiment.ID, ExperimentView{})
		require.NoError(t, err)
		require.Equal(t, 1, fetched.NumObservationTry)
		require.Equal(t, 1, fetched.NumObservationSuccess)
	})

	t.Run("answer reconciliation counts successful rows", func(t *testing.T) {
		paris := "Paris"
		errMsg := "timeout"

		_, err := store.UpsertAnswer(ctx, experiment.ID, 0, &AnswerPatch{Answer: &paris})
		require.NoError(t, err)
		_, err = store.UpsertAnswer(ctx, experiment.ID, 1, &AnswerPatch{ErrorMsg: &errMsg})
		require.NoError(t, err)

		lines, err := store.ReconcileAnswerCounters(ctx, experiment.ID)
		require.NoError(t, err)
		require.Equal(t, []int{0}, lines)

		fetched, err := store.GetExperiment(ctx, experiment.ID, ExperimentView{})
		require.NoError(t, err)
		require.Equal(t, 1, fetched.NumTry)
		require.Equal(t, 1, fetched.NumSuccess)
	})

	t.Run("observation reconciliation recomputes aggregates", func(t *testing.T) {
		score := 1.0

		_, err := store.UpsertObservation(ctx, resultID, 0, &ObservationPatch{Score: &score})
		require.NoError(t, err)

		lines, err := store.ReconcileObservationCounters(ctx, resultID)
		require.NoError(t, err)
		require.Equal(t, []int{0}, lines)

		result, err := store.GetResult(ctx, resultID)
		require.NoError(t, err)
		require.Equal(t, 1, result.NumTry)
		require.Equal(t, 1, result.NumSuccess)

		fetched, err := store.GetExperiment(ctx, experiment.ID, ExperimentView{})
		require.NoError(t, err)
		require.Equal(t, 1, fetched.NumObservationTry)
		require.Equal(t, 1, fetched.NumObservationSuccess)
	})
}

func TestCascadeDeletes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")

	set, err := store.CreateExperimentSet(ctx, "sweep", "")
	require.NoError(t, err)

	experiment := createTestExperiment(t, store, "sweep__0", dataset.ID, &set.ID)
	resultID := experiment.Results[0].ID

	answer := "Paris"
	score := 1.0

	_, err = store.UpsertAnswer(ctx, experiment.ID, 0, &AnswerPatch{Answer: &answer})
	require.NoError(t, err)
	_, err = store.UpsertObservation(ctx, resultID, 0, &ObservationPatch{Score: &score})
	require.NoError(t, err)

	require.NoError(t, store.DeleteExperimentSet(ctx, set.ID))

	_, err = store.GetExperiment(ctx, experiment.ID, ExperimentView{})
	require.ErrorIs(t, err, ErrNotFound)

	answers, err := store.ListAnswers(ctx, experiment.ID)
	require.NoError(t, err)
	require.Empty(t, answers, "answers must not survive their experiment")

	observations, err := store.ListObservations(ctx, resultID)
	require.NoError(t, err)
	require.Empty(t, observations, "observations must not survive their result")
}

func TestNextNameSuffix(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")

	set, err := store.CreateExperimentSet(ctx, "sweep", "")
	require.NoError(t, err)

	next, err := store.NextNameSuffix(ctx, set.ID)
	require.NoError(t, err)
	require.Equal(t, 0, next, "empty set starts at zero")

	// Leave a gap: suffixes 0 and 5.
	createTestExperiment(t, store, "sweep__0", dataset.ID, &set.ID)
	createTestExperiment(t, store, "sweep__5", dataset.ID, &set.ID)
	createTestExperiment(t, store, "hand-named", dataset.ID, &set.ID)

	next, err = store.NextNameSuffix(ctx, set.ID)
	require.NoError(t, err)
	require.Equal(t, 6, next, "suffix is max existing + 1, gaps are not reused")
}

func TestLeaderboard(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	dataset := createTestDataset(t, store, "capitals")

	scores := map[string]float64{"run-low": 0.3, "run-high": 0.9}

	for name, score := range scores {
		experiment := createTestExperiment(t, store, name, dataset.ID, nil)

		s := score
		_, err := store.UpsertObservation(ctx, experiment.Results[0].ID, 0, &ObservationPatch{Score: &s})
		require.NoError(t, err)
	}

	entries, err := store.Leaderboard(ctx, LeaderboardQuery{MetricName: "exact_match"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "run-high", entries[0].ExperimentName)
	require.InDelta(t, 0.9, entries[0].Score, 1e-9)
	require.Equal(t, "run-low", entries[1].ExperimentName)

	t.Run("dataset filter", func(t *testing.T) {
		entries, err := store.Leaderboard(ctx, LeaderboardQuery{
			MetricName:  "exact_match",
			DatasetName: "no-such-dataset",
		})
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}
