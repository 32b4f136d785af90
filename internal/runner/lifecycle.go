package runner

import (
	"context"
	"log/slog"
	"os"

	"github.com/evalbench-io/evalbench/internal/config"
	"github.com/evalbench-io/evalbench/internal/storage"
)

// Lifecycle drives the status transitions of experiments and results. It is
// signaled through the counter values the increment statements return, never
// through in-memory events, so the transitions stay correct across restarts:
// whichever worker lands the final increment performs the handoff.
type Lifecycle struct {
	store      Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewLifecycle wires a lifecycle controller.
func NewLifecycle(store Store, dispatcher *Dispatcher) *Lifecycle {
	return &Lifecycle{
		store:      store,
		dispatcher: dispatcher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// OnAnswerUpserted runs after every answer upsert with the post-increment
// experiment counters. When the try counter reaches the dataset size the
// answer phase is over and the observation phase is dispatched.
func (l *Lifecycle) OnAnswerUpserted(ctx context.Context, experimentID int64, counters storage.Counters) error {
	experiment, err := l.store.GetExperiment(ctx, experimentID, storage.ExperimentView{WithDataset: true})
	if err != nil {
		return err
	}

	if counters.NumTry < experiment.Dataset.Size {
		return nil
	}

	l.logger.Info("Answer phase complete",
		slog.Int64("experiment_id", experimentID),
		slog.Int("num_try", counters.NumTry),
		slog.Int("num_success", counters.NumSuccess))

	return l.dispatcher.DispatchObservations(ctx, experiment)
}

// OnObservationUpserted runs after every observation upsert with the
// post-increment result counters. When the result's try counter reaches the
// dataset size the result is finished; when no unfinished result remains the
// experiment is finished and every result is forced terminal.
func (l *Lifecycle) OnObservationUpserted(ctx context.Context, experimentID, resultID int64, counters storage.Counters) error {
	experiment, err := l.store.GetExperiment(ctx, experimentID, storage.ExperimentView{WithDataset: true})
	if err != nil {
		return err
	}

	if counters.NumTry < experiment.Dataset.Size {
		return nil
	}

	if err := l.store.UpdateResultStatus(ctx, resultID, storage.ResultFinished); err != nil {
		return err
	}

	remaining, err := l.store.UnfinishedResultCount(ctx, experimentID)
	if err != nil {
		return err
	}

	if remaining > 0 {
		return nil
	}

	l.logger.Info("Observation phase complete", slog.Int64("experiment_id", experimentID))

	return l.store.FinishExperiment(ctx, experimentID)
}
