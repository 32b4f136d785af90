package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/evalbench-io/evalbench/internal/config"
	"github.com/evalbench-io/evalbench/internal/metrics"
	"github.com/evalbench-io/evalbench/internal/storage"
)

// Dispatcher enumerates the pending rows of an experiment phase and enqueues
// one task per row. It owns the phase-selection predicate and the status
// transitions that accompany dispatch.
type Dispatcher struct {
	store    Store
	registry *metrics.Registry
	sink     Sink
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(store Store, registry *metrics.Registry, sink Sink) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		sink:     sink,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// DispatchExperiment starts or restarts an experiment: answer phase when any
// requested metric needs an output the dataset does not carry, observation
// phase otherwise.
func (d *Dispatcher) DispatchExperiment(ctx context.Context, experimentID int64) error {
	experiment, err := d.store.GetExperiment(ctx, experimentID, storage.ExperimentView{
		WithResults: true,
		WithDataset: true,
	})
	if err != nil {
		return err
	}

	needsGeneration, err := d.registry.NeedsGeneration(metricNames(experiment.Results), experiment.Dataset.HasOutput)
	if err != nil {
		return err
	}

	if needsGeneration {
		return d.DispatchAnswers(ctx, experiment)
	}

	return d.DispatchObservations(ctx, experiment)
}

// DispatchAnswers reconciles the answer counters, moves the experiment to
// running_answers and enqueues one answer task per row without a successful
// answer. When every row already succeeded, it hands straight over to the
// observation phase.
func (d *Dispatcher) DispatchAnswers(ctx context.Context, experiment *storage.Experiment) error {
	size := experiment.Dataset.Size

	done, err := d.store.ReconcileAnswerCounters(ctx, experiment.ID)
	if err != nil {
		return err
	}

	if len(done) == size {
		return d.DispatchObservations(ctx, experiment)
	}

	if err := d.store.UpdateExperimentStatus(ctx, experiment.ID, storage.ExperimentRunningAnswers); err != nil {
		return err
	}

	enqueued := 0

	for _, line := range missingLines(size, done) {
		if err := d.sink.Push(ctx, NewAnswerTask(experiment.ID, line)); err != nil {
			return fmt.Errorf("failed to enqueue answer task for line %d: %w", line, err)
		}

		enqueued++
	}

	d.logger.Info("Dispatched answer phase",
		slog.Int64("experiment_id", experiment.ID),
		slog.Int("enqueued", enqueued),
		slog.Int("already_done", len(done)))

	return nil
}

// DispatchObservations reconciles every result, moves the experiment to
// running_metrics and enqueues one observation task per missing row of each
// unfinished result. Results that are already complete are finished on the
// spot; an experiment with no remaining work is finished immediately.
func (d *Dispatcher) DispatchObservations(ctx context.Context, experiment *storage.Experiment) error {
	size := experiment.Dataset.Size

	if err := d.store.UpdateExperimentStatus(ctx, experiment.ID, storage.ExperimentRunningMetrics); err != nil {
		return err
	}

	results, err := d.store.ListResults(ctx, experiment.ID, false)
	if err != nil {
		return err
	}

	enqueued := 0

	for _, result := range results {
		pending, err := d.dispatchResult(ctx, experiment.ID, result, size)
		if err != nil {
			return err
		}

		enqueued += pending
	}

	remaining, err := d.store.UnfinishedResultCount(ctx, experiment.ID)
	if err != nil {
		return err
	}

	if remaining == 0 {
		if err := d.store.FinishExperiment(ctx, experiment.ID); err != nil {
			return err
		}
	}

	d.logger.Info("Dispatched observation phase",
		slog.Int64("experiment_id", experiment.ID),
		slog.Int("results", len(results)),
		slog.Int("enqueued", enqueued))

	return nil
}

// DispatchResult redispatches the missing rows of a single result. Used by
// the retry planner for experiments whose answer phase is intact.
func (d *Dispatcher) DispatchResult(ctx context.Context, resultID int64) error {
	result, err := d.store.GetResult(ctx, resultID)
	if err != nil {
		return err
	}

	experiment, err := d.store.GetExperiment(ctx, result.ExperimentID, storage.ExperimentView{WithDataset: true})
	if err != nil {
		return err
	}

	if err := d.store.UpdateExperimentStatus(ctx, experiment.ID, storage.ExperimentRunningMetrics); err != nil {
		return err
	}

	if _, err := d.dispatchResult(ctx, experiment.ID, result, experiment.Dataset.Size); err != nil {
		return err
	}

	return nil
}

// dispatchResult reconciles one result and enqueues its missing rows.
// Returns the number of tasks enqueued.
func (d *Dispatcher) dispatchResult(ctx context.Context, experimentID int64, result *storage.Result, size int) (int, error) {
	done, err := d.store.ReconcileObservationCounters(ctx, result.ID)
	if err != nil {
		return 0, err
	}

	if len(done) == size {
		return 0, d.store.UpdateResultStatus(ctx, result.ID, storage.ResultFinished)
	}

	if err := d.store.UpdateResultStatus(ctx, result.ID, storage.ResultRunning); err != nil {
		return 0, err
	}

	enqueued := 0

	for _, line := range missingLines(size, done) {
		task := NewObservationTask(experimentID, line, result.ID, result.MetricName)
		if err := d.sink.Push(ctx, task); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue observation task for line %d: %w", line, err)
		}

		enqueued++
	}

	return enqueued, nil
}

// missingLines returns [0, size) minus the done set, ascending.
func missingLines(size int, done []int) []int {
	doneSet := make(map[int]bool, len(done))
	for _, line := range done {
		doneSet[line] = true
	}

	var missing []int

	for line := range size {
		if !doneSet[line] {
			missing = append(missing, line)
		}
	}

	return missing
}

func metricNames(results []*storage.Result) []string {
	names := make([]string, 0, len(results))
	for _, result := range results {
		names = append(names, result.MetricName)
	}

	return names
}
