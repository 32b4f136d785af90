package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/evalbench-io/evalbench/internal/config"
	"github.com/evalbench-io/evalbench/internal/llm"
	"github.com/evalbench-io/evalbench/internal/metrics"
	"github.com/evalbench-io/evalbench/internal/storage"
	"github.com/evalbench-io/evalbench/internal/tabular"
)

// Pool is the fixed-size worker pool. Each worker runs a blocking pull loop;
// one task is one attempt. Failures inside a task become the row's error_msg
// and count as a try; they never escape the worker.
type Pool struct {
	workers   int
	store     Store
	registry  *metrics.Registry
	llmClient *llm.Client
	source    Source
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewPool wires a worker pool.
func NewPool(cfg *Config, store Store, registry *metrics.Registry, client *llm.Client, source Source, lifecycle *Lifecycle) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Pool{
		workers:   cfg.Workers,
		store:     store,
		registry:  registry,
		llmClient: client,
		source:    source,
		lifecycle: lifecycle,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run starts the workers and blocks until the context is canceled or the
// queue closes.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := range p.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.runWorker(ctx, i)
		}()
	}

	wg.Wait()

	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("worker", id))
	logger.Info("Worker started")

	for {
		task, err := p.source.Pull(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				logger.Info("Worker stopped")

				return
			}

			logger.Error("Failed to pull task", slog.String("error", err.Error()))

			continue
		}

		if err := p.process(ctx, task); err != nil {
			// Deleted experiments leave in-flight tasks behind; their upserts
			// fail quietly and the envelope is discarded.
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) {
				logger.Debug("Discarded task for vanished entity",
					slog.String("task_id", task.ID),
					slog.String("kind", task.Kind))

				continue
			}

			logger.Error("Task processing failed",
				slog.String("task_id", task.ID),
				slog.String("kind", task.Kind),
				slog.Int64("experiment_id", task.ExperimentID),
				slog.Int("num_line", task.NumLine),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) process(ctx context.Context, task Task) error {
	switch task.Kind {
	case KindAnswer:
		return p.processAnswer(ctx, task)
	case KindObservation:
		return p.processObservation(ctx, task)
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidTask, task.Kind)
	}
}

// processAnswer performs one LLM completion and records the outcome, success
// or failure, into the row's answer slot.
func (p *Pool) processAnswer(ctx context.Context, task Task) error {
	experiment, err := p.store.GetExperiment(ctx, task.ExperimentID, storage.ExperimentView{})
	if err != nil {
		return err
	}

	table, err := p.store.DatasetTable(ctx, experiment.DatasetID)
	if err != nil {
		return err
	}

	query, _ := table.Field(task.NumLine, tabular.ColumnQuery)

	started := time.Now()

	patch := &storage.AnswerPatch{}

	completion, err := p.generate(ctx, experiment, query)
	if err != nil {
		msg := err.Error()
		patch.ErrorMsg = &msg
	} else {
		patch.Answer = &completion.Text
		patch.Metadata = storage.JSONMap(completion.Metadata)
	}

	elapsed := int(time.Since(started).Milliseconds())
	patch.ExecutionTime = &elapsed

	if _, err := p.store.UpsertAnswer(ctx, task.ExperimentID, task.NumLine, patch); err != nil {
		return err
	}

	counters, err := p.store.IncrementAnswerCounters(ctx, task.ExperimentID, patch.Succeeded())
	if err != nil {
		return err
	}

	return p.lifecycle.OnAnswerUpserted(ctx, task.ExperimentID, counters)
}

func (p *Pool) generate(ctx context.Context, experiment *storage.Experiment, query string) (*llm.Completion, error) {
	if experiment.ModelID == nil {
		return nil, errors.New("experiment has no model to generate with")
	}

	model, err := p.store.GetModel(ctx, *experiment.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	return p.llmClient.Complete(ctx, &llm.Request{
		BaseURL:        model.BaseURL,
		APIKey:         model.APIKey,
		Model:          model.Name,
		System:         model.PromptSystem,
		Prompt:         query,
		SamplingParams: model.SamplingParams,
		ExtraParams:    model.ExtraParams,
	})
}

// processObservation evaluates one metric on one row and records the
// outcome into the row's observation slot.
func (p *Pool) processObservation(ctx context.Context, task Task) error {
	experiment, err := p.store.GetExperiment(ctx, task.ExperimentID, storage.ExperimentView{})
	if err != nil {
		return err
	}

	table, err := p.store.DatasetTable(ctx, experiment.DatasetID)
	if err != nil {
		return err
	}

	started := time.Now()

	patch := &storage.ObservationPatch{}

	outcome, err := p.evaluate(ctx, task, table)
	if err != nil {
		msg := err.Error()
		patch.ErrorMsg = &msg
	} else {
		patch.Score = outcome.Score
		patch.Observation = storage.JSONMap(outcome.Observation)
	}

	elapsed := int(time.Since(started).Milliseconds())
	patch.ExecutionTime = &elapsed

	if _, err := p.store.UpsertObservation(ctx, task.ResultID, task.NumLine, patch); err != nil {
		return err
	}

	counters, err := p.store.IncrementObservationCounters(ctx, task.ResultID, patch.Succeeded())
	if err != nil {
		return err
	}

	return p.lifecycle.OnObservationUpserted(ctx, task.ExperimentID, task.ResultID, counters)
}

// evaluate assembles the metric input for one row and invokes the callable.
// The output under evaluation comes from the dataset's output column when it
// has one, otherwise from the row's generated answer.
func (p *Pool) evaluate(ctx context.Context, task Task, table *tabular.Table) (*metrics.Outcome, error) {
	metric, ok := p.registry.Get(task.MetricName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", metrics.ErrUnknownMetric, task.MetricName)
	}

	input := &metrics.Input{Row: make(map[string]string)}

	for _, requirement := range metric.Require {
		switch requirement {
		case metrics.RequireQuery, metrics.RequireOutputTrue:
			if value, ok := table.Field(task.NumLine, requirement); ok {
				input.Row[requirement] = value
			}
		}
	}

	if output, ok := table.Field(task.NumLine, tabular.ColumnOutput); ok {
		input.Output = output
	} else {
		answer, err := p.store.GetAnswer(ctx, task.ExperimentID, task.NumLine)
		if err != nil {
			return nil, fmt.Errorf("no answer for row %d: %w", task.NumLine, err)
		}

		if answer.ErrorMsg != nil || answer.Answer == nil {
			return nil, fmt.Errorf("answer generation failed for row %d", task.NumLine)
		}

		input.Output = *answer.Answer
		input.Metadata = answer.Metadata
	}

	return metric.Fn(ctx, input)
}
