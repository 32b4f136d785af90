package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

type (
	// NewExperiment carries everything needed to persist one experiment: the
	// execution record, its optional model descriptor, and one pending result
	// per requested metric. All rows are written in a single transaction.
	NewExperiment struct {
		Name            string
		Readme          string
		DatasetID       int64
		ExperimentSetID *int64
		Model           *Model
		Metrics         []string
	}

	// ExperimentView selects the denormalizations loaded with an experiment.
	ExperimentView struct {
		WithResults bool
		WithAnswers bool
		WithDataset bool
	}

	// ExperimentFilter narrows experiment listings.
	ExperimentFilter struct {
		SetID  *int64
		Orphan bool // not a member of any set
		Limit  int
	}
)

const experimentColumns = `
	id, name, COALESCE(readme, ''), experiment_status,
	dataset_id, model_id, experiment_set_id,
	num_try, num_success, num_observation_try, num_observation_success,
	num_metrics, created_at
`

// CreateExperiment persists an experiment, its optional model row and one
// pending result per metric, atomically. Metric/dataset compatibility is the
// caller's concern; nothing here dispatches tasks.
func (s *Store) CreateExperiment(ctx context.Context, spec *NewExperiment) (*Experiment, error) {
	if spec == nil || spec.Name == "" {
		return nil, fmt.Errorf("%w: experiment name cannot be empty", ErrSchema)
	}

	if len(spec.Metrics) == 0 {
		return nil, fmt.Errorf("%w: experiment requires at least one metric", ErrSchema)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var modelID *int64

	if spec.Model != nil {
		id, err := insertModel(ctx, tx, spec.Model)
		if err != nil {
			return nil, translateError(err)
		}

		modelID = &id
	}

	experiment := &Experiment{
		Name:            spec.Name,
		Readme:          spec.Readme,
		Status:          ExperimentPending,
		DatasetID:       spec.DatasetID,
		ModelID:         modelID,
		ExperimentSetID: spec.ExperimentSetID,
		NumMetrics:      len(spec.Metrics),
	}

	insertExperiment := `
		INSERT INTO experiments (name, readme, dataset_id, model_id, experiment_set_id, num_metrics)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err = tx.QueryRowContext(ctx, insertExperiment,
		experiment.Name,
		nullableString(experiment.Readme),
		experiment.DatasetID,
		experiment.ModelID,
		experiment.ExperimentSetID,
		experiment.NumMetrics,
	).Scan(&experiment.ID, &experiment.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}

	insertResult := `
		INSERT INTO results (experiment_id, metric_name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`

	for _, metric := range spec.Metrics {
		result := &Result{
			ExperimentID: experiment.ID,
			MetricName:   metric,
			Status:       ResultPending,
		}

		err := tx.QueryRowContext(ctx, insertResult, experiment.ID, metric).
			Scan(&result.ID, &result.CreatedAt)
		if err != nil {
			return nil, translateError(err)
		}

		experiment.Results = append(experiment.Results, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, translateError(err)
	}

	s.logger.Info("Created experiment",
		slog.Int64("experiment_id", experiment.ID),
		slog.String("name", experiment.Name),
		slog.Int("num_metrics", experiment.NumMetrics))

	return experiment, nil
}

// insertModel writes one model descriptor row inside the experiment
// transaction and returns its id.
func insertModel(ctx context.Context, tx *sql.Tx, model *Model) (int64, error) {
	if model.Name == "" || model.BaseURL == "" {
		return 0, fmt.Errorf("%w: model requires a name and a base URL", ErrSchema)
	}

	query := `
		INSERT INTO models (name, base_url, api_key, prompt_system, sampling_params, extra_params)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64

	err := tx.QueryRowContext(ctx, query,
		model.Name,
		model.BaseURL,
		model.APIKey,
		nullableString(model.PromptSystem),
		model.SamplingParams,
		model.ExtraParams,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

// GetExperiment fetches one experiment with the requested denormalizations.
func (s *Store) GetExperiment(ctx context.Context, id int64, view ExperimentView) (*Experiment, error) {
	query := fmt.Sprintf("SELECT %s FROM experiments WHERE id = $1", experimentColumns)

	experiment, err := scanExperiment(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if view.WithResults {
		experiment.Results, err = s.ListResults(ctx, id, true)
		if err != nil {
			return nil, err
		}
	}

	if view.WithAnswers {
		experiment.Answers, err = s.ListAnswers(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if view.WithDataset {
		experiment.Dataset, err = s.GetDataset(ctx, experiment.DatasetID, false)
		if err != nil {
			return nil, err
		}
	}

	return experiment, nil
}

// GetModel fetches one model descriptor, credential included. Only the
// worker path calls this; API serializations drop the key.
func (s *Store) GetModel(ctx context.Context, id int64) (*Model, error) {
	query := `
		SELECT id, name, base_url, api_key, COALESCE(prompt_system, ''),
		       sampling_params, extra_params, created_at
		FROM models
		WHERE id = $1
	`

	var model Model

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&model.ID, &model.Name, &model.BaseURL, &model.APIKey,
		&model.PromptSystem, &model.SamplingParams, &model.ExtraParams,
		&model.CreatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return &model, nil
}

// ListExperiments lists experiments matching the filter, newest first.
func (s *Store) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]*Experiment, error) {
	query := fmt.Sprintf("SELECT %s FROM experiments", experimentColumns)

	var (
		args  []any
		where string
	)

	switch {
	case filter.SetID != nil:
		where = " WHERE experiment_set_id = $1"
		args = append(args, *filter.SetID)
	case filter.Orphan:
		where = " WHERE experiment_set_id IS NULL"
	}

	query += where + " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var experiments []*Experiment

	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}

		experiments = append(experiments, experiment)
	}

	return experiments, rows.Err()
}

// AddMetrics appends pending results for metrics the experiment does not
// have yet and refreshes num_metrics. Already-present metrics are skipped.
func (s *Store) AddMetrics(ctx context.Context, experimentID int64, metrics []string) ([]*Result, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	insert := `
		INSERT INTO results (experiment_id, metric_name)
		VALUES ($1, $2)
		ON CONFLICT (experiment_id, metric_name) DO NOTHING
		RETURNING id, created_at
	`

	var added []*Result

	for _, metric := range metrics {
		result := &Result{
			ExperimentID: experimentID,
			MetricName:   metric,
			Status:       ResultPending,
		}

		err := tx.QueryRowContext(ctx, insert, experimentID, metric).
			Scan(&result.ID, &result.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // metric already attached
			}

			return nil, translateError(err)
		}

		added = append(added, result)
	}

	refresh := `
		UPDATE experiments
		SET num_metrics = (SELECT COUNT(*) FROM results WHERE experiment_id = $1)
		WHERE id = $1
	`

	result, err := tx.ExecContext(ctx, refresh, experimentID)
	if err != nil {
		return nil, translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, translateError(err)
	}

	return added, nil
}

// PatchExperimentReadme updates the free-text attributes of an experiment.
func (s *Store) PatchExperimentReadme(ctx context.Context, id int64, readme string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE experiments SET readme = $2 WHERE id = $1`, id, nullableString(readme))
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteExperiment removes an experiment; answers, results and observations
// go with it by cascade.
func (s *Store) DeleteExperiment(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	s.logger.Info("Deleted experiment", slog.Int64("experiment_id", id))

	return nil
}

// UpdateExperimentStatus moves an experiment to the given status.
func (s *Store) UpdateExperimentStatus(ctx context.Context, id int64, status string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE experiments SET experiment_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// FinishExperiment marks the experiment finished and forces every owning
// result to its terminal status, regardless of per-row failures.
func (s *Store) FinishExperiment(ctx context.Context, id int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE experiments SET experiment_status = $2 WHERE id = $1`, id, ExperimentFinished)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE results SET metric_status = $2 WHERE experiment_id = $1`, id, ResultFinished)
	if err != nil {
		return translateError(err)
	}

	if err := tx.Commit(); err != nil {
		return translateError(err)
	}

	s.logger.Info("Finished experiment", slog.Int64("experiment_id", id))

	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*Experiment, error) {
	var experiment Experiment

	err := row.Scan(
		&experiment.ID, &experiment.Name, &experiment.Readme, &experiment.Status,
		&experiment.DatasetID, &experiment.ModelID, &experiment.ExperimentSetID,
		&experiment.NumTry, &experiment.NumSuccess,
		&experiment.NumObservationTry, &experiment.NumObservationSuccess,
		&experiment.NumMetrics, &experiment.CreatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return &experiment, nil
}
