package storage

import (
	"context"
)

// UpsertAnswer inserts or overwrites the answer slot for one (experiment,
// row). A single INSERT ... ON CONFLICT statement keeps concurrent upserts of
// the same key serialized by the unique constraint: exactly one row exists
// afterwards and its fields are the last writer's.
func (s *Store) UpsertAnswer(ctx context.Context, experimentID int64, numLine int, patch *AnswerPatch) (*Answer, error) {
	query := `
		INSERT INTO answers (experiment_id, num_line, answer, error_msg, execution_time, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (experiment_id, num_line) DO UPDATE SET
			answer         = EXCLUDED.answer,
			error_msg      = EXCLUDED.error_msg,
			execution_time = EXCLUDED.execution_time,
			metadata       = EXCLUDED.metadata,
			updated_at     = NOW()
		RETURNING id, experiment_id, num_line, answer, error_msg, execution_time, metadata, created_at, updated_at
	`

	var answer Answer

	err := s.conn.QueryRowContext(ctx, query,
		experimentID, numLine,
		patch.Answer, patch.ErrorMsg, patch.ExecutionTime, patch.Metadata,
	).Scan(
		&answer.ID, &answer.ExperimentID, &answer.NumLine,
		&answer.Answer, &answer.ErrorMsg, &answer.ExecutionTime, &answer.Metadata,
		&answer.CreatedAt, &answer.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return &answer, nil
}

// UpsertObservation inserts or overwrites the observation slot for one
// (result, row), with the same contract as UpsertAnswer.
func (s *Store) UpsertObservation(ctx context.Context, resultID int64, numLine int, patch *ObservationPatch) (*Observation, error) {
	query := `
		INSERT INTO observations (result_id, num_line, score, observation, error_msg, execution_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (result_id, num_line) DO UPDATE SET
			score          = EXCLUDED.score,
			observation    = EXCLUDED.observation,
			error_msg      = EXCLUDED.error_msg,
			execution_time = EXCLUDED.execution_time,
			updated_at     = NOW()
		RETURNING id, result_id, num_line, score, observation, error_msg, execution_time, created_at, updated_at
	`

	var observation Observation

	err := s.conn.QueryRowContext(ctx, query,
		resultID, numLine,
		patch.Score, patch.Observation, patch.ErrorMsg, patch.ExecutionTime,
	).Scan(
		&observation.ID, &observation.ResultID, &observation.NumLine,
		&observation.Score, &observation.Observation, &observation.ErrorMsg,
		&observation.ExecutionTime, &observation.CreatedAt, &observation.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return &observation, nil
}

// GetAnswer fetches the answer slot for one (experiment, row).
func (s *Store) GetAnswer(ctx context.Context, experimentID int64, numLine int) (*Answer, error) {
	query := `
		SELECT id, experiment_id, num_line, answer, error_msg, execution_time, metadata, created_at, updated_at
		FROM answers
		WHERE experiment_id = $1 AND num_line = $2
	`

	var answer Answer

	err := s.conn.QueryRowContext(ctx, query, experimentID, numLine).Scan(
		&answer.ID, &answer.ExperimentID, &answer.NumLine,
		&answer.Answer, &answer.ErrorMsg, &answer.ExecutionTime, &answer.Metadata,
		&answer.CreatedAt, &answer.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return &answer, nil
}

// ListAnswers returns the answers of an experiment in row order.
func (s *Store) ListAnswers(ctx context.Context, experimentID int64) ([]*Answer, error) {
	query := `
		SELECT id, experiment_id, num_line, answer, error_msg, execution_time, metadata, created_at, updated_at
		FROM answers
		WHERE experiment_id = $1
		ORDER BY num_line
	`

	rows, err := s.conn.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var answers []*Answer

	for rows.Next() {
		var answer Answer

		err := rows.Scan(
			&answer.ID, &answer.ExperimentID, &answer.NumLine,
			&answer.Answer, &answer.ErrorMsg, &answer.ExecutionTime, &answer.Metadata,
			&answer.CreatedAt, &answer.UpdatedAt,
		)
		if err != nil {
			return nil, translateError(err)
		}

		answers = append(answers, &answer)
	}

	return answers, rows.Err()
}

// ListObservations returns the observations of a result in row order.
func (s *Store) ListObservations(ctx context.Context, resultID int64) ([]*Observation, error) {
	query := `
		SELECT id, result_id, num_line, score, observation, error_msg, execution_time, created_at, updated_at
		FROM observations
		WHERE result_id = $1
		ORDER BY num_line
	`

	rows, err := s.conn.QueryContext(ctx, query, resultID)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var observations []*Observation

	for rows.Next() {
		var observation Observation

		err := rows.Scan(
			&observation.ID, &observation.ResultID, &observation.NumLine,
			&observation.Score, &observation.Observation, &observation.ErrorMsg,
			&observation.ExecutionTime, &observation.CreatedAt, &observation.UpdatedAt,
		)
		if err != nil {
			return nil, translateError(err)
		}

		observations = append(observations, &observation)
	}

	return observations, rows.Err()
}

// SuccessfulAnswerLines returns the row indexes whose answer attempt
// succeeded. The dispatcher enqueues everything outside this set.
func (s *Store) SuccessfulAnswerLines(ctx context.Context, experimentID int64) ([]int, error) {
	query := `
		SELECT num_line FROM answers
		WHERE experiment_id = $1 AND error_msg IS NULL AND answer IS NOT NULL
		ORDER BY num_line
	`

	return s.queryLines(ctx, query, experimentID)
}

// SuccessfulObservationLines returns the row indexes whose observation
// attempt succeeded for one result.
func (s *Store) SuccessfulObservationLines(ctx context.Context, resultID int64) ([]int, error) {
	query := `
		SELECT num_line FROM observations
		WHERE result_id = $1 AND error_msg IS NULL
		ORDER BY num_line
	`

	return s.queryLines(ctx, query, resultID)
}

func (s *Store) queryLines(ctx context.Context, query string, id int64) ([]int, error) {
	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var lines []int

	for rows.Next() {
		var line int
		if err := rows.Scan(&line); err != nil {
			return nil, translateError(err)
		}

		lines = append(lines, line)
	}

	return lines, rows.Err()
}
