package storage

import (
	"context"
)

// Counters is a (num_try, num_success) pair returned by the atomic increment
// statements. The lifecycle controller compares NumTry against the dataset
// size to detect phase completion; reading the values from the UPDATE itself
// keeps the decision crash-safe and free of read-modify-write races.
type Counters struct {
	NumTry     int
	NumSuccess int
}

// IncrementAnswerCounters bumps the answer-phase counters of an experiment
// after an upsert: num_try always, num_success only on success. Returns the
// post-increment values.
func (s *Store) IncrementAnswerCounters(ctx context.Context, experimentID int64, success bool) (Counters, error) {
	query := `
		UPDATE experiments
		SET num_try     = num_try + 1,
		    num_success = num_success + CASE WHEN $2 THEN 1 ELSE 0 END
		WHERE id = $1
		RETURNING num_try, num_success
	`

	var counters Counters

	err := s.conn.QueryRowContext(ctx, query, experimentID, success).
		Scan(&counters.NumTry, &counters.NumSuccess)
	if err != nil {
		return Counters{}, translateError(err)
	}

	return counters, nil
}

// IncrementObservationCounters bumps the counters of a result and, in the
// same transaction, the aggregated observation counters of its experiment.
// Returns the post-increment result counters.
func (s *Store) IncrementObservationCounters(ctx context.Context, resultID int64, success bool) (Counters, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Counters{}, translateError(err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	resultUpdate := `
		UPDATE results
		SET num_try     = num_try + 1,
		    num_success = num_success + CASE WHEN $2 THEN 1 ELSE 0 END
		WHERE id = $1
		RETURNING num_try, num_success, experiment_id
	`

	var (
		counters     Counters
		experimentID int64
	)

	err = tx.QueryRowContext(ctx, resultUpdate, resultID, success).
		Scan(&counters.NumTry, &counters.NumSuccess, &experimentID)
	if err != nil {
		return Counters{}, translateError(err)
	}

	experimentUpdate := `
		UPDATE experiments
		SET num_observation_try     = num_observation_try + 1,
		    num_observation_success = num_observation_success + CASE WHEN $2 THEN 1 ELSE 0 END
		WHERE id = $1
	`

	if _, err := tx.ExecContext(ctx, experimentUpdate, experimentID, success); err != nil {
		return Counters{}, translateError(err)
	}

	if err := tx.Commit(); err != nil {
		return Counters{}, translateError(err)
	}

	return counters, nil
}

// ReconcileAnswerCounters resets the answer-phase counters of an experiment
// to the count of rows that already succeeded, and returns those row
// indexes. Called at dispatch so that num_try == dataset.size remains the
// completion condition for fresh runs and retries alike.
func (s *Store) ReconcileAnswerCounters(ctx context.Context, experimentID int64) ([]int, error) {
	lines, err := s.SuccessfulAnswerLines(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE experiments
		SET num_try = $2, num_success = $2
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, experimentID, len(lines))
	if err != nil {
		return nil, translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}

	return lines, nil
}

// ReconcileObservationCounters resets the counters of a result to the count
// of rows that already succeeded and recomputes the experiment's aggregated
// observation counters from all its results, atomically. Returns the row
// indexes already done for this result.
func (s *Store) ReconcileObservationCounters(ctx context.Context, resultID int64) ([]int, error) {
	lines, err := s.SuccessfulObservationLines(ctx, resultID)
	if err != nil {
		return nil, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	resultUpdate := `
		UPDATE results
		SET num_try = $2, num_success = $2
		WHERE id = $1
		RETURNING experiment_id
	`

	var experimentID int64

	err = tx.QueryRowContext(ctx, resultUpdate, resultID, len(lines)).Scan(&experimentID)
	if err != nil {
		return nil, translateError(err)
	}

	aggregate := `
		UPDATE experiments
		SET num_observation_try     = agg.try,
		    num_observation_success = agg.success
		FROM (
			SELECT COALESCE(SUM(num_try), 0) AS try, COALESCE(SUM(num_success), 0) AS success
			FROM results
			WHERE experiment_id = $1
		) AS agg
		WHERE experiments.id = $1
	`

	if _, err := tx.ExecContext(ctx, aggregate, experimentID); err != nil {
		return nil, translateError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, translateError(err)
	}

	return lines, nil
}
