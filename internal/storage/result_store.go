package storage

import (
	"context"
)

const resultColumns = `
	id, experiment_id, metric_name, metric_status, num_try, num_success, created_at
`

// GetResult fetches one result row.
func (s *Store) GetResult(ctx context.Context, id int64) (*Result, error) {
	query := "SELECT " + resultColumns + " FROM results WHERE id = $1"

	return scanResult(s.conn.QueryRowContext(ctx, query, id))
}

// ListResults returns the results of an experiment in metric-name order,
// optionally with their observations.
func (s *Store) ListResults(ctx context.Context, experimentID int64, withObservations bool) ([]*Result, error) {
	query := "SELECT " + resultColumns + " FROM results WHERE experiment_id = $1 ORDER BY metric_name"

	rows, err := s.conn.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []*Result

	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}

		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}

	if withObservations {
		for _, result := range results {
			result.Observations, err = s.ListObservations(ctx, result.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	return results, nil
}

// UpdateResultStatus moves a result to the given status.
func (s *Store) UpdateResultStatus(ctx context.Context, id int64, status string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE results SET metric_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UnfinishedResultCount reports how many results of an experiment have not
// reached their terminal status yet. The lifecycle controller finishes the
// experiment when this drops to zero.
func (s *Store) UnfinishedResultCount(ctx context.Context, experimentID int64) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM results WHERE experiment_id = $1 AND metric_status <> $2`
	if err := s.conn.QueryRowContext(ctx, query, experimentID, ResultFinished).Scan(&count); err != nil {
		return 0, translateError(err)
	}

	return count, nil
}

func scanResult(row scanner) (*Result, error) {
	var result Result

	err := row.Scan(
		&result.ID, &result.ExperimentID, &result.MetricName, &result.Status,
		&result.NumTry, &result.NumSuccess, &result.CreatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return &result, nil
}
