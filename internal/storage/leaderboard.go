package storage

import (
	"context"

	"github.com/lib/pq"
)

const defaultLeaderboardLimit = 50

type (
	// LeaderboardEntry is one ranked experiment. Score is the best (maximum)
	// observation score for the requested metric; OtherScores carries the
	// best score per additional metric of the same experiment.
	LeaderboardEntry struct {
		ExperimentID   int64              `json:"experiment_id"`
		ExperimentName string             `json:"experiment_name"`
		ModelName      string             `json:"model_name,omitempty"`
		DatasetName    string             `json:"dataset_name"`
		MetricName     string             `json:"metric_name"`
		Score          float64            `json:"score"`
		OtherScores    map[string]float64 `json:"other_scores,omitempty"`
	}

	// LeaderboardQuery narrows the ranking.
	LeaderboardQuery struct {
		MetricName  string
		DatasetName string
		Limit       int
	}
)

// Leaderboard ranks experiments by their best observation score for one
// metric, descending, optionally restricted to a dataset.
func (s *Store) Leaderboard(ctx context.Context, query LeaderboardQuery) ([]*LeaderboardEntry, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}

	main := `
		SELECT e.id, e.name, COALESCE(m.name, ''), d.name, MAX(o.score)
		FROM experiments e
		JOIN datasets d ON d.id = e.dataset_id
		LEFT JOIN models m ON m.id = e.model_id
		JOIN results r ON r.experiment_id = e.id AND r.metric_name = $1
		JOIN observations o ON o.result_id = r.id
		WHERE o.score IS NOT NULL
		  AND ($2 = '' OR d.name = $2)
		GROUP BY e.id, e.name, m.name, d.name
		ORDER BY MAX(o.score) DESC, e.id
		LIMIT $3
	`

	rows, err := s.conn.QueryContext(ctx, main, query.MetricName, query.DatasetName, limit)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var (
		entries       []*LeaderboardEntry
		experimentIDs []int64
	)

	for rows.Next() {
		entry := &LeaderboardEntry{MetricName: query.MetricName}

		err := rows.Scan(
			&entry.ExperimentID, &entry.ExperimentName,
			&entry.ModelName, &entry.DatasetName, &entry.Score,
		)
		if err != nil {
			return nil, translateError(err)
		}

		entries = append(entries, entry)
		experimentIDs = append(experimentIDs, entry.ExperimentID)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}

	if len(entries) == 0 {
		return entries, nil
	}

	others, err := s.bestScoresByMetric(ctx, experimentIDs, query.MetricName)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		entry.OtherScores = others[entry.ExperimentID]
	}

	return entries, nil
}

// bestScoresByMetric collects, per experiment, the best score of every metric
// other than the ranking one.
func (s *Store) bestScoresByMetric(ctx context.Context, experimentIDs []int64, excludeMetric string) (map[int64]map[string]float64, error) {
	query := `
		SELECT r.experiment_id, r.metric_name, MAX(o.score)
		FROM results r
		JOIN observations o ON o.result_id = r.id
		WHERE r.experiment_id = ANY($1)
		  AND r.metric_name <> $2
		  AND o.score IS NOT NULL
		GROUP BY r.experiment_id, r.metric_name
	`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(experimentIDs), excludeMetric)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	scores := make(map[int64]map[string]float64)

	for rows.Next() {
		var (
			experimentID int64
			metricName   string
			score        float64
		)

		if err := rows.Scan(&experimentID, &metricName, &score); err != nil {
			return nil, translateError(err)
		}

		if scores[experimentID] == nil {
			scores[experimentID] = make(map[string]float64)
		}

		scores[experimentID][metricName] = score
	}

	return scores, rows.Err()
}
