package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
)

// Generated experiment names end in a double-underscore numeric suffix.
var nameSuffixRegex = regexp.MustCompile(`__(\d+)$`)

// CreateExperimentSet persists an empty set. Member experiments are created
// afterwards, each carrying the set id.
func (s *Store) CreateExperimentSet(ctx context.Context, name, readme string) (*ExperimentSet, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: experiment set name cannot be empty", ErrSchema)
	}

	set := &ExperimentSet{Name: name, Readme: readme}

	query := `
		INSERT INTO experiment_sets (name, readme)
		VALUES ($1, $2)
		RETURNING id, created_at
	`

	err := s.conn.QueryRowContext(ctx, query, name, nullableString(readme)).
		Scan(&set.ID, &set.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}

	s.logger.Info("Created experiment set",
		slog.Int64("experiment_set_id", set.ID),
		slog.String("name", set.Name))

	return set, nil
}

// GetExperimentSet fetches one set, optionally with its member experiments.
func (s *Store) GetExperimentSet(ctx context.Context, id int64, withExperiments bool) (*ExperimentSet, error) {
	query := `
		SELECT id, name, COALESCE(readme, ''), created_at
		FROM experiment_sets
		WHERE id = $1
	`

	var set ExperimentSet

	err := s.conn.QueryRowContext(ctx, query, id).
		Scan(&set.ID, &set.Name, &set.Readme, &set.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}

	if withExperiments {
		set.Experiments, err = s.ListExperiments(ctx, ExperimentFilter{SetID: &set.ID})
		if err != nil {
			return nil, err
		}
	}

	return &set, nil
}

// ListExperimentSets returns all sets, newest first, without members.
func (s *Store) ListExperimentSets(ctx context.Context) ([]*ExperimentSet, error) {
	query := `
		SELECT id, name, COALESCE(readme, ''), created_at
		FROM experiment_sets
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var sets []*ExperimentSet

	for rows.Next() {
		var set ExperimentSet

		if err := rows.Scan(&set.ID, &set.Name, &set.Readme, &set.CreatedAt); err != nil {
			return nil, translateError(err)
		}

		sets = append(sets, &set)
	}

	return sets, rows.Err()
}

// UpdateExperimentSet renames a set or updates its readme.
func (s *Store) UpdateExperimentSet(ctx context.Context, id int64, name, readme *string) error {
	if name == nil && readme == nil {
		return nil
	}

	if name != nil && *name == "" {
		return fmt.Errorf("%w: experiment set name cannot be empty", ErrSchema)
	}

	query := `
		UPDATE experiment_sets
		SET name = COALESCE($2, name), readme = COALESCE($3, readme)
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, id, name, readme)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteExperimentSet removes a set; its experiments and everything they own
// go with it by cascade.
func (s *Store) DeleteExperimentSet(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM experiment_sets WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	s.logger.Info("Deleted experiment set", slog.Int64("experiment_set_id", id))

	return nil
}

// NextNameSuffix returns the next free numeric suffix for generated
// experiment names within a set: max existing suffix + 1. Gaps left by
// deletions are never reused, so appended names cannot collide.
func (s *Store) NextNameSuffix(ctx context.Context, setID int64) (int, error) {
	query := `SELECT name FROM experiments WHERE experiment_set_id = $1`

	rows, err := s.conn.QueryContext(ctx, query, setID)
	if err != nil {
		return 0, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	next := 0

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, translateError(err)
		}

		matches := nameSuffixRegex.FindStringSubmatch(name)
		if matches == nil {
			continue
		}

		suffix, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		if suffix+1 > next {
			next = suffix + 1
		}
	}

	return next, rows.Err()
}
