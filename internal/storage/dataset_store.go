package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/evalbench-io/evalbench/internal/tabular"
)

// CreateDataset validates and persists a tabular payload. The payload must
// contain at least a query column or an output column; the column flags and
// row count are derived here and never recomputed afterwards.
func (s *Store) CreateDataset(ctx context.Context, name, readme string, payload json.RawMessage) (*Dataset, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: dataset name cannot be empty", ErrSchema)
	}

	table, err := tabular.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}

	dataset := &Dataset{
		Name:          name,
		Readme:        readme,
		DF:            payload,
		HasQuery:      table.HasColumn(tabular.ColumnQuery),
		HasOutput:     table.HasColumn(tabular.ColumnOutput),
		HasOutputTrue: table.HasColumn(tabular.ColumnOutputTrue),
		Size:          table.Size(),
	}

	if !dataset.HasQuery && !dataset.HasOutput {
		return nil, fmt.Errorf("%w: dataset must contain a query or an output column", ErrSchema)
	}

	query := `
		INSERT INTO datasets (name, readme, df, has_query, has_output, has_output_true, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err = s.conn.QueryRowContext(ctx, query,
		dataset.Name,
		nullableString(dataset.Readme),
		[]byte(dataset.DF),
		dataset.HasQuery,
		dataset.HasOutput,
		dataset.HasOutputTrue,
		dataset.Size,
	).Scan(&dataset.ID, &dataset.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}

	s.logger.Info("Created dataset",
		slog.Int64("dataset_id", dataset.ID),
		slog.String("name", dataset.Name),
		slog.Int("size", dataset.Size))

	return dataset, nil
}

// GetDataset fetches one dataset. The payload is only loaded when withDF is
// set; list views and experiment denormalizations never carry it.
func (s *Store) GetDataset(ctx context.Context, id int64, withDF bool) (*Dataset, error) {
	columns := "id, name, COALESCE(readme, ''), has_query, has_output, has_output_true, size, created_at"
	if withDF {
		columns += ", df"
	}

	query := fmt.Sprintf("SELECT %s FROM datasets WHERE id = $1", columns)

	var (
		dataset Dataset
		raw     []byte
	)

	dest := []any{
		&dataset.ID, &dataset.Name, &dataset.Readme,
		&dataset.HasQuery, &dataset.HasOutput, &dataset.HasOutputTrue,
		&dataset.Size, &dataset.CreatedAt,
	}
	if withDF {
		dest = append(dest, &raw)
	}

	if err := s.conn.QueryRowContext(ctx, query, id).Scan(dest...); err != nil {
		return nil, translateError(err)
	}

	if withDF {
		dataset.DF = json.RawMessage(raw)
	}

	return &dataset, nil
}

// DatasetTable loads and parses the payload of a dataset for row access.
func (s *Store) DatasetTable(ctx context.Context, id int64) (*tabular.Table, error) {
	dataset, err := s.GetDataset(ctx, id, true)
	if err != nil {
		return nil, err
	}

	table, err := tabular.Parse(dataset.DF)
	if err != nil {
		return nil, fmt.Errorf("%w: stored payload for dataset %d: %w", ErrSchema, id, err)
	}

	return table, nil
}

// ListDatasets returns all datasets without payloads, newest first.
func (s *Store) ListDatasets(ctx context.Context) ([]*Dataset, error) {
	query := `
		SELECT id, name, COALESCE(readme, ''), has_query, has_output, has_output_true, size, created_at
		FROM datasets
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var datasets []*Dataset

	for rows.Next() {
		var dataset Dataset

		err := rows.Scan(
			&dataset.ID, &dataset.Name, &dataset.Readme,
			&dataset.HasQuery, &dataset.HasOutput, &dataset.HasOutputTrue,
			&dataset.Size, &dataset.CreatedAt,
		)
		if err != nil {
			return nil, translateError(err)
		}

		datasets = append(datasets, &dataset)
	}

	return datasets, rows.Err()
}

// PatchDataset renames a dataset or updates its readme. The payload and the
// derived flags are immutable.
func (s *Store) PatchDataset(ctx context.Context, id int64, patch *DatasetPatch) (*Dataset, error) {
	if patch == nil || (patch.Name == nil && patch.Readme == nil) {
		return s.GetDataset(ctx, id, false)
	}

	if patch.Name != nil && *patch.Name == "" {
		return nil, fmt.Errorf("%w: dataset name cannot be empty", ErrSchema)
	}

	query := `
		UPDATE datasets
		SET name = COALESCE($2, name), readme = COALESCE($3, readme)
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, id, patch.Name, patch.Readme)
	if err != nil {
		return nil, translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetDataset(ctx, id, false)
}

// DeleteDataset removes a dataset unless any experiment references it. The
// rejection carries the number of linked experiments.
func (s *Store) DeleteDataset(ctx context.Context, id int64) error {
	var linked int

	countQuery := `SELECT COUNT(*) FROM experiments WHERE dataset_id = $1`
	if err := s.conn.QueryRowContext(ctx, countQuery, id).Scan(&linked); err != nil {
		return translateError(err)
	}

	if linked > 0 {
		return fmt.Errorf("%w: dataset is referenced by %d experiment(s)", ErrSchema, linked)
	}

	result, err := s.conn.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	s.logger.Info("Deleted dataset", slog.Int64("dataset_id", id))

	return nil
}

// nullableString maps "" to NULL for optional text columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
