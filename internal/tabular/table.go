// Package tabular parses and serves the serialized tabular payload of a
// dataset.
//
// Two JSON orientations are accepted: a record orientation (an array of row
// objects) and a column orientation (an object mapping column name to an
// object keyed by stringified row index). Both correspond to the common
// dataframe serialization formats producers use.
package tabular

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Well-known column names the engine cares about. Everything else is opaque
// payload handed to metrics.
const (
	ColumnQuery      = "query"
	ColumnOutput     = "output"
	ColumnOutputTrue = "output_true"
)

var (
	// ErrEmptyPayload is returned when the payload contains no rows.
	ErrEmptyPayload = errors.New("dataset payload contains no rows")

	// ErrUnknownOrientation is returned when the payload is neither a record
	// array nor a column-oriented object.
	ErrUnknownOrientation = errors.New("dataset payload is not a readable table")

	// ErrRaggedColumns is returned when column-oriented payloads have columns
	// of different lengths.
	ErrRaggedColumns = errors.New("dataset payload has columns of different lengths")

	// ErrRowOutOfRange is returned when a row index is outside [0, size).
	ErrRowOutOfRange = errors.New("row index out of range")
)

// Table is an immutable, row-addressable view over a dataset payload.
type Table struct {
	columns []string
	rows    []map[string]any
}

// Parse decodes a serialized tabular payload into a Table.
func Parse(raw []byte) (*Table, error) {
	if records, err := parseRecords(raw); err == nil {
		return records, nil
	}

	return parseColumns(raw)
}

// parseRecords decodes the record orientation: [{"query": …, "output": …}, …].
func parseRecords(raw []byte) (*Table, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownOrientation, err)
	}

	if len(rows) == 0 {
		return nil, ErrEmptyPayload
	}

	columnSet := make(map[string]bool)
	for _, row := range rows {
		for column := range row {
			columnSet[column] = true
		}
	}

	return &Table{columns: sortedKeys(columnSet), rows: rows}, nil
}

// parseColumns decodes the column orientation: {"query": {"0": …, "1": …}, …}.
func parseColumns(raw []byte) (*Table, error) {
	var columns map[string]map[string]any
	if err := json.Unmarshal(raw, &columns); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownOrientation, err)
	}

	if len(columns) == 0 {
		return nil, ErrEmptyPayload
	}

	size := -1

	for column, cells := range columns {
		if size == -1 {
			size = len(cells)
		} else if len(cells) != size {
			return nil, fmt.Errorf("%w: column %q", ErrRaggedColumns, column)
		}
	}

	if size == 0 {
		return nil, ErrEmptyPayload
	}

	rows := make([]map[string]any, size)
	for i := range rows {
		rows[i] = make(map[string]any, len(columns))
	}

	for column, cells := range columns {
		for key, value := range cells {
			index, err := strconv.Atoi(key)
			if err != nil || index < 0 || index >= size {
				return nil, fmt.Errorf("%w: column %q has invalid row key %q", ErrUnknownOrientation, column, key)
			}

			rows[index][column] = value
		}
	}

	columnSet := make(map[string]bool, len(columns))
	for column := range columns {
		columnSet[column] = true
	}

	return &Table{columns: sortedKeys(columnSet), rows: rows}, nil
}

// Size returns the number of rows.
func (t *Table) Size() int {
	return len(t.rows)
}

// Columns returns the column names in deterministic (sorted) order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)

	return out
}

// HasColumn reports whether the table contains the named column.
func (t *Table) HasColumn(name string) bool {
	for _, column := range t.columns {
		if column == name {
			return true
		}
	}

	return false
}

// Row returns the row at the given 0-based index.
func (t *Table) Row(index int) (map[string]any, error) {
	if index < 0 || index >= len(t.rows) {
		return nil, fmt.Errorf("%w: %d (size %d)", ErrRowOutOfRange, index, len(t.rows))
	}

	return t.rows[index], nil
}

// Field returns the string rendering of one cell and whether the cell is
// present and non-null. Scalar values render naturally; composite values
// render as compact JSON.
func (t *Table) Field(index int, column string) (string, bool) {
	if index < 0 || index >= len(t.rows) {
		return "", false
	}

	value, ok := t.rows[index][column]
	if !ok || value == nil {
		return "", false
	}

	return renderCell(value), true
}

// renderCell formats a decoded JSON value for prompt and metric consumption.
func renderCell(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(encoded)
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
