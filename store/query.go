package store

import (
	"context"
	"fmt"
	"strings"
)

// Table is a materialized query result.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Column returns the index of the named column, -1 when absent.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Strings renders every cell with fmt's default format.
func (t Table) Strings() [][]string {
	out := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = FormatValue(v)
		}
		out[i] = cells
	}
	return out
}

// FormatValue renders a result cell; nil becomes the empty string.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Query runs sql and collects all rows.
func (s *Store) Query(ctx context.Context, sql string, args ...any) (Table, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return Table{}, err
	}
	defer rows.Close()

	var t Table
	for _, fd := range rows.FieldDescriptions() {
		t.Columns = append(t.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Table{}, err
		}
		t.Rows = append(t.Rows, values)
	}
	if err = rows.Err(); err != nil {
		return Table{}, err
	}
	return t, nil
}
