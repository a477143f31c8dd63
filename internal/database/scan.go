package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// TextValue renders a driver value the way the catalog readers expect:
// booleans as "true"/"false", byte slices as text, NULL as invalid.
func TextValue(v any) sql.NullString {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}
	case string:
		return sql.NullString{String: x, Valid: true}
	case []byte:
		return sql.NullString{String: string(x), Valid: true}
	case bool:
		return sql.NullString{String: strconv.FormatBool(x), Valid: true}
	case time.Time:
		return sql.NullString{String: x.UTC().Format("2006-01-02 15:04:05"), Valid: true}
	case fmt.Stringer:
		return sql.NullString{String: x.String(), Valid: true}
	default:
		return sql.NullString{String: fmt.Sprint(x), Valid: true}
	}
}

// Collect buffers a database/sql result set and closes it.
func Collect(rows *sql.Rows) (*Rows, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	out := &Rows{Columns: cols}
	for rows.Next() {
		raw := make([]sql.RawBytes, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		vals := make([]sql.NullString, len(cols))
		for i, b := range raw {
			if b != nil {
				vals[i] = sql.NullString{String: string(b), Valid: true}
			}
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
