// Package database defines the connection contract the schema engine runs
// against. Implementations live in internal/driver/{mysql,postgres}; tests use
// internal/database/dbtest.
package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/johndauphine/dbschema/internal/dialect"
)

// Querier executes statements and reads result sets.
type Querier interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) error
	// Query runs a statement and buffers the full result set.
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
}

// Conn is one pinned database session. Advisory locks are session scoped, so
// every call on a Conn must reach the same server session.
type Conn interface {
	Querier

	Dialect() dialect.Dialect
	// ID identifies the target database (host, port, database) without credentials.
	ID() string
	// DriverName is the registered driver name, e.g. "mysql" or "postgres".
	DriverName() string
	// ServerVersion returns the server version string as reported by the server.
	ServerVersion(ctx context.Context) (string, error)
	// QuoteIdentifier quotes a possibly schema-qualified identifier.
	QuoteIdentifier(name string) string
	// Placeholder returns the bind marker for the 1-based argument n.
	Placeholder(n int) string

	// WithTransaction runs fn inside a transaction, committing when fn returns nil.
	WithTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error
	// WithStatementTimeout runs fn with a server-side statement timeout in effect.
	WithStatementTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error
	// InTransaction reports whether a transaction opened by WithTransaction is active.
	InTransaction() bool

	Close() error
}

// TxOptions selects transaction behaviour.
type TxOptions struct {
	Serializable bool
}

// Rows is a fully buffered result set. Values are kept as strings since
// catalog queries only ever read names, counts and flags.
type Rows struct {
	Columns []string
	Values  [][]sql.NullString
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Scalar returns the first column of the first row. ok is false when there
// are no rows or the value is NULL.
func (r *Rows) Scalar() (value string, ok bool) {
	if r.Len() == 0 || len(r.Values[0]) == 0 {
		return "", false
	}
	v := r.Values[0][0]
	return v.String, v.Valid
}

// Column returns the non-NULL values of column i across all rows.
func (r *Rows) Column(i int) []string {
	out := make([]string, 0, r.Len())
	if r == nil {
		return out
	}
	for _, row := range r.Values {
		if i < len(row) && row[i].Valid {
			out = append(out, row[i].String)
		}
	}
	return out
}

// Get returns the value of the named column (case-insensitive) in row i.
func (r *Rows) Get(i int, column string) (string, bool) {
	if r == nil || i >= len(r.Values) {
		return "", false
	}
	for c, name := range r.Columns {
		if strings.EqualFold(strings.TrimSpace(name), column) && c < len(r.Values[i]) {
			v := r.Values[i][c]
			return v.String, v.Valid
		}
	}
	return "", false
}

// NewRows builds a Rows value from plain strings; nil entries become NULL.
func NewRows(columns []string, rows ...[]*string) *Rows {
	out := &Rows{Columns: columns}
	for _, row := range rows {
		vals := make([]sql.NullString, len(row))
		for i, v := range row {
			if v != nil {
				vals[i] = sql.NullString{String: *v, Valid: true}
			}
		}
		out.Values = append(out.Values, vals)
	}
	return out
}

// Str returns a pointer to s, for building Rows literals.
func Str(s string) *string { return &s }
