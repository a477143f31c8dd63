// Package dialect identifies the two supported SQL dialect families and
// provides the small amount of SQL text generation that differs between them.
package dialect

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Dialect names a SQL dialect family.
type Dialect string

const (
	// MySQL covers MySQL and MariaDB.
	MySQL Dialect = "mysql"
	// Postgres covers PostgreSQL.
	Postgres Dialect = "postgres"
)

// All lists every supported dialect in a stable order.
var All = []Dialect{MySQL, Postgres}

// Parse converts a user-supplied name (including common aliases) into a Dialect.
func Parse(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb", "maria":
		return MySQL, nil
	case "postgres", "postgresql", "pg", "pgsql":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unknown dialect %q (valid: mysql, postgres)", s)
	}
}

// String returns the canonical dialect name.
func (d Dialect) String() string { return string(d) }

// IsMySQL reports whether d is the MySQL family.
func (d Dialect) IsMySQL() bool { return d == MySQL }

// IsPostgres reports whether d is the PostgreSQL family.
func (d Dialect) IsPostgres() bool { return d == Postgres }

// Valid reports whether d is one of the supported dialects.
func (d Dialect) Valid() bool { return d == MySQL || d == Postgres }

// QuoteIdentifier quotes a single identifier part.
func (d Dialect) QuoteIdentifier(name string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return pq.QuoteIdentifier(name)
}

// QuoteQualified quotes a possibly schema-qualified name ("schema.table")
// part by part. Existing quotes around parts are removed first.
func (d Dialect) QuoteQualified(name string) string {
	parts := SplitQualified(name)
	quoted := make([]string, 0, 2)
	if parts.Schema != "" {
		quoted = append(quoted, d.QuoteIdentifier(parts.Schema))
	}
	quoted = append(quoted, d.QuoteIdentifier(parts.Name))
	return strings.Join(quoted, ".")
}

// Placeholder returns the bind parameter marker for the 1-based index.
func (d Dialect) Placeholder(index int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

// Placeholders returns n comma-separated bind markers starting at 1.
func (d Dialect) Placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return strings.Join(marks, ", ")
}

// QualifiedName is a name split into an optional schema and the object name.
type QualifiedName struct {
	Schema string
	Name   string
}

// SplitQualified splits "schema.name" and strips backticks and double quotes.
// A name without a dot has an empty Schema.
func SplitQualified(name string) QualifiedName {
	clean := Unquote(strings.TrimSpace(name))
	if i := strings.LastIndex(clean, "."); i >= 0 {
		return QualifiedName{Schema: clean[:i], Name: clean[i+1:]}
	}
	return QualifiedName{Name: clean}
}

// Unquote removes backtick and double-quote characters from an identifier.
func Unquote(name string) string {
	return strings.NewReplacer("`", "", `"`, "").Replace(name)
}

// BaseName returns the lower-cased, unquoted, unqualified part of name.
func BaseName(name string) string {
	return strings.ToLower(SplitQualified(name).Name)
}
