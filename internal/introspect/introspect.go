// Package introspect answers read-only catalog questions (does a table or
// view exist, which indexes and foreign keys a table has) for both dialects.
// Names may be schema-qualified; unqualified names resolve against the
// current database on MySQL and the search path on Postgres. All name
// comparisons are case-insensitive.
package introspect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dialect"
)

// Conn is the subset of database.Conn the introspector needs.
type Conn interface {
	database.Querier
	Dialect() dialect.Dialect
	QuoteIdentifier(name string) string
}

// Introspector runs catalog queries on one connection.
type Introspector struct {
	conn Conn
	d    dialect.Dialect
}

// New returns an Introspector that queries conn.
func New(conn Conn) *Introspector {
	return &Introspector{conn: conn, d: conn.Dialect()}
}

// Directives is the MySQL view header subset that can be read back from the
// catalog. Empty fields mean "not declared".
type Directives struct {
	Algorithm string
	Security  string
	Definer   string
}

func (d Directives) String() string {
	parts := []string{}
	if d.Algorithm != "" {
		parts = append(parts, "ALGORITHM="+d.Algorithm)
	}
	if d.Definer != "" {
		parts = append(parts, "DEFINER="+d.Definer)
	}
	if d.Security != "" {
		parts = append(parts, "SQL SECURITY "+d.Security)
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, " ")
}

var (
	reAlgorithm = regexp.MustCompile(`(?i)\bALGORITHM\s*=\s*(UNDEFINED|MERGE|TEMPTABLE)\b`)
	reSecurity  = regexp.MustCompile(`(?i)\bSQL\s+SECURITY\s+(DEFINER|INVOKER)\b`)
	reDefiner   = regexp.MustCompile(`(?i)\bDEFINER\s*=\s*([^\s]+)`)
	reViewHead  = regexp.MustCompile(`(?is)^.*?\bVIEW\b`)
)

// ParseDirectives extracts ALGORITHM, SQL SECURITY and DEFINER from the head
// of a CREATE VIEW statement (the text before the VIEW keyword).
func ParseDirectives(createView string) Directives {
	head := reViewHead.FindString(createView)
	if head == "" {
		head = createView
	}
	var d Directives
	if m := reAlgorithm.FindStringSubmatch(head); m != nil {
		d.Algorithm = strings.ToUpper(m[1])
	}
	if m := reSecurity.FindStringSubmatch(head); m != nil {
		d.Security = strings.ToUpper(m[1])
	}
	if m := reDefiner.FindStringSubmatch(head); m != nil {
		d.Definer = m[1]
	}
	return d
}

// scope builds the WHERE fragment selecting one object by name.
func (i *Introspector) scope(schemaCol, nameCol, name string, argOffset int) (string, []any) {
	q := dialect.SplitQualified(name)
	ph := func(n int) string { return i.d.Placeholder(argOffset + n) }
	if q.Schema != "" {
		return fmt.Sprintf("LOWER(%s) = LOWER(%s) AND LOWER(%s) = LOWER(%s)", schemaCol, ph(1), nameCol, ph(2)),
			[]any{q.Schema, q.Name}
	}
	current := schemaCol + " = DATABASE()"
	if i.d.IsPostgres() {
		current = schemaCol + " = ANY (current_schemas(true))"
	}
	return fmt.Sprintf("%s AND LOWER(%s) = LOWER(%s)", current, nameCol, ph(1)), []any{q.Name}
}

func (i *Introspector) count(ctx context.Context, query string, args []any) (bool, error) {
	rows, err := i.conn.Query(ctx, query, args...)
	if err != nil {
		return false, err
	}
	v, ok := rows.Scalar()
	if !ok {
		return false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("parsing catalog count %q: %w", v, err)
	}
	return n > 0, nil
}

func (i *Introspector) list(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := i.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows.Column(0), nil
}

// HasTable reports whether a base table exists.
func (i *Introspector) HasTable(ctx context.Context, table string) (bool, error) {
	var query string
	var args []any
	if i.d.IsMySQL() {
		where, a := i.scope("TABLE_SCHEMA", "TABLE_NAME", table, 0)
		query, args = "SELECT COUNT(*) FROM information_schema.TABLES WHERE "+where+" AND TABLE_TYPE = 'BASE TABLE'", a
	} else {
		where, a := i.scope("table_schema", "table_name", table, 0)
		query, args = "SELECT COUNT(*) FROM information_schema.tables WHERE table_type = 'BASE TABLE' AND "+where, a
	}
	ok, err := i.count(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return ok, nil
}

// HasView reports whether a regular view exists.
func (i *Introspector) HasView(ctx context.Context, view string) (bool, error) {
	var query string
	var args []any
	if i.d.IsMySQL() {
		where, a := i.scope("TABLE_SCHEMA", "TABLE_NAME", view, 0)
		query, args = "SELECT COUNT(*) FROM information_schema.VIEWS WHERE "+where, a
	} else {
		where, a := i.scope("table_schema", "table_name", view, 0)
		query, args = "SELECT COUNT(*) FROM information_schema.views WHERE "+where, a
	}
	ok, err := i.count(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("checking view %s: %w", view, err)
	}
	return ok, nil
}

// HasMaterializedView reports whether a Postgres materialized view exists.
// It is always false on MySQL.
func (i *Introspector) HasMaterializedView(ctx context.Context, view string) (bool, error) {
	if i.d.IsMySQL() {
		return false, nil
	}
	where, args := i.scope("schemaname", "matviewname", view, 0)
	ok, err := i.count(ctx, "SELECT COUNT(*) FROM pg_matviews WHERE "+where, args)
	if err != nil {
		return false, fmt.Errorf("checking materialized view %s: %w", view, err)
	}
	return ok, nil
}

// HasAnyView reports whether a regular or materialized view exists.
func (i *Introspector) HasAnyView(ctx context.Context, view string) (bool, error) {
	ok, err := i.HasView(ctx, view)
	if err != nil || ok {
		return ok, err
	}
	return i.HasMaterializedView(ctx, view)
}

// ListIndexes returns the lower-cased index names of table.
func (i *Introspector) ListIndexes(ctx context.Context, table string) ([]string, error) {
	var query string
	var args []any
	if i.d.IsMySQL() {
		where, a := i.scope("TABLE_SCHEMA", "TABLE_NAME", table, 0)
		query, args = "SELECT DISTINCT INDEX_NAME FROM information_schema.STATISTICS WHERE "+where+" ORDER BY INDEX_NAME", a
	} else {
		where, a := i.scope("schemaname", "tablename", table, 0)
		query, args = "SELECT indexname FROM pg_indexes WHERE "+where+" ORDER BY indexname", a
	}
	names, err := i.list(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("listing indexes of %s: %w", table, err)
	}
	return lower(names), nil
}

// ListForeignKeys returns the lower-cased foreign key constraint names of table.
func (i *Introspector) ListForeignKeys(ctx context.Context, table string) ([]string, error) {
	var query string
	var args []any
	if i.d.IsMySQL() {
		where, a := i.scope("CONSTRAINT_SCHEMA", "TABLE_NAME", table, 0)
		query, args = "SELECT CONSTRAINT_NAME FROM information_schema.TABLE_CONSTRAINTS WHERE "+where+
			" AND CONSTRAINT_TYPE = 'FOREIGN KEY' ORDER BY CONSTRAINT_NAME", a
	} else {
		where, a := i.scope("table_schema", "table_name", table, 0)
		query, args = "SELECT constraint_name FROM information_schema.table_constraints WHERE "+where+
			" AND constraint_type = 'FOREIGN KEY' ORDER BY constraint_name", a
	}
	names, err := i.list(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("listing foreign keys of %s: %w", table, err)
	}
	return lower(names), nil
}

// ListColumns returns the column names of table in ordinal order.
func (i *Introspector) ListColumns(ctx context.Context, table string) ([]string, error) {
	var query string
	var args []any
	if i.d.IsMySQL() {
		where, a := i.scope("TABLE_SCHEMA", "TABLE_NAME", table, 0)
		query, args = "SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE "+where+" ORDER BY ORDINAL_POSITION", a
	} else {
		where, a := i.scope("table_schema", "table_name", table, 0)
		query, args = "SELECT column_name FROM information_schema.columns WHERE "+where+" ORDER BY ordinal_position", a
	}
	names, err := i.list(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	return names, nil
}

// HasColumn reports whether table has column.
func (i *Introspector) HasColumn(ctx context.Context, table, column string) (bool, error) {
	cols, err := i.ListColumns(ctx, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c, column) {
			return true, nil
		}
	}
	return false, nil
}

// HasCheckConstraint reports whether table has a CHECK constraint called
// name. MySQL only; Postgres always reports false since DROP CONSTRAINT IF
// EXISTS makes the question unnecessary there.
func (i *Introspector) HasCheckConstraint(ctx context.Context, table, name string) (bool, error) {
	if !i.d.IsMySQL() {
		return false, nil
	}
	where, args := i.scope("CONSTRAINT_SCHEMA", "TABLE_NAME", table, 0)
	args = append(args, dialect.SplitQualified(name).Name)
	query := "SELECT COUNT(*) FROM information_schema.TABLE_CONSTRAINTS WHERE " + where +
		" AND CONSTRAINT_TYPE = 'CHECK' AND LOWER(CONSTRAINT_NAME) = LOWER(?)"
	ok, err := i.count(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("checking constraint %s on %s: %w", name, table, err)
	}
	return ok, nil
}

// ViewDefinition returns the catalog's view text: the full CREATE statement
// from SHOW CREATE VIEW on MySQL, the SELECT body on Postgres. An empty
// string means the view was not found.
func (i *Introspector) ViewDefinition(ctx context.Context, view string) (string, error) {
	if i.d.IsMySQL() {
		rows, err := i.conn.Query(ctx, "SHOW CREATE VIEW "+i.conn.QuoteIdentifier(view))
		if err != nil {
			return "", fmt.Errorf("show create view %s: %w", view, err)
		}
		if def, ok := rows.Get(0, "Create View"); ok {
			return def, nil
		}
		if rows.Len() > 0 && len(rows.Values[0]) > 1 {
			return rows.Values[0][1].String, nil
		}
		return "", nil
	}

	where, args := i.scope("n.nspname", "c.relname", view, 0)
	query := "SELECT pg_get_viewdef(c.oid, true) FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace" +
		" WHERE c.relkind IN ('v', 'm') AND " + where
	rows, err := i.conn.Query(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("reading definition of %s: %w", view, err)
	}
	def, _ := rows.Scalar()
	return def, nil
}

// ViewDirectives reads ALGORITHM, SQL SECURITY and DEFINER of a MySQL view
// back from the catalog. Postgres has no equivalent and returns empty
// directives.
func (i *Introspector) ViewDirectives(ctx context.Context, view string) (Directives, error) {
	if !i.d.IsMySQL() {
		return Directives{}, nil
	}
	def, err := i.ViewDefinition(ctx, view)
	if err != nil {
		return Directives{}, err
	}
	return ParseDirectives(def), nil
}

// CurrentUser returns CURRENT_USER() (MySQL) or current_user (Postgres).
func (i *Introspector) CurrentUser(ctx context.Context) (string, error) {
	query := "SELECT CURRENT_USER()"
	if i.d.IsPostgres() {
		query = "SELECT current_user"
	}
	rows, err := i.conn.Query(ctx, query)
	if err != nil {
		return "", fmt.Errorf("reading current user: %w", err)
	}
	u, _ := rows.Scalar()
	return u, nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
