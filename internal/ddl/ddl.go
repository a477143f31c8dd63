// Package ddl executes hand-written DDL idempotently. Errors that only say
// the object is already there (or already gone) are absorbed, CHECK
// constraints are dropped before being re-added, and MariaDB servers that
// lack functional indexes get an equivalent generated column.
package ddl

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dberr"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/introspect"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/retry"
	"github.com/johndauphine/dbschema/internal/sqlsplit"
)

// Outcome is the verdict on a failed DDL statement.
type Outcome int

const (
	Fatal Outcome = iota
	Tolerable
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Tolerable:
		return "tolerable"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

var (
	mysqlTolerable = []int{1050, 1051, 1060, 1061, 1091, 1826, 3822, 3815}
	pgTolerable    = []string{"42P07", "42710", "42701", "42704"}
)

// Classify decides whether err from a DDL statement can be ignored,
// should be retried, or must stop the run.
func Classify(err error, d dialect.Dialect) Outcome {
	if err == nil {
		return Tolerable
	}
	if tolerable(err, d) {
		return Tolerable
	}
	if retry.IsTransient(err) {
		return Transient
	}
	return Fatal
}

func tolerable(err error, d dialect.Dialect) bool {
	info := dberr.Inspect(err)
	msg := dberr.Text(err)

	if d.IsMySQL() {
		if slices.Contains(mysqlTolerable, info.Code) {
			return true
		}
		if strings.Contains(msg, "already exists") ||
			strings.Contains(msg, "duplicate") ||
			strings.Contains(msg, "cannot drop index") ||
			strings.Contains(msg, "check constraint") && strings.Contains(msg, "exists") {
			return true
		}
		return info.Code == 1005 && (strings.Contains(msg, "errno: 121") || strings.Contains(msg, "duplicate key on write or update"))
	}

	if slices.Contains(pgTolerable, strings.ToUpper(info.SQLState)) {
		return true
	}
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "does not exist")
}

// ApplicationError is a DDL statement failure that was not tolerated.
type ApplicationError struct {
	Statement string // single-line preview
	SQLState  string
	Code      int
	Message   string
	Err       error
}

func (e *ApplicationError) Error() string {
	var b strings.Builder
	b.WriteString("ddl failed")
	if e.SQLState != "" || e.Code != 0 {
		fmt.Fprintf(&b, " (sqlstate=%s code=%d)", e.SQLState, e.Code)
	}
	fmt.Fprintf(&b, ": %s; statement: %s", e.Message, e.Statement)
	return b.String()
}

func (e *ApplicationError) Unwrap() error { return e.Err }

const maxMessageLen = 500

func newApplicationError(stmt string, err error) *ApplicationError {
	info := dberr.Inspect(err)
	return &ApplicationError{
		Statement: sqlsplit.Preview(stmt),
		SQLState:  info.SQLState,
		Code:      info.Code,
		Message:   dberr.Truncate(info.Message, maxMessageLen),
		Err:       err,
	}
}

// Conn is the connection capability an Executor needs.
type Conn interface {
	database.Querier
	Dialect() dialect.Dialect
	QuoteIdentifier(name string) string
	ServerVersion(ctx context.Context) (string, error)
}

// Stats counts what an Executor has done.
type Stats struct {
	Executed  int
	Tolerated int
	Rewritten int
}

// Executor runs DDL statements idempotently on one connection.
type Executor struct {
	conn Conn
	d    dialect.Dialect
	in   *introspect.Introspector

	server *database.ServerInfo

	// Trace logs every statement head at debug level.
	Trace bool
	Stats Stats
}

// New returns an Executor bound to conn.
func New(conn Conn) *Executor {
	return &Executor{conn: conn, d: conn.Dialect(), in: introspect.New(conn)}
}

// Normalize strips a BOM, converts CRLF to LF, trims trailing whitespace on
// every line and removes a trailing semicolon.
func Normalize(stmt string) string {
	s := strings.TrimPrefix(stmt, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.TrimSpace(strings.Join(lines, "\n"))
	if strings.HasSuffix(s, ";") {
		s = strings.TrimRight(s, "; \t\r\n")
	}
	return s
}

// Exec applies one statement. Tolerable failures return nil.
func (e *Executor) Exec(ctx context.Context, stmt string) error {
	s := Normalize(stmt)
	if s == "" {
		return nil
	}
	if e.d.IsMySQL() {
		s = e.rewriteFunctionalIndex(ctx, s)
	}
	if e.Trace {
		logging.Debug("ddl: %s", sqlsplit.Preview(s))
	}

	e.dropCheckBeforeAdd(ctx, s)

	e.Stats.Executed++
	err := e.conn.Exec(ctx, s)
	if err == nil {
		return nil
	}
	outcome := Classify(err, e.d)
	if outcome == Tolerable {
		e.Stats.Tolerated++
		logging.Debug("ddl: tolerated %v", err)
		return nil
	}
	appErr := newApplicationError(s, err)
	if outcome == Transient {
		logging.Warn("ddl: transient sqlstate=%s code=%d msg=%s stmt=%s", appErr.SQLState, appErr.Code, appErr.Message, appErr.Statement)
		return appErr
	}
	logging.Error("ddl: sqlstate=%s code=%d msg=%s stmt=%s", appErr.SQLState, appErr.Code, appErr.Message, appErr.Statement)
	return appErr
}

// ExecScript splits script for the connection's dialect and applies every
// statement in order.
func (e *Executor) ExecScript(ctx context.Context, script string) error {
	for _, stmt := range sqlsplit.Split(script, e.d) {
		if err := e.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) serverInfo(ctx context.Context) database.ServerInfo {
	if e.server == nil {
		raw, err := e.conn.ServerVersion(ctx)
		if err != nil {
			logging.Debug("ddl: server version unavailable: %v", err)
		}
		info := database.ParseServerVersion(raw)
		e.server = &info
	}
	return *e.server
}

const quotable = "[`\"]?"

var functionalIndex = regexp.MustCompile("(?i)^\\s*CREATE\\s+(UNIQUE\\s+)?INDEX\\s+(" + quotable + "[\\w\\-]+" + quotable + ")\\s+ON\\s+(" +
	quotable + "[\\w\\-]+" + quotable + ")\\s*\\(\\s*(" + quotable + "tenant_id" + quotable + ")\\s*,\\s*\\(\\s*LOWER\\(\\s*" +
	quotable + "([A-Za-z0-9_]+)" + quotable + "\\s*\\)\\s*\\)\\s*\\)\\s*$")

// rewriteFunctionalIndex turns CREATE INDEX ... (tenant_id, (LOWER(col)))
// into an index over a stored generated column on MariaDB before 10.5.
func (e *Executor) rewriteFunctionalIndex(ctx context.Context, s string) string {
	m := functionalIndex.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	info := e.serverInfo(ctx)
	if !info.MariaDB || info.AtLeast(10, 5, 0) {
		return s
	}
	unique := ""
	if m[1] != "" {
		unique = "UNIQUE "
	}
	index, table, col := dialect.Unquote(m[2]), dialect.Unquote(m[3]), m[5]
	ciCol := col + "_ci"

	add := fmt.Sprintf("ALTER TABLE `%s` ADD COLUMN IF NOT EXISTS `%s` VARCHAR(255) GENERATED ALWAYS AS (LOWER(`%s`)) STORED", table, ciCol, col)
	if err := e.conn.Exec(ctx, add); err != nil {
		logging.Debug("ddl: generated column %s.%s: %v", table, ciCol, err)
	}
	e.Stats.Rewritten++
	return fmt.Sprintf("CREATE %sINDEX `%s` ON `%s` (`tenant_id`, `%s`)", unique, index, table, ciCol)
}

var addCheck = regexp.MustCompile("(?is)^\\s*ALTER\\s+TABLE\\s+((?:" + quotable + "[A-Za-z0-9_]+" + quotable + "\\.)?" +
	quotable + "[A-Za-z0-9_]+" + quotable + ")\\s+ADD\\s+CONSTRAINT\\s+(" + quotable + "[A-Za-z0-9_]+" + quotable + ")\\s+CHECK\\s*\\(")

// dropCheckBeforeAdd makes ADD CONSTRAINT ... CHECK repeatable by dropping
// a same-named constraint first. Failures are ignored.
func (e *Executor) dropCheckBeforeAdd(ctx context.Context, s string) {
	m := addCheck.FindStringSubmatch(s)
	if m == nil {
		return
	}
	table := e.conn.QuoteIdentifier(m[1])
	name := dialect.Unquote(m[2])
	qname := e.d.QuoteIdentifier(name)

	if e.d.IsPostgres() {
		_ = e.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", table, qname))
		return
	}

	exists, err := e.in.HasCheckConstraint(ctx, m[1], name)
	if err != nil {
		exists = true
	}
	if !exists {
		return
	}
	forms := []string{"DROP CHECK", "DROP CONSTRAINT"}
	if e.serverInfo(ctx).MariaDB {
		forms[0], forms[1] = forms[1], forms[0]
	}
	for _, form := range forms {
		if err := e.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s %s %s", table, form, qname)); err == nil {
			return
		}
	}
}
