// Package dbtest provides an in-memory database.Conn for tests. A Server holds
// a small catalog (tables, indexes, foreign keys, check constraints, views,
// the schema registry) and named locks; every Conn opened on it is a separate
// session. DDL is interpreted just far enough to keep the catalog honest, and
// the catalog queries issued by dbschema's packages are answered from it.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dialect"
)

// Table is a catalog table.
type Table struct {
	Name        string
	Columns     []string
	Indexes     map[string]bool
	ForeignKeys map[string]bool
	Checks      map[string]bool
}

// View is a catalog view with its MySQL directives.
type View struct {
	Name         string
	Definition   string
	Algorithm    string
	Security     string
	Definer      string
	Materialized bool
}

// RegistryRow is a row of _schema_registry.
type RegistryRow struct {
	Module   string
	Version  string
	Checksum string
	Updated  int
}

type failure struct {
	match string
	err   error
	times int
}

// Server is the shared state behind a set of sessions.
type Server struct {
	mu sync.Mutex

	Dialect     dialect.Dialect
	Version     string
	CurrentUser string
	Database    string

	// ViewLag makes the next n catalog visibility checks for any view
	// report it missing, to exercise readiness fencing.
	ViewLag int

	tables   map[string]*Table
	views    map[string]*View
	registry map[string]*RegistryRow
	locks    map[string]int // lock name -> owning session
	sessions int
	failures []*failure
	algo     map[string][]string // forced ALGORITHM read-backs per view
	log      []string
	execTime string
}

// NewServer returns an empty server for d.
func NewServer(d dialect.Dialect) *Server {
	s := &Server{
		Dialect:     d,
		Database:    "app",
		CurrentUser: "app@%",
		tables:      map[string]*Table{},
		views:       map[string]*View{},
		registry:    map[string]*RegistryRow{},
		locks:       map[string]int{},
		algo:        map[string][]string{},
		execTime:    "0",
	}
	if d.IsPostgres() {
		s.Version = "16.2"
		s.CurrentUser = "app"
	} else {
		s.Version = "8.0.36"
	}
	return s
}

// New returns a session on a fresh server.
func New(d dialect.Dialect) *Conn {
	return NewServer(d).Conn()
}

// Conn opens a new session.
func (s *Server) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return &Conn{srv: s, session: s.sessions}
}

// Fail makes the next times statements containing match fail with err.
// times < 0 fails forever.
func (s *Server) Fail(match string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{match: match, err: err, times: times})
}

// ReportAlgorithm makes the catalog record the given algorithms, in order,
// for the next CREATEs of view regardless of what was requested.
func (s *Server) ReportAlgorithm(view string, algorithms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dialect.BaseName(view)
	s.algo[key] = append(s.algo[key], algorithms...)
}

// AddTable registers a table with columns.
func (s *Server) AddTable(name string, columns ...string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTable(name, columns)
}

// AddIndex registers an index on an existing or new table.
func (s *Server) AddIndex(table, index string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(table).Indexes[strings.ToLower(index)] = true
}

// AddView registers a view.
func (s *Server) AddView(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vv := v
	s.views[dialect.BaseName(v.Name)] = &vv
}

// HasTable reports whether the catalog holds table.
func (s *Server) HasTable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[dialect.BaseName(name)]
	return ok
}

// Table returns a copy of the named table.
func (s *Server) Table(name string) (Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[dialect.BaseName(name)]
	if !ok {
		return Table{}, false
	}
	return *t, true
}

// View returns a copy of the named view.
func (s *Server) View(name string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[dialect.BaseName(name)]
	if !ok {
		return View{}, false
	}
	return *v, true
}

// DropView removes a view from the catalog.
func (s *Server) DropView(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, dialect.BaseName(name))
}

// RegistryRow returns the registry row for module.
func (s *Server) RegistryRow(module string) (RegistryRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registry[module]
	if !ok {
		return RegistryRow{}, false
	}
	return *r, true
}

// SetRegistryRow writes a registry row directly.
func (s *Server) SetRegistryRow(module, version, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[module] = &RegistryRow{Module: module, Version: version, Checksum: checksum}
}

// LockHeld reports whether any session holds the named lock.
func (s *Server) LockHeld(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[name]
	return ok
}

// Statements returns every statement executed on the server, in order.
func (s *Server) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// DDL returns the executed statements that change the schema.
func (s *Server) DDL() []string {
	var out []string
	for _, stmt := range s.Statements() {
		if ddlHead.MatchString(stmt) {
			out = append(out, stmt)
		}
	}
	return out
}

// ResetLog clears the statement log.
func (s *Server) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

// MariaDB reports whether the server version identifies MariaDB.
func (s *Server) MariaDB() bool {
	return strings.Contains(strings.ToLower(s.Version), "mariadb")
}

func (s *Server) addTable(name string, columns []string) *Table {
	t := &Table{
		Name:        dialect.BaseName(name),
		Columns:     columns,
		Indexes:     map[string]bool{},
		ForeignKeys: map[string]bool{},
		Checks:      map[string]bool{},
	}
	s.tables[t.Name] = t
	return t
}

func (s *Server) table(name string) *Table {
	if t, ok := s.tables[dialect.BaseName(name)]; ok {
		return t
	}
	return s.addTable(name, nil)
}

func (s *Server) takeFailure(query string) error {
	for i, f := range s.failures {
		if f.times == 0 || !strings.Contains(query, f.match) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				s.failures = append(s.failures[:i:i], s.failures[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

// Conn is one session on a Server. It implements database.Conn.
type Conn struct {
	srv     *Server
	session int

	mu       sync.Mutex
	inTx     bool
	closed   bool
	Timeouts []time.Duration
	Txs      int
}

var _ database.Conn = (*Conn)(nil)

// Server returns the server behind the session.
func (c *Conn) Server() *Server { return c.srv }

func (c *Conn) Dialect() dialect.Dialect { return c.srv.Dialect }

func (c *Conn) ID() string { return "dbtest/" + c.srv.Database }

func (c *Conn) DriverName() string { return string(c.srv.Dialect) }

func (c *Conn) ServerVersion(ctx context.Context) (string, error) {
	return c.srv.Version, nil
}

func (c *Conn) QuoteIdentifier(name string) string {
	return c.srv.Dialect.QuoteQualified(name)
}

func (c *Conn) Placeholder(n int) string { return c.srv.Dialect.Placeholder(n) }

func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

func (c *Conn) WithTransaction(ctx context.Context, opts database.TxOptions, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.inTx {
		c.mu.Unlock()
		return fn(ctx)
	}
	c.inTx = true
	c.Txs++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inTx = false
		c.mu.Unlock()
	}()
	return fn(ctx)
}

func (c *Conn) WithStatementTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.Timeouts = append(c.Timeouts, timeout)
	c.mu.Unlock()
	return fn(ctx)
}

// Close releases every lock held by the session.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for name, owner := range c.srv.locks {
		if owner == c.session {
			delete(c.srv.locks, name)
		}
	}
	return nil
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, query)
	if err := s.takeFailure(query); err != nil {
		return err
	}
	return s.exec(strings.TrimSpace(query), args)
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (*database.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(query); err != nil {
		return nil, err
	}
	return s.query(c.session, strings.TrimSpace(query), args)
}

const ident = "((?:[`\"]?[A-Za-z0-9_]+[`\"]?\\.)?[`\"]?[A-Za-z0-9_]+[`\"]?)"

var (
	ddlHead         = regexp.MustCompile(`(?is)^\s*(CREATE|ALTER|DROP|RENAME|TRUNCATE)\b`)
	reCreateTable   = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?` + ident + `\s*\((.*)\)`)
	reDropTable     = regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(IF\s+EXISTS\s+)?` + ident)
	reCreateIndex   = regexp.MustCompile(`(?is)^CREATE\s+(?:UNIQUE\s+)?INDEX\s+(IF\s+NOT\s+EXISTS\s+)?` + ident + `\s+ON\s+` + ident)
	reDropIndex     = regexp.MustCompile(`(?is)^DROP\s+INDEX\s+(IF\s+EXISTS\s+)?` + ident + `(?:\s+ON\s+` + ident + `)?`)
	reAlterTable    = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+` + ident + `\s+(.*)$`)
	reAddFK         = regexp.MustCompile(`(?is)^ADD\s+CONSTRAINT\s+` + ident + `\s+FOREIGN\s+KEY`)
	reAddCheck      = regexp.MustCompile(`(?is)^ADD\s+CONSTRAINT\s+` + ident + `\s+CHECK\b`)
	reDropCheck     = regexp.MustCompile(`(?is)^DROP\s+(CHECK|CONSTRAINT)\s+(IF\s+EXISTS\s+)?` + ident)
	reAddColumn     = regexp.MustCompile(`(?is)^ADD\s+COLUMN\s+(IF\s+NOT\s+EXISTS\s+)?` + ident)
	reAddIndex      = regexp.MustCompile(`(?is)^ADD\s+(?:UNIQUE\s+)?(?:INDEX|KEY)\s+(IF\s+NOT\s+EXISTS\s+)?` + ident)
	reDropAltIndex  = regexp.MustCompile(`(?is)^DROP\s+(?:INDEX|KEY)\s+` + ident)
	reCreateView    = regexp.MustCompile(`(?is)^CREATE\s+(OR\s+REPLACE\s+)?(.*?)\b(MATERIALIZED\s+)?VIEW\s+` + ident + `\s+AS\s+(.*)$`)
	reDropView      = regexp.MustCompile(`(?is)^DROP\s+(MATERIALIZED\s+)?VIEW\s+(IF\s+EXISTS\s+)?` + ident)
	reAlgorithm     = regexp.MustCompile(`(?i)ALGORITHM\s*=\s*(\w+)`)
	reSecurity      = regexp.MustCompile(`(?i)SQL\s+SECURITY\s+(\w+)`)
	reDefiner       = regexp.MustCompile(`(?i)DEFINER\s*=\s*(\S+)`)
	reUpsert        = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+_schema_registry\b`)
	reInlineFK      = regexp.MustCompile(`(?i)\bCONSTRAINT\s+` + ident + `\s+FOREIGN\s+KEY`)
	reInlineIndex   = regexp.MustCompile(`(?i)(?:^|,)\s*(?:UNIQUE\s+)?(?:INDEX|KEY)\s+` + ident + `\s*\(`)
	reInlineCheck   = regexp.MustCompile(`(?i)\bCONSTRAINT\s+` + ident + `\s+CHECK\b`)
	reShowView      = regexp.MustCompile(`(?i)^SHOW\s+CREATE\s+VIEW\s+` + ident)
	reSelectLimit   = regexp.MustCompile(`(?i)^SELECT\s+\*\s+FROM\s+` + ident + `\s+LIMIT\s+0`)
	reSetExecTime   = regexp.MustCompile(`(?i)^SET\s+SESSION\s+(max_execution_time|max_statement_time)\s*=\s*(\S+)`)
	reLockName      = regexp.MustCompile(`(?i)GET_LOCK|RELEASE_LOCK|pg_try_advisory_lock|pg_advisory_unlock`)
	columnKeywords  = map[string]bool{"constraint": true, "primary": true, "unique": true, "index": true, "key": true, "foreign": true, "check": true, "fulltext": true, "spatial": true}
)

func (s *Server) exec(q string, args []any) error {
	my := s.Dialect.IsMySQL()
	switch {
	case reCreateTable.MatchString(q):
		m := reCreateTable.FindStringSubmatch(q)
		name := dialect.BaseName(m[2])
		if _, ok := s.tables[name]; ok {
			if m[1] != "" {
				return nil
			}
			return s.dup("table", name)
		}
		t := s.addTable(name, parseColumns(m[3]))
		for _, fk := range reInlineFK.FindAllStringSubmatch(m[3], -1) {
			t.ForeignKeys[dialect.BaseName(fk[1])] = true
		}
		for _, ix := range reInlineIndex.FindAllStringSubmatch(m[3], -1) {
			t.Indexes[dialect.BaseName(ix[1])] = true
		}
		for _, ck := range reInlineCheck.FindAllStringSubmatch(m[3], -1) {
			t.Checks[dialect.BaseName(ck[1])] = true
		}
		return nil

	case reDropTable.MatchString(q):
		m := reDropTable.FindStringSubmatch(q)
		name := dialect.BaseName(m[2])
		if _, ok := s.tables[name]; !ok && m[1] == "" {
			return s.missing("table", name)
		}
		delete(s.tables, name)
		return nil

	case reCreateIndex.MatchString(q):
		m := reCreateIndex.FindStringSubmatch(q)
		idx := dialect.BaseName(m[2])
		t, ok := s.tables[dialect.BaseName(m[3])]
		if !ok {
			return s.missing("table", m[3])
		}
		if t.Indexes[idx] || s.Dialect.IsPostgres() && s.indexExists(idx) {
			if m[1] != "" {
				return nil
			}
			return s.dupIndex(idx)
		}
		t.Indexes[idx] = true
		return nil

	case reDropIndex.MatchString(q):
		m := reDropIndex.FindStringSubmatch(q)
		idx := dialect.BaseName(m[2])
		for _, t := range s.tables {
			if t.Indexes[idx] {
				delete(t.Indexes, idx)
				return nil
			}
		}
		if m[1] != "" {
			return nil
		}
		return s.missing("index", idx)

	case reAlterTable.MatchString(q):
		m := reAlterTable.FindStringSubmatch(q)
		t, ok := s.tables[dialect.BaseName(m[1])]
		if !ok {
			return s.missing("table", m[1])
		}
		return s.alter(t, strings.TrimSpace(m[2]))

	case reCreateView.MatchString(q):
		m := reCreateView.FindStringSubmatch(q)
		name := dialect.BaseName(m[4])
		if _, ok := s.views[name]; ok && m[1] == "" {
			return s.dup("view", name)
		}
		if _, ok := s.tables[name]; ok {
			return s.dup("table", name)
		}
		v := &View{Name: name, Definition: strings.TrimSpace(m[5]), Materialized: m[3] != ""}
		if my {
			v.Algorithm = "UNDEFINED"
			v.Security = "DEFINER"
			v.Definer = "`" + strings.Replace(s.CurrentUser, "@", "`@`", 1) + "`"
			if a := reAlgorithm.FindStringSubmatch(m[2]); a != nil {
				v.Algorithm = strings.ToUpper(a[1])
			}
			if sec := reSecurity.FindStringSubmatch(m[2]); sec != nil {
				v.Security = strings.ToUpper(sec[1])
			}
			if d := reDefiner.FindStringSubmatch(m[2]); d != nil && !strings.EqualFold(d[1], "CURRENT_USER") {
				v.Definer = d[1]
			}
			if forced := s.algo[name]; len(forced) > 0 {
				v.Algorithm = forced[0]
				s.algo[name] = forced[1:]
			}
		}
		s.views[name] = v
		return nil

	case reDropView.MatchString(q):
		m := reDropView.FindStringSubmatch(q)
		name := dialect.BaseName(m[3])
		if _, ok := s.views[name]; !ok && m[2] == "" {
			return s.missing("view", name)
		}
		delete(s.views, name)
		return nil

	case reUpsert.MatchString(q):
		return s.upsert(q, args)

	case reSetExecTime.MatchString(q):
		m := reSetExecTime.FindStringSubmatch(q)
		if m[2] != "?" {
			s.execTime = m[2]
		} else if len(args) > 0 {
			s.execTime = fmt.Sprint(args[0])
		}
		return nil
	}
	return nil
}

func (s *Server) alter(t *Table, action string) error {
	my := s.Dialect.IsMySQL()
	switch {
	case reAddFK.MatchString(action):
		name := dialect.BaseName(reAddFK.FindStringSubmatch(action)[1])
		if t.ForeignKeys[name] {
			if my {
				return MySQLError(1826, "HY000", fmt.Sprintf("Duplicate foreign key constraint name '%s'", name))
			}
			return PgError("42710", fmt.Sprintf(`constraint "%s" for relation "%s" already exists`, name, t.Name))
		}
		t.ForeignKeys[name] = true
	case reAddCheck.MatchString(action):
		name := dialect.BaseName(reAddCheck.FindStringSubmatch(action)[1])
		if t.Checks[name] {
			if my {
				return MySQLError(3822, "HY000", fmt.Sprintf("Duplicate check constraint name '%s'.", name))
			}
			return PgError("42710", fmt.Sprintf(`constraint "%s" for relation "%s" already exists`, name, t.Name))
		}
		t.Checks[name] = true
	case reDropCheck.MatchString(action):
		m := reDropCheck.FindStringSubmatch(action)
		name := dialect.BaseName(m[3])
		switch {
		case t.Checks[name]:
			delete(t.Checks, name)
		case t.ForeignKeys[name]:
			delete(t.ForeignKeys, name)
		case m[2] != "":
		default:
			if my {
				return MySQLError(3821, "HY000", fmt.Sprintf("Check constraint '%s' is not found in the table.", name))
			}
			return PgError("42704", fmt.Sprintf(`constraint "%s" of relation "%s" does not exist`, name, t.Name))
		}
	case reAddColumn.MatchString(action):
		m := reAddColumn.FindStringSubmatch(action)
		col := dialect.BaseName(m[2])
		for _, c := range t.Columns {
			if c == col {
				if m[1] != "" {
					return nil
				}
				if my {
					return MySQLError(1060, "42S21", fmt.Sprintf("Duplicate column name '%s'", col))
				}
				return PgError("42701", fmt.Sprintf(`column "%s" of relation "%s" already exists`, col, t.Name))
			}
		}
		t.Columns = append(t.Columns, col)
	case reAddIndex.MatchString(action):
		m := reAddIndex.FindStringSubmatch(action)
		idx := dialect.BaseName(m[2])
		if t.Indexes[idx] {
			if m[1] != "" {
				return nil
			}
			return s.dupIndex(idx)
		}
		t.Indexes[idx] = true
	case reDropAltIndex.MatchString(action):
		idx := dialect.BaseName(reDropAltIndex.FindStringSubmatch(action)[1])
		if !t.Indexes[idx] {
			return MySQLError(1091, "42000", fmt.Sprintf("Can't DROP '%s'; check that column/key exists", idx))
		}
		delete(t.Indexes, idx)
	}
	return nil
}

func (s *Server) upsert(q string, args []any) error {
	if s.Dialect.IsMySQL() && strings.Contains(q, "AS _new") && (s.MariaDB() || versionBelow(s.Version, 8, 0, 20)) {
		return MySQLError(1064, "42000", "You have an error in your SQL syntax near 'AS _new'")
	}
	if len(args) < 3 {
		return fmt.Errorf("dbtest: registry upsert needs 3 args, got %d", len(args))
	}
	if _, ok := s.tables["_schema_registry"]; !ok {
		return s.missing("table", "_schema_registry")
	}
	name := fmt.Sprint(args[0])
	row, ok := s.registry[name]
	if !ok {
		row = &RegistryRow{Module: name}
		s.registry[name] = row
	} else {
		row.Updated++
	}
	row.Version = fmt.Sprint(args[1])
	row.Checksum = fmt.Sprint(args[2])
	return nil
}

func (s *Server) query(session int, q string, args []any) (*database.Rows, error) {
	my := s.Dialect.IsMySQL()
	lower := strings.ToLower(q)
	last := ""
	if len(args) > 0 {
		last = strings.ToLower(fmt.Sprint(args[len(args)-1]))
	}

	switch {
	case reLockName.MatchString(q):
		return s.lockQuery(session, lower, args)

	case strings.Contains(lower, "current_user()"), lower == "select current_user":
		return one("CURRENT_USER()", s.CurrentUser), nil

	case strings.Contains(lower, "select version()"):
		return one("version", s.Version), nil

	case strings.Contains(lower, "@@session.max_execution_time"), strings.Contains(lower, "@@session.max_statement_time"):
		return one("value", s.execTime), nil

	case reShowView.MatchString(q):
		name := dialect.BaseName(reShowView.FindStringSubmatch(q)[1])
		v, ok := s.views[name]
		if !ok || v.Materialized {
			return nil, MySQLError(1146, "42S02", fmt.Sprintf("Table '%s.%s' doesn't exist", s.Database, name))
		}
		ddl := fmt.Sprintf("CREATE ALGORITHM=%s DEFINER=%s SQL SECURITY %s VIEW `%s` AS %s",
			v.Algorithm, v.Definer, v.Security, v.Name, v.Definition)
		return database.NewRows([]string{"View", "Create View", "character_set_client", "collation_connection"},
			[]*string{database.Str(v.Name), database.Str(ddl), database.Str("utf8mb4"), database.Str("utf8mb4_0900_ai_ci")}), nil

	case reSelectLimit.MatchString(q):
		name := dialect.BaseName(reSelectLimit.FindStringSubmatch(q)[1])
		if _, ok := s.views[name]; ok {
			return &database.Rows{}, nil
		}
		if _, ok := s.tables[name]; ok {
			return &database.Rows{}, nil
		}
		if my {
			return nil, MySQLError(1146, "42S02", fmt.Sprintf("Table '%s.%s' doesn't exist", s.Database, name))
		}
		return nil, PgError("42P01", fmt.Sprintf(`relation "%s" does not exist`, name))

	case strings.Contains(lower, "pg_get_viewdef"):
		v, ok := s.views[last]
		if !ok {
			return &database.Rows{Columns: []string{"definition"}}, nil
		}
		return one("definition", v.Definition), nil

	case strings.Contains(lower, "from _schema_registry"):
		return s.registryRows(lower, args), nil

	case strings.Contains(lower, "pg_matviews"):
		v, ok := s.views[last]
		return count(ok && v.Materialized), nil

	case strings.Contains(lower, "information_schema.views"):
		if s.ViewLag > 0 {
			s.ViewLag--
			return count(false), nil
		}
		v, ok := s.views[last]
		return count(ok && !v.Materialized), nil

	case strings.Contains(lower, "information_schema.tables"):
		_, ok := s.tables[last]
		return count(ok), nil

	case strings.Contains(lower, "information_schema.statistics"), strings.Contains(lower, "pg_indexes"):
		t, ok := s.tables[last]
		if !ok {
			return names("INDEX_NAME", nil), nil
		}
		return names("INDEX_NAME", keys(t.Indexes)), nil

	case strings.Contains(lower, "table_constraints") && strings.Contains(lower, "'check'"):
		if len(args) < 2 {
			return count(false), nil
		}
		t, ok := s.tables[strings.ToLower(fmt.Sprint(args[len(args)-2]))]
		return count(ok && t.Checks[last]), nil

	case strings.Contains(lower, "table_constraints"):
		t, ok := s.tables[last]
		if !ok {
			return names("CONSTRAINT_NAME", nil), nil
		}
		return names("CONSTRAINT_NAME", keys(t.ForeignKeys)), nil

	case strings.Contains(lower, "information_schema.columns"):
		t, ok := s.tables[last]
		if !ok {
			return names("COLUMN_NAME", nil), nil
		}
		return names("COLUMN_NAME", t.Columns), nil
	}
	return &database.Rows{}, nil
}

func (s *Server) lockQuery(session int, lower string, args []any) (*database.Rows, error) {
	name := ""
	switch {
	case len(args) == 1 || strings.Contains(lower, "get_lock"):
		if len(args) > 0 {
			name = fmt.Sprint(args[0])
		}
	case len(args) >= 2:
		name = fmt.Sprintf("%v/%v", args[0], args[1])
	}
	owner, held := s.locks[name]

	switch {
	case strings.Contains(lower, "get_lock"), strings.Contains(lower, "pg_try_advisory_lock"):
		ok := !held || owner == session
		if ok {
			s.locks[name] = session
		}
		if strings.Contains(lower, "get_lock") {
			if ok {
				return one("acquired", "1"), nil
			}
			return one("acquired", "0"), nil
		}
		return one("pg_try_advisory_lock", boolText(ok)), nil

	default:
		ok := held && owner == session
		if ok {
			delete(s.locks, name)
		}
		if strings.Contains(lower, "release_lock") {
			if !held {
				return &database.Rows{Columns: []string{"released"}, Values: [][]sql.NullString{{{}}}}, nil
			}
			if ok {
				return one("released", "1"), nil
			}
			return one("released", "0"), nil
		}
		return one("pg_advisory_unlock", boolText(ok)), nil
	}
}

func (s *Server) registryRows(lower string, args []any) *database.Rows {
	cols := []string{"module_name", "version", "checksum", "installed_at"}
	out := &database.Rows{Columns: cols}
	var mods []string
	if strings.Contains(lower, "where") && len(args) > 0 {
		if _, ok := s.registry[fmt.Sprint(args[0])]; ok {
			mods = []string{fmt.Sprint(args[0])}
		}
	} else {
		for m := range s.registry {
			mods = append(mods, m)
		}
		sort.Strings(mods)
	}
	for _, m := range mods {
		r := s.registry[m]
		out.Values = append(out.Values, []sql.NullString{
			{String: r.Module, Valid: true},
			{String: r.Version, Valid: true},
			{String: r.Checksum, Valid: r.Checksum != ""},
			{String: "2026-01-01 00:00:00", Valid: true},
		})
	}
	return out
}

func (s *Server) indexExists(idx string) bool {
	for _, t := range s.tables {
		if t.Indexes[idx] {
			return true
		}
	}
	return false
}

func (s *Server) dup(kind, name string) error {
	if s.Dialect.IsMySQL() {
		return MySQLError(1050, "42S01", fmt.Sprintf("Table '%s' already exists", name))
	}
	return PgError("42P07", fmt.Sprintf(`relation "%s" already exists`, name))
}

func (s *Server) dupIndex(name string) error {
	if s.Dialect.IsMySQL() {
		return MySQLError(1061, "42000", fmt.Sprintf("Duplicate key name '%s'", name))
	}
	return PgError("42P07", fmt.Sprintf(`relation "%s" already exists`, name))
}

func (s *Server) missing(kind, name string) error {
	if s.Dialect.IsMySQL() {
		if kind == "index" {
			return MySQLError(1091, "42000", fmt.Sprintf("Can't DROP '%s'; check that column/key exists", name))
		}
		return MySQLError(1051, "42S02", fmt.Sprintf("Unknown table '%s'", name))
	}
	if kind == "index" || kind == "view" {
		return PgError("42704", fmt.Sprintf(`%s "%s" does not exist`, kind, name))
	}
	return PgError("42P01", fmt.Sprintf(`relation "%s" does not exist`, name))
}

// MySQLError builds a go-sql-driver error value.
func MySQLError(number uint16, state, message string) *mysql.MySQLError {
	e := &mysql.MySQLError{Number: number, Message: message}
	copy(e.SQLState[:], state)
	return e
}

// PgError builds a pgconn error value.
func PgError(code, message string) *pgconn.PgError {
	return &pgconn.PgError{Severity: "ERROR", Code: code, Message: message}
}

func parseColumns(body string) []string {
	var cols []string
	depth := 0
	start := 0
	parts := []string{}
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, body[start:])
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 || columnKeywords[strings.ToLower(fields[0])] {
			continue
		}
		cols = append(cols, dialect.BaseName(fields[0]))
	}
	return cols
}

func versionBelow(v string, major, minor, patch int) bool {
	parts := strings.SplitN(strings.SplitN(v, "-", 2)[0], ".", 3)
	want := []int{major, minor, patch}
	for i := 0; i < 3; i++ {
		got := 0
		if i < len(parts) {
			got, _ = strconv.Atoi(parts[i])
		}
		if got != want[i] {
			return got < want[i]
		}
	}
	return false
}

func one(col, value string) *database.Rows {
	return database.NewRows([]string{col}, []*string{database.Str(value)})
}

func count(ok bool) *database.Rows {
	if ok {
		return one("n", "1")
	}
	return one("n", "0")
}

func names(col string, values []string) *database.Rows {
	out := &database.Rows{Columns: []string{col}}
	for _, v := range values {
		out.Values = append(out.Values, []sql.NullString{{String: v, Valid: true}})
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func boolText(b bool) string {
	if b {
		return "t"
	}
	return "f"
}
