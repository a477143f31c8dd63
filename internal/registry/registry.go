// Package registry records which module versions are installed. The
// _schema_registry table holds one row per module with its version and the
// checksum of the schema files that produced it.
package registry

import (
	"context"
	"fmt"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/ddl"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/introspect"
	"github.com/johndauphine/dbschema/internal/logging"
)

// Table is the registry table name.
const Table = "_schema_registry"

// Record is one registry row.
type Record struct {
	Module      string `json:"module"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	InstalledAt string `json:"installed_at,omitempty"`
}

// Conn is the connection capability a Store needs.
type Conn interface {
	database.Querier
	Dialect() dialect.Dialect
	QuoteIdentifier(name string) string
	ServerVersion(ctx context.Context) (string, error)
}

// Store reads and writes _schema_registry.
type Store struct {
	conn    Conn
	d       dialect.Dialect
	in      *introspect.Introspector
	ensured bool
}

// NewStore returns a Store bound to conn.
func NewStore(conn Conn) *Store {
	return &Store{conn: conn, d: conn.Dialect(), in: introspect.New(conn)}
}

const (
	createMySQL = `CREATE TABLE IF NOT EXISTS _schema_registry (
  module_name  VARCHAR(200) PRIMARY KEY,
  version      VARCHAR(20)  NOT NULL,
  installed_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
  checksum     VARCHAR(64)  NOT NULL
)`
	createPostgres = `CREATE TABLE IF NOT EXISTS _schema_registry (
  module_name  VARCHAR(200) PRIMARY KEY,
  version      VARCHAR(20)  NOT NULL,
  installed_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
  checksum     VARCHAR(64)  NOT NULL
)`

	upsertAlias = `INSERT INTO _schema_registry AS _new (module_name, version, checksum)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE version = _new.version, checksum = _new.checksum`
	upsertValues = `INSERT INTO _schema_registry (module_name, version, checksum)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE version = VALUES(version), checksum = VALUES(checksum)`
	upsertPostgres = `INSERT INTO _schema_registry (module_name, version, checksum)
VALUES ($1, $2, $3)
ON CONFLICT (module_name) DO UPDATE SET version = EXCLUDED.version, checksum = EXCLUDED.checksum`
)

// Exists reports whether the registry table is present.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	return s.in.HasTable(ctx, Table)
}

// Ensure creates the registry table when it is absent. It is a no-op after
// the first success.
func (s *Store) Ensure(ctx context.Context) error {
	if s.ensured {
		return nil
	}
	ok, err := s.Exists(ctx)
	if err != nil {
		return fmt.Errorf("ensuring registry: %w", err)
	}
	if !ok {
		stmt := createMySQL
		if s.d.IsPostgres() {
			stmt = createPostgres
		}
		logging.Debug("registry: creating %s", Table)
		if err := s.conn.Exec(ctx, stmt); err != nil && ddl.Classify(err, s.d) != ddl.Tolerable {
			return fmt.Errorf("creating registry: %w", err)
		}
	}
	s.ensured = true
	return nil
}

func (s *Store) selectQuery(where bool) string {
	q := "SELECT module_name, version, checksum, installed_at FROM _schema_registry"
	if where {
		q += " WHERE module_name = " + s.d.Placeholder(1)
	}
	return q + " ORDER BY module_name"
}

// Get returns the record for module. found is false when there is none.
func (s *Store) Get(ctx context.Context, module string) (rec Record, found bool, err error) {
	rows, err := s.conn.Query(ctx, s.selectQuery(true), module)
	if err != nil {
		return Record{}, false, fmt.Errorf("reading registry for %s: %w", module, err)
	}
	recs := records(rows)
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[0], true, nil
}

// All lists every record ordered by module name.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	rows, err := s.conn.Query(ctx, s.selectQuery(false))
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	return records(rows), nil
}

func records(rows *database.Rows) []Record {
	out := make([]Record, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		var r Record
		r.Module, _ = rows.Get(i, "module_name")
		r.Version, _ = rows.Get(i, "version")
		r.Checksum, _ = rows.Get(i, "checksum")
		r.InstalledAt, _ = rows.Get(i, "installed_at")
		out = append(out, r)
	}
	return out
}

// Upsert writes module's version and checksum. On MySQL the row-alias form
// is used from 8.0.20 and the VALUES() form otherwise; whichever runs
// first, the other is tried if it fails.
func (s *Store) Upsert(ctx context.Context, module, version, checksum string) error {
	if s.d.IsPostgres() {
		if err := s.conn.Exec(ctx, upsertPostgres, module, version, checksum); err != nil {
			return fmt.Errorf("recording %s %s: %w", module, version, err)
		}
		return nil
	}

	primary, fallback := upsertValues, upsertAlias
	if s.useAlias(ctx) {
		primary, fallback = upsertAlias, upsertValues
	}
	err := s.conn.Exec(ctx, primary, module, version, checksum)
	if err == nil {
		return nil
	}
	logging.Debug("registry: upsert variant failed (%v), trying fallback", err)
	if err := s.conn.Exec(ctx, fallback, module, version, checksum); err != nil {
		return fmt.Errorf("recording %s %s: %w", module, version, err)
	}
	return nil
}

func (s *Store) useAlias(ctx context.Context) bool {
	raw, err := s.conn.ServerVersion(ctx)
	if err != nil {
		return false
	}
	info := database.ParseServerVersion(raw)
	return !info.MariaDB && info.AtLeast(8, 0, 20)
}
