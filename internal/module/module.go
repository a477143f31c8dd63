// Package module defines the unit the installer works on: one primary table
// with its indexes, foreign keys and contract view, described by a
// module.yaml manifest and a directory of per-dialect schema files.
package module

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/ddl"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/introspect"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/registry"
	"github.com/johndauphine/dbschema/internal/viewguard"
)

// Module is an installable schema unit.
type Module interface {
	Name() string
	Table() string
	Version() string
	Dialects() []dialect.Dialect
	Dependencies() []string
	ContractView() string

	Install(ctx context.Context, conn database.Conn) error
	Upgrade(ctx context.Context, conn database.Conn, from string) error
	Uninstall(ctx context.Context, conn database.Conn) error
	Status(ctx context.Context, conn database.Conn) (Status, error)

	// Info is the module identity hashed into its checksum.
	Info() registry.Info
}

// SchemaSource is implemented by modules backed by schema files. The
// returned FS is rooted at the schema directory.
type SchemaSource interface {
	SchemaFS() fs.FS
}

// Status is a module's state in the catalog.
type Status struct {
	Table              bool     `json:"table"`
	View               bool     `json:"view"`
	MissingIndexes     []string `json:"missing_indexes,omitempty"`
	MissingForeignKeys []string `json:"missing_foreign_keys,omitempty"`
	HaveIndexes        []string `json:"have_indexes,omitempty"`
	HaveForeignKeys    []string `json:"have_foreign_keys,omitempty"`
	Version            string   `json:"version,omitempty"`
}

// Supports reports whether m declares dialect d. A module without declared
// dialects supports both.
func Supports(m Module, d dialect.Dialect) bool {
	ds := m.Dialects()
	return len(ds) == 0 || slices.Contains(ds, d)
}

// CompareVersions orders two module versions. Semantic versions compare
// numerically; anything else falls back to a plain string comparison.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// Options configures file-backed modules.
type Options struct {
	Views    viewguard.Options
	TraceSQL bool
}

// TableModule is a Module read from a manifest and schema files.
type TableModule struct {
	manifest Manifest
	schema   fs.FS
	opts     Options
}

// New returns a TableModule for manifest whose schema files live in schema.
func New(manifest Manifest, schema fs.FS, opts Options) *TableModule {
	return &TableModule{manifest: manifest, schema: schema, opts: opts}
}

func (m *TableModule) Name() string {
	if m.manifest.Name != "" {
		return m.manifest.Name
	}
	return "table-" + m.manifest.Table
}

func (m *TableModule) Table() string          { return m.manifest.Table }
func (m *TableModule) Version() string        { return m.manifest.Version }
func (m *TableModule) Dependencies() []string { return m.manifest.Dependencies }
func (m *TableModule) ContractView() string   { return m.manifest.View }
func (m *TableModule) SchemaFS() fs.FS        { return m.schema }
func (m *TableModule) Manifest() Manifest     { return m.manifest }

func (m *TableModule) Dialects() []dialect.Dialect {
	out := make([]dialect.Dialect, 0, len(m.manifest.Dialects))
	for _, d := range m.manifest.Dialects {
		out = append(out, dialect.Dialect(strings.ToLower(d)))
	}
	return out
}

func (m *TableModule) Info() registry.Info {
	return registry.Info{Table: m.manifest.Table, View: m.manifest.View, Version: m.manifest.Version}
}

// Install applies the schema files (views and seeds excluded) and, when the
// module ships no views file, creates the default passthrough contract view.
func (m *TableModule) Install(ctx context.Context, conn database.Conn) error {
	exec := ddl.New(conn)
	exec.Trace = m.opts.TraceSQL
	n, err := exec.RunDirectory(ctx, m.schema, ".")
	if err != nil {
		return fmt.Errorf("installing %s: %w", m.Name(), err)
	}
	logging.Debug("%s: applied %d file(s), %d statement(s), %d tolerated", m.Name(), n, exec.Stats.Executed, exec.Stats.Tolerated)

	if m.manifest.View == "" || HasViewsFile(m.schema, conn.Dialect()) {
		return nil
	}
	stmt := PassthroughView(conn, m.manifest.View, m.manifest.Table)
	if err := viewguard.New(conn, m.opts.Views).Apply(ctx, stmt); err != nil {
		return fmt.Errorf("installing %s: %w", m.Name(), err)
	}
	return nil
}

// Upgrade has nothing to do for file-backed modules: their DDL is written
// to be re-runnable, and the installer replays indexes and views.
func (m *TableModule) Upgrade(ctx context.Context, conn database.Conn, from string) error {
	logging.Debug("%s: upgrade %s -> %s", m.Name(), from, m.manifest.Version)
	return nil
}

// Uninstall drops the contract view. Tables and registry rows stay.
func (m *TableModule) Uninstall(ctx context.Context, conn database.Conn) error {
	if m.manifest.View == "" {
		return nil
	}
	return viewguard.New(conn, m.opts.Views).Drop(ctx, m.manifest.View)
}

// Status diffs the manifest's expected indexes and foreign keys against the
// catalog.
func (m *TableModule) Status(ctx context.Context, conn database.Conn) (Status, error) {
	in := introspect.New(conn)
	d := conn.Dialect()
	st := Status{Version: m.manifest.Version}

	var err error
	if st.Table, err = in.HasTable(ctx, m.manifest.Table); err != nil {
		return st, fmt.Errorf("status of %s: %w", m.Name(), err)
	}
	if m.manifest.View != "" {
		if st.View, err = in.HasAnyView(ctx, m.manifest.View); err != nil {
			return st, fmt.Errorf("status of %s: %w", m.Name(), err)
		}
	}
	if !st.Table {
		st.MissingIndexes = m.manifest.Indexes.For(d)
		st.MissingForeignKeys = m.manifest.ForeignKeys.For(d)
		return st, nil
	}

	if st.HaveIndexes, err = in.ListIndexes(ctx, m.manifest.Table); err != nil {
		return st, err
	}
	if st.HaveForeignKeys, err = in.ListForeignKeys(ctx, m.manifest.Table); err != nil {
		return st, err
	}
	st.MissingIndexes = missing(m.manifest.Indexes.For(d), st.HaveIndexes)
	st.MissingForeignKeys = missing(m.manifest.ForeignKeys.For(d), st.HaveForeignKeys)
	return st, nil
}

func missing(want, have []string) []string {
	var out []string
	for _, w := range want {
		if !slices.ContainsFunc(have, func(h string) bool { return strings.EqualFold(h, w) }) {
			out = append(out, w)
		}
	}
	return out
}

// Quoter is satisfied by database.Conn.
type Quoter interface {
	Dialect() dialect.Dialect
	QuoteIdentifier(name string) string
}

// PassthroughView is the default contract view: every column of table.
func PassthroughView(conn Quoter, view, table string) string {
	head := "CREATE VIEW "
	if conn.Dialect().IsMySQL() {
		head = "CREATE ALGORITHM=MERGE VIEW "
	}
	return head + conn.QuoteIdentifier(view) + " AS SELECT * FROM " + conn.QuoteIdentifier(table)
}

// HasViewsFile reports whether schema holds a 040_views file for d.
func HasViewsFile(schema fs.FS, d dialect.Dialect) bool {
	return ViewsFile(schema, d) != ""
}

// ViewsFile returns the name of the 040_views file for d, or "".
func ViewsFile(schema fs.FS, d dialect.Dialect) string {
	return scriptFile(schema, "040_views", d)
}

// IndexesFile returns the name of the 020_indexes file for d, or "".
func IndexesFile(schema fs.FS, d dialect.Dialect) string {
	return scriptFile(schema, "020_indexes", d)
}

// SeedsFile returns the name of the 050_seeds file for d, or "".
func SeedsFile(schema fs.FS, d dialect.Dialect) string {
	return scriptFile(schema, "050_seeds", d)
}

func scriptFile(schema fs.FS, prefix string, d dialect.Dialect) string {
	if schema == nil {
		return ""
	}
	for _, sep := range []string{".", "_"} {
		name := path.Clean(prefix + sep + string(d) + ".sql")
		if _, err := fs.Stat(schema, name); err == nil {
			return name
		}
	}
	return ""
}
