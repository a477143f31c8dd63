package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/module"
	"github.com/johndauphine/dbschema/internal/registry"
	"github.com/johndauphine/dbschema/internal/retry"
	"github.com/johndauphine/dbschema/internal/sqlsplit"
	"github.com/johndauphine/dbschema/internal/viewguard"
)

const viewIdent = "((?:[`\"]?[A-Za-z0-9_$]+[`\"]?\\.)?[`\"]?[A-Za-z0-9_$]+[`\"]?)"

// featureMarker tags view files that depend on other modules' tables.
const featureMarker = "schema-views-feature-"

var (
	indexStmt      = regexp.MustCompile(`(?i)^\s*(CREATE\s+INDEX|CREATE\s+UNIQUE\s+INDEX|ALTER\s+TABLE|DROP\s+INDEX)\b`)
	dropViewStmt   = regexp.MustCompile(`(?i)^\s*DROP\s+(MATERIALIZED\s+)?VIEW\b`)
	createViewStmt = regexp.MustCompile(`(?is)^\s*CREATE\s+(OR\s+REPLACE\s+)?(?:[^;]*?\s)?(MATERIALIZED\s+)?VIEW\s`)
	viewNameAs     = regexp.MustCompile(`(?i)\bVIEW\s+(?:IF\s+NOT\s+EXISTS\s+)?` + viewIdent + `\s+AS\b`)
	rawCreateView  = regexp.MustCompile(`(?is)CREATE\s+(?:OR\s+REPLACE\s+)?[^;]*?VIEW\s+` + viewIdent + `\s+AS\b.*?;`)

	definerDirective   = regexp.MustCompile("(?i)\\bDEFINER\\s*=\\s*(?:`[^`]+`@`[^`]+`|'[^']+'@'[^']+'|[^ \\t\\r\\n]+)\\s*")
	algorithmDirective = regexp.MustCompile(`(?i)\bALGORITHM\s*=\s*\w+\s*`)
	securityDirective  = regexp.MustCompile(`(?i)\bSQL\s+SECURITY\s+\w+\s*`)
	spaceRuns          = regexp.MustCompile(`[ \t]{2,}`)
)

func schemaFS(m module.Module) fs.FS {
	if s, ok := m.(module.SchemaSource); ok {
		return s.SchemaFS()
	}
	return nil
}

// statements reads a schema script and splits it with comments removed.
func (i *Installer) statements(fsys fs.FS, name string) (raw string, stmts []string, err error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", name, err)
	}
	raw = strings.TrimPrefix(string(data), "\uFEFF")
	return raw, sqlsplit.Split(registry.StripComments(raw, i.d), i.d), nil
}

func (i *Installer) replayIndexes(ctx context.Context, m module.Module) (int, error) {
	fsys := schemaFS(m)
	name := module.IndexesFile(fsys, i.d)
	if name == "" {
		return 0, nil
	}
	_, stmts, err := i.statements(fsys, name)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, stmt := range stmts {
		if !indexStmt.MatchString(stmt) {
			continue
		}
		opts := i.opts.IndexRetry
		opts.OnRetry = func(attempt int, err error, sleep time.Duration, c retry.Classification) {
			logging.Warn("%s: index statement attempt %d failed (%s), retrying in %s: %v", m.Name(), attempt, c.Reason, sleep, err)
		}
		if err := retry.Run(ctx, func(ctx context.Context) error { return i.exec.Exec(ctx, stmt) }, opts); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// viewStatements returns the CREATE VIEW statements of m's views file with
// directives normalised. Without feature views only the contract view is
// kept, and files marked as feature views are skipped entirely.
func (i *Installer) viewStatements(m module.Module, includeFeature bool) ([]string, error) {
	fsys := schemaFS(m)
	name := module.ViewsFile(fsys, i.d)
	if name == "" {
		return nil, nil
	}
	raw, stmts, err := i.statements(fsys, name)
	if err != nil {
		return nil, err
	}
	if !includeFeature && strings.Contains(raw, featureMarker) {
		return nil, nil
	}
	contract := dialect.BaseName(m.ContractView())
	keep := func(stmt string) bool {
		if includeFeature || contract == "" {
			return true
		}
		mm := viewNameAs.FindStringSubmatch(stmt)
		return mm != nil && dialect.BaseName(mm[1]) == contract
	}

	var out []string
	for _, stmt := range stmts {
		if dropViewStmt.MatchString(stmt) || !createViewStmt.MatchString(stmt) || !keep(stmt) {
			continue
		}
		out = append(out, i.normalizeDirectives(stmt))
	}
	if len(out) == 0 {
		for _, stmt := range rawCreateView.FindAllString(registry.StripComments(raw, i.d), -1) {
			stmt = strings.TrimSuffix(strings.TrimSpace(stmt), ";")
			if keep(stmt) {
				out = append(out, i.normalizeDirectives(stmt))
			}
		}
	}
	return out, nil
}

func (i *Installer) normalizeDirectives(stmt string) string {
	if !i.d.IsMySQL() {
		return stmt
	}
	if i.opts.StripDefiner {
		stmt = definerDirective.ReplaceAllString(stmt, "")
	}
	if i.opts.StripAlgorithm {
		stmt = algorithmDirective.ReplaceAllString(stmt, "")
	}
	if i.opts.StripSQLSecurity {
		stmt = securityDirective.ReplaceAllString(stmt, "")
	}
	return spaceRuns.ReplaceAllString(stmt, " ")
}

// declaredViews lists the views a replay would create, in file order.
func (i *Installer) declaredViews(m module.Module) ([]string, error) {
	return i.declaredViewsFor(m, i.featureViews)
}

func (i *Installer) declaredViewsFor(m module.Module, includeFeature bool) ([]string, error) {
	stmts, err := i.viewStatements(m, includeFeature)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, stmt := range stmts {
		if v, ok := viewguard.Parse(stmt); ok {
			names = append(names, v.Name)
		}
	}
	if len(names) == 0 && m.ContractView() != "" && !module.HasViewsFile(schemaFS(m), i.d) {
		names = append(names, m.ContractView())
	}
	return names, nil
}

func (i *Installer) missingViews(ctx context.Context, views []string) ([]string, error) {
	var out []string
	for _, v := range views {
		ok, err := i.in.HasAnyView(ctx, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// replayViews applies m's views through the view guard. A module without a
// views file gets its passthrough contract view.
func (i *Installer) replayViews(ctx context.Context, m module.Module, includeFeature bool) (int, error) {
	stmts, err := i.viewStatements(m, includeFeature)
	if err != nil {
		return 0, err
	}
	if len(stmts) == 0 && m.ContractView() != "" && !module.HasViewsFile(schemaFS(m), i.d) {
		stmts = []string{module.PassthroughView(i.conn, m.ContractView(), m.Table())}
	}
	n := 0
	for _, stmt := range stmts {
		if err := i.guard.Apply(ctx, stmt); err != nil {
			return n, err
		}
		n++
	}
	logging.Debug("%s: views: applied %d statement(s)", m.Name(), n)

	declared, err := i.declaredViewsFor(m, includeFeature)
	if err != nil {
		return n, err
	}
	missing, err := i.missingViews(ctx, declared)
	if err != nil {
		return n, err
	}
	if len(missing) == 0 {
		return n, nil
	}
	if i.opts.Diag {
		i.dumpViews(ctx, missing)
	}
	if i.opts.StrictViews {
		return n, &MissingObjectsError{Kind: "views", Names: missing}
	}
	logging.Warn("%s: views still missing after replay: %s", m.Name(), strings.Join(missing, ", "))
	return n, nil
}

func (i *Installer) replaySeeds(ctx context.Context, m module.Module) (int, error) {
	fsys := schemaFS(m)
	name := module.SeedsFile(fsys, i.d)
	if name == "" {
		return 0, nil
	}
	_, stmts, err := i.statements(fsys, name)
	if err != nil {
		return 0, err
	}
	for k, stmt := range stmts {
		if err := i.exec.Exec(ctx, stmt); err != nil {
			return k, err
		}
	}
	logging.Debug("%s: seeds: %d statement(s)", m.Name(), len(stmts))
	return len(stmts), nil
}

func (i *Installer) traceViews(ctx context.Context, views []string) {
	for _, v := range views {
		if !i.d.IsMySQL() {
			logging.Info("views: %s directives=N/A", v)
			continue
		}
		dir, err := i.in.ViewDirectives(ctx, v)
		if err != nil {
			logging.Warn("views: %s directives unavailable: %v", v, err)
			continue
		}
		logging.Info("views: %s %s", v, dir)
	}
}

func (i *Installer) dumpViews(ctx context.Context, views []string) {
	for _, v := range views {
		def, err := i.in.ViewDefinition(ctx, v)
		if err != nil || def == "" {
			logging.Debug("[diag] view %s: no definition (%v)", v, err)
			continue
		}
		sum := sha256.Sum256([]byte(def))
		logging.Debug("[diag] view %s sha=%s head=%s", v, hex.EncodeToString(sum[:])[:12], sqlsplit.Preview(def))
	}
}
