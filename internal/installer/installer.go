// Package installer decides, per module, whether to install, upgrade,
// repair or skip, and records the outcome in the schema registry.
package installer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/ddl"
	"github.com/johndauphine/dbschema/internal/depgraph"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/introspect"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/module"
	"github.com/johndauphine/dbschema/internal/registry"
	"github.com/johndauphine/dbschema/internal/retry"
	"github.com/johndauphine/dbschema/internal/viewguard"
)

// Options are the installer toggles.
type Options struct {
	// Repair always re-checks indexes and replays views.
	Repair               bool
	SkipViews            bool
	StrictViews          bool
	RunSeeds             bool
	ChecksumIncludeSeeds bool
	IncludeFeatureViews  bool

	// Directive stripping applied to MySQL CREATE VIEW statements.
	StripDefiner     bool
	StripAlgorithm   bool
	StripSQLSecurity bool

	TraceSQL   bool
	TraceFiles bool
	TraceViews bool
	Diag       bool

	Views viewguard.Options
	// IndexRetry governs 020_indexes statements. A zero Attempts selects
	// 3 attempts from 25ms, doubling to 1s, with full jitter.
	IndexRetry retry.Options
}

// Action is what happened to a module.
type Action string

const (
	ActionNone    Action = "none"
	ActionInstall Action = "install"
	ActionUpgrade Action = "upgrade"
)

// Result describes one module's pass.
type Result struct {
	Module          string        `json:"module"`
	Action          Action        `json:"action"`
	From            string        `json:"from,omitempty"`
	To              string        `json:"to"`
	Checksum        string        `json:"checksum"`
	Drift           bool          `json:"drift"`
	IndexesReplayed int           `json:"indexes_replayed"`
	ViewsReplayed   int           `json:"views_replayed"`
	SeedsReplayed   int           `json:"seeds_replayed"`
	Duration        time.Duration `json:"duration"`
	Err             error         `json:"-"`
}

// Observer is told about every module the installer processes.
type Observer interface {
	ModuleStarted(name string)
	ModuleFinished(r Result)
}

// Installer runs modules against one connection.
type Installer struct {
	conn  database.Conn
	d     dialect.Dialect
	opts  Options
	store *registry.Store
	in    *introspect.Introspector
	exec  *ddl.Executor
	guard *viewguard.Guard

	observer Observer
	// featureViews is cleared during the first InstallOrUpgradeAll pass.
	featureViews bool
	skipNotified map[string]bool
	seq          int
}

// New returns an Installer bound to conn.
func New(conn database.Conn, opts Options) *Installer {
	if opts.IndexRetry.Attempts == 0 {
		def := retry.Default()
		opts.IndexRetry.Attempts = def.Attempts
		opts.IndexRetry.Initial = def.Initial
		opts.IndexRetry.Factor = def.Factor
		opts.IndexRetry.Max = def.Max
		opts.IndexRetry.Jitter = def.Jitter
	}
	vopts := opts.Views
	vopts.Trace = vopts.Trace || opts.TraceViews
	if opts.StripAlgorithm {
		vopts.AllowMissingAlgorithm = true
	}
	exec := ddl.New(conn)
	exec.Trace = opts.TraceSQL
	return &Installer{
		conn:         conn,
		d:            conn.Dialect(),
		opts:         opts,
		store:        registry.NewStore(conn),
		in:           introspect.New(conn),
		exec:         exec,
		guard:        viewguard.New(conn, vopts),
		featureViews: opts.IncludeFeatureViews,
		skipNotified: map[string]bool{},
	}
}

// SetObserver installs o; nil disables reporting.
func (i *Installer) SetObserver(o Observer) { i.observer = o }

// Registry exposes the registry store.
func (i *Installer) Registry() *registry.Store { return i.store }

// Stats returns the DDL counters of the shared executor.
func (i *Installer) Stats() ddl.Stats { return i.exec.Stats }

// InstallOrUpgrade brings one module up to its target version. The
// registry row is written only after every step succeeded.
func (i *Installer) InstallOrUpgrade(ctx context.Context, m module.Module) (res Result, err error) {
	start := time.Now()
	i.seq++
	name := m.Name()
	res = Result{Module: name, Action: ActionNone, To: m.Version()}
	if i.observer != nil {
		i.observer.ModuleStarted(name)
	}
	defer func() {
		res.Duration = time.Since(start)
		res.Err = err
		if i.observer != nil {
			i.observer.ModuleFinished(res)
		}
	}()
	i.diag("begin #%d module=%s target=%s dialect=%s", i.seq, name, m.Version(), i.d)

	if err := i.store.Ensure(ctx); err != nil {
		return res, wrap(name, PhaseRegistry, err)
	}
	if !module.Supports(m, i.d) {
		return res, wrap(name, PhaseDialect, fmt.Errorf("%w: %s", ErrUnsupportedDialect, i.d))
	}
	rec, found, err := i.store.Get(ctx, name)
	if err != nil {
		return res, wrap(name, PhaseRegistry, err)
	}
	res.From = rec.Version
	sum, err := i.Checksum(m)
	if err != nil {
		return res, wrap(name, PhaseChecksum, err)
	}
	res.Checksum = sum

	hasTable := true
	if t := m.Table(); t != "" {
		if hasTable, err = i.in.HasTable(ctx, t); err != nil {
			return res, wrap(name, PhaseInstall, err)
		}
	}

	didWork := false
	switch {
	case !found || !hasTable:
		if err := i.assertDependencies(ctx, m); err != nil {
			return res, wrap(name, PhaseDependencies, err)
		}
		reason := "no registry row"
		if found {
			reason = "primary table " + m.Table() + " missing"
		}
		logging.Info("%s: installing %s (%s)", name, m.Version(), reason)
		if err := m.Install(ctx, i.conn); err != nil {
			return res, wrap(name, PhaseInstall, err)
		}
		res.Action, didWork = ActionInstall, true

	case module.CompareVersions(rec.Version, m.Version()) < 0:
		if err := i.assertDependencies(ctx, m); err != nil {
			return res, wrap(name, PhaseDependencies, err)
		}
		logging.Info("%s: upgrading %s -> %s", name, rec.Version, m.Version())
		if err := m.Upgrade(ctx, i.conn, rec.Version); err != nil {
			return res, wrap(name, PhaseUpgrade, err)
		}
		res.Action, didWork = ActionUpgrade, true
	}
	res.Drift = found && rec.Checksum != "" && rec.Checksum != sum
	if res.Drift {
		i.diag("%s: checksum drift %s -> %s", name, rec.Checksum, sum)
	}

	if didWork || i.opts.Repair {
		if res.IndexesReplayed, err = i.ensureIndexes(ctx, m); err != nil {
			return res, wrap(name, PhaseIndexes, err)
		}
	}

	views, err := i.declaredViews(m)
	if err != nil {
		return res, wrap(name, PhaseViews, err)
	}
	missing, err := i.missingViews(ctx, views)
	if err != nil {
		return res, wrap(name, PhaseViews, err)
	}
	var reasons []string
	if didWork {
		reasons = append(reasons, "work")
	}
	if i.opts.Repair {
		reasons = append(reasons, "repair")
	}
	if res.Drift {
		reasons = append(reasons, "drift")
	}
	if len(missing) > 0 {
		reasons = append(reasons, "views-missing")
	}
	switch {
	case len(reasons) > 0 && !i.opts.SkipViews:
		logging.Debug("%s: views: replay (%s)", name, strings.Join(reasons, ", "))
		if res.ViewsReplayed, err = i.replayViews(ctx, m, i.featureViews); err != nil {
			return res, wrap(name, PhaseViews, err)
		}
	case !i.skipNotified[name]:
		i.skipNotified[name] = true
		why := "no work, no repair, no drift, all present"
		if i.opts.SkipViews {
			why = "disabled"
		}
		logging.Debug("%s: views: skip (%s)", name, why)
	}

	if i.opts.RunSeeds && (didWork || i.opts.Repair || res.Drift) {
		if res.SeedsReplayed, err = i.replaySeeds(ctx, m); err != nil {
			return res, wrap(name, PhaseSeeds, err)
		}
	}

	if err := i.store.Upsert(ctx, name, m.Version(), sum); err != nil {
		return res, wrap(name, PhaseRecord, err)
	}
	if i.opts.TraceViews {
		i.traceViews(ctx, views)
	}
	i.diag("end #%d module=%s action=%s", i.seq, name, res.Action)
	return res, nil
}

// InstallOrUpgradeAll runs every module in dependency order. Feature views
// are held back during the first pass and, when enabled, replayed in up to
// two further rounds once every table exists.
func (i *Installer) InstallOrUpgradeAll(ctx context.Context, modules []module.Module) ([]Result, error) {
	i.skipNotified = map[string]bool{}
	if err := i.store.Ensure(ctx); err != nil {
		return nil, wrap("registry", PhaseRegistry, err)
	}
	ordered, err := depgraph.Sort(modules)
	if err != nil {
		return nil, err
	}
	logging.Debug("installer: order %v", depgraph.Names(ordered))

	i.featureViews = false
	results := make([]Result, 0, len(ordered))
	for _, m := range ordered {
		if err := ctx.Err(); err != nil {
			i.featureViews = i.opts.IncludeFeatureViews
			return results, err
		}
		res, err := i.InstallOrUpgrade(ctx, m)
		results = append(results, res)
		if err != nil {
			i.featureViews = i.opts.IncludeFeatureViews
			return results, err
		}
	}
	i.featureViews = i.opts.IncludeFeatureViews
	if !i.featureViews || i.opts.SkipViews {
		return results, nil
	}

	pending := ordered
	var lastErr error
	for round := 1; round <= 2 && len(pending) > 0; round++ {
		var next []module.Module
		for _, m := range pending {
			n, err := i.replayViews(ctx, m, true)
			if err != nil {
				lastErr = wrap(m.Name(), PhaseViews, err)
				next = append(next, m)
				logging.Debug("views: second pass round %d failed for %s: %v", round, m.Name(), err)
				continue
			}
			for k := range results {
				if results[k].Module == m.Name() {
					results[k].ViewsReplayed += n
				}
			}
		}
		pending = next
	}
	if len(pending) > 0 && lastErr != nil {
		return results, lastErr
	}
	return results, nil
}

// ModuleStatus is the read-only view of one module.
type ModuleStatus struct {
	Module         string            `json:"module"`
	Table          string            `json:"table"`
	Installed      string            `json:"installed,omitempty"`
	Target         string            `json:"target"`
	NeedsInstall   bool              `json:"needs_install"`
	NeedsUpgrade   bool              `json:"needs_upgrade"`
	Dialects       []dialect.Dialect `json:"dialects,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Checksum       string            `json:"checksum"`
	StoredChecksum string            `json:"stored_checksum,omitempty"`
	InstalledAt    string            `json:"installed_at,omitempty"`
	Status         module.Status     `json:"status"`
	Error          string            `json:"error,omitempty"`
}

// Drift reports whether the stored checksum differs from the computed one.
func (s ModuleStatus) Drift() bool {
	return s.StoredChecksum != "" && s.StoredChecksum != s.Checksum
}

// Status reports every module without changing the database. A missing
// registry table means nothing is installed.
func (i *Installer) Status(ctx context.Context, modules []module.Module) ([]ModuleStatus, error) {
	exists, err := i.store.Exists(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModuleStatus, 0, len(modules))
	for _, m := range modules {
		st := ModuleStatus{
			Module:       m.Name(),
			Table:        m.Table(),
			Target:       m.Version(),
			Dialects:     m.Dialects(),
			Dependencies: m.Dependencies(),
		}
		if exists {
			rec, found, err := i.store.Get(ctx, m.Name())
			if err != nil {
				return nil, err
			}
			if found {
				st.Installed, st.StoredChecksum, st.InstalledAt = rec.Version, rec.Checksum, rec.InstalledAt
			}
		}
		st.NeedsInstall = st.Installed == ""
		st.NeedsUpgrade = !st.NeedsInstall && module.CompareVersions(st.Installed, st.Target) < 0
		if st.Checksum, err = i.Checksum(m); err != nil {
			st.Error = err.Error()
		}
		if ms, err := m.Status(ctx, i.conn); err == nil {
			st.Status = ms
		} else if st.Error == "" {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out, nil
}

// Uninstall removes the module's view. The registry row is left in place.
func (i *Installer) Uninstall(ctx context.Context, m module.Module) error {
	logging.Info("%s: uninstalling", m.Name())
	return wrap(m.Name(), PhaseUninstall, m.Uninstall(ctx, i.conn))
}

// Checksum computes m's checksum for the connection's dialect.
func (i *Installer) Checksum(m module.Module) (string, error) {
	fsys := schemaFS(m)
	if fsys == nil {
		return registry.Sum(m.Info(), i.d, nil)
	}
	sum, files, err := registry.Checksum(fsys, ".", m.Info(), i.d, i.opts.ChecksumIncludeSeeds)
	if err != nil {
		return "", err
	}
	if i.opts.TraceFiles {
		logging.Debug("schema[%s] dialect=%s files=%d", m.Name(), i.d, len(files))
		for _, f := range files {
			logging.Debug("  - %s sha256=%s len=%d", f.Name, f.SHA, f.Len)
		}
	}
	return sum, nil
}

func (i *Installer) assertDependencies(ctx context.Context, m module.Module) error {
	var missing []string
	for _, dep := range m.Dependencies() {
		_, found, err := i.store.Get(ctx, dep)
		if err != nil {
			return err
		}
		if !found {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &MissingDependencyError{Module: m.Name(), Missing: missing}
	}
	return nil
}

// ensureIndexes replays 020_indexes when the module reports missing
// indexes, and fails if any are still missing afterwards.
func (i *Installer) ensureIndexes(ctx context.Context, m module.Module) (int, error) {
	st, err := m.Status(ctx, i.conn)
	if err != nil {
		return 0, err
	}
	if len(st.MissingIndexes) == 0 {
		return 0, nil
	}
	logging.Info("%s: missing indexes %s, replaying index script", m.Name(), strings.Join(st.MissingIndexes, ", "))
	n, err := i.replayIndexes(ctx, m)
	if err != nil {
		return n, err
	}
	st, err = m.Status(ctx, i.conn)
	if err != nil {
		return n, err
	}
	if len(st.MissingIndexes) > 0 {
		return n, &MissingObjectsError{Kind: "indexes", Names: st.MissingIndexes}
	}
	return n, nil
}

func (i *Installer) diag(format string, args ...any) {
	if i.opts.Diag {
		logging.Debug("[diag] "+format, args...)
	}
}
