package module

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/dbschema/internal/dialect"
)

// ManifestFile is the per-module descriptor file name.
const ManifestFile = "module.yaml"

// SchemaDir is the directory holding a module's schema files.
const SchemaDir = "schema"

// Manifest is the contents of module.yaml.
type Manifest struct {
	Name         string    `yaml:"name,omitempty"`
	Table        string    `yaml:"table"`
	View         string    `yaml:"view,omitempty"`
	Version      string    `yaml:"version"`
	Dialects     []string  `yaml:"dialects,omitempty"`
	Dependencies []string  `yaml:"dependencies,omitempty"`
	Indexes      ByDialect `yaml:"indexes,omitempty"`
	ForeignKeys  ByDialect `yaml:"foreign_keys,omitempty"`

	// Dir is the module directory relative to the load root.
	Dir string `yaml:"-"`
}

// ByDialect lists object names per dialect.
type ByDialect struct {
	MySQL    []string `yaml:"mysql,omitempty"`
	Postgres []string `yaml:"postgres,omitempty"`
}

// For returns the names declared for d.
func (b ByDialect) For(d dialect.Dialect) []string {
	if d.IsPostgres() {
		return b.Postgres
	}
	return b.MySQL
}

// ParseManifest decodes and validates a module.yaml document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m *Manifest) validate() error {
	var errs []error
	m.Table = strings.TrimSpace(m.Table)
	if m.Table == "" {
		errs = append(errs, errors.New("table is required"))
	}
	if strings.TrimSpace(m.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}
	for i, d := range m.Dialects {
		parsed, err := dialect.Parse(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.Dialects[i] = string(parsed)
	}
	if slices.Contains(m.Dependencies, m.Name) && m.Name != "" {
		errs = append(errs, fmt.Errorf("module %s depends on itself", m.Name))
	}
	return errors.Join(errs...)
}

// Load discovers modules under root: each directory holding a module.yaml
// becomes a TableModule whose schema files are read from its schema/
// subdirectory. root itself may be a module directory.
func Load(fsys fs.FS, root string, opts Options) ([]*TableModule, error) {
	root = path.Clean(root)
	var dirs []string
	if _, err := fs.Stat(fsys, path.Join(root, ManifestFile)); err == nil {
		dirs = append(dirs, root)
	}
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("reading modules dir %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := path.Join(root, e.Name())
		if _, err := fs.Stat(fsys, path.Join(dir, ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}

	var mods []*TableModule
	seen := map[string]string{}
	for _, dir := range dirs {
		data, err := fs.ReadFile(fsys, path.Join(dir, ManifestFile))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path.Join(dir, ManifestFile), err)
		}
		man, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Join(dir, ManifestFile), err)
		}
		man.Dir = dir
		schema, err := fs.Sub(fsys, path.Join(dir, SchemaDir))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		m := New(man, schema, opts)
		if prev, dup := seen[m.Name()]; dup {
			return nil, fmt.Errorf("module %s declared twice (%s and %s)", m.Name(), prev, dir)
		}
		seen[m.Name()] = dir
		mods = append(mods, m)
	}
	return mods, nil
}

// Select returns the modules named in names, in the order given. Each name
// may be a module name or its bare table name.
func Select[T Module](mods []T, names []string) ([]T, error) {
	if len(names) == 0 {
		return mods, nil
	}
	var out []T
	for _, name := range names {
		i := slices.IndexFunc(mods, func(m T) bool { return m.Name() == name || m.Table() == name })
		if i < 0 {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		out = append(out, mods[i])
	}
	return out, nil
}
