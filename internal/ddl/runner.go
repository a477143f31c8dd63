package ddl

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"math"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/logging"
)

// Files skipped by RunDirectory; views and seeds are replayed separately.
var skippedPrefixes = []string{"040_views", "050_seeds"}

// SchemaFiles lists the files in dir that belong to dialect d
// (*.<d>.sql and *_<d>.sql), ordered by numeric prefix then natural name.
func SchemaFiles(fsys fs.FS, dir string, d dialect.Dialect) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range []string{"*." + string(d) + ".sql", "*_" + string(d) + ".sql"} {
		matches, err := fs.Glob(fsys, path.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	SortFiles(files)
	return files, nil
}

// RunDirectory applies every schema file in dir except views and seeds.
// It returns the number of files applied.
func (e *Executor) RunDirectory(ctx context.Context, fsys fs.FS, dir string) (int, error) {
	files, err := SchemaFiles(fsys, dir, e.d)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, file := range files {
		base := path.Base(file)
		if slices.ContainsFunc(skippedPrefixes, func(p string) bool { return strings.HasPrefix(base, p) }) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("reading %s: %w", file, err)
		}
		logging.Debug("ddl: applying %s", base)
		if err := e.ExecScript(ctx, string(data)); err != nil {
			return applied, fmt.Errorf("applying %s: %w", base, err)
		}
		applied++
	}
	return applied, nil
}

var numericPrefix = regexp.MustCompile(`^(\d+)`)

// prefixOf returns the leading number of a file's base name. Files without
// one sort after every numbered file.
func prefixOf(name string) int {
	m := numericPrefix.FindString(path.Base(name))
	if m == "" {
		return math.MaxInt
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return math.MaxInt
	}
	return n
}

// SortFiles orders paths by numeric prefix, then by natural
// case-insensitive comparison of the base name.
func SortFiles(files []string) {
	slices.SortStableFunc(files, func(a, b string) int {
		if c := cmp.Compare(prefixOf(a), prefixOf(b)); c != 0 {
			return c
		}
		return NaturalCompare(path.Base(a), path.Base(b))
	})
}

// NaturalCompare compares a and b case-insensitively, treating runs of
// digits as numbers, so "v2" sorts before "v10".
func NaturalCompare(a, b string) int {
	a, b = strings.ToLower(a), strings.ToLower(b)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			sj := j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			na := strings.TrimLeft(a[si:i], "0")
			nb := strings.TrimLeft(b[sj:j], "0")
			if len(na) != len(nb) {
				return cmp.Compare(len(na), len(nb))
			}
			if c := strings.Compare(na, nb); c != 0 {
				return c
			}
			continue
		}
		if ca != cb {
			return cmp.Compare(int(ca), int(cb))
		}
		i++
		j++
	}
	return cmp.Compare(len(a)-i, len(b)-j)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
