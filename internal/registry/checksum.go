package registry

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/johndauphine/dbschema/internal/dialect"
)

// Info identifies a module in the checksum payload.
type Info struct {
	Table   string `json:"table"`
	View    string `json:"view"`
	Version string `json:"version"`
}

// FileDigest is the per-file entry of a checksum.
type FileDigest struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
	Len  int    `json:"len"`
}

type payload struct {
	Info    Info         `json:"info"`
	Dialect string       `json:"dialect"`
	Files   []FileDigest `json:"files"`
}

var (
	trailingBlanks = regexp.MustCompile(`(?m)[ \t]+$`)
	definerClause  = regexp.MustCompile(`(?i)\bDEFINER\s*=\s*[^ ]+`)
	delimiterLine  = regexp.MustCompile(`(?mi)^\s*DELIMITER\s+\S+.*$`)
	searchPathLine = regexp.MustCompile(`(?mi)^\s*SET\s+search_path\s+.*$`)
	createOrRepl   = regexp.MustCompile(`(?i)\bCREATE\s+OR\s+REPLACE\b`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)
	schemaFileName = regexp.MustCompile(`(?i)^(\d{3})_[a-z0-9_]+[._](mysql|postgres)\.sql$`)
	seedsFileName  = regexp.MustCompile(`(?i)^050_seeds[._](mysql|postgres)\.sql$`)
)

// Canonicalize reduces a schema file to the form that is hashed, so that
// cosmetic edits (line endings, comments, definers, OR REPLACE) do not
// register as drift.
func Canonicalize(sql string, d dialect.Dialect) string {
	s := strings.TrimPrefix(sql, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailingBlanks.ReplaceAllString(s, "")
	s = StripComments(s, d)
	if d.IsMySQL() {
		s = definerClause.ReplaceAllString(s, "")
		s = delimiterLine.ReplaceAllString(s, "")
	} else {
		s = searchPathLine.ReplaceAllString(s, "")
	}
	s = createOrRepl.ReplaceAllString(s, "CREATE")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s) + "\n"
}

// StripComments removes comments outside quotes and dollar-quoted bodies.
// A "--" comment must follow whitespace (on MySQL it must also be followed
// by whitespace or a control character); "#" comments are MySQL only and
// must follow whitespace; block comments are removed entirely, and an
// unterminated one drops the rest of the input.
func StripComments(sql string, d dialect.Dialect) string {
	sql = strings.TrimPrefix(sql, "\uFEFF")
	sql = strings.ReplaceAll(sql, "\u00a0", " ")
	mysql := d.IsMySQL()

	var out strings.Builder
	out.Grow(len(sql))
	var quote byte // ', ", ` or 0
	dollar := ""
	inDollar := false

	for i := 0; i < len(sql); {
		c := sql[i]
		var next byte
		if i+1 < len(sql) {
			next = sql[i+1]
		}

		if inDollar {
			if strings.HasPrefix(sql[i:], dollar) {
				out.WriteString(dollar)
				i += len(dollar)
				inDollar = false
				continue
			}
			out.WriteByte(c)
			i++
			continue
		}
		if quote != 0 {
			out.WriteByte(c)
			i++
			if c == quote {
				if next == quote {
					out.WriteByte(next)
					i++
					continue
				}
				quote = 0
			}
			continue
		}

		switch {
		case c == '$':
			if tag := dollarTag.FindString(sql[i:]); tag != "" {
				dollar, inDollar = tag, true
				out.WriteString(tag)
				i += len(tag)
				continue
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '/' && next == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return out.String()
			}
			i += 2 + end + 2
			continue
		case c == '-' && next == '-':
			startToken := i == 0 || isSpace(sql[i-1])
			after := byte(' ')
			if i+2 < len(sql) {
				after = sql[i+2]
			}
			if startToken && (!mysql || isSpace(after) || after < 32) {
				i = lineEnd(sql, i)
				continue
			}
		case c == '#' && mysql:
			if i == 0 || isSpace(sql[i-1]) {
				i = lineEnd(sql, i)
				continue
			}
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

var dollarTag = regexp.MustCompile(`^\$[A-Za-z0-9_]*\$`)

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

func lineEnd(s string, i int) int {
	for i < len(s) && s[i] != '\n' && s[i] != '\r' {
		i++
	}
	return i
}

// ChecksumFiles lists the checksummed files of dir for dialect d, in
// checksum order.
func ChecksumFiles(fsys fs.FS, dir string, d dialect.Dialect, includeSeeds bool) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := schemaFileName.FindStringSubmatch(e.Name())
		if m == nil || !strings.EqualFold(m[2], string(d)) {
			continue
		}
		if !includeSeeds && seedsFileName.MatchString(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	slices.SortFunc(files, func(a, b string) int {
		na, _ := strconv.Atoi(a[:3])
		nb, _ := strconv.Atoi(b[:3])
		if c := cmp.Compare(na, nb); c != 0 {
			return c
		}
		return cmp.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return files, nil
}

// Checksum hashes the canonical form of a module's schema files together
// with its identity. The result is a 64 character hex SHA-256.
func Checksum(fsys fs.FS, dir string, info Info, d dialect.Dialect, includeSeeds bool) (string, []FileDigest, error) {
	names, err := ChecksumFiles(fsys, dir, d, includeSeeds)
	if err != nil {
		return "", nil, err
	}
	digests := make([]FileDigest, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return "", nil, fmt.Errorf("reading %s: %w", name, err)
		}
		canon := Canonicalize(string(data), d)
		sum := sha256.Sum256([]byte(canon))
		digests = append(digests, FileDigest{Name: name, SHA: hex.EncodeToString(sum[:]), Len: len(canon)})
	}

	sum, err := Sum(info, d, digests)
	if err != nil {
		return "", nil, err
	}
	return sum, digests, nil
}

// Sum hashes the checksum payload for already computed file digests.
func Sum(info Info, d dialect.Dialect, files []FileDigest) (string, error) {
	if files == nil {
		files = []FileDigest{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload{Info: info, Dialect: string(d), Files: files}); err != nil {
		return "", fmt.Errorf("encoding checksum payload: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), nil
}
