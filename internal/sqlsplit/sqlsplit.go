// Package sqlsplit splits SQL scripts into statements without being confused
// by terminators inside literals, identifiers, comments or dollar-quoted
// bodies. It is a boundary detector, not a parser.
package sqlsplit

import (
	"regexp"
	"strings"

	"github.com/johndauphine/dbschema/internal/dialect"
)

const bom = "\uFEFF"

// PreviewLen is the maximum length of a statement preview in logs and errors.
const PreviewLen = 200

type state int

const (
	bare state = iota
	singleQuote
	doubleQuote
	backtick
	dollarQuote
	lineComment
	blockComment
)

var (
	delimiterLine = regexp.MustCompile(`(?i)^[ \t]*DELIMITER[ \t]+(\S+)`)
	dollarTag     = regexp.MustCompile(`^\$(?:[A-Za-z_][A-Za-z0-9_]*)?\$`)
	whitespace    = regexp.MustCompile(`\s+`)
)

type scanner struct {
	src      string
	d        dialect.Dialect
	split    bool // honour terminators and DELIMITER directives
	comments bool // copy comment text into the output

	st    state
	tag   string
	delim string
	buf   strings.Builder
	out   []string
}

// Split returns the ordered, trimmed, non-empty statements of script.
// Statements consisting only of comments are dropped.
func Split(script string, d dialect.Dialect) []string {
	s := &scanner{src: strings.TrimPrefix(script, bom), d: d, split: true, comments: true, delim: ";"}
	s.run()
	s.flush()
	return s.out
}

// StripComments removes line and block comments that are outside literals.
// Line comments keep their terminating newline; block comments become a
// single space.
func StripComments(script string, d dialect.Dialect) string {
	s := &scanner{src: strings.TrimPrefix(script, bom), d: d, delim: ";"}
	s.run()
	return s.buf.String()
}

// Preview returns a single-line head of stmt suitable for logs.
func Preview(stmt string) string {
	one := strings.TrimSpace(whitespace.ReplaceAllString(stmt, " "))
	if len(one) > PreviewLen {
		return one[:PreviewLen] + "..."
	}
	return one
}

func (s *scanner) run() {
	src := s.src
	mysql := s.d.IsMySQL()
	i := 0
	for i < len(src) {
		c := src[i]
		var next byte
		if i+1 < len(src) {
			next = src[i+1]
		}

		switch s.st {
		case bare:
			if s.split && mysql && s.directiveStart(i) {
				if n, ok := s.delimiterDirective(i); ok {
					i = n
					continue
				}
			}
			if s.split && strings.HasPrefix(src[i:], s.delim) {
				s.flush()
				i += len(s.delim)
				continue
			}
			switch {
			case c == '\'':
				s.st = singleQuote
			case c == '"':
				s.st = doubleQuote
			case c == '`' && mysql:
				s.st = backtick
			case c == '$' && s.d.IsPostgres() && !identByte(prev(src, i)):
				if tag := dollarTag.FindString(src[i:]); tag != "" {
					s.st = dollarQuote
					s.tag = tag
					s.buf.WriteString(tag)
					i += len(tag)
					continue
				}
			case c == '-' && next == '-', c == '#' && mysql:
				s.st = lineComment
				if !s.comments {
					i++
					continue
				}
			case c == '/' && next == '*':
				s.st = blockComment
				if s.comments {
					s.buf.WriteString("/*")
				}
				i += 2
				continue
			}
			s.buf.WriteByte(c)
			i++

		case singleQuote, doubleQuote:
			quote := byte('\'')
			if s.st == doubleQuote {
				quote = '"'
			}
			if c == '\\' && mysql && i+1 < len(src) {
				s.buf.WriteString(src[i : i+2])
				i += 2
				continue
			}
			if c == quote && next == quote {
				s.buf.WriteString(src[i : i+2])
				i += 2
				continue
			}
			if c == quote {
				s.st = bare
			}
			s.buf.WriteByte(c)
			i++

		case backtick:
			if c == '`' && next == '`' {
				s.buf.WriteString("``")
				i += 2
				continue
			}
			if c == '`' {
				s.st = bare
			}
			s.buf.WriteByte(c)
			i++

		case dollarQuote:
			if strings.HasPrefix(src[i:], s.tag) {
				s.buf.WriteString(s.tag)
				i += len(s.tag)
				s.st = bare
				s.tag = ""
				continue
			}
			s.buf.WriteByte(c)
			i++

		case lineComment:
			if c == '\n' {
				s.st = bare
				s.buf.WriteByte(c)
			} else if s.comments {
				s.buf.WriteByte(c)
			}
			i++

		case blockComment:
			if c == '*' && next == '/' {
				s.st = bare
				if s.comments {
					s.buf.WriteString("*/")
				} else {
					s.buf.WriteByte(' ')
				}
				i += 2
				continue
			}
			if s.comments {
				s.buf.WriteByte(c)
			}
			i++
		}
	}
}

// directiveStart reports whether a DELIMITER directive may begin at i: at the
// start of a line, or anywhere the current statement is still blank, as in
// "SELECT 1; DELIMITER //".
func (s *scanner) directiveStart(i int) bool {
	if i == 0 || s.src[i-1] == '\n' {
		return true
	}
	c := s.src[i]
	return (c == 'D' || c == 'd') && strings.TrimSpace(s.buf.String()) == ""
}

// delimiterDirective handles a MySQL client "DELIMITER xx" directive starting
// at i. It returns the offset just past the end of its line.
func (s *scanner) delimiterDirective(i int) (int, bool) {
	end := strings.IndexByte(s.src[i:], '\n')
	line := s.src[i:]
	if end >= 0 {
		line = s.src[i : i+end]
	}
	m := delimiterLine.FindStringSubmatch(line)
	if m == nil {
		return i, false
	}
	s.flush()
	s.delim = m[1]
	if end < 0 {
		return len(s.src), true
	}
	return i + end + 1, true
}

func (s *scanner) flush() {
	stmt := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if stmt == "" {
		return
	}
	if strings.TrimSpace(StripComments(stmt, s.d)) == "" {
		return
	}
	s.out = append(s.out, stmt)
}

func prev(src string, i int) byte {
	if i == 0 {
		return 0
	}
	return src[i-1]
}

func identByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
