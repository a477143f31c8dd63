package sqlsplit

import (
	"reflect"
	"strings"
	"testing"

	"github.com/johndauphine/dbschema/internal/dialect"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		dialect dialect.Dialect
		script  string
		want    []string
	}{
		{
			name:    "simple",
			dialect: dialect.MySQL,
			script:  "CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);\n",
			want:    []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:    "semicolon in single quoted string",
			dialect: dialect.Postgres,
			script:  "INSERT INTO t VALUES ('a;b');SELECT 1",
			want:    []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name:    "doubled quote escape",
			dialect: dialect.Postgres,
			script:  "SELECT 'it''s; fine'; SELECT 2;",
			want:    []string{"SELECT 'it''s; fine'", "SELECT 2"},
		},
		{
			name:    "double quoted identifier",
			dialect: dialect.Postgres,
			script:  `CREATE TABLE "odd;name" (id int); SELECT 1;`,
			want:    []string{`CREATE TABLE "odd;name" (id int)`, "SELECT 1"},
		},
		{
			name:    "backtick identifier mysql",
			dialect: dialect.MySQL,
			script:  "CREATE TABLE `x;y` (id INT); SELECT 1;",
			want:    []string{"CREATE TABLE `x;y` (id INT)", "SELECT 1"},
		},
		{
			name:    "line comment",
			dialect: dialect.Postgres,
			script:  "SELECT 1 -- not; here\n;SELECT 2;",
			want:    []string{"SELECT 1 -- not; here", "SELECT 2"},
		},
		{
			name:    "hash comment mysql",
			dialect: dialect.MySQL,
			script:  "SELECT 1 # a;b\n;",
			want:    []string{"SELECT 1 # a;b"},
		},
		{
			name:    "block comment",
			dialect: dialect.MySQL,
			script:  "SELECT /* ; */ 1; SELECT 2",
			want:    []string{"SELECT /* ; */ 1", "SELECT 2"},
		},
		{
			name:    "dollar quoted body",
			dialect: dialect.Postgres,
			script: "CREATE FUNCTION f() RETURNS int AS $body$ BEGIN RETURN 1; END; $body$ LANGUAGE plpgsql;\n" +
				"SELECT 1;",
			want: []string{
				"CREATE FUNCTION f() RETURNS int AS $body$ BEGIN RETURN 1; END; $body$ LANGUAGE plpgsql",
				"SELECT 1",
			},
		},
		{
			name:    "anonymous dollar tag",
			dialect: dialect.Postgres,
			script:  "DO $$ BEGIN PERFORM 1; END $$;",
			want:    []string{"DO $$ BEGIN PERFORM 1; END $$"},
		},
		{
			name:    "positional parameter is not a dollar tag",
			dialect: dialect.Postgres,
			script:  "SELECT $1; SELECT $2;",
			want:    []string{"SELECT $1", "SELECT $2"},
		},
		{
			name:    "delimiter directive",
			dialect: dialect.MySQL,
			script: "DELIMITER //\n" +
				"CREATE TRIGGER trg BEFORE INSERT ON t FOR EACH ROW BEGIN SET NEW.a = 1; END//\n" +
				"DELIMITER ;\n" +
				"SELECT 1;",
			want: []string{
				"CREATE TRIGGER trg BEFORE INSERT ON t FOR EACH ROW BEGIN SET NEW.a = 1; END",
				"SELECT 1",
			},
		},
		{
			name:    "delimiter directive after a terminator",
			dialect: dialect.MySQL,
			script: "SELECT 1; DELIMITER //\n" +
				"CREATE PROCEDURE p() BEGIN SELECT 2; END//\n" +
				"DELIMITER ;\n" +
				"SELECT 3;",
			want: []string{
				"SELECT 1",
				"CREATE PROCEDURE p() BEGIN SELECT 2; END",
				"SELECT 3",
			},
		},
		{
			name:    "delimiter directive is mysql only",
			dialect: dialect.Postgres,
			script:  "SELECT 1; DELIMITER //\nSELECT 2;",
			want:    []string{"SELECT 1", "DELIMITER //\nSELECT 2"},
		},
		{
			name:    "delimiter word mid-line is ordinary text",
			dialect: dialect.MySQL,
			script:  "SELECT 'x' AS delimiter; SELECT 2;",
			want:    []string{"SELECT 'x' AS delimiter", "SELECT 2"},
		},
		{
			name:    "backslash escaped quote mysql",
			dialect: dialect.MySQL,
			script:  `INSERT INTO t VALUES ('a\';b'); SELECT 1;`,
			want:    []string{`INSERT INTO t VALUES ('a\';b')`, "SELECT 1"},
		},
		{
			name:    "even backslashes close the literal",
			dialect: dialect.MySQL,
			script:  `SELECT 'a\\'; SELECT 2;`,
			want:    []string{`SELECT 'a\\'`, "SELECT 2"},
		},
		{
			name:    "backslash is literal on postgres",
			dialect: dialect.Postgres,
			script:  `SELECT 'a\'; SELECT 2;`,
			want:    []string{`SELECT 'a\'`, "SELECT 2"},
		},
		{
			name:    "bom and trailing remainder",
			dialect: dialect.MySQL,
			script:  "\uFEFFSELECT 1;\n  SELECT 2  ",
			want:    []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:    "comment only remainder dropped",
			dialect: dialect.Postgres,
			script:  "SELECT 1;\n-- trailing note\n",
			want:    []string{"SELECT 1"},
		},
		{
			name:    "comment only statement dropped",
			dialect: dialect.MySQL,
			script:  "SELECT 1; /* note */ ; # other\n; SELECT 2;",
			want:    []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:    "empty statements skipped",
			dialect: dialect.MySQL,
			script:  ";;  ;\n",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.script, tt.dialect)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitNeverBreaksLiterals(t *testing.T) {
	literals := []string{
		"'a;b'",
		`"a;b"`,
		"/* a;b */",
		"$x$ a;b $x$",
	}
	for _, lit := range literals {
		script := "SELECT " + lit + " AS c; SELECT 2;"
		got := Split(script, dialect.Postgres)
		if len(got) != 2 {
			t.Errorf("Split(%q) = %q, want 2 statements", script, got)
			continue
		}
		if !strings.Contains(got[0], lit) {
			t.Errorf("first statement %q lost literal %q", got[0], lit)
		}
	}
}

func TestStripComments(t *testing.T) {
	in := "SELECT 1 -- one\n/* block */SELECT '--kept' # hash\n"
	got := StripComments(in, dialect.MySQL)
	want := "SELECT 1 \n SELECT '--kept' \n"
	if got != want {
		t.Errorf("StripComments() = %q, want %q", got, want)
	}

	pg := StripComments("SELECT '#'; # not a comment on postgres", dialect.Postgres)
	if !strings.Contains(pg, "# not a comment") {
		t.Errorf("StripComments(postgres) removed hash text: %q", pg)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("CREATE TABLE t (\n\tid INT\n)"); got != "CREATE TABLE t ( id INT )" {
		t.Errorf("Preview() = %q", got)
	}
	long := strings.Repeat("x", PreviewLen+50)
	if got := Preview(long); len(got) != PreviewLen+3 {
		t.Errorf("Preview(long) length = %d, want %d", len(got), PreviewLen+3)
	}
}
