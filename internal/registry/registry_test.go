package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/johndauphine/dbschema/internal/database/dbtest"
	"github.com/johndauphine/dbschema/internal/dialect"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		d    dialect.Dialect
		want string
	}{
		{"bom and crlf", "\uFEFFCREATE TABLE t (id INT);  \r\n", dialect.MySQL, "CREATE TABLE t (id INT);\n"},
		{"mysql comments", "-- header\nCREATE TABLE t ( # trailing\n  id INT /* inline */\n);\n", dialect.MySQL, "CREATE TABLE t ( \n  id INT \n);\n"},
		{"mysql dash needs trailing space", "SELECT 1 --x\n", dialect.MySQL, "SELECT 1 --x\n"},
		{"postgres dash without trailing space", "SELECT 1 --x\n", dialect.Postgres, "SELECT 1\n"},
		{"hash is literal on postgres", "SELECT '#' AS h # not a comment\n", dialect.Postgres, "SELECT '#' AS h # not a comment\n"},
		{"comment markers in strings", "SELECT '-- keep', \"/* keep */\";\n", dialect.MySQL, "SELECT '-- keep', \"/* keep */\";\n"},
		{"definer and or replace", "CREATE OR REPLACE ALGORITHM=MERGE DEFINER=`root`@`%` VIEW v AS SELECT 1;", dialect.MySQL, "CREATE ALGORITHM=MERGE  VIEW v AS SELECT 1;\n"},
		{"delimiter lines", "DELIMITER //\nCREATE TRIGGER x BEFORE INSERT ON t FOR EACH ROW BEGIN END//\nDELIMITER ;\n", dialect.MySQL, "CREATE TRIGGER x BEFORE INSERT ON t FOR EACH ROW BEGIN END//\n"},
		{"search path", "SET search_path TO app;\nCREATE TABLE t (id INT);\n", dialect.Postgres, "CREATE TABLE t (id INT);\n"},
		{"blank runs", "A;\n\n\n\n\nB;\n", dialect.Postgres, "A;\n\nB;\n"},
		{"dollar body", "CREATE FUNCTION f() RETURNS int AS $$ SELECT 1 -- kept\n $$ LANGUAGE sql;", dialect.Postgres, "CREATE FUNCTION f() RETURNS int AS $$ SELECT 1 -- kept\n $$ LANGUAGE sql;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize(tt.in, tt.d); got != tt.want {
				t.Errorf("Canonicalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripCommentsUnterminatedBlock(t *testing.T) {
	if got := StripComments("SELECT 1; /* open", dialect.MySQL); got != "SELECT 1; " {
		t.Errorf("StripComments = %q", got)
	}
}

func schemaFS() fstest.MapFS {
	return fstest.MapFS{
		"m/schema/001_table.mysql.sql":    {Data: []byte("CREATE TABLE t (id INT);\n")},
		"m/schema/001_table.postgres.sql": {Data: []byte("CREATE TABLE t (id BIGINT);\n")},
		"m/schema/050_seeds.mysql.sql":    {Data: []byte("INSERT INTO t VALUES (1);\n")},
		"m/schema/notes_mysql.sql":        {Data: []byte("-- not numbered\n")},
	}
}

var info = Info{Table: "t", View: "vw_t", Version: "1.0.0"}

func TestChecksumGolden(t *testing.T) {
	sum, files, err := Checksum(schemaFS(), "m/schema", info, dialect.MySQL, false)
	if err != nil {
		t.Fatal(err)
	}
	if sum != "492752659d76cb2b9576fc561ba18f5d2496b3defa413d3955899de545020e55" {
		t.Errorf("Checksum = %s", sum)
	}
	if len(files) != 1 || files[0].Name != "001_table.mysql.sql" || files[0].Len != 25 {
		t.Errorf("files = %+v", files)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	base, _, err := Checksum(schemaFS(), "m/schema", info, dialect.MySQL, false)
	if err != nil {
		t.Fatal(err)
	}

	cosmetic := schemaFS()
	cosmetic["m/schema/001_table.mysql.sql"] = &fstest.MapFile{Data: []byte("-- tidy\r\nCREATE TABLE t (id INT);   \r\n\r\n\r\n\r\n")}
	if sum, _, _ := Checksum(cosmetic, "m/schema", info, dialect.MySQL, false); sum != base {
		t.Error("cosmetic edit changed the checksum")
	}

	changed := schemaFS()
	changed["m/schema/001_table.mysql.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t (id BIGINT);\n")}
	if sum, _, _ := Checksum(changed, "m/schema", info, dialect.MySQL, false); sum == base {
		t.Error("schema edit did not change the checksum")
	}

	bumped := info
	bumped.Version = "1.1.0"
	if sum, _, _ := Checksum(schemaFS(), "m/schema", bumped, dialect.MySQL, false); sum == base {
		t.Error("version bump did not change the checksum")
	}

	seeds, files, _ := Checksum(schemaFS(), "m/schema", info, dialect.MySQL, true)
	if seeds == base || len(files) != 2 {
		t.Errorf("includeSeeds: files = %+v", files)
	}

	pg, _, _ := Checksum(schemaFS(), "m/schema", info, dialect.Postgres, false)
	if pg == base || len(pg) != 64 {
		t.Errorf("postgres checksum = %q", pg)
	}
}

func TestChecksumFilesOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"s/020_indexes.postgres.sql": {Data: []byte("x")},
		"s/001_Table.postgres.sql":   {Data: []byte("x")},
		"s/001_a_postgres.sql":       {Data: []byte("x")},
		"s/1_short.postgres.sql":     {Data: []byte("x")},
		"s/010_fk.mysql.sql":         {Data: []byte("x")},
	}
	got, err := ChecksumFiles(fsys, "s", dialect.Postgres, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001_a_postgres.sql", "001_Table.postgres.sql", "020_indexes.postgres.sql"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ChecksumFiles = %v, want %v", got, want)
	}
}

func TestStoreEnsure(t *testing.T) {
	ctx := context.Background()
	for _, d := range dialect.All {
		t.Run(string(d), func(t *testing.T) {
			srv := dbtest.NewServer(d)
			s := NewStore(srv.Conn())
			if ok, _ := s.Exists(ctx); ok {
				t.Fatal("registry exists before Ensure")
			}
			for i := 0; i < 2; i++ {
				if err := s.Ensure(ctx); err != nil {
					t.Fatalf("Ensure: %v", err)
				}
			}
			if !srv.HasTable(Table) {
				t.Fatal("registry table not created")
			}
			if n := len(srv.DDL()); n != 1 {
				t.Errorf("DDL count = %d, want 1", n)
			}
			// A fresh store on an existing registry issues no DDL.
			srv.ResetLog()
			if err := NewStore(srv.Conn()).Ensure(ctx); err != nil || len(srv.DDL()) != 0 {
				t.Errorf("Ensure on existing registry: err=%v ddl=%v", err, srv.DDL())
			}
		})
	}
}

func TestStoreUpsertVariants(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		d       dialect.Dialect
		version string
		want    string
	}{
		{"mysql 8.0.36", dialect.MySQL, "8.0.36", "AS _new"},
		{"mysql 8.0.19", dialect.MySQL, "8.0.19", "VALUES(version)"},
		{"mariadb", dialect.MySQL, "10.11.6-MariaDB", "VALUES(version)"},
		{"postgres", dialect.Postgres, "16.2", "ON CONFLICT (module_name)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := dbtest.NewServer(tt.d)
			srv.Version = tt.version
			s := NewStore(srv.Conn())
			if err := s.Ensure(ctx); err != nil {
				t.Fatal(err)
			}
			srv.ResetLog()

			if err := s.Upsert(ctx, "table-users", "1.0.0", "abc"); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.Upsert(ctx, "table-users", "1.1.0", "def"); err != nil {
				t.Fatalf("second Upsert: %v", err)
			}
			stmts := srv.Statements()
			if len(stmts) != 2 || !strings.Contains(stmts[0], tt.want) {
				t.Errorf("statements = %q, want two containing %q", stmts, tt.want)
			}

			rec, found, err := s.Get(ctx, "table-users")
			if err != nil || !found {
				t.Fatalf("Get = %+v, %v, %v", rec, found, err)
			}
			if rec.Version != "1.1.0" || rec.Checksum != "def" {
				t.Errorf("record = %+v", rec)
			}
		})
	}
}

func TestStoreUpsertFallback(t *testing.T) {
	ctx := context.Background()
	srv := dbtest.NewServer(dialect.MySQL)
	s := NewStore(srv.Conn())
	if err := s.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	srv.Fail("AS _new", dbtest.MySQLError(1064, "42000", "syntax error"), 1)

	if err := s.Upsert(ctx, "table-users", "1.0.0", "abc"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if row, ok := srv.RegistryRow("table-users"); !ok || row.Version != "1.0.0" {
		t.Errorf("row = %+v, %v", row, ok)
	}

	boom := errors.New("disk full")
	srv.Fail("INSERT INTO _schema_registry", boom, 2)
	if err := s.Upsert(ctx, "table-users", "1.0.1", "abc"); !errors.Is(err, boom) {
		t.Errorf("Upsert error = %v, want %v", err, boom)
	}
}

func TestStoreGetAndAll(t *testing.T) {
	ctx := context.Background()
	srv := dbtest.NewServer(dialect.Postgres)
	s := NewStore(srv.Conn())
	if err := s.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if _, found, err := s.Get(ctx, "table-missing"); err != nil || found {
		t.Errorf("Get(missing) found=%v err=%v", found, err)
	}
	srv.SetRegistryRow("table-users", "1.0.0", "a")
	srv.SetRegistryRow("table-accounts", "2.0.0", "b")

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Module != "table-accounts" || all[1].Version != "1.0.0" {
		t.Errorf("All = %+v", all)
	}
	if all[0].InstalledAt == "" {
		t.Error("InstalledAt not populated")
	}
}
