package introspect

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/database/dbtest"
	"github.com/johndauphine/dbschema/internal/dialect"
)

func TestHasTableAndView(t *testing.T) {
	ctx := context.Background()
	for _, d := range dialect.All {
		t.Run(string(d), func(t *testing.T) {
			srv := dbtest.NewServer(d)
			srv.AddTable("users", "id", "email")
			srv.AddView(dbtest.View{Name: "vw_users"})
			in := New(srv.Conn())

			tests := []struct {
				name string
				fn   func(context.Context, string) (bool, error)
				arg  string
				want bool
			}{
				{"table", in.HasTable, "users", true},
				{"table upper case", in.HasTable, "USERS", true},
				{"qualified table", in.HasTable, "app.users", true},
				{"missing table", in.HasTable, "orders", false},
				{"view", in.HasView, "vw_users", true},
				{"any view", in.HasAnyView, "vw_users", true},
				{"missing view", in.HasView, "vw_orders", false},
			}
			for _, tt := range tests {
				got, err := tt.fn(ctx, tt.arg)
				if err != nil {
					t.Fatalf("%s: error = %v", tt.name, err)
				}
				if got != tt.want {
					t.Errorf("%s(%q) = %v, want %v", tt.name, tt.arg, got, tt.want)
				}
			}
		})
	}
}

func TestScopeQueries(t *testing.T) {
	my := &Introspector{d: dialect.MySQL}
	where, args := my.scope("TABLE_SCHEMA", "TABLE_NAME", "users", 0)
	if where != "TABLE_SCHEMA = DATABASE() AND LOWER(TABLE_NAME) = LOWER(?)" || !reflect.DeepEqual(args, []any{"users"}) {
		t.Errorf("mysql scope = %q %v", where, args)
	}

	pg := &Introspector{d: dialect.Postgres}
	where, args = pg.scope("table_schema", "table_name", `"sales"."Orders"`, 0)
	if where != "LOWER(table_schema) = LOWER($1) AND LOWER(table_name) = LOWER($2)" {
		t.Errorf("postgres scope = %q", where)
	}
	if !reflect.DeepEqual(args, []any{"sales", "Orders"}) {
		t.Errorf("postgres scope args = %v", args)
	}
	where, _ = pg.scope("schemaname", "tablename", "orders", 0)
	if !strings.Contains(where, "current_schemas(true)") {
		t.Errorf("unqualified postgres scope = %q, want search path", where)
	}
}

func TestListIndexesAndForeignKeys(t *testing.T) {
	ctx := context.Background()
	srv := dbtest.NewServer(dialect.MySQL)
	conn := srv.Conn()
	for _, stmt := range []string{
		"CREATE TABLE tenants (id BIGINT PRIMARY KEY)",
		"CREATE TABLE users (id BIGINT, tenant_id BIGINT, CONSTRAINT fk_users_tenant FOREIGN KEY (tenant_id) REFERENCES tenants (id))",
		"CREATE INDEX IDX_Users_Tenant ON users (tenant_id)",
	} {
		if err := conn.Exec(ctx, stmt); err != nil {
			t.Fatal(err)
		}
	}
	in := New(conn)

	idx, err := in.ListIndexes(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(idx, []string{"idx_users_tenant"}) {
		t.Errorf("ListIndexes = %v", idx)
	}
	fks, err := in.ListForeignKeys(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fks, []string{"fk_users_tenant"}) {
		t.Errorf("ListForeignKeys = %v", fks)
	}
	ok, err := in.HasColumn(ctx, "users", "TENANT_ID")
	if err != nil || !ok {
		t.Errorf("HasColumn = %v, %v", ok, err)
	}
}

func TestViewDirectives(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.New(dialect.MySQL)
	if err := conn.Exec(ctx, "CREATE TABLE users (id INT)"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Exec(ctx, "CREATE ALGORITHM=TEMPTABLE SQL SECURITY INVOKER VIEW vw_users AS SELECT * FROM users"); err != nil {
		t.Fatal(err)
	}

	got, err := New(conn).ViewDirectives(ctx, "vw_users")
	if err != nil {
		t.Fatal(err)
	}
	if got.Algorithm != "TEMPTABLE" || got.Security != "INVOKER" {
		t.Errorf("ViewDirectives = %+v", got)
	}
	if got.Definer != "`app`@`%`" {
		t.Errorf("Definer = %q", got.Definer)
	}

	pg, err := New(dbtest.New(dialect.Postgres)).ViewDirectives(ctx, "vw_users")
	if err != nil || pg != (Directives{}) {
		t.Errorf("postgres ViewDirectives = %+v, %v; want empty", pg, err)
	}
}

func TestParseDirectives(t *testing.T) {
	tests := []struct {
		sql  string
		want Directives
	}{
		{"CREATE ALGORITHM=MERGE VIEW v AS SELECT 1", Directives{Algorithm: "MERGE"}},
		{"CREATE OR REPLACE ALGORITHM = temptable DEFINER=`root`@`localhost` SQL SECURITY DEFINER VIEW v AS SELECT 1",
			Directives{Algorithm: "TEMPTABLE", Security: "DEFINER", Definer: "`root`@`localhost`"}},
		{"CREATE VIEW v AS SELECT 'ALGORITHM=MERGE'", Directives{}},
	}
	for _, tt := range tests {
		if got := ParseDirectives(tt.sql); got != tt.want {
			t.Errorf("ParseDirectives(%q) = %+v, want %+v", tt.sql, got, tt.want)
		}
	}
}

func TestCountParseError(t *testing.T) {
	conn := &stubConn{rows: database.NewRows([]string{"n"}, []*string{database.Str("many")})}
	if _, err := New(conn).HasTable(context.Background(), "t"); err == nil {
		t.Error("HasTable should fail on a non-numeric count")
	}
}

type stubConn struct {
	rows *database.Rows
}

func (s *stubConn) Exec(ctx context.Context, q string, args ...any) error { return nil }
func (s *stubConn) Query(ctx context.Context, q string, args ...any) (*database.Rows, error) {
	return s.rows, nil
}
func (s *stubConn) Dialect() dialect.Dialect           { return dialect.MySQL }
func (s *stubConn) QuoteIdentifier(name string) string { return dialect.MySQL.QuoteQualified(name) }
