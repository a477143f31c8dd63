package module

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/johndauphine/dbschema/internal/database/dbtest"
	"github.com/johndauphine/dbschema/internal/dialect"
)

const usersManifest = `table: users
view: vw_users
version: 1.2.0
dialects: [mysql, postgresql]
dependencies: [table-tenants]
indexes:
  mysql: [idx_users_email]
  postgres: [idx_users_email]
foreign_keys:
  mysql: [fk_users_tenant]
  postgres: [fk_users_tenant]
`

func modulesFS() fstest.MapFS {
	return fstest.MapFS{
		"modules/users/module.yaml":                     {Data: []byte(usersManifest)},
		"modules/users/schema/001_table.mysql.sql":      {Data: []byte("CREATE TABLE users (\n  id BIGINT PRIMARY KEY,\n  tenant_id BIGINT NOT NULL,\n  email VARCHAR(255) NOT NULL\n);\n")},
		"modules/users/schema/001_table.postgres.sql":   {Data: []byte("CREATE TABLE IF NOT EXISTS users (\n  id BIGSERIAL PRIMARY KEY,\n  tenant_id BIGINT NOT NULL,\n  email TEXT NOT NULL\n);\n")},
		"modules/users/schema/020_indexes.mysql.sql":    {Data: []byte("CREATE INDEX idx_users_email ON users (email);\n")},
		"modules/users/schema/020_indexes.postgres.sql": {Data: []byte("CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);\n")},
		"modules/users/schema/030_fks.mysql.sql":        {Data: []byte("ALTER TABLE users ADD CONSTRAINT fk_users_tenant FOREIGN KEY (tenant_id) REFERENCES tenants (id);\n")},
		"modules/users/schema/030_fks.postgres.sql":     {Data: []byte("ALTER TABLE users ADD CONSTRAINT fk_users_tenant FOREIGN KEY (tenant_id) REFERENCES tenants (id);\n")},
		"modules/tenants/module.yaml":                   {Data: []byte("table: tenants\nversion: 1.0.0\n")},
		"modules/tenants/schema/001_table.mysql.sql":    {Data: []byte("CREATE TABLE tenants (id BIGINT PRIMARY KEY);\n")},
		"modules/tenants/schema/001_table.postgres.sql": {Data: []byte("CREATE TABLE tenants (id BIGINT PRIMARY KEY);\n")},
		"modules/README.md":                             {Data: []byte("not a module")},
	}
}

func loadUsers(t *testing.T) *TableModule {
	t.Helper()
	mods, err := Load(modulesFS(), "modules", Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, m := range mods {
		if m.Table() == "users" {
			return m
		}
	}
	t.Fatal("users module not loaded")
	return nil
}

func TestLoad(t *testing.T) {
	mods, err := Load(modulesFS(), "modules", Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("loaded %d modules, want 2", len(mods))
	}
	if mods[0].Name() != "table-tenants" || mods[1].Name() != "table-users" {
		t.Errorf("names = %s, %s", mods[0].Name(), mods[1].Name())
	}
	users := mods[1]
	if users.Version() != "1.2.0" || users.ContractView() != "vw_users" {
		t.Errorf("users = %+v", users.Manifest())
	}
	if got := users.Dialects(); len(got) != 2 || got[1] != dialect.Postgres {
		t.Errorf("Dialects() = %v", got)
	}
	if got := users.Info(); got.Table != "users" || got.View != "vw_users" || got.Version != "1.2.0" {
		t.Errorf("Info() = %+v", got)
	}
	if !Supports(users, dialect.MySQL) || !Supports(mods[0], dialect.Postgres) {
		t.Error("Supports() = false for a declared dialect")
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing table", "version: 1.0.0\n", "table is required"},
		{"missing version", "table: t\n", "version is required"},
		{"bad dialect", "table: t\nversion: \"1\"\ndialects: [oracle]\n", "unknown dialect"},
		{"self dependency", "name: m\ntable: t\nversion: \"1\"\ndependencies: [m]\n", "depends on itself"},
		{"bad yaml", "table: [\n", "parsing manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseManifest error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	fsys := modulesFS()
	fsys["modules/users2/module.yaml"] = &fstest.MapFile{Data: []byte("table: users\nversion: 1.0.0\n")}
	if _, err := Load(fsys, "modules", Options{}); err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Errorf("Load error = %v, want duplicate", err)
	}
}

func TestInstallAndStatus(t *testing.T) {
	ctx := context.Background()
	for _, d := range dialect.All {
		t.Run(string(d), func(t *testing.T) {
			srv := dbtest.NewServer(d)
			srv.AddTable("tenants", "id")
			conn := srv.Conn()
			users := loadUsers(t)

			st, err := users.Status(ctx, conn)
			if err != nil {
				t.Fatal(err)
			}
			if st.Table || st.View || len(st.MissingIndexes) != 1 || len(st.MissingForeignKeys) != 1 {
				t.Errorf("status before install = %+v", st)
			}

			if err := users.Install(ctx, conn); err != nil {
				t.Fatalf("Install: %v", err)
			}
			tbl, ok := srv.Table("users")
			if !ok || !tbl.Indexes["idx_users_email"] || !tbl.ForeignKeys["fk_users_tenant"] {
				t.Fatalf("users table = %+v, %v", tbl, ok)
			}
			v, ok := srv.View("vw_users")
			if !ok {
				t.Fatal("passthrough view not created")
			}
			if d.IsMySQL() && v.Algorithm != "MERGE" {
				t.Errorf("view algorithm = %s, want MERGE", v.Algorithm)
			}

			st, err = users.Status(ctx, conn)
			if err != nil {
				t.Fatal(err)
			}
			if !st.Table || !st.View || len(st.MissingIndexes) != 0 || len(st.MissingForeignKeys) != 0 {
				t.Errorf("status after install = %+v", st)
			}

			// Re-running is tolerated.
			if err := users.Install(ctx, conn); err != nil {
				t.Errorf("second Install: %v", err)
			}
		})
	}
}

func TestInstallSkipsPassthroughWithViewsFile(t *testing.T) {
	ctx := context.Background()
	fsys := modulesFS()
	fsys["modules/users/schema/040_views.mysql.sql"] = &fstest.MapFile{Data: []byte("CREATE ALGORITHM=TEMPTABLE VIEW vw_users AS SELECT id FROM users;\n")}
	mods, err := Load(fsys, "modules", Options{})
	if err != nil {
		t.Fatal(err)
	}
	srv := dbtest.NewServer(dialect.MySQL)
	srv.AddTable("tenants", "id")
	if err := mods[1].Install(ctx, srv.Conn()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, ok := srv.View("vw_users"); ok {
		t.Error("Install created the view although a views file exists")
	}
	if ViewsFile(mods[1].SchemaFS(), dialect.MySQL) != "040_views.mysql.sql" {
		t.Error("ViewsFile did not find 040_views.mysql.sql")
	}
	if ViewsFile(mods[1].SchemaFS(), dialect.Postgres) != "" {
		t.Error("ViewsFile found a postgres views file")
	}
}

func TestUninstallKeepsTable(t *testing.T) {
	ctx := context.Background()
	for _, d := range dialect.All {
		t.Run(string(d), func(t *testing.T) {
			srv := dbtest.NewServer(d)
			srv.AddTable("tenants", "id")
			conn := srv.Conn()
			users := loadUsers(t)
			if err := users.Install(ctx, conn); err != nil {
				t.Fatal(err)
			}
			srv.ResetLog()
			if err := users.Uninstall(ctx, conn); err != nil {
				t.Fatalf("Uninstall: %v", err)
			}
			if _, ok := srv.View("vw_users"); ok {
				t.Error("view still present")
			}
			if !srv.HasTable("users") {
				t.Error("table dropped")
			}
			stmts := srv.Statements()
			if d.IsPostgres() && (len(stmts) == 0 || !strings.HasSuffix(stmts[len(stmts)-1], "CASCADE")) {
				t.Errorf("statements = %q, want DROP ... CASCADE", stmts)
			}
		})
	}
}

func TestPassthroughView(t *testing.T) {
	tests := []struct {
		d    dialect.Dialect
		want string
	}{
		{dialect.MySQL, "CREATE ALGORITHM=MERGE VIEW `vw_t` AS SELECT * FROM `t`"},
		{dialect.Postgres, `CREATE VIEW "vw_t" AS SELECT * FROM "t"`},
	}
	for _, tt := range tests {
		if got := PassthroughView(dbtest.New(tt.d), "vw_t", "t"); got != tt.want {
			t.Errorf("PassthroughView(%s) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2.0", "1.9.9", 1},
		{"v1.0.1", "1.0.0", 1},
		{"alpha", "beta", -1},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSelect(t *testing.T) {
	mods, err := Load(modulesFS(), "modules", Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Select(mods, []string{"users", "table-tenants"})
	if err != nil || len(got) != 2 || got[0].Table() != "users" {
		t.Errorf("Select = %v, %v", got, err)
	}
	if _, err := Select(mods, []string{"nope"}); err == nil {
		t.Error("Select(unknown) returned no error")
	}
	if all, _ := Select(mods, nil); len(all) != 2 {
		t.Errorf("Select(nil) = %d modules", len(all))
	}
}
