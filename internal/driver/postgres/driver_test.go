package postgres

import (
	"net/url"
	"testing"

	"github.com/johndauphine/dbschema/internal/config"
	"github.com/johndauphine/dbschema/internal/driver"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.DatabaseConfig
		wantSSL    string
		wantSearch string
	}{
		{
			name:    "default sslmode",
			cfg:     config.DatabaseConfig{Host: "db", Port: 5432, Database: "app", User: "app", Password: "s@cret/x"},
			wantSSL: "require",
		},
		{
			name:       "custom schema",
			cfg:        config.DatabaseConfig{Host: "db", Port: 6432, Database: "app", User: "app", Schema: "tenant", SSLMode: "disable"},
			wantSSL:    "disable",
			wantSearch: "tenant",
		},
	}
	d := &Driver{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := d.DSN(tt.cfg)
			if err != nil {
				t.Fatalf("DSN() error = %v", err)
			}
			u, err := url.Parse(dsn)
			if err != nil {
				t.Fatalf("url.Parse(%q) error = %v", dsn, err)
			}
			if u.Scheme != "postgres" || u.Path != "/"+tt.cfg.Database {
				t.Errorf("DSN = %q", dsn)
			}
			if pw, _ := u.User.Password(); pw != tt.cfg.Password {
				t.Errorf("password = %q, want %q", pw, tt.cfg.Password)
			}
			if got := u.Query().Get("sslmode"); got != tt.wantSSL {
				t.Errorf("sslmode = %q, want %q", got, tt.wantSSL)
			}
			if got := u.Query().Get("search_path"); got != tt.wantSearch {
				t.Errorf("search_path = %q, want %q", got, tt.wantSearch)
			}
		})
	}
}

func TestDSNParams(t *testing.T) {
	d := &Driver{}
	dsn, err := d.DSN(config.DatabaseConfig{Host: "db", Port: 5432, Database: "app",
		Params: map[string]string{"application_name": "dbschema", "sslmode": "verify-full"}})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	u, _ := url.Parse(dsn)
	if got := u.Query().Get("application_name"); got != "dbschema" {
		t.Errorf("application_name = %q", got)
	}
	if got := u.Query().Get("sslmode"); got != "verify-full" {
		t.Errorf("sslmode = %q, params should override", got)
	}
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{"postgres", "postgresql", "pg", "PgSQL"} {
		d, err := driver.Get(name)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", name, err)
		}
		if d.Name() != "postgres" || d.Defaults().Port != 5432 {
			t.Errorf("Get(%q) = %s/%d", name, d.Name(), d.Defaults().Port)
		}
	}
}
