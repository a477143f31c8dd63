package mysql

import (
	"testing"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/johndauphine/dbschema/internal/config"
	"github.com/johndauphine/dbschema/internal/driver"
)

func TestDSN(t *testing.T) {
	d := &Driver{}
	dsn, err := d.DSN(config.DatabaseConfig{
		Host: "db.local", Port: 3307, Database: "app", User: "app", Password: "p@ss:word",
		Params: map[string]string{"charset": "utf8mb4", "tls": "skip-verify"},
	})
	if err != nil {
		t.Fatalf("DSN() error = %v", err)
	}
	mc, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("ParseDSN(%q) error = %v", dsn, err)
	}
	if mc.Addr != "db.local:3307" || mc.DBName != "app" || mc.User != "app" || mc.Passwd != "p@ss:word" {
		t.Errorf("parsed config = %+v", mc)
	}
	if mc.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", mc.Timeout)
	}
	if mc.TLSConfig != "skip-verify" {
		t.Errorf("TLSConfig = %q, want skip-verify", mc.TLSConfig)
	}
	if mc.Params["charset"] != "utf8mb4" {
		t.Errorf("charset param = %q, want utf8mb4", mc.Params["charset"])
	}
}

func TestDSNPassthrough(t *testing.T) {
	d := &Driver{}
	in := "app:secret@tcp(localhost:3306)/app"
	got, err := d.DSN(config.DatabaseConfig{DSN: in})
	if err != nil || got != in {
		t.Errorf("DSN() = %q, %v; want %q", got, err, in)
	}
	if _, err := d.DSN(config.DatabaseConfig{DSN: "not a dsn"}); err == nil {
		t.Error("DSN() with an invalid dsn returned nil error")
	}
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{"mysql", "mariadb", "MARIA"} {
		d, err := driver.Get(name)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", name, err)
		}
		if d.Name() != "mysql" {
			t.Errorf("Get(%q).Name() = %q, want mysql", name, d.Name())
		}
	}
}
