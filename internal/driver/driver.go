// Package driver holds the pluggable database drivers. Each driver package
// (internal/driver/mysql, internal/driver/postgres) registers itself from
// init(); import it for its side effect.
package driver

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/johndauphine/dbschema/internal/config"
	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dialect"
)

// Defaults contains default connection values for a driver.
type Defaults struct {
	// Port is the default port (3306 for MySQL, 5432 for PostgreSQL).
	Port int

	// Schema is the default schema, empty when the dialect has none.
	Schema string

	// SSLMode is the default SSL mode for PostgreSQL-style connections.
	SSLMode string
}

// Driver opens pinned sessions for one dialect family.
//
// To add a database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&Driver{})
type Driver interface {
	// Name returns the primary driver name ("mysql", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Defaults returns the default configuration values for this driver.
	Defaults() Defaults

	// Dialect returns the dialect family the driver speaks.
	Dialect() dialect.Dialect

	// DSN builds the connection string for cfg. It carries credentials and
	// must never be logged.
	DSN(cfg config.DatabaseConfig) (string, error)

	// Open connects and returns a single pinned session.
	Open(ctx context.Context, cfg config.DatabaseConfig) (database.Conn, error)
}

// Open looks up the driver for cfg.Type and opens a session.
func Open(ctx context.Context, cfg config.DatabaseConfig) (database.Conn, error) {
	d, err := Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	conn, err := d.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", ConnID(cfg), err)
	}
	return conn, nil
}

// ConnID identifies the target database as host:port/database. It never
// includes credentials.
func ConnID(cfg config.DatabaseConfig) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/" + cfg.Database
}
