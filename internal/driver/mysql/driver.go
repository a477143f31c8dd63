// Package mysql provides the MySQL/MariaDB driver. It registers itself with
// the driver registry on import.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/johndauphine/dbschema/internal/config"
	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/driver"
	"github.com/johndauphine/dbschema/internal/logging"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for MySQL and MariaDB.
type Driver struct{}

func (d *Driver) Name() string { return "mysql" }

func (d *Driver) Aliases() []string { return []string{"mariadb", "maria"} }

func (d *Driver) Defaults() driver.Defaults { return driver.Defaults{Port: 3306} }

func (d *Driver) Dialect() dialect.Dialect { return dialect.MySQL }

// DSN builds a go-sql-driver DSN. An explicit cfg.DSN is validated and
// returned as is.
func (d *Driver) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.DSN != "" {
		if _, err := mysqldrv.ParseDSN(cfg.DSN); err != nil {
			return "", fmt.Errorf("parsing mysql dsn: %w", err)
		}
		return cfg.DSN, nil
	}
	mc := mysqldrv.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.Timeout = 10 * time.Second
	mc.MultiStatements = false
	if len(cfg.Params) > 0 {
		mc.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			if k == "tls" {
				mc.TLSConfig = v
				continue
			}
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN(), nil
}

// Open connects and pins one session.
func (d *Driver) Open(ctx context.Context, cfg config.DatabaseConfig) (database.Conn, error) {
	dsn, err := d.DSN(cfg)
	if err != nil {
		return nil, err
	}
	id := driver.ConnID(cfg)
	if cfg.DSN != "" {
		if mc, err := mysqldrv.ParseDSN(cfg.DSN); err == nil {
			id = mc.Addr + "/" + mc.DBName
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquiring session: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logging.Info("Connected to MySQL: %s", id)
	return &Conn{db: db, conn: conn, id: id}, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is a pinned MySQL session.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
	tx   *sql.Tx
	id   string

	version string
}

func (c *Conn) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q().ExecContext(ctx, query, args...)
	return err
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (*database.Rows, error) {
	rows, err := c.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return database.Collect(rows)
}

func (c *Conn) Dialect() dialect.Dialect { return dialect.MySQL }

func (c *Conn) ID() string { return c.id }

func (c *Conn) DriverName() string { return "mysql" }

func (c *Conn) ServerVersion(ctx context.Context) (string, error) {
	if c.version != "" {
		return c.version, nil
	}
	rows, err := c.Query(ctx, "SELECT VERSION()")
	if err != nil {
		return "", fmt.Errorf("reading server version: %w", err)
	}
	v, _ := rows.Scalar()
	c.version = v
	return v, nil
}

func (c *Conn) QuoteIdentifier(name string) string { return dialect.MySQL.QuoteQualified(name) }

func (c *Conn) Placeholder(n int) string { return dialect.MySQL.Placeholder(n) }

func (c *Conn) InTransaction() bool { return c.tx != nil }

// WithTransaction runs fn in a transaction. Nested calls join the outer
// one. MySQL commits implicitly on DDL, so this only groups DML.
func (c *Conn) WithTransaction(ctx context.Context, opts database.TxOptions, fn func(ctx context.Context) error) error {
	if c.tx != nil {
		return fn(ctx)
	}
	txOpts := &sql.TxOptions{}
	if opts.Serializable {
		txOpts.Isolation = sql.LevelSerializable
	}
	tx, err := c.conn.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	c.tx = tx
	defer func() { c.tx = nil }()

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logging.Warn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// WithStatementTimeout sets the session execution limit for fn and restores
// the previous value afterwards. MySQL uses max_execution_time (ms),
// MariaDB max_statement_time (seconds).
func (c *Conn) WithStatementTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	raw, err := c.ServerVersion(ctx)
	if err != nil {
		return err
	}
	variable, value := "max_execution_time", strconv.FormatInt(timeout.Milliseconds(), 10)
	if database.ParseServerVersion(raw).MariaDB {
		variable, value = "max_statement_time", strconv.FormatFloat(timeout.Seconds(), 'f', 3, 64)
	}

	rows, err := c.Query(ctx, "SELECT @@SESSION."+variable)
	if err != nil {
		return fmt.Errorf("reading %s: %w", variable, err)
	}
	prev, ok := rows.Scalar()
	if !ok {
		prev = "0"
	}
	if err := c.Exec(ctx, "SET SESSION "+variable+" = "+value); err != nil {
		return fmt.Errorf("setting %s: %w", variable, err)
	}
	defer func() {
		// Restore on a context that survives cancellation of ctx.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.Exec(rctx, "SET SESSION "+variable+" = "+prev); err != nil {
			logging.Warn("restoring %s: %v", variable, err)
		}
	}()
	return fn(ctx)
}

func (c *Conn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
