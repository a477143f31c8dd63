// Package postgres provides the PostgreSQL driver implementation.
// It registers itself with the driver registry on import.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/johndauphine/dbschema/internal/config"
	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/driver"
	"github.com/johndauphine/dbschema/internal/logging"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for PostgreSQL databases.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Aliases returns alternative names for this driver.
func (d *Driver) Aliases() []string {
	return []string{"postgresql", "pg", "pgsql"}
}

// Defaults returns the default configuration values for PostgreSQL.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{
		Port:    5432,
		Schema:  "public",
		SSLMode: "require", // Secure default
	}
}

// Dialect returns the PostgreSQL dialect.
func (d *Driver) Dialect() dialect.Dialect {
	return dialect.Postgres
}

// DSN builds a postgres:// URL. An explicit cfg.DSN wins.
func (d *Driver) DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.DSN != "" {
		if _, err := pgxpool.ParseConfig(cfg.DSN); err != nil {
			return "", fmt.Errorf("parsing postgres dsn: %w", err)
		}
		return cfg.DSN, nil
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}

	params := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = d.Defaults().SSLMode
	}
	params.Set("sslmode", sslMode)
	if cfg.Schema != "" && cfg.Schema != "public" {
		params.Set("search_path", cfg.Schema)
	}
	for k, v := range cfg.Params {
		params.Set(k, v)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// Open connects and pins a single session from a one-connection pool.
func (d *Driver) Open(ctx context.Context, cfg config.DatabaseConfig) (database.Conn, error) {
	dsn, err := d.DSN(cfg)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolConfig.MaxConns = 1
	poolConfig.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("acquiring session: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	cc := poolConfig.ConnConfig
	id := net.JoinHostPort(cc.Host, strconv.Itoa(int(cc.Port))) + "/" + cc.Database
	logging.Info("Connected to PostgreSQL: %s", id)
	return &Conn{pool: pool, conn: conn, id: id}, nil
}

// Conn is a pinned PostgreSQL session.
type Conn struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
	tx   pgx.Tx
	id   string

	version string
}

const savepoint = "dbschema_stmt"

// Exec runs query. Inside a transaction each statement is wrapped in a
// savepoint so a failed statement leaves the transaction usable.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	if c.tx == nil {
		_, err := c.conn.Exec(ctx, query, args...)
		return err
	}
	return c.guarded(ctx, func() error {
		_, err := c.tx.Exec(ctx, query, args...)
		return err
	})
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (*database.Rows, error) {
	var out *database.Rows
	run := func() error {
		var (
			rows pgx.Rows
			err  error
		)
		if c.tx != nil {
			rows, err = c.tx.Query(ctx, query, args...)
		} else {
			rows, err = c.conn.Query(ctx, query, args...)
		}
		if err != nil {
			return err
		}
		out, err = collect(rows)
		return err
	}
	if c.tx == nil {
		return out, run()
	}
	err := c.guarded(ctx, run)
	return out, err
}

func (c *Conn) guarded(ctx context.Context, fn func() error) error {
	if _, err := c.tx.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := c.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := c.tx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("releasing savepoint: %w", err)
	}
	return nil
}

func collect(rows pgx.Rows) (*database.Rows, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	out := &database.Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]sql.NullString, len(vals))
		for i, v := range vals {
			row[i] = database.TextValue(v)
		}
		out.Values = append(out.Values, row)
	}
	return out, rows.Err()
}

func (c *Conn) Dialect() dialect.Dialect { return dialect.Postgres }

func (c *Conn) ID() string { return c.id }

func (c *Conn) DriverName() string { return "postgres" }

func (c *Conn) ServerVersion(ctx context.Context) (string, error) {
	if c.version != "" {
		return c.version, nil
	}
	rows, err := c.Query(ctx, "SHOW server_version")
	if err != nil {
		return "", fmt.Errorf("reading server version: %w", err)
	}
	v, _ := rows.Scalar()
	c.version = v
	return v, nil
}

func (c *Conn) QuoteIdentifier(name string) string { return dialect.Postgres.QuoteQualified(name) }

func (c *Conn) Placeholder(n int) string { return dialect.Postgres.Placeholder(n) }

func (c *Conn) InTransaction() bool { return c.tx != nil }

// WithTransaction runs fn in a transaction. Nested calls join the outer one.
func (c *Conn) WithTransaction(ctx context.Context, opts database.TxOptions, fn func(ctx context.Context) error) error {
	if c.tx != nil {
		return fn(ctx)
	}
	txOpts := pgx.TxOptions{}
	if opts.Serializable {
		txOpts.IsoLevel = pgx.Serializable
	}
	tx, err := c.conn.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	c.tx = tx
	defer func() { c.tx = nil }()

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logging.Warn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// WithStatementTimeout applies statement_timeout for fn. Inside a
// transaction SET LOCAL scopes it; otherwise the previous value is restored.
func (c *Conn) WithStatementTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)
	if c.tx != nil {
		if err := c.Exec(ctx, "SET LOCAL statement_timeout = "+ms); err != nil {
			return fmt.Errorf("setting statement_timeout: %w", err)
		}
		return fn(ctx)
	}

	rows, err := c.Query(ctx, "SHOW statement_timeout")
	if err != nil {
		return fmt.Errorf("reading statement_timeout: %w", err)
	}
	prev, ok := rows.Scalar()
	if !ok || prev == "" {
		prev = "0"
	}
	if err := c.Exec(ctx, "SET statement_timeout = "+ms); err != nil {
		return fmt.Errorf("setting statement_timeout: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.Exec(rctx, "SET statement_timeout = "+pq.QuoteLiteral(prev)); err != nil {
			logging.Warn("restoring statement_timeout: %v", err)
		}
	}()
	return fn(ctx)
}

func (c *Conn) Close() error {
	c.conn.Release()
	c.pool.Close()
	return nil
}
