// Package lock provides named, session-scoped advisory locks. MySQL uses
// GET_LOCK/RELEASE_LOCK keyed by the raw name; Postgres polls
// pg_try_advisory_lock with two int32 keys derived from a SHA-1 of the name.
package lock

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/logging"
)

// DefaultPollInterval is the Postgres try-lock polling interval.
const DefaultPollInterval = 50 * time.Millisecond

// MaxNameLen is the longest lock name MySQL accepts.
const MaxNameLen = 64

// TimeoutError is returned when a lock could not be acquired in time.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %q", e.Timeout, e.Name)
}

// Conn is the connection capability a Locker needs.
type Conn interface {
	database.Querier
	Dialect() dialect.Dialect
}

// Locker acquires and releases named locks on one session.
type Locker struct {
	conn Conn
	d    dialect.Dialect

	// Poll is the Postgres retry interval.
	Poll time.Duration
	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Locker bound to conn.
func New(conn Conn) *Locker {
	return &Locker{
		conn:  conn,
		d:     conn.Dialect(),
		Poll:  DefaultPollInterval,
		Now:   time.Now,
		Sleep: sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until name is held by this session or timeout elapses.
// A zero timeout makes a single non-blocking attempt.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}
	if l.d.IsMySQL() {
		return l.acquireMySQL(ctx, name, timeout)
	}
	return l.acquirePostgres(ctx, name, timeout)
}

func (l *Locker) acquireMySQL(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(math.Ceil(timeout.Seconds()))
	rows, err := l.conn.Query(ctx, "SELECT GET_LOCK(?, ?)", name, secs)
	if err != nil {
		return fmt.Errorf("acquiring lock %q: %w", name, err)
	}
	v, ok := rows.Scalar()
	switch {
	case !ok:
		return fmt.Errorf("acquiring lock %q: GET_LOCK returned NULL", name)
	case v == "1":
		return nil
	case v == "0":
		return &TimeoutError{Name: name, Timeout: timeout}
	default:
		return fmt.Errorf("acquiring lock %q: unexpected GET_LOCK result %q", name, v)
	}
}

func (l *Locker) acquirePostgres(ctx context.Context, name string, timeout time.Duration) error {
	deadline := l.Now().Add(timeout)
	for {
		ok, err := l.TryAcquire(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := deadline.Sub(l.Now())
		if remaining <= 0 {
			return &TimeoutError{Name: name, Timeout: timeout}
		}
		wait := l.Poll
		if wait <= 0 {
			wait = DefaultPollInterval
		}
		if remaining < wait {
			wait = remaining
		}
		if err := l.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire makes one non-blocking attempt.
func (l *Locker) TryAcquire(ctx context.Context, name string) (bool, error) {
	if l.d.IsMySQL() {
		err := l.acquireMySQL(ctx, name, 0)
		var te *TimeoutError
		if errors.As(err, &te) {
			return false, nil
		}
		return err == nil, err
	}
	k1, k2 := Keys(name)
	rows, err := l.conn.Query(ctx, "SELECT pg_try_advisory_lock($1, $2)", k1, k2)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", name, err)
	}
	v, _ := rows.Scalar()
	return isTrue(v), nil
}

// Release frees name. It fails when the session did not hold the lock.
func (l *Locker) Release(ctx context.Context, name string) error {
	if l.d.IsMySQL() {
		rows, err := l.conn.Query(ctx, "SELECT RELEASE_LOCK(?)", name)
		if err != nil {
			return fmt.Errorf("releasing lock %q: %w", name, err)
		}
		v, ok := rows.Scalar()
		if !ok {
			return fmt.Errorf("releasing lock %q: lock does not exist", name)
		}
		if v != "1" {
			return fmt.Errorf("releasing lock %q: not held by this session", name)
		}
		return nil
	}

	k1, k2 := Keys(name)
	rows, err := l.conn.Query(ctx, "SELECT pg_advisory_unlock($1, $2)", k1, k2)
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", name, err)
	}
	if v, _ := rows.Scalar(); !isTrue(v) {
		return fmt.Errorf("releasing lock %q: not held by this session", name)
	}
	return nil
}

// WithLock runs fn while holding name. The lock is always released; a
// release failure is logged and does not replace fn's result.
func (l *Locker) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, name, timeout); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), name); err != nil {
			logging.Warn("lock release failed: %v", err)
		}
	}()
	return fn(ctx)
}

// Keys derives the Postgres advisory lock key pair from name: the first
// eight bytes of SHA-1(name) as two big-endian uint32 values reinterpreted
// as int32.
func Keys(name string) (int32, int32) {
	sum := sha1.Sum([]byte(name))
	return int32(binary.BigEndian.Uint32(sum[0:4])), int32(binary.BigEndian.Uint32(sum[4:8]))
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_.:\-]`)

// SanitizeName replaces characters outside [A-Za-z0-9_.:-] with '.' and
// shortens names longer than MaxNameLen to a 40 character prefix plus '|'
// and 12 hex digits of SHA-256.
func SanitizeName(name string) string {
	clean := invalidNameChars.ReplaceAllString(name, ".")
	if len(clean) <= MaxNameLen {
		return clean
	}
	sum := sha256.Sum256([]byte(clean))
	return clean[:40] + "|" + hex.EncodeToString(sum[:])[:12]
}

func isTrue(v string) bool {
	switch v {
	case "t", "true", "1", "TRUE":
		return true
	}
	return false
}
