// Package viewguard creates views safely under concurrency. Each CREATE VIEW
// runs under a per-view advisory lock, is retried on transient errors,
// waits until the catalog reports the view as usable, and on MySQL has its
// ALGORITHM, SQL SECURITY and DEFINER read back and verified.
package viewguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/ddl"
	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/introspect"
	"github.com/johndauphine/dbschema/internal/lock"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/retry"
)

// ErrInvalidView is returned for statements that are not an acceptable
// CREATE VIEW.
var ErrInvalidView = errors.New("invalid CREATE VIEW")

// RetryExceededError reports that a view could not be created within the
// attempt budget.
type RetryExceededError struct {
	View     string
	Attempts int
	Cause    error
}

func (e *RetryExceededError) Error() string {
	return fmt.Sprintf("creating view %s failed after %d attempt(s): %v", e.View, e.Attempts, e.Cause)
}

func (e *RetryExceededError) Unwrap() error { return e.Cause }

// VerificationError reports directive drift that survived a forced
// recreate. It is never retried.
type VerificationError struct {
	View     string
	Expected introspect.Directives
	Actual   introspect.Directives
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("view %s directives drifted: expected %s, got %s", e.View, e.Expected, e.Actual)
}

// Options tunes a Guard.
type Options struct {
	LockTimeout   time.Duration
	Retries       int
	Fence         time.Duration
	IgnoreDefiner bool
	// AllowMissingAlgorithm accepts MySQL views without an ALGORITHM
	// clause; their algorithm is then not verified.
	AllowMissingAlgorithm bool
	// Trace logs the directives read back after each creation.
	Trace bool

	// Timer, Rand, Now and Sleep are replaceable for tests.
	Timer backoff.Timer
	Rand  func(n int64) int64
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the stock settings: 10s lock timeout, 3 attempts,
// 600ms fence, definer drift ignored.
func DefaultOptions() Options {
	return Options{LockTimeout: 10 * time.Second, Retries: 3, Fence: 600 * time.Millisecond, IgnoreDefiner: true}
}

// FencePoll is the readiness polling interval.
const FencePoll = 30 * time.Millisecond

// Conn is the connection capability a Guard needs.
type Conn interface {
	database.Querier
	Dialect() dialect.Dialect
	QuoteIdentifier(name string) string
}

// Guard applies CREATE VIEW statements on one connection.
type Guard struct {
	conn   Conn
	d      dialect.Dialect
	in     *introspect.Introspector
	locker *lock.Locker
	opts   Options
}

// New returns a Guard bound to conn.
func New(conn Conn, opts Options) *Guard {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Guard{conn: conn, d: conn.Dialect(), in: introspect.New(conn), locker: lock.New(conn), opts: opts}
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

const viewIdent = "((?:[`\"]?[A-Za-z0-9_$]+[`\"]?\\.)?[`\"]?[A-Za-z0-9_$]+[`\"]?)"

var (
	createViewHead = regexp.MustCompile("(?is)^\\s*CREATE\\s+(OR\\s+REPLACE\\s+)?" +
		"((?:ALGORITHM\\s*=\\s*\\w+\\s+|DEFINER\\s*=\\s*(?:`[^`]+`@`[^`]+`|'[^']+'@'[^']+'|[^ \\t\\r\\n]+)\\s+|SQL\\s+SECURITY\\s+\\w+\\s+)*)" +
		"(MATERIALIZED\\s+)?VIEW\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?" + viewIdent)
	orReplace = regexp.MustCompile(`(?i)^(\s*CREATE)\s+OR\s+REPLACE\b`)
)

// View is a parsed CREATE VIEW head.
type View struct {
	Name         string
	Directives   introspect.Directives
	Materialized bool
}

// Parse extracts the view name and directives from a CREATE VIEW statement.
func Parse(stmt string) (View, bool) {
	m := createViewHead.FindStringSubmatch(stmt)
	if m == nil {
		return View{}, false
	}
	return View{
		Name:         dialect.Unquote(m[4]),
		Directives:   introspect.ParseDirectives(m[0]),
		Materialized: m[3] != "",
	}, true
}

// LockKey returns the advisory lock name guarding view.
func LockKey(view string) string {
	base := invalidKeyChars.ReplaceAllString(view, ".")
	if base == "" {
		base = "view"
	}
	if len(base) > 40 {
		sum := sha256.Sum256([]byte(base))
		base = base[:24] + "|" + hex.EncodeToString(sum[:])[:12]
	}
	return "view:" + base
}

var invalidKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.:\-]+`)

// Apply creates the view described by stmt.
func (g *Guard) Apply(ctx context.Context, stmt string) error {
	stmt = ddl.Normalize(stmt)
	v, ok := Parse(stmt)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidView, firstLine(stmt))
	}
	if g.d.IsMySQL() {
		switch v.Directives.Algorithm {
		case "MERGE", "TEMPTABLE":
		case "":
			if g.opts.AllowMissingAlgorithm {
				break
			}
			return fmt.Errorf("%w: view %s is missing ALGORITHM (MERGE or TEMPTABLE required)", ErrInvalidView, v.Name)
		default:
			return fmt.Errorf("%w: view %s uses ALGORITHM=%s; use MERGE or TEMPTABLE", ErrInvalidView, v.Name, v.Directives.Algorithm)
		}
	}
	create := orReplace.ReplaceAllString(stmt, "$1")

	return g.locker.WithLock(ctx, LockKey(v.Name), g.opts.LockTimeout, func(ctx context.Context) error {
		attempts := 0
		opts := retry.Options{
			Attempts: g.opts.Retries,
			Initial:  50 * time.Millisecond,
			Factor:   2,
			Max:      time.Second,
			Jitter:   retry.JitterDecorrelated,
			Timer:    g.opts.Timer,
			Rand:     g.opts.Rand,
			OnRetry: func(attempt int, err error, sleep time.Duration, c retry.Classification) {
				logging.Warn("view %s: attempt %d failed (%s), retrying in %s: %v", v.Name, attempt, c.Reason, sleep, err)
			},
		}
		err := retry.Run(ctx, func(ctx context.Context) error {
			attempts++
			return g.applyOnce(ctx, v, create)
		}, opts)
		if err == nil {
			return nil
		}
		var verr *VerificationError
		if errors.As(err, &verr) {
			return err
		}
		return &RetryExceededError{View: v.Name, Attempts: attempts, Cause: err}
	})
}

func (g *Guard) applyOnce(ctx context.Context, v View, create string) error {
	g.dropQuietly(ctx, v)
	if err := g.conn.Exec(ctx, create); err != nil {
		return err
	}
	if err := g.fence(ctx, v.Name); err != nil {
		return err
	}
	if !g.d.IsMySQL() {
		return nil
	}

	got, ok, err := g.verify(ctx, v)
	if err != nil || ok {
		return err
	}
	logging.Warn("view %s: directives drifted (expected %s, got %s); recreating", v.Name, v.Directives, got)
	g.dropQuietly(ctx, v)
	if err := g.conn.Exec(ctx, create); err != nil {
		return err
	}
	if err := g.fence(ctx, v.Name); err != nil {
		return err
	}
	got, ok, err = g.verify(ctx, v)
	if err != nil || ok {
		return err
	}
	return &VerificationError{View: v.Name, Expected: v.Directives, Actual: got}
}

// verify reads the directives back and compares them with v's.
func (g *Guard) verify(ctx context.Context, v View) (introspect.Directives, bool, error) {
	got, err := g.in.ViewDirectives(ctx, v.Name)
	if err != nil {
		return got, false, err
	}
	if g.opts.Trace {
		logging.Info("view %s: %s", v.Name, got)
	}
	want := v.Directives
	if want.Algorithm != "" && got.Algorithm != want.Algorithm {
		return got, false, nil
	}
	if want.Security != "" && got.Security != want.Security {
		return got, false, nil
	}
	if g.opts.IgnoreDefiner || want.Definer == "" {
		return got, true, nil
	}
	expected := NormalizeDefiner(want.Definer)
	if expected == "current_user" || expected == "current_user()" {
		user, err := g.in.CurrentUser(ctx)
		if err != nil {
			return got, false, err
		}
		expected = NormalizeDefiner(user)
	}
	return got, expected != "" && expected == NormalizeDefiner(got.Definer), nil
}

// NormalizeDefiner strips quoting and lower-cases a user@host definer.
func NormalizeDefiner(s string) string {
	return strings.ToLower(strings.NewReplacer("`", "", `"`, "", "'", "").Replace(strings.TrimSpace(s)))
}

// fence waits until the view is both listed in the catalog and selectable.
// Running out of time is logged, not returned.
func (g *Guard) fence(ctx context.Context, view string) error {
	if g.opts.Fence <= 0 {
		return nil
	}
	deadline := g.opts.Now().Add(g.opts.Fence)
	probe := "SELECT * FROM " + g.conn.QuoteIdentifier(view) + " LIMIT 0"
	for {
		if ok, err := g.in.HasAnyView(ctx, view); err == nil && ok {
			if _, err := g.conn.Query(ctx, probe); err == nil {
				return nil
			}
		}
		remaining := deadline.Sub(g.opts.Now())
		if remaining <= 0 {
			logging.Warn("view %s: not ready after %s", view, g.opts.Fence)
			return nil
		}
		if err := g.opts.Sleep(ctx, min(FencePoll, remaining)); err != nil {
			return err
		}
	}
}

func (g *Guard) dropStatement(name string, materialized bool) string {
	kind := "VIEW"
	if materialized {
		kind = "MATERIALIZED VIEW"
	}
	s := fmt.Sprintf("DROP %s IF EXISTS %s", kind, g.conn.QuoteIdentifier(name))
	if g.d.IsPostgres() {
		s += " CASCADE"
	}
	return s
}

func (g *Guard) dropQuietly(ctx context.Context, v View) {
	if err := g.conn.Exec(ctx, g.dropStatement(v.Name, v.Materialized && g.d.IsPostgres())); err != nil {
		logging.Debug("view %s: pre-create drop: %v", v.Name, err)
	}
}

// Drop removes view, materialized or not.
func (g *Guard) Drop(ctx context.Context, view string) error {
	materialized, err := g.in.HasMaterializedView(ctx, view)
	if err != nil {
		logging.Debug("view %s: %v", view, err)
	}
	if err := g.conn.Exec(ctx, g.dropStatement(view, materialized)); err != nil {
		return fmt.Errorf("dropping view %s: %w", view, err)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
