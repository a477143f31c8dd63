// Package orchestrator coordinates whole schema runs: one in-process
// single-flight, one database-wide advisory lock, one bounded statement
// timeout, run history, notifications, progress and metrics around the
// installer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/johndauphine/dbschema/internal/checkpoint"
	"github.com/johndauphine/dbschema/internal/database"
	"github.com/johndauphine/dbschema/internal/installer"
	"github.com/johndauphine/dbschema/internal/lock"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/module"
	"github.com/johndauphine/dbschema/internal/notify"
	"github.com/johndauphine/dbschema/internal/progress"
	"github.com/johndauphine/dbschema/internal/retry"
	"github.com/johndauphine/dbschema/internal/stats"
)

// Run commands recorded in history.
const (
	CommandInstall   = "install"
	CommandApply     = "apply"
	CommandUninstall = "uninstall"
)

// Options configures a Coordinator.
type Options struct {
	// LockTimeout bounds the wait for the run lock.
	LockTimeout time.Duration
	// StatementTimeout applies to install and uninstall runs.
	StatementTimeout time.Duration
	// ApplyStatementTimeout applies to raw statement batches.
	ApplyStatementTimeout time.Duration
	// Serializable selects SERIALIZABLE isolation for the Postgres run
	// transaction.
	Serializable bool

	Installer installer.Options

	// History, Notifier and Metrics are optional.
	History  checkpoint.Backend
	Notifier notify.Provider
	Metrics  *stats.Metrics

	// Progress configures the per-run tracker. Progress.Interactive is
	// usually progress.IsTerminal(os.Stderr).
	Progress progress.Options
}

// DefaultOptions returns the run defaults: 30s lock, 60s install and 120s
// apply statement timeouts, serializable.
func DefaultOptions() Options {
	return Options{
		LockTimeout:           30 * time.Second,
		StatementTimeout:      60 * time.Second,
		ApplyStatementTimeout: 120 * time.Second,
		Serializable:          true,
	}
}

// Coordinator serialises runs against one database.
type Coordinator struct {
	conn   database.Conn
	opts   Options
	inst   *installer.Installer
	locker *lock.Locker

	flight singleflight.Group
	// runMu serialises different runs on the shared session.
	runMu sync.Mutex

	// cur is the run in progress, read by the installer observer.
	cur *runState

	newID     func() string
	lockRetry retry.Options
}

// New returns a Coordinator bound to conn.
func New(conn database.Conn, opts Options) *Coordinator {
	c := &Coordinator{
		conn:   conn,
		opts:   opts,
		inst:   installer.New(conn, opts.Installer),
		locker: lock.New(conn),
		newID:  uuid.NewString,
		lockRetry: retry.Options{
			Attempts: 10000,
			Initial:  25 * time.Millisecond,
			Factor:   2,
			Max:      500 * time.Millisecond,
			Jitter:   retry.JitterEqual,
		},
	}
	c.inst.SetObserver(c)
	return c
}

// Installer returns the underlying installer.
func (c *Coordinator) Installer() *installer.Installer { return c.inst }

// LockName is the run lock for the connected database.
func (c *Coordinator) LockName() string {
	return lock.SanitizeName("schema:migrate:" + c.conn.ID())
}

// RunResult summarises one coordinated run.
type RunResult struct {
	RunID    string             `json:"run_id"`
	Command  string             `json:"command"`
	Results  []installer.Result `json:"results,omitempty"`
	Applied  int                `json:"applied,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// InstallAll installs or upgrades every module in dependency order.
func (c *Coordinator) InstallAll(ctx context.Context, modules []module.Module) (*RunResult, error) {
	key := c.LockName() + "#all"
	return c.shared(key, func() (*RunResult, error) {
		return c.run(ctx, CommandInstall, len(modules), c.opts.StatementTimeout, func(ctx context.Context, rs *runState) error {
			results, err := c.inst.InstallOrUpgradeAll(ctx, modules)
			rs.result.Results = results
			return err
		})
	})
}

// InstallOne installs or upgrades a single module. Its dependencies must
// already be installed.
func (c *Coordinator) InstallOne(ctx context.Context, m module.Module) (*RunResult, error) {
	key := c.LockName() + "#" + m.Name()
	return c.shared(key, func() (*RunResult, error) {
		return c.run(ctx, CommandInstall, 1, c.opts.StatementTimeout, func(ctx context.Context, rs *runState) error {
			res, err := c.inst.InstallOrUpgrade(ctx, m)
			rs.result.Results = []installer.Result{res}
			return err
		})
	})
}

// Uninstall drops m's view under the run lock.
func (c *Coordinator) Uninstall(ctx context.Context, m module.Module) (*RunResult, error) {
	return c.run(ctx, CommandUninstall, 1, c.opts.StatementTimeout, func(ctx context.Context, rs *runState) error {
		start := time.Now()
		c.ModuleStarted(m.Name())
		err := c.inst.Uninstall(ctx, m)
		c.ModuleFinished(installer.Result{Module: m.Name(), Action: installer.ActionNone, To: m.Version(), Duration: time.Since(start), Err: err})
		return err
	})
}

// shared de-duplicates identical concurrent calls within the process.
func (c *Coordinator) shared(key string, fn func() (*RunResult, error)) (*RunResult, error) {
	v, err, joined := c.flight.Do(key, func() (any, error) { return fn() })
	if joined {
		logging.Debug("run: joined in-flight %s", key)
	}
	res, _ := v.(*RunResult)
	return res, err
}

type runState struct {
	id      string
	command string
	tracker *progress.Tracker
	result  *RunResult
	summary notify.Summary
}

// run wraps body in history, the run lock, the statement timeout and, on
// Postgres, a transaction.
func (c *Coordinator) run(ctx context.Context, command string, moduleCount int, timeout time.Duration, body func(ctx context.Context, rs *runState) error) (*RunResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := time.Now()
	rs := &runState{
		id:      c.newID(),
		command: command,
		result:  &RunResult{Command: command},
	}
	rs.result.RunID = rs.id
	logging.Info("Starting %s run %s on %s", command, rs.id, c.conn.ID())

	c.history(func(h checkpoint.Backend) error {
		return h.StartRun(checkpoint.Run{
			ID:         rs.id,
			Command:    command,
			Dialect:    c.conn.Dialect().String(),
			DatabaseID: c.conn.ID(),
			StartedAt:  start,
		})
	})

	before := c.inst.Stats()
	err := c.withRunLock(ctx, func(ctx context.Context) error {
		c.notify(func(n notify.Provider) error { return n.RunStarted(rs.id, command, c.conn.ID(), moduleCount) })
		rs.tracker = progress.New(command, moduleCount, c.opts.Progress)
		c.cur = rs
		defer func() {
			c.cur = nil
			rs.tracker.Finish()
		}()
		return c.scoped(ctx, timeout, func(ctx context.Context) error { return body(ctx, rs) })
	})
	rs.result.Duration = time.Since(start)

	after := c.inst.Stats()
	executed := after.Executed - before.Executed
	rs.summary.Statements += int64(executed)
	c.opts.Metrics.AddDDL(executed, after.Tolerated-before.Tolerated, after.Rewritten-before.Rewritten)

	status := checkpoint.StatusSuccess
	errMsg := ""
	if err != nil {
		status, errMsg = checkpoint.StatusFailed, err.Error()
	}
	c.history(func(h checkpoint.Backend) error { return h.CompleteRun(rs.id, status, errMsg) })
	c.opts.Metrics.RunFinished(command, status, rs.result.Duration)

	if err != nil {
		logging.Error("%s run %s failed after %s: %v", command, rs.id, rs.result.Duration.Round(time.Millisecond), err)
		c.notify(func(n notify.Provider) error { return n.RunFailed(rs.id, err, rs.result.Duration, rs.summary) })
		return rs.result, err
	}
	logging.Info("%s run %s finished in %s", command, rs.id, rs.result.Duration.Round(time.Millisecond))
	c.notify(func(n notify.Provider) error { return n.RunCompleted(rs.id, start, rs.result.Duration, rs.summary) })
	return rs.result, nil
}

// scoped applies the statement timeout; Postgres additionally runs fn in
// one transaction so SET LOCAL scopes the timeout.
func (c *Coordinator) scoped(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if c.conn.Dialect().IsPostgres() {
		return c.conn.WithTransaction(ctx, database.TxOptions{Serializable: c.opts.Serializable}, func(ctx context.Context) error {
			return c.conn.WithStatementTimeout(ctx, timeout, fn)
		})
	}
	return c.conn.WithStatementTimeout(ctx, timeout, fn)
}

var errLockBusy = errors.New("lock busy")

// withRunLock holds the run lock for fn. MySQL blocks in GET_LOCK; Postgres
// retries a try-lock with backoff until the lock timeout.
func (c *Coordinator) withRunLock(ctx context.Context, fn func(ctx context.Context) error) error {
	name := c.LockName()
	timeout := c.opts.LockTimeout
	waitStart := time.Now()

	if c.conn.Dialect().IsMySQL() {
		if err := c.locker.Acquire(ctx, name, timeout); err != nil {
			return err
		}
	} else {
		opts := c.lockRetry
		opts.Deadline = timeout
		if timeout <= 0 {
			opts.Attempts = 1
		}
		opts.Classifier = func(err error) (retry.Classification, bool) {
			if errors.Is(err, errLockBusy) {
				return retry.Classification{Transient: true, Reason: "lock busy"}, true
			}
			return retry.Classification{}, false
		}
		err := retry.Run(ctx, func(ctx context.Context) error {
			ok, err := c.locker.TryAcquire(ctx, name)
			if err != nil {
				return err
			}
			if !ok {
				return errLockBusy
			}
			return nil
		}, opts)
		if errors.Is(err, errLockBusy) {
			return &lock.TimeoutError{Name: name, Timeout: timeout}
		}
		if err != nil {
			return err
		}
	}
	c.opts.Metrics.ObserveLockWait(time.Since(waitStart))
	logging.Debug("run: acquired %s after %s", name, time.Since(waitStart).Round(time.Millisecond))

	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), name); err != nil {
			logging.Warn("lock release failed: %v", err)
		}
	}()
	return fn(ctx)
}

// ModuleStarted implements installer.Observer.
func (c *Coordinator) ModuleStarted(name string) {
	if rs := c.cur; rs != nil && rs.tracker != nil {
		rs.tracker.ModuleStarted(name)
	}
}

// ModuleFinished implements installer.Observer.
func (c *Coordinator) ModuleFinished(res installer.Result) {
	rs := c.cur
	if rs == nil {
		return
	}
	if rs.tracker != nil {
		rs.tracker.ModuleFinished(res.Module, res.Err)
	}

	errMsg := ""
	switch {
	case res.Err != nil:
		errMsg = res.Err.Error()
		rs.summary.Failed = append(rs.summary.Failed, res.Module)
	case res.Action == installer.ActionInstall:
		rs.summary.Installed++
	case res.Action == installer.ActionUpgrade:
		rs.summary.Upgraded++
	default:
		rs.summary.Unchanged++
	}
	if res.Drift {
		rs.summary.Drifted = append(rs.summary.Drifted, res.Module)
	}

	c.opts.Metrics.ModuleFinished(stats.ModuleResult{
		Action:          string(res.Action),
		Failed:          res.Err != nil,
		Drift:           res.Drift,
		IndexesReplayed: res.IndexesReplayed,
		ViewsReplayed:   res.ViewsReplayed,
		SeedsReplayed:   res.SeedsReplayed,
		Duration:        res.Duration,
	})
	c.history(func(h checkpoint.Backend) error {
		return h.RecordModule(rs.id, checkpoint.ModuleRun{
			Module:          res.Module,
			Action:          string(res.Action),
			From:            res.From,
			To:              res.To,
			Checksum:        res.Checksum,
			Drift:           res.Drift,
			IndexesReplayed: res.IndexesReplayed,
			ViewsReplayed:   res.ViewsReplayed,
			SeedsReplayed:   res.SeedsReplayed,
			Duration:        res.Duration,
			Error:           errMsg,
		})
	})
}

// history and notify are best-effort: failures are logged only.
func (c *Coordinator) history(fn func(h checkpoint.Backend) error) {
	if c.opts.History == nil {
		return
	}
	if err := fn(c.opts.History); err != nil {
		logging.Warn("run history: %v", err)
	}
}

func (c *Coordinator) notify(fn func(n notify.Provider) error) {
	if c.opts.Notifier == nil {
		return
	}
	if err := fn(c.opts.Notifier); err != nil {
		logging.Warn("notification failed: %v", err)
	}
}

// WriteMetrics exports metrics to path when both are set.
func (c *Coordinator) WriteMetrics(path string) error {
	if c.opts.Metrics == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	return c.opts.Metrics.WriteTextfile(path)
}
