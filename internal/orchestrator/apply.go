package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/johndauphine/dbschema/internal/ddl"
	"github.com/johndauphine/dbschema/internal/logging"
	"github.com/johndauphine/dbschema/internal/sqlsplit"
)

// txControl matches statements that would end the run transaction.
var txControl = regexp.MustCompile(`(?is)^\s*(BEGIN|START\s+TRANSACTION|COMMIT|END|ROLLBACK)(\s+(WORK|TRANSACTION))?\s*;?\s*$`)

// Apply runs a raw statement batch under the run lock with the apply
// statement timeout. Statements go through the idempotent executor, so
// benign "already exists" failures are tolerated. With dryRun nothing is
// executed and no lock is taken.
func (c *Coordinator) Apply(ctx context.Context, statements []string, dryRun bool) (*RunResult, error) {
	stmts := c.applicable(statements)
	if dryRun {
		for i, stmt := range stmts {
			logging.Info("ddl-dry-run [%d/%d]: %s", i+1, len(stmts), sqlsplit.Preview(stmt))
		}
		return &RunResult{Command: CommandApply}, nil
	}

	return c.run(ctx, CommandApply, len(stmts), c.opts.ApplyStatementTimeout, func(ctx context.Context, rs *runState) error {
		exec := ddl.New(c.conn)
		exec.Trace = c.opts.Installer.TraceSQL
		defer func() {
			rs.summary.Statements += int64(exec.Stats.Executed)
			c.opts.Metrics.AddDDL(exec.Stats.Executed, exec.Stats.Tolerated, exec.Stats.Rewritten)
		}()

		for i, stmt := range stmts {
			step := fmt.Sprintf("step %d", i+1)
			rs.tracker.ModuleStarted(step)
			start := time.Now()
			err := exec.Exec(ctx, stmt)
			rs.tracker.ModuleFinished(step, err)
			if err != nil {
				logging.Error("apply: %s failed after %s: %s: %v", step, time.Since(start).Round(time.Millisecond), sqlsplit.Preview(stmt), err)
				return fmt.Errorf("apply %s: %w", step, err)
			}
			rs.result.Applied++
		}
		return nil
	})
}

// applicable drops empty statements and, on Postgres, transaction control
// that would break the run transaction.
func (c *Coordinator) applicable(statements []string) []string {
	pg := c.conn.Dialect().IsPostgres()
	out := make([]string, 0, len(statements))
	for _, stmt := range statements {
		if ddl.Normalize(stmt) == "" {
			continue
		}
		if pg && txControl.MatchString(stmt) {
			logging.Debug("apply: skipping transaction control %q", sqlsplit.Preview(stmt))
			continue
		}
		out = append(out, stmt)
	}
	return out
}
