package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05.000"

// State keeps run history in SQLite.
type State struct {
	db *sql.DB
}

// New opens (creating if needed) the history database at path.
func New(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		dialect TEXT NOT NULL,
		database_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS module_results (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		module TEXT NOT NULL,
		action TEXT NOT NULL,
		from_version TEXT,
		to_version TEXT,
		checksum TEXT,
		drift INTEGER NOT NULL DEFAULT 0,
		indexes_replayed INTEGER NOT NULL DEFAULT 0,
		views_replayed INTEGER NOT NULL DEFAULT 0,
		seeds_replayed INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// StartRun records a new running run.
func (s *State) StartRun(run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, command, dialect, database_id, started_at, status)
		VALUES (?, ?, ?, ?, ?, 'running')
	`, run.ID, run.Command, run.Dialect, run.DatabaseID, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// RecordModule appends a module result to a run.
func (s *State) RecordModule(runID string, m ModuleRun) error {
	_, err := s.db.Exec(`
		INSERT INTO module_results (run_id, seq, module, action, from_version, to_version, checksum,
			drift, indexes_replayed, views_replayed, seeds_replayed, duration_ms, error_message)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM module_results WHERE run_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, runID, m.Module, m.Action, m.From, m.To, m.Checksum, m.Drift,
		m.IndexesReplayed, m.ViewsReplayed, m.SeedsReplayed, m.Duration.Milliseconds(), m.Error)
	if err != nil {
		return fmt.Errorf("recording module %s: %w", m.Module, err)
	}
	return nil
}

// CompleteRun marks a run as finished with the given status.
func (s *State) CompleteRun(id, status, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, status, formatTime(time.Now()), errorMsg, id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing run %s: no such run", id)
	}
	return nil
}

// GetRun returns a run together with its module results.
func (s *State) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, command, dialect, database_id, started_at, completed_at, status, error_message
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT module, action, from_version, to_version, checksum, drift,
			indexes_replayed, views_replayed, seeds_replayed, duration_ms, error_message
		FROM module_results WHERE run_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                        ModuleRun
			from, to, sum, errorText sql.NullString
			ms                       int64
		)
		if err := rows.Scan(&m.Module, &m.Action, &from, &to, &sum, &m.Drift,
			&m.IndexesReplayed, &m.ViewsReplayed, &m.SeedsReplayed, &ms, &errorText); err != nil {
			return nil, err
		}
		m.From, m.To, m.Checksum, m.Error = from.String, to.String, sum.String, errorText.String
		m.Duration = time.Duration(ms) * time.Millisecond
		r.Modules = append(r.Modules, m)
	}
	return &r, rows.Err()
}

// Runs returns recent runs without module results, newest first.
func (s *State) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, command, dialect, database_id, started_at, completed_at, status, error_message
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CleanupOldRuns deletes completed runs that finished before now-retention.
// Running runs are never removed.
func (s *State) CleanupOldRuns(retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM module_results WHERE run_id IN (
			SELECT id FROM runs WHERE status != 'running' AND completed_at < ?
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("deleting module results: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE status != 'running' AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                  Run
		started            string
		completed, errText sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Command, &r.Dialect, &r.DatabaseID, &started, &completed, &r.Status, &errText); err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(started)
	if completed.Valid {
		t := parseTime(completed.String)
		r.CompletedAt = &t
	}
	r.Error = errText.String
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
