package checkpoint

import "time"

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Backend persists run history. Implementations are the SQLite State (full
// history) and FileState (last run only, for headless environments).
type Backend interface {
	StartRun(run Run) error
	RecordModule(runID string, m ModuleRun) error
	CompleteRun(id, status, errorMsg string) error

	// GetRun returns nil when the run is unknown.
	GetRun(id string) (*Run, error)
	// Runs returns the most recent runs first, at most limit (0 means 20).
	Runs(limit int) ([]Run, error)

	Close() error
}

// Run is one install, apply or uninstall invocation.
type Run struct {
	ID          string      `yaml:"id" json:"id"`
	Command     string      `yaml:"command" json:"command"`
	Dialect     string      `yaml:"dialect" json:"dialect"`
	DatabaseID  string      `yaml:"database_id" json:"database_id"`
	StartedAt   time.Time   `yaml:"started_at" json:"started_at"`
	CompletedAt *time.Time  `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Status      string      `yaml:"status" json:"status"`
	Error       string      `yaml:"error,omitempty" json:"error,omitempty"`
	Modules     []ModuleRun `yaml:"modules,omitempty" json:"modules,omitempty"`
}

// Duration is the wall time of a completed run, zero while running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// ModuleRun is the outcome of one module within a run.
type ModuleRun struct {
	Module          string        `yaml:"module" json:"module"`
	Action          string        `yaml:"action" json:"action"`
	From            string        `yaml:"from,omitempty" json:"from,omitempty"`
	To              string        `yaml:"to,omitempty" json:"to,omitempty"`
	Checksum        string        `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	Drift           bool          `yaml:"drift,omitempty" json:"drift,omitempty"`
	IndexesReplayed int           `yaml:"indexes_replayed,omitempty" json:"indexes_replayed,omitempty"`
	ViewsReplayed   int           `yaml:"views_replayed,omitempty" json:"views_replayed,omitempty"`
	SeedsReplayed   int           `yaml:"seeds_replayed,omitempty" json:"seeds_replayed,omitempty"`
	Duration        time.Duration `yaml:"duration" json:"duration"`
	Error           string        `yaml:"error,omitempty" json:"error,omitempty"`
}

// Ensure both backends satisfy Backend.
var (
	_ Backend = (*State)(nil)
	_ Backend = (*FileState)(nil)
)
