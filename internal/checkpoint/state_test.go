package checkpoint

import (
	"path/filepath"
	"testing"
	"time"
)

func newState(t *testing.T) *State {
	t.Helper()
	state, err := New(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestStateRunLifecycle(t *testing.T) {
	state := newState(t)

	run := Run{ID: "run-1", Command: "install", Dialect: "mysql", DatabaseID: "db:3306/app"}
	if err := state.StartRun(run); err != nil {
		t.Fatalf("StartRun() error: %v", err)
	}
	modules := []ModuleRun{
		{Module: "table-tenants", Action: "install", To: "1.0.0", Checksum: "abc", Duration: 1500 * time.Millisecond},
		{Module: "table-users", Action: "none", From: "1.2.0", To: "1.2.0", Drift: true, ViewsReplayed: 2},
	}
	for _, m := range modules {
		if err := state.RecordModule("run-1", m); err != nil {
			t.Fatalf("RecordModule(%s) error: %v", m.Module, err)
		}
	}
	if err := state.CompleteRun("run-1", StatusSuccess, ""); err != nil {
		t.Fatalf("CompleteRun() error: %v", err)
	}

	got, err := state.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun() = nil")
	}
	if got.Status != StatusSuccess || got.CompletedAt == nil {
		t.Errorf("run = %+v, want completed success", got)
	}
	if got.Dialect != "mysql" || got.DatabaseID != "db:3306/app" || got.Command != "install" {
		t.Errorf("run identity = %+v", got)
	}
	if len(got.Modules) != 2 {
		t.Fatalf("len(Modules) = %d, want 2", len(got.Modules))
	}
	if got.Modules[0].Module != "table-tenants" || got.Modules[0].Duration != 1500*time.Millisecond {
		t.Errorf("Modules[0] = %+v", got.Modules[0])
	}
	if !got.Modules[1].Drift || got.Modules[1].ViewsReplayed != 2 || got.Modules[1].From != "1.2.0" {
		t.Errorf("Modules[1] = %+v", got.Modules[1])
	}
}

func TestStateGetRunUnknown(t *testing.T) {
	state := newState(t)
	got, err := state.GetRun("missing")
	if err != nil || got != nil {
		t.Errorf("GetRun(missing) = %v, %v; want nil, nil", got, err)
	}
	if err := state.CompleteRun("missing", StatusFailed, "x"); err == nil {
		t.Error("CompleteRun(missing) error = nil")
	}
}

func TestStateRunsNewestFirst(t *testing.T) {
	state := newState(t)
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		run := Run{ID: id, Command: "install", Dialect: "postgres", DatabaseID: "db", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := state.StartRun(run); err != nil {
			t.Fatalf("StartRun(%s) error: %v", id, err)
		}
	}

	runs, err := state.Runs(2)
	if err != nil {
		t.Fatalf("Runs() error: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("Runs(2) = %+v, want c, b", runs)
	}
	if runs[0].Status != StatusRunning || runs[0].CompletedAt != nil {
		t.Errorf("runs[0] = %+v, want running", runs[0])
	}
	if !runs[0].StartedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("StartedAt = %v, want %v", runs[0].StartedAt, base.Add(2*time.Minute))
	}
}

func TestCleanupOldRuns(t *testing.T) {
	state := newState(t)
	for _, id := range []string{"old", "recent", "running"} {
		if err := state.StartRun(Run{ID: id, Command: "install", Dialect: "mysql", DatabaseID: "db"}); err != nil {
			t.Fatalf("StartRun(%s) error: %v", id, err)
		}
		if err := state.RecordModule(id, ModuleRun{Module: "table-users", Action: "none"}); err != nil {
			t.Fatalf("RecordModule(%s) error: %v", id, err)
		}
	}
	for _, id := range []string{"old", "recent"} {
		if err := state.CompleteRun(id, StatusSuccess, ""); err != nil {
			t.Fatalf("CompleteRun(%s) error: %v", id, err)
		}
	}
	old := formatTime(time.Now().AddDate(0, 0, -31))
	if _, err := state.db.Exec(`UPDATE runs SET completed_at = ? WHERE id = 'old'`, old); err != nil {
		t.Fatalf("update completed_at error: %v", err)
	}

	n, err := state.CleanupOldRuns(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldRuns() error: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupOldRuns() = %d, want 1", n)
	}

	var count int
	if err := state.db.QueryRow(`SELECT COUNT(*) FROM module_results WHERE run_id = 'old'`).Scan(&count); err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 0 {
		t.Errorf("module_results for old run = %d, want 0", count)
	}
	for _, id := range []string{"recent", "running"} {
		if r, _ := state.GetRun(id); r == nil {
			t.Errorf("run %s was removed", id)
		}
	}
}
