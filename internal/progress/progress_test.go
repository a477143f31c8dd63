package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decode(t *testing.T, out string) []ProgressUpdate {
	t.Helper()
	var updates []ProgressUpdate
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var u ProgressUpdate
		if err := json.Unmarshal([]byte(line), &u); err != nil {
			t.Fatalf("decoding %q: %v", line, err)
		}
		updates = append(updates, u)
	}
	return updates
}

func TestTrackerReportsModules(t *testing.T) {
	var buf bytes.Buffer
	tr := New("install", 2, Options{Reporter: NewJSONReporter(&buf, 0)})

	tr.ModuleStarted("table-tenants")
	tr.ModuleFinished("table-tenants", nil)
	tr.ModuleStarted("table-users")
	tr.ModuleFinished("table-users", errors.New("boom"))
	tr.Finish()

	if tr.Done() != 2 || tr.Failed() != 1 {
		t.Errorf("Done/Failed = %d/%d, want 2/1", tr.Done(), tr.Failed())
	}

	updates := decode(t, buf.String())
	if len(updates) != 6 {
		t.Fatalf("got %d updates, want 6:\n%s", len(updates), buf.String())
	}
	if updates[1].CurrentModule != "table-tenants" {
		t.Errorf("updates[1].CurrentModule = %q, want table-tenants", updates[1].CurrentModule)
	}
	if updates[2].ModulesComplete != 1 || updates[2].ProgressPct != 50 {
		t.Errorf("updates[2] = %+v, want 1 complete at 50%%", updates[2])
	}
	last := updates[len(updates)-1]
	if last.Phase != "complete" || last.ErrorCount != 1 || last.ModulesTotal != 2 {
		t.Errorf("final update = %+v", last)
	}
}

func TestTrackerInteractiveBar(t *testing.T) {
	var buf bytes.Buffer
	tr := New("install", 1, Options{Writer: &buf, Interactive: true})
	tr.ModuleStarted("table-users")
	tr.ModuleFinished("table-users", nil)
	tr.Finish()

	if !strings.Contains(buf.String(), "table-users") {
		t.Errorf("bar output missing module name: %q", buf.String())
	}
}

func TestJSONReporterThrottle(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)
	r.Report(ProgressUpdate{Phase: "a"})
	r.Report(ProgressUpdate{Phase: "b"})
	r.ReportImmediate(ProgressUpdate{Phase: "c"})
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: "d"})

	updates := decode(t, buf.String())
	var phases []string
	for _, u := range updates {
		phases = append(phases, u.Phase)
	}
	if got := strings.Join(phases, ","); got != "a,c" {
		t.Errorf("phases = %q, want a,c", got)
	}
	if updates[0].Timestamp == "" {
		t.Error("Timestamp not set")
	}
}
