package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/dbschema/internal/config"
)

func capture(t *testing.T, status int) (*httptest.Server, *[]SlackMessage) {
	t.Helper()
	var got []SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	srv, got := capture(t, http.StatusOK)
	tests := []struct {
		name string
		cfg  *config.SlackConfig
	}{
		{"nil config", nil},
		{"disabled", &config.SlackConfig{WebhookURL: srv.URL}},
		{"no webhook", &config.SlackConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(tt.cfg)
			if n.IsEnabled() {
				t.Error("IsEnabled() = true")
			}
			if err := n.RunStarted("r", "install", "db", 1); err != nil {
				t.Errorf("RunStarted() error = %v", err)
			}
		})
	}
	if len(*got) != 0 {
		t.Errorf("sent %d messages, want 0", len(*got))
	}
}

func TestRunMessages(t *testing.T) {
	srv, got := capture(t, http.StatusOK)
	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#db"})

	if err := n.RunStarted("run-1", "install", "db:3306/app", 3); err != nil {
		t.Fatalf("RunStarted() error = %v", err)
	}
	summary := Summary{Installed: 1, Unchanged: 2, Drifted: []string{"table-users"}, Statements: 12345}
	if err := n.RunCompleted("run-1", time.Now(), 90*time.Second, summary); err != nil {
		t.Fatalf("RunCompleted() error = %v", err)
	}
	if err := n.RunFailed("run-2", errors.New("lock timeout"), time.Second, Summary{Failed: []string{"table-a"}}); err != nil {
		t.Fatalf("RunFailed() error = %v", err)
	}

	if len(*got) != 3 {
		t.Fatalf("sent %d messages, want 3", len(*got))
	}
	started, completed, failed := (*got)[0], (*got)[1], (*got)[2]
	if started.Channel != "#db" || started.Username != "dbschema" {
		t.Errorf("started = %+v", started)
	}
	if !strings.Contains(completed.Text, "1 installed, 0 upgraded, 2 unchanged") {
		t.Errorf("completed text = %q", completed.Text)
	}
	if completed.Attachments[0].Color != "#ffc107" {
		t.Errorf("completed with drift color = %q, want warning", completed.Attachments[0].Color)
	}
	var statements, duration string
	for _, f := range completed.Attachments[0].Fields {
		switch f.Title {
		case "Statements":
			statements = f.Value
		case "Duration":
			duration = f.Value
		}
	}
	if statements != "12,345" || duration != "1m 30s" {
		t.Errorf("statements = %q, duration = %q", statements, duration)
	}
	if failed.IconEmoji != ":x:" || len(failed.Attachments[0].Fields) != 4 {
		t.Errorf("failed = %+v", failed)
	}
}

func TestSendErrorStatus(t *testing.T) {
	srv, _ := capture(t, http.StatusInternalServerError)
	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	err := n.RunStarted("r", "install", "db", 1)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("RunStarted() error = %v, want status 500", err)
	}
}

func TestListSummary(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"a"}, "a"},
		{[]string{"a", "b", "c", "d", "e"}, "a, b, c, d, e"},
		{[]string{"a", "b", "c", "d", "e", "f", "g"}, "a, b, c... and 4 more"},
	}
	for _, tt := range tests {
		if got := listSummary(tt.names); got != tt.want {
			t.Errorf("listSummary(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{45 * time.Second, "45s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
