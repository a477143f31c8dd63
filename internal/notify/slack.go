package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/johndauphine/dbschema/internal/config"
)

const footer = "dbschema"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunStarted sends notification when a run starts
func (n *Notifier) RunStarted(runID, command, database string, moduleCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: fmt.Sprintf("Schema %s started", command),
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Modules", Value: fmt.Sprintf("%d", moduleCount), Short: true},
					{Title: "Database", Value: database, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCompleted sends notification when a run completes successfully
func (n *Notifier) RunCompleted(runID string, startTime time.Time, duration time.Duration, summary Summary) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Schema run completed. %d installed, %d upgraded, %d unchanged.",
		summary.Installed, summary.Upgraded, summary.Unchanged)

	color, icon := "#36a64f", ":white_check_mark:"
	fields := []SlackField{
		{Title: "Run ID", Value: runID, Short: true},
		{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
		{Title: "Duration", Value: formatDuration(duration), Short: true},
		{Title: "Statements", Value: humanize.Comma(summary.Statements), Short: true},
	}
	if len(summary.Drifted) > 0 {
		color, icon = "#ffc107", ":warning:"
		fields = append(fields, SlackField{Title: "Drift repaired", Value: listSummary(summary.Drifted), Short: false})
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: icon,
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Fields:    fields,
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunFailed sends notification when a run fails
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration, summary Summary) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	fields := []SlackField{
		{Title: "Run ID", Value: runID, Short: true},
		{Title: "Duration", Value: formatDuration(duration), Short: true},
		{Title: "Error", Value: errMsg, Short: false},
	}
	if len(summary.Failed) > 0 {
		fields = append(fields, SlackField{Title: "Failed modules", Value: listSummary(summary.Failed), Short: false})
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color:     "#dc3545", // red
				Title:     "Schema run failed",
				Fields:    fields,
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

// listSummary joins up to five names, then counts the rest.
func listSummary(names []string) string {
	if len(names) <= 5 {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s... and %d more", strings.Join(names[:3], ", "), len(names)-3)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
