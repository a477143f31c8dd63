// Package report renders human-readable tables for the CLI.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/johndauphine/dbschema/internal/checkpoint"
	"github.com/johndauphine/dbschema/internal/installer"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styleBorder).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		})
}

// Status writes one row per module plus a summary line.
func Status(w io.Writer, dbID, serverVersion string, modules []installer.ModuleStatus) {
	fmt.Fprintln(w, styleTitle.Render("Schema status")+" "+styleMuted.Render(dbID+" ("+serverVersion+")"))

	t := newTable("MODULE", "INSTALLED", "TARGET", "STATE", "CHECKSUM", "NOTES")
	var install, upgrade int
	for _, s := range modules {
		if s.NeedsInstall {
			install++
		}
		if s.NeedsUpgrade {
			upgrade++
		}
		t.Row(s.Module, orDash(s.Installed), s.Target, moduleState(s), short(s.Checksum), notes(s))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d modules, %d need install, %d need upgrade\n", len(modules), install, upgrade)
}

func moduleState(s installer.ModuleStatus) string {
	switch {
	case s.Error != "":
		return styleError.Render("error")
	case s.NeedsInstall:
		return styleWarn.Render("install")
	case s.NeedsUpgrade:
		return styleWarn.Render("upgrade")
	case s.Drift():
		return styleWarn.Render("drift")
	default:
		return styleOK.Render("ok")
	}
}

func notes(s installer.ModuleStatus) string {
	var parts []string
	if s.Error != "" {
		parts = append(parts, s.Error)
	}
	if !s.Status.View && s.Status.Table {
		parts = append(parts, "view missing")
	}
	if n := len(s.Status.MissingIndexes); n > 0 {
		parts = append(parts, "missing "+humanize.Comma(int64(n))+" index(es): "+strings.Join(s.Status.MissingIndexes, ", "))
	}
	if n := len(s.Status.MissingForeignKeys); n > 0 {
		parts = append(parts, "missing fk: "+strings.Join(s.Status.MissingForeignKeys, ", "))
	}
	if s.InstalledAt != "" {
		if t, ok := parseTimestamp(s.InstalledAt); ok {
			parts = append(parts, "installed "+humanize.Time(t))
		}
	}
	return strings.Join(parts, "; ")
}

// Results writes the outcome of an install run.
func Results(w io.Writer, results []installer.Result) {
	t := newTable("MODULE", "ACTION", "VERSION", "INDEXES", "VIEWS", "SEEDS", "TIME")
	for _, r := range results {
		action := string(r.Action)
		switch {
		case r.Err != nil:
			action = styleError.Render("failed")
		case r.Drift:
			action += styleWarn.Render(" (drift)")
		}
		version := r.To
		if r.From != "" && r.From != r.To {
			version = r.From + " -> " + r.To
		}
		t.Row(r.Module, action, version,
			humanize.Comma(int64(r.IndexesReplayed)),
			humanize.Comma(int64(r.ViewsReplayed)),
			humanize.Comma(int64(r.SeedsReplayed)),
			r.Duration.Round(time.Millisecond).String())
	}
	fmt.Fprintln(w, t.Render())
}

// History writes a list of runs, newest first.
func History(w io.Writer, runs []checkpoint.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, styleMuted.Render("No runs recorded."))
		return
	}
	t := newTable("RUN", "COMMAND", "DATABASE", "STARTED", "DURATION", "STATUS")
	for _, r := range runs {
		t.Row(r.ID, r.Command, r.DatabaseID, humanize.Time(r.StartedAt), runDuration(r), runStatus(r.Status))
	}
	fmt.Fprintln(w, t.Render())
}

// Run writes one run with its module results.
func Run(w io.Writer, r *checkpoint.Run) {
	fmt.Fprintln(w, styleTitle.Render("Run "+r.ID))
	fmt.Fprintf(w, "Command:  %s\n", r.Command)
	fmt.Fprintf(w, "Database: %s (%s)\n", r.DatabaseID, r.Dialect)
	fmt.Fprintf(w, "Started:  %s (%s)\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(r.StartedAt))
	fmt.Fprintf(w, "Duration: %s\n", runDuration(*r))
	fmt.Fprintf(w, "Status:   %s\n", runStatus(r.Status))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	if len(r.Modules) == 0 {
		return
	}
	t := newTable("MODULE", "ACTION", "FROM", "TO", "DRIFT", "TIME", "ERROR")
	for _, m := range r.Modules {
		drift := ""
		if m.Drift {
			drift = "yes"
		}
		t.Row(m.Module, m.Action, orDash(m.From), m.To, drift, m.Duration.Round(time.Millisecond).String(), m.Error)
	}
	fmt.Fprintln(w, t.Render())
}

func runDuration(r checkpoint.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.Duration().Round(time.Millisecond).String()
}

func runStatus(status string) string {
	switch status {
	case checkpoint.StatusSuccess:
		return styleOK.Render(status)
	case checkpoint.StatusFailed:
		return styleError.Render(status)
	default:
		return styleWarn.Render(status)
	}
}

// Layouts of registry timestamps as rendered by MySQL and Postgres drivers.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return orDash(sum)
}
