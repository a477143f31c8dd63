package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/johndauphine/dbschema/internal/logging"
)

// Options configures a Tracker.
type Options struct {
	// Writer receives the bar. Defaults to os.Stderr.
	Writer io.Writer
	// Interactive draws a progress bar; otherwise only log lines are written.
	Interactive bool
	// Reporter receives machine-readable updates. Nil disables them.
	Reporter Reporter
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Tracker tracks per-module progress of a run
type Tracker struct {
	bar       *progressbar.ProgressBar
	reporter  Reporter
	phase     string
	total     int
	done      atomic.Int64
	failed    atomic.Int64
	startTime time.Time

	mu      sync.Mutex
	current string
}

// New creates a tracker for total modules.
func New(phase string, total int, opts Options) *Tracker {
	t := &Tracker{
		reporter:  opts.Reporter,
		phase:     phase,
		total:     total,
		startTime: time.Now(),
	}
	if t.reporter == nil {
		t.reporter = &NullReporter{}
	}
	if opts.Interactive && total > 0 {
		w := opts.Writer
		if w == nil {
			w = os.Stderr
		}
		t.bar = progressbar.NewOptions(
			total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(phase),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetItsString("modules"),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		)
	}
	t.reporter.ReportImmediate(t.update())
	return t
}

// ModuleStarted marks a module as in progress
func (t *Tracker) ModuleStarted(name string) {
	t.mu.Lock()
	t.current = name
	t.mu.Unlock()

	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("%s %s", t.phase, name))
		t.bar.RenderBlank()
	}
	t.reporter.Report(t.update())
}

// ModuleFinished marks a module as done; err is nil on success.
func (t *Tracker) ModuleFinished(name string, err error) {
	t.done.Add(1)
	if err != nil {
		t.failed.Add(1)
	}
	t.mu.Lock()
	if t.current == name {
		t.current = ""
	}
	t.mu.Unlock()

	if t.bar != nil {
		t.bar.Add(1)
	} else if err == nil {
		logging.Debug("[%d/%d] %s done", t.done.Load(), t.total, name)
	}
	t.reporter.Report(t.update())
}

// Done returns the number of finished modules.
func (t *Tracker) Done() int { return int(t.done.Load()) }

// Failed returns the number of failed modules.
func (t *Tracker) Failed() int { return int(t.failed.Load()) }

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}
	u := t.update()
	u.Phase = "complete"
	t.reporter.ReportImmediate(u)
	t.reporter.Close()

	logging.Info("%s complete: %d/%d modules in %s (%d failed)",
		t.phase, t.done.Load(), t.total, time.Since(t.startTime).Round(time.Millisecond), t.failed.Load())
}

func (t *Tracker) update() ProgressUpdate {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()

	done := int(t.done.Load())
	pct := 100.0
	if t.total > 0 {
		pct = float64(done) * 100 / float64(t.total)
	}
	return ProgressUpdate{
		Phase:           t.phase,
		ModulesComplete: done,
		ModulesTotal:    t.total,
		CurrentModule:   current,
		ProgressPct:     pct,
		ErrorCount:      int(t.failed.Load()),
		ElapsedMs:       time.Since(t.startTime).Milliseconds(),
	}
}
