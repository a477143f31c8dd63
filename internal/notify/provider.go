package notify

import "time"

// Provider defines the notification contract for run events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// RunStarted sends notification when a run has acquired the lock.
	RunStarted(runID, command, database string, moduleCount int) error

	// RunCompleted sends notification when a run finishes successfully.
	RunCompleted(runID string, startTime time.Time, duration time.Duration, summary Summary) error

	// RunFailed sends notification when a run fails.
	RunFailed(runID string, err error, duration time.Duration, summary Summary) error
}

// Summary counts module outcomes of a run.
type Summary struct {
	Installed  int
	Upgraded   int
	Unchanged  int
	Drifted    []string
	Failed     []string
	Statements int64
}

// Total is the number of modules touched.
func (s Summary) Total() int {
	return s.Installed + s.Upgraded + s.Unchanged + len(s.Failed)
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
