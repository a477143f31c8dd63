package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// FileState implements Backend using a single YAML file that holds the most
// recent run. Designed for CI and headless environments where SQLite is
// impractical. Writers take an exclusive file lock on <path>.lock so that
// concurrent processes never interleave writes.
type FileState struct {
	path string
	lock *flock.Flock

	mu    sync.RWMutex
	state *Run

	// LockTimeout bounds the wait for the file lock.
	LockTimeout time.Duration
}

// NewFileState creates a file-based state backend.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	fs := &FileState{
		path:        path,
		lock:        flock.New(path + ".lock"),
		LockTimeout: 10 * time.Second,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileState) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		fs.state = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}
	var r Run
	if err := yaml.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parsing state file: %w", err)
	}
	if r.ID == "" {
		fs.state = nil
		return nil
	}
	fs.state = &r
	return nil
}

// update applies fn to the in-memory run under the file lock and writes the
// result atomically.
func (fs *FileState) update(fn func(r *Run) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fs.LockTimeout)
	defer cancel()
	locked, err := fs.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("locking state file %s: %w", fs.path, lockErr(err))
	}
	defer fs.lock.Unlock()

	// Another process may have written since we last read.
	if err := fs.load(); err != nil {
		return err
	}
	if err := fn(fs.state); err != nil {
		return err
	}
	return fs.save()
}

func lockErr(err error) error {
	if err == nil {
		return context.DeadlineExceeded
	}
	return err
}

// save writes the current state via a temp file and rename.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// StartRun replaces the stored run with a new running one.
func (fs *FileState) StartRun(run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning
	run.CompletedAt = nil
	run.Modules = nil
	return fs.update(func(*Run) error {
		fs.state = &run
		return nil
	})
}

// RecordModule appends a module result to the current run.
func (fs *FileState) RecordModule(runID string, m ModuleRun) error {
	return fs.update(func(r *Run) error {
		if r == nil || r.ID != runID {
			return fmt.Errorf("run ID mismatch: no active run %s", runID)
		}
		r.Modules = append(r.Modules, m)
		return nil
	})
}

// CompleteRun marks the run as complete.
func (fs *FileState) CompleteRun(id, status, errorMsg string) error {
	return fs.update(func(r *Run) error {
		if r == nil || r.ID != id {
			return fmt.Errorf("run ID mismatch: no active run %s", id)
		}
		now := time.Now()
		r.Status = status
		r.CompletedAt = &now
		r.Error = errorMsg
		return nil
	})
}

// GetRun returns the stored run when its id matches.
func (fs *FileState) GetRun(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.state == nil || fs.state.ID != id {
		return nil, nil
	}
	r := *fs.state
	return &r, nil
}

// Runs returns the single stored run, if any.
func (fs *FileState) Runs(limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.state == nil {
		return nil, nil
	}
	return []Run{*fs.state}, nil
}

// Close releases the file lock handle.
func (fs *FileState) Close() error {
	return fs.lock.Close()
}
