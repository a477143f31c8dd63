// Package exitcodes defines the process exit codes of the dbschema CLI so
// that schedulers (cron, Kubernetes jobs, CI) can tell retryable failures
// from permanent ones.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/dbschema/internal/ddl"
	"github.com/johndauphine/dbschema/internal/depgraph"
	"github.com/johndauphine/dbschema/internal/installer"
	"github.com/johndauphine/dbschema/internal/lock"
	"github.com/johndauphine/dbschema/internal/viewguard"
)

const (
	// Success - every module installed or already current
	Success = 0

	// ConfigError - configuration/YAML parsing or invalid settings (non-recoverable)
	ConfigError = 1

	// ConnectionError - database connection or session errors (recoverable)
	ConnectionError = 2

	// MigrationError - a DDL statement failed fatally (non-recoverable)
	MigrationError = 3

	// ValidationError - view verification, strict views, or missing indexes (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - run history or state file errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// LockTimeout - another process held the run or view lock (recoverable)
	LockTimeout = 8

	// DependencyError - dependency cycle or uninstalled dependency (non-recoverable)
	DependencyError = 9
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the exit code for an error. Typed errors are
// checked first; anything else is classified by its message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var (
		lockErr   *lock.TimeoutError
		cycleErr  *depgraph.CycleError
		depErr    *installer.MissingDependencyError
		objErr    *installer.MissingObjectsError
		verifyErr *viewguard.VerificationError
		retryErr  *viewguard.RetryExceededError
		applyErr  *ddl.ApplicationError
		pathErr   *os.PathError
	)
	switch {
	case errors.As(err, &lockErr):
		return LockTimeout
	case errors.As(err, &cycleErr), errors.As(err, &depErr):
		return DependencyError
	case errors.As(err, &objErr), errors.As(err, &verifyErr), errors.Is(err, viewguard.ErrInvalidView):
		return ValidationError
	case errors.Is(err, installer.ErrUnsupportedDialect):
		return ConfigError
	case errors.As(err, &retryErr), errors.As(err, &applyErr):
		return MigrationError
	case errors.As(err, &pathErr):
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
		"parsing manifest",
		"unknown dialect",
		"unknown module",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
		"authentication",
		"access denied",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"history",
		"state file",
		"run not found",
		"sqlite",
	}) {
		return StateError
	}

	return MigrationError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, LockTimeout:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case MigrationError:
		return "migration error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case LockTimeout:
		return "lock timeout (recoverable)"
	case DependencyError:
		return "dependency error"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
