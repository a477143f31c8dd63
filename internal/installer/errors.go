package installer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedDialect is returned for a module that does not declare the
// connection's dialect.
var ErrUnsupportedDialect = errors.New("dialect not supported by module")

// Decision phases reported in a ModuleError.
const (
	PhaseRegistry     = "registry"
	PhaseDialect      = "dialect"
	PhaseChecksum     = "checksum"
	PhaseDependencies = "dependencies"
	PhaseInstall      = "install"
	PhaseUpgrade      = "upgrade"
	PhaseIndexes      = "indexes"
	PhaseViews        = "views"
	PhaseSeeds        = "seeds"
	PhaseRecord       = "record"
	PhaseUninstall    = "uninstall"
)

// ModuleError attaches the failing module and decision phase to an error.
type ModuleError struct {
	Module string
	Phase  string
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.Module, e.Phase, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// MissingDependencyError reports dependencies that are not installed.
type MissingDependencyError struct {
	Module  string
	Missing []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("cannot install %s: missing dependencies: %s (install all modules in one run)",
		e.Module, strings.Join(e.Missing, ", "))
}

// MissingObjectsError reports catalog objects still absent after a replay.
type MissingObjectsError struct {
	Kind  string
	Names []string
}

func (e *MissingObjectsError) Error() string {
	return fmt.Sprintf("%s still missing: %s", e.Kind, strings.Join(e.Names, ", "))
}

func wrap(module, phase string, err error) error {
	if err == nil {
		return nil
	}
	var me *ModuleError
	if errors.As(err, &me) {
		return err
	}
	return &ModuleError{Module: module, Phase: phase, Err: err}
}
