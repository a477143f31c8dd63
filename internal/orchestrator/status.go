package orchestrator

import (
	"context"
	"fmt"

	"github.com/johndauphine/dbschema/internal/installer"
	"github.com/johndauphine/dbschema/internal/module"
)

// StatusSummary counts modules by pending work.
type StatusSummary struct {
	Total        int `json:"total"`
	Installed    int `json:"installed"`
	NeedsInstall int `json:"needs_install"`
	NeedsUpgrade int `json:"needs_upgrade"`
	Drifted      int `json:"drifted"`
	Errors       int `json:"errors"`
}

// StatusReport is the read-only view of every module against the database.
type StatusReport struct {
	DatabaseID    string                   `json:"database_id"`
	Dialect       string                   `json:"dialect"`
	ServerVersion string                   `json:"server_version"`
	Modules       []installer.ModuleStatus `json:"modules"`
	Summary       StatusSummary            `json:"summary"`
}

// Status reports each module's installed and target versions. It takes no
// lock and never creates the registry table.
func (c *Coordinator) Status(ctx context.Context, modules []module.Module) (*StatusReport, error) {
	version, err := c.conn.ServerVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading server version: %w", err)
	}
	statuses, err := c.inst.Status(ctx, modules)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		DatabaseID:    c.conn.ID(),
		Dialect:       c.conn.Dialect().String(),
		ServerVersion: version,
		Modules:       statuses,
	}
	for _, s := range statuses {
		report.Summary.Total++
		if s.Installed != "" {
			report.Summary.Installed++
		}
		if s.NeedsInstall {
			report.Summary.NeedsInstall++
		}
		if s.NeedsUpgrade {
			report.Summary.NeedsUpgrade++
		}
		if s.Drift() {
			report.Summary.Drifted++
		}
		if s.Error != "" {
			report.Summary.Errors++
		}
	}
	return report, nil
}

// Pending reports whether any module needs an install or upgrade.
func (r *StatusReport) Pending() bool {
	return r.Summary.NeedsInstall > 0 || r.Summary.NeedsUpgrade > 0
}
