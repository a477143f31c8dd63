//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// checkFilePermissions returns a warning if the config file may be readable by other users.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))
	for _, principal := range []string{"everyone", "authenticated users", "builtin\\users", "users"} {
		if strings.Contains(acl, principal) {
			return fmt.Sprintf(
				"WARNING: dbschema config '%s' may have insecure permissions\n"+
					"         Other users may be able to read your database credentials.\n"+
					"         Run in PowerShell to secure:\n"+
					"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
				path, path,
			)
		}
	}
	return ""
}
