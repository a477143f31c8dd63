//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions returns a warning when the config file is readable or
// writable by group or others. It may hold a DSN, a password and the Slack
// webhook URL.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}

	mode := info.Mode().Perm()
	if mode&0o077 == 0 {
		return ""
	}
	who := "group"
	if mode&0o007 != 0 {
		who = "other users"
	}
	return fmt.Sprintf(
		"WARNING: dbschema config '%s' is accessible by %s (%04o)\n"+
			"         It may contain database credentials or webhook URLs.\n"+
			"         Run: chmod 600 %s\n\n",
		path, who, mode, path,
	)
}
