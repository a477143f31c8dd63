package database

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ServerInfo is a parsed server version string.
type ServerInfo struct {
	Raw     string
	MariaDB bool
	Version *semver.Version
}

var leadingVersion = regexp.MustCompile(`^\s*(?:PostgreSQL\s+)?(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// ParseServerVersion understands MySQL ("8.0.36"), MariaDB
// ("10.4.32-MariaDB", "5.5.5-10.11.6-MariaDB-log") and Postgres
// ("16.2", "PostgreSQL 16.2 on x86_64...") version strings. Unparseable
// input yields version 0.0.0.
func ParseServerVersion(raw string) ServerInfo {
	info := ServerInfo{Raw: raw, MariaDB: strings.Contains(strings.ToLower(raw), "mariadb")}
	s := raw
	if info.MariaDB {
		s = strings.TrimPrefix(s, "5.5.5-")
	}
	m := leadingVersion.FindStringSubmatch(s)
	if m == nil {
		info.Version = semver.New(0, 0, 0, "", "")
		return info
	}
	part := func(i int) uint64 {
		n, _ := strconv.ParseUint(m[i], 10, 64)
		return n
	}
	info.Version = semver.New(part(1), part(2), part(3), "", "")
	return info
}

// AtLeast reports whether the server version is >= major.minor.patch.
func (s ServerInfo) AtLeast(major, minor, patch uint64) bool {
	if s.Version == nil {
		return false
	}
	return !s.Version.LessThan(semver.New(major, minor, patch, "", ""))
}
