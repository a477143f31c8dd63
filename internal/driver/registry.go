package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register adds d under its name and aliases. It panics on a duplicate
// name, which can only be a programming error.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, name := range append([]string{d.Name()}, d.Aliases()...) {
		key := strings.ToLower(name)
		if _, exists := drivers[key]; exists {
			panic(fmt.Sprintf("driver %q already registered", key))
		}
		drivers[key] = d
	}
}

// Get returns the driver registered under nameOrAlias (case-insensitive).
func Get(nameOrAlias string) (Driver, error) {
	registryMu.RLock()
	d, exists := drivers[strings.ToLower(strings.TrimSpace(nameOrAlias))]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown database driver: %q (available: %v)", nameOrAlias, Available())
	}
	return d, nil
}

// Canonicalize maps an alias ("mariadb", "pg", "postgresql") to its primary
// driver name. Unknown names are returned unchanged.
func Canonicalize(nameOrAlias string) string {
	if d, err := Get(nameOrAlias); err == nil {
		return d.Name()
	}
	return nameOrAlias
}

// Available returns the sorted primary names of all registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool)
	for _, d := range drivers {
		seen[d.Name()] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether nameOrAlias resolves to a driver.
func IsRegistered(nameOrAlias string) bool {
	_, err := Get(nameOrAlias)
	return err == nil
}
