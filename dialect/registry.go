package dialect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider registry
var (
	providersMu sync.RWMutex
	providers   = make(map[string]*Provider)
)

// Register adds a provider to the registry, replacing any provider
// registered under the same name.
func Register(p *Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[strings.ToLower(p.Name)] = p
}

// Get returns a provider by dialect name.
func Get(name string) (*Provider, bool) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[strings.ToLower(name)]
	return p, ok
}

// MustGet is like Get but panics if the dialect is unknown.
func MustGet(name string) *Provider {
	p, ok := Get(name)
	if !ok {
		panic(&UnknownDialectError{Name: name, Available: List()})
	}
	return p
}

// List returns all registered dialect names (sorted).
func List() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownDialectError is returned when an unknown dialect is requested.
type UnknownDialectError struct {
	Name      string
	Available []string
}

func (e *UnknownDialectError) Error() string {
	return fmt.Sprintf("dialect: unknown dialect %q (available: %v)", e.Name, e.Available)
}

// Resolve maps a database/sql driver name to a registered provider.
// Driver names such as "pgx" or "sqlite3" resolve to their dialect.
func Resolve(driverName string) (*Provider, error) {
	name := strings.ToLower(driverName)
	switch {
	case name == "pgx" || strings.HasPrefix(name, "postgres"):
		name = Postgres
	case strings.HasPrefix(name, "sqlite"):
		name = SQLite
	case name == "mssql":
		name = SQLServer
	}
	if p, ok := Get(name); ok {
		return p, nil
	}
	return nil, &UnknownDialectError{Name: driverName, Available: List()}
}
