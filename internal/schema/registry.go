package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps functional areas to their synchronized tables. Table order
// within an area follows registration priority (lower first), which callers
// rely on for foreign-key-safe insert ordering; deletes iterate the reverse.
type Registry struct {
	mu    sync.RWMutex
	areas map[string][]Table
	names map[string]Table
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		areas: make(map[string][]Table),
		names: make(map[string]Table),
	}
}

// Register binds a table to an area. A table name must resolve to a single
// Table value across the whole registry; registering the same table into
// several areas is allowed.
func (r *Registry) Register(area string, table Table) error {
	if area == "" {
		return fmt.Errorf("schema: area name is required")
	}
	if table == nil {
		return fmt.Errorf("schema: table is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.names[table.Name()]; ok && existing != table {
		return fmt.Errorf("schema: table %q already registered with a different implementation", table.Name())
	}
	for _, candidate := range r.areas[area] {
		if candidate.Name() == table.Name() {
			return fmt.Errorf("schema: table %q already registered in area %q", table.Name(), area)
		}
	}

	r.names[table.Name()] = table
	tables := append(r.areas[area], table)
	sort.SliceStable(tables, func(i, j int) bool {
		if tables[i].Priority() != tables[j].Priority() {
			return tables[i].Priority() < tables[j].Priority()
		}
		return tables[i].Name() < tables[j].Name()
	})
	r.areas[area] = tables
	return nil
}

// Tables returns the area's tables in priority order.
func (r *Registry) Tables(area string) []Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Table(nil), r.areas[area]...)
}

// TablesReversed returns the area's tables in reverse priority order.
func (r *Registry) TablesReversed(area string) []Table {
	tables := r.Tables(area)
	for i, j := 0, len(tables)-1; i < j; i, j = i+1, j-1 {
		tables[i], tables[j] = tables[j], tables[i]
	}
	return tables
}

// Lookup resolves a table by name across all areas.
func (r *Registry) Lookup(name string) (Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.names[name]
	return table, ok
}

// Priority returns the table's registration priority, or a maximal value for
// unknown tables so they sort last.
func (r *Registry) Priority(name string) int {
	if table, ok := r.Lookup(name); ok {
		return table.Priority()
	}
	return int(^uint(0) >> 1)
}

// InArea reports whether the named table is registered under the area.
func (r *Registry) InArea(area, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, table := range r.areas[area] {
		if table.Name() == name {
			return true
		}
	}
	return false
}

// Areas lists the registered area names, sorted.
func (r *Registry) Areas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.areas))
	for name := range r.areas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasArea reports whether the area has at least one table.
func (r *Registry) HasArea(area string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.areas[area]) > 0
}
