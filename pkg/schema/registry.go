package schema

import (
	"fmt"
	"sort"
)

// Registry holds the registered model definitions for the lifetime of the
// process. It is constructed once at startup, validated, and passed by
// reference into every request-scoped component; it is never mutated after
// construction.
type Registry struct {
	models map[string]*ModelDefinition
	names  []string
}

// NewRegistry validates cfg and indexes its models. Cross-model references
// (relation targets, many-relation Via columns) are resolved here so a bad
// configuration fails at startup rather than mid-request.
func NewRegistry(cfg *Config) (*Registry, error) {
	if cfg == nil || len(cfg.Models) == 0 {
		return nil, fmt.Errorf("schema: no models configured")
	}

	r := &Registry{
		models: make(map[string]*ModelDefinition, len(cfg.Models)),
		names:  make([]string, 0, len(cfg.Models)),
	}

	for i := range cfg.Models {
		m := &cfg.Models[i]
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		if m.PrimaryKey == "" {
			m.PrimaryKey = "id"
		}
		if _, ok := r.models[m.Name]; ok {
			return nil, fmt.Errorf("schema: duplicate model '%s'", m.Name)
		}
		r.models[m.Name] = m
		r.names = append(r.names, m.Name)
	}

	for _, name := range r.names {
		m := r.models[name]
		for i := range m.Fields {
			f := &m.Fields[i]
			if !f.IsRelation() {
				continue
			}
			related, ok := r.models[f.To]
			if !ok {
				return nil, fmt.Errorf("schema: model '%s' field '%s' relates to unknown model '%s'", m.Name, f.Name, f.To)
			}
			if f.Many {
				if related.Field(f.Via) == nil && !relatedHasColumn(related, f.Via) {
					return nil, fmt.Errorf("schema: model '%s' field '%s' declares via '%s' which does not exist on '%s'", m.Name, f.Name, f.Via, f.To)
				}
			}
		}
	}

	sort.Strings(r.names)
	return r, nil
}

func relatedHasColumn(m *ModelDefinition, column string) bool {
	for i := range m.Fields {
		if m.Fields[i].StorageColumn() == column {
			return true
		}
	}
	return false
}

// Lookup returns the definition of the named model.
func (r *Registry) Lookup(name string) (*ModelDefinition, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Models returns the registered definitions in sorted name order.
func (r *Registry) Models() []*ModelDefinition {
	out := make([]*ModelDefinition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.models[name])
	}
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int { return len(r.names) }
