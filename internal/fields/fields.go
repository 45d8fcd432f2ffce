// Package fields resolves, per operation, which fields of which models the
// acting claims may use. The resolver walks the model graph breadth-first,
// consulting the permission policies at every node, and produces a Map the
// executor and serializer treat as the authorization boundary.
package fields

import (
	"sort"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/scopeq/scopeq/internal/modelgraph"
)

// FieldSet is a sorted set of field names of one model.
type FieldSet struct {
	set *treeset.Set
}

// NewFieldSet returns a set over the given names.
func NewFieldSet(names ...string) *FieldSet {
	s := &FieldSet{set: treeset.NewWithStringComparator()}
	s.Add(names...)
	return s
}

// Add inserts the names into the set.
func (s *FieldSet) Add(names ...string) {
	for _, name := range names {
		s.set.Add(name)
	}
}

// Has reports whether the name is in the set. A nil set has nothing.
func (s *FieldSet) Has(name string) bool {
	if s == nil {
		return false
	}
	return s.set.Contains(name)
}

// Len returns the number of names in the set.
func (s *FieldSet) Len() int {
	if s == nil {
		return 0
	}
	return s.set.Size()
}

// Empty reports whether the set has no names.
func (s *FieldSet) Empty() bool { return s.Len() == 0 }

// Names returns the field names in sorted order.
func (s *FieldSet) Names() []string {
	if s == nil {
		return nil
	}
	values := s.set.Values()
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, v.(string))
	}
	return names
}

// Map is one operation's field map: model name → the fields the actor may
// use on that model. A model absent from the map grants nothing beyond the
// identifier/display fallback consumers apply.
type Map map[string]*FieldSet

// Lookup returns the entry for the model and whether one exists.
func (m Map) Lookup(model string) (*FieldSet, bool) {
	s, ok := m[model]
	return s, ok
}

// Allows reports whether the map grants the field on the model.
func (m Map) Allows(model, field string) bool {
	return m[model].Has(field)
}

// Models returns the mapped model names in sorted order.
func (m Map) Models() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Effective returns the granted field names for the model in sorted order,
// falling back to the identifier and display fields when the map carries no
// usable entry.
func (m Map) Effective(model *modelgraph.Model) []string {
	if set, ok := m[model.Name]; ok && !set.Empty() {
		return set.Names()
	}
	fallback := []string{model.PrimaryKey}
	if model.DisplayField != "" && model.DisplayField != model.PrimaryKey {
		fallback = append(fallback, model.DisplayField)
	}
	return fallback
}

func (m Map) add(model string, names ...string) {
	s, ok := m[model]
	if !ok {
		s = NewFieldSet()
		m[model] = s
	}
	s.Add(names...)
}
