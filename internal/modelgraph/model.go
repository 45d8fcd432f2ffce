// Package modelgraph holds the resolved model graph: one node per registered
// model, with relation fields pointing directly at their target nodes. The
// graph is built once at startup from the schema registry and is safe for
// concurrent reads; it is never mutated afterwards.
package modelgraph

import (
	"github.com/scopeq/scopeq/pkg/schema"
)

// Relation describes the target side of a relation field.
type Relation struct {
	To   *Model
	Many bool
	// Via is the column on the target table pointing back at the owner.
	// Only set for many-valued relations.
	Via string
}

// Field is an immutable field descriptor.
type Field struct {
	Name     string
	Type     schema.FieldType
	Column   string
	Nullable bool

	// Rel is nil for scalar fields.
	Rel *Relation
}

// IsRelation reports whether the field points at another model.
func (f *Field) IsRelation() bool { return f.Rel != nil }

// Model is one node of the model graph.
type Model struct {
	Name         string
	Table        string
	PrimaryKey   string
	DisplayField string

	// Fields preserves declaration order.
	Fields []*Field

	SearchableFields []string
	OrderingFields   []string
	FilterableFields []string
	CacheTTLSeconds  int

	byName map[string]*Field
}

// Field returns the named field descriptor, or nil if the model has no
// such field.
func (m *Model) Field(name string) *Field {
	return m.byName[name]
}

// FieldByColumn returns the field stored under the given column, or nil.
// Relation Via references are column names, so resolving them back to a
// field goes through here.
func (m *Model) FieldByColumn(column string) *Field {
	for _, f := range m.Fields {
		if f.Column == column {
			return f
		}
	}
	return nil
}

// PK returns the primary key field descriptor.
func (m *Model) PK() *Field {
	return m.byName[m.PrimaryKey]
}

// FieldNames returns the declared field names in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	return names
}

// ScalarFields returns the non-relation fields in declaration order.
func (m *Model) ScalarFields() []*Field {
	out := make([]*Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !f.IsRelation() {
			out = append(out, f)
		}
	}
	return out
}
