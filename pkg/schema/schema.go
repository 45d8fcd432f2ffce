// Package schema declares the data model the service exposes: named models
// with typed fields and relations, plus the policy bindings and query
// settings attached to each model. Definitions are loaded once at startup
// and registered in a Registry that is shared read-only afterwards.
package schema

import (
	"fmt"
	"strings"
)

// FieldType enumerates the scalar types a field can hold, plus "relation".
type FieldType string

const (
	FieldInteger  FieldType = "integer"
	FieldFloat    FieldType = "float"
	FieldString   FieldType = "string"
	FieldText     FieldType = "text"
	FieldBoolean  FieldType = "boolean"
	FieldDatetime FieldType = "datetime"
	FieldJSON     FieldType = "json"
	FieldRelation FieldType = "relation"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldInteger, FieldFloat, FieldString, FieldText, FieldBoolean, FieldDatetime, FieldJSON, FieldRelation:
		return true
	default:
		return false
	}
}

// FieldDefinition describes one declared field of a model.
//
// For single-valued relations the value is stored in a foreign-key column on
// the owning table (Column, defaulting to "<name>_id"). For many-valued
// relations the rows live on the related table and point back through Via.
type FieldDefinition struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Column   string    `json:"column,omitempty"`
	Nullable bool      `json:"nullable,omitempty"`

	// Relation settings. To names the related model.
	To   string `json:"to,omitempty"`
	Many bool   `json:"many,omitempty"`
	Via  string `json:"via,omitempty"`
}

// IsRelation reports whether the field points at another model.
func (f *FieldDefinition) IsRelation() bool { return f.Type == FieldRelation }

// StorageColumn returns the column backing the field on the owning table.
// Many-valued relations have no backing column and return "".
func (f *FieldDefinition) StorageColumn() string {
	if f.IsRelation() && f.Many {
		return ""
	}
	if f.Column != "" {
		return f.Column
	}
	if f.IsRelation() {
		return f.Name + "_id"
	}
	return f.Name
}

// PolicyBinding attaches one permission policy to a model. Kind selects the
// implementation; the remaining settings parameterize it.
type PolicyBinding struct {
	Kind string `json:"kind"`

	// field_restricted
	VisibleFields  []string `json:"visible_fields,omitempty"`
	EditableFields []string `json:"editable_fields,omitempty"`
	CreateFields   []string `json:"create_fields,omitempty"`

	// row_filtered: rows are narrowed to those whose OwnerField equals the
	// actor subject.
	OwnerField string `json:"owner_field,omitempty"`

	// object_level: a CEL expression over {actor, object} deciding
	// instance-scoped actions.
	Expression string `json:"expression,omitempty"`

	// composed: every nested policy must grant.
	Policies []PolicyBinding `json:"policies,omitempty"`
}

// ModelDefinition describes one model: identity, storage mapping, declared
// fields and the per-model query settings.
type ModelDefinition struct {
	Name         string            `json:"name"`
	Table        string            `json:"table"`
	PrimaryKey   string            `json:"primary_key,omitempty"`
	DisplayField string            `json:"display_field,omitempty"`
	Fields       []FieldDefinition `json:"fields"`

	SearchableFields []string `json:"searchable_fields,omitempty"`
	OrderingFields   []string `json:"ordering_fields,omitempty"`
	FilterableFields []string `json:"filterable_fields,omitempty"`

	Policies []PolicyBinding `json:"policies,omitempty"`

	// CacheTTLSeconds overrides the server-wide query cache TTL for results
	// of this model. Zero means "use the server default".
	CacheTTLSeconds int `json:"cache_ttl,omitempty"`
}

// Field returns the definition of the named field, or nil.
func (m *ModelDefinition) Field(name string) *FieldDefinition {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the declared field names in declaration order.
func (m *ModelDefinition) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for i := range m.Fields {
		names = append(names, m.Fields[i].Name)
	}
	return names
}

func (m *ModelDefinition) validate() error {
	if m.Name == "" {
		return fmt.Errorf("model with empty name")
	}
	if !strings.Contains(m.Name, ".") {
		return fmt.Errorf("model '%s': name must be namespaced as '<app>.<Model>'", m.Name)
	}
	if m.Table == "" {
		return fmt.Errorf("model '%s': table is required", m.Name)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("model '%s': at least one field is required", m.Name)
	}

	pk := m.PrimaryKey
	if pk == "" {
		pk = "id"
	}

	seen := make(map[string]struct{}, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("model '%s': field with empty name", m.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("model '%s': duplicate field '%s'", m.Name, f.Name)
		}
		seen[f.Name] = struct{}{}

		if !f.Type.valid() {
			return fmt.Errorf("model '%s': field '%s' has unknown type '%s'", m.Name, f.Name, f.Type)
		}
		if f.IsRelation() {
			if f.To == "" {
				return fmt.Errorf("model '%s': relation field '%s' must declare 'to'", m.Name, f.Name)
			}
			if f.Many && f.Via == "" {
				return fmt.Errorf("model '%s': many relation field '%s' must declare 'via'", m.Name, f.Name)
			}
		} else if f.To != "" || f.Many || f.Via != "" {
			return fmt.Errorf("model '%s': field '%s' carries relation settings but is not a relation", m.Name, f.Name)
		}
	}

	if _, ok := seen[pk]; !ok {
		return fmt.Errorf("model '%s': primary key field '%s' is not declared", m.Name, pk)
	}
	for _, name := range m.SearchableFields {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("model '%s': searchable field '%s' is not declared", m.Name, name)
		}
	}
	for _, name := range m.OrderingFields {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("model '%s': ordering field '%s' is not declared", m.Name, name)
		}
	}
	for _, name := range m.FilterableFields {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("model '%s': filterable field '%s' is not declared", m.Name, name)
		}
	}
	return nil
}

// Config is the top-level shape of the model configuration file.
type Config struct {
	Models []ModelDefinition `json:"models"`
}
