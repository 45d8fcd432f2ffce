package modelgraph

import (
	"fmt"
	"sort"

	"github.com/scopeq/scopeq/pkg/schema"
)

// Graph indexes the resolved models by name.
type Graph struct {
	models map[string]*Model
}

// Build resolves the registry into a connected graph. Relation targets were
// validated by the registry, so resolution cannot dangle; cycles between
// models are expected and fine.
func Build(reg *schema.Registry) (*Graph, error) {
	if reg == nil {
		return nil, fmt.Errorf("modelgraph: nil registry")
	}

	g := &Graph{models: make(map[string]*Model, reg.Len())}

	for _, def := range reg.Models() {
		g.models[def.Name] = &Model{
			Name:             def.Name,
			Table:            def.Table,
			PrimaryKey:       def.PrimaryKey,
			DisplayField:     def.DisplayField,
			SearchableFields: append([]string(nil), def.SearchableFields...),
			OrderingFields:   append([]string(nil), def.OrderingFields...),
			FilterableFields: append([]string(nil), def.FilterableFields...),
			CacheTTLSeconds:  def.CacheTTLSeconds,
			byName:           make(map[string]*Field, len(def.Fields)),
		}
	}

	for _, def := range reg.Models() {
		m := g.models[def.Name]
		for i := range def.Fields {
			fd := &def.Fields[i]
			f := &Field{
				Name:     fd.Name,
				Type:     fd.Type,
				Column:   fd.StorageColumn(),
				Nullable: fd.Nullable,
			}
			if fd.IsRelation() {
				target, ok := g.models[fd.To]
				if !ok {
					return nil, fmt.Errorf("modelgraph: model '%s' field '%s' relates to unknown model '%s'", def.Name, fd.Name, fd.To)
				}
				f.Rel = &Relation{To: target, Many: fd.Many, Via: fd.Via}
			}
			m.Fields = append(m.Fields, f)
			m.byName[f.Name] = f
		}
	}

	return g, nil
}

// Model returns the named node.
func (g *Graph) Model(name string) (*Model, bool) {
	m, ok := g.models[name]
	return m, ok
}

// Models returns all nodes in sorted name order.
func (g *Graph) Models() []*Model {
	names := make([]string, 0, len(g.models))
	for name := range g.models {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Model, 0, len(names))
	for _, name := range names {
		out = append(out, g.models[name])
	}
	return out
}
