package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/modelgraph"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
)

// applyModifiers applies the query's modifiers to q in the fixed order:
// selectRelated, prefetchRelated, filter, search, exclude, orderBy, field
// selection. Each is a no-op when absent. Structural problems (unknown
// fields, disallowed filter targets) fail here, before any store I/O.
func (e *Executor) applyModifiers(q *storage.Query, query *ast.Query) (*storage.Query, error) {
	if err := e.collectSelectRelated(query.SelectRelated); err != nil {
		return nil, err
	}
	if err := e.collectPrefetchRelated(query.PrefetchRelated); err != nil {
		return nil, err
	}

	if query.Filter != nil {
		if err := e.validateFilterNode(query.Filter); err != nil {
			return nil, err
		}
		q = q.Filter(query.Filter)
	}

	if search := e.searchSpec(query.Search); search != nil {
		q = q.WithSearch(search)
	}

	if query.Exclude != nil {
		if err := e.validateFilterNode(query.Exclude); err != nil {
			return nil, err
		}
		q = q.Exclude(query.Exclude)
	}

	if len(query.OrderBy) > 0 {
		orderings, err := e.orderings(query.OrderBy)
		if err != nil {
			return nil, err
		}
		q = q.OrderBy(orderings...)
	}

	if len(query.Fields) > 0 {
		q = q.Select(e.projection(query.Fields)...)
	}

	return q, nil
}

// collectSelectRelated records the single-valued relations to fetch
// alongside the primary rows. Unknown names are structural errors; relation
// fields the read map does not grant are dropped silently, like any other
// unauthorized field.
func (e *Executor) collectSelectRelated(names []string) error {
	for _, name := range names {
		field := e.model.Field(name)
		if field == nil || !field.IsRelation() || field.Rel.Many {
			return serverErrors.InvalidQuery(fmt.Sprintf("'%s' is not a single-valued relation of model '%s'", name, e.model.Name))
		}
		if !e.readMap.Allows(e.model.Name, name) {
			continue
		}
		e.selectRelated = append(e.selectRelated, field)
	}
	return nil
}

// collectPrefetchRelated records the many-valued relations to fetch.
func (e *Executor) collectPrefetchRelated(names []string) error {
	for _, name := range names {
		field := e.model.Field(name)
		if field == nil || !field.IsRelation() || !field.Rel.Many {
			return serverErrors.InvalidQuery(fmt.Sprintf("'%s' is not a many-valued relation of model '%s'", name, e.model.Name))
		}
		if !e.readMap.Allows(e.model.Name, name) {
			continue
		}
		e.prefetchRelated = append(e.prefetchRelated, field)
	}
	return nil
}

// relationHints renders the collected relation hints into the cache-key
// discriminator. Two otherwise identical reads with different hints produce
// different payloads, so the hints must be part of the cache identity even
// though they do not change the compiled statement.
func (e *Executor) relationHints() string {
	if len(e.selectRelated) == 0 && len(e.prefetchRelated) == 0 {
		return ""
	}
	names := make([]string, 0, len(e.selectRelated)+len(e.prefetchRelated))
	for _, f := range e.selectRelated {
		names = append(names, f.Name)
	}
	for _, f := range e.prefetchRelated {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return "|rel=" + strings.Join(names, ",")
}

// validateFilterNode checks every condition of the tree: the path must
// resolve through the model graph, and when the model restricts filterable
// fields the path's first segment must be among them.
func (e *Executor) validateFilterNode(node *ast.FilterNode) error {
	var failure error
	node.Walk(func(n *ast.FilterNode) {
		if failure != nil {
			return
		}
		for _, cond := range n.Conditions {
			if err := e.validateConditionPath(cond); err != nil {
				failure = err
				return
			}
		}
	})
	return failure
}

func (e *Executor) validateConditionPath(cond ast.Condition) error {
	if len(e.model.FilterableFields) > 0 && !contains(e.model.FilterableFields, cond.Path[0]) {
		return serverErrors.InvalidQuery(fmt.Sprintf("field '%s' of model '%s' is not filterable", cond.Path[0], e.model.Name))
	}

	current := e.model
	for i, segment := range cond.Path {
		field := current.Field(segment)
		if field == nil {
			return serverErrors.InvalidQuery(fmt.Sprintf("unknown field '%s' in filter '%s'", segment, cond.Raw))
		}
		if i == len(cond.Path)-1 {
			return nil
		}
		if !field.IsRelation() {
			return serverErrors.InvalidQuery(fmt.Sprintf("field '%s' in filter '%s' is not a relation", segment, cond.Raw))
		}
		current = field.Rel.To
	}
	return nil
}

// searchSpec intersects the model's configured searchable fields with the
// client-requested subset. A model with no configured searchable fields
// makes search a no-op; a client subset naming none of them does too.
func (e *Executor) searchSpec(search *ast.Search) *storage.SearchSpec {
	if search == nil || len(e.model.SearchableFields) == 0 {
		return nil
	}

	effective := e.model.SearchableFields
	if len(search.SearchFields) > 0 {
		effective = make([]string, 0, len(search.SearchFields))
		for _, name := range e.model.SearchableFields {
			if contains(search.SearchFields, name) {
				effective = append(effective, name)
			}
		}
		if len(effective) == 0 {
			return nil
		}
	}

	return &storage.SearchSpec{Query: search.SearchQuery, Fields: effective}
}

// orderings parses and validates the orderBy entries. When the model
// restricts ordering fields, entries outside the set are rejected.
func (e *Executor) orderings(orderBy []string) ([]storage.Ordering, error) {
	orderings := make([]storage.Ordering, 0, len(orderBy))
	for _, raw := range orderBy {
		ordering := storage.ParseOrdering(raw)
		field := e.model.Field(ordering.Field)
		if field == nil || field.Column == "" {
			return nil, serverErrors.InvalidQuery(fmt.Sprintf("cannot order by unknown field '%s' on model '%s'", ordering.Field, e.model.Name))
		}
		if len(e.model.OrderingFields) > 0 && !contains(e.model.OrderingFields, ordering.Field) {
			return nil, serverErrors.InvalidQuery(fmt.Sprintf("field '%s' of model '%s' is not orderable", ordering.Field, e.model.Name))
		}
		orderings = append(orderings, ordering)
	}
	return orderings, nil
}

// projection narrows the fetched columns to the requested fields the read
// map grants. It is a hint to the store, not a security boundary: the
// serializer applies the read map regardless. The primary key is always
// kept so rows stay addressable.
func (e *Executor) projection(requested []string) []string {
	effective := e.readMap.Effective(e.model)

	kept := []string{e.model.PrimaryKey}
	for _, name := range requested {
		if name == e.model.PrimaryKey {
			continue
		}
		field := e.model.Field(name)
		if field == nil || field.Column == "" {
			continue
		}
		if contains(effective, name) {
			kept = append(kept, name)
		}
	}
	return kept
}

// pkFilter builds a primary-key membership filter over the given keys.
func pkFilter(model *modelgraph.Model, pks []any) (*ast.FilterNode, error) {
	return storage.EqualityFilter(map[string]any{model.PrimaryKey + "__in": pks})
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
