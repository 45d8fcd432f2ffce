package storage

import (
	"strings"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/modelgraph"
)

// Aggregate function names understood by Aggregation.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
)

// Aggregation is one aggregate projection of a query.
type Aggregation struct {
	Func  string
	Field string
}

// Alias is the result key the aggregation's value is returned under.
func (a Aggregation) Alias() string {
	if a.Field == "" {
		return a.Func
	}
	return a.Func + "_" + a.Field
}

// Ordering is one sort criterion. Field names a field of the query's model.
type Ordering struct {
	Field string
	Desc  bool
}

// ParseOrdering reads one orderBy entry; a leading '-' flips direction.
func ParseOrdering(s string) Ordering {
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		return Ordering{Field: rest, Desc: true}
	}
	return Ordering{Field: s}
}

// SearchSpec is a free-text search over a set of string fields.
type SearchSpec struct {
	Query  string
	Fields []string
}

// Query is the symbolic form of one datastore read or write target. It is a
// plain value built up by the executor and only rendered to SQL (or
// interpreted, for the memory store) at the datastore boundary. Equal
// queries compile to identical text, which is what the result cache keys on.
//
// Offset and Limit use -1 for "absent" so that 0 remains a valid bound.
type Query struct {
	Model *modelgraph.Model

	// Columns holds the field names to fetch. Empty means every scalar
	// field of the model. The primary key is always fetched.
	Columns []string

	// Filters are ANDed together; Excludes are each negated, then ANDed.
	Filters  []*ast.FilterNode
	Excludes []*ast.FilterNode

	Search       *SearchSpec
	Orderings    []Ordering
	Aggregations []Aggregation

	Offset   int64
	Limit    int64
	Distinct bool
}

// NewQuery returns an unfiltered query over every row of the model.
func NewQuery(model *modelgraph.Model) *Query {
	return &Query{
		Model:  model,
		Offset: -1,
		Limit:  -1,
	}
}

// Clone returns a copy that can diverge from the receiver. Filter nodes are
// shared between the two; they are never mutated after decoding.
func (q *Query) Clone() *Query {
	dup := *q
	dup.Columns = append([]string(nil), q.Columns...)
	dup.Filters = append([]*ast.FilterNode(nil), q.Filters...)
	dup.Excludes = append([]*ast.FilterNode(nil), q.Excludes...)
	dup.Orderings = append([]Ordering(nil), q.Orderings...)
	dup.Aggregations = append([]Aggregation(nil), q.Aggregations...)
	if q.Search != nil {
		search := *q.Search
		search.Fields = append([]string(nil), q.Search.Fields...)
		dup.Search = &search
	}
	return &dup
}

// Filter narrows the query to rows matching the node.
func (q *Query) Filter(node *ast.FilterNode) *Query {
	if node != nil {
		q.Filters = append(q.Filters, node)
	}
	return q
}

// Exclude narrows the query to rows not matching the node.
func (q *Query) Exclude(node *ast.FilterNode) *Query {
	if node != nil {
		q.Excludes = append(q.Excludes, node)
	}
	return q
}

// WithSearch attaches a free-text search block.
func (q *Query) WithSearch(search *SearchSpec) *Query {
	q.Search = search
	return q
}

// OrderBy replaces the query's ordering.
func (q *Query) OrderBy(orderings ...Ordering) *Query {
	q.Orderings = orderings
	return q
}

// Select restricts the fetched fields.
func (q *Query) Select(fields ...string) *Query {
	q.Columns = fields
	return q
}

// WithOffset skips the first n matching rows.
func (q *Query) WithOffset(n int64) *Query {
	q.Offset = n
	return q
}

// WithLimit caps the number of returned rows.
func (q *Query) WithLimit(n int64) *Query {
	q.Limit = n
	return q
}

// WithAggregations turns the query into an aggregate projection.
func (q *Query) WithAggregations(aggs ...Aggregation) *Query {
	q.Aggregations = aggs
	return q
}

// WithDistinct makes the row projection distinct.
func (q *Query) WithDistinct() *Query {
	q.Distinct = true
	return q
}

// EqualityFilter builds a filter node from simple field=value pairs. Map
// iteration order does not matter; conditions are sorted at construction.
func EqualityFilter(conditions map[string]any) (*ast.FilterNode, error) {
	return ast.NewConditionNode(ast.NodeFilter, conditions)
}
