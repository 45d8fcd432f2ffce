package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/internal/ast"
)

func TestParseOrdering(t *testing.T) {
	require.Equal(t, Ordering{Field: "name"}, ParseOrdering("name"))
	require.Equal(t, Ordering{Field: "name", Desc: true}, ParseOrdering("-name"))
}

func TestAggregationAlias(t *testing.T) {
	require.Equal(t, "count", Aggregation{Func: AggCount}.Alias())
	require.Equal(t, "sum_price", Aggregation{Func: AggSum, Field: "price"}.Alias())
}

func TestQueryClone(t *testing.T) {
	node, err := EqualityFilter(map[string]any{"status": "live"})
	require.NoError(t, err)

	q := NewQuery(nil).
		Select("title").
		Filter(node).
		OrderBy(ParseOrdering("-title")).
		WithSearch(&SearchSpec{Query: "go", Fields: []string{"title"}}).
		WithLimit(10)

	dup := q.Clone()
	dup.Select("title", "pages").
		OrderBy(ParseOrdering("title")).
		WithLimit(20)
	dup.Search.Query = "rust"

	require.Equal(t, []string{"title"}, q.Columns)
	require.Equal(t, []Ordering{{Field: "title", Desc: true}}, q.Orderings)
	require.Equal(t, int64(10), q.Limit)
	require.Equal(t, "go", q.Search.Query)

	require.Equal(t, []string{"title", "pages"}, dup.Columns)
	require.Equal(t, int64(20), dup.Limit)

	// Filter nodes are shared, not copied.
	require.Same(t, q.Filters[0], dup.Filters[0])
}

func TestNewQueryPaginationAbsent(t *testing.T) {
	q := NewQuery(nil)
	require.Equal(t, int64(-1), q.Offset)
	require.Equal(t, int64(-1), q.Limit)
}

func TestEqualityFilter(t *testing.T) {
	node, err := EqualityFilter(map[string]any{"status": "live", "kind": "book"})
	require.NoError(t, err)
	require.Equal(t, ast.NodeFilter, node.Kind)
	require.Len(t, node.Conditions, 2)

	// Conditions come out sorted by key.
	require.Equal(t, "kind", node.Conditions[0].Raw)
	require.Equal(t, "status", node.Conditions[1].Raw)
}
