package test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/storage"
)

// mustFilter builds a filter leaf from plain conditions.
func mustFilter(t *testing.T, conditions map[string]any) *ast.FilterNode {
	t.Helper()
	node, err := ast.NewConditionNode(ast.NodeFilter, conditions)
	require.NoError(t, err)
	return node
}

// mustNode decodes a filter tree from its wire form.
func mustNode(t *testing.T, raw string) *ast.FilterNode {
	t.Helper()
	node := &ast.FilterNode{}
	require.NoError(t, json.Unmarshal([]byte(raw), node))
	return node
}

// rowIDs projects the id of every row, in returned order. An empty result
// yields nil so expectations can be written as nil slices.
func rowIDs(t *testing.T, rows []storage.Row) []int64 {
	t.Helper()
	var ids []int64
	for _, row := range rows {
		id, ok := row["id"].(int64)
		require.True(t, ok, "row has no int64 id: %v", row)
		ids = append(ids, id)
	}
	return ids
}

// selectIDs runs q and returns the matching ids in returned order.
func selectIDs(t *testing.T, ds storage.Datastore, q *storage.Query) []int64 {
	t.Helper()
	rows, err := ds.Select(context.Background(), q)
	require.NoError(t, err)
	return rowIDs(t, rows)
}

func mustModel(t *testing.T, g *modelgraph.Graph, name string) *modelgraph.Model {
	t.Helper()
	m, ok := g.Model(name)
	require.True(t, ok, "model %s not registered", name)
	return m
}

// SeedFixtureRows writes the rows the read tests assert against. Keys are
// generated by the datastore; the suite asserts they come out as 1..N so the
// tests can reference them literally.
//
//	authors: 1 amy (active), 2 bob, 3 cleo (active)
//	books:   1 "Go in Practice"     300pp 39.99 2020-01-15 by amy
//	         2 "Go Web Apps"        180pp 24.50 unpublished by amy
//	         3 "Database Internals" 520pp 55.00 2018-06-01 by bob
//	         4 "Drafts"              12pp  5.25 unpublished by cleo
func SeedFixtureRows(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	t.Helper()
	ctx := context.Background()

	authorPKs, err := ds.Insert(ctx, mustModel(t, g, "app.Author"), []storage.Row{
		{"name": "amy", "active": true},
		{"name": "bob", "active": false},
		{"name": "cleo", "active": true},
	})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, authorPKs)

	bookPKs, err := ds.Insert(ctx, mustModel(t, g, "app.Book"), []storage.Row{
		{"title": "Go in Practice", "pages": 300, "price": 39.99, "published": time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC), "author": authorPKs[0]},
		{"title": "Go Web Apps", "pages": 180, "price": 24.5, "author": authorPKs[0]},
		{"title": "Database Internals", "pages": 520, "price": 55.0, "published": time.Date(2018, 6, 1, 0, 0, 0, 0, time.UTC), "author": authorPKs[1]},
		{"title": "Drafts", "pages": 12, "price": 5.25, "author": authorPKs[2]},
	})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3), int64(4)}, bookPKs)
}

// RowReadingTest covers plain selects: projections, value round-trips and
// counts.
func RowReadingTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	ctx := context.Background()
	books := mustModel(t, g, "app.Book")

	t.Run("select_all_fields", func(t *testing.T) {
		rows, err := ds.Select(ctx, storage.NewQuery(books).OrderBy(storage.ParseOrdering("id")))
		require.NoError(t, err)
		require.Len(t, rows, 4)

		first := rows[0]
		require.Len(t, first, 6)
		require.Equal(t, int64(1), first["id"])
		require.Equal(t, "Go in Practice", first["title"])
		require.Equal(t, int64(300), first["pages"])
		require.Equal(t, 39.99, first["price"])
		require.Equal(t, int64(1), first["author"])

		published, ok := first["published"].(time.Time)
		require.True(t, ok, "published = %T", first["published"])
		require.True(t, published.Equal(time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)), "published = %v", published)
	})

	t.Run("null_round_trip", func(t *testing.T) {
		q := storage.NewQuery(books).Filter(mustFilter(t, map[string]any{"id": float64(2)}))
		rows, err := ds.Select(ctx, q)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Nil(t, rows[0]["published"])
	})

	t.Run("column_selection", func(t *testing.T) {
		rows, err := ds.Select(ctx, storage.NewQuery(books).Select("title").OrderBy(storage.ParseOrdering("id")))
		require.NoError(t, err)
		require.Len(t, rows, 4)
		for _, row := range rows {
			require.Len(t, row, 2)
			require.Contains(t, row, "id")
			require.Contains(t, row, "title")
		}
	})

	t.Run("unknown_column", func(t *testing.T) {
		_, err := ds.Select(ctx, storage.NewQuery(books).Select("shelf"))
		require.ErrorContains(t, err, "unknown field 'shelf'")
	})

	t.Run("count", func(t *testing.T) {
		count, err := ds.Count(ctx, storage.NewQuery(books))
		require.NoError(t, err)
		require.Equal(t, int64(4), count)
	})

	t.Run("count_ignores_pagination", func(t *testing.T) {
		q := storage.NewQuery(books).WithLimit(1).WithOffset(3)
		count, err := ds.Count(ctx, q)
		require.NoError(t, err)
		require.Equal(t, int64(4), count)
	})
}

// RowFilteringTest covers scalar filtering: every lookup, exclusion,
// boolean trees and free-text search.
func RowFilteringTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	books := mustModel(t, g, "app.Book")

	tests := []struct {
		name       string
		conditions map[string]any
		wantIDs    []int64
	}{
		{"eq", map[string]any{"title": "Drafts"}, []int64{4}},
		{"exact", map[string]any{"pages__exact": float64(520)}, []int64{3}},
		{"icontains", map[string]any{"title__icontains": "GO"}, []int64{1, 2}},
		{"contains_is_case_sensitive", map[string]any{"title__contains": "go"}, nil},
		{"startswith", map[string]any{"title__startswith": "Go"}, []int64{1, 2}},
		{"iendswith", map[string]any{"title__iendswith": "S"}, []int64{2, 3, 4}},
		{"in", map[string]any{"id__in": []any{float64(1), float64(3)}}, []int64{1, 3}},
		{"empty_in", map[string]any{"id__in": []any{}}, nil},
		{"gte", map[string]any{"pages__gte": float64(500)}, []int64{3}},
		{"lt", map[string]any{"pages__lt": float64(200)}, []int64{2, 4}},
		{"isnull_true", map[string]any{"published__isnull": true}, []int64{2, 4}},
		{"isnull_false", map[string]any{"published__isnull": false}, []int64{1, 3}},
		{"conditions_are_anded", map[string]any{"pages__gte": float64(100), "title__icontains": "go"}, []int64{1, 2}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q := storage.NewQuery(books).
				Filter(mustFilter(t, test.conditions)).
				OrderBy(storage.ParseOrdering("id"))
			require.Equal(t, test.wantIDs, selectIDs(t, ds, q))
		})
	}

	t.Run("multiple_filters_are_anded", func(t *testing.T) {
		q := storage.NewQuery(books).
			Filter(mustFilter(t, map[string]any{"pages__gte": float64(100)})).
			Filter(mustFilter(t, map[string]any{"price__lt": float64(40)})).
			OrderBy(storage.ParseOrdering("id"))
		require.Equal(t, []int64{1, 2}, selectIDs(t, ds, q))
	})

	t.Run("exclude", func(t *testing.T) {
		q := storage.NewQuery(books).
			Exclude(mustFilter(t, map[string]any{"title__icontains": "go"})).
			OrderBy(storage.ParseOrdering("id"))
		require.Equal(t, []int64{3, 4}, selectIDs(t, ds, q))
	})

	t.Run("or_tree", func(t *testing.T) {
		node := mustNode(t, `{
			"type": "or",
			"children": [
				{"type": "filter", "conditions": {"pages__gte": 500}},
				{"type": "filter", "conditions": {"title__istartswith": "dra"}}
			]
		}`)
		q := storage.NewQuery(books).Filter(node).OrderBy(storage.ParseOrdering("id"))
		require.Equal(t, []int64{3, 4}, selectIDs(t, ds, q))
	})

	t.Run("not_tree", func(t *testing.T) {
		node := mustNode(t, `{
			"type": "not",
			"child": {"type": "filter", "conditions": {"pages__gte": 100}}
		}`)
		q := storage.NewQuery(books).Filter(node).OrderBy(storage.ParseOrdering("id"))
		require.Equal(t, []int64{4}, selectIDs(t, ds, q))
	})

	t.Run("search", func(t *testing.T) {
		q := storage.NewQuery(books).
			WithSearch(&storage.SearchSpec{Query: "go", Fields: []string{"title"}}).
			OrderBy(storage.ParseOrdering("id"))
		require.Equal(t, []int64{1, 2}, selectIDs(t, ds, q))
	})

	t.Run("search_escapes_wildcards", func(t *testing.T) {
		q := storage.NewQuery(books).
			WithSearch(&storage.SearchSpec{Query: "100%", Fields: []string{"title"}})
		require.Empty(t, selectIDs(t, ds, q))
	})
}

// RelationFilteringTest covers conditions that hop across relations in both
// directions, including multi-hop paths and terminal relation references.
func RelationFilteringTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	books := mustModel(t, g, "app.Book")
	authors := mustModel(t, g, "app.Author")

	tests := []struct {
		name       string
		model      *modelgraph.Model
		conditions map[string]any
		wantIDs    []int64
	}{
		{"forward_hop", books, map[string]any{"author__name": "amy"}, []int64{1, 2}},
		{"forward_hop_lookup", books, map[string]any{"author__name__icontains": "AMY"}, []int64{1, 2}},
		{"forward_hop_boolean", books, map[string]any{"author__active": true}, []int64{1, 2, 4}},
		{"relation_by_pk", books, map[string]any{"author": float64(1)}, []int64{1, 2}},
		{"relation_isnull", books, map[string]any{"author__isnull": true}, nil},
		{"reverse_many_hop", authors, map[string]any{"books__pages__gte": float64(500)}, []int64{2}},
		{"terminal_many", authors, map[string]any{"books": float64(4)}, []int64{3}},
		{"many_hop_pattern", authors, map[string]any{"books__title__istartswith": "go"}, []int64{1}},
		{"two_hop_round_trip", books, map[string]any{"author__books__pages__gte": float64(500)}, []int64{3}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q := storage.NewQuery(test.model).
				Filter(mustFilter(t, test.conditions)).
				OrderBy(storage.ParseOrdering("id"))
			require.Equal(t, test.wantIDs, selectIDs(t, ds, q))
		})
	}
}

// RowOrderingTest covers single and multi-key ordering. String ordering is
// only asserted over same-case values so collation differences between
// dialects cannot skew the expectations.
func RowOrderingTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	books := mustModel(t, g, "app.Book")
	authors := mustModel(t, g, "app.Author")

	t.Run("integer_desc", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(storage.ParseOrdering("-pages"))
		require.Equal(t, []int64{3, 1, 2, 4}, selectIDs(t, ds, q))
	})

	t.Run("float_asc", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(storage.ParseOrdering("price"))
		require.Equal(t, []int64{4, 2, 1, 3}, selectIDs(t, ds, q))
	})

	t.Run("string_asc", func(t *testing.T) {
		q := storage.NewQuery(authors).OrderBy(storage.ParseOrdering("name"))
		require.Equal(t, []int64{1, 2, 3}, selectIDs(t, ds, q))
	})

	t.Run("string_desc", func(t *testing.T) {
		q := storage.NewQuery(authors).OrderBy(storage.ParseOrdering("-name"))
		require.Equal(t, []int64{3, 2, 1}, selectIDs(t, ds, q))
	})

	t.Run("multi_key", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(
			storage.ParseOrdering("author"),
			storage.ParseOrdering("-pages"),
		)
		require.Equal(t, []int64{1, 2, 3, 4}, selectIDs(t, ds, q))
	})

	t.Run("unknown_field", func(t *testing.T) {
		_, err := ds.Select(context.Background(), storage.NewQuery(books).OrderBy(storage.ParseOrdering("shelf")))
		require.ErrorContains(t, err, "unknown field 'shelf'")
	})
}

// RowPaginationTest covers offset and limit handling, including the bounds
// that zero and absent values carry.
func RowPaginationTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	books := mustModel(t, g, "app.Book")
	byID := storage.ParseOrdering("id")

	t.Run("limit", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(byID).WithLimit(2)
		require.Equal(t, []int64{1, 2}, selectIDs(t, ds, q))
	})

	t.Run("offset_and_limit", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(byID).WithOffset(1).WithLimit(2)
		require.Equal(t, []int64{2, 3}, selectIDs(t, ds, q))
	})

	t.Run("offset_without_limit", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(byID).WithOffset(2)
		require.Equal(t, []int64{3, 4}, selectIDs(t, ds, q))
	})

	t.Run("zero_limit", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(byID).WithLimit(0)
		require.Empty(t, selectIDs(t, ds, q))
	})

	t.Run("offset_past_end", func(t *testing.T) {
		q := storage.NewQuery(books).OrderBy(byID).WithOffset(10)
		require.Empty(t, selectIDs(t, ds, q))
	})
}

// AggregationTest covers aggregate projections. Integer aggregates may come
// back as int64 or as a wider numeric depending on the driver, so values are
// compared numerically rather than by type.
func AggregationTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	ctx := context.Background()
	books := mustModel(t, g, "app.Book")

	t.Run("all_rows", func(t *testing.T) {
		q := storage.NewQuery(books).WithAggregations(
			storage.Aggregation{Func: storage.AggCount},
			storage.Aggregation{Func: storage.AggSum, Field: "pages"},
			storage.Aggregation{Func: storage.AggAvg, Field: "price"},
			storage.Aggregation{Func: storage.AggMin, Field: "pages"},
			storage.Aggregation{Func: storage.AggMax, Field: "pages"},
		)
		row, err := ds.Aggregate(ctx, q)
		require.NoError(t, err)
		require.Len(t, row, 5)
		require.EqualValues(t, 4, row["count"])
		require.EqualValues(t, 1012, row["sum_pages"])
		require.InDelta(t, 31.185, row["avg_price"], 1e-9)
		require.EqualValues(t, 12, row["min_pages"])
		require.EqualValues(t, 520, row["max_pages"])
	})

	t.Run("filtered", func(t *testing.T) {
		q := storage.NewQuery(books).
			Filter(mustFilter(t, map[string]any{"pages__gte": float64(200)})).
			WithAggregations(
				storage.Aggregation{Func: storage.AggCount},
				storage.Aggregation{Func: storage.AggSum, Field: "pages"},
			)
		row, err := ds.Aggregate(ctx, q)
		require.NoError(t, err)
		require.EqualValues(t, 2, row["count"])
		require.EqualValues(t, 820, row["sum_pages"])
	})

	t.Run("empty_match", func(t *testing.T) {
		q := storage.NewQuery(books).
			Filter(mustFilter(t, map[string]any{"title": "No Such Book"})).
			WithAggregations(
				storage.Aggregation{Func: storage.AggCount},
				storage.Aggregation{Func: storage.AggSum, Field: "pages"},
				storage.Aggregation{Func: storage.AggMin, Field: "price"},
			)
		row, err := ds.Aggregate(ctx, q)
		require.NoError(t, err)
		require.EqualValues(t, 0, row["count"])
		require.Nil(t, row["sum_pages"])
		require.Nil(t, row["min_price"])
	})
}

// QueryCompilationTest verifies the canonical-form guarantee: equal queries
// compile to byte-identical text and parameters, which is what the result
// cache keys on.
func QueryCompilationTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	books := mustModel(t, g, "app.Book")

	build := func(t *testing.T) *storage.Query {
		return storage.NewQuery(books).
			Filter(mustFilter(t, map[string]any{
				"pages__gte":       float64(100),
				"title__icontains": "go",
				"author__active":   true,
			})).
			OrderBy(storage.ParseOrdering("-pages")).
			WithLimit(10)
	}

	t.Run("deterministic", func(t *testing.T) {
		first, err := ds.Compile(build(t))
		require.NoError(t, err)
		second, err := ds.Compile(build(t))
		require.NoError(t, err)
		require.Equal(t, first.SQL, second.SQL)
		require.Equal(t, first.Args, second.Args)
		require.Contains(t, first.SQL, "FROM books")
	})

	t.Run("clone_compiles_identically", func(t *testing.T) {
		q := build(t)
		original, err := ds.Compile(q)
		require.NoError(t, err)
		cloned, err := ds.Compile(q.Clone())
		require.NoError(t, err)
		require.Equal(t, original.SQL, cloned.SQL)
		require.Equal(t, original.Args, cloned.Args)
	})

	t.Run("values_move_to_args", func(t *testing.T) {
		q := storage.NewQuery(books).Filter(mustFilter(t, map[string]any{"title": "Drafts"}))
		other := storage.NewQuery(books).Filter(mustFilter(t, map[string]any{"title": "Go Web Apps"}))

		compiledQ, err := ds.Compile(q)
		require.NoError(t, err)
		compiledOther, err := ds.Compile(other)
		require.NoError(t, err)

		require.Equal(t, compiledQ.SQL, compiledOther.SQL)
		require.NotEqual(t, compiledQ.Args, compiledOther.Args)
	})
}

// RowWritingTest covers inserts, updates and deletes. It runs after the read
// tests and leaves extra rows behind, so read expectations must not be
// re-checked afterwards.
func RowWritingTest(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) {
	ctx := context.Background()
	books := mustModel(t, g, "app.Book")
	authors := mustModel(t, g, "app.Author")

	t.Run("insert_generates_keys", func(t *testing.T) {
		pks, err := ds.Insert(ctx, authors, []storage.Row{
			{"name": "dana", "active": false},
			{"name": "eli", "active": true},
		})
		require.NoError(t, err)
		require.Len(t, pks, 2)
		require.Equal(t, []any{int64(4), int64(5)}, pks)
	})

	t.Run("insert_round_trip", func(t *testing.T) {
		published := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)
		pks, err := ds.Insert(ctx, books, []storage.Row{
			{"title": "The Sequel", "pages": 99, "price": 10.5, "published": published, "author": int64(4)},
		})
		require.NoError(t, err)
		require.Len(t, pks, 1)

		q := storage.NewQuery(books).Filter(mustFilter(t, map[string]any{"title": "The Sequel"}))
		rows, err := ds.Select(ctx, q)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, pks[0], rows[0]["id"])
		require.Equal(t, int64(99), rows[0]["pages"])
		require.Equal(t, 10.5, rows[0]["price"])
		require.Equal(t, int64(4), rows[0]["author"])
		got, ok := rows[0]["published"].(time.Time)
		require.True(t, ok, "published = %T", rows[0]["published"])
		require.True(t, got.Equal(published), "published = %v", got)
	})

	t.Run("insert_with_explicit_key", func(t *testing.T) {
		pks, err := ds.Insert(ctx, authors, []storage.Row{
			{"id": int64(50), "name": "freya", "active": true},
		})
		require.NoError(t, err)
		require.Equal(t, []any{int64(50)}, pks)
	})

	t.Run("duplicate_key", func(t *testing.T) {
		_, err := ds.Insert(ctx, authors, []storage.Row{
			{"id": int64(50), "name": "freya again", "active": true},
		})
		require.ErrorIs(t, err, storage.ErrCollision)
	})

	t.Run("failed_batch_writes_nothing", func(t *testing.T) {
		_, err := ds.Insert(ctx, authors, []storage.Row{
			{"id": int64(60), "name": "gus", "active": true},
			{"id": int64(50), "name": "freya clash", "active": true},
		})
		require.ErrorIs(t, err, storage.ErrCollision)

		count, err := ds.Count(ctx, storage.NewQuery(authors).Filter(mustFilter(t, map[string]any{"id": float64(60)})))
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("batch_limit", func(t *testing.T) {
		rows := make([]storage.Row, storage.DefaultMaxRowsPerWrite+1)
		for i := range rows {
			rows[i] = storage.Row{"name": "bulk", "active": false}
		}
		_, err := ds.Insert(ctx, authors, rows)
		require.ErrorIs(t, err, storage.ErrExceededWriteBatchLimit)
	})

	t.Run("update", func(t *testing.T) {
		q := storage.NewQuery(authors).Filter(mustFilter(t, map[string]any{"name": "dana"}))
		affected, err := ds.Update(ctx, q, storage.Row{"active": true})
		require.NoError(t, err)
		require.Equal(t, int64(1), affected)

		rows, err := ds.Select(ctx, q)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, true, rows[0]["active"])
	})

	t.Run("update_drops_unknown_fields", func(t *testing.T) {
		q := storage.NewQuery(authors).Filter(mustFilter(t, map[string]any{"id": float64(50)}))
		affected, err := ds.Update(ctx, q, storage.Row{"active": false, "shelf": "ignored"})
		require.NoError(t, err)
		require.Equal(t, int64(1), affected)

		rows, err := ds.Select(ctx, q)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, false, rows[0]["active"])
		require.NotContains(t, rows[0], "shelf")
	})

	t.Run("update_via_relation_filter", func(t *testing.T) {
		q := storage.NewQuery(books).Filter(mustFilter(t, map[string]any{"author__name": "cleo"}))
		affected, err := ds.Update(ctx, q, storage.Row{"pages": 13})
		require.NoError(t, err)
		require.Equal(t, int64(1), affected)
	})

	t.Run("delete", func(t *testing.T) {
		q := storage.NewQuery(authors).Filter(mustFilter(t, map[string]any{"id": float64(50)}))
		affected, err := ds.Delete(ctx, q)
		require.NoError(t, err)
		require.Equal(t, int64(1), affected)

		count, err := ds.Count(ctx, q)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("delete_without_match", func(t *testing.T) {
		q := storage.NewQuery(authors).Filter(mustFilter(t, map[string]any{"name": "nobody"}))
		affected, err := ds.Delete(ctx, q)
		require.NoError(t, err)
		require.Zero(t, affected)
	})
}
