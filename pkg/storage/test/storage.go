// Package test contains a conformance suite that every [storage.Datastore]
// implementation must pass. Backends plug in with a single call:
//
//	func TestMyDatastore(t *testing.T) {
//		ds := mybackend.New()
//		test.RunAllTests(t, ds)
//	}
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/storage"
)

// BuildGraph returns the two-model fixture graph the suite runs against:
// authors with a many-valued books relation, books with a single author.
func BuildGraph(t *testing.T) *modelgraph.Graph {
	t.Helper()

	cfg := &schema.Config{
		Models: []schema.ModelDefinition{
			{
				Name:  "app.Author",
				Table: "authors",
				Fields: []schema.FieldDefinition{
					{Name: "id", Type: schema.FieldInteger},
					{Name: "name", Type: schema.FieldString},
					{Name: "active", Type: schema.FieldBoolean},
					{Name: "books", Type: schema.FieldRelation, To: "app.Book", Many: true, Via: "author_id"},
				},
				SearchableFields: []string{"name"},
			},
			{
				Name:  "app.Book",
				Table: "books",
				Fields: []schema.FieldDefinition{
					{Name: "id", Type: schema.FieldInteger},
					{Name: "title", Type: schema.FieldString},
					{Name: "pages", Type: schema.FieldInteger},
					{Name: "price", Type: schema.FieldFloat},
					{Name: "published", Type: schema.FieldDatetime, Nullable: true},
					{Name: "author", Type: schema.FieldRelation, To: "app.Author"},
				},
				SearchableFields: []string{"title"},
			},
		},
	}

	reg, err := schema.NewRegistry(cfg)
	require.NoError(t, err)
	g, err := modelgraph.Build(reg)
	require.NoError(t, err)
	return g
}

// RunAllTests runs the storage conformance suite against ds. The suite seeds
// its fixture rows through the datastore's own write path, so it must run
// against a fresh instance.
func RunAllTests(t *testing.T, ds storage.Datastore) {
	g := BuildGraph(t)

	t.Run("TestDatastoreIsReady", func(t *testing.T) {
		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	require.NoError(t, ds.EnsureModelTables(context.Background(), g))
	SeedFixtureRows(t, ds, g)

	// Reads.
	t.Run("TestRowReading", func(t *testing.T) { RowReadingTest(t, ds, g) })
	t.Run("TestRowFiltering", func(t *testing.T) { RowFilteringTest(t, ds, g) })
	t.Run("TestRelationFiltering", func(t *testing.T) { RelationFilteringTest(t, ds, g) })
	t.Run("TestRowOrdering", func(t *testing.T) { RowOrderingTest(t, ds, g) })
	t.Run("TestRowPagination", func(t *testing.T) { RowPaginationTest(t, ds, g) })
	t.Run("TestAggregation", func(t *testing.T) { AggregationTest(t, ds, g) })
	t.Run("TestQueryCompilation", func(t *testing.T) { QueryCompilationTest(t, ds, g) })

	// Writes.
	t.Run("TestRowWriting", func(t *testing.T) { RowWritingTest(t, ds, g) })

	// Event log.
	t.Run("TestEventLog", func(t *testing.T) { EventLogTest(t, ds) })
}
