package fields

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/authclaims"
	"github.com/scopeq/scopeq/pkg/schema"
)

// The fixture graph carries a relation cycle (Author.books <-> Book.author)
// and one model, Publisher, with no policies at all.
func buildTestGraph(t *testing.T) *modelgraph.Graph {
	t.Helper()

	cfg := &schema.Config{Models: []schema.ModelDefinition{
		{
			Name:         "app.Author",
			Table:        "app_author",
			DisplayField: "name",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.FieldInteger},
				{Name: "name", Type: schema.FieldString},
				{Name: "email", Type: schema.FieldString},
				{Name: "books", Type: schema.FieldRelation, To: "app.Book", Many: true, Via: "author_id"},
			},
		},
		{
			Name:         "app.Book",
			Table:        "app_book",
			DisplayField: "title",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.FieldInteger},
				{Name: "title", Type: schema.FieldString},
				{Name: "secret", Type: schema.FieldString},
				{Name: "author", Type: schema.FieldRelation, To: "app.Author"},
				{Name: "publisher", Type: schema.FieldRelation, To: "app.Publisher", Nullable: true},
			},
		},
		{
			Name:  "app.Publisher",
			Table: "app_publisher",
			Fields: []schema.FieldDefinition{
				{Name: "id", Type: schema.FieldInteger},
				{Name: "name", Type: schema.FieldString},
			},
		},
	}}

	reg, err := schema.NewRegistry(cfg)
	require.NoError(t, err)
	g, err := modelgraph.Build(reg)
	require.NoError(t, err)
	return g
}

func testAuthorizer() *authz.Authorizer {
	a := authz.NewAuthorizer()
	a.Bind("app.Author", authz.NewFieldRestricted(
		[]string{"id", "name", "books"},
		[]string{"name"},
		[]string{"name", "email"},
	))
	a.Bind("app.Book", authz.NewFieldRestricted(
		[]string{"id", "title", "author", "publisher"},
		nil,
		nil,
	))
	return a
}

func model(t *testing.T, g *modelgraph.Graph, name string) *modelgraph.Model {
	t.Helper()
	m, ok := g.Model(name)
	require.True(t, ok)
	return m
}

func TestResolveFailsClosed(t *testing.T) {
	g := buildTestGraph(t)
	r := NewResolver(g, testAuthorizer())
	actor := authclaims.Anonymous()

	resolved, err := r.Resolve(context.Background(), actor, model(t, g, "app.Publisher"), 2, nil, authz.ActionRead)
	require.NoError(t, err)
	require.Empty(t, resolved.Models())

	_, ok := resolved.Lookup("app.Publisher")
	require.False(t, ok)
}

func TestResolveRequiresRoot(t *testing.T) {
	g := buildTestGraph(t)
	r := NewResolver(g, testAuthorizer())

	_, err := r.Resolve(context.Background(), authclaims.Anonymous(), nil, 0, nil, authz.ActionRead)
	require.Error(t, err)
}

func TestResolveDepthBounds(t *testing.T) {
	g := buildTestGraph(t)
	r := NewResolver(g, testAuthorizer())
	actor := authclaims.Anonymous()
	book := model(t, g, "app.Book")

	t.Run("depth_zero_keeps_root_fields", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 0, nil, authz.ActionRead)
		require.NoError(t, err)

		require.Equal(t, []string{"app.Book"}, resolved.Models())
		set, _ := resolved.Lookup("app.Book")
		// relation fields are recorded even though they are not traversed
		require.Equal(t, []string{"author", "id", "publisher", "title"}, set.Names())
	})

	t.Run("depth_one_reaches_related_models", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 1, nil, authz.ActionRead)
		require.NoError(t, err)

		require.Equal(t, []string{"app.Author", "app.Book"}, resolved.Models())
		authorSet, _ := resolved.Lookup("app.Author")
		require.Equal(t, []string{"books", "id", "name"}, authorSet.Names())
	})

	t.Run("denied_models_are_pruned", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 3, nil, authz.ActionRead)
		require.NoError(t, err)

		_, ok := resolved.Lookup("app.Publisher")
		require.False(t, ok)
	})
}

func TestResolveTerminatesOnCycles(t *testing.T) {
	g := buildTestGraph(t)
	r := NewResolver(g, testAuthorizer())

	// Author -> books -> Book -> author -> Author ... must terminate via the
	// (model, depth) visited set and still yield both models exactly once.
	resolved, err := r.Resolve(context.Background(), authclaims.Anonymous(), model(t, g, "app.Author"), 6, nil, authz.ActionRead)
	require.NoError(t, err)
	require.Equal(t, []string{"app.Author", "app.Book"}, resolved.Models())
}

func TestResolveRequestedPaths(t *testing.T) {
	g := buildTestGraph(t)
	r := NewResolver(g, testAuthorizer())
	actor := authclaims.Anonymous()
	book := model(t, g, "app.Book")

	t.Run("scalar_path_narrows_related_entry", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 0, []string{"author.name"}, authz.ActionRead)
		require.NoError(t, err)

		rootSet, _ := resolved.Lookup("app.Book")
		require.Equal(t, []string{"author", "id", "publisher", "title"}, rootSet.Names())

		authorSet, _ := resolved.Lookup("app.Author")
		require.Equal(t, []string{"name"}, authorSet.Names())
	})

	t.Run("terminal_relation_expands_to_allowed_fields", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 0, []string{"author"}, authz.ActionRead)
		require.NoError(t, err)

		authorSet, _ := resolved.Lookup("app.Author")
		require.Equal(t, []string{"books", "id", "name"}, authorSet.Names())
	})

	t.Run("unauthorized_segment_cuts_the_path", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 0, []string{"secret.anything"}, authz.ActionRead)
		require.NoError(t, err)

		rootSet, _ := resolved.Lookup("app.Book")
		require.False(t, rootSet.Has("secret"))
		require.Equal(t, []string{"app.Book"}, resolved.Models())
	})

	t.Run("scalar_mid_path_stops_the_walk", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 0, []string{"author.name.length"}, authz.ActionRead)
		require.NoError(t, err)

		authorSet, _ := resolved.Lookup("app.Author")
		require.Equal(t, []string{"name"}, authorSet.Names())
	})

	t.Run("paths_into_denied_models_yield_nothing", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, book, 0, []string{"publisher.name"}, authz.ActionRead)
		require.NoError(t, err)

		// The relation field itself is visible on Book, but Publisher has no
		// granting policy, so the walk stops at it.
		rootSet, _ := resolved.Lookup("app.Book")
		require.True(t, rootSet.Has("publisher"))
		_, ok := resolved.Lookup("app.Publisher")
		require.False(t, ok)
	})
}

func TestResolveWriteMapsStayAtRoot(t *testing.T) {
	g := buildTestGraph(t)
	r := NewResolver(g, testAuthorizer())
	actor := authclaims.Anonymous()
	author := model(t, g, "app.Author")

	t.Run("update", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, author, 5, []string{"books.title"}, authz.ActionUpdate)
		require.NoError(t, err)

		require.Equal(t, []string{"app.Author"}, resolved.Models())
		set, _ := resolved.Lookup("app.Author")
		require.Equal(t, []string{"name"}, set.Names())
	})

	t.Run("create", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, author, 5, nil, authz.ActionCreate)
		require.NoError(t, err)

		set, _ := resolved.Lookup("app.Author")
		require.Equal(t, []string{"email", "name"}, set.Names())
	})

	t.Run("update_without_grant_is_empty", func(t *testing.T) {
		resolved, err := r.Resolve(context.Background(), actor, model(t, g, "app.Book"), 0, nil, authz.ActionUpdate)
		require.NoError(t, err)
		require.Empty(t, resolved.Models())
	})
}

func TestMapEffectiveFallback(t *testing.T) {
	g := buildTestGraph(t)
	book := model(t, g, "app.Book")

	empty := make(Map)
	require.Equal(t, []string{"id", "title"}, empty.Effective(book))

	mapped := make(Map)
	mapped.add("app.Book", "title", "id", "author")
	require.Equal(t, []string{"author", "id", "title"}, mapped.Effective(book))
}

func TestFieldSet(t *testing.T) {
	var nilSet *FieldSet
	require.False(t, nilSet.Has("x"))
	require.True(t, nilSet.Empty())
	require.Nil(t, nilSet.Names())

	s := NewFieldSet("b", "a", "b")
	require.Equal(t, 2, s.Len())
	require.Equal(t, []string{"a", "b"}, s.Names())
	require.True(t, s.Has("a"))
	require.False(t, s.Has("c"))
}
