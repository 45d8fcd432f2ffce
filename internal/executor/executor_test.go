package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/events"
	"github.com/scopeq/scopeq/internal/fields"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/internal/qcache"
	"github.com/scopeq/scopeq/pkg/serializer"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/memory"
	storagetest "github.com/scopeq/scopeq/pkg/storage/test"
)

func newFixture(t *testing.T) (*memory.Datastore, *modelgraph.Graph) {
	t.Helper()
	ds := memory.New()
	g := storagetest.BuildGraph(t)
	require.NoError(t, ds.EnsureModelTables(context.Background(), g))
	storagetest.SeedFixtureRows(t, ds, g)
	return ds, g
}

func allowAll(g *modelgraph.Graph) *authz.Authorizer {
	a := authz.NewAuthorizer()
	for _, m := range g.Models() {
		a.Bind(m.Name, authz.AllowAll{})
	}
	return a
}

func readOnly(g *modelgraph.Graph) *authz.Authorizer {
	a := authz.NewAuthorizer()
	for _, m := range g.Models() {
		a.Bind(m.Name, authz.ReadOnly{})
	}
	return a
}

func fullMap() fields.Map {
	return fields.Map{
		"app.Author": fields.NewFieldSet("id", "name", "active", "books"),
		"app.Book":   fields.NewFieldSet("id", "title", "pages", "price", "published", "author"),
	}
}

func bookParams(ds storage.Datastore, g *modelgraph.Graph) Params {
	model, _ := g.Model("app.Book")
	full := fullMap()
	return Params{
		Store:      ds,
		Authorizer: allowAll(g),
		Model:      model,
		ReadMap:    full,
		CreateMap:  full,
		UpdateMap:  full,
	}
}

func execute(t *testing.T, p Params, raw string) (*Result, error) {
	t.Helper()
	e, err := New(p)
	require.NoError(t, err)
	env, err := ast.DecodeRequest([]byte(raw))
	require.NoError(t, err)
	return e.Execute(context.Background(), env)
}

func mustExecute(t *testing.T, p Params, raw string) *Result {
	t.Helper()
	res, err := execute(t, p, raw)
	require.NoError(t, err)
	return res
}

func rawData(t *testing.T, res *Result) []byte {
	t.Helper()
	payload, ok := res.Data.(json.RawMessage)
	require.True(t, ok, "expected a raw cached payload, got %T", res.Data)
	return payload
}

func normalized(t *testing.T, res *Result) *serializer.Normalized {
	t.Helper()
	n, ok := res.Data.(*serializer.Normalized)
	require.True(t, ok, "expected a normalized instance, got %T", res.Data)
	return n
}

func requireKind(t *testing.T, err error, kind serverErrors.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, serverErrors.ErrorKind(err))
}

func bookCount(t *testing.T, ds storage.Datastore, g *modelgraph.Graph) int64 {
	t.Helper()
	model, _ := g.Model("app.Book")
	n, err := ds.Count(context.Background(), storage.NewQuery(model))
	require.NoError(t, err)
	return n
}

func TestRead(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	t.Run("returns_normalized_page", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "read"}, "serializerOptions": {"limit": 2}}`)
		require.Equal(t, ResponseQueryset, res.Metadata.ResponseType)

		payload := rawData(t, res)
		data := gjson.GetBytes(payload, "data").Array()
		require.Len(t, data, 2)
		require.Equal(t, int64(1), data[0].Int())
		require.Equal(t, int64(2), data[1].Int())
		require.Equal(t, "app.Book", gjson.GetBytes(payload, "model_name").String())
		require.Equal(t, "Go in Practice", gjson.GetBytes(payload, `included.app\.Book.1.title`).String())
	})

	t.Run("pagination_offset", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "read"}, "serializerOptions": {"offset": 3, "limit": 2}}`)
		data := gjson.GetBytes(rawData(t, res), "data").Array()
		require.Len(t, data, 1)
		require.Equal(t, int64(4), data[0].Int())
	})

	t.Run("limit_is_capped", func(t *testing.T) {
		capped := p
		capped.MaxPageSize = 3
		res := mustExecute(t, capped, `{"query": {"type": "read"}, "serializerOptions": {"limit": 100}}`)
		require.Len(t, gjson.GetBytes(rawData(t, res), "data").Array(), 3)
	})

	t.Run("filter_and_ordering", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {
			"type": "read",
			"filter": {"type": "filter", "conditions": {"pages__gte": 100}},
			"orderBy": ["-pages"]
		}}`)
		data := gjson.GetBytes(rawData(t, res), "data").Array()
		require.Len(t, data, 3)
		require.Equal(t, int64(3), data[0].Int())
		require.Equal(t, int64(1), data[1].Int())
		require.Equal(t, int64(2), data[2].Int())
	})

	t.Run("projection_respects_read_map", func(t *testing.T) {
		narrow := p
		narrow.ReadMap = fields.Map{"app.Book": fields.NewFieldSet("id", "title")}
		res := mustExecute(t, narrow, `{"query": {"type": "read"}}`)
		record := gjson.GetBytes(rawData(t, res), `included.app\.Book.1`)
		require.True(t, record.Get("title").Exists())
		require.False(t, record.Get("price").Exists())
	})

	t.Run("unknown_filter_field_is_invalid", func(t *testing.T) {
		_, err := execute(t, p, `{"query": {"type": "read", "filter": {"type": "filter", "conditions": {"nope": 1}}}}`)
		requireKind(t, err, serverErrors.KindInvalidQuery)
	})

	t.Run("unknown_order_field_is_invalid", func(t *testing.T) {
		_, err := execute(t, p, `{"query": {"type": "read", "orderBy": ["nope"]}}`)
		requireKind(t, err, serverErrors.KindInvalidQuery)
	})
}

func TestSearch(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	res := mustExecute(t, p, `{"query": {"type": "read", "search": {"searchQuery": "go"}}}`)
	data := gjson.GetBytes(rawData(t, res), "data").Array()
	require.Len(t, data, 2)

	// A client subset naming no searchable field makes search a no-op.
	res = mustExecute(t, p, `{"query": {"type": "read", "search": {"searchQuery": "go", "searchFields": ["price"]}}}`)
	require.Len(t, gjson.GetBytes(rawData(t, res), "data").Array(), 4)
}

func TestGet(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	t.Run("single_match", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "get", "filter": {"type": "filter", "conditions": {"title": "Drafts"}}}}`)
		require.Equal(t, ResponseInstance, res.Metadata.ResponseType)
		n := normalized(t, res)
		require.Equal(t, int64(4), n.Data)
		require.Equal(t, "Drafts", n.Included["app.Book"]["4"]["title"])
	})

	t.Run("no_match", func(t *testing.T) {
		_, err := execute(t, p, `{"query": {"type": "get", "filter": {"type": "filter", "conditions": {"title": "Missing"}}}}`)
		requireKind(t, err, serverErrors.KindNotFound)
	})

	t.Run("ambiguous_match", func(t *testing.T) {
		_, err := execute(t, p, `{"query": {"type": "get", "filter": {"type": "filter", "conditions": {"pages__gt": 100}}}}`)
		requireKind(t, err, serverErrors.KindMultipleObjects)
	})
}

func TestFirstLast(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	t.Run("defaults_to_primary_key_order", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "first"}}`)
		require.Equal(t, int64(1), normalized(t, res).Data)

		res = mustExecute(t, p, `{"query": {"type": "last"}}`)
		require.Equal(t, int64(4), normalized(t, res).Data)
	})

	t.Run("respects_requested_ordering", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "first", "orderBy": ["-pages"]}}`)
		require.Equal(t, int64(3), normalized(t, res).Data)

		res = mustExecute(t, p, `{"query": {"type": "last", "orderBy": ["-pages"]}}`)
		require.Equal(t, int64(4), normalized(t, res).Data)
	})

	t.Run("no_match_is_a_null_instance", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "first", "filter": {"type": "filter", "conditions": {"pages__gt": 10000}}}}`)
		require.Nil(t, res.Data)
		require.Equal(t, ResponseInstance, res.Metadata.ResponseType)
	})
}

func TestExistsCount(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	res := mustExecute(t, p, `{"query": {"type": "exists", "filter": {"type": "filter", "conditions": {"title": "Drafts"}}}}`)
	require.Equal(t, ResponseBoolean, res.Metadata.ResponseType)
	require.Equal(t, "true", string(rawData(t, res)))

	res = mustExecute(t, p, `{"query": {"type": "exists", "filter": {"type": "filter", "conditions": {"title": "Missing"}}}}`)
	require.Equal(t, "false", string(rawData(t, res)))

	res = mustExecute(t, p, `{"query": {"type": "count"}}`)
	require.Equal(t, ResponseNumber, res.Metadata.ResponseType)
	require.Equal(t, "4", string(rawData(t, res)))
}

func TestAggregates(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	t.Run("single_function", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "max", "field": "pages"}}`)
		require.Equal(t, "520", string(rawData(t, res)))
	})

	t.Run("combined", func(t *testing.T) {
		res := mustExecute(t, p, `{"query": {"type": "aggregate", "aggregates": {"min": "pages", "max": "pages"}}}`)
		payload := rawData(t, res)
		require.Equal(t, int64(12), gjson.GetBytes(payload, "min_pages").Int())
		require.Equal(t, int64(520), gjson.GetBytes(payload, "max_pages").Int())
	})

	t.Run("unknown_field", func(t *testing.T) {
		_, err := execute(t, p, `{"query": {"type": "sum", "field": "nope"}}`)
		requireKind(t, err, serverErrors.KindInvalidQuery)
	})

	t.Run("unreadable_field_is_denied", func(t *testing.T) {
		narrow := p
		narrow.ReadMap = fields.Map{"app.Book": fields.NewFieldSet("id", "title")}
		_, err := execute(t, narrow, `{"query": {"type": "sum", "field": "price"}}`)
		requireKind(t, err, serverErrors.KindPermissionDenied)
	})
}

func TestRelations(t *testing.T) {
	ds, g := newFixture(t)

	t.Run("select_related_includes_targets", func(t *testing.T) {
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "read", "selectRelated": ["author"]}}`)
		payload := rawData(t, res)
		require.Equal(t, "amy", gjson.GetBytes(payload, `included.app\.Author.1.name`).String())
		require.Equal(t, "bob", gjson.GetBytes(payload, `included.app\.Author.2.name`).String())
	})

	t.Run("prefetch_related_includes_children", func(t *testing.T) {
		p := bookParams(ds, g)
		model, _ := g.Model("app.Author")
		p.Model = model
		res := mustExecute(t, p, `{"query": {"type": "read", "prefetchRelated": ["books"]}}`)
		payload := rawData(t, res)
		require.Len(t, gjson.GetBytes(payload, "data").Array(), 3)
		require.Equal(t, "Drafts", gjson.GetBytes(payload, `included.app\.Book.4.title`).String())
	})

	t.Run("unknown_relation_is_invalid", func(t *testing.T) {
		p := bookParams(ds, g)
		_, err := execute(t, p, `{"query": {"type": "read", "selectRelated": ["nope"]}}`)
		requireKind(t, err, serverErrors.KindInvalidQuery)

		// A many-valued relation is not selectable, and vice versa.
		model, _ := g.Model("app.Author")
		p.Model = model
		_, err = execute(t, p, `{"query": {"type": "read", "selectRelated": ["books"]}}`)
		requireKind(t, err, serverErrors.KindInvalidQuery)
	})

	t.Run("ungranted_relation_is_dropped_silently", func(t *testing.T) {
		p := bookParams(ds, g)
		p.ReadMap = fields.Map{"app.Book": fields.NewFieldSet("id", "title")}
		res := mustExecute(t, p, `{"query": {"type": "read", "selectRelated": ["author"]}}`)
		require.False(t, gjson.GetBytes(rawData(t, res), `included.app\.Author`).Exists())
	})
}

func TestCreate(t *testing.T) {
	t.Run("inserts_and_returns_instance", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "create", "data": {"title": "New Book", "pages": 99, "price": 9.5}}}`)
		require.Equal(t, ResponseInstance, res.Metadata.ResponseType)
		n := normalized(t, res)
		require.Equal(t, int64(5), n.Data)
		require.Equal(t, "New Book", n.Included["app.Book"]["5"]["title"])
		require.Equal(t, int64(5), bookCount(t, ds, g))
	})

	t.Run("ungranted_fields_drop_silently", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.CreateMap = fields.Map{"app.Book": fields.NewFieldSet("id", "title")}
		res := mustExecute(t, p, `{"query": {"type": "create", "data": {"title": "Sneaky", "price": 99.0}}}`)
		n := normalized(t, res)
		require.Equal(t, "Sneaky", n.Included["app.Book"]["5"]["title"])
		require.Nil(t, n.Included["app.Book"]["5"]["price"])
	})

	t.Run("missing_required_field_fails_validation", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		_, err := execute(t, p, `{"query": {"type": "create", "data": {"title": "No Pages"}}}`)
		requireKind(t, err, serverErrors.KindValidation)
		require.Equal(t, int64(4), bookCount(t, ds, g))
	})
}

func TestBulkCreate(t *testing.T) {
	t.Run("inserts_all_rows", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "bulk_create", "data": [
			{"title": "A", "pages": 1, "price": 1.0},
			{"title": "B", "pages": 2, "price": 2.0}
		]}}`)
		require.Equal(t, ResponseQueryset, res.Metadata.ResponseType)
		require.NotNil(t, res.Metadata.Count)
		require.Equal(t, int64(2), *res.Metadata.Count)
		require.Equal(t, int64(6), bookCount(t, ds, g))
	})

	t.Run("one_bad_row_aborts_the_batch", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		_, err := execute(t, p, `{"query": {"type": "bulk_create", "data": [
			{"title": "Good", "pages": 1, "price": 1.0},
			{"title": "Bad", "pages": "not a number", "price": 2.0}
		]}}`)
		requireKind(t, err, serverErrors.KindValidation)

		var apiErr *serverErrors.Error
		require.ErrorAs(t, err, &apiErr)
		require.Contains(t, apiErr.FieldErrors(), "1.pages")

		require.Equal(t, int64(4), bookCount(t, ds, g))
	})

	t.Run("requires_the_create_action", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.Authorizer = readOnly(g)
		_, err := execute(t, p, `{"query": {"type": "bulk_create", "data": [{"title": "A", "pages": 1, "price": 1.0}]}}`)
		requireKind(t, err, serverErrors.KindPermissionDenied)
		require.Equal(t, int64(4), bookCount(t, ds, g))
	})
}

func TestUpdate(t *testing.T) {
	t.Run("updates_matching_rows", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {
			"type": "update",
			"filter": {"type": "filter", "conditions": {"author": 1}},
			"data": {"pages": 500}
		}}`)
		require.NotNil(t, res.Metadata.Count)
		require.Equal(t, int64(2), *res.Metadata.Count)

		n, ok := res.Data.(*serializer.Normalized)
		require.True(t, ok)
		require.Equal(t, int64(500), n.Included["app.Book"]["1"]["pages"])
		require.Equal(t, int64(500), n.Included["app.Book"]["2"]["pages"])
	})

	t.Run("fully_dropped_payload_updates_nothing", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.UpdateMap = fields.Map{"app.Book": fields.NewFieldSet("id", "title")}
		res := mustExecute(t, p, `{"query": {
			"type": "update",
			"filter": {"type": "filter", "conditions": {"id": 1}},
			"data": {"pages": 500}
		}}`)
		require.Equal(t, int64(0), *res.Metadata.Count)

		n, ok := res.Data.(*serializer.Normalized)
		require.True(t, ok)
		require.Equal(t, int64(300), n.Included["app.Book"]["1"]["pages"])
	})
}

func TestUpdateInstance(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	res := mustExecute(t, p, `{"query": {
		"type": "update_instance",
		"filter": {"type": "filter", "conditions": {"id": 3}},
		"data": {"title": "Renamed"}
	}}`)
	n := normalized(t, res)
	require.Equal(t, int64(3), n.Data)
	require.Equal(t, "Renamed", n.Included["app.Book"]["3"]["title"])

	_, err := execute(t, p, `{"query": {
		"type": "update_instance",
		"filter": {"type": "filter", "conditions": {"id": 99}},
		"data": {"title": "Renamed"}
	}}`)
	requireKind(t, err, serverErrors.KindNotFound)
}

func TestDelete(t *testing.T) {
	t.Run("deletes_matching_rows", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {
			"type": "delete",
			"filter": {"type": "filter", "conditions": {"author": 1}}
		}}`)
		require.Equal(t, ResponseNone, res.Metadata.ResponseType)
		require.Equal(t, int64(2), *res.Metadata.Count)
		require.Nil(t, res.Data)
		require.Equal(t, int64(2), bookCount(t, ds, g))
	})

	t.Run("requires_the_delete_action", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.Authorizer = readOnly(g)
		_, err := execute(t, p, `{"query": {"type": "delete", "filter": {"type": "filter", "conditions": {"author": 1}}}}`)
		requireKind(t, err, serverErrors.KindPermissionDenied)
		require.Equal(t, int64(4), bookCount(t, ds, g))
	})
}

func TestDeleteInstance(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	res := mustExecute(t, p, `{"query": {
		"type": "delete_instance",
		"filter": {"type": "filter", "conditions": {"id": 4}}
	}}`)
	require.Equal(t, ResponseBoolean, res.Metadata.ResponseType)
	require.Equal(t, true, res.Data)
	require.Equal(t, int64(3), bookCount(t, ds, g))

	_, err := execute(t, p, `{"query": {
		"type": "delete_instance",
		"filter": {"type": "filter", "conditions": {"id": 4}}
	}}`)
	requireKind(t, err, serverErrors.KindNotFound)
}

func TestGetOrCreate(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "get_or_create", "lookup": {"title": "Drafts"}, "defaults": {"pages": 1, "price": 1.0}}}`)
		require.NotNil(t, res.Metadata.Created)
		require.False(t, *res.Metadata.Created)
		require.Equal(t, int64(4), normalized(t, res).Data)
		require.Equal(t, int64(4), bookCount(t, ds, g))
	})

	t.Run("created_from_lookup_and_defaults", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "get_or_create", "lookup": {"title": "Fresh"}, "defaults": {"pages": 42, "price": 3.5}}}`)
		require.True(t, *res.Metadata.Created)
		n := normalized(t, res)
		require.Equal(t, "Fresh", n.Included["app.Book"]["5"]["title"])
		require.Equal(t, int64(42), n.Included["app.Book"]["5"]["pages"])
	})

	t.Run("lookup_with_no_readable_field_is_invalid", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.ReadMap = fields.Map{"app.Book": fields.NewFieldSet("id")}
		_, err := execute(t, p, `{"query": {"type": "get_or_create", "lookup": {"title": "Drafts"}}}`)
		requireKind(t, err, serverErrors.KindInvalidQuery)
	})
}

func TestUpdateOrCreate(t *testing.T) {
	t.Run("found_path_applies_defaults_as_update", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "update_or_create", "lookup": {"title": "Drafts"}, "defaults": {"pages": 24}}}`)
		require.False(t, *res.Metadata.Created)
		n := normalized(t, res)
		require.Equal(t, int64(24), n.Included["app.Book"]["4"]["pages"])
	})

	t.Run("found_path_respects_update_map", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.UpdateMap = fields.Map{"app.Book": fields.NewFieldSet("id", "title")}
		res := mustExecute(t, p, `{"query": {"type": "update_or_create", "lookup": {"title": "Drafts"}, "defaults": {"pages": 24}}}`)
		require.False(t, *res.Metadata.Created)
		n := normalized(t, res)
		require.Equal(t, int64(12), n.Included["app.Book"]["4"]["pages"])
	})

	t.Run("missing_path_creates", func(t *testing.T) {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		res := mustExecute(t, p, `{"query": {"type": "update_or_create", "lookup": {"title": "Fresh"}, "defaults": {"pages": 7, "price": 2.0}}}`)
		require.True(t, *res.Metadata.Created)
		require.Equal(t, int64(5), bookCount(t, ds, g))
	})
}

func TestResultCache(t *testing.T) {
	newCachedParams := func(t *testing.T) Params {
		ds, g := newFixture(t)
		p := bookParams(ds, g)
		p.Cache = qcache.New(qcache.WithResultStore(storagetest.NewMapCache[[]byte]()))
		p.ScopeToken = "scope-a"
		return p
	}

	t.Run("identical_reads_hit", func(t *testing.T) {
		p := newCachedParams(t)
		first := mustExecute(t, p, `{"query": {"type": "read"}}`)
		require.False(t, first.Metadata.CacheHit)

		second := mustExecute(t, p, `{"query": {"type": "read"}}`)
		require.True(t, second.Metadata.CacheHit)
		require.Equal(t, string(rawData(t, first)), string(rawData(t, second)))
	})

	t.Run("page_bounds_are_part_of_the_identity", func(t *testing.T) {
		p := newCachedParams(t)
		mustExecute(t, p, `{"query": {"type": "read"}, "serializerOptions": {"limit": 2}}`)
		res := mustExecute(t, p, `{"query": {"type": "read"}, "serializerOptions": {"limit": 3}}`)
		require.False(t, res.Metadata.CacheHit)
	})

	t.Run("relation_hints_are_part_of_the_identity", func(t *testing.T) {
		p := newCachedParams(t)
		mustExecute(t, p, `{"query": {"type": "read"}}`)
		res := mustExecute(t, p, `{"query": {"type": "read", "selectRelated": ["author"]}}`)
		require.False(t, res.Metadata.CacheHit)
	})

	t.Run("scope_tokens_do_not_share_entries", func(t *testing.T) {
		p := newCachedParams(t)
		mustExecute(t, p, `{"query": {"type": "read"}}`)

		other := p
		other.ScopeToken = "scope-b"
		res := mustExecute(t, other, `{"query": {"type": "read"}}`)
		require.False(t, res.Metadata.CacheHit)
	})

	t.Run("exists_and_count_do_not_collide", func(t *testing.T) {
		p := newCachedParams(t)
		mustExecute(t, p, `{"query": {"type": "count"}}`)
		res := mustExecute(t, p, `{"query": {"type": "exists"}}`)
		require.False(t, res.Metadata.CacheHit)
		require.Equal(t, "true", string(rawData(t, res)))
	})

	t.Run("empty_scope_token_bypasses", func(t *testing.T) {
		p := newCachedParams(t)
		p.ScopeToken = ""
		mustExecute(t, p, `{"query": {"type": "read"}}`)
		res := mustExecute(t, p, `{"query": {"type": "read"}}`)
		require.False(t, res.Metadata.CacheHit)
	})
}

type capturedEvents struct {
	events []events.Event
}

func (c *capturedEvents) Publish(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestWriteEvents(t *testing.T) {
	ds, g := newFixture(t)
	p := bookParams(ds, g)

	sink := &capturedEvents{}
	p.Emitter = events.NewEmitter(nil, sink)
	p.RequestID = "req-1"

	mustExecute(t, p, `{"query": {"type": "create", "data": {"title": "Evented", "pages": 10, "price": 1.0}}}`)
	require.Len(t, sink.events, 1)
	require.Equal(t, events.ActionCreated, sink.events[0].Action)
	require.Equal(t, "app.Book", sink.events[0].Model)
	require.Equal(t, []any{int64(5)}, sink.events[0].PKs)
	require.Equal(t, "req-1", sink.events[0].RequestID)
	require.NotEmpty(t, sink.events[0].ID)

	mustExecute(t, p, `{"query": {"type": "delete", "filter": {"type": "filter", "conditions": {"id": 5}}}}`)
	require.Len(t, sink.events, 2)
	require.Equal(t, events.ActionDeleted, sink.events[1].Action)
}
