package ast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	require.Equal(t, OpCreate, ParseOperation("create"))
	require.Equal(t, OpUpdateOrCreate, ParseOperation("update_or_create"))
	require.Equal(t, OpAggregate, ParseOperation("aggregate"))

	// unrecognized and absent type tags both run as a read
	require.Equal(t, OpRead, ParseOperation("explode"))
	require.Equal(t, OpRead, ParseOperation(""))

	for name, op := range operationValues {
		require.Equal(t, name, op.String())
	}
}

func TestOperationIsWrite(t *testing.T) {
	writes := []Operation{OpCreate, OpBulkCreate, OpUpdate, OpUpdateInstance, OpDelete, OpDeleteInstance, OpGetOrCreate, OpUpdateOrCreate}
	for _, op := range writes {
		require.True(t, op.IsWrite(), op.String())
	}
	reads := []Operation{OpRead, OpGet, OpFirst, OpLast, OpExists, OpCount, OpSum, OpAvg, OpMin, OpMax, OpAggregate}
	for _, op := range reads {
		require.False(t, op.IsWrite(), op.String())
	}
}

func TestDecodeRequest(t *testing.T) {
	env, err := DecodeRequest([]byte(`{
		"query": {
			"type": "read",
			"filter": {"type": "filter", "conditions": {"status": "active"}},
			"exclude": {"type": "filter", "conditions": {"archived": true}},
			"orderBy": ["-created_at", "title"],
			"selectRelated": ["author"],
			"prefetchRelated": ["tags"],
			"search": {"searchQuery": "gophers", "searchFields": ["title"]}
		},
		"serializerOptions": {"fields": ["title", "author"], "depth": 2, "offset": 10, "limit": 5}
	}`))
	require.NoError(t, err)

	require.Equal(t, OpRead, env.Query.Op)
	require.NotNil(t, env.Query.Filter)
	require.NotNil(t, env.Query.Exclude)
	require.Equal(t, []string{"-created_at", "title"}, env.Query.OrderBy)
	require.Equal(t, []string{"author"}, env.Query.SelectRelated)
	require.Equal(t, []string{"tags"}, env.Query.PrefetchRelated)
	require.Equal(t, "gophers", env.Query.Search.SearchQuery)

	opts := env.SerializerOptions
	require.Equal(t, []string{"title", "author"}, opts.Fields)
	require.Equal(t, 2, *opts.Depth)
	require.Equal(t, 10, *opts.Offset)
	require.Equal(t, 5, *opts.Limit)
}

func TestDecodeRequestRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "unknown_envelope_key",
			raw:     `{"query": {"type": "read"}, "pagination": {}}`,
			wantErr: "unknown field",
		},
		{
			name:    "unknown_query_key",
			raw:     `{"query": {"type": "read", "filtr": null}}`,
			wantErr: "unknown field",
		},
		{
			name:    "negative_depth",
			raw:     `{"query": {"type": "read"}, "serializerOptions": {"depth": -1}}`,
			wantErr: "depth must be >= 0",
		},
		{
			name:    "negative_offset",
			raw:     `{"query": {"type": "read"}, "serializerOptions": {"offset": -1}}`,
			wantErr: "offset must be >= 0",
		},
		{
			name:    "negative_limit",
			raw:     `{"query": {"type": "read"}, "serializerOptions": {"limit": -5}}`,
			wantErr: "limit must be >= 0",
		},
		{
			name:    "sum_without_field",
			raw:     `{"query": {"type": "sum"}}`,
			wantErr: "operation 'sum' requires 'field'",
		},
		{
			name:    "aggregate_without_functions",
			raw:     `{"query": {"type": "aggregate"}}`,
			wantErr: "requires 'aggregates'",
		},
		{
			name:    "aggregate_unknown_function",
			raw:     `{"query": {"type": "aggregate", "aggregates": {"median": "price"}}}`,
			wantErr: "unknown aggregate function 'median'",
		},
		{
			name:    "delete_instance_without_filter",
			raw:     `{"query": {"type": "delete_instance"}}`,
			wantErr: "operation 'delete_instance' requires a filter",
		},
		{
			name:    "update_instance_without_filter",
			raw:     `{"query": {"type": "update_instance", "data": {"a": 1}}}`,
			wantErr: "operation 'update_instance' requires a filter",
		},
		{
			name:    "get_or_create_without_lookup",
			raw:     `{"query": {"type": "get_or_create", "defaults": {"a": 1}}}`,
			wantErr: "operation 'get_or_create' requires 'lookup'",
		},
		{
			name:    "create_without_data",
			raw:     `{"query": {"type": "create"}}`,
			wantErr: "operation 'create' requires 'data'",
		},
		{
			name:    "search_without_query",
			raw:     `{"query": {"type": "read", "search": {"searchFields": ["title"]}}}`,
			wantErr: "requires 'searchQuery'",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(test.raw))
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestDataAccessors(t *testing.T) {
	env, err := DecodeRequest([]byte(`{"query": {"type": "create", "data": {"title": "go", "pages": 200}}}`))
	require.NoError(t, err)

	obj, err := env.Query.DataObject()
	require.NoError(t, err)
	require.Equal(t, "go", obj["title"])

	_, err = env.Query.DataList()
	require.ErrorContains(t, err, "must be a list of objects")

	env, err = DecodeRequest([]byte(`{"query": {"type": "bulk_create", "data": [{"title": "a"}, {"title": "b"}]}}`))
	require.NoError(t, err)

	list, err := env.Query.DataList()
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = env.Query.DataObject()
	require.ErrorContains(t, err, "must be an object")
}
