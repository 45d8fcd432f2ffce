package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/pkg/storage/memory"
	storagetest "github.com/scopeq/scopeq/pkg/storage/test"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	ds := memory.New()
	g := storagetest.BuildGraph(t)
	require.NoError(t, ds.EnsureModelTables(context.Background(), g))
	storagetest.SeedFixtureRows(t, ds, g)

	authorizer := authz.NewAuthorizer()
	for _, m := range g.Models() {
		authorizer.Bind(m.Name, authz.AllowAll{})
	}

	return New(Params{
		Graph:      g,
		Authorizer: authorizer,
		Store:      ds,
	})
}

func post(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHandleQuery(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	t.Run("read", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {"type": "read"}}`)
		require.Equal(t, http.StatusOK, recorder.Code)

		body := recorder.Body.String()
		require.Equal(t, "queryset", gjson.Get(body, "metadata.response_type").String())
		require.Len(t, gjson.Get(body, "data.data").Array(), 4)
		require.Equal(t, "app.Book", gjson.Get(body, "data.model_name").String())
	})

	t.Run("count", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {"type": "count"}}`)
		require.Equal(t, http.StatusOK, recorder.Code)
		require.Equal(t, int64(4), gjson.Get(recorder.Body.String(), "data").Int())
		require.Equal(t, "number", gjson.Get(recorder.Body.String(), "metadata.response_type").String())
	})

	t.Run("create", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {
			"type": "create",
			"data": {"title": "New Book", "pages": 10, "price": 2.5}
		}}`)
		require.Equal(t, http.StatusOK, recorder.Code)
		body := recorder.Body.String()
		require.Equal(t, "instance", gjson.Get(body, "metadata.response_type").String())
		require.Equal(t, "New Book", gjson.Get(body, `data.included.app\.Book.5.title`).String())
	})

	t.Run("unknown_model", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Missing/query", `{"query": {"type": "read"}}`)
		require.Equal(t, http.StatusNotFound, recorder.Code)
		require.Equal(t, "not_found", gjson.Get(recorder.Body.String(), "error.kind").String())
	})

	t.Run("malformed_body", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {`)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		require.Equal(t, "invalid_query", gjson.Get(recorder.Body.String(), "error.kind").String())
	})

	t.Run("unknown_envelope_key", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {"type": "read"}, "extra": 1}`)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("structurally_invalid_operation", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {"type": "sum"}}`)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		require.Equal(t, "invalid_query", gjson.Get(recorder.Body.String(), "error.kind").String())
	})

	t.Run("validation_failure_lists_fields", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/models/app.Book/query", `{"query": {"type": "create", "data": {"title": "Only Title"}}}`)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
		body := recorder.Body.String()
		require.Equal(t, "validation_error", gjson.Get(body, "error.kind").String())
		require.True(t, gjson.Get(body, "error.fields.pages").Exists())
	})
}

func TestHandleBatch(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	t.Run("runs_operations_in_order", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/batch", `{"operations": [
			{"id": "a", "model": "app.Book", "query": {"type": "count"}},
			{"model": "app.Author", "query": {"type": "count"}}
		]}`)
		require.Equal(t, http.StatusOK, recorder.Code)

		results := gjson.Get(recorder.Body.String(), "results").Array()
		require.Len(t, results, 2)
		require.Equal(t, "a", results[0].Get("id").String())
		require.Equal(t, "ok", results[0].Get("status").String())
		require.Equal(t, int64(4), results[0].Get("result.data").Int())
		require.NotEmpty(t, results[1].Get("id").String(), "absent ids are assigned")
		require.Equal(t, int64(3), results[1].Get("result.data").Int())
	})

	t.Run("stops_at_the_first_failure", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/batch", `{"operations": [
			{"id": "ok", "model": "app.Book", "query": {"type": "count"}},
			{"id": "bad", "model": "app.Book", "query": {"type": "get", "filter": {"type": "filter", "conditions": {"title": "Missing"}}}},
			{"id": "never", "model": "app.Book", "query": {"type": "count"}}
		]}`)
		require.Equal(t, http.StatusOK, recorder.Code)

		results := gjson.Get(recorder.Body.String(), "results").Array()
		require.Len(t, results, 2)
		require.Equal(t, "ok", results[0].Get("status").String())
		require.Equal(t, "error", results[1].Get("status").String())
		require.Equal(t, "bad", results[1].Get("id").String())
		require.Equal(t, "not_found", results[1].Get("error.error.kind").String())
	})

	t.Run("empty_batch", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/batch", `{"operations": []}`)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("too_many_operations", func(t *testing.T) {
		ops := make([]string, maxBatchOperations+1)
		for i := range ops {
			ops[i] = `{"model": "app.Book", "query": {"type": "count"}}`
		}
		body := fmt.Sprintf(`{"operations": [%s]}`, strings.Join(ops, ","))
		recorder := post(t, handler, "/api/v1/batch", body)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("missing_model", func(t *testing.T) {
		recorder := post(t, handler, "/api/v1/batch", `{"operations": [{"query": {"type": "count"}}]}`)
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	recorder := httptest.NewRecorder()
	srv.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "ok", gjson.Get(recorder.Body.String(), "status").String())
}
