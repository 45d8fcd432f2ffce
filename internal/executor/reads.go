package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sourcegraph/conc/pool"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/modelgraph"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/serializer"
	"github.com/scopeq/scopeq/pkg/storage"
)

// read returns the normalized paginated list. Pagination is applied to the
// query before the cache key is computed, so the page bounds are part of the
// cache identity; the row-level permission narrowing is already part of the
// base query and therefore of the compiled text.
func (e *Executor) read(ctx context.Context, q *storage.Query, opts *ast.SerializerOptions) (*Result, error) {
	offset, limit := e.pagination(opts)
	q = q.WithOffset(offset).WithLimit(limit)

	payload, hit, err := e.cached(ctx, q, "read"+e.relationHints(), func(ctx context.Context) ([]byte, error) {
		rows, err := e.store.Select(ctx, q)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
		related, err := e.fetchRelated(ctx, rows)
		if err != nil {
			return nil, err
		}
		normalized, err := e.serializer.SerializeList(e.model, rows, related, e.readMap)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
		return json.Marshal(normalized)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     payload,
		Metadata: Metadata{ResponseType: ResponseQueryset, CacheHit: hit},
	}, nil
}

// get returns the single row the query matches. Zero matches and multiple
// matches are distinct errors.
func (e *Executor) get(ctx context.Context, q *storage.Query) (*Result, error) {
	rows, err := e.store.Select(ctx, q.Clone().WithLimit(2))
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	switch len(rows) {
	case 0:
		return nil, serverErrors.NotFound(e.model.Name)
	case 1:
	default:
		return nil, serverErrors.MultipleObjectsReturned(e.model.Name)
	}

	return e.instanceResult(ctx, rows[0], nil)
}

// first returns the first matching row under the query's ordering, or a
// null instance when nothing matches.
func (e *Executor) first(ctx context.Context, q *storage.Query) (*Result, error) {
	return e.edgeRow(ctx, q, false)
}

// last is first under the reversed ordering.
func (e *Executor) last(ctx context.Context, q *storage.Query) (*Result, error) {
	return e.edgeRow(ctx, q, true)
}

func (e *Executor) edgeRow(ctx context.Context, q *storage.Query, reversed bool) (*Result, error) {
	q = q.Clone()
	orderings := q.Orderings
	if len(orderings) == 0 {
		orderings = []storage.Ordering{{Field: e.model.PrimaryKey}}
	}
	if reversed {
		flipped := make([]storage.Ordering, len(orderings))
		for i, o := range orderings {
			flipped[i] = storage.Ordering{Field: o.Field, Desc: !o.Desc}
		}
		orderings = flipped
	}
	q = q.OrderBy(orderings...).WithLimit(1)

	rows, err := e.store.Select(ctx, q)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	if len(rows) == 0 {
		return &Result{Data: nil, Metadata: Metadata{ResponseType: ResponseInstance}}, nil
	}

	return e.instanceResult(ctx, rows[0], nil)
}

// exists reports whether the query matches at least one row. It shares the
// count statement, separated from count by its discriminator.
func (e *Executor) exists(ctx context.Context, q *storage.Query) (*Result, error) {
	payload, hit, err := e.cached(ctx, q, "exists", func(ctx context.Context) ([]byte, error) {
		n, err := e.store.Count(ctx, q)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
		return json.Marshal(n > 0)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     payload,
		Metadata: Metadata{ResponseType: ResponseBoolean, CacheHit: hit},
	}, nil
}

// instanceResult serializes one row, with the request's relation hints
// resolved, and wraps it as an instance response.
func (e *Executor) instanceResult(ctx context.Context, row storage.Row, metadata *Metadata) (*Result, error) {
	related, err := e.fetchRelated(ctx, []storage.Row{row})
	if err != nil {
		return nil, err
	}
	normalized, err := e.serializer.SerializeInstance(e.model, row, related, e.readMap)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	md := Metadata{ResponseType: ResponseInstance}
	if metadata != nil {
		md = *metadata
		md.ResponseType = ResponseInstance
	}
	return &Result{Data: normalized, Metadata: md}, nil
}

// fetchRelated resolves the collected relation hints for the given primary
// rows. Related queries run through the row-level policies of their own
// model, in parallel up to the configured bound.
func (e *Executor) fetchRelated(ctx context.Context, rows []storage.Row) ([]serializer.RelatedRows, error) {
	if len(rows) == 0 || (len(e.selectRelated) == 0 && len(e.prefetchRelated) == 0) {
		return nil, nil
	}

	tasks := make([]func(ctx context.Context) (serializer.RelatedRows, error), 0, len(e.selectRelated)+len(e.prefetchRelated))

	for _, field := range e.selectRelated {
		field := field
		values := distinctValues(rows, field.Name)
		tasks = append(tasks, func(ctx context.Context) (serializer.RelatedRows, error) {
			return e.relatedByPK(ctx, field, values)
		})
	}

	pks := distinctValues(rows, e.model.PrimaryKey)
	for _, field := range e.prefetchRelated {
		field := field
		tasks = append(tasks, func(ctx context.Context) (serializer.RelatedRows, error) {
			return e.relatedByOwner(ctx, field, pks)
		})
	}

	p := pool.NewWithResults[serializer.RelatedRows]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(e.prefetchConcurrency)
	for _, task := range tasks {
		p.Go(task)
	}

	results, err := p.Wait()
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	return results, nil
}

// relatedByPK fetches the targets of a single-valued relation by the
// foreign-key values the primary rows carry.
func (e *Executor) relatedByPK(ctx context.Context, field *modelgraph.Field, values []any) (serializer.RelatedRows, error) {
	target := field.Rel.To
	if len(values) == 0 {
		return serializer.RelatedRows{Model: target}, nil
	}

	node, err := pkFilter(target, values)
	if err != nil {
		return serializer.RelatedRows{}, serverErrors.NewInternalError("", err)
	}

	q, err := e.authorizer.FilterQueryset(ctx, e.actor, storage.NewQuery(target).Filter(node))
	if err != nil {
		return serializer.RelatedRows{}, serverErrors.HandleError(target.Name, err)
	}

	related, err := e.store.Select(ctx, q)
	if err != nil {
		return serializer.RelatedRows{}, serverErrors.HandleError(target.Name, err)
	}
	return serializer.RelatedRows{Model: target, Rows: related}, nil
}

// relatedByOwner fetches the targets of a many-valued relation: the rows of
// the target model whose back-reference points at one of the primary rows.
func (e *Executor) relatedByOwner(ctx context.Context, field *modelgraph.Field, ownerPKs []any) (serializer.RelatedRows, error) {
	target := field.Rel.To
	via := target.FieldByColumn(field.Rel.Via)
	if via == nil {
		return serializer.RelatedRows{}, serverErrors.NewInternalError("",
			fmt.Errorf("relation '%s.%s' points through unknown column '%s'", e.model.Name, field.Name, field.Rel.Via))
	}
	if len(ownerPKs) == 0 {
		return serializer.RelatedRows{Model: target}, nil
	}

	node, err := storage.EqualityFilter(map[string]any{via.Name + "__in": ownerPKs})
	if err != nil {
		return serializer.RelatedRows{}, serverErrors.NewInternalError("", err)
	}

	q, err := e.authorizer.FilterQueryset(ctx, e.actor, storage.NewQuery(target).Filter(node))
	if err != nil {
		return serializer.RelatedRows{}, serverErrors.HandleError(target.Name, err)
	}

	related, err := e.store.Select(ctx, q)
	if err != nil {
		return serializer.RelatedRows{}, serverErrors.HandleError(target.Name, err)
	}
	return serializer.RelatedRows{Model: target, Rows: related}, nil
}

// distinctValues collects the non-nil values of the named field across rows,
// deduplicated by their canonical string form.
func distinctValues(rows []storage.Row, field string) []any {
	seen := make(map[string]struct{}, len(rows))
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		value := row[field]
		if value == nil {
			continue
		}
		key := canonicalValue(value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	return out
}

func canonicalValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
