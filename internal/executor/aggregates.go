package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/scopeq/scopeq/internal/ast"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
)

// count returns the number of matching rows, ignoring pagination.
func (e *Executor) count(ctx context.Context, q *storage.Query) (*Result, error) {
	payload, hit, err := e.cached(ctx, q, "count", func(ctx context.Context) ([]byte, error) {
		n, err := e.store.Count(ctx, q)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
		return json.Marshal(n)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     payload,
		Metadata: Metadata{ResponseType: ResponseNumber, CacheHit: hit},
	}, nil
}

// aggregateOne evaluates a single aggregate function over one field. The
// target field must be readable: aggregates leak values, so unlike write
// payloads the restriction is a hard denial, not a silent drop.
func (e *Executor) aggregateOne(ctx context.Context, q *storage.Query, op ast.Operation, field string) (*Result, error) {
	agg, err := e.aggregation(op.String(), field)
	if err != nil {
		return nil, err
	}

	q = q.Clone().WithAggregations(agg)
	discriminator := agg.Func + ":" + agg.Field

	payload, hit, err := e.cached(ctx, q, discriminator, func(ctx context.Context) ([]byte, error) {
		row, err := e.store.Aggregate(ctx, q)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
		return json.Marshal(row[agg.Alias()])
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     payload,
		Metadata: Metadata{ResponseType: ResponseNumber, CacheHit: hit},
	}, nil
}

// aggregateMany evaluates several aggregate functions in one statement and
// returns alias → value. The discriminator covers every (func, field) pair
// in sorted order so distinct aggregate sets over one filtered query never
// collide.
func (e *Executor) aggregateMany(ctx context.Context, q *storage.Query, specs map[string]string) (*Result, error) {
	funcs := make([]string, 0, len(specs))
	for fn := range specs {
		funcs = append(funcs, fn)
	}
	sort.Strings(funcs)

	aggs := make([]storage.Aggregation, 0, len(funcs))
	parts := make([]string, 0, len(funcs))
	for _, fn := range funcs {
		agg, err := e.aggregation(fn, specs[fn])
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
		parts = append(parts, agg.Func+":"+agg.Field)
	}

	q = q.Clone().WithAggregations(aggs...)
	discriminator := "aggregate:" + strings.Join(parts, ",")

	payload, hit, err := e.cached(ctx, q, discriminator, func(ctx context.Context) ([]byte, error) {
		row, err := e.store.Aggregate(ctx, q)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
		out := make(map[string]any, len(aggs))
		for _, agg := range aggs {
			out[agg.Alias()] = row[agg.Alias()]
		}
		return json.Marshal(out)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     payload,
		Metadata: Metadata{ResponseType: ResponseNumber, CacheHit: hit},
	}, nil
}

// aggregation validates one aggregate projection: the function is already
// vetted at decode time; the field must be a scalar the read map grants.
// Count over no field counts rows.
func (e *Executor) aggregation(fn, field string) (storage.Aggregation, error) {
	if fn == storage.AggCount && field == "" {
		return storage.Aggregation{Func: storage.AggCount}, nil
	}

	f := e.model.Field(field)
	if f == nil || f.Column == "" {
		return storage.Aggregation{}, serverErrors.InvalidQuery(fmt.Sprintf("cannot aggregate over unknown field '%s' on model '%s'", field, e.model.Name))
	}
	if !contains(e.readMap.Effective(e.model), field) {
		return storage.Aggregation{}, serverErrors.PermissionDenied(fmt.Sprintf("field '%s' of model '%s' is not readable", field, e.model.Name))
	}
	return storage.Aggregation{Func: fn, Field: field}, nil
}
