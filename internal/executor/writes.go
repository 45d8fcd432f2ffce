package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/events"
	"github.com/scopeq/scopeq/internal/namespace"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
)

// create inserts one row. The payload is validated against the create field
// map; unauthorized fields drop out before validation, so an actor without
// any create grant fails on the required-field checks rather than inserting
// an empty row.
func (e *Executor) create(ctx context.Context, query *ast.Query) (*Result, error) {
	payload, err := query.DataObject()
	if err != nil {
		return nil, serverErrors.InvalidQuery(err.Error())
	}

	row, err := e.serializer.Deserialize(e.model, payload, e.createMap, false)
	if err != nil {
		return nil, err
	}

	pks, err := e.store.Insert(ctx, e.model, []storage.Row{row})
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	inserted, err := e.rowByPK(ctx, pks[0])
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(ctx, e.event(events.ActionCreated, pks, namespace.FromPayload(payload)))
	return e.instanceResult(ctx, inserted, nil)
}

// bulkCreate inserts N rows all-or-nothing. Unlike create, the model-level
// CREATE action is checked explicitly: a non-empty create field map alone is
// not treated as sufficient signal for a batch write.
func (e *Executor) bulkCreate(ctx context.Context, query *ast.Query) (*Result, error) {
	if !e.authorizer.Allows(ctx, e.actor, e.model.Name, authz.ActionCreate) {
		return nil, serverErrors.ActionNotAllowed(string(authz.ActionCreate), e.model.Name)
	}

	payloads, err := query.DataList()
	if err != nil {
		return nil, serverErrors.InvalidQuery(err.Error())
	}
	if len(payloads) == 0 {
		return nil, serverErrors.InvalidQuery("bulk_create requires at least one payload")
	}

	// Validate every payload before inserting any.
	rows := make([]storage.Row, 0, len(payloads))
	failures := make(map[string]string)
	for i, payload := range payloads {
		row, err := e.serializer.Deserialize(e.model, payload, e.createMap, false)
		if err != nil {
			var apiErr *serverErrors.Error
			if errors.As(err, &apiErr) {
				for field, detail := range apiErr.FieldErrors() {
					failures[fmt.Sprintf("%d.%s", i, field)] = detail
				}
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(failures) > 0 {
		return nil, serverErrors.ValidationError(fmt.Sprintf("bulk payload for model '%s' failed validation", e.model.Name), failures)
	}

	pks, err := e.store.Insert(ctx, e.model, rows)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	inserted, err := e.rowsByPKs(ctx, pks)
	if err != nil {
		return nil, err
	}
	normalized, err := e.serializer.SerializeList(e.model, inserted, nil, e.readMap)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	e.emitter.Emit(ctx, e.event(events.ActionBulkCreated, pks, namespace.Namespace{}))
	return &Result{
		Data:     normalized,
		Metadata: Metadata{ResponseType: ResponseQueryset, Count: count(int64(len(pks)))},
	}, nil
}

// update assigns the payload to every row the query matches. Fields outside
// the update map are dropped silently; a payload whose every field drops
// still succeeds with zero changes.
func (e *Executor) update(ctx context.Context, q *storage.Query, query *ast.Query) (*Result, error) {
	payload, err := query.DataObject()
	if err != nil {
		return nil, serverErrors.InvalidQuery(err.Error())
	}

	values, err := e.serializer.Deserialize(e.model, payload, e.updateMap, true)
	if err != nil {
		return nil, err
	}

	pks, err := e.matchedPKs(ctx, q)
	if err != nil {
		return nil, err
	}

	var updated int64
	if len(values) > 0 && len(pks) > 0 {
		updated, err = e.store.Update(ctx, q, values)
		if err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
	}

	rows, err := e.rowsByPKs(ctx, pks)
	if err != nil {
		return nil, err
	}
	normalized, err := e.serializer.SerializeList(e.model, rows, nil, e.readMap)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	if updated > 0 {
		e.emitter.Emit(ctx, e.event(events.ActionUpdated, pks, namespace.FromFilter(q.Filters...)))
	}
	return &Result{
		Data:     normalized,
		Metadata: Metadata{ResponseType: ResponseQueryset, Count: &updated},
	}, nil
}

// updateInstance updates the single row the query resolves to, after the
// row's own policies grant UPDATE on it.
func (e *Executor) updateInstance(ctx context.Context, q *storage.Query, query *ast.Query) (*Result, error) {
	target, err := e.exactlyOne(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := e.requireObjectAction(ctx, target, authz.ActionUpdate); err != nil {
		return nil, err
	}

	payload, err := query.DataObject()
	if err != nil {
		return nil, serverErrors.InvalidQuery(err.Error())
	}
	values, err := e.serializer.Deserialize(e.model, payload, e.updateMap, true)
	if err != nil {
		return nil, err
	}

	pk := target[e.model.PrimaryKey]
	if len(values) > 0 {
		pq, err := e.pkQuery(pk)
		if err != nil {
			return nil, err
		}
		if _, err := e.store.Update(ctx, pq, values); err != nil {
			return nil, serverErrors.HandleError(e.model.Name, err)
		}
	}

	row, err := e.rowByPK(ctx, pk)
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(ctx, e.event(events.ActionUpdated, []any{pk}, namespace.FromFilter(q.Filters...)))
	return e.instanceResult(ctx, row, nil)
}

// delete removes every row the query matches. The model-level DELETE action
// is a hard gate; row narrowing from the policies is already in the query.
func (e *Executor) delete(ctx context.Context, q *storage.Query, query *ast.Query) (*Result, error) {
	if !e.authorizer.Allows(ctx, e.actor, e.model.Name, authz.ActionDelete) {
		return nil, serverErrors.ActionNotAllowed(string(authz.ActionDelete), e.model.Name)
	}

	pks, err := e.matchedPKs(ctx, q)
	if err != nil {
		return nil, err
	}

	deleted, err := e.store.Delete(ctx, q)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	if deleted > 0 {
		e.emitter.Emit(ctx, e.event(events.ActionDeleted, pks, namespace.FromFilter(q.Filters...)))
	}
	return &Result{
		Data:     nil,
		Metadata: Metadata{ResponseType: ResponseNone, Count: &deleted},
	}, nil
}

// deleteInstance removes the single row the query resolves to. The filter's
// presence was checked at decode time.
func (e *Executor) deleteInstance(ctx context.Context, q *storage.Query, query *ast.Query) (*Result, error) {
	if !e.authorizer.Allows(ctx, e.actor, e.model.Name, authz.ActionDelete) {
		return nil, serverErrors.ActionNotAllowed(string(authz.ActionDelete), e.model.Name)
	}

	target, err := e.exactlyOne(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := e.requireObjectAction(ctx, target, authz.ActionDelete); err != nil {
		return nil, err
	}

	pk := target[e.model.PrimaryKey]
	pq, err := e.pkQuery(pk)
	if err != nil {
		return nil, err
	}
	deleted, err := e.store.Delete(ctx, pq)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	e.emitter.Emit(ctx, e.event(events.ActionDeleted, []any{pk}, namespace.FromFilter(q.Filters...)))
	return &Result{
		Data:     deleted > 0,
		Metadata: Metadata{ResponseType: ResponseBoolean, Count: &deleted},
	}, nil
}

// getOrCreate fetches the row the lookup matches or inserts one from lookup
// plus defaults. The lookup half is validated against the read map and the
// defaults half against the create map, separately and deliberately: a
// field grantable only for creation never leaks into the match, and vice
// versa.
func (e *Executor) getOrCreate(ctx context.Context, query *ast.Query) (*Result, error) {
	found, lookupRow, err := e.lookupOne(ctx, query.Lookup)
	if err != nil {
		return nil, err
	}
	if found != nil {
		md := Metadata{Created: created(false)}
		return e.instanceResult(ctx, found, &md)
	}

	defaultsRow, err := e.serializer.Deserialize(e.model, query.Defaults, e.createMap, true)
	if err != nil {
		return nil, err
	}

	return e.insertMerged(ctx, lookupRow, defaultsRow, query)
}

// updateOrCreate is getOrCreate whose found path applies the defaults as an
// update, filtered through the update map.
func (e *Executor) updateOrCreate(ctx context.Context, query *ast.Query) (*Result, error) {
	found, lookupRow, err := e.lookupOne(ctx, query.Lookup)
	if err != nil {
		return nil, err
	}

	if found != nil {
		values, err := e.serializer.Deserialize(e.model, query.Defaults, e.updateMap, true)
		if err != nil {
			return nil, err
		}

		pk := found[e.model.PrimaryKey]
		if len(values) > 0 {
			pq, err := e.pkQuery(pk)
			if err != nil {
				return nil, err
			}
			if _, err := e.store.Update(ctx, pq, values); err != nil {
				return nil, serverErrors.HandleError(e.model.Name, err)
			}
			e.emitter.Emit(ctx, e.event(events.ActionUpdated, []any{pk}, namespace.FromPayload(query.Lookup)))
		}

		row, err := e.rowByPK(ctx, pk)
		if err != nil {
			return nil, err
		}
		md := Metadata{Created: created(false)}
		return e.instanceResult(ctx, row, &md)
	}

	defaultsRow, err := e.serializer.Deserialize(e.model, query.Defaults, e.createMap, true)
	if err != nil {
		return nil, err
	}

	return e.insertMerged(ctx, lookupRow, defaultsRow, query)
}

// lookupOne filters the lookup through the read map and resolves it to at
// most one row. A lookup with no readable fields would match every row, so
// it is a structural error.
func (e *Executor) lookupOne(ctx context.Context, lookup map[string]any) (storage.Row, storage.Row, error) {
	lookupRow, err := e.serializer.Deserialize(e.model, lookup, e.readMap, true)
	if err != nil {
		return nil, nil, err
	}
	if len(lookupRow) == 0 {
		return nil, nil, serverErrors.InvalidQuery(fmt.Sprintf("lookup names no readable field of model '%s'", e.model.Name))
	}

	node, err := storage.EqualityFilter(lookupRow)
	if err != nil {
		return nil, nil, serverErrors.InvalidQuery(err.Error())
	}

	rows, err := e.store.Select(ctx, e.base.Clone().Filter(node).WithLimit(2))
	if err != nil {
		return nil, nil, serverErrors.HandleError(e.model.Name, err)
	}
	switch len(rows) {
	case 0:
		return nil, lookupRow, nil
	case 1:
		return rows[0], lookupRow, nil
	default:
		return nil, nil, serverErrors.MultipleObjectsReturned(e.model.Name)
	}
}

// insertMerged inserts lookup ∪ defaults, the lookup winning on overlap,
// and returns the created instance.
func (e *Executor) insertMerged(ctx context.Context, lookupRow, defaultsRow storage.Row, query *ast.Query) (*Result, error) {
	merged := make(storage.Row, len(lookupRow)+len(defaultsRow))
	for name, value := range defaultsRow {
		merged[name] = value
	}
	for name, value := range lookupRow {
		merged[name] = value
	}

	pks, err := e.store.Insert(ctx, e.model, []storage.Row{merged})
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}

	row, err := e.rowByPK(ctx, pks[0])
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(ctx, e.event(events.ActionCreated, pks, namespace.FromPayload(query.Lookup)))
	md := Metadata{Created: created(true)}
	return e.instanceResult(ctx, row, &md)
}

// exactlyOne resolves the query to its single matching row, distinguishing
// "none" from "ambiguous".
func (e *Executor) exactlyOne(ctx context.Context, q *storage.Query) (storage.Row, error) {
	rows, err := e.store.Select(ctx, q.Clone().WithLimit(2))
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	switch len(rows) {
	case 0:
		return nil, serverErrors.NotFound(e.model.Name)
	case 1:
		return rows[0], nil
	default:
		return nil, serverErrors.MultipleObjectsReturned(e.model.Name)
	}
}

// requireObjectAction enforces the instance-level gate for the single-row
// write operations.
func (e *Executor) requireObjectAction(ctx context.Context, row storage.Row, action authz.Action) error {
	allowed, err := e.authorizer.AllowsObject(ctx, e.actor, e.model.Name, row, action)
	if err != nil {
		return serverErrors.HandleError(e.model.Name, err)
	}
	if !allowed {
		return serverErrors.ObjectActionNotAllowed(string(action), e.model.Name)
	}
	return nil
}

// matchedPKs returns the primary keys the unsliced query matches.
func (e *Executor) matchedPKs(ctx context.Context, q *storage.Query) ([]any, error) {
	rows, err := e.store.Select(ctx, q.Clone().Select(e.model.PrimaryKey))
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	pks := make([]any, 0, len(rows))
	for _, row := range rows {
		pks = append(pks, row[e.model.PrimaryKey])
	}
	return pks, nil
}

// pkQuery builds a fresh single-row query by primary key. Write targets are
// addressed directly; the row was already resolved through the narrowed
// base query.
func (e *Executor) pkQuery(pk any) (*storage.Query, error) {
	node, err := storage.EqualityFilter(map[string]any{e.model.PrimaryKey: pk})
	if err != nil {
		return nil, serverErrors.NewInternalError("", err)
	}
	return storage.NewQuery(e.model).Filter(node), nil
}

func (e *Executor) rowByPK(ctx context.Context, pk any) (storage.Row, error) {
	q, err := e.pkQuery(pk)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.Select(ctx, q)
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	if len(rows) == 0 {
		return nil, serverErrors.NotFound(e.model.Name)
	}
	return rows[0], nil
}

func (e *Executor) rowsByPKs(ctx context.Context, pks []any) ([]storage.Row, error) {
	if len(pks) == 0 {
		return nil, nil
	}
	node, err := pkFilter(e.model, pks)
	if err != nil {
		return nil, serverErrors.NewInternalError("", err)
	}
	rows, err := e.store.Select(ctx, storage.NewQuery(e.model).Filter(node))
	if err != nil {
		return nil, serverErrors.HandleError(e.model.Name, err)
	}
	return rows, nil
}

func (e *Executor) event(action events.Action, pks []any, ns namespace.Namespace) events.Event {
	return events.Event{
		Model:     e.model.Name,
		Action:    action,
		PKs:       pks,
		Namespace: ns,
		Actor:     e.actor.Subject,
		RequestID: e.requestID,
	}
}
