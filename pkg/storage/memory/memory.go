// Package memory provides an ephemeral, map-backed datastore. It exists for
// tests and local development; a process restart loses everything.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("scopeq/pkg/storage/memory")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "memory."+name)
}

// StorageOption configures a [Datastore] instance.
type StorageOption func(*Datastore)

// WithMaxRowsPerWrite sets the maximum number of rows accepted by a single
// insert batch.
func WithMaxRowsPerWrite(n int) StorageOption {
	return func(ds *Datastore) { ds.maxRowsPerWrite = n }
}

// Datastore provides an in-memory implementation of [storage.Datastore].
// Instances may be safely shared by multiple goroutines.
//
// Rows are stored under their model name in insertion order and filters are
// evaluated by walking the same filter tree the SQL dialects compile, so the
// two agree on matching semantics. Compile delegates to the shared SQL
// compiler; cache keys derived from it are identical across backends.
type Datastore struct {
	maxRowsPerWrite int
	compiler        *sqlcommon.Compiler

	mu     sync.RWMutex
	tables map[string][]storage.Row // GUARDED_BY(mu).
	serial map[string]int64         // GUARDED_BY(mu). Last auto-assigned integer key per model.

	muEvents sync.RWMutex
	events   map[string]storage.EventRecord // GUARDED_BY(muEvents). Keyed by ULID.
	eventIDs storage.SortedSet              // GUARDED_BY(muEvents).
}

// Ensures that Datastore implements the Datastore interface.
var _ storage.Datastore = (*Datastore)(nil)

// New creates a new [Datastore] storage.
func New(opts ...StorageOption) *Datastore {
	ds := &Datastore{
		maxRowsPerWrite: storage.DefaultMaxRowsPerWrite,
		compiler:        sqlcommon.NewCompiler("sqlite"),
		tables:          make(map[string][]storage.Row),
		serial:          make(map[string]int64),
		events:          make(map[string]storage.EventRecord),
		eventIDs:        storage.NewSortedSet(),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// Close does not do anything for [Datastore].
func (s *Datastore) Close() {}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(_ context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// EnsureModelTables see [storage.Datastore].EnsureModelTables. Creating a
// table in memory just reserves its slot.
func (s *Datastore) EnsureModelTables(ctx context.Context, g *modelgraph.Graph) error {
	_, span := startTrace(ctx, "EnsureModelTables")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range g.Models() {
		if _, ok := s.tables[m.Name]; !ok {
			s.tables[m.Name] = nil
		}
	}
	return nil
}

// Compile see [storage.QueryCompiler].Compile. The memory store renders
// queries with the shared SQL compiler so that cache keys are backend
// independent; the rendered text is never executed.
func (s *Datastore) Compile(q *storage.Query) (*storage.CompiledQuery, error) {
	return s.compiler.Compile(q)
}

// Select see [storage.RowReader].Select.
func (s *Datastore) Select(ctx context.Context, q *storage.Query) ([]storage.Row, error) {
	_, span := startTrace(ctx, "Select")
	defer span.End()

	fields, err := s.compiler.SelectFields(q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.matchRows(q)
	if err != nil {
		return nil, err
	}

	if err := sortRows(q.Model, matched, q.Orderings); err != nil {
		return nil, err
	}

	matched = paginate(matched, q.Offset, q.Limit)

	out := make([]storage.Row, 0, len(matched))
	for _, row := range matched {
		projected := make(storage.Row, len(fields))
		for _, field := range fields {
			projected[field.Name] = row[field.Name]
		}
		out = append(out, projected)
	}
	return out, nil
}

// Count see [storage.RowReader].Count.
func (s *Datastore) Count(ctx context.Context, q *storage.Query) (int64, error) {
	_, span := startTrace(ctx, "Count")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.matchRows(q)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Aggregate see [storage.RowReader].Aggregate.
func (s *Datastore) Aggregate(ctx context.Context, q *storage.Query) (storage.Row, error) {
	_, span := startTrace(ctx, "Aggregate")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched, err := s.matchRows(q)
	if err != nil {
		return nil, err
	}

	result := make(storage.Row, len(q.Aggregations))
	for _, agg := range q.Aggregations {
		value, err := aggregate(q.Model, matched, agg)
		if err != nil {
			return nil, err
		}
		result[agg.Alias()] = value
	}
	return result, nil
}

// Insert see [storage.RowWriter].Insert. The batch is validated in full
// before anything is stored; a failing row leaves the table untouched.
func (s *Datastore) Insert(ctx context.Context, model *modelgraph.Model, rows []storage.Row) ([]any, error) {
	_, span := startTrace(ctx, "Insert")
	defer span.End()

	if len(rows) > s.maxRowsPerWrite {
		return nil, storage.ErrExceededWriteBatchLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pk := model.PK()
	prepared := make([]storage.Row, 0, len(rows))
	pks := make([]any, 0, len(rows))
	seen := make(map[any]struct{}, len(rows))

	for _, row := range rows {
		stored, err := normalizeRow(model, row)
		if err != nil {
			return nil, err
		}

		key, ok := stored[pk.Name]
		if !ok || key == nil {
			if pk.Type != schema.FieldInteger {
				return nil, fmt.Errorf("model '%s' requires an explicit primary key", model.Name)
			}
			s.serial[model.Name]++
			key = s.serial[model.Name]
			stored[pk.Name] = key
		} else if n, isInt := key.(int64); isInt && n > s.serial[model.Name] {
			// Explicit keys advance the counter so later auto-assigned
			// keys cannot collide.
			s.serial[model.Name] = n
		}

		if _, dup := seen[key]; dup {
			return nil, storage.ErrCollision
		}
		if s.findByPK(model, key) != nil {
			return nil, storage.ErrCollision
		}
		seen[key] = struct{}{}

		prepared = append(prepared, stored)
		pks = append(pks, key)
	}

	s.tables[model.Name] = append(s.tables[model.Name], prepared...)
	return pks, nil
}

// Update see [storage.RowWriter].Update.
func (s *Datastore) Update(ctx context.Context, q *storage.Query, values storage.Row) (int64, error) {
	_, span := startTrace(ctx, "Update")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	assign, err := normalizeRow(q.Model, values)
	if err != nil {
		return 0, err
	}

	matched, err := s.matchRows(q)
	if err != nil {
		return 0, err
	}

	for _, row := range matched {
		for name, value := range assign {
			row[name] = value
		}
	}
	return int64(len(matched)), nil
}

// Delete see [storage.RowWriter].Delete.
func (s *Datastore) Delete(ctx context.Context, q *storage.Query) (int64, error) {
	_, span := startTrace(ctx, "Delete")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.tables[q.Model.Name]
	kept := make([]storage.Row, 0, len(table))
	var removed int64

	for _, row := range table {
		ok, err := s.matchRow(q, row)
		if err != nil {
			return 0, err
		}
		if ok {
			removed++
			continue
		}
		kept = append(kept, row)
	}

	s.tables[q.Model.Name] = kept
	return removed, nil
}

// AppendEvent see [storage.EventLogBackend].AppendEvent.
func (s *Datastore) AppendEvent(ctx context.Context, record storage.EventRecord) error {
	_, span := startTrace(ctx, "AppendEvent")
	defer span.End()

	s.muEvents.Lock()
	defer s.muEvents.Unlock()

	if _, exists := s.events[record.ID]; exists {
		return storage.ErrCollision
	}

	s.events[record.ID] = record
	s.eventIDs.Add(record.ID)
	return nil
}

// ReadEvents see [storage.EventLogBackend].ReadEvents.
func (s *Datastore) ReadEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, string, error) {
	_, span := startTrace(ctx, "ReadEvents")
	defer span.End()

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	from := filter.Pagination.From
	if from != "" {
		if _, err := ulid.Parse(from); err != nil {
			return nil, "", storage.ErrInvalidContinuationToken
		}
	}

	s.muEvents.RLock()
	defer s.muEvents.RUnlock()

	var records []storage.EventRecord
	for _, id := range s.eventIDs.ValuesAfter(from, 0) {
		record := s.events[id]
		if filter.Namespace != "" && record.Namespace != filter.Namespace {
			continue
		}
		if filter.Model != "" && record.Model != filter.Model {
			continue
		}

		records = append(records, record)
		if len(records) > pageSize {
			break
		}
	}

	if len(records) > pageSize {
		records = records[:pageSize]
		return records, records[len(records)-1].ID, nil
	}
	return records, "", nil
}

// matchRows returns the stored rows matching q, in insertion order. Callers
// hold s.mu.
func (s *Datastore) matchRows(q *storage.Query) ([]storage.Row, error) {
	var matched []storage.Row
	for _, row := range s.tables[q.Model.Name] {
		ok, err := s.matchRow(q, row)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

func (s *Datastore) matchRow(q *storage.Query, row storage.Row) (bool, error) {
	for _, node := range q.Filters {
		ok, err := s.evalNode(q.Model, node, row)
		if err != nil || !ok {
			return false, err
		}
	}

	for _, node := range q.Excludes {
		ok, err := s.evalNode(q.Model, node, row)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	if q.Search != nil {
		ok, err := matchSearch(q.Model, q.Search, row)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

func (s *Datastore) evalNode(model *modelgraph.Model, node *ast.FilterNode, row storage.Row) (bool, error) {
	switch node.Kind {
	case ast.NodeFilter:
		return s.evalConditions(model, node.Conditions, row)

	case ast.NodeExclude:
		ok, err := s.evalConditions(model, node.Conditions, row)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case ast.NodeAnd:
		for _, child := range node.Children {
			ok, err := s.evalNode(model, child, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case ast.NodeOr:
		for _, child := range node.Children {
			ok, err := s.evalNode(model, child, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case ast.NodeNot:
		ok, err := s.evalNode(model, node.Child, row)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, fmt.Errorf("unknown filter node kind '%s'", node.Kind)
	}
}

// evalConditions mirrors the compiler: conditions within one leaf are ANDed
// and an empty leaf matches every row.
func (s *Datastore) evalConditions(model *modelgraph.Model, conditions []ast.Condition, row storage.Row) (bool, error) {
	for _, condition := range conditions {
		ok, err := s.evalPath(model, condition.Path, condition.Lookup, condition.Value, condition.Raw, row)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// evalPath walks a dotted condition path, hopping across relations the way
// the compiled IN subqueries do.
func (s *Datastore) evalPath(model *modelgraph.Model, path []string, lookup ast.Lookup, value any, raw string, row storage.Row) (bool, error) {
	field := model.Field(path[0])
	if field == nil {
		return false, fmt.Errorf("unknown filter field '%s' on model '%s'", raw, model.Name)
	}

	if len(path) == 1 {
		return s.evalLeaf(model, field, lookup, value, raw, row)
	}

	if !field.IsRelation() {
		return false, fmt.Errorf("field '%s' in filter '%s' is not a relation", path[0], raw)
	}

	target := field.Rel.To
	if field.Rel.Many {
		for _, related := range s.relatedRows(model, field, row) {
			ok, err := s.evalPath(target, path[1:], lookup, value, raw, related)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	fk := row[field.Name]
	if fk == nil {
		return false, nil
	}
	related := s.findByPK(target, fk)
	if related == nil {
		return false, nil
	}
	return s.evalPath(target, path[1:], lookup, value, raw, related)
}

func (s *Datastore) evalLeaf(model *modelgraph.Model, field *modelgraph.Field, lookup ast.Lookup, value any, raw string, row storage.Row) (bool, error) {
	if field.IsRelation() && field.Rel.Many {
		// A terminal many-valued relation compares against the target's
		// primary key.
		target := field.Rel.To
		for _, related := range s.relatedRows(model, field, row) {
			ok, err := s.evalLeaf(target, target.PK(), lookup, value, raw, related)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if field.IsRelation() {
		switch lookup {
		case ast.LookupEq, ast.LookupExact, ast.LookupIn, ast.LookupIsNull:
		default:
			return false, fmt.Errorf("lookup '%s' is not supported on relation '%s'", lookup, field.Name)
		}
	}

	stored, present := row[field.Name]
	isNull := !present || stored == nil

	switch lookup {
	case ast.LookupEq, ast.LookupExact:
		bound, err := sqlcommon.BindValue(field, value)
		if err != nil {
			return false, err
		}
		if bound == nil {
			return isNull, nil
		}
		cmp, ok := compareValues(stored, bound)
		return ok && cmp == 0, nil

	case ast.LookupIn:
		list, _ := value.([]any)
		for _, element := range list {
			bound, err := sqlcommon.BindValue(field, element)
			if err != nil {
				return false, err
			}
			cmp, ok := compareValues(stored, bound)
			if ok && cmp == 0 {
				return true, nil
			}
		}
		return false, nil

	case ast.LookupLt, ast.LookupLte, ast.LookupGt, ast.LookupGte:
		bound, err := sqlcommon.BindValue(field, value)
		if err != nil {
			return false, err
		}
		cmp, ok := compareValues(stored, bound)
		if !ok {
			return false, nil
		}
		switch lookup {
		case ast.LookupLt:
			return cmp < 0, nil
		case ast.LookupLte:
			return cmp <= 0, nil
		case ast.LookupGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}

	case ast.LookupIsNull:
		want, _ := value.(bool)
		return isNull == want, nil

	case ast.LookupContains:
		return matchPattern(stored, value, strings.Contains, false), nil
	case ast.LookupIContains:
		return matchPattern(stored, value, strings.Contains, true), nil
	case ast.LookupStartsWith:
		return matchPattern(stored, value, strings.HasPrefix, false), nil
	case ast.LookupIStartsWith:
		return matchPattern(stored, value, strings.HasPrefix, true), nil
	case ast.LookupEndsWith:
		return matchPattern(stored, value, strings.HasSuffix, false), nil
	case ast.LookupIEndsWith:
		return matchPattern(stored, value, strings.HasSuffix, true), nil

	default:
		return false, fmt.Errorf("unknown lookup '%s' in filter '%s'", lookup, raw)
	}
}

// relatedRows returns the target rows of a many-valued relation whose
// foreign key points back at row. Callers hold s.mu.
func (s *Datastore) relatedRows(model *modelgraph.Model, field *modelgraph.Field, row storage.Row) []storage.Row {
	target := field.Rel.To
	via := target.FieldByColumn(field.Rel.Via)
	if via == nil {
		return nil
	}

	owner := row[model.PrimaryKey]
	if owner == nil {
		return nil
	}

	var out []storage.Row
	for _, related := range s.tables[target.Name] {
		if cmp, ok := compareValues(related[via.Name], owner); ok && cmp == 0 {
			out = append(out, related)
		}
	}
	return out
}

// findByPK returns the stored row with the given primary key, or nil.
// Callers hold s.mu.
func (s *Datastore) findByPK(model *modelgraph.Model, key any) storage.Row {
	for _, row := range s.tables[model.Name] {
		if cmp, ok := compareValues(row[model.PrimaryKey], key); ok && cmp == 0 {
			return row
		}
	}
	return nil
}

func matchSearch(model *modelgraph.Model, search *storage.SearchSpec, row storage.Row) (bool, error) {
	if len(search.Fields) == 0 {
		return false, fmt.Errorf("model '%s' has no searchable fields", model.Name)
	}

	needle := strings.ToLower(search.Query)
	for _, name := range search.Fields {
		field := model.Field(name)
		if field == nil || field.Column == "" {
			return false, fmt.Errorf("unknown search field '%s' on model '%s'", name, model.Name)
		}
		if field.Type != schema.FieldString && field.Type != schema.FieldText {
			return false, fmt.Errorf("search field '%s' on model '%s' is not text", name, model.Name)
		}

		if text, ok := row[name].(string); ok && strings.Contains(strings.ToLower(text), needle) {
			return true, nil
		}
	}
	return false, nil
}

func matchPattern(stored, value any, match func(s, substr string) bool, caseInsensitive bool) bool {
	text, ok := stored.(string)
	if !ok {
		return false
	}
	needle, ok := value.(string)
	if !ok {
		return false
	}
	if caseInsensitive {
		return match(strings.ToLower(text), strings.ToLower(needle))
	}
	return match(text, needle)
}

// sortRows orders rows in place. Nulls sort first ascending, matching the
// SQLite collation the canonical compiled form targets.
func sortRows(model *modelgraph.Model, rows []storage.Row, orderings []storage.Ordering) error {
	if len(orderings) == 0 {
		return nil
	}

	for _, ordering := range orderings {
		field := model.Field(ordering.Field)
		if field == nil || field.Column == "" {
			return fmt.Errorf("unknown ordering field '%s' on model '%s'", ordering.Field, model.Name)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, ordering := range orderings {
			cmp := compareNullable(rows[i][ordering.Field], rows[j][ordering.Field])
			if cmp == 0 {
				continue
			}
			if ordering.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

func paginate(rows []storage.Row, offset, limit int64) []storage.Row {
	if offset > 0 {
		if offset >= int64(len(rows)) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}

func aggregate(model *modelgraph.Model, rows []storage.Row, agg storage.Aggregation) (any, error) {
	if agg.Field == "" {
		if agg.Func != storage.AggCount {
			return nil, fmt.Errorf("aggregate '%s' requires a field", agg.Func)
		}
		return int64(len(rows)), nil
	}

	field := model.Field(agg.Field)
	if field == nil || field.Column == "" {
		return nil, fmt.Errorf("unknown aggregate field '%s' on model '%s'", agg.Field, model.Name)
	}

	// COUNT(col) skips nulls; the numeric aggregates operate on whatever
	// values coerce to floats.
	if agg.Func == storage.AggCount {
		var n int64
		for _, row := range rows {
			if row[field.Name] != nil {
				n++
			}
		}
		return n, nil
	}

	var values []float64
	for _, row := range rows {
		if v, ok := numericValue(row[field.Name]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		// Aggregating over no rows yields NULL, same as SQL.
		return nil, nil
	}

	var result float64
	switch agg.Func {
	case storage.AggSum:
		result = floats.Sum(values)
	case storage.AggAvg:
		return stat.Mean(values, nil), nil
	case storage.AggMin:
		result = floats.Min(values)
	case storage.AggMax:
		result = floats.Max(values)
	default:
		return nil, fmt.Errorf("unknown aggregate function '%s'", agg.Func)
	}

	if field.Type == schema.FieldInteger {
		return int64(result), nil
	}
	return result, nil
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// compareNullable orders nil before any value.
func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	cmp, ok := compareValues(a, b)
	if !ok {
		return 0
	}
	return cmp
}

// compareValues compares two stored values of the same field. It reports
// false when the two are incomparable or either is nil.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if an, ok := numericValue(a); ok {
		bn, ok := numericValue(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true

	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}

	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}

	return 0, false
}

// normalizeRow coerces incoming values to their stored forms so comparisons
// behave like their SQL counterparts. JSON fields keep their structured
// value instead of the marshaled text the SQL dialects store. Names that do
// not resolve to a stored column are dropped, matching the SQL write path.
func normalizeRow(model *modelgraph.Model, row storage.Row) (storage.Row, error) {
	out := make(storage.Row, len(row))
	for name, value := range row {
		field := model.Field(name)
		if field == nil || field.Column == "" {
			continue
		}
		if field.Type == schema.FieldJSON {
			out[name] = value
			continue
		}

		bound, err := sqlcommon.BindValue(field, value)
		if err != nil {
			return nil, err
		}
		out[name] = bound
	}
	return out, nil
}
