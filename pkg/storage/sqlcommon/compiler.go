package sqlcommon

import (
	"fmt"
	"math"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/storage"
)

// Compiler renders symbolic queries to SQL. Rendering is deterministic:
// filter conditions are already sorted at decode time, so equal queries
// compile to byte-identical text, which the result cache keys on.
//
// Relation paths compile to nested IN subqueries rather than joins, so the
// row projection never widens and needs no deduplication.
type Compiler struct {
	dialect     string
	placeholder sq.PlaceholderFormat

	// likeEscape is appended to LIKE expressions on dialects without a
	// default escape character.
	likeEscape string

	// requiresLimitForOffset marks dialects that reject OFFSET without a
	// LIMIT clause.
	requiresLimitForOffset bool
}

// NewCompiler returns a compiler for one of sqlite, postgres or mysql.
func NewCompiler(dialect string) *Compiler {
	c := &Compiler{
		dialect:     dialect,
		placeholder: sq.Question,
	}

	switch dialect {
	case "postgres":
		c.placeholder = sq.Dollar
	case "mysql":
		c.requiresLimitForOffset = true
	default:
		// SQLite has no default LIKE escape character.
		c.likeEscape = " ESCAPE '\\'"
		c.requiresLimitForOffset = true
	}

	return c
}

// Compile renders q to its canonical text plus bound parameters.
func (c *Compiler) Compile(q *storage.Query) (*storage.CompiledQuery, error) {
	sb, err := c.SelectBuilder(q)
	if err != nil {
		return nil, err
	}

	sqlText, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("compile query for model '%s': %w", q.Model.Name, err)
	}

	return &storage.CompiledQuery{SQL: sqlText, Args: args}, nil
}

// SelectFields resolves q's projection to field descriptors, primary key
// first. Many-valued relations have no backing column and are skipped.
func (c *Compiler) SelectFields(q *storage.Query) ([]*modelgraph.Field, error) {
	pk := q.Model.PK()
	fields := []*modelgraph.Field{pk}

	if len(q.Columns) == 0 {
		for _, field := range q.Model.Fields {
			if field.Column == "" || field == pk {
				continue
			}
			fields = append(fields, field)
		}
		return fields, nil
	}

	for _, name := range q.Columns {
		field := q.Model.Field(name)
		if field == nil {
			return nil, fmt.Errorf("unknown field '%s' on model '%s'", name, q.Model.Name)
		}
		if field.Column == "" || field == pk {
			continue
		}
		fields = append(fields, field)
	}
	return fields, nil
}

// SelectBuilder assembles the full SELECT for q.
func (c *Compiler) SelectBuilder(q *storage.Query) (sq.SelectBuilder, error) {
	if len(q.Aggregations) > 0 {
		return c.aggregateBuilder(q)
	}

	fields, err := c.SelectFields(q)
	if err != nil {
		return sq.SelectBuilder{}, err
	}

	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, field.Column)
	}

	sb := sq.Select(columns...).
		From(q.Model.Table).
		PlaceholderFormat(c.placeholder)

	if q.Distinct {
		sb = sb.Distinct()
	}

	predicates, err := c.WherePredicates(q)
	if err != nil {
		return sq.SelectBuilder{}, err
	}
	for _, predicate := range predicates {
		sb = sb.Where(predicate)
	}

	for _, ordering := range q.Orderings {
		clause, err := c.orderClause(q.Model, ordering)
		if err != nil {
			return sq.SelectBuilder{}, err
		}
		sb = sb.OrderBy(clause)
	}

	switch {
	case q.Limit >= 0:
		sb = sb.Limit(uint64(q.Limit))
	case q.Offset >= 0 && c.requiresLimitForOffset:
		sb = sb.Limit(math.MaxInt64)
	}
	if q.Offset >= 0 {
		sb = sb.Offset(uint64(q.Offset))
	}

	return sb, nil
}

func (c *Compiler) aggregateBuilder(q *storage.Query) (sq.SelectBuilder, error) {
	projections := make([]string, 0, len(q.Aggregations))
	for _, agg := range q.Aggregations {
		expr, err := c.aggregateExpr(q, agg)
		if err != nil {
			return sq.SelectBuilder{}, err
		}
		projections = append(projections, expr+" AS "+agg.Alias())
	}

	sb := sq.Select(projections...).
		From(q.Model.Table).
		PlaceholderFormat(c.placeholder)

	predicates, err := c.WherePredicates(q)
	if err != nil {
		return sq.SelectBuilder{}, err
	}
	for _, predicate := range predicates {
		sb = sb.Where(predicate)
	}

	return sb, nil
}

func (c *Compiler) aggregateExpr(q *storage.Query, agg storage.Aggregation) (string, error) {
	switch agg.Func {
	case storage.AggCount, storage.AggSum, storage.AggAvg, storage.AggMin, storage.AggMax:
	default:
		return "", fmt.Errorf("unknown aggregate function '%s'", agg.Func)
	}

	if agg.Field == "" {
		if agg.Func != storage.AggCount {
			return "", fmt.Errorf("aggregate '%s' requires a field", agg.Func)
		}
		return "COUNT(*)", nil
	}

	field := q.Model.Field(agg.Field)
	if field == nil || field.Column == "" {
		return "", fmt.Errorf("unknown aggregate field '%s' on model '%s'", agg.Field, q.Model.Name)
	}

	if agg.Func == storage.AggCount && q.Distinct {
		return "COUNT(DISTINCT " + field.Column + ")", nil
	}
	return strings.ToUpper(agg.Func) + "(" + field.Column + ")", nil
}

// WherePredicates renders q's filters, excludes and search block. The
// slice's order follows the query value, so it is stable across requests.
func (c *Compiler) WherePredicates(q *storage.Query) ([]sq.Sqlizer, error) {
	var predicates []sq.Sqlizer

	for _, node := range q.Filters {
		predicate, err := c.nodePredicate(q.Model, node)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, predicate)
	}

	for _, node := range q.Excludes {
		predicate, err := c.nodePredicate(q.Model, node)
		if err != nil {
			return nil, err
		}
		negated, err := negate(predicate)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, negated)
	}

	if q.Search != nil {
		predicate, err := c.searchPredicate(q.Model, q.Search)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, predicate)
	}

	return predicates, nil
}

func (c *Compiler) nodePredicate(model *modelgraph.Model, node *ast.FilterNode) (sq.Sqlizer, error) {
	switch node.Kind {
	case ast.NodeFilter:
		return c.conditionsPredicate(model, node.Conditions)

	case ast.NodeExclude:
		inner, err := c.conditionsPredicate(model, node.Conditions)
		if err != nil {
			return nil, err
		}
		return negate(inner)

	case ast.NodeAnd, ast.NodeOr:
		parts := make([]sq.Sqlizer, 0, len(node.Children))
		for _, child := range node.Children {
			part, err := c.nodePredicate(model, child)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		if node.Kind == ast.NodeAnd {
			return sq.And(parts), nil
		}
		return sq.Or(parts), nil

	case ast.NodeNot:
		inner, err := c.nodePredicate(model, node.Child)
		if err != nil {
			return nil, err
		}
		return negate(inner)

	default:
		return nil, fmt.Errorf("unknown filter node kind '%s'", node.Kind)
	}
}

func (c *Compiler) conditionsPredicate(model *modelgraph.Model, conditions []ast.Condition) (sq.Sqlizer, error) {
	// An empty leaf matches every row.
	if len(conditions) == 0 {
		return sq.Expr("(1 = 1)"), nil
	}

	parts := make([]sq.Sqlizer, 0, len(conditions))
	for _, condition := range conditions {
		part, err := c.pathPredicate(model, condition.Path, condition.Lookup, condition.Value, condition.Raw)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return sq.And(parts), nil
}

// pathPredicate walks a dotted condition path, wrapping the leaf predicate
// in one IN subquery per relation hop.
func (c *Compiler) pathPredicate(model *modelgraph.Model, path []string, lookup ast.Lookup, value any, raw string) (sq.Sqlizer, error) {
	field := model.Field(path[0])
	if field == nil {
		return nil, fmt.Errorf("unknown filter field '%s' on model '%s'", raw, model.Name)
	}

	if len(path) == 1 {
		return c.leafPredicate(model, field, lookup, value, raw)
	}

	if !field.IsRelation() {
		return nil, fmt.Errorf("field '%s' in filter '%s' is not a relation", path[0], raw)
	}

	inner, err := c.pathPredicate(field.Rel.To, path[1:], lookup, value, raw)
	if err != nil {
		return nil, err
	}

	return c.relationSubquery(model, field, inner)
}

// relationSubquery wraps inner (a predicate over the relation's target
// model) into a membership test against the owning model's rows.
func (c *Compiler) relationSubquery(model *modelgraph.Model, field *modelgraph.Field, inner sq.Sqlizer) (sq.Sqlizer, error) {
	innerSQL, innerArgs, err := inner.ToSql()
	if err != nil {
		return nil, err
	}

	target := field.Rel.To
	if field.Rel.Many {
		sub := fmt.Sprintf("SELECT %s FROM %s WHERE %s", field.Rel.Via, target.Table, innerSQL)
		return sq.Expr(model.PK().Column+" IN ("+sub+")", innerArgs...), nil
	}

	sub := fmt.Sprintf("SELECT %s FROM %s WHERE %s", target.PK().Column, target.Table, innerSQL)
	return sq.Expr(field.Column+" IN ("+sub+")", innerArgs...), nil
}

func (c *Compiler) leafPredicate(model *modelgraph.Model, field *modelgraph.Field, lookup ast.Lookup, value any, raw string) (sq.Sqlizer, error) {
	if field.IsRelation() && field.Rel.Many {
		// A terminal many-valued relation compares against the target's
		// primary key: {"books": 5} matches authors with book 5.
		target := field.Rel.To
		inner, err := c.leafPredicate(target, target.PK(), lookup, value, raw)
		if err != nil {
			return nil, err
		}
		return c.relationSubquery(model, field, inner)
	}

	if field.IsRelation() {
		switch lookup {
		case ast.LookupEq, ast.LookupExact, ast.LookupIn, ast.LookupIsNull:
		default:
			return nil, fmt.Errorf("lookup '%s' is not supported on relation '%s'", lookup, field.Name)
		}
	}

	col := field.Column

	switch lookup {
	case ast.LookupEq, ast.LookupExact:
		bound, err := BindValue(field, value)
		if err != nil {
			return nil, err
		}
		return sq.Eq{col: bound}, nil

	case ast.LookupIn:
		list, _ := value.([]any)
		bounds := make([]any, 0, len(list))
		for _, element := range list {
			bound, err := BindValue(field, element)
			if err != nil {
				return nil, err
			}
			bounds = append(bounds, bound)
		}
		return sq.Eq{col: bounds}, nil

	case ast.LookupLt:
		return sq.Lt{col: value}, nil
	case ast.LookupLte:
		return sq.LtOrEq{col: value}, nil
	case ast.LookupGt:
		return sq.Gt{col: value}, nil
	case ast.LookupGte:
		return sq.GtOrEq{col: value}, nil

	case ast.LookupIsNull:
		if value == true {
			return sq.Eq{col: nil}, nil
		}
		return sq.NotEq{col: nil}, nil

	case ast.LookupContains:
		return c.likeExpr(col, "%"+escapeLike(value.(string))+"%", false), nil
	case ast.LookupIContains:
		return c.likeExpr(col, "%"+escapeLike(strings.ToLower(value.(string)))+"%", true), nil
	case ast.LookupStartsWith:
		return c.likeExpr(col, escapeLike(value.(string))+"%", false), nil
	case ast.LookupIStartsWith:
		return c.likeExpr(col, escapeLike(strings.ToLower(value.(string)))+"%", true), nil
	case ast.LookupEndsWith:
		return c.likeExpr(col, "%"+escapeLike(value.(string)), false), nil
	case ast.LookupIEndsWith:
		return c.likeExpr(col, "%"+escapeLike(strings.ToLower(value.(string))), true), nil

	default:
		return nil, fmt.Errorf("unknown lookup '%s' in filter '%s'", lookup, raw)
	}
}

func (c *Compiler) likeExpr(col, pattern string, caseInsensitive bool) sq.Sqlizer {
	if caseInsensitive {
		return sq.Expr("LOWER("+col+") LIKE ?"+c.likeEscape, pattern)
	}
	return sq.Expr(col+" LIKE ?"+c.likeEscape, pattern)
}

func (c *Compiler) searchPredicate(model *modelgraph.Model, search *storage.SearchSpec) (sq.Sqlizer, error) {
	if len(search.Fields) == 0 {
		return nil, fmt.Errorf("model '%s' has no searchable fields", model.Name)
	}

	pattern := "%" + escapeLike(strings.ToLower(search.Query)) + "%"
	parts := make([]sq.Sqlizer, 0, len(search.Fields))
	for _, name := range search.Fields {
		field := model.Field(name)
		if field == nil || field.Column == "" {
			return nil, fmt.Errorf("unknown search field '%s' on model '%s'", name, model.Name)
		}
		if field.Type != schema.FieldString && field.Type != schema.FieldText {
			return nil, fmt.Errorf("search field '%s' on model '%s' is not text", name, model.Name)
		}
		parts = append(parts, c.likeExpr(field.Column, pattern, true))
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return sq.Or(parts), nil
}

func (c *Compiler) orderClause(model *modelgraph.Model, ordering storage.Ordering) (string, error) {
	field := model.Field(ordering.Field)
	if field == nil || field.Column == "" {
		return "", fmt.Errorf("unknown ordering field '%s' on model '%s'", ordering.Field, model.Name)
	}
	if ordering.Desc {
		return field.Column + " DESC", nil
	}
	return field.Column + " ASC", nil
}

func negate(s sq.Sqlizer) (sq.Sqlizer, error) {
	sqlText, args, err := s.ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr("NOT ("+sqlText+")", args...), nil
}

// escapeLike escapes the LIKE pattern metacharacters in a literal value.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
