// Package serializer converts between store rows and the normalized wire
// shape, and validates inbound write payloads. The per-operation field maps
// are a hard boundary on both directions: fields outside the map are omitted
// from responses and dropped from payloads.
package serializer

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/scopeq/scopeq/internal/fields"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/schema"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
)

// Normalized is the denormalization-avoiding response shape: Data carries
// primary keys (a list, or a scalar for single instances) and Included holds
// each record exactly once, keyed by model name and primary key.
type Normalized struct {
	Data      any                               `json:"data"`
	Included  map[string]map[string]storage.Row `json:"included"`
	ModelName string                            `json:"model_name"`
}

func (n *Normalized) include(model *modelgraph.Model, key string, record storage.Row) {
	records, ok := n.Included[model.Name]
	if !ok {
		records = make(map[string]storage.Row)
		n.Included[model.Name] = records
	}
	records[key] = record
}

// RelatedRows are rows of a related model fetched alongside the primary
// rows, to be folded into the Included section.
type RelatedRows struct {
	Model *modelgraph.Model
	Rows  []storage.Row
}

// Serializer is stateless; one instance serves all requests.
type Serializer struct{}

func New() *Serializer {
	return &Serializer{}
}

// SerializeList normalizes a list of rows. Each row and each related row is
// projected through readMap; models without a usable map entry fall back to
// their identifier and display fields.
func (s *Serializer) SerializeList(model *modelgraph.Model, rows []storage.Row, related []RelatedRows, readMap fields.Map) (*Normalized, error) {
	out := &Normalized{
		Included:  make(map[string]map[string]storage.Row),
		ModelName: model.Name,
	}

	pks := make([]any, 0, len(rows))
	for _, row := range rows {
		pk, key, err := rowKey(model, row)
		if err != nil {
			return nil, err
		}
		pks = append(pks, pk)
		out.include(model, key, projectRow(model, row, readMap))
	}
	out.Data = pks

	if err := s.includeRelated(out, related, readMap); err != nil {
		return nil, err
	}
	return out, nil
}

// SerializeInstance normalizes a single row; Data carries its primary key.
func (s *Serializer) SerializeInstance(model *modelgraph.Model, row storage.Row, related []RelatedRows, readMap fields.Map) (*Normalized, error) {
	out := &Normalized{
		Included:  make(map[string]map[string]storage.Row),
		ModelName: model.Name,
	}

	pk, key, err := rowKey(model, row)
	if err != nil {
		return nil, err
	}
	out.Data = pk
	out.include(model, key, projectRow(model, row, readMap))

	if err := s.includeRelated(out, related, readMap); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Serializer) includeRelated(out *Normalized, related []RelatedRows, readMap fields.Map) error {
	for _, rel := range related {
		for _, row := range rel.Rows {
			_, key, err := rowKey(rel.Model, row)
			if err != nil {
				return err
			}
			out.include(rel.Model, key, projectRow(rel.Model, row, readMap))
		}
	}
	return nil
}

// Deserialize validates a write payload against the model's declared field
// types, keeping only fields named in writeMap's entry for the model.
// Unauthorized and undeclared fields are dropped, not rejected. With partial
// set, absent fields are fine (update semantics); otherwise every allowed
// non-nullable scalar field except the primary key must be present.
//
// All field failures are collected into one validation error keyed by field
// name.
func (s *Serializer) Deserialize(model *modelgraph.Model, payload map[string]any, writeMap fields.Map, partial bool) (storage.Row, error) {
	allowed, _ := writeMap.Lookup(model.Name)

	row := make(storage.Row, len(payload))
	fieldErrs := make(map[string]string)

	for name, value := range payload {
		if !allowed.Has(name) {
			continue
		}
		field := model.Field(name)
		if field == nil {
			continue
		}

		converted, err := convertValue(field, value)
		if err != nil {
			fieldErrs[name] = err.Error()
			continue
		}
		row[name] = converted
	}

	if !partial {
		for _, name := range allowed.Names() {
			field := model.Field(name)
			if field == nil || field.Name == model.PrimaryKey || field.IsRelation() && field.Rel.Many {
				continue
			}
			if field.Nullable {
				continue
			}
			if _, ok := row[name]; !ok {
				if _, failed := fieldErrs[name]; !failed {
					fieldErrs[name] = "this field is required"
				}
			}
		}
	}

	if len(fieldErrs) > 0 {
		return nil, serverErrors.ValidationError(fmt.Sprintf("invalid payload for model '%s'", model.Name), fieldErrs)
	}
	return row, nil
}

// convertValue checks value against the field's declared type and returns
// the storable form.
func convertValue(field *modelgraph.Field, value any) (any, error) {
	if value == nil {
		if !field.Nullable {
			return nil, fmt.Errorf("may not be null")
		}
		return nil, nil
	}

	if field.IsRelation() {
		if field.Rel.Many {
			return nil, fmt.Errorf("many-valued relations cannot be assigned directly")
		}
		return convertPK(value)
	}

	switch field.Type {
	case schema.FieldInteger:
		return convertInteger(value)
	case schema.FieldFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("must be a number")
	case schema.FieldString, schema.FieldText:
		if v, ok := value.(string); ok {
			return v, nil
		}
		return nil, fmt.Errorf("must be a string")
	case schema.FieldBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("must be a boolean")
	case schema.FieldDatetime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("must be an RFC 3339 datetime")
			}
			return ts, nil
		}
		return nil, fmt.Errorf("must be an RFC 3339 datetime")
	case schema.FieldJSON:
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported field type '%s'", field.Type)
	}
}

func convertInteger(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("must be an integer")
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return nil, fmt.Errorf("must be an integer")
}

func convertPK(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("must be a primary key value")
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return nil, fmt.Errorf("must be a primary key value")
}

// projectRow keeps the row's fields granted by the map, in the map's terms:
// models without a usable entry expose only identifier and display fields.
func projectRow(model *modelgraph.Model, row storage.Row, readMap fields.Map) storage.Row {
	effective := readMap.Effective(model)
	out := make(storage.Row, len(effective))
	for _, name := range effective {
		if value, ok := row[name]; ok {
			out[name] = value
		}
	}
	return out
}

func rowKey(model *modelgraph.Model, row storage.Row) (any, string, error) {
	pk, ok := row[model.PrimaryKey]
	if !ok || pk == nil {
		return nil, "", fmt.Errorf("serializer: row of model '%s' is missing its primary key", model.Name)
	}
	return pk, pkKey(pk), nil
}

func pkKey(pk any) string {
	switch v := pk.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
