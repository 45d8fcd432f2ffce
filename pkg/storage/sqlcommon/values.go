package sqlcommon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/schema"
)

// timeLayouts covers the formats the supported drivers hand back for
// timestamp columns when they do not scan to time.Time natively.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time value '%s'", s)
}

func toTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	default:
		return time.Time{}, fmt.Errorf("unsupported time value of type %T", raw)
	}
}

// BindValue converts a field value from its decoded JSON form to what the
// driver should bind. Type and nullability validation happens upstream in
// the serializer; this only bridges representation gaps.
func BindValue(field *modelgraph.Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	fieldType := field.Type
	if field.IsRelation() {
		fieldType = field.Rel.To.PK().Type
	}

	switch fieldType {
	case schema.FieldInteger:
		switch v := value.(type) {
		case float64:
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case schema.FieldFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case schema.FieldBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case schema.FieldString, schema.FieldText:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case schema.FieldDatetime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			return parseTime(v)
		}
	case schema.FieldJSON:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cannot encode json value for field '%s': %w", field.Name, err)
		}
		return string(data), nil
	}

	return nil, fmt.Errorf("cannot bind value of type %T for field '%s'", value, field.Name)
}

// fromScanValue converts a scanned driver value back to the field's wire
// representation.
func fromScanValue(field *modelgraph.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	fieldType := field.Type
	if field.IsRelation() {
		fieldType = field.Rel.To.PK().Type
	}

	switch fieldType {
	case schema.FieldInteger:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case []byte:
			return strconv.ParseInt(string(v), 10, 64)
		}
	case schema.FieldFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case []byte:
			return strconv.ParseFloat(string(v), 64)
		}
	case schema.FieldBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		}
	case schema.FieldString, schema.FieldText:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case schema.FieldDatetime:
		return toTime(raw)
	case schema.FieldJSON:
		var data []byte
		switch v := raw.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		}
		if data != nil {
			var decoded any
			if err := json.Unmarshal(data, &decoded); err != nil {
				return nil, fmt.Errorf("cannot decode json value for field '%s': %w", field.Name, err)
			}
			return decoded, nil
		}
	}

	return nil, fmt.Errorf("cannot scan value of type %T for field '%s'", raw, field.Name)
}

// normalizeAggregateValue widens driver-specific aggregate results. MySQL
// reports SUM and AVG over integer columns as decimal byte slices.
func normalizeAggregateValue(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int64:
		return v, nil
	case float64:
		return v, nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return nil, fmt.Errorf("unsupported aggregate value of type %T", raw)
	}
}
