// Package ast defines the client-supplied query tree: one operation plus its
// modifiers and payload. Decoding is strict; unknown node tags, unknown
// lookup suffixes and malformed payload shapes are rejected here, before any
// store I/O happens.
package ast

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operation is the closed set of operations a query can request. The zero
// value is OpRead: a request whose type tag is absent or unrecognized is
// executed as a list read.
type Operation int

const (
	OpRead Operation = iota
	OpCreate
	OpBulkCreate
	OpUpdate
	OpUpdateInstance
	OpDelete
	OpDeleteInstance
	OpGet
	OpGetOrCreate
	OpUpdateOrCreate
	OpFirst
	OpLast
	OpExists
	OpCount
	OpSum
	OpAvg
	OpMin
	OpMax
	OpAggregate
)

var operationNames = map[Operation]string{
	OpRead:           "read",
	OpCreate:         "create",
	OpBulkCreate:     "bulk_create",
	OpUpdate:         "update",
	OpUpdateInstance: "update_instance",
	OpDelete:         "delete",
	OpDeleteInstance: "delete_instance",
	OpGet:            "get",
	OpGetOrCreate:    "get_or_create",
	OpUpdateOrCreate: "update_or_create",
	OpFirst:          "first",
	OpLast:           "last",
	OpExists:         "exists",
	OpCount:          "count",
	OpSum:            "sum",
	OpAvg:            "avg",
	OpMin:            "min",
	OpMax:            "max",
	OpAggregate:      "aggregate",
}

var operationValues = func() map[string]Operation {
	m := make(map[string]Operation, len(operationNames))
	for op, name := range operationNames {
		m[name] = op
	}
	return m
}()

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "read"
}

// ParseOperation maps a type tag to its Operation. Unrecognized tags map to
// OpRead; that fallback is part of the wire contract, not an error.
func ParseOperation(s string) Operation {
	if op, ok := operationValues[s]; ok {
		return op
	}
	return OpRead
}

// IsWrite reports whether the operation can mutate rows.
func (o Operation) IsWrite() bool {
	switch o {
	case OpCreate, OpBulkCreate, OpUpdate, OpUpdateInstance, OpDelete, OpDeleteInstance, OpGetOrCreate, OpUpdateOrCreate:
		return true
	default:
		return false
	}
}

// Search is the free-text search block of a query.
type Search struct {
	SearchQuery  string   `json:"searchQuery"`
	SearchFields []string `json:"searchFields,omitempty"`
}

// Query is one decoded operation.
type Query struct {
	Op Operation

	Filter          *FilterNode
	Exclude         *FilterNode
	OrderBy         []string
	SelectRelated   []string
	PrefetchRelated []string
	Fields          []string
	Search          *Search

	// Data carries the payload of create/bulk_create/update operations.
	// Its shape (object vs list) is checked by the accessors below.
	Data json.RawMessage

	Lookup   map[string]any
	Defaults map[string]any

	// Field is the target of the single-function aggregates.
	Field string

	// Aggregates maps aggregate function name to target field for the
	// combined aggregate operation.
	Aggregates map[string]string
}

type queryJSON struct {
	Type            string            `json:"type"`
	Filter          *FilterNode       `json:"filter"`
	Exclude         *FilterNode       `json:"exclude"`
	OrderBy         []string          `json:"orderBy"`
	SelectRelated   []string          `json:"selectRelated"`
	PrefetchRelated []string          `json:"prefetchRelated"`
	Fields          []string          `json:"fields"`
	Search          *Search           `json:"search"`
	Data            json.RawMessage   `json:"data"`
	Lookup          map[string]any    `json:"lookup"`
	Defaults        map[string]any    `json:"defaults"`
	Field           string            `json:"field"`
	Aggregates      map[string]string `json:"aggregates"`
}

// UnmarshalJSON decodes a query strictly: unknown keys are an error.
func (q *Query) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw queryJSON
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	q.Op = ParseOperation(raw.Type)
	q.Filter = raw.Filter
	q.Exclude = raw.Exclude
	q.OrderBy = raw.OrderBy
	q.SelectRelated = raw.SelectRelated
	q.PrefetchRelated = raw.PrefetchRelated
	q.Fields = raw.Fields
	q.Search = raw.Search
	q.Data = raw.Data
	q.Lookup = raw.Lookup
	q.Defaults = raw.Defaults
	q.Field = raw.Field
	q.Aggregates = raw.Aggregates

	return q.validate()
}

func (q *Query) validate() error {
	switch q.Op {
	case OpSum, OpAvg, OpMin, OpMax:
		if q.Field == "" {
			return fmt.Errorf("operation '%s' requires 'field'", q.Op)
		}
	case OpAggregate:
		if len(q.Aggregates) == 0 {
			return fmt.Errorf("operation 'aggregate' requires 'aggregates'")
		}
		for fn := range q.Aggregates {
			switch fn {
			case "count", "sum", "avg", "min", "max":
			default:
				return fmt.Errorf("unknown aggregate function '%s'", fn)
			}
		}
	case OpDeleteInstance, OpUpdateInstance:
		if q.Filter == nil {
			return fmt.Errorf("operation '%s' requires a filter", q.Op)
		}
	case OpGetOrCreate, OpUpdateOrCreate:
		if len(q.Lookup) == 0 {
			return fmt.Errorf("operation '%s' requires 'lookup'", q.Op)
		}
	case OpCreate, OpBulkCreate, OpUpdate:
		if len(q.Data) == 0 {
			return fmt.Errorf("operation '%s' requires 'data'", q.Op)
		}
	}

	if q.Search != nil && q.Search.SearchQuery == "" {
		return fmt.Errorf("search block requires 'searchQuery'")
	}
	return nil
}

// DataObject decodes Data as a single object payload.
func (q *Query) DataObject() (map[string]any, error) {
	if len(q.Data) == 0 {
		return nil, fmt.Errorf("operation '%s' requires 'data'", q.Op)
	}
	var obj map[string]any
	if err := json.Unmarshal(q.Data, &obj); err != nil {
		return nil, fmt.Errorf("'data' must be an object for operation '%s'", q.Op)
	}
	return obj, nil
}

// DataList decodes Data as a list-of-objects payload.
func (q *Query) DataList() ([]map[string]any, error) {
	if len(q.Data) == 0 {
		return nil, fmt.Errorf("operation '%s' requires 'data'", q.Op)
	}
	var list []map[string]any
	if err := json.Unmarshal(q.Data, &list); err != nil {
		return nil, fmt.Errorf("'data' must be a list of objects for operation '%s'", q.Op)
	}
	return list, nil
}

// SerializerOptions tune response shaping and pagination. Pointer fields
// distinguish "absent" from zero.
type SerializerOptions struct {
	Fields []string `json:"fields,omitempty"`
	Depth  *int     `json:"depth,omitempty"`
	Offset *int     `json:"offset,omitempty"`
	Limit  *int     `json:"limit,omitempty"`
}

// Envelope is the full request body.
type Envelope struct {
	Query             Query             `json:"query"`
	SerializerOptions SerializerOptions `json:"serializerOptions"`
}

// DecodeRequest parses a request body. Unknown envelope keys are rejected.
func DecodeRequest(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}

	if env.SerializerOptions.Depth != nil && *env.SerializerOptions.Depth < 0 {
		return nil, fmt.Errorf("serializerOptions.depth must be >= 0")
	}
	if env.SerializerOptions.Offset != nil && *env.SerializerOptions.Offset < 0 {
		return nil, fmt.Errorf("serializerOptions.offset must be >= 0")
	}
	if env.SerializerOptions.Limit != nil && *env.SerializerOptions.Limit < 0 {
		return nil, fmt.Errorf("serializerOptions.limit must be >= 0")
	}
	return &env, nil
}
