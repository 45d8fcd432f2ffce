package ast

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NodeKind tags a filter tree node.
type NodeKind string

const (
	NodeFilter  NodeKind = "filter"
	NodeExclude NodeKind = "exclude"
	NodeAnd     NodeKind = "and"
	NodeOr      NodeKind = "or"
	NodeNot     NodeKind = "not"
)

// Lookup is a condition operator suffix (Django-style).
type Lookup string

const (
	LookupEq          Lookup = "eq"
	LookupExact       Lookup = "exact"
	LookupContains    Lookup = "contains"
	LookupIContains   Lookup = "icontains"
	LookupStartsWith  Lookup = "startswith"
	LookupIStartsWith Lookup = "istartswith"
	LookupEndsWith    Lookup = "endswith"
	LookupIEndsWith   Lookup = "iendswith"
	LookupLt          Lookup = "lt"
	LookupGt          Lookup = "gt"
	LookupLte         Lookup = "lte"
	LookupGte         Lookup = "gte"
	LookupIn          Lookup = "in"
	LookupIsNull      Lookup = "isnull"
)

var lookups = map[Lookup]struct{}{
	LookupEq: {}, LookupExact: {}, LookupContains: {}, LookupIContains: {},
	LookupStartsWith: {}, LookupIStartsWith: {}, LookupEndsWith: {}, LookupIEndsWith: {},
	LookupLt: {}, LookupGt: {}, LookupLte: {}, LookupGte: {}, LookupIn: {}, LookupIsNull: {},
}

// IsEquality reports whether the lookup constrains a field to specific
// values (equality or membership). Namespace extraction keeps only these.
func (l Lookup) IsEquality() bool {
	return l == LookupEq || l == LookupExact || l == LookupIn
}

// Condition is one parsed leaf condition. Path holds the field reference:
// zero or more relation hops followed by the target field.
type Condition struct {
	Path   []string
	Lookup Lookup
	Value  any

	// Raw is the original condition key, kept for error reporting and
	// namespace extraction.
	Raw string
}

// FieldPath returns the path without the lookup suffix, joined by "__".
func (c Condition) FieldPath() string {
	return strings.Join(c.Path, "__")
}

// parseConditionKey splits "field__hop__lookup" into its path and lookup.
// A key without a recognized trailing lookup is an equality condition.
func parseConditionKey(key string) ([]string, Lookup, error) {
	segments := strings.Split(key, "__")
	for _, s := range segments {
		if s == "" {
			return nil, "", fmt.Errorf("invalid condition key '%s'", key)
		}
	}

	lookup := LookupEq
	if len(segments) > 1 {
		if _, ok := lookups[Lookup(segments[len(segments)-1])]; ok {
			lookup = Lookup(segments[len(segments)-1])
			segments = segments[:len(segments)-1]
		}
	}
	return segments, lookup, nil
}

func validateConditionValue(key string, lookup Lookup, value any) error {
	switch lookup {
	case LookupIsNull:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("condition '%s' requires a boolean value", key)
		}
	case LookupIn:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("condition '%s' requires a list value", key)
		}
	case LookupContains, LookupIContains, LookupStartsWith, LookupIStartsWith, LookupEndsWith, LookupIEndsWith:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("condition '%s' requires a string value", key)
		}
	case LookupLt, LookupGt, LookupLte, LookupGte:
		switch value.(type) {
		case float64, string:
		default:
			return fmt.Errorf("condition '%s' requires a number or string value", key)
		}
	}
	return nil
}

// FilterNode is one node of a filter tree: a tagged union over
// {filter|exclude leaf, and, or, not}.
type FilterNode struct {
	Kind NodeKind

	// Conditions is set on filter/exclude leaves, sorted by Raw key so the
	// compiled query text is stable across identical requests.
	Conditions []Condition

	// Children is set on and/or nodes.
	Children []*FilterNode

	// Child is set on not nodes.
	Child *FilterNode
}

// maxFilterDepth bounds filter tree nesting.
const maxFilterDepth = 64

type filterNodeJSON struct {
	Type       string            `json:"type"`
	Conditions map[string]any    `json:"conditions"`
	Children   []json.RawMessage `json:"children"`
	Child      json.RawMessage   `json:"child"`
}

// UnmarshalJSON decodes a filter node, rejecting unknown tags and malformed
// payloads at parse time rather than deep in evaluation.
func (n *FilterNode) UnmarshalJSON(data []byte) error {
	return n.decode(data, 0)
}

func (n *FilterNode) decode(data []byte, depth int) error {
	if depth > maxFilterDepth {
		return fmt.Errorf("filter tree exceeds maximum depth of %d", maxFilterDepth)
	}

	var raw filterNodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid filter node: %w", err)
	}

	switch NodeKind(raw.Type) {
	case NodeFilter, NodeExclude:
		if raw.Children != nil || len(raw.Child) > 0 {
			return fmt.Errorf("'%s' node cannot carry children", raw.Type)
		}
		n.Kind = NodeKind(raw.Type)
		return n.decodeConditions(raw.Conditions)

	case NodeAnd, NodeOr:
		if len(raw.Children) == 0 {
			return fmt.Errorf("'%s' node requires at least one child", raw.Type)
		}
		if raw.Conditions != nil || len(raw.Child) > 0 {
			return fmt.Errorf("'%s' node cannot carry conditions", raw.Type)
		}
		n.Kind = NodeKind(raw.Type)
		n.Children = make([]*FilterNode, 0, len(raw.Children))
		for _, childData := range raw.Children {
			child := &FilterNode{}
			if err := child.decode(childData, depth+1); err != nil {
				return err
			}
			n.Children = append(n.Children, child)
		}
		return nil

	case NodeNot:
		if len(raw.Child) == 0 {
			return fmt.Errorf("'not' node requires a child")
		}
		if raw.Conditions != nil || raw.Children != nil {
			return fmt.Errorf("'not' node cannot carry conditions")
		}
		n.Kind = NodeNot
		n.Child = &FilterNode{}
		return n.Child.decode(raw.Child, depth+1)

	case "":
		return fmt.Errorf("filter node is missing its 'type' tag")

	default:
		return fmt.Errorf("unknown filter node type '%s'", raw.Type)
	}
}

func (n *FilterNode) decodeConditions(raw map[string]any) error {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	n.Conditions = make([]Condition, 0, len(keys))
	for _, key := range keys {
		path, lookup, err := parseConditionKey(key)
		if err != nil {
			return err
		}
		value := raw[key]
		if err := validateConditionValue(key, lookup, value); err != nil {
			return err
		}
		n.Conditions = append(n.Conditions, Condition{
			Path:   path,
			Lookup: lookup,
			Value:  value,
			Raw:    key,
		})
	}
	return nil
}

// NewConditionNode builds a filter or exclude leaf from plain field=value
// conditions, validating keys and values the same way the wire decoder does.
func NewConditionNode(kind NodeKind, conditions map[string]any) (*FilterNode, error) {
	if kind != NodeFilter && kind != NodeExclude {
		return nil, fmt.Errorf("'%s' node cannot be built from conditions", kind)
	}
	node := &FilterNode{Kind: kind}
	if err := node.decodeConditions(conditions); err != nil {
		return nil, err
	}
	return node, nil
}

// Walk visits every node of the tree depth-first, leaves included.
func (n *FilterNode) Walk(visit func(*FilterNode)) {
	if n == nil {
		return
	}
	visit(n)
	for _, child := range n.Children {
		child.Walk(visit)
	}
	if n.Child != nil {
		n.Child.Walk(visit)
	}
}
