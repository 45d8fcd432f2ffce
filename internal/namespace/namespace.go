// Package namespace reduces a query's filter tree to the conjunctive
// equality view events carry: field (or field__in) → value. Consumers match
// changed rows against these scopes, so a condition may only appear when it
// is guaranteed to hold for every row the query touches.
package namespace

import (
	"encoding/json"

	"github.com/scopeq/scopeq/internal/ast"
)

// Namespace is the reduced filter: raw condition key → value. Only equality
// and membership conditions survive the reduction.
type Namespace map[string]any

// FromFilter extracts the namespace from filter nodes. The nodes are treated
// as ANDed (the executor ANDs its filters); within a node only leaf filter
// conditions and AND children contribute. OR, NOT and exclude branches do
// not pin a value for every matching row and are skipped.
func FromFilter(nodes ...*ast.FilterNode) Namespace {
	ns := make(Namespace)
	for _, node := range nodes {
		collect(node, ns)
	}
	return ns
}

func collect(node *ast.FilterNode, ns Namespace) {
	if node == nil {
		return
	}
	switch node.Kind {
	case ast.NodeFilter:
		for _, cond := range node.Conditions {
			if cond.Lookup.IsEquality() {
				ns[cond.Raw] = cond.Value
			}
		}
	case ast.NodeAnd:
		for _, child := range node.Children {
			collect(child, ns)
		}
	}
}

// FromPayload extracts the namespace of a create: every scalar field of the
// payload is an equality the created row satisfies. Nested objects, lists
// and nulls are skipped.
func FromPayload(data map[string]any) Namespace {
	ns := make(Namespace, len(data))
	for field, value := range data {
		switch value.(type) {
		case string, bool, float64:
			ns[field] = value
		}
	}
	return ns
}

// Encode renders the namespace as canonical JSON; map keys marshal in sorted
// order, so equal namespaces encode identically. The empty namespace encodes
// as "{}".
func (n Namespace) Encode() string {
	if len(n) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(n)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
