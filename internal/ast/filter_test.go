package ast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeFilter(t *testing.T, raw string) *FilterNode {
	t.Helper()
	var node FilterNode
	require.NoError(t, json.Unmarshal([]byte(raw), &node))
	return &node
}

func TestFilterNodeDecode(t *testing.T) {
	node := decodeFilter(t, `{
		"type": "and",
		"children": [
			{"type": "filter", "conditions": {"status": "active", "score__gte": 10}},
			{"type": "not", "child": {"type": "filter", "conditions": {"archived": true}}},
			{"type": "or", "children": [
				{"type": "filter", "conditions": {"tag__in": ["a", "b"]}},
				{"type": "exclude", "conditions": {"title__icontains": "draft"}}
			]}
		]
	}`)

	require.Equal(t, NodeAnd, node.Kind)
	require.Len(t, node.Children, 3)

	leaf := node.Children[0]
	require.Equal(t, NodeFilter, leaf.Kind)
	require.Len(t, leaf.Conditions, 2)
	// conditions come out sorted by raw key
	require.Equal(t, "score__gte", leaf.Conditions[0].Raw)
	require.Equal(t, LookupGte, leaf.Conditions[0].Lookup)
	require.Equal(t, []string{"score"}, leaf.Conditions[0].Path)
	require.Equal(t, "status", leaf.Conditions[1].Raw)
	require.Equal(t, LookupEq, leaf.Conditions[1].Lookup)

	not := node.Children[1]
	require.Equal(t, NodeNot, not.Kind)
	require.Equal(t, NodeFilter, not.Child.Kind)

	or := node.Children[2]
	require.Equal(t, NodeOr, or.Kind)
	require.Equal(t, NodeExclude, or.Children[1].Kind)
	require.Equal(t, LookupIContains, or.Children[1].Conditions[0].Lookup)
}

func TestFilterNodeDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "unknown_tag",
			raw:     `{"type": "xor", "children": []}`,
			wantErr: "unknown filter node type 'xor'",
		},
		{
			name:    "missing_tag",
			raw:     `{"conditions": {"a": 1}}`,
			wantErr: "missing its 'type' tag",
		},
		{
			name:    "and_without_children",
			raw:     `{"type": "and", "children": []}`,
			wantErr: "requires at least one child",
		},
		{
			name:    "not_without_child",
			raw:     `{"type": "not"}`,
			wantErr: "requires a child",
		},
		{
			name:    "leaf_with_children",
			raw:     `{"type": "filter", "conditions": {}, "children": [{"type": "filter", "conditions": {}}]}`,
			wantErr: "cannot carry children",
		},
		{
			name:    "and_with_conditions",
			raw:     `{"type": "and", "children": [{"type": "filter", "conditions": {}}], "conditions": {"a": 1}}`,
			wantErr: "cannot carry conditions",
		},
		{
			name:    "empty_condition_segment",
			raw:     `{"type": "filter", "conditions": {"a____gte": 1}}`,
			wantErr: "invalid condition key",
		},
		{
			name:    "isnull_requires_bool",
			raw:     `{"type": "filter", "conditions": {"email__isnull": "yes"}}`,
			wantErr: "requires a boolean value",
		},
		{
			name:    "in_requires_list",
			raw:     `{"type": "filter", "conditions": {"tag__in": "a"}}`,
			wantErr: "requires a list value",
		},
		{
			name:    "contains_requires_string",
			raw:     `{"type": "filter", "conditions": {"title__contains": 3}}`,
			wantErr: "requires a string value",
		},
		{
			name:    "gte_rejects_list",
			raw:     `{"type": "filter", "conditions": {"score__gte": [1]}}`,
			wantErr: "requires a number or string value",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var node FilterNode
			err := json.Unmarshal([]byte(test.raw), &node)
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestParseConditionKey(t *testing.T) {
	path, lookup, err := parseConditionKey("author__name__icontains")
	require.NoError(t, err)
	require.Equal(t, []string{"author", "name"}, path)
	require.Equal(t, LookupIContains, lookup)

	path, lookup, err = parseConditionKey("status")
	require.NoError(t, err)
	require.Equal(t, []string{"status"}, path)
	require.Equal(t, LookupEq, lookup)

	// "in" only binds as a lookup in the suffix position
	path, lookup, err = parseConditionKey("in")
	require.NoError(t, err)
	require.Equal(t, []string{"in"}, path)
	require.Equal(t, LookupEq, lookup)
}

func TestLookupIsEquality(t *testing.T) {
	require.True(t, LookupEq.IsEquality())
	require.True(t, LookupExact.IsEquality())
	require.True(t, LookupIn.IsEquality())
	require.False(t, LookupGte.IsEquality())
	require.False(t, LookupIContains.IsEquality())
}

func TestFilterNodeWalk(t *testing.T) {
	node := decodeFilter(t, `{
		"type": "and",
		"children": [
			{"type": "filter", "conditions": {"a": 1}},
			{"type": "not", "child": {"type": "filter", "conditions": {"b": 2}}}
		]
	}`)

	var kinds []NodeKind
	node.Walk(func(n *FilterNode) { kinds = append(kinds, n.Kind) })
	require.Equal(t, []NodeKind{NodeAnd, NodeFilter, NodeNot, NodeFilter}, kinds)
}
