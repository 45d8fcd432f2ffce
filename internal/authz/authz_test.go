package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/pkg/authclaims"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/storage"
)

func testModel(t *testing.T) *modelgraph.Model {
	t.Helper()

	cfg := &schema.Config{Models: []schema.ModelDefinition{{
		Name:  "app.Note",
		Table: "app_note",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.FieldInteger},
			{Name: "owner", Type: schema.FieldString},
			{Name: "body", Type: schema.FieldText},
			{Name: "pinned", Type: schema.FieldBoolean},
		},
	}}}

	reg, err := schema.NewRegistry(cfg)
	require.NoError(t, err)
	g, err := modelgraph.Build(reg)
	require.NoError(t, err)
	m, ok := g.Model("app.Note")
	require.True(t, ok)
	return m
}

func TestAuthorizerFailsClosed(t *testing.T) {
	ctx := context.Background()
	a := NewAuthorizer()
	actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true, Staff: true}

	require.False(t, a.Allows(ctx, actor, "app.Note", ActionRead))

	allowed, err := a.AllowsObject(ctx, actor, "app.Note", storage.Row{"id": int64(1)}, ActionRead)
	require.NoError(t, err)
	require.False(t, allowed)

	require.True(t, a.FieldsFor(ctx, actor, "app.Note", ActionRead).Empty())
}

func TestAuthorizerUnionsFieldGrants(t *testing.T) {
	ctx := context.Background()
	actor := authclaims.Anonymous()

	t.Run("explicit_sets_union", func(t *testing.T) {
		a := NewAuthorizer()
		a.Bind("app.Note",
			NewFieldRestricted([]string{"id", "body"}, nil, nil),
			NewFieldRestricted([]string{"owner"}, nil, nil),
		)

		selection := a.FieldsFor(ctx, actor, "app.Note", ActionRead)
		require.False(t, selection.All())
		require.Equal(t, []string{"body", "id", "owner"}, selection.Names())
	})

	t.Run("any_all_grant_wins", func(t *testing.T) {
		a := NewAuthorizer()
		a.Bind("app.Note",
			NewFieldRestricted([]string{"id"}, nil, nil),
			ReadOnly{},
		)

		require.True(t, a.FieldsFor(ctx, actor, "app.Note", ActionRead).All())
	})

	t.Run("non_granting_policy_contributes_nothing", func(t *testing.T) {
		a := NewAuthorizer()
		a.Bind("app.Note",
			NewFieldRestricted([]string{"id"}, nil, nil),
			StaffOnly{}, // actor is not staff, so its all-fields grant must not apply
		)

		selection := a.FieldsFor(ctx, actor, "app.Note", ActionRead)
		require.Equal(t, []string{"id"}, selection.Names())
	})
}

func TestAuthorizerAllowsUnionsActions(t *testing.T) {
	ctx := context.Background()
	a := NewAuthorizer()
	a.Bind("app.Note", ReadOnly{}, StaffOnly{})

	anonymous := authclaims.Anonymous()
	require.True(t, a.Allows(ctx, anonymous, "app.Note", ActionRead))
	require.False(t, a.Allows(ctx, anonymous, "app.Note", ActionUpdate))

	staffActor := &authclaims.AuthClaims{Subject: "admin", Authenticated: true, Staff: true}
	require.True(t, a.Allows(ctx, staffActor, "app.Note", ActionUpdate))
	require.True(t, a.Allows(ctx, staffActor, "app.Note", ActionDelete))
}

func TestSelectionSemantics(t *testing.T) {
	require.True(t, AllFields().Has("anything"))
	require.True(t, NoFields().Empty())
	require.Nil(t, AllFields().Names())

	explicit := FieldSelection("b", "a")
	require.Equal(t, []string{"a", "b"}, explicit.Names())
	require.True(t, explicit.Has("a"))
	require.False(t, explicit.Has("c"))

	require.True(t, explicit.Union(AllFields()).All())
	require.Equal(t, []string{"a"}, explicit.Intersect(FieldSelection("a", "c")).Names())
	require.Equal(t, []string{"a", "b"}, explicit.Intersect(AllFields()).Names())
}

func TestAuthenticatedOnly(t *testing.T) {
	ctx := context.Background()
	var p AuthenticatedOnly

	require.False(t, p.AllowedActions(ctx, authclaims.Anonymous()).Has(ActionRead))
	require.True(t, p.VisibleFields(ctx, authclaims.Anonymous()).Empty())

	actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}
	require.True(t, p.AllowedActions(ctx, actor).Has(ActionDelete))
	require.True(t, p.VisibleFields(ctx, actor).All())
}

func TestFieldRestrictedGrantsOnlyConfiguredCapabilities(t *testing.T) {
	ctx := context.Background()
	actor := authclaims.Anonymous()
	p := NewFieldRestricted([]string{"id", "body"}, []string{"body"}, nil)

	granted := p.AllowedActions(ctx, actor)
	require.True(t, granted.Has(ActionRead))
	require.True(t, granted.Has(ActionUpdate))
	require.False(t, granted.Has(ActionCreate))
	require.False(t, granted.Has(ActionDelete))

	require.Equal(t, []string{"body", "id"}, p.VisibleFields(ctx, actor).Names())
	require.Equal(t, []string{"body"}, p.EditableFields(ctx, actor).Names())
	require.True(t, p.CreateFields(ctx, actor).Empty())
}

func TestRowFiltered(t *testing.T) {
	ctx := context.Background()
	model := testModel(t)
	p := &RowFiltered{OwnerField: "owner"}

	t.Run("narrows_queryset_to_owner", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}
		q, err := p.FilterQueryset(ctx, actor, storage.NewQuery(model))
		require.NoError(t, err)
		require.Len(t, q.Filters, 1)
		require.Len(t, q.Filters[0].Conditions, 1)
		require.Equal(t, "owner", q.Filters[0].Conditions[0].FieldPath())
		require.Equal(t, "u1", q.Filters[0].Conditions[0].Value)
	})

	t.Run("object_actions_for_owner_only", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}

		granted, err := p.AllowedObjectActions(ctx, actor, storage.Row{"owner": "u1"})
		require.NoError(t, err)
		require.True(t, granted.Has(ActionDelete))

		granted, err = p.AllowedObjectActions(ctx, actor, storage.Row{"owner": "u2"})
		require.NoError(t, err)
		require.False(t, granted.Has(ActionRead))
	})

	t.Run("anonymous_gets_nothing", func(t *testing.T) {
		require.Empty(t, p.AllowedActions(ctx, authclaims.Anonymous()))
		require.True(t, p.VisibleFields(ctx, authclaims.Anonymous()).Empty())
	})
}

func TestObjectLevel(t *testing.T) {
	ctx := context.Background()

	p, err := NewObjectLevel(`actor.staff || object.owner == actor.subject`)
	require.NoError(t, err)

	require.True(t, p.AllowedActions(ctx, authclaims.Anonymous()).Has(ActionRead))

	t.Run("grants_owner", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}
		granted, err := p.AllowedObjectActions(ctx, actor, storage.Row{"owner": "u1"})
		require.NoError(t, err)
		require.True(t, granted.Has(ActionUpdate))
	})

	t.Run("grants_staff", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "admin", Authenticated: true, Staff: true}
		granted, err := p.AllowedObjectActions(ctx, actor, storage.Row{"owner": "someone-else"})
		require.NoError(t, err)
		require.True(t, granted.Has(ActionDelete))
	})

	t.Run("denies_other_actors", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "u2", Authenticated: true}
		granted, err := p.AllowedObjectActions(ctx, actor, storage.Row{"owner": "u1"})
		require.NoError(t, err)
		require.False(t, granted.Has(ActionRead))
	})

	t.Run("rejects_non_bool_expressions", func(t *testing.T) {
		_, err := NewObjectLevel(`actor.subject`)
		require.ErrorContains(t, err, "bool")
	})

	t.Run("rejects_invalid_expressions", func(t *testing.T) {
		_, err := NewObjectLevel(`object.owner ==`)
		require.Error(t, err)
	})
}

func TestComposite(t *testing.T) {
	ctx := context.Background()
	model := testModel(t)

	p := NewComposite(
		AuthenticatedOnly{},
		NewFieldRestricted([]string{"id", "body"}, []string{"body"}, nil),
		&RowFiltered{OwnerField: "owner"},
	)

	t.Run("actions_intersect", func(t *testing.T) {
		require.False(t, p.AllowedActions(ctx, authclaims.Anonymous()).Has(ActionRead))

		actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}
		granted := p.AllowedActions(ctx, actor)
		require.True(t, granted.Has(ActionRead))
		require.True(t, granted.Has(ActionUpdate))
		require.False(t, granted.Has(ActionDelete))
	})

	t.Run("fields_intersect", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}
		require.Equal(t, []string{"body", "id"}, p.VisibleFields(ctx, actor).Names())
		require.Equal(t, []string{"body"}, p.EditableFields(ctx, actor).Names())
	})

	t.Run("queryset_folds_through_nested", func(t *testing.T) {
		actor := &authclaims.AuthClaims{Subject: "u1", Authenticated: true}
		q, err := p.FilterQueryset(ctx, actor, storage.NewQuery(model))
		require.NoError(t, err)
		require.Len(t, q.Filters, 1)
	})
}

func TestFromBinding(t *testing.T) {
	var cases = map[string]struct {
		binding schema.PolicyBinding
		wantErr string
	}{
		"allow_all":          {binding: schema.PolicyBinding{Kind: KindAllowAll}},
		"authenticated_only": {binding: schema.PolicyBinding{Kind: KindAuthenticatedOnly}},
		"staff_only":         {binding: schema.PolicyBinding{Kind: KindStaffOnly}},
		"read_only":          {binding: schema.PolicyBinding{Kind: KindReadOnly}},
		"field_restricted": {
			binding: schema.PolicyBinding{Kind: KindFieldRestricted, VisibleFields: []string{"id"}},
		},
		"row_filtered": {
			binding: schema.PolicyBinding{Kind: KindRowFiltered, OwnerField: "owner"},
		},
		"row_filtered_missing_owner": {
			binding: schema.PolicyBinding{Kind: KindRowFiltered},
			wantErr: "owner_field",
		},
		"object_level": {
			binding: schema.PolicyBinding{Kind: KindObjectLevel, Expression: "actor.staff"},
		},
		"object_level_missing_expression": {
			binding: schema.PolicyBinding{Kind: KindObjectLevel},
			wantErr: "expression",
		},
		"composed": {
			binding: schema.PolicyBinding{Kind: KindComposed, Policies: []schema.PolicyBinding{
				{Kind: KindAuthenticatedOnly},
				{Kind: KindReadOnly},
			}},
		},
		"composed_empty": {
			binding: schema.PolicyBinding{Kind: KindComposed},
			wantErr: "nested",
		},
		"unknown_kind": {
			binding: schema.PolicyBinding{Kind: "whatever"},
			wantErr: "unknown policy kind",
		},
	}

	for name, test := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := FromBinding(test.binding)
			if test.wantErr != "" {
				require.ErrorContains(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, p)
		})
	}
}

func TestNewAuthorizerFromRegistry(t *testing.T) {
	cfg := &schema.Config{Models: []schema.ModelDefinition{{
		Name:  "app.Note",
		Table: "app_note",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.FieldInteger},
			{Name: "owner", Type: schema.FieldString},
		},
		Policies: []schema.PolicyBinding{
			{Kind: KindReadOnly},
			{Kind: KindRowFiltered, OwnerField: "owner"},
		},
	}}}
	reg, err := schema.NewRegistry(cfg)
	require.NoError(t, err)

	a, err := NewAuthorizerFromRegistry(reg)
	require.NoError(t, err)
	require.Len(t, a.PoliciesFor("app.Note"), 2)

	require.True(t, a.Allows(context.Background(), authclaims.Anonymous(), "app.Note", ActionRead))
}
