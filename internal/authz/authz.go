// Package authz implements the permission policies that scope every
// operation: which actions an actor may take on a model, which rows a
// queryset yields, and which fields are visible, editable or creatable.
//
// Policies are pure decision functions. Several policies can bind to one
// model; their action and field grants union, while queryset narrowing
// folds through each policy in turn. A model with no granting policy denies
// everything.
package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/scopeq/scopeq/pkg/authclaims"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/storage"
)

// Action is one of the model-level capabilities a policy can grant.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ActionSet is a set of granted actions. The nil set grants nothing.
type ActionSet map[Action]struct{}

// NewActionSet returns a set over the given actions.
func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}

// AllActions returns a set granting every action.
func AllActions() ActionSet {
	return NewActionSet(ActionCreate, ActionRead, ActionUpdate, ActionDelete)
}

// Has reports whether the action is in the set.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Union returns the actions granted by either set.
func (s ActionSet) Union(other ActionSet) ActionSet {
	merged := make(ActionSet, len(s)+len(other))
	for a := range s {
		merged[a] = struct{}{}
	}
	for a := range other {
		merged[a] = struct{}{}
	}
	return merged
}

// Intersect returns the actions granted by both sets.
func (s ActionSet) Intersect(other ActionSet) ActionSet {
	kept := make(ActionSet)
	for a := range s {
		if other.Has(a) {
			kept[a] = struct{}{}
		}
	}
	return kept
}

// Selection names the fields a policy grants for one capability. It is
// either the all-fields sentinel or an explicit set; the zero value grants
// nothing.
type Selection struct {
	all   bool
	names map[string]struct{}
}

// AllFields returns the selection granting every declared field.
func AllFields() Selection { return Selection{all: true} }

// NoFields returns the empty selection.
func NoFields() Selection { return Selection{} }

// FieldSelection returns a selection over exactly the named fields.
func FieldSelection(names ...string) Selection {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return Selection{names: set}
}

// All reports whether the selection is the all-fields sentinel.
func (s Selection) All() bool { return s.all }

// Empty reports whether the selection grants nothing.
func (s Selection) Empty() bool { return !s.all && len(s.names) == 0 }

// Has reports whether the named field is granted.
func (s Selection) Has(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Union merges two selections. Either side being "all" wins.
func (s Selection) Union(other Selection) Selection {
	if s.all || other.all {
		return AllFields()
	}
	merged := make(map[string]struct{}, len(s.names)+len(other.names))
	for name := range s.names {
		merged[name] = struct{}{}
	}
	for name := range other.names {
		merged[name] = struct{}{}
	}
	return Selection{names: merged}
}

// Intersect keeps the fields granted by both selections. An "all" side
// defers to the other.
func (s Selection) Intersect(other Selection) Selection {
	if s.all {
		return other
	}
	if other.all {
		return s
	}
	kept := make(map[string]struct{})
	for name := range s.names {
		if _, ok := other.names[name]; ok {
			kept[name] = struct{}{}
		}
	}
	return Selection{names: kept}
}

// Names returns the granted field names in sorted order. The all-fields
// sentinel returns nil; callers expand it against the model's declared
// fields.
func (s Selection) Names() []string {
	if s.all {
		return nil
	}
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy answers what one permission rule grants an actor on one model.
// Implementations must be safe for concurrent use; they are constructed at
// startup and shared across requests.
type Policy interface {
	// FilterQueryset narrows q to the rows the actor may see. Policies
	// without row restrictions return q unchanged.
	FilterQueryset(ctx context.Context, actor *authclaims.AuthClaims, q *storage.Query) (*storage.Query, error)

	// AllowedActions returns the model-level actions the policy grants.
	AllowedActions(ctx context.Context, actor *authclaims.AuthClaims) ActionSet

	// AllowedObjectActions returns the actions the policy grants on one
	// concrete row.
	AllowedObjectActions(ctx context.Context, actor *authclaims.AuthClaims, object storage.Row) (ActionSet, error)

	// VisibleFields, EditableFields and CreateFields return the field grant
	// for the matching capability. A grant only takes effect when the policy
	// also grants the corresponding action.
	VisibleFields(ctx context.Context, actor *authclaims.AuthClaims) Selection
	EditableFields(ctx context.Context, actor *authclaims.AuthClaims) Selection
	CreateFields(ctx context.Context, actor *authclaims.AuthClaims) Selection
}

// DenyAll is the fail-closed base policy: no actions, no fields, no row
// narrowing. Variants embed it and override exactly what they grant.
type DenyAll struct{}

var _ Policy = (*DenyAll)(nil)

// FilterQueryset see [Policy.FilterQueryset].
func (DenyAll) FilterQueryset(_ context.Context, _ *authclaims.AuthClaims, q *storage.Query) (*storage.Query, error) {
	return q, nil
}

// AllowedActions see [Policy.AllowedActions].
func (DenyAll) AllowedActions(context.Context, *authclaims.AuthClaims) ActionSet {
	return nil
}

// AllowedObjectActions see [Policy.AllowedObjectActions].
func (DenyAll) AllowedObjectActions(context.Context, *authclaims.AuthClaims, storage.Row) (ActionSet, error) {
	return nil, nil
}

// VisibleFields see [Policy.VisibleFields].
func (DenyAll) VisibleFields(context.Context, *authclaims.AuthClaims) Selection {
	return NoFields()
}

// EditableFields see [Policy.EditableFields].
func (DenyAll) EditableFields(context.Context, *authclaims.AuthClaims) Selection {
	return NoFields()
}

// CreateFields see [Policy.CreateFields].
func (DenyAll) CreateFields(context.Context, *authclaims.AuthClaims) Selection {
	return NoFields()
}

// Authorizer holds the policies bound to each model and answers the merged
// questions the field resolver and executor ask. Models with no bound
// policies deny every action.
type Authorizer struct {
	policies map[string][]Policy
}

// NewAuthorizer returns an Authorizer with no bindings.
func NewAuthorizer() *Authorizer {
	return &Authorizer{policies: make(map[string][]Policy)}
}

// NewAuthorizerFromRegistry constructs the policies every registered model
// declares and binds them.
func NewAuthorizerFromRegistry(reg *schema.Registry) (*Authorizer, error) {
	a := NewAuthorizer()
	for _, model := range reg.Models() {
		policies := make([]Policy, 0, len(model.Policies))
		for _, binding := range model.Policies {
			p, err := FromBinding(binding)
			if err != nil {
				return nil, fmt.Errorf("authz: model '%s': %w", model.Name, err)
			}
			policies = append(policies, p)
		}
		a.Bind(model.Name, policies...)
	}
	return a, nil
}

// Bind attaches policies to the named model.
func (a *Authorizer) Bind(model string, policies ...Policy) {
	a.policies[model] = append(a.policies[model], policies...)
}

// PoliciesFor returns the policies bound to the named model.
func (a *Authorizer) PoliciesFor(model string) []Policy {
	return a.policies[model]
}

// Allows reports whether any policy bound to the model grants the action.
func (a *Authorizer) Allows(ctx context.Context, actor *authclaims.AuthClaims, model string, action Action) bool {
	for _, p := range a.policies[model] {
		if p.AllowedActions(ctx, actor).Has(action) {
			return true
		}
	}
	return false
}

// AllowsObject reports whether any policy grants the action on the concrete
// row.
func (a *Authorizer) AllowsObject(ctx context.Context, actor *authclaims.AuthClaims, model string, object storage.Row, action Action) (bool, error) {
	for _, p := range a.policies[model] {
		granted, err := p.AllowedObjectActions(ctx, actor, object)
		if err != nil {
			return false, err
		}
		if granted.Has(action) {
			return true, nil
		}
	}
	return false, nil
}

// FieldsFor returns the union of the field grants of every policy that also
// grants the action. Any granting policy returning the all-fields sentinel
// makes the result "all".
func (a *Authorizer) FieldsFor(ctx context.Context, actor *authclaims.AuthClaims, model string, action Action) Selection {
	selection := NoFields()
	for _, p := range a.policies[model] {
		if !p.AllowedActions(ctx, actor).Has(action) {
			continue
		}
		selection = selection.Union(fieldGrant(ctx, p, actor, action))
		if selection.All() {
			return selection
		}
	}
	return selection
}

// FilterQueryset folds the query through every policy bound to its model.
func (a *Authorizer) FilterQueryset(ctx context.Context, actor *authclaims.AuthClaims, q *storage.Query) (*storage.Query, error) {
	for _, p := range a.policies[q.Model.Name] {
		narrowed, err := p.FilterQueryset(ctx, actor, q)
		if err != nil {
			return nil, err
		}
		q = narrowed
	}
	return q, nil
}

func fieldGrant(ctx context.Context, p Policy, actor *authclaims.AuthClaims, action Action) Selection {
	switch action {
	case ActionRead:
		return p.VisibleFields(ctx, actor)
	case ActionUpdate:
		return p.EditableFields(ctx, actor)
	case ActionCreate:
		return p.CreateFields(ctx, actor)
	default:
		return NoFields()
	}
}

// Policy kinds accepted in model configuration.
const (
	KindAllowAll          = "allow_all"
	KindAuthenticatedOnly = "authenticated_only"
	KindStaffOnly         = "staff_only"
	KindReadOnly          = "read_only"
	KindFieldRestricted   = "field_restricted"
	KindRowFiltered       = "row_filtered"
	KindObjectLevel       = "object_level"
	KindComposed          = "composed"
)

// FromBinding constructs the policy a configuration binding describes.
func FromBinding(binding schema.PolicyBinding) (Policy, error) {
	switch binding.Kind {
	case KindAllowAll:
		return AllowAll{}, nil
	case KindAuthenticatedOnly:
		return AuthenticatedOnly{}, nil
	case KindStaffOnly:
		return StaffOnly{}, nil
	case KindReadOnly:
		return ReadOnly{}, nil
	case KindFieldRestricted:
		return NewFieldRestricted(binding.VisibleFields, binding.EditableFields, binding.CreateFields), nil
	case KindRowFiltered:
		if binding.OwnerField == "" {
			return nil, fmt.Errorf("row_filtered policy requires owner_field")
		}
		return &RowFiltered{OwnerField: binding.OwnerField}, nil
	case KindObjectLevel:
		if binding.Expression == "" {
			return nil, fmt.Errorf("object_level policy requires expression")
		}
		return NewObjectLevel(binding.Expression)
	case KindComposed:
		if len(binding.Policies) == 0 {
			return nil, fmt.Errorf("composed policy requires nested policies")
		}
		nested := make([]Policy, 0, len(binding.Policies))
		for _, inner := range binding.Policies {
			p, err := FromBinding(inner)
			if err != nil {
				return nil, err
			}
			nested = append(nested, p)
		}
		return NewComposite(nested...), nil
	default:
		return nil, fmt.Errorf("unknown policy kind '%s'", binding.Kind)
	}
}
