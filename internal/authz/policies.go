package authz

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/scopeq/scopeq/pkg/authclaims"
	"github.com/scopeq/scopeq/pkg/storage"
)

// AllowAll grants every action and every field to any actor.
type AllowAll struct{ DenyAll }

var _ Policy = (*AllowAll)(nil)

func (AllowAll) AllowedActions(context.Context, *authclaims.AuthClaims) ActionSet {
	return AllActions()
}

func (AllowAll) AllowedObjectActions(context.Context, *authclaims.AuthClaims, storage.Row) (ActionSet, error) {
	return AllActions(), nil
}

func (AllowAll) VisibleFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

func (AllowAll) EditableFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

func (AllowAll) CreateFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

// AuthenticatedOnly grants everything to authenticated actors and nothing to
// anonymous ones.
type AuthenticatedOnly struct{ DenyAll }

var _ Policy = (*AuthenticatedOnly)(nil)

func (AuthenticatedOnly) AllowedActions(_ context.Context, actor *authclaims.AuthClaims) ActionSet {
	if !authenticated(actor) {
		return nil
	}
	return AllActions()
}

func (AuthenticatedOnly) AllowedObjectActions(_ context.Context, actor *authclaims.AuthClaims, _ storage.Row) (ActionSet, error) {
	if !authenticated(actor) {
		return nil, nil
	}
	return AllActions(), nil
}

func (AuthenticatedOnly) VisibleFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(authenticated(actor))
}

func (AuthenticatedOnly) EditableFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(authenticated(actor))
}

func (AuthenticatedOnly) CreateFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(authenticated(actor))
}

// StaffOnly grants everything to staff actors and nothing to anyone else.
type StaffOnly struct{ DenyAll }

var _ Policy = (*StaffOnly)(nil)

func (StaffOnly) AllowedActions(_ context.Context, actor *authclaims.AuthClaims) ActionSet {
	if !staff(actor) {
		return nil
	}
	return AllActions()
}

func (StaffOnly) AllowedObjectActions(_ context.Context, actor *authclaims.AuthClaims, _ storage.Row) (ActionSet, error) {
	if !staff(actor) {
		return nil, nil
	}
	return AllActions(), nil
}

func (StaffOnly) VisibleFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(staff(actor))
}

func (StaffOnly) EditableFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(staff(actor))
}

func (StaffOnly) CreateFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(staff(actor))
}

// ReadOnly grants READ with full visibility to any actor and nothing else.
type ReadOnly struct{ DenyAll }

var _ Policy = (*ReadOnly)(nil)

func (ReadOnly) AllowedActions(context.Context, *authclaims.AuthClaims) ActionSet {
	return NewActionSet(ActionRead)
}

func (ReadOnly) AllowedObjectActions(context.Context, *authclaims.AuthClaims, storage.Row) (ActionSet, error) {
	return NewActionSet(ActionRead), nil
}

func (ReadOnly) VisibleFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

// FieldRestricted grants exactly the capabilities whose field lists are
// configured, restricted to the listed fields. A capability without a
// configured list is not granted at all. DELETE is never granted; bind
// another policy for it.
type FieldRestricted struct {
	DenyAll

	visible  Selection
	editable Selection
	create   Selection
	actions  ActionSet
}

var _ Policy = (*FieldRestricted)(nil)

// NewFieldRestricted builds the policy from the configured field lists.
func NewFieldRestricted(visible, editable, create []string) *FieldRestricted {
	p := &FieldRestricted{
		visible:  NoFields(),
		editable: NoFields(),
		create:   NoFields(),
		actions:  make(ActionSet),
	}
	if len(visible) > 0 {
		p.visible = FieldSelection(visible...)
		p.actions[ActionRead] = struct{}{}
	}
	if len(editable) > 0 {
		p.editable = FieldSelection(editable...)
		p.actions[ActionUpdate] = struct{}{}
	}
	if len(create) > 0 {
		p.create = FieldSelection(create...)
		p.actions[ActionCreate] = struct{}{}
	}
	return p
}

func (p *FieldRestricted) AllowedActions(context.Context, *authclaims.AuthClaims) ActionSet {
	return p.actions
}

func (p *FieldRestricted) AllowedObjectActions(context.Context, *authclaims.AuthClaims, storage.Row) (ActionSet, error) {
	return p.actions, nil
}

func (p *FieldRestricted) VisibleFields(context.Context, *authclaims.AuthClaims) Selection {
	return p.visible
}

func (p *FieldRestricted) EditableFields(context.Context, *authclaims.AuthClaims) Selection {
	return p.editable
}

func (p *FieldRestricted) CreateFields(context.Context, *authclaims.AuthClaims) Selection {
	return p.create
}

// RowFiltered narrows every queryset to the rows whose OwnerField equals the
// acting subject and grants full access to those rows. Actors without a
// subject get nothing.
type RowFiltered struct {
	DenyAll

	OwnerField string
}

var _ Policy = (*RowFiltered)(nil)

func (p *RowFiltered) FilterQueryset(_ context.Context, actor *authclaims.AuthClaims, q *storage.Query) (*storage.Query, error) {
	node, err := storage.EqualityFilter(map[string]any{p.OwnerField: subjectOf(actor)})
	if err != nil {
		return nil, fmt.Errorf("authz: building owner filter: %w", err)
	}
	return q.Filter(node), nil
}

func (p *RowFiltered) AllowedActions(_ context.Context, actor *authclaims.AuthClaims) ActionSet {
	if subjectOf(actor) == "" {
		return nil
	}
	return AllActions()
}

func (p *RowFiltered) AllowedObjectActions(_ context.Context, actor *authclaims.AuthClaims, object storage.Row) (ActionSet, error) {
	subject := subjectOf(actor)
	if subject == "" {
		return nil, nil
	}
	owner, ok := object[p.OwnerField]
	if !ok || fmt.Sprintf("%v", owner) != subject {
		return nil, nil
	}
	return AllActions(), nil
}

func (p *RowFiltered) VisibleFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(subjectOf(actor) != "")
}

func (p *RowFiltered) EditableFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(subjectOf(actor) != "")
}

func (p *RowFiltered) CreateFields(_ context.Context, actor *authclaims.AuthClaims) Selection {
	return allFieldsWhen(subjectOf(actor) != "")
}

// ObjectLevel gates instance-scoped actions behind a CEL expression over the
// acting claims and the concrete row. Model-level actions pass so the
// operation can reach the rows; the expression decides per object.
type ObjectLevel struct {
	DenyAll

	expression string
	program    cel.Program
}

var _ Policy = (*ObjectLevel)(nil)

// NewObjectLevel compiles the expression against variables `actor` and
// `object`, both string-keyed maps. The expression must evaluate to bool.
func NewObjectLevel(expression string) (*ObjectLevel, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("object", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("constructing CEL environment: %w", err)
	}

	compiled, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling policy expression: %w", issues.Err())
	}
	if !reflect.DeepEqual(compiled.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("expected a bool policy expression output, but got '%s'", compiled.OutputType())
	}

	program, err := env.Program(compiled)
	if err != nil {
		return nil, fmt.Errorf("policy expression construction: %w", err)
	}

	return &ObjectLevel{expression: expression, program: program}, nil
}

func (p *ObjectLevel) AllowedActions(context.Context, *authclaims.AuthClaims) ActionSet {
	return AllActions()
}

func (p *ObjectLevel) AllowedObjectActions(_ context.Context, actor *authclaims.AuthClaims, object storage.Row) (ActionSet, error) {
	out, _, err := p.program.Eval(map[string]any{
		"actor":  actorVariable(actor),
		"object": map[string]any(object),
	})
	if err != nil {
		return nil, fmt.Errorf("authz: evaluating policy expression: %w", err)
	}

	allowed, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return nil, fmt.Errorf("authz: policy expression output: %w", err)
	}
	if allowed.(bool) {
		return AllActions(), nil
	}
	return nil, nil
}

func (p *ObjectLevel) VisibleFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

func (p *ObjectLevel) EditableFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

func (p *ObjectLevel) CreateFields(context.Context, *authclaims.AuthClaims) Selection {
	return AllFields()
}

// Composite requires every nested policy to grant: actions and fields
// intersect, and querysets narrow through each policy in turn.
type Composite struct {
	policies []Policy
}

var _ Policy = (*Composite)(nil)

// NewComposite combines policies so that all of them must grant.
func NewComposite(policies ...Policy) *Composite {
	return &Composite{policies: policies}
}

func (p *Composite) FilterQueryset(ctx context.Context, actor *authclaims.AuthClaims, q *storage.Query) (*storage.Query, error) {
	for _, nested := range p.policies {
		narrowed, err := nested.FilterQueryset(ctx, actor, q)
		if err != nil {
			return nil, err
		}
		q = narrowed
	}
	return q, nil
}

func (p *Composite) AllowedActions(ctx context.Context, actor *authclaims.AuthClaims) ActionSet {
	if len(p.policies) == 0 {
		return nil
	}
	granted := p.policies[0].AllowedActions(ctx, actor)
	for _, nested := range p.policies[1:] {
		granted = granted.Intersect(nested.AllowedActions(ctx, actor))
	}
	return granted
}

func (p *Composite) AllowedObjectActions(ctx context.Context, actor *authclaims.AuthClaims, object storage.Row) (ActionSet, error) {
	if len(p.policies) == 0 {
		return nil, nil
	}
	granted, err := p.policies[0].AllowedObjectActions(ctx, actor, object)
	if err != nil {
		return nil, err
	}
	for _, nested := range p.policies[1:] {
		other, err := nested.AllowedObjectActions(ctx, actor, object)
		if err != nil {
			return nil, err
		}
		granted = granted.Intersect(other)
	}
	return granted, nil
}

func (p *Composite) VisibleFields(ctx context.Context, actor *authclaims.AuthClaims) Selection {
	return p.intersectFields(func(nested Policy) Selection { return nested.VisibleFields(ctx, actor) })
}

func (p *Composite) EditableFields(ctx context.Context, actor *authclaims.AuthClaims) Selection {
	return p.intersectFields(func(nested Policy) Selection { return nested.EditableFields(ctx, actor) })
}

func (p *Composite) CreateFields(ctx context.Context, actor *authclaims.AuthClaims) Selection {
	return p.intersectFields(func(nested Policy) Selection { return nested.CreateFields(ctx, actor) })
}

func (p *Composite) intersectFields(grant func(Policy) Selection) Selection {
	if len(p.policies) == 0 {
		return NoFields()
	}
	selection := grant(p.policies[0])
	for _, nested := range p.policies[1:] {
		selection = selection.Intersect(grant(nested))
	}
	return selection
}

func authenticated(actor *authclaims.AuthClaims) bool {
	return actor != nil && actor.Authenticated
}

func staff(actor *authclaims.AuthClaims) bool {
	return actor != nil && actor.Staff
}

func subjectOf(actor *authclaims.AuthClaims) string {
	if actor == nil {
		return ""
	}
	return actor.Subject
}

func allFieldsWhen(granted bool) Selection {
	if granted {
		return AllFields()
	}
	return NoFields()
}

func actorVariable(actor *authclaims.AuthClaims) map[string]any {
	if actor == nil {
		actor = authclaims.Anonymous()
	}
	scopes := make([]string, 0, len(actor.Scopes))
	for scope, ok := range actor.Scopes {
		if ok {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return map[string]any{
		"subject":       actor.Subject,
		"client_id":     actor.ClientID,
		"authenticated": actor.Authenticated,
		"staff":         actor.Staff,
		"scopes":        scopes,
	}
}
