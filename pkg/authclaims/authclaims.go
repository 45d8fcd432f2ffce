// Package authclaims carries the authenticated actor identity through
// request contexts.
package authclaims

import (
	"context"
)

type ctxKey string

const (
	authClaimsContextKey = ctxKey("auth-claims")
)

// AuthClaims describes the actor a request is executing as. Permission
// policies consume it to decide per-model and per-field access.
type AuthClaims struct {
	Subject       string
	ClientID      string
	Authenticated bool
	Staff         bool
	Scopes        map[string]bool
}

// Anonymous returns the claims used when no authentication method is
// configured or the request carried no credentials.
func Anonymous() *AuthClaims {
	return &AuthClaims{}
}

// ContextWithAuthClaims injects the provided AuthClaims to the context.
func ContextWithAuthClaims(ctx context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(ctx, authClaimsContextKey, claims)
}

// AuthClaimsFromContext extracts the AuthClaims from the provided ctx (if any).
func AuthClaimsFromContext(ctx context.Context) (*AuthClaims, bool) {
	claims, ok := ctx.Value(authClaimsContextKey).(*AuthClaims)
	if !ok {
		return nil, false
	}

	return claims, true
}

// ActorFromContext returns the claims from ctx, defaulting to the anonymous
// actor. Callers that must distinguish "no claims" from "anonymous claims"
// should use AuthClaimsFromContext instead.
func ActorFromContext(ctx context.Context) *AuthClaims {
	if claims, ok := AuthClaimsFromContext(ctx); ok && claims != nil {
		return claims
	}
	return Anonymous()
}
