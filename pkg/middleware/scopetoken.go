package middleware

import (
	"context"
	"net/http"

	"github.com/scopeq/scopeq/pkg/id"
)

const (
	scopeTokenCtxKey = ctxKey("scope-token")

	// ScopeTokenHeader groups requests into one cache namespace. Clients
	// that want several calls to share cached results send the same token;
	// otherwise each request gets a fresh one and only coalesces with its
	// own concurrent duplicates.
	ScopeTokenHeader = "X-Scope-Token"
)

// ScopeTokenFromContext returns the scope token assigned by ScopeToken.
func ScopeTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(scopeTokenCtxKey).(string)
	return token, ok
}

// ScopeToken takes the client's scope token from the request header or
// generates one. The token is always present downstream: the cache contract
// requires a token per logical transaction, and generating one here keeps
// that explicit instead of relying on callers to remember.
func ScopeToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(ScopeTokenHeader)
		if token == "" {
			generated, err := id.NewString()
			if err == nil {
				token = generated
			}
		}

		ctx := context.WithValue(r.Context(), scopeTokenCtxKey, token)
		w.Header().Set(ScopeTokenHeader, token)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
