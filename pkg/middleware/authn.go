package middleware

import (
	"net/http"

	"github.com/scopeq/scopeq/internal/authn"
	"github.com/scopeq/scopeq/pkg/authclaims"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

// Authenticate resolves the request's credentials through the configured
// authenticator and stores the resulting claims on the context. Rejected
// credentials end the request here.
func Authenticate(authenticator authn.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticator.Authenticate(r)
			if err != nil {
				serverErrors.EncodeJSON(w, err)
				return
			}

			ctx := authclaims.ContextWithAuthClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
