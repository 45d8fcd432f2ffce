// Package authn authenticates incoming HTTP requests and produces the
// AuthClaims the permission policies consume.
package authn

import (
	"net/http"
	"strings"

	"github.com/scopeq/scopeq/pkg/authclaims"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

// Authenticator resolves a request to the claims it acts under.
type Authenticator interface {
	// Authenticate returns the request's AuthClaims, or an error when the
	// configured method rejects the credentials.
	Authenticate(r *http.Request) (*authclaims.AuthClaims, error)

	// Close releases background resources (key refreshers and the like).
	Close()
}

// NoopAuthenticator accepts every request as the anonymous actor. It is the
// method of choice for development and for deployments fronted by their own
// authentication layer.
type NoopAuthenticator struct{}

var _ Authenticator = (*NoopAuthenticator)(nil)

// Authenticate see [Authenticator.Authenticate].
func (NoopAuthenticator) Authenticate(*http.Request) (*authclaims.AuthClaims, error) {
	return authclaims.Anonymous(), nil
}

// Close see [Authenticator.Close].
func (NoopAuthenticator) Close() {}

// BearerToken extracts the bearer token from the request's Authorization
// header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", serverErrors.ErrMissingBearerToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", serverErrors.ErrMissingBearerToken
	}
	return token, nil
}
