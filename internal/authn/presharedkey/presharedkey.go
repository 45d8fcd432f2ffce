// Package presharedkey authenticates requests by comparing the bearer token
// against a configured set of keys. Matching requests act as authenticated
// staff service actors; they carry no user identity.
package presharedkey

import (
	"errors"
	"net/http"

	"github.com/scopeq/scopeq/internal/authn"
	"github.com/scopeq/scopeq/pkg/authclaims"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

type PresharedKeyAuthenticator struct {
	validKeys map[string]struct{}
}

var _ authn.Authenticator = (*PresharedKeyAuthenticator)(nil)

func NewPresharedKeyAuthenticator(validKeys []string) (*PresharedKeyAuthenticator, error) {
	if len(validKeys) < 1 {
		return nil, errors.New("invalid auth configuration, please specify at least one key")
	}
	keys := make(map[string]struct{}, len(validKeys))
	for _, k := range validKeys {
		keys[k] = struct{}{}
	}
	return &PresharedKeyAuthenticator{validKeys: keys}, nil
}

// Authenticate see [authn.Authenticator.Authenticate].
func (pka *PresharedKeyAuthenticator) Authenticate(r *http.Request) (*authclaims.AuthClaims, error) {
	token, err := authn.BearerToken(r)
	if err != nil {
		return nil, err
	}

	if _, found := pka.validKeys[token]; !found {
		return nil, serverErrors.Unauthenticated("unauthenticated")
	}

	return &authclaims.AuthClaims{
		// no user information in this auth method
		Subject:       "",
		Authenticated: true,
		Staff:         true,
	}, nil
}

// Close see [authn.Authenticator.Close].
func (pka *PresharedKeyAuthenticator) Close() {}
