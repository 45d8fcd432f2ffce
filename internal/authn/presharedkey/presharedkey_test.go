package presharedkey

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

func requestWithAuthorization(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if value != "" {
		r.Header.Set("Authorization", value)
	}
	return r
}

func TestNewPresharedKeyAuthenticator(t *testing.T) {
	_, err := NewPresharedKeyAuthenticator(nil)
	require.Error(t, err)

	authenticator, err := NewPresharedKeyAuthenticator([]string{"one", "two"})
	require.NoError(t, err)
	require.NotNil(t, authenticator)
}

func TestAuthenticate(t *testing.T) {
	authenticator, err := NewPresharedKeyAuthenticator([]string{"one", "two"})
	require.NoError(t, err)

	t.Run("valid_key", func(t *testing.T) {
		claims, err := authenticator.Authenticate(requestWithAuthorization("Bearer two"))
		require.NoError(t, err)
		require.True(t, claims.Authenticated)
		require.True(t, claims.Staff)
		require.Empty(t, claims.Subject)
	})

	t.Run("scheme_is_case_insensitive", func(t *testing.T) {
		claims, err := authenticator.Authenticate(requestWithAuthorization("bearer one"))
		require.NoError(t, err)
		require.True(t, claims.Authenticated)
	})

	t.Run("unknown_key", func(t *testing.T) {
		_, err := authenticator.Authenticate(requestWithAuthorization("Bearer three"))
		require.Error(t, err)
		require.Equal(t, serverErrors.KindUnauthenticated, serverErrors.ErrorKind(err))
	})

	t.Run("missing_header", func(t *testing.T) {
		_, err := authenticator.Authenticate(requestWithAuthorization(""))
		require.ErrorIs(t, err, serverErrors.ErrMissingBearerToken)
	})

	t.Run("malformed_header", func(t *testing.T) {
		_, err := authenticator.Authenticate(requestWithAuthorization("Basic dXNlcg=="))
		require.ErrorIs(t, err, serverErrors.ErrMissingBearerToken)
	})
}
