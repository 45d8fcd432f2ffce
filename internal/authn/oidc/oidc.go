// Package oidc authenticates bearer JWTs against a remote OIDC issuer. The
// issuer's JWKS is fetched at startup through its discovery document and
// refreshed in the background.
package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/scopeq/scopeq/internal/authn"
	"github.com/scopeq/scopeq/pkg/authclaims"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

var (
	jwkRefreshInterval = 48 * time.Hour

	errInvalidAudience = serverErrors.Unauthenticated("invalid audience")
	errInvalidClaims   = serverErrors.Unauthenticated("invalid claims")
	errInvalidIssuer   = serverErrors.Unauthenticated("invalid issuer")
	errInvalidSubject  = serverErrors.Unauthenticated("invalid subject")
	errInvalidToken    = serverErrors.Unauthenticated("invalid bearer token")

	fetchJWKs = fetchJWK
)

// Config is the authorization server metadata this package consumes. See
// https://datatracker.ietf.org/doc/html/rfc8414#section-2.
type Config struct {
	Issuer  string `json:"issuer"`
	JWKsURI string `json:"jwks_uri"`
}

type RemoteOidcAuthenticator struct {
	IssuerURLs []string
	Audience   string

	// StaffClaim names the boolean token claim marking staff actors. Empty
	// means no token grants staff.
	StaffClaim string

	JwksURI string
	JWKs    *keyfunc.JWKS

	httpClient *http.Client
}

var _ authn.Authenticator = (*RemoteOidcAuthenticator)(nil)

func NewRemoteOidcAuthenticator(issuerURLs []string, audience, staffClaim string) (*RemoteOidcAuthenticator, error) {
	if len(issuerURLs) == 0 {
		return nil, errors.New("invalid auth configuration, please specify at least one issuer")
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	oidc := &RemoteOidcAuthenticator{
		IssuerURLs: issuerURLs,
		Audience:   audience,
		StaffClaim: staffClaim,
		httpClient: client.StandardClient(),
	}
	if err := fetchJWKs(oidc); err != nil {
		return nil, err
	}
	return oidc, nil
}

// Authenticate see [authn.Authenticator.Authenticate].
func (oidc *RemoteOidcAuthenticator) Authenticate(r *http.Request) (*authclaims.AuthClaims, error) {
	bearer, err := authn.BearerToken(r)
	if err != nil {
		return nil, err
	}

	jwtParser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))

	token, err := jwtParser.Parse(bearer, func(token *jwt.Token) (any, error) {
		return oidc.JWKs.Keyfunc(token)
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errInvalidClaims
	}

	issuer, err := claims.GetIssuer()
	if err != nil || !slices.Contains(oidc.IssuerURLs, issuer) {
		return nil, errInvalidIssuer
	}

	audience, err := claims.GetAudience()
	if err != nil || !slices.Contains(audience, oidc.Audience) {
		return nil, errInvalidAudience
	}

	// optional subject
	var subject = ""
	if subjectClaim, ok := claims["sub"]; ok {
		if subject, ok = subjectClaim.(string); !ok {
			return nil, errInvalidSubject
		}
	}

	principal := &authclaims.AuthClaims{
		Subject:       subject,
		Authenticated: true,
		Scopes:        make(map[string]bool),
	}

	// optional client id
	if clientID, ok := claims["azp"].(string); ok {
		principal.ClientID = clientID
	}

	if oidc.StaffClaim != "" {
		if staff, ok := claims[oidc.StaffClaim].(bool); ok {
			principal.Staff = staff
		}
	}

	// optional scopes
	if scopeKey, ok := claims["scope"]; ok {
		if scope, ok := scopeKey.(string); ok {
			for _, s := range strings.Split(scope, " ") {
				principal.Scopes[s] = true
			}
		}
	}

	return principal, nil
}

func fetchJWK(oidc *RemoteOidcAuthenticator) error {
	config, err := oidc.GetConfiguration()
	if err != nil {
		return fmt.Errorf("error fetching OIDC configuration: %w", err)
	}

	oidc.JwksURI = config.JWKsURI
	jwks, err := oidc.GetKeys()
	if err != nil {
		return fmt.Errorf("error fetching OIDC keys: %w", err)
	}

	oidc.JWKs = jwks
	return nil
}

func (oidc *RemoteOidcAuthenticator) GetKeys() (*keyfunc.JWKS, error) {
	jwks, err := keyfunc.Get(oidc.JwksURI, keyfunc.Options{
		Client:          oidc.httpClient,
		RefreshInterval: jwkRefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching keys from %v: %w", oidc.JwksURI, err)
	}
	return jwks, nil
}

func (oidc *RemoteOidcAuthenticator) GetConfiguration() (*Config, error) {
	wellKnown := strings.TrimSuffix(oidc.IssuerURLs[0], "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequest(http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("error forming request to get OIDC: %w", err)
	}

	res, err := oidc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting OIDC: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code getting OIDC: %v", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	config := &Config{}
	if err := json.Unmarshal(body, config); err != nil {
		return nil, fmt.Errorf("failed parsing document: %w", err)
	}

	if config.Issuer == "" {
		return nil, errors.New("missing issuer value")
	}
	if config.JWKsURI == "" {
		return nil, errors.New("missing jwks_uri value")
	}
	return config, nil
}

// Close see [authn.Authenticator.Close].
func (oidc *RemoteOidcAuthenticator) Close() {
	oidc.JWKs.EndBackground()
}
