package aegis

import (
	"time"

	"github.com/aegis-dev/aegis/domain"
)

// ProviderConfig holds the protocol-level configuration of the authorization
// server. It is loaded once at startup and read-only afterwards.
type ProviderConfig struct {
	Issuer string `json:"issuer"`

	// Path prefix the OAuth endpoints are mounted under, e.g. "/oauth".
	PathPrefix string `json:"path_prefix"`
	// EnableAlias additionally mounts the endpoints under "/oauth2".
	EnableAlias bool `json:"enable_alias"`

	AccessTokenTTL    time.Duration     `json:"access_token_ttl"`
	RefreshTokenTTL   time.Duration     `json:"refresh_token_ttl"`
	AuthCodeTTL       time.Duration     `json:"auth_code_ttl"`
	IDTokenTTL        time.Duration     `json:"id_token_ttl"`
	ContinuationTTL   time.Duration     `json:"continuation_ttl"`
	AccessTokenFormat TokenFormatOption `json:"access_token_format"`

	// Server-wide scope allow-list. Clients may only be registered with (and
	// requests narrowed to) scopes from this set.
	AllowedScopes []string `json:"allowed_scopes"`
	// DefaultScopes are granted when a request names none.
	DefaultScopes []string `json:"default_scopes"`

	// Resource is the server-wide default audience (RFC 8707). Empty means
	// no resource indicator is accepted unless a client configures one.
	Resource string `json:"resource,omitempty"`

	LoginURL   string `json:"login_url"`
	ConsentURL string `json:"consent_url"`
}

// TokenFormatOption selects the issued access token representation.
type TokenFormatOption string

const (
	TokenFormatOpaque TokenFormatOption = "opaque"
	TokenFormatJWT    TokenFormatOption = "jwt"
)

// NewDefaultProviderConfig creates a ProviderConfig with the documented
// defaults: 10 minute codes, 1 hour access tokens, 30 day refresh tokens and
// 5 minute login/consent continuations.
func NewDefaultProviderConfig(issuer string) *ProviderConfig {
	return &ProviderConfig{
		Issuer:            issuer,
		PathPrefix:        "/oauth",
		EnableAlias:       true,
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		AuthCodeTTL:       10 * time.Minute,
		IDTokenTTL:        time.Hour,
		ContinuationTTL:   5 * time.Minute,
		AccessTokenFormat: TokenFormatOpaque,
		AllowedScopes: []string{
			"openid", "profile", "email", "offline_access",
		},
		DefaultScopes: []string{"openid"},
		LoginURL:      issuer + "/login",
		ConsentURL:    issuer + "/consent",
	}
}

// Metadata builds the RFC 8414 / OIDC discovery document for the provider.
// The issuer is the bare configured issuer, matching the iss claim of every
// signed token; only the endpoints carry the path prefix.
func (c *ProviderConfig) Metadata() *ServerMetadata {
	base := c.Issuer + c.PathPrefix

	return &ServerMetadata{
		Issuer:                c.Issuer,
		AuthorizationEndpoint: base + "/authorize",
		TokenEndpoint:         base + "/token",
		UserInfoEndpoint:      base + "/userinfo",
		RegistrationEndpoint:  base + "/register",
		IntrospectionEndpoint: base + "/introspect",
		RevocationEndpoint:    base + "/revoke",
		EndSessionEndpoint:    base + "/end-session",
		ScopesSupported:       c.AllowedScopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			"authorization_code", "refresh_token", "client_credentials",
		},
		TokenEndpointAuthMethodsSupported: []string{
			"none", "client_secret_post", "client_secret_basic",
		},
		CodeChallengeMethodsSupported:    []string{"S256"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"HS256"},
	}
}

// SplitScopes splits a space-delimited scope string, dropping empty entries.
func SplitScopes(scope string) []string {
	return domain.SplitScopes(scope)
}

// JoinScopes joins scopes into the wire representation.
func JoinScopes(scopes []string) string {
	return domain.JoinScopes(scopes)
}
