package domain

import "time"

// TokenEndpointAuthMethod enumerates the client authentication methods
// supported at the token endpoint.
type TokenEndpointAuthMethod string

const (
	AuthMethodNone              TokenEndpointAuthMethod = "none"
	AuthMethodClientSecretPost  TokenEndpointAuthMethod = "client_secret_post"
	AuthMethodClientSecretBasic TokenEndpointAuthMethod = "client_secret_basic"
)

// GrantType enumerates the OAuth 2.1 grant types the server implements.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// Client represents a registered OAuth2 client application.
//
//nolint:tagliatelle
type Client struct {
	ID              string                  `bson:"client_id" json:"client_id"`
	SecretHash      string                  `bson:"client_secret_hash,omitempty" json:"-"`
	SecretExpiresAt *time.Time              `bson:"client_secret_expires_at,omitempty" json:"client_secret_expires_at,omitempty"`
	Name            string                  `bson:"client_name" json:"client_name,omitempty"`
	RedirectURIs    []string                `bson:"redirect_uris" json:"redirect_uris"`
	PostLogoutURIs  []string                `bson:"post_logout_redirect_uris,omitempty" json:"post_logout_redirect_uris,omitempty"`
	GrantTypes      []GrantType             `bson:"grant_types" json:"grant_types"`
	AuthMethod      TokenEndpointAuthMethod `bson:"token_endpoint_auth_method" json:"token_endpoint_auth_method"`
	Scopes          []string                `bson:"allowed_scopes" json:"scope,omitempty"`
	Resource        string                  `bson:"resource,omitempty" json:"resource,omitempty"`
	CreatedAt       time.Time               `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time               `bson:"updated_at" json:"updated_at"`
}

// Public reports whether the client cannot hold a secret.
func (c *Client) Public() bool {
	return c.AuthMethod == AuthMethodNone
}

// AllowsGrant reports whether the client is registered for the grant type.
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}
