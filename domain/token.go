package domain

import "time"

// TokenFormat distinguishes server-side opaque tokens from self-contained JWTs.
type TokenFormat string

const (
	FormatOpaque TokenFormat = "opaque"
	FormatJWT    TokenFormat = "jwt"
)

// AccessToken is the server-side record of an issued access token. Opaque
// tokens are keyed by the HMAC digest of their value; JWT access tokens are
// not persisted at all (only their jti may land on the denylist).
type AccessToken struct {
	ID        string      `bson:"_id" json:"id"` // jti
	TokenHash string      `bson:"token_hash,omitempty" json:"-"`
	Format    TokenFormat `bson:"format" json:"format"`
	ClientID  string      `bson:"client_id" json:"client_id"`
	UserID    string      `bson:"user_id,omitempty" json:"user_id,omitempty"` // empty for client_credentials
	Scope     string      `bson:"scope" json:"scope"`
	Resource  string      `bson:"resource,omitempty" json:"resource,omitempty"`
	IssuedAt  time.Time   `bson:"issued_at" json:"issued_at"`
	ExpiresAt time.Time   `bson:"expires_at" json:"expires_at"`
	Revoked   bool        `bson:"revoked" json:"revoked"`
}

// RefreshToken is one link of a rotation chain. Exactly one token per chain
// is the head (neither rotated nor revoked); presenting a non-head token is
// treated as replay and burns the whole chain.
type RefreshToken struct {
	ID        string    `bson:"_id" json:"id"`
	TokenHash string    `bson:"token_hash" json:"-"`
	ClientID  string    `bson:"client_id" json:"client_id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Scope     string    `bson:"scope" json:"scope"`
	Resource  string    `bson:"resource,omitempty" json:"resource,omitempty"`
	ChainID   string    `bson:"chain_id" json:"chain_id"`
	IssuedAt  time.Time `bson:"issued_at" json:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
	Rotated   bool      `bson:"rotated" json:"rotated"`
	Revoked   bool      `bson:"revoked" json:"revoked"`
}

// Head reports whether the token is the active head of its rotation chain.
func (t *RefreshToken) Head() bool {
	return !t.Rotated && !t.Revoked
}
