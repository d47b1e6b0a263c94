package domain

import (
	"context"
	"errors"
	"time"
)

// Storage adapter sentinel errors. Implementations must return these exact
// values (possibly wrapped) so the engines can map them onto protocol errors
// without inspecting backend-specific failures.
var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrAlreadyConsumed = errors.New("authorization code already consumed")
	ErrNotChainHead    = errors.New("refresh token is not the head of its chain")
)

// ClientRepository persists OAuth2 client registrations.
type ClientRepository interface {
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	// DeleteClient removes the client and cascades its codes, tokens and
	// consents.
	DeleteClient(ctx context.Context, clientID string) error
}

// AuthCodeRepository persists authorization codes, keyed by code digest.
type AuthCodeRepository interface {
	SaveAuthCode(ctx context.Context, code *AuthCode) error
	GetAuthCode(ctx context.Context, codeHash string) (*AuthCode, error)
	// ConsumeAuthCode atomically flips the consumed flag. It must be a
	// linearizable compare-and-set: of two concurrent calls for the same
	// code exactly one receives the code, the other ErrAlreadyConsumed.
	ConsumeAuthCode(ctx context.Context, codeHash string) (*AuthCode, error)
	DeleteExpiredAuthCodes(ctx context.Context, now time.Time) error
}

// TokenRepository persists opaque access tokens, refresh token chains and the
// JWT revocation denylist.
type TokenRepository interface {
	StoreAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)
	RevokeAccessToken(ctx context.Context, tokenHash string) error

	StoreRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken atomically marks the token rotated iff it is still
	// the head of its chain. Returns ErrNotChainHead otherwise; the caller is
	// then expected to burn the chain with RevokeRefreshTokenChain.
	RotateRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeRefreshTokenChain(ctx context.Context, chainID string) error

	// RevokeUserTokens revokes every access and refresh token issued to the
	// user, across all clients. Used by RP-initiated logout.
	RevokeUserTokens(ctx context.Context, userID string) error

	// DenylistJWT records a revoked JWT jti until its natural expiry.
	DenylistJWT(ctx context.Context, jti string, expiresAt time.Time) error
	IsJWTDenylisted(ctx context.Context, jti string) (bool, error)
}

// UserRepository persists the minimal user records backing ID token claims
// and the userinfo endpoint. Not part of OAuthRepository: deployments that
// bring their own identity system never touch it.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// ConsentRepository persists per-user per-client scope grants.
type ConsentRepository interface {
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)
	SaveConsent(ctx context.Context, consent *Consent) error
	DeleteConsent(ctx context.Context, userID, clientID string) error
}

// OAuthRepository is the full storage adapter surface the engines depend on.
// Implementations: storage (in-memory) and mongodb.
type OAuthRepository interface {
	ClientRepository
	AuthCodeRepository
	TokenRepository
	ConsentRepository
}
