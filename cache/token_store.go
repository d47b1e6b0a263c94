// Package cache provides a read-through cache for opaque access token
// lookups, keyed by token digest. Entries mirror the persisted token record;
// the storage adapter remains the source of truth.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-dev/aegis/domain"
)

// ErrCacheMiss is returned when a digest is not cached. A miss is not an
// authorization decision; callers fall through to the repository.
var ErrCacheMiss = errors.New("cache: token not found")

// Entry is the cached projection of an access token record.
type Entry struct {
	TokenHash string    `json:"token_hash" redis:"tokenHash"`
	ClientID  string    `json:"client_id" redis:"clientId"`
	UserID    string    `json:"user_id" redis:"userId"`
	Scope     string    `json:"scope" redis:"scope"`
	Resource  string    `json:"resource" redis:"resource"`
	Revoked   bool      `json:"revoked" redis:"revoked"`
	IssuedAt  time.Time `json:"issued_at" redis:"issuedAt"`
	ExpiresAt time.Time `json:"expires_at" redis:"expiresAt"`
}

// EntryFromAccessToken projects a token record into its cache entry.
func EntryFromAccessToken(token *domain.AccessToken) *Entry {
	return &Entry{
		TokenHash: token.TokenHash,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     token.Scope,
		Resource:  token.Resource,
		Revoked:   token.Revoked,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	}
}

// Expired reports whether the entry is past its expiry.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TokenStore is the cache contract shared by the in-memory and Redis
// implementations. DeleteByUser and DeleteByClient exist because bulk
// revocation (logout, client deletion) happens in the repository; the cache
// must drop the affected entries too or revoked tokens would keep verifying
// until natural expiry.
type TokenStore interface {
	Set(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, tokenHash string) (*Entry, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteByUser(ctx context.Context, userID string) error
	DeleteByClient(ctx context.Context, clientID string) error
	DeleteExpired(ctx context.Context) error
	Count(ctx context.Context) int
}

// NoopStore satisfies TokenStore without caching anything. Used when the
// cache is disabled by configuration.
type NoopStore struct{}

func (NoopStore) Set(context.Context, *Entry) error            { return nil }
func (NoopStore) Get(context.Context, string) (*Entry, error)  { return nil, ErrCacheMiss }
func (NoopStore) Delete(context.Context, string) error         { return nil }
func (NoopStore) DeleteByUser(context.Context, string) error   { return nil }
func (NoopStore) DeleteByClient(context.Context, string) error { return nil }
func (NoopStore) DeleteExpired(context.Context) error          { return nil }
func (NoopStore) Count(context.Context) int                    { return 0 }
