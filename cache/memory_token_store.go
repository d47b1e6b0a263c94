package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryTokenStore implements TokenStore using ttlcache.
type MemoryTokenStore struct {
	cache *ttlcache.Cache[string, *Entry]
}

// NewMemoryTokenStore creates an in-memory token cache with automatic
// expiry cleanup.
func NewMemoryTokenStore(defaultTTL time.Duration) *MemoryTokenStore {
	c := ttlcache.New(
		ttlcache.WithTTL[string, *Entry](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	)

	go c.Start()

	return &MemoryTokenStore{cache: c}
}

var _ TokenStore = (*MemoryTokenStore)(nil)

// Set caches the entry until its own expiry.
func (s *MemoryTokenStore) Set(_ context.Context, entry *Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	s.cache.Set(entry.TokenHash, entry, ttl)

	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, tokenHash string) (*Entry, error) {
	item := s.cache.Get(tokenHash)
	if item == nil {
		return nil, ErrCacheMiss
	}

	return item.Value(), nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, tokenHash string) error {
	s.cache.Delete(tokenHash)

	return nil
}

// DeleteByUser evicts every cached token of the user. Called on logout so
// revoked tokens stop verifying immediately.
func (s *MemoryTokenStore) DeleteByUser(_ context.Context, userID string) error {
	for _, hash := range s.collectKeys(func(e *Entry) bool { return e.UserID == userID }) {
		s.cache.Delete(hash)
	}

	return nil
}

// DeleteByClient evicts every cached token of the client. Called when a
// client registration is deleted and its tokens cascade away.
func (s *MemoryTokenStore) DeleteByClient(_ context.Context, clientID string) error {
	for _, hash := range s.collectKeys(func(e *Entry) bool { return e.ClientID == clientID }) {
		s.cache.Delete(hash)
	}

	return nil
}

func (s *MemoryTokenStore) collectKeys(match func(*Entry) bool) []string {
	var keys []string
	s.cache.Range(func(item *ttlcache.Item[string, *Entry]) bool {
		if match(item.Value()) {
			keys = append(keys, item.Key())
		}
		return true
	})

	return keys
}

func (s *MemoryTokenStore) DeleteExpired(_ context.Context) error {
	s.cache.DeleteExpired()

	return nil
}

func (s *MemoryTokenStore) Count(_ context.Context) int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryTokenStore) Close() error {
	s.cache.Stop()

	return nil
}
