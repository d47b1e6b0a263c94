// Package redis implements the token cache on a Redis backend so multiple
// server instances share one cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-dev/aegis/cache"
)

// TokenStore implements cache.TokenStore backed by Redis.
type TokenStore struct {
	client *redis.Client
	prefix string
}

// NewTokenStore creates a Redis-backed token cache. The prefix namespaces
// keys when the Redis instance is shared.
func NewTokenStore(client *redis.Client, prefix string) *TokenStore {
	return &TokenStore{
		client: client,
		prefix: prefix,
	}
}

var _ cache.TokenStore = (*TokenStore)(nil)

func (r *TokenStore) redisKey(tokenHash string) string {
	return fmt.Sprintf("%s:token:%s", r.prefix, tokenHash)
}

// Set stores the entry with a TTL matching its expiry. Redis evicts the key
// on its own, so DeleteExpired has nothing to do here.
func (r *TokenStore) Set(ctx context.Context, entry *cache.Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := r.client.Set(ctx, r.redisKey(entry.TokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token in redis: %w", err)
	}

	return nil
}

func (r *TokenStore) Get(ctx context.Context, tokenHash string) (*cache.Entry, error) {
	payload, err := r.client.Get(ctx, r.redisKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get token from redis: %w", err)
	}

	entry := &cache.Entry{}
	if err := json.Unmarshal(payload, entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	return entry, nil
}

func (r *TokenStore) Delete(ctx context.Context, tokenHash string) error {
	if err := r.client.Del(ctx, r.redisKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("failed to delete token from redis: %w", err)
	}

	return nil
}

// DeleteByUser scans the keyspace and drops every entry of the user. Bulk
// revocation is rare (logout), so the scan cost is acceptable.
func (r *TokenStore) DeleteByUser(ctx context.Context, userID string) error {
	return r.deleteMatching(ctx, func(e *cache.Entry) bool { return e.UserID == userID })
}

// DeleteByClient scans the keyspace and drops every entry of the client.
func (r *TokenStore) DeleteByClient(ctx context.Context, clientID string) error {
	return r.deleteMatching(ctx, func(e *cache.Entry) bool { return e.ClientID == clientID })
}

func (r *TokenStore) deleteMatching(ctx context.Context, match func(*cache.Entry) bool) error {
	var cursor uint64
	pattern := r.redisKey("*")

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan token keys: %w", err)
		}
		for _, key := range keys {
			payload, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // evicted between scan and get
			}
			entry := &cache.Entry{}
			if err := json.Unmarshal(payload, entry); err != nil {
				continue
			}
			if match(entry) {
				if err := r.client.Del(ctx, key).Err(); err != nil {
					return fmt.Errorf("failed to delete token from redis: %w", err)
				}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	return nil
}

// DeleteExpired is a no-op: keys carry their own TTL.
func (r *TokenStore) DeleteExpired(context.Context) error {
	return nil
}

// Count scans the keyspace under the cache prefix.
func (r *TokenStore) Count(ctx context.Context) int {
	var (
		count  int
		cursor uint64
	)
	pattern := r.redisKey("*")

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return count
		}
		count += len(keys)
		if next == 0 {
			break
		}
		cursor = next
	}

	return count
}
