// Package storage provides the in-memory implementation of the storage
// adapter contract. It backs tests and single-node deployments; the mongodb
// package is the durable implementation.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-dev/aegis/domain"
)

// MemoryStore implements domain.OAuthRepository with mutex-guarded maps.
// The conditional updates (ConsumeAuthCode, RotateRefreshToken) hold the
// store lock across read and write, which makes them linearizable.
type MemoryStore struct {
	mu sync.Mutex

	clients       map[string]*domain.Client
	codes         map[string]*domain.AuthCode
	accessTokens  map[string]*domain.AccessToken  // keyed by token hash
	refreshTokens map[string]*domain.RefreshToken // keyed by token hash
	consents      map[string]*domain.Consent      // keyed by userID+"\x00"+clientID
	denylist      map[string]time.Time            // jti -> expiry
}

// NewMemoryStore creates an empty in-memory storage adapter.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[string]*domain.Client),
		codes:         make(map[string]*domain.AuthCode),
		accessTokens:  make(map[string]*domain.AccessToken),
		refreshTokens: make(map[string]*domain.RefreshToken),
		consents:      make(map[string]*domain.Consent),
		denylist:      make(map[string]time.Time),
	}
}

var _ domain.OAuthRepository = (*MemoryStore)(nil)

// --- Clients ---

func (s *MemoryStore) CreateClient(_ context.Context, client *domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; ok {
		return domain.ErrAlreadyExists
	}
	clone := *client
	s.clients[client.ID] = &clone

	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cli, ok := s.clients[clientID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *cli

	return &clone, nil
}

func (s *MemoryStore) UpdateClient(_ context.Context, client *domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; !ok {
		return domain.ErrNotFound
	}
	clone := *client
	s.clients[client.ID] = &clone

	return nil
}

// DeleteClient removes the client and cascades its codes, tokens and
// consents.
func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.clients, clientID)

	for hash, code := range s.codes {
		if code.ClientID == clientID {
			delete(s.codes, hash)
		}
	}
	for hash, tok := range s.accessTokens {
		if tok.ClientID == clientID {
			delete(s.accessTokens, hash)
		}
	}
	for hash, tok := range s.refreshTokens {
		if tok.ClientID == clientID {
			delete(s.refreshTokens, hash)
		}
	}
	for key, consent := range s.consents {
		if consent.ClientID == clientID {
			delete(s.consents, key)
		}
	}

	return nil
}

// --- Authorization codes ---

func (s *MemoryStore) SaveAuthCode(_ context.Context, code *domain.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code.CodeHash]; ok {
		return domain.ErrAlreadyExists
	}
	clone := *code
	s.codes[code.CodeHash] = &clone

	return nil
}

func (s *MemoryStore) GetAuthCode(_ context.Context, codeHash string) (*domain.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *code

	return &clone, nil
}

// ConsumeAuthCode flips the consumed flag under the store lock: exactly one
// of two concurrent calls wins.
func (s *MemoryStore) ConsumeAuthCode(_ context.Context, codeHash string) (*domain.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if code.Consumed {
		return nil, domain.ErrAlreadyConsumed
	}
	code.Consumed = true
	clone := *code

	return &clone, nil
}

func (s *MemoryStore) DeleteExpiredAuthCodes(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, code := range s.codes {
		if now.After(code.ExpiresAt) {
			delete(s.codes, hash)
		}
	}

	return nil
}

// --- Access tokens ---

func (s *MemoryStore) StoreAccessToken(_ context.Context, token *domain.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.accessTokens[token.TokenHash] = &clone

	return nil
}

func (s *MemoryStore) GetAccessToken(_ context.Context, tokenHash string) (*domain.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.accessTokens[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *tok

	return &clone, nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.accessTokens[tokenHash]
	if !ok {
		return domain.ErrNotFound
	}
	tok.Revoked = true

	return nil
}

// --- Refresh tokens ---

func (s *MemoryStore) StoreRefreshToken(_ context.Context, token *domain.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.refreshTokens[token.TokenHash] = &clone

	return nil
}

func (s *MemoryStore) GetRefreshToken(_ context.Context, tokenHash string) (*domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *tok

	return &clone, nil
}

// RotateRefreshToken marks the token rotated iff it is still the chain head.
func (s *MemoryStore) RotateRefreshToken(_ context.Context, tokenHash string) (*domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !tok.Head() {
		return nil, domain.ErrNotChainHead
	}
	tok.Rotated = true
	clone := *tok

	return &clone, nil
}

func (s *MemoryStore) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.refreshTokens[tokenHash]
	if !ok {
		return domain.ErrNotFound
	}
	tok.Revoked = true

	return nil
}

func (s *MemoryStore) RevokeRefreshTokenChain(_ context.Context, chainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range s.refreshTokens {
		if tok.ChainID == chainID {
			tok.Revoked = true
		}
	}

	return nil
}

func (s *MemoryStore) RevokeUserTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range s.accessTokens {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}
	for _, tok := range s.refreshTokens {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}

	return nil
}

// --- JWT denylist ---

func (s *MemoryStore) DenylistJWT(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.denylist[jti] = expiresAt

	return nil
}

func (s *MemoryStore) IsJWTDenylisted(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.denylist[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(s.denylist, jti)
		return false, nil
	}

	return true, nil
}

// --- Consents ---

func consentKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

func (s *MemoryStore) GetConsent(_ context.Context, userID, clientID string) (*domain.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consent, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *consent
	clone.Scopes = append([]string(nil), consent.Scopes...)

	return &clone, nil
}

func (s *MemoryStore) SaveConsent(_ context.Context, consent *domain.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *consent
	clone.Scopes = append([]string(nil), consent.Scopes...)
	s.consents[consentKey(consent.UserID, consent.ClientID)] = &clone

	return nil
}

func (s *MemoryStore) DeleteConsent(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, consentKey(userID, clientID))

	return nil
}
