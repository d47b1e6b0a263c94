package flow

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrContinuationInvalid covers every continuation verification failure:
// bad signature, expiry, wrong purpose. One error class, no detail.
var ErrContinuationInvalid = errors.New("continuation token is invalid")

const continuationPurpose = "authz_continuation"

type continuationClaims struct {
	jwt.RegisteredClaims

	Purpose string `json:"purpose"`
}

// ContinuationSigner mints and verifies the opaque signed parameter that
// carries a parked authorization flow across the login and consent redirects.
// Continuation tokens are signed with the server secret and live much shorter
// than authorization codes.
type ContinuationSigner struct {
	key []byte
	ttl time.Duration
}

// NewContinuationSigner creates a signer with the given HMAC key and token
// lifetime.
func NewContinuationSigner(key []byte, ttl time.Duration) *ContinuationSigner {
	return &ContinuationSigner{key: key, ttl: ttl}
}

// TTL returns the continuation lifetime, which also bounds flow state expiry.
func (s *ContinuationSigner) TTL() time.Duration {
	return s.ttl
}

// Sign mints a continuation token referencing the flow ID.
func (s *ContinuationSigner) Sign(flowID string) (string, error) {
	now := time.Now()
	claims := continuationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   flowID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Purpose: continuationPurpose,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks the token and returns the flow ID it references.
func (s *ContinuationSigner) Verify(token string) (string, error) {
	claims := &continuationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || claims.Purpose != continuationPurpose || claims.Subject == "" {
		return "", ErrContinuationInvalid
	}

	return claims.Subject, nil
}
