package aegis

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// minServerSecretLen guards against HMAC keys weaker than the digest size.
const minServerSecretLen = 32

// AccessClaims is the claim set carried by JWT access and ID tokens.
type AccessClaims struct {
	jwt.RegisteredClaims

	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// TokenCodec produces and verifies token material: opaque values with
// server-side HMAC digests, and HS256 JWTs.
type TokenCodec struct {
	serverSecret []byte
	issuer       string
}

// NewTokenCodec creates a codec bound to the process-wide server secret.
// The secret is read-only after startup; a short secret is a fatal
// configuration error.
func NewTokenCodec(serverSecret []byte, issuer string) (*TokenCodec, error) {
	if len(serverSecret) < minServerSecretLen {
		return nil, fmt.Errorf("%w: server secret must be at least %d bytes", ErrConfiguration, minServerSecretLen)
	}
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer must not be empty", ErrConfiguration)
	}

	return &TokenCodec{
		serverSecret: serverSecret,
		issuer:       issuer,
	}, nil
}

// Issuer returns the configured issuer identifier.
func (c *TokenCodec) Issuer() string {
	return c.issuer
}

// IssueOpaque generates a 256-bit random token. The plaintext is returned
// exactly once; only the HMAC-SHA256 digest is ever persisted.
func (c *TokenCodec) IssueOpaque(prefix string) (plaintext, storedHash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	plaintext = prefix + "_" + base64.RawURLEncoding.EncodeToString(raw)

	return plaintext, c.HashOpaque(plaintext), nil
}

// HashOpaque computes the storage digest of an opaque token value.
func (c *TokenCodec) HashOpaque(plaintext string) string {
	mac := hmac.New(sha256.New, c.serverSecret)
	mac.Write([]byte(plaintext))

	return hex.EncodeToString(mac.Sum(nil))
}

// CompareOpaque compares a presented token against a stored digest in
// constant time.
func (c *TokenCodec) CompareOpaque(plaintext, storedHash string) bool {
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.serverSecret)
	mac.Write([]byte(plaintext))

	return hmac.Equal(mac.Sum(nil), want)
}

// SigningKeyFor derives the HS256 key used for a client's JWTs. Confidential
// clients get a key derived from their secret hash so a secret rotation
// invalidates outstanding tokens; public clients fall back to the server key.
func (c *TokenCodec) SigningKeyFor(secretHash string) []byte {
	if secretHash == "" {
		return c.serverSecret
	}
	mac := hmac.New(sha256.New, c.serverSecret)
	mac.Write([]byte(secretHash))

	return mac.Sum(nil)
}

// IssueJWT signs the claims with HS256 under the given key, filling in
// issuer, jti and iat when absent.
func (c *TokenCodec) IssueJWT(claims *AccessClaims, key []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// PeekClaims decodes a JWT's claims WITHOUT verifying the signature. Only
// used to route to the right verification key (the client named in the
// claims); every peeked token must still pass VerifyJWT before it is trusted.
func (c *TokenCodec) PeekClaims(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// VerifyJWT checks signature, expiry and, when audience is non-empty, the aud
// claim. Every failure collapses into ErrTokenInvalid so the caller cannot
// distinguish a token that never existed from one that merely expired.
func (c *TokenCodec) VerifyJWT(tokenString string, key []byte, audience string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
