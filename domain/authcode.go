package domain

import "time"

// AuthCode represents an OAuth 2.1 authorization code. The code value itself
// is never stored; codes are keyed by their keyed HMAC-SHA256 digest.
type AuthCode struct {
	CodeHash            string    `bson:"_id" json:"code_hash"`
	ClientID            string    `bson:"client_id" json:"client_id"`
	UserID              string    `bson:"user_id" json:"user_id"`
	RedirectURI         string    `bson:"redirect_uri" json:"redirect_uri"`
	Scope               string    `bson:"scope" json:"scope"`
	Resource            string    `bson:"resource,omitempty" json:"resource,omitempty"`
	Nonce               string    `bson:"nonce,omitempty" json:"nonce,omitempty"`
	CodeChallenge       string    `bson:"code_challenge" json:"code_challenge"`
	CodeChallengeMethod string    `bson:"code_challenge_method" json:"code_challenge_method"`
	ExpiresAt           time.Time `bson:"expires_at" json:"expires_at"`
	Consumed            bool      `bson:"consumed" json:"consumed"`
	CreatedAt           time.Time `bson:"created_at" json:"created_at"`
}

// Expired reports whether the code is past its TTL at the given instant.
func (c *AuthCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
