package aegis

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCEMethodS256 is the only code challenge method the server accepts.
// The "plain" method is forbidden under OAuth 2.1.
const PKCEMethodS256 = "S256"

// pkce verifier length bounds per RFC 7636 §4.1.
const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// ValidatePKCEChallenge verifies a code verifier against a stored S256
// challenge: BASE64URL(SHA256(verifier)) == challenge. The comparison is
// constant time.
func ValidatePKCEChallenge(challenge, verifier string) bool {
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen {
		return false
	}

	sum := sha256.Sum256([]byte(verifier))
	calculated := base64.RawURLEncoding.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(calculated), []byte(challenge)) == 1
}

// ValidateChallengeRequest checks the challenge parameters presented at the
// authorization endpoint. S256 is mandatory; a missing challenge or any other
// method is rejected.
func ValidateChallengeRequest(challenge, method string) bool {
	if challenge == "" || method != PKCEMethodS256 {
		return false
	}
	// A valid S256 challenge is the base64url form of a SHA-256 digest.
	decoded, err := base64.RawURLEncoding.DecodeString(challenge)
	if err != nil {
		return false
	}

	return len(decoded) == sha256.Size
}
