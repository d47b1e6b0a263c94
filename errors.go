package aegis

import "errors"

var (
	// ErrTokenInvalid is the single error class for every token verification
	// failure. Missing, expired, tampered and revoked tokens are
	// indistinguishable to callers so the verification path leaks nothing.
	ErrTokenInvalid = errors.New("token is invalid")

	ErrReplayDetected      = errors.New("refresh token replay detected")
	ErrContinuationInvalid = errors.New("continuation token is invalid")

	// ErrConfiguration is fatal at startup: missing signing key, short
	// server secret and the like.
	ErrConfiguration = errors.New("invalid server configuration")
)
