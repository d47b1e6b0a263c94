package flow

import "time"

// State holds the validated parameters of an authorization request while the
// flow is parked at the login or consent step. It is keyed by a random flow
// ID; the user only ever carries the signed continuation token referencing it.
type State struct {
	FlowID              string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	Prompt              string
	UserID              string // populated once the user authenticated
	ExpiresAt           time.Time
}
