package domain

import "time"

// User is the minimal identity the authorization server needs. Full identity
// management (credentials, profile editing) lives behind the IdentityProvider
// collaborator; this record only carries the claims surfaced in ID tokens and
// at the userinfo endpoint.
type User struct {
	ID            string    `bson:"_id" json:"id"`
	Username      string    `bson:"username" json:"username"`
	Email         string    `bson:"email,omitempty" json:"email,omitempty"`
	EmailVerified bool      `bson:"email_verified,omitempty" json:"email_verified,omitempty"`
	Name          string    `bson:"name,omitempty" json:"name,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}
