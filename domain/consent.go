package domain

import "time"

// Consent records which scopes a user has authorized for a client. Grants
// grow monotonically (union of historical grants) until explicitly revoked.
type Consent struct {
	UserID    string    `bson:"user_id" json:"user_id"`
	ClientID  string    `bson:"client_id" json:"client_id"`
	Scopes    []string  `bson:"granted_scopes" json:"granted_scopes"`
	GrantedAt time.Time `bson:"granted_at" json:"granted_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Covers reports whether every requested scope has already been granted.
func (c *Consent) Covers(requested []string) bool {
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// Union merges newly granted scopes into the consent record, preserving order
// of the existing grants.
func (c *Consent) Union(scopes []string) {
	seen := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		seen[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := seen[s]; !ok {
			c.Scopes = append(c.Scopes, s)
			seen[s] = struct{}{}
		}
	}
}
