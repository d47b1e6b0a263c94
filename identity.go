package aegis

import (
	"context"
	"net/http"

	"github.com/aegis-dev/aegis/domain"
)

// Identity is the result of resolving the caller's session. Created is set
// when the login step provisioned a brand-new user as a side effect, in which
// case the authorization engine dispatches the signup hook before proceeding.
type Identity struct {
	User    *domain.User
	Created bool
}

// IdentityProvider answers "who is the logged-in user right now". The login
// UI and session-cookie machinery live behind this interface; the engines
// never see cookies or credentials. A nil Identity with a nil error means no
// session, which sends the flow to the login redirect.
type IdentityProvider interface {
	ResolveCurrentUser(ctx context.Context, r *http.Request) (*Identity, error)
}

// IdentityProviderFunc adapts a function to the IdentityProvider interface.
type IdentityProviderFunc func(ctx context.Context, r *http.Request) (*Identity, error)

func (f IdentityProviderFunc) ResolveCurrentUser(ctx context.Context, r *http.Request) (*Identity, error) {
	return f(ctx, r)
}

// UserDirectory resolves a user record by ID for the userinfo endpoint and
// RP-initiated logout. Usually backed by the same system as IdentityProvider.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID string) (*domain.User, error)
}

// UserDirectoryFunc adapts a function to the UserDirectory interface.
type UserDirectoryFunc func(ctx context.Context, userID string) (*domain.User, error)

func (f UserDirectoryFunc) LookupUser(ctx context.Context, userID string) (*domain.User, error) {
	return f(ctx, userID)
}
