package aegis

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegis-dev/aegis/domain"
)

// SessionCookieName is the cookie the login UI sets and the identity provider
// reads.
const SessionCookieName = "aegis_session"

// CookieIdentityProvider resolves the current user from a signed session
// cookie. The cookie value is an HS256 JWT minted by MintSessionToken; any
// verification failure is treated as "no session", which routes the flow to
// the login step rather than erroring out.
type CookieIdentityProvider struct {
	codec      *TokenCodec
	users      UserDirectory
	sessionTTL time.Duration
}

// NewCookieIdentityProvider creates the provider. sessionTTL bounds the
// lifetime of minted session tokens.
func NewCookieIdentityProvider(codec *TokenCodec, users UserDirectory, sessionTTL time.Duration) *CookieIdentityProvider {
	return &CookieIdentityProvider{
		codec:      codec,
		users:      users,
		sessionTTL: sessionTTL,
	}
}

var _ IdentityProvider = (*CookieIdentityProvider)(nil)

// MintSessionToken issues the session JWT a login UI places into the cookie
// after verifying the user's credentials.
func (p *CookieIdentityProvider) MintSessionToken(userID string) (string, error) {
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Audience: jwt.ClaimStrings{"session"},
		},
	}

	return p.codec.IssueJWT(claims, p.codec.SigningKeyFor(""), p.sessionTTL)
}

// ResolveCurrentUser reads and verifies the session cookie.
func (p *CookieIdentityProvider) ResolveCurrentUser(ctx context.Context, r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	claims, err := p.codec.VerifyJWT(cookie.Value, p.codec.SigningKeyFor(""), "session")
	if err != nil || claims.Subject == "" {
		return nil, nil
	}

	user, err := p.users.LookupUser(ctx, claims.Subject)
	if err != nil {
		return nil, nil
	}

	return &Identity{User: user}, nil
}

// DirectoryFromRepository adapts a domain.UserRepository into a UserDirectory.
func DirectoryFromRepository(repo domain.UserRepository) UserDirectory {
	return UserDirectoryFunc(func(ctx context.Context, userID string) (*domain.User, error) {
		return repo.GetUser(ctx, userID)
	})
}
