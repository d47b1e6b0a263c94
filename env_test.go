package aegis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-dev/aegis/cache"
	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/internal/flow"
	"github.com/aegis-dev/aegis/storage"
)

const (
	testRedirectURI = "https://app.test/cb"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testEnv struct {
	repo          *storage.MemoryStore
	registry      *client.Registry
	codec         *TokenCodec
	tokenCache    cache.TokenStore
	flows         *flow.Store
	continuations *flow.ContinuationSigner
	config        *ProviderConfig
	hooks         *HookRunner
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, cache.NoopStore{})
}

func newTestEnvWithStore(t *testing.T, tokenCache cache.TokenStore) *testEnv {
	t.Helper()

	codec, err := NewTokenCodec(testSecret, "https://auth.test")
	require.NoError(t, err)

	repo := storage.NewMemoryStore()
	cfg := NewDefaultProviderConfig("https://auth.test")

	return &testEnv{
		repo:          repo,
		registry:      client.NewRegistry(repo, tokenCache, cfg.AllowedScopes, 0),
		codec:         codec,
		tokenCache:    tokenCache,
		flows:         flow.NewStore(),
		continuations: flow.NewContinuationSigner(testSecret, cfg.ContinuationTTL),
		config:        cfg,
		hooks:         NewHookRunner(Hooks{}),
	}
}

func (e *testEnv) registerConfidential(t *testing.T) (*domain.Client, string) {
	t.Helper()

	resp, err := e.registry.Register(context.Background(), &client.RegistrationRequest{
		ClientName:   "test app",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token", "client_credentials"},
		Scope:        "openid profile offline_access",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ClientSecret)

	cli, err := e.registry.Get(context.Background(), resp.ClientID)
	require.NoError(t, err)

	return cli, resp.ClientSecret
}

func (e *testEnv) registerPublic(t *testing.T) *domain.Client {
	t.Helper()

	resp, err := e.registry.Register(context.Background(), &client.RegistrationRequest{
		ClientName:              "test spa",
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "openid profile offline_access",
	})
	require.NoError(t, err)
	require.Empty(t, resp.ClientSecret)

	cli, err := e.registry.Get(context.Background(), resp.ClientID)
	require.NoError(t, err)

	return cli
}

func (e *testEnv) authzService(identity IdentityProvider) *AuthorizationService {
	return NewAuthorizationService(e.repo, e.registry, e.codec, identity, e.hooks, e.flows, e.continuations, e.config)
}

func (e *testEnv) tokenService() *TokenService {
	return NewTokenService(e.repo, e.registry, e.codec, e.tokenCache, e.config)
}

func staticIdentity(user *domain.User) IdentityProvider {
	return IdentityProviderFunc(func(context.Context, *http.Request) (*Identity, error) {
		if user == nil {
			return nil, nil
		}
		return &Identity{User: user}, nil
	})
}

func (e *testEnv) seedConsent(t *testing.T, userID, clientID string, scopes []string) {
	t.Helper()

	now := time.Now()
	err := e.repo.SaveConsent(context.Background(), &domain.Consent{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
}

// obtainCode drives a full authorization for a user with consent on file and
// returns the code handed back on the redirect.
func (e *testEnv) obtainCode(t *testing.T, cli *domain.Client, user *domain.User, scope string) string {
	t.Helper()

	e.seedConsent(t, user.ID, cli.ID, SplitScopes(scope))

	svc := e.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), &AuthorizeRequest{
		ClientID:            cli.ID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               scope,
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       challengeFor(testVerifier),
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionCodeIssued, decision.Kind)

	u, err := url.Parse(decision.RedirectURL)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	return code
}
