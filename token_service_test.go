package aegis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
)

func assertOAuthCode(t *testing.T, err error, code string) {
	t.Helper()

	var oauthErr *errors.OAuth2Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, code, oauthErr.Code)
}

func TestExchangeAuthorizationCode(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1", Username: "alice"}
	code := env.obtainCode(t, cli, user, "openid profile offline_access")

	svc := env.tokenService()
	resp, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.AccessToken, "at_"))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int(env.config.AccessTokenTTL.Seconds()), resp.ExpiresIn)
	assert.True(t, strings.HasPrefix(resp.RefreshToken, "rt_"), "offline_access grants a refresh token")
	assert.NotEmpty(t, resp.IDToken, "openid scope yields an id token")

	// The id token carries the nonce bound at the authorization request.
	claims, err := env.codec.VerifyJWT(resp.IDToken, env.codec.SigningKeyFor(cli.SecretHash), cli.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
}

func TestExchangePublicClientNoSecret(t *testing.T) {
	env := newTestEnv(t)
	cli := env.registerPublic(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()
	resp, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken, "no offline_access, no refresh token")
}

func TestExchangeWrongClientSecret(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         "whatever",
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: "wrong",
	})
	assertOAuthCode(t, err, errors.InvalidClient)
}

func TestExchangeWrongVerifier(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: strings.Repeat("b", 43),
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidGrant)
}

func TestExchangeRedirectMismatch(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://app.test/other",
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidGrant)
}

func TestExchangeCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()
	req := &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	}

	_, err := svc.Exchange(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), req)
	assertOAuthCode(t, err, errors.InvalidGrant)
}

func TestExchangeCodeConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Exchange(context.Background(), &TokenRequest{
				GrantType:    "authorization_code",
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: testVerifier,
				ClientID:     cli.ID,
				ClientSecret: secret,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent exchange may win the code")
}

func TestExchangeExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	env.config.AuthCodeTTL = -time.Second
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidGrant)
}

func TestExchangeCodeBoundToClient(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	other, otherSecret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid")

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     other.ID,
		ClientSecret: otherSecret,
	})
	assertOAuthCode(t, err, errors.InvalidGrant)
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid offline_access")

	svc := env.tokenService()
	first, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.RefreshToken)

	second, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	// The new token continues the same chain.
	oldStored, err := env.repo.GetRefreshToken(context.Background(), env.codec.HashOpaque(first.RefreshToken))
	require.NoError(t, err)
	newStored, err := env.repo.GetRefreshToken(context.Background(), env.codec.HashOpaque(second.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, oldStored.ChainID, newStored.ChainID)
	assert.True(t, oldStored.Rotated)
	assert.True(t, newStored.Head())
}

func TestRefreshReplayBurnsChain(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid offline_access")

	svc := env.tokenService()
	first, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	second, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	// Replaying the rotated token is treated as theft: the whole chain dies.
	_, err = svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidGrant)

	_, err = svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: second.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidGrant)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid profile offline_access")

	svc := env.tokenService()
	first, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	narrowed, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		Scope:        "openid",
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	assert.Equal(t, "openid", narrowed.Scope)

	// Widening beyond the original grant is refused.
	_, err = svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: narrowed.RefreshToken,
		Scope:        "openid profile email",
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidScope)
}

func TestRefreshPreservesResourceAudience(t *testing.T) {
	env := newTestEnv(t)
	env.config.AccessTokenFormat = TokenFormatJWT

	resp, err := env.registry.Register(context.Background(), &client.RegistrationRequest{
		ClientName:   "audience app",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scope:        "openid offline_access",
		Resource:     "https://api.test",
	})
	require.NoError(t, err)
	cli, err := env.registry.Get(context.Background(), resp.ClientID)
	require.NoError(t, err)

	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid offline_access")

	svc := env.tokenService()
	first, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		Resource:     "https://api.test",
		ClientID:     cli.ID,
		ClientSecret: resp.ClientSecret,
	})
	require.NoError(t, err)

	_, err = env.codec.VerifyJWT(first.AccessToken, env.codec.SigningKeyFor(cli.SecretHash), "https://api.test")
	require.NoError(t, err)

	// The refreshed token keeps the audience of the original grant even when
	// the refresh request does not restate it.
	second, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: resp.ClientSecret,
	})
	require.NoError(t, err)

	claims, err := env.codec.VerifyJWT(second.AccessToken, env.codec.SigningKeyFor(cli.SecretHash), "https://api.test")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)

	stored, err := env.repo.GetRefreshToken(context.Background(), env.codec.HashOpaque(second.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, "https://api.test", stored.Resource, "rotation carries the resource forward")

	// Restating the audience is fine, changing it is not.
	third, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: second.RefreshToken,
		Resource:     "https://api.test",
		ClientID:     cli.ID,
		ClientSecret: resp.ClientSecret,
	})
	require.NoError(t, err)

	_, err = svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: third.RefreshToken,
		Resource:     "https://other.test",
		ClientID:     cli.ID,
		ClientSecret: resp.ClientSecret,
	})
	assertOAuthCode(t, err, errors.InvalidTarget)
}

func TestClientCredentials(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)

	svc := env.tokenService()
	resp, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "client_credentials",
		Scope:        "profile",
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken, "client_credentials never issues a refresh token")
	assert.Empty(t, resp.IDToken, "client_credentials never issues an id token")
	assert.Equal(t, "profile", resp.Scope)

	// No end user behind the token.
	stored, err := env.repo.GetAccessToken(context.Background(), env.codec.HashOpaque(resp.AccessToken))
	require.NoError(t, err)
	assert.Empty(t, stored.UserID)
}

func TestClientCredentialsPublicClientRejected(t *testing.T) {
	env := newTestEnv(t)
	cli := env.registerPublic(t)

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType: "client_credentials",
		ClientID:  cli.ID,
	})
	assertOAuthCode(t, err, errors.UnauthorizedClient)
}

func TestClientCredentialsScopeBoundedByRegistration(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "client_credentials",
		Scope:        "email",
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.InvalidScope)
}

func TestExchangeUnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)

	svc := env.tokenService()
	_, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "password",
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	assertOAuthCode(t, err, errors.UnsupportedGrantType)
}

func TestExchangeJWTAccessTokenFormat(t *testing.T) {
	env := newTestEnv(t)
	env.config.AccessTokenFormat = TokenFormatJWT
	cli, secret := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	code := env.obtainCode(t, cli, user, "openid profile")

	svc := env.tokenService()
	resp, err := svc.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	claims, err := env.codec.VerifyJWT(resp.AccessToken, env.codec.SigningKeyFor(cli.SecretHash), "")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, cli.ID, claims.ClientID)
	assert.Equal(t, "openid profile", claims.Scope)
}
