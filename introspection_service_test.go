package aegis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
)

func (e *testEnv) introspectionService() *IntrospectionService {
	return NewIntrospectionService(e.repo, e.registry, e.codec, e.tokenCache)
}

// issueTokens runs a full code exchange and returns the token response.
func (e *testEnv) issueTokens(t *testing.T, cli *domain.Client, secret, scope string) *TokenResponse {
	t.Helper()

	user := &domain.User{ID: "u1", Username: "alice"}
	code := e.obtainCode(t, cli, user, scope)

	resp, err := e.tokenService().Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	return resp
}

func TestIntrospectActiveAccessToken(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid profile")

	svc := env.introspectionService()
	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	assert.True(t, resp.Active)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.Equal(t, cli.ID, resp.ClientID)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "u1", resp.Sub)
	assert.Equal(t, "https://auth.test", resp.Iss)
	assert.Greater(t, resp.Exp, resp.Iat)
}

func TestIntrospectRevokedTokenInactive(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid")

	svc := env.introspectionService()
	require.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	}))

	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	assert.False(t, resp.Active)
	assert.Empty(t, resp.Scope, "inactive responses carry no metadata")
}

func TestIntrospectUnknownTokenInactive(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)

	svc := env.introspectionService()
	for _, token := range []string{"", "at_bogus", "not.a.jwt"} {
		resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
			Token:        token,
			ClientID:     cli.ID,
			ClientSecret: secret,
		})
		require.NoError(t, err)
		assert.False(t, resp.Active)
	}
}

func TestIntrospectRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid offline_access")
	require.NotEmpty(t, tokens.RefreshToken)

	svc := env.introspectionService()
	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:         tokens.RefreshToken,
		TokenTypeHint: "refresh_token",
		ClientID:      cli.ID,
		ClientSecret:  secret,
	})
	require.NoError(t, err)

	assert.True(t, resp.Active)
	assert.Equal(t, "refresh_token", resp.TokenType)
	assert.Equal(t, "u1", resp.Sub)
}

func TestIntrospectWrongHintStillResolves(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid offline_access")

	// The hint only orders the lookup; a mislabelled token is still found.
	svc := env.introspectionService()
	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:         tokens.AccessToken,
		TokenTypeHint: "refresh_token",
		ClientID:      cli.ID,
		ClientSecret:  secret,
	})
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, "Bearer", resp.TokenType)
}

func TestIntrospectRotatedRefreshInactive(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid offline_access")

	_, err := env.tokenService().Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokens.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	svc := env.introspectionService()
	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:         tokens.RefreshToken,
		TokenTypeHint: "refresh_token",
		ClientID:      cli.ID,
		ClientSecret:  secret,
	})
	require.NoError(t, err)
	assert.False(t, resp.Active, "a rotated token is no longer the chain head")
}

func TestIntrospectJWTAccessToken(t *testing.T) {
	env := newTestEnv(t)
	env.config.AccessTokenFormat = TokenFormatJWT
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid profile")

	svc := env.introspectionService()
	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)

	assert.True(t, resp.Active)
	assert.Equal(t, "u1", resp.Sub)
	assert.Equal(t, cli.ID, resp.ClientID)
	assert.NotEmpty(t, resp.Jti)
}

func TestRevokeJWTDenylists(t *testing.T) {
	env := newTestEnv(t)
	env.config.AccessTokenFormat = TokenFormatJWT
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid")

	svc := env.introspectionService()
	require.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	}))

	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	assert.False(t, resp.Active, "a denylisted jwt is inactive even though its signature verifies")
}

func TestIntrospectBadClientAuth(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	svc := env.introspectionService()
	_, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:        "at_whatever",
		ClientID:     cli.ID,
		ClientSecret: "wrong",
	})
	assertOAuthCode(t, err, errors.InvalidClient)

	err = svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        "at_whatever",
		ClientID:     cli.ID,
		ClientSecret: "wrong",
	})
	assertOAuthCode(t, err, errors.InvalidClient)
}

func TestRevokeRefreshBurnsChain(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid offline_access")

	svc := env.introspectionService()
	require.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        tokens.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	}))

	_, err := env.tokenService().Exchange(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokens.RefreshToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.Error(t, err)
}

func TestRevokeIsIdempotentAndSilentForForeignTokens(t *testing.T) {
	env := newTestEnv(t)
	cli, secret := env.registerConfidential(t)
	other, otherSecret := env.registerConfidential(t)
	tokens := env.issueTokens(t, cli, secret, "openid")

	svc := env.introspectionService()

	// Unknown token: still a 200.
	assert.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        "at_never_issued",
		ClientID:     cli.ID,
		ClientSecret: secret,
	}))

	// Another client's token: succeeds without touching it.
	assert.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     other.ID,
		ClientSecret: otherSecret,
	}))

	resp, err := svc.Introspect(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	})
	require.NoError(t, err)
	assert.True(t, resp.Active, "a foreign revocation call must not revoke the token")

	// Revoking twice is fine.
	assert.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	}))
	assert.NoError(t, svc.Revoke(context.Background(), &IntrospectionRequest{
		Token:        tokens.AccessToken,
		ClientID:     cli.ID,
		ClientSecret: secret,
	}))
}
