package aegis

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
)

func validAuthorizeRequest(clientID string) *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       challengeFor(testVerifier),
		CodeChallengeMethod: "S256",
	}
}

func TestAuthorizeNoSessionParksAtLogin(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	svc := env.authzService(staticIdentity(nil))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)

	assert.Equal(t, DecisionLoginRequired, decision.Kind)
	assert.True(t, strings.HasPrefix(decision.RedirectURL, env.config.LoginURL))
	assert.Contains(t, decision.RedirectURL, "continuation=")
	assert.NotEmpty(t, decision.Continuation)
}

func TestAuthorizeWithoutConsentParksAtConsent(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1", Username: "alice"}

	svc := env.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)

	assert.Equal(t, DecisionConsentRequired, decision.Kind)
	assert.True(t, strings.HasPrefix(decision.RedirectURL, env.config.ConsentURL))
	assert.Equal(t, []string{"openid", "profile"}, decision.Scopes)
}

func TestAuthorizeWithConsentIssuesCode(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1", Username: "alice"}

	code := env.obtainCode(t, cli, user, "openid profile")

	// The code is opaque and stored only by digest
	stored, err := env.repo.GetAuthCode(context.Background(), env.codec.HashOpaque(code))
	require.NoError(t, err)
	assert.Equal(t, cli.ID, stored.ClientID)
	assert.Equal(t, "u1", stored.UserID)
	assert.False(t, stored.Consumed)
}

func TestAuthorizeEchoesState(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	env.seedConsent(t, user.ID, cli.ID, []string{"openid", "profile"})

	svc := env.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)

	u, err := url.Parse(decision.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestAuthorizePromptConsentForcesConsent(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}
	env.seedConsent(t, user.ID, cli.ID, []string{"openid", "profile"})

	req := validAuthorizeRequest(cli.ID)
	req.Prompt = "consent"

	svc := env.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), req)
	require.NoError(t, err)

	assert.Equal(t, DecisionConsentRequired, decision.Kind)
}

func TestAuthorizeUnknownClientNotRedirectable(t *testing.T) {
	env := newTestEnv(t)

	svc := env.authzService(staticIdentity(nil))
	_, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest("nope"))
	require.Error(t, err)

	var authzErr *AuthorizeError
	require.ErrorAs(t, err, &authzErr)
	assert.False(t, authzErr.Redirectable())
	assert.Equal(t, errors.InvalidClient, authzErr.OAuthErr.Code)
}

func TestAuthorizeUnregisteredRedirectNotRedirectable(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	req := validAuthorizeRequest(cli.ID)
	req.RedirectURI = "https://evil.test/cb"

	svc := env.authzService(staticIdentity(nil))
	_, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), req)
	require.Error(t, err)

	var authzErr *AuthorizeError
	require.ErrorAs(t, err, &authzErr)
	assert.False(t, authzErr.Redirectable())
}

func TestAuthorizeMissingPKCERedirectsError(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	req := validAuthorizeRequest(cli.ID)
	req.CodeChallenge = ""

	svc := env.authzService(staticIdentity(nil))
	_, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), req)
	require.Error(t, err)

	var authzErr *AuthorizeError
	require.ErrorAs(t, err, &authzErr)
	require.True(t, authzErr.Redirectable())

	u, parseErr := url.Parse(authzErr.RedirectURL())
	require.NoError(t, parseErr)
	assert.Equal(t, errors.InvalidRequest, u.Query().Get("error"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestAuthorizePlainChallengeMethodRejected(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	req := validAuthorizeRequest(cli.ID)
	req.CodeChallengeMethod = "plain"

	svc := env.authzService(staticIdentity(nil))
	_, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), req)
	require.Error(t, err)
}

func TestAuthorizeTokenResponseTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	req := validAuthorizeRequest(cli.ID)
	req.ResponseType = "token"

	svc := env.authzService(staticIdentity(nil))
	_, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), req)
	require.Error(t, err)

	var authzErr *AuthorizeError
	require.ErrorAs(t, err, &authzErr)
	assert.Equal(t, errors.UnsupportedResponse, authzErr.OAuthErr.Code)
}

func TestResumeLoginThenConsentIssuesCode(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1", Username: "alice"}

	svc := env.authzService(staticIdentity(nil))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)
	require.Equal(t, DecisionLoginRequired, decision.Kind)

	// Login UI authenticated the user; no consent on file yet.
	decision, err = svc.ResumeLogin(context.Background(), decision.Continuation, &Identity{User: user}, "")
	require.NoError(t, err)
	require.Equal(t, DecisionConsentRequired, decision.Kind)

	decision, err = svc.ResumeConsent(context.Background(), decision.Continuation, user.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, DecisionCodeIssued, decision.Kind)

	u, err := url.Parse(decision.RedirectURL)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get("code"))
	assert.Equal(t, "xyz", u.Query().Get("state"))

	// The consent is now on file and unioned for later requests.
	consent, err := env.repo.GetConsent(context.Background(), user.ID, cli.ID)
	require.NoError(t, err)
	assert.True(t, consent.Covers([]string{"openid", "profile"}))
}

func TestResumeConsentDenyRedirectsAccessDenied(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}

	svc := env.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)
	require.Equal(t, DecisionConsentRequired, decision.Kind)

	_, err = svc.ResumeConsent(context.Background(), decision.Continuation, user.ID, false, "")
	require.Error(t, err)

	var authzErr *AuthorizeError
	require.ErrorAs(t, err, &authzErr)
	require.True(t, authzErr.Redirectable())
	assert.Equal(t, errors.AccessDenied, authzErr.OAuthErr.Code)

	// Nothing persisted on deny.
	_, err = env.repo.GetConsent(context.Background(), user.ID, cli.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestContinuationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}

	svc := env.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)

	_, err = svc.ResumeConsent(context.Background(), decision.Continuation, user.ID, true, "")
	require.NoError(t, err)

	_, err = svc.ResumeConsent(context.Background(), decision.Continuation, user.ID, true, "")
	require.Error(t, err)
}

func TestResumeConsentWrongUserRejected(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)
	user := &domain.User{ID: "u1"}

	svc := env.authzService(staticIdentity(user))
	decision, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), validAuthorizeRequest(cli.ID))
	require.NoError(t, err)

	_, err = svc.ResumeConsent(context.Background(), decision.Continuation, "someone-else", true, "")
	require.Error(t, err)
}

func TestAuthorizeScopeNotAllowedRedirectsInvalidScope(t *testing.T) {
	env := newTestEnv(t)
	cli, _ := env.registerConfidential(t)

	req := validAuthorizeRequest(cli.ID)
	req.Scope = "openid admin:everything"

	svc := env.authzService(staticIdentity(nil))
	_, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "/authorize", nil), req)
	require.Error(t, err)

	var authzErr *AuthorizeError
	require.ErrorAs(t, err, &authzErr)
	require.True(t, authzErr.Redirectable())
	assert.Equal(t, errors.InvalidScope, authzErr.OAuthErr.Code)
}
