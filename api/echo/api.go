// Package echo exposes the authorization server over HTTP using the echo
// framework.
package echo

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	aegis "github.com/aegis-dev/aegis"
	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/errors"
)

// OAuth2API holds the engines behind the HTTP surface.
type OAuth2API struct {
	authz      *aegis.AuthorizationService
	tokens     *aegis.TokenService
	introspect *aegis.IntrospectionService
	sessions   *aegis.SessionService
	clients    *client.Registry
	identity   aegis.IdentityProvider
	config     *aegis.ProviderConfig
}

// NewOAuth2API initializes the OAuth2 API.
func NewOAuth2API(
	authz *aegis.AuthorizationService,
	tokens *aegis.TokenService,
	introspect *aegis.IntrospectionService,
	sessions *aegis.SessionService,
	clients *client.Registry,
	identity aegis.IdentityProvider,
	config *aegis.ProviderConfig,
) *OAuth2API {
	return &OAuth2API{
		authz:      authz,
		tokens:     tokens,
		introspect: introspect,
		sessions:   sessions,
		clients:    clients,
		identity:   identity,
		config:     config,
	}
}

// RegisterRoutes mounts the endpoints under the configured path prefix, plus
// the /oauth2 alias when enabled. Discovery documents always live at the
// well-known root.
func (oa *OAuth2API) RegisterRoutes(e *echo.Echo) {
	prefixes := []string{oa.config.PathPrefix}
	if oa.config.EnableAlias && oa.config.PathPrefix != "/oauth2" {
		prefixes = append(prefixes, "/oauth2")
	}

	for _, prefix := range prefixes {
		g := e.Group(prefix)
		g.GET("/authorize", oa.AuthorizeHandler)
		g.GET("/login/callback", oa.LoginCallbackHandler)
		g.POST("/login/callback", oa.LoginCallbackHandler)
		g.POST("/consent/callback", oa.ConsentCallbackHandler)
		g.POST("/token", oa.TokenHandler)
		g.POST("/introspect", oa.IntrospectHandler)
		g.POST("/revoke", oa.RevokeHandler)
		g.GET("/userinfo", oa.UserInfoHandler)
		g.POST("/userinfo", oa.UserInfoHandler)
		g.POST("/register", oa.RegisterClientHandler)
		g.GET("/register/:client_id", oa.GetClientHandler)
		g.DELETE("/register/:client_id", oa.DeleteClientHandler)
		g.GET("/end-session", oa.EndSessionHandler)
		g.POST("/end-session", oa.EndSessionHandler)
	}

	e.GET("/.well-known/oauth-authorization-server", oa.MetadataHandler)
	e.GET("/.well-known/openid-configuration", oa.MetadataHandler)
}

// AuthorizeHandler handles authorization requests: it runs the state machine
// and either redirects back to the client with a code, or forwards the user
// agent to the login or consent UI with a signed continuation.
func (oa *OAuth2API) AuthorizeHandler(c echo.Context) error {
	req := &aegis.AuthorizeRequest{
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		ResponseType:        c.QueryParam("response_type"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Nonce:               c.QueryParam("nonce"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
		Resource:            c.QueryParam("resource"),
		Prompt:              c.QueryParam("prompt"),
	}

	decision, err := oa.authz.Authorize(c.Request().Context(), c.Request(), req)
	if err != nil {
		return oa.writeAuthorizeError(c, err)
	}

	return c.Redirect(http.StatusFound, decision.RedirectURL)
}

// LoginCallbackHandler resumes a flow parked at the login step. The login UI
// redirects here after establishing the user's session; the identity provider
// reads that session off the request.
func (oa *OAuth2API) LoginCallbackHandler(c echo.Context) error {
	ctx := c.Request().Context()

	identity, err := oa.identity.ResolveCurrentUser(ctx, c.Request())
	if err != nil {
		log.Error().Err(err).Msg("identity resolution failed on login callback")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to resolve session"))
	}

	decision, err := oa.authz.ResumeLogin(ctx, oa.param(c, "continuation"), identity, oa.param(c, "redirect_uri"))
	if err != nil {
		return oa.writeAuthorizeError(c, err)
	}

	return c.Redirect(http.StatusFound, decision.RedirectURL)
}

// ConsentCallbackHandler resumes a flow parked at the consent step.
func (oa *OAuth2API) ConsentCallbackHandler(c echo.Context) error {
	ctx := c.Request().Context()

	identity, err := oa.identity.ResolveCurrentUser(ctx, c.Request())
	if err != nil || identity == nil || identity.User == nil {
		return c.JSON(http.StatusUnauthorized, errors.NewAccessDenied("authentication is required"))
	}

	approved := c.FormValue("approved") == "true"

	decision, err := oa.authz.ResumeConsent(ctx, c.FormValue("continuation"), identity.User.ID, approved, c.FormValue("redirect_uri"))
	if err != nil {
		return oa.writeAuthorizeError(c, err)
	}

	return c.Redirect(http.StatusFound, decision.RedirectURL)
}

// TokenHandler handles token requests for every supported grant type. Client
// credentials arrive either in the Authorization header (client_secret_basic)
// or in the form body (client_secret_post, public clients).
func (oa *OAuth2API) TokenHandler(c echo.Context) error {
	clientID, clientSecret := oa.clientCredentials(c)

	req := &aegis.TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		CodeVerifier: c.FormValue("code_verifier"),
		RefreshToken: c.FormValue("refresh_token"),
		Scope:        c.FormValue("scope"),
		Resource:     c.FormValue("resource"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}

	resp, err := oa.tokens.Exchange(c.Request().Context(), req)
	if err != nil {
		return oa.writeOAuthError(c, err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")

	return c.JSON(http.StatusOK, resp)
}

// IntrospectHandler implements RFC 7662 token introspection. Unverifiable
// tokens come back as active=false with a 200.
func (oa *OAuth2API) IntrospectHandler(c echo.Context) error {
	clientID, clientSecret := oa.clientCredentials(c)

	req := &aegis.IntrospectionRequest{
		Token:         c.FormValue("token"),
		TokenTypeHint: c.FormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
	}

	resp, err := oa.introspect.Introspect(c.Request().Context(), req)
	if err != nil {
		return oa.writeOAuthError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// RevokeHandler implements RFC 7009 token revocation. Per the RFC, unknown
// tokens still yield 200.
func (oa *OAuth2API) RevokeHandler(c echo.Context) error {
	clientID, clientSecret := oa.clientCredentials(c)

	req := &aegis.IntrospectionRequest{
		Token:         c.FormValue("token"),
		TokenTypeHint: c.FormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
	}

	if err := oa.introspect.Revoke(c.Request().Context(), req); err != nil {
		return oa.writeOAuthError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{})
}

// UserInfoHandler serves the OIDC claims for the bearer token's user.
func (oa *OAuth2API) UserInfoHandler(c echo.Context) error {
	bearer, ok := bearerToken(c.Request())
	if !ok {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="userinfo"`)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
	}

	info, err := oa.sessions.UserInfo(c.Request().Context(), bearer)
	if err != nil {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
	}

	return c.JSON(http.StatusOK, info)
}

// RegisterClientHandler implements RFC 7591 dynamic client registration.
func (oa *OAuth2API) RegisterClientHandler(c echo.Context) error {
	req := &client.RegistrationRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidClientMetadata("malformed registration request"))
	}

	resp, err := oa.clients.Register(c.Request().Context(), req)
	if err != nil {
		return oa.writeOAuthError(c, err)
	}

	return c.JSON(http.StatusCreated, resp)
}

// GetClientHandler returns a client's public registration metadata.
func (oa *OAuth2API) GetClientHandler(c echo.Context) error {
	cli, err := oa.clients.Get(c.Request().Context(), c.Param("client_id"))
	if err != nil {
		if stderrors.Is(err, client.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("unknown client"))
		}
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to load client"))
	}

	return c.JSON(http.StatusOK, cli)
}

// DeleteClientHandler removes a registration; the storage adapter cascades
// its codes, tokens and consents.
func (oa *OAuth2API) DeleteClientHandler(c echo.Context) error {
	if err := oa.clients.Delete(c.Request().Context(), c.Param("client_id")); err != nil {
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("failed to delete client"))
	}

	return c.NoContent(http.StatusNoContent)
}

// EndSessionHandler implements OIDC RP-initiated logout.
func (oa *OAuth2API) EndSessionHandler(c echo.Context) error {
	req := &aegis.EndSessionRequest{
		IDTokenHint:           oa.param(c, "id_token_hint"),
		PostLogoutRedirectURI: oa.param(c, "post_logout_redirect_uri"),
		State:                 oa.param(c, "state"),
	}

	redirect, err := oa.sessions.EndSession(c.Request().Context(), req)
	if err != nil {
		return oa.writeOAuthError(c, err)
	}

	if redirect != "" {
		return c.Redirect(http.StatusFound, redirect)
	}

	return c.JSON(http.StatusOK, echo.Map{"logged_out": true})
}

// MetadataHandler serves the RFC 8414 / OIDC discovery document.
func (oa *OAuth2API) MetadataHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, oa.config.Metadata())
}

// clientCredentials extracts client authentication from the Basic header
// first, falling back to the POST body.
func (oa *OAuth2API) clientCredentials(c echo.Context) (clientID, clientSecret string) {
	if id, secret, ok := c.Request().BasicAuth(); ok {
		return id, secret
	}

	return c.FormValue("client_id"), c.FormValue("client_secret")
}

// param reads a parameter from the query string or the form body, whichever
// is present. End-session and the callbacks accept both GET and POST.
func (oa *OAuth2API) param(c echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}

	return c.FormValue(name)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	return parts[1], true
}

// writeAuthorizeError delivers an authorization error: to the client redirect
// when the redirect URI has been validated, rendered to the user agent
// otherwise. Rendering instead of redirecting is what keeps the endpoint from
// being an open redirector.
func (oa *OAuth2API) writeAuthorizeError(c echo.Context, err error) error {
	var authzErr *aegis.AuthorizeError
	if stderrors.As(err, &authzErr) {
		if authzErr.Redirectable() {
			return c.Redirect(http.StatusFound, authzErr.RedirectURL())
		}
		return c.JSON(oauthStatus(authzErr.OAuthErr), authzErr.OAuthErr)
	}

	return oa.writeOAuthError(c, err)
}

// writeOAuthError maps a protocol error onto its HTTP status.
func (oa *OAuth2API) writeOAuthError(c echo.Context, err error) error {
	var oauthErr *errors.OAuth2Error
	if !stderrors.As(err, &oauthErr) {
		log.Error().Err(err).Msg("unexpected error")
		return c.JSON(http.StatusInternalServerError, errors.NewServerError("internal error"))
	}

	status := oauthStatus(oauthErr)
	if status == http.StatusUnauthorized {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="token"`)
	}

	return c.JSON(status, oauthErr)
}

func oauthStatus(oauthErr *errors.OAuth2Error) int {
	switch oauthErr.Code {
	case errors.InvalidClient:
		return http.StatusUnauthorized
	case errors.ServerError:
		return http.StatusInternalServerError
	case errors.TemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
