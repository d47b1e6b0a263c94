package aegis

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
	"github.com/aegis-dev/aegis/internal/flow"
	"github.com/aegis-dev/aegis/internal/metrics"
)

// AuthorizeRequest carries the query parameters of an authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	Prompt              string
}

// DecisionKind labels the outcome of a step through the authorization state
// machine.
type DecisionKind string

const (
	// DecisionCodeIssued is the terminal success: redirect back to the
	// client with the code.
	DecisionCodeIssued DecisionKind = "code_issued"
	// DecisionLoginRequired parks the flow and sends the user to the login
	// UI with a signed continuation.
	DecisionLoginRequired DecisionKind = "login_required"
	// DecisionConsentRequired parks the flow and sends the user to the
	// consent UI with a signed continuation.
	DecisionConsentRequired DecisionKind = "consent_required"
)

// AuthorizeDecision is the non-error outcome of Authorize or a resume call.
// RedirectURL is always set: the client callback for DecisionCodeIssued, the
// login or consent UI otherwise.
type AuthorizeDecision struct {
	Kind         DecisionKind
	RedirectURL  string
	Continuation string   // set for login/consent decisions
	Scopes       []string // scopes awaiting consent
}

// AuthorizeError wraps a protocol error with redirect information. When
// RedirectURI is set the client's redirect has been validated and the error
// must be delivered there; otherwise it is rendered to the user agent and
// never redirected, to avoid acting as an open redirector.
type AuthorizeError struct {
	OAuthErr    *errors.OAuth2Error
	RedirectURI string
	State       string
}

func (e *AuthorizeError) Error() string {
	return e.OAuthErr.Error()
}

// Redirectable reports whether the error may be sent to the client redirect.
func (e *AuthorizeError) Redirectable() bool {
	return e.RedirectURI != ""
}

// RedirectURL builds the error redirect per RFC 6749 §4.1.2.1.
func (e *AuthorizeError) RedirectURL() string {
	q := url.Values{}
	q.Set("error", e.OAuthErr.Code)
	if e.OAuthErr.Description != "" {
		q.Set("error_description", e.OAuthErr.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}

	return appendQuery(e.RedirectURI, q)
}

// AuthorizationService drives the /authorize state machine: client check,
// session check, consent check, code issuance.
type AuthorizationService struct {
	repo          domain.OAuthRepository
	clients       *client.Registry
	codec         *TokenCodec
	identity      IdentityProvider
	hooks         *HookRunner
	flows         *flow.Store
	continuations *flow.ContinuationSigner
	config        *ProviderConfig
}

// NewAuthorizationService wires the authorization engine.
func NewAuthorizationService(
	repo domain.OAuthRepository,
	clients *client.Registry,
	codec *TokenCodec,
	identity IdentityProvider,
	hooks *HookRunner,
	flows *flow.Store,
	continuations *flow.ContinuationSigner,
	config *ProviderConfig,
) *AuthorizationService {
	return &AuthorizationService{
		repo:          repo,
		clients:       clients,
		codec:         codec,
		identity:      identity,
		hooks:         hooks,
		flows:         flows,
		continuations: continuations,
		config:        config,
	}
}

// Authorize runs the state machine for a fresh authorization request. The
// http.Request is only handed to the identity provider callback; the engine
// itself never touches cookies.
func (s *AuthorizationService) Authorize(ctx context.Context, r *http.Request, req *AuthorizeRequest) (*AuthorizeDecision, error) {
	cli, redirectURI, scopes, resource, authzErr := s.validateRequest(ctx, req)
	if authzErr != nil {
		return nil, authzErr
	}

	identity, err := s.identity.ResolveCurrentUser(ctx, r)
	if err != nil {
		log.Error().Err(err).Str("client_id", cli.ID).Msg("identity resolution failed")
		return nil, s.redirectableErr(errors.NewServerError("failed to resolve session"), redirectURI, req.State)
	}

	if identity == nil || identity.User == nil {
		return s.parkFlow(req, redirectURI, scopes, resource, "", s.config.LoginURL, DecisionLoginRequired)
	}

	if identity.Created {
		if err := s.dispatchHook(ctx, HookSignup, identity.User, cli.ID); err != nil {
			return nil, s.redirectableErr(errors.NewServerError("signup hook failed"), redirectURI, req.State)
		}
	}

	return s.afterAuthentication(ctx, req, cli, redirectURI, scopes, resource, identity.User.ID)
}

// ResumeLogin continues a parked flow after the login UI authenticated the
// user. A redirect URI presented by the callback must match the one bound at
// the original request.
func (s *AuthorizationService) ResumeLogin(ctx context.Context, continuation string, identity *Identity, callbackRedirectURI string) (*AuthorizeDecision, error) {
	if identity == nil || identity.User == nil {
		return nil, &AuthorizeError{OAuthErr: errors.NewAccessDenied("authentication is required")}
	}

	state, authzErr := s.takeFlow(continuation, callbackRedirectURI)
	if authzErr != nil {
		return nil, authzErr
	}

	cli, err := s.clients.Get(ctx, state.ClientID)
	if err != nil {
		return nil, &AuthorizeError{OAuthErr: errors.NewInvalidClient("unknown client")}
	}

	if identity.Created {
		if err := s.dispatchHook(ctx, HookSignup, identity.User, cli.ID); err != nil {
			return nil, s.redirectableErr(errors.NewServerError("signup hook failed"), state.RedirectURI, state.State)
		}
	}
	if err := s.dispatchHook(ctx, HookSignin, identity.User, cli.ID); err != nil {
		return nil, s.redirectableErr(errors.NewServerError("signin hook failed"), state.RedirectURI, state.State)
	}

	req := requestFromState(state)

	return s.afterAuthentication(ctx, req, cli, state.RedirectURI, domain.SplitScopes(state.Scope), state.Resource, identity.User.ID)
}

// ResumeConsent continues a parked flow after the consent UI reported the
// user's verdict. Approved scopes are unioned into the stored consent record.
func (s *AuthorizationService) ResumeConsent(ctx context.Context, continuation, userID string, approved bool, callbackRedirectURI string) (*AuthorizeDecision, error) {
	state, authzErr := s.takeFlow(continuation, callbackRedirectURI)
	if authzErr != nil {
		return nil, authzErr
	}

	if state.UserID == "" || userID == "" || state.UserID != userID {
		return nil, &AuthorizeError{OAuthErr: errors.NewInvalidRequest("consent callback does not match the pending flow")}
	}

	if !approved {
		return nil, s.redirectableErr(errors.NewAccessDenied("the user denied the request"), state.RedirectURI, state.State)
	}

	scopes := domain.SplitScopes(state.Scope)
	if err := s.persistConsent(ctx, userID, state.ClientID, scopes); err != nil {
		log.Error().Err(err).Msg("failed to persist consent")
		return nil, s.redirectableErr(errors.NewTemporarilyUnavailable(), state.RedirectURI, state.State)
	}

	return s.issueCode(ctx, requestFromState(state), state.RedirectURI, scopes, state.Resource, userID)
}

// validateRequest is the CLIENT_VALIDATED edge of the state machine: client,
// redirect, response type, grant allowance, scope, resource and PKCE checks.
// Errors before redirect validation are never redirectable.
func (s *AuthorizationService) validateRequest(ctx context.Context, req *AuthorizeRequest) (*domain.Client, string, []string, string, *AuthorizeError) {
	cli, err := s.clients.Get(ctx, req.ClientID)
	if err != nil {
		if stderrors.Is(err, client.ErrNotFound) {
			return nil, "", nil, "", &AuthorizeError{OAuthErr: errors.NewInvalidClient("unknown client")}
		}
		return nil, "", nil, "", &AuthorizeError{OAuthErr: errors.NewTemporarilyUnavailable()}
	}

	redirectURI, err := ValidateRedirectURI(cli, req.RedirectURI)
	if err != nil {
		var oauthErr *errors.OAuth2Error
		if !stderrors.As(err, &oauthErr) {
			oauthErr = errors.NewInvalidRequest("invalid redirect_uri")
		}
		return nil, "", nil, "", &AuthorizeError{OAuthErr: oauthErr}
	}

	// From here on the redirect is trusted and errors go back to the client.
	fail := func(oauthErr *errors.OAuth2Error) *AuthorizeError {
		return s.redirectableErr(oauthErr, redirectURI, req.State)
	}

	if req.ResponseType != "code" {
		return nil, "", nil, "", fail(errors.NewUnsupportedResponseType())
	}
	if !cli.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, "", nil, "", fail(errors.NewUnauthorizedClient("client is not allowed to use the authorization code grant"))
	}
	if !ValidateChallengeRequest(req.CodeChallenge, req.CodeChallengeMethod) {
		return nil, "", nil, "", fail(errors.NewPKCERequired())
	}

	scopes, err := ValidateScope(cli, req.Scope, s.config.AllowedScopes, s.config.DefaultScopes)
	if err != nil {
		var oauthErr *errors.OAuth2Error
		if stderrors.As(err, &oauthErr) {
			return nil, "", nil, "", fail(oauthErr)
		}
		return nil, "", nil, "", fail(errors.NewInvalidScope("invalid scope"))
	}

	resource, err := ValidateResource(cli, req.Resource, s.config.Resource)
	if err != nil {
		var oauthErr *errors.OAuth2Error
		if stderrors.As(err, &oauthErr) {
			return nil, "", nil, "", fail(oauthErr)
		}
		return nil, "", nil, "", fail(errors.NewInvalidTarget("invalid resource"))
	}

	return cli, redirectURI, scopes, resource, nil
}

// afterAuthentication is the SESSION_CHECKED → CONSENT edge: either the
// consent on file covers the request, or the flow parks at the consent step.
func (s *AuthorizationService) afterAuthentication(ctx context.Context, req *AuthorizeRequest, cli *domain.Client, redirectURI string, scopes []string, resource, userID string) (*AuthorizeDecision, error) {
	if req.Prompt != "consent" {
		consent, err := s.repo.GetConsent(ctx, userID, cli.ID)
		if err == nil && consent.Covers(scopes) {
			return s.issueCode(ctx, req, redirectURI, scopes, resource, userID)
		}
		if err != nil && !stderrors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Msg("consent lookup failed")
			return nil, s.redirectableErr(errors.NewTemporarilyUnavailable(), redirectURI, req.State)
		}
	}

	return s.parkFlow(req, redirectURI, scopes, resource, userID, s.config.ConsentURL, DecisionConsentRequired)
}

// issueCode is the terminal CODE_ISSUED edge.
func (s *AuthorizationService) issueCode(ctx context.Context, req *AuthorizeRequest, redirectURI string, scopes []string, resource, userID string) (*AuthorizeDecision, error) {
	code, codeHash, err := s.codec.IssueOpaque("ac")
	if err != nil {
		return nil, s.redirectableErr(errors.NewServerError("failed to generate authorization code"), redirectURI, req.State)
	}

	now := time.Now()
	authCode := &domain.AuthCode{
		CodeHash:            codeHash,
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               domain.JoinScopes(scopes),
		Resource:            resource,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.config.AuthCodeTTL),
		CreatedAt:           now,
	}
	if err := s.repo.SaveAuthCode(ctx, authCode); err != nil {
		log.Error().Err(err).Msg("failed to persist authorization code")
		return nil, s.redirectableErr(errors.NewTemporarilyUnavailable(), redirectURI, req.State)
	}

	metrics.AuthCodesIssuedTotal.Inc()
	log.Debug().Str("client_id", req.ClientID).Str("user_id", userID).Msg("authorization code issued")

	q := url.Values{}
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}

	return &AuthorizeDecision{
		Kind:        DecisionCodeIssued,
		RedirectURL: appendQuery(redirectURI, q),
	}, nil
}

// parkFlow stores the validated request and mints the continuation the login
// or consent UI will hand back.
func (s *AuthorizationService) parkFlow(req *AuthorizeRequest, redirectURI string, scopes []string, resource, userID, targetURL string, kind DecisionKind) (*AuthorizeDecision, error) {
	state := flow.State{
		FlowID:              uuid.NewString(),
		ClientID:            req.ClientID,
		RedirectURI:         redirectURI,
		Scope:               domain.JoinScopes(scopes),
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resource:            resource,
		Prompt:              req.Prompt,
		UserID:              userID,
		ExpiresAt:           time.Now().Add(s.continuations.TTL()),
	}

	continuation, err := s.continuations.Sign(state.FlowID)
	if err != nil {
		return nil, s.redirectableErr(errors.NewServerError("failed to sign continuation"), redirectURI, req.State)
	}
	s.flows.Put(state)

	q := url.Values{}
	q.Set("continuation", continuation)

	return &AuthorizeDecision{
		Kind:         kind,
		RedirectURL:  appendQuery(targetURL, q),
		Continuation: continuation,
		Scopes:       scopes,
	}, nil
}

// takeFlow verifies a continuation, consumes the flow it references and
// cross-checks the callback's redirect URI against the bound one.
func (s *AuthorizationService) takeFlow(continuation, callbackRedirectURI string) (*flow.State, *AuthorizeError) {
	flowID, err := s.continuations.Verify(continuation)
	if err != nil {
		return nil, &AuthorizeError{OAuthErr: errors.NewInvalidRequest("invalid or expired continuation")}
	}

	state, err := s.flows.Take(flowID)
	if err != nil {
		return nil, &AuthorizeError{OAuthErr: errors.NewInvalidRequest("invalid or expired continuation")}
	}

	if callbackRedirectURI != "" && callbackRedirectURI != state.RedirectURI {
		return nil, &AuthorizeError{OAuthErr: errors.NewInvalidRequest("redirect_uri does not match the pending flow")}
	}

	return state, nil
}

func (s *AuthorizationService) persistConsent(ctx context.Context, userID, clientID string, scopes []string) error {
	now := time.Now()

	consent, err := s.repo.GetConsent(ctx, userID, clientID)
	switch {
	case err == nil:
		consent.Union(scopes)
		consent.UpdatedAt = now
	case stderrors.Is(err, domain.ErrNotFound):
		consent = &domain.Consent{
			UserID:    userID,
			ClientID:  clientID,
			Scopes:    append([]string(nil), scopes...),
			GrantedAt: now,
			UpdatedAt: now,
		}
	default:
		return fmt.Errorf("failed to load consent: %w", err)
	}

	return s.repo.SaveConsent(ctx, consent)
}

func (s *AuthorizationService) dispatchHook(ctx context.Context, event HookEvent, user *domain.User, clientID string) error {
	err := s.hooks.Dispatch(ctx, event, &HookContext{User: user, ClientID: clientID})
	if err != nil {
		metrics.HookFailuresTotal.WithLabelValues(string(event)).Inc()
		log.Error().Err(err).Str("event", string(event)).Msg("lifecycle hook dispatch failed")
	}

	return err
}

func (s *AuthorizationService) redirectableErr(oauthErr *errors.OAuth2Error, redirectURI, state string) *AuthorizeError {
	return &AuthorizeError{
		OAuthErr:    oauthErr,
		RedirectURI: redirectURI,
		State:       state,
	}
}

func requestFromState(state *flow.State) *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		ResponseType:        "code",
		Scope:               state.Scope,
		State:               state.State,
		Nonce:               state.Nonce,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		Resource:            state.Resource,
		Prompt:              state.Prompt,
	}
}

// appendQuery merges params into a URL that may already carry a query string.
func appendQuery(rawURL string, q url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// The URL was validated upstream; fall back to naive concatenation.
		return rawURL + "?" + q.Encode()
	}
	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Set(k, v)
		}
	}
	u.RawQuery = existing.Encode()

	return u.String()
}
