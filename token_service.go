package aegis

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aegis-dev/aegis/cache"
	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
	"github.com/aegis-dev/aegis/internal/metrics"
)

const scopeOffline = "offline_access"
const scopeOpenID = "openid"

// TokenRequest carries the form parameters of a token endpoint request.
// Client credentials are extracted by the transport layer (Basic header or
// POST body) before the engine sees them.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Resource     string
	ClientID     string
	ClientSecret string
}

// grantHandler is implemented once per grant type; the variant is selected a
// single time at the top of Exchange.
type grantHandler interface {
	handle(ctx context.Context, req *TokenRequest, cli *domain.Client) (*TokenResponse, error)
}

// TokenService drives the token endpoint: grant dispatch, rotation and
// issuance of access, refresh and ID tokens.
type TokenService struct {
	repo    domain.OAuthRepository
	clients *client.Registry
	codec   *TokenCodec
	cache   cache.TokenStore
	config  *ProviderConfig

	grants map[domain.GrantType]grantHandler
}

// NewTokenService wires the token engine.
func NewTokenService(
	repo domain.OAuthRepository,
	clients *client.Registry,
	codec *TokenCodec,
	tokenCache cache.TokenStore,
	config *ProviderConfig,
) *TokenService {
	s := &TokenService{
		repo:    repo,
		clients: clients,
		codec:   codec,
		cache:   tokenCache,
		config:  config,
	}
	s.grants = map[domain.GrantType]grantHandler{
		domain.GrantAuthorizationCode: &authorizationCodeGrant{s},
		domain.GrantRefreshToken:      &refreshTokenGrant{s},
		domain.GrantClientCredentials: &clientCredentialsGrant{s},
	}

	return s
}

// Exchange authenticates the client, dispatches on grant_type and returns a
// token response or an RFC 6749 §5.2 error.
func (s *TokenService) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	cli, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, errors.NewInvalidClient("client authentication failed")
	}

	handler, ok := s.grants[domain.GrantType(req.GrantType)]
	if !ok {
		return nil, errors.NewUnsupportedGrantType()
	}
	if !cli.AllowsGrant(domain.GrantType(req.GrantType)) {
		return nil, errors.NewUnauthorizedClient("grant type is not allowed for this client")
	}

	resp, err := handler.handle(ctx, req, cli)
	if err != nil {
		return nil, err
	}

	metrics.TokensIssuedTotal.WithLabelValues(req.GrantType).Inc()

	return resp, nil
}

// --- authorization_code ---

type authorizationCodeGrant struct {
	s *TokenService
}

func (g *authorizationCodeGrant) handle(ctx context.Context, req *TokenRequest, cli *domain.Client) (*TokenResponse, error) {
	s := g.s

	if req.Code == "" || req.CodeVerifier == "" {
		return nil, errors.NewInvalidRequest("code and code_verifier are required")
	}

	codeHash := s.codec.HashOpaque(req.Code)
	authCode, err := s.repo.GetAuthCode(ctx, codeHash)
	if err != nil {
		return nil, errors.NewInvalidGrant("authorization code is invalid")
	}

	if authCode.Consumed || authCode.Expired(time.Now()) {
		return nil, errors.NewInvalidGrant("authorization code is invalid")
	}
	if authCode.ClientID != cli.ID {
		return nil, errors.NewInvalidGrant("authorization code is invalid")
	}
	if req.RedirectURI != authCode.RedirectURI {
		return nil, errors.NewInvalidGrant("redirect_uri does not match the authorization request")
	}
	if !ValidatePKCEChallenge(authCode.CodeChallenge, req.CodeVerifier) {
		return nil, errors.NewInvalidPKCE("code_verifier does not match the challenge")
	}
	if req.Resource != "" && req.Resource != authCode.Resource {
		return nil, errors.NewInvalidTarget("requested resource is not recognized")
	}

	// The compare-and-set is what defends against concurrent double
	// submission of the same code: exactly one request wins it.
	if _, err := s.repo.ConsumeAuthCode(ctx, codeHash); err != nil {
		if stderrors.Is(err, domain.ErrAlreadyConsumed) || stderrors.Is(err, domain.ErrNotFound) {
			return nil, errors.NewInvalidGrant("authorization code is invalid")
		}
		log.Error().Err(err).Msg("failed to consume authorization code")
		return nil, errors.NewTemporarilyUnavailable()
	}

	scopes := domain.SplitScopes(authCode.Scope)

	resp, err := s.issueAccessToken(ctx, cli, authCode.UserID, scopes, authCode.Resource)
	if err != nil {
		return nil, err
	}

	if containsScope(scopes, scopeOffline) && cli.AllowsGrant(domain.GrantRefreshToken) {
		refresh, err := s.issueRefreshToken(ctx, cli, authCode.UserID, scopes, authCode.Resource, uuid.NewString())
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh
	}

	if containsScope(scopes, scopeOpenID) {
		idToken, err := s.issueIDToken(cli, authCode.UserID, authCode.Nonce)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	return resp, nil
}

// --- refresh_token ---

type refreshTokenGrant struct {
	s *TokenService
}

func (g *refreshTokenGrant) handle(ctx context.Context, req *TokenRequest, cli *domain.Client) (*TokenResponse, error) {
	s := g.s

	if req.RefreshToken == "" {
		return nil, errors.NewInvalidRequest("refresh_token is required")
	}

	tokenHash := s.codec.HashOpaque(req.RefreshToken)
	stored, err := s.repo.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil, errors.NewInvalidGrant("refresh token is invalid")
	}
	if stored.ClientID != cli.ID || stored.Revoked || time.Now().After(stored.ExpiresAt) {
		return nil, errors.NewInvalidGrant("refresh token is invalid")
	}

	rotated, err := s.repo.RotateRefreshToken(ctx, tokenHash)
	if err != nil {
		if stderrors.Is(err, domain.ErrNotChainHead) {
			// Replay of a superseded token: burn the whole chain.
			metrics.ReplaysDetectedTotal.Inc()
			log.Warn().
				Str("client_id", cli.ID).
				Str("chain_id", stored.ChainID).
				Msg("refresh token replay detected, revoking chain")
			if revokeErr := s.repo.RevokeRefreshTokenChain(ctx, stored.ChainID); revokeErr != nil {
				log.Error().Err(revokeErr).Str("chain_id", stored.ChainID).Msg("failed to revoke refresh token chain")
			}
			return nil, errors.NewInvalidGrant("refresh token is invalid")
		}
		if stderrors.Is(err, domain.ErrNotFound) {
			return nil, errors.NewInvalidGrant("refresh token is invalid")
		}
		log.Error().Err(err).Msg("failed to rotate refresh token")
		return nil, errors.NewTemporarilyUnavailable()
	}

	grantedScopes := domain.SplitScopes(rotated.Scope)
	scopes := grantedScopes
	if req.Scope != "" {
		scopes = domain.SplitScopes(req.Scope)
		if !subsetOf(scopes, grantedScopes) {
			return nil, errors.NewInvalidScope("requested scope exceeds the original grant")
		}
	}

	// The audience is fixed at the original grant; a refresh may restate it
	// but never change it.
	if req.Resource != "" && req.Resource != rotated.Resource {
		return nil, errors.NewInvalidTarget("requested resource is not recognized")
	}

	resp, err := s.issueAccessToken(ctx, cli, rotated.UserID, scopes, rotated.Resource)
	if err != nil {
		return nil, err
	}

	// The new token joins the same rotation chain; the original scope set and
	// resource are preserved so later refreshes can narrow or restate them.
	refresh, err := s.issueRefreshToken(ctx, cli, rotated.UserID, grantedScopes, rotated.Resource, rotated.ChainID)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refresh

	return resp, nil
}

// --- client_credentials ---

type clientCredentialsGrant struct {
	s *TokenService
}

func (g *clientCredentialsGrant) handle(ctx context.Context, req *TokenRequest, cli *domain.Client) (*TokenResponse, error) {
	s := g.s

	if cli.Public() {
		return nil, errors.NewUnauthorizedClient("client_credentials requires a confidential client")
	}

	// The machine-to-machine grant is bounded by the client's own scopes.
	scopes := domain.SplitScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), cli.Scopes...)
	} else if !subsetOf(scopes, cli.Scopes) {
		return nil, errors.NewInvalidScope("requested scope exceeds the client registration")
	}

	resource, err := ValidateResource(cli, req.Resource, s.config.Resource)
	if err != nil {
		var oauthErr *errors.OAuth2Error
		if stderrors.As(err, &oauthErr) {
			return nil, oauthErr
		}
		return nil, errors.NewInvalidTarget("invalid resource")
	}

	// No end user: never a refresh token, never an ID token.
	return s.issueAccessToken(ctx, cli, "", scopes, resource)
}

// --- issuance helpers ---

func (s *TokenService) issueAccessToken(ctx context.Context, cli *domain.Client, userID string, scopes []string, resource string) (*TokenResponse, error) {
	now := time.Now()
	scope := domain.JoinScopes(scopes)

	if s.config.AccessTokenFormat == TokenFormatJWT {
		subject := userID
		if subject == "" {
			subject = cli.ID
		}
		audience := resource
		if audience == "" {
			audience = cli.ID
		}
		claims := &AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  subject,
				Audience: jwt.ClaimStrings{audience},
			},
			ClientID: cli.ID,
			Scope:    scope,
		}
		signed, err := s.codec.IssueJWT(claims, s.codec.SigningKeyFor(cli.SecretHash), s.config.AccessTokenTTL)
		if err != nil {
			return nil, errors.NewServerError("failed to sign access token")
		}

		return &TokenResponse{
			AccessToken: signed,
			TokenType:   "Bearer",
			ExpiresIn:   int(s.config.AccessTokenTTL.Seconds()),
			Scope:       scope,
		}, nil
	}

	value, hash, err := s.codec.IssueOpaque("at")
	if err != nil {
		return nil, errors.NewServerError("failed to generate access token")
	}

	token := &domain.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: hash,
		Format:    domain.FormatOpaque,
		ClientID:  cli.ID,
		UserID:    userID,
		Scope:     scope,
		Resource:  resource,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.AccessTokenTTL),
	}
	if err := s.repo.StoreAccessToken(ctx, token); err != nil {
		log.Error().Err(err).Msg("failed to store access token")
		return nil, errors.NewTemporarilyUnavailable()
	}

	if cacheErr := s.cache.Set(ctx, cache.EntryFromAccessToken(token)); cacheErr != nil {
		log.Warn().Err(cacheErr).Msg("failed to cache access token")
	}

	return &TokenResponse{
		AccessToken: value,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.config.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}, nil
}

func (s *TokenService) issueRefreshToken(ctx context.Context, cli *domain.Client, userID string, scopes []string, resource, chainID string) (string, error) {
	value, hash, err := s.codec.IssueOpaque("rt")
	if err != nil {
		return "", errors.NewServerError("failed to generate refresh token")
	}

	now := time.Now()
	token := &domain.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: hash,
		ClientID:  cli.ID,
		UserID:    userID,
		Scope:     domain.JoinScopes(scopes),
		Resource:  resource,
		ChainID:   chainID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	}
	if err := s.repo.StoreRefreshToken(ctx, token); err != nil {
		log.Error().Err(err).Msg("failed to store refresh token")
		return "", errors.NewTemporarilyUnavailable()
	}

	return value, nil
}

func (s *TokenService) issueIDToken(cli *domain.Client, userID, nonce string) (string, error) {
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Audience: jwt.ClaimStrings{cli.ID},
		},
		Nonce: nonce,
	}
	signed, err := s.codec.IssueJWT(claims, s.codec.SigningKeyFor(cli.SecretHash), s.config.IDTokenTTL)
	if err != nil {
		return "", errors.NewServerError("failed to sign id token")
	}

	return signed, nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func subsetOf(requested, granted []string) bool {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}
