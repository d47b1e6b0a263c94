package aegis

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-dev/aegis/cache"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
	"github.com/aegis-dev/aegis/internal/metrics"
)

// EndSessionRequest carries the parameters of an OIDC RP-initiated logout.
type EndSessionRequest struct {
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
}

// SessionService serves the OIDC session surface: the userinfo endpoint and
// RP-initiated logout.
type SessionService struct {
	repo  domain.OAuthRepository
	codec *TokenCodec
	cache cache.TokenStore
	users UserDirectory
	hooks *HookRunner
}

// NewSessionService wires the session engine.
func NewSessionService(
	repo domain.OAuthRepository,
	codec *TokenCodec,
	tokenCache cache.TokenStore,
	users UserDirectory,
	hooks *HookRunner,
) *SessionService {
	return &SessionService{
		repo:  repo,
		codec: codec,
		cache: tokenCache,
		users: users,
		hooks: hooks,
	}
}

// UserInfo resolves the bearer token and returns the user's OIDC claims.
// Every verification failure is ErrTokenInvalid: expired, revoked and
// never-issued tokens are indistinguishable to the caller.
func (s *SessionService) UserInfo(ctx context.Context, bearer string) (*UserInfoResponse, error) {
	userID, scope, err := s.resolveBearer(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		// client_credentials tokens have no end user behind them.
		return nil, ErrTokenInvalid
	}
	if !containsScope(domain.SplitScopes(scope), scopeOpenID) {
		return nil, ErrTokenInvalid
	}

	user, err := s.users.LookupUser(ctx, userID)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	return &UserInfoResponse{
		Sub:           user.ID,
		Name:          user.Name,
		PreferredName: user.Username,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
	}, nil
}

// resolveBearer verifies an access token of either format and returns its
// subject and scope.
func (s *SessionService) resolveBearer(ctx context.Context, bearer string) (userID, scope string, err error) {
	if bearer == "" {
		return "", "", ErrTokenInvalid
	}

	if looksLikeJWT(bearer) {
		peeked, err := s.codec.PeekClaims(bearer)
		if err != nil || peeked.ClientID == "" {
			return "", "", ErrTokenInvalid
		}
		issuer, err := s.repo.GetClient(ctx, peeked.ClientID)
		if err != nil {
			return "", "", ErrTokenInvalid
		}
		claims, err := s.codec.VerifyJWT(bearer, s.codec.SigningKeyFor(issuer.SecretHash), "")
		if err != nil {
			return "", "", ErrTokenInvalid
		}
		denied, err := s.repo.IsJWTDenylisted(ctx, claims.ID)
		if err != nil || denied {
			return "", "", ErrTokenInvalid
		}

		return claims.Subject, claims.Scope, nil
	}

	now := time.Now()
	tokenHash := s.codec.HashOpaque(bearer)

	if entry, cacheErr := s.cache.Get(ctx, tokenHash); cacheErr == nil {
		if entry.Revoked || entry.Expired(now) {
			return "", "", ErrTokenInvalid
		}
		return entry.UserID, entry.Scope, nil
	}

	tok, err := s.repo.GetAccessToken(ctx, tokenHash)
	if err != nil {
		return "", "", ErrTokenInvalid
	}
	if tok.Revoked || now.After(tok.ExpiresAt) {
		return "", "", ErrTokenInvalid
	}

	return tok.UserID, tok.Scope, nil
}

// EndSession handles RP-initiated logout: the id_token_hint proves which user
// and client the logout is for, the user's tokens are revoked across all
// clients, and the signout hooks run. Returns the redirect URL when the
// client asked for (and registered) one, or empty for a plain confirmation.
func (s *SessionService) EndSession(ctx context.Context, req *EndSessionRequest) (string, error) {
	if req.IDTokenHint == "" {
		return "", errors.NewInvalidRequest("id_token_hint is required")
	}

	peeked, err := s.codec.PeekClaims(req.IDTokenHint)
	if err != nil || len(peeked.Audience) == 0 {
		return "", errors.NewInvalidRequest("id_token_hint is invalid")
	}

	cli, err := s.repo.GetClient(ctx, peeked.Audience[0])
	if err != nil {
		return "", errors.NewInvalidRequest("id_token_hint is invalid")
	}

	claims, err := s.codec.VerifyJWT(req.IDTokenHint, s.codec.SigningKeyFor(cli.SecretHash), cli.ID)
	if err != nil {
		return "", errors.NewInvalidRequest("id_token_hint is invalid")
	}

	redirect := ""
	if req.PostLogoutRedirectURI != "" {
		if !containsString(cli.PostLogoutURIs, req.PostLogoutRedirectURI) {
			return "", errors.NewInvalidRequest("post_logout_redirect_uri is not registered for this client")
		}
		redirect = req.PostLogoutRedirectURI
	}

	if err := s.repo.RevokeUserTokens(ctx, claims.Subject); err != nil {
		log.Error().Err(err).Str("user_id", claims.Subject).Msg("failed to revoke user tokens on logout")
		return "", errors.NewTemporarilyUnavailable()
	}
	// The cache resolves bearers ahead of the repository, so the revoked
	// tokens must leave it too or they would keep verifying until expiry.
	if err := s.cache.DeleteByUser(ctx, claims.Subject); err != nil {
		log.Error().Err(err).Str("user_id", claims.Subject).Msg("failed to evict user tokens from cache")
		return "", errors.NewTemporarilyUnavailable()
	}
	metrics.TokensRevokedTotal.Inc()

	user := &domain.User{ID: claims.Subject}
	if s.users != nil {
		if full, lookupErr := s.users.LookupUser(ctx, claims.Subject); lookupErr == nil {
			user = full
		}
	}

	// The session is already gone; a hook failure is reported but cannot
	// resurrect it.
	if err := s.hooks.Dispatch(ctx, HookSignout, &HookContext{User: user, ClientID: cli.ID}); err != nil {
		metrics.HookFailuresTotal.WithLabelValues(string(HookSignout)).Inc()
		log.Error().Err(err).Str("client_id", cli.ID).Msg("signout hook dispatch failed")
		return "", errors.NewServerError("signout hook failed")
	}

	if redirect == "" {
		return "", nil
	}
	q := url.Values{}
	if req.State != "" {
		q.Set("state", req.State)
	}
	if len(q) == 0 {
		return redirect, nil
	}

	return appendQuery(redirect, q), nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
