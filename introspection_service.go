package aegis

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-dev/aegis/cache"
	"github.com/aegis-dev/aegis/client"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
	"github.com/aegis-dev/aegis/internal/metrics"
)

// IntrospectionRequest carries the parameters of an RFC 7662 introspection or
// RFC 7009 revocation call. Both endpoints authenticate the calling client.
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// IntrospectionService serves token introspection and revocation.
type IntrospectionService struct {
	repo    domain.OAuthRepository
	clients *client.Registry
	codec   *TokenCodec
	cache   cache.TokenStore
}

// NewIntrospectionService wires the introspection engine.
func NewIntrospectionService(
	repo domain.OAuthRepository,
	clients *client.Registry,
	codec *TokenCodec,
	tokenCache cache.TokenStore,
) *IntrospectionService {
	return &IntrospectionService{
		repo:    repo,
		clients: clients,
		codec:   codec,
		cache:   tokenCache,
	}
}

// looksLikeJWT distinguishes self-contained tokens from opaque values. Opaque
// tokens carry a prefix and never contain dots.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// Introspect reports the state of a token. Any token that cannot be verified,
// for whatever reason, yields {"active": false}; the caller learns nothing
// about whether the token ever existed.
func (s *IntrospectionService) Introspect(ctx context.Context, req *IntrospectionRequest) (*IntrospectionResponse, error) {
	if _, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, errors.NewInvalidClient("client authentication failed")
	}

	inactive := &IntrospectionResponse{Active: false}

	if req.Token == "" {
		return inactive, nil
	}

	if looksLikeJWT(req.Token) {
		resp := s.introspectJWT(ctx, req.Token)
		if resp == nil {
			return inactive, nil
		}
		return resp, nil
	}

	tokenHash := s.codec.HashOpaque(req.Token)

	if req.TokenTypeHint == "refresh_token" {
		if resp := s.introspectRefresh(ctx, tokenHash); resp != nil {
			return resp, nil
		}
		if resp := s.introspectAccess(ctx, tokenHash); resp != nil {
			return resp, nil
		}
		return inactive, nil
	}

	if resp := s.introspectAccess(ctx, tokenHash); resp != nil {
		return resp, nil
	}
	if resp := s.introspectRefresh(ctx, tokenHash); resp != nil {
		return resp, nil
	}

	return inactive, nil
}

func (s *IntrospectionService) introspectJWT(ctx context.Context, token string) *IntrospectionResponse {
	peeked, err := s.codec.PeekClaims(token)
	if err != nil || peeked.ClientID == "" {
		return nil
	}

	issuer, err := s.repo.GetClient(ctx, peeked.ClientID)
	if err != nil {
		return nil
	}

	claims, err := s.codec.VerifyJWT(token, s.codec.SigningKeyFor(issuer.SecretHash), "")
	if err != nil {
		return nil
	}

	denied, err := s.repo.IsJWTDenylisted(ctx, claims.ID)
	if err != nil || denied {
		return nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: "Bearer",
		Sub:       claims.Subject,
		Iss:       claims.Issuer,
		Jti:       claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.Iat = claims.IssuedAt.Unix()
	}
	if len(claims.Audience) > 0 {
		resp.Aud = claims.Audience[0]
	}

	return resp
}

func (s *IntrospectionService) introspectAccess(ctx context.Context, tokenHash string) *IntrospectionResponse {
	now := time.Now()

	if entry, err := s.cache.Get(ctx, tokenHash); err == nil {
		if entry.Revoked || entry.Expired(now) {
			return nil
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     entry.Scope,
			ClientID:  entry.ClientID,
			TokenType: "Bearer",
			Exp:       entry.ExpiresAt.Unix(),
			Iat:       entry.IssuedAt.Unix(),
			Sub:       entry.UserID,
			Aud:       entry.Resource,
			Iss:       s.codec.Issuer(),
		}
	}

	tok, err := s.repo.GetAccessToken(ctx, tokenHash)
	if err != nil {
		return nil
	}
	if tok.Revoked || now.After(tok.ExpiresAt) {
		return nil
	}

	if cacheErr := s.cache.Set(ctx, cache.EntryFromAccessToken(tok)); cacheErr != nil {
		log.Warn().Err(cacheErr).Msg("failed to backfill token cache")
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     tok.Scope,
		ClientID:  tok.ClientID,
		TokenType: "Bearer",
		Exp:       tok.ExpiresAt.Unix(),
		Iat:       tok.IssuedAt.Unix(),
		Sub:       tok.UserID,
		Aud:       tok.Resource,
		Iss:       s.codec.Issuer(),
		Jti:       tok.ID,
	}
}

func (s *IntrospectionService) introspectRefresh(ctx context.Context, tokenHash string) *IntrospectionResponse {
	tok, err := s.repo.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil
	}
	if !tok.Head() || time.Now().After(tok.ExpiresAt) {
		return nil
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     tok.Scope,
		ClientID:  tok.ClientID,
		TokenType: "refresh_token",
		Exp:       tok.ExpiresAt.Unix(),
		Iat:       tok.IssuedAt.Unix(),
		Sub:       tok.UserID,
		Aud:       tok.Resource,
		Iss:       s.codec.Issuer(),
		Jti:       tok.ID,
	}
}

// Revoke invalidates a token the calling client owns. Unknown, foreign and
// already-revoked tokens all succeed silently, as RFC 7009 requires.
func (s *IntrospectionService) Revoke(ctx context.Context, req *IntrospectionRequest) error {
	caller, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return errors.NewInvalidClient("client authentication failed")
	}

	if req.Token == "" {
		return nil
	}

	if looksLikeJWT(req.Token) {
		s.revokeJWT(ctx, req.Token, caller)
		return nil
	}

	tokenHash := s.codec.HashOpaque(req.Token)

	if tok, err := s.repo.GetRefreshToken(ctx, tokenHash); err == nil {
		if tok.ClientID != caller.ID {
			return nil
		}
		// Revoking any link kills the whole rotation chain.
		if err := s.repo.RevokeRefreshTokenChain(ctx, tok.ChainID); err != nil {
			log.Error().Err(err).Str("chain_id", tok.ChainID).Msg("failed to revoke refresh token chain")
			return errors.NewTemporarilyUnavailable()
		}
		metrics.TokensRevokedTotal.Inc()
		return nil
	}

	tok, err := s.repo.GetAccessToken(ctx, tokenHash)
	if err != nil {
		return nil
	}
	if tok.ClientID != caller.ID {
		return nil
	}
	if err := s.repo.RevokeAccessToken(ctx, tokenHash); err != nil && !stderrors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Msg("failed to revoke access token")
		return errors.NewTemporarilyUnavailable()
	}
	if err := s.cache.Delete(ctx, tokenHash); err != nil {
		log.Warn().Err(err).Msg("failed to evict revoked token from cache")
	}
	metrics.TokensRevokedTotal.Inc()

	return nil
}

func (s *IntrospectionService) revokeJWT(ctx context.Context, token string, caller *domain.Client) {
	claims, err := s.codec.VerifyJWT(token, s.codec.SigningKeyFor(caller.SecretHash), "")
	if err != nil || claims.ClientID != caller.ID {
		return
	}

	expiry := time.Now()
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	if err := s.repo.DenylistJWT(ctx, claims.ID, expiry); err != nil {
		log.Error().Err(err).Msg("failed to denylist jwt")
		return
	}
	metrics.TokensRevokedTotal.Inc()
}
