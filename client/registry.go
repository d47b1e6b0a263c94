package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/aegis-dev/aegis/cache"
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
)

var (
	// ErrInvalidCredentials is returned for every authentication failure,
	// never revealing which part was wrong.
	ErrInvalidCredentials = stderrors.New("invalid client credentials")
	ErrNotFound           = stderrors.New("client not found")
)

// dummyHash keeps the bcrypt cost of a lookup miss equal to a secret
// mismatch.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0a6hZLgXAtVzTzWrbMbWJ0aJz8W")

// RegistrationRequest is the RFC 7591 client metadata subset the registry
// accepts.
//
//nolint:tagliatelle
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	PostLogoutRedirectURIs  []string `json:"post_logout_redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Resource                string   `json:"resource,omitempty"`
}

// RegistrationResponse is returned once at registration; the plaintext secret
// never appears again.
//
//nolint:tagliatelle
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// Registry validates and persists client metadata and authenticates clients
// at the token endpoint.
type Registry struct {
	repo          domain.ClientRepository
	tokenCache    cache.TokenStore
	allowedScopes []string
	secretTTL     time.Duration // zero means secrets never expire
	bcryptCost    int
}

// NewRegistry creates a client registry over the storage adapter. The scope
// allow-list bounds what any client may be registered with; the token cache
// is consulted on deletion so cascaded token revocation reaches cached
// entries too.
func NewRegistry(repo domain.ClientRepository, tokenCache cache.TokenStore, allowedScopes []string, secretTTL time.Duration) *Registry {
	return &Registry{
		repo:          repo,
		tokenCache:    tokenCache,
		allowedScopes: allowedScopes,
		secretTTL:     secretTTL,
		bcryptCost:    bcrypt.DefaultCost,
	}
}

// Register validates the metadata and persists a new client. Confidential
// clients get a generated secret, returned exactly once; only its bcrypt hash
// is stored.
func (r *Registry) Register(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	meta, err := r.validateMetadata(req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cli := &domain.Client{
		ID:             uuid.NewString(),
		Name:           req.ClientName,
		RedirectURIs:   req.RedirectURIs,
		PostLogoutURIs: req.PostLogoutRedirectURIs,
		GrantTypes:     meta.grantTypes,
		AuthMethod:     meta.authMethod,
		Scopes:         meta.scopes,
		Resource:       req.Resource,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var secret string
	var secretExpiry int64
	if meta.authMethod != domain.AuthMethodNone {
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
		if hashErr != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", hashErr)
		}
		cli.SecretHash = string(hash)
		if r.secretTTL > 0 {
			exp := now.Add(r.secretTTL)
			cli.SecretExpiresAt = &exp
			secretExpiry = exp.Unix()
		}
	}

	if err := r.repo.CreateClient(ctx, cli); err != nil {
		return nil, fmt.Errorf("failed to persist client: %w", err)
	}

	log.Info().Str("client_id", cli.ID).Str("auth_method", string(cli.AuthMethod)).Msg("client registered")

	return &RegistrationResponse{
		ClientID:                cli.ID,
		ClientSecret:            secret,
		ClientSecretExpiresAt:   secretExpiry,
		ClientName:              cli.Name,
		RedirectURIs:            cli.RedirectURIs,
		GrantTypes:              grantTypeStrings(cli.GrantTypes),
		TokenEndpointAuthMethod: string(cli.AuthMethod),
		Scope:                   domain.JoinScopes(cli.Scopes),
	}, nil
}

// Authenticate verifies the client's token-endpoint credentials. The secret
// comparison is constant time (bcrypt) and the failure mode never reveals
// whether the client ID or the secret was wrong.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*domain.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidCredentials
	}

	cli, err := r.repo.GetClient(ctx, clientID)
	if err != nil {
		// Burn a comparison so a lookup miss costs the same as a mismatch.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, ErrInvalidCredentials
	}

	if cli.Public() {
		if secret != "" {
			return nil, ErrInvalidCredentials
		}
		return cli, nil
	}

	if cli.SecretExpiresAt != nil && time.Now().After(*cli.SecretExpiresAt) {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cli.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return cli, nil
}

// Get looks up a client by ID.
func (r *Registry) Get(ctx context.Context, clientID string) (*domain.Client, error) {
	cli, err := r.repo.GetClient(ctx, clientID)
	if err != nil {
		if stderrors.Is(err, domain.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	return cli, nil
}

// Update persists admin-driven metadata changes.
func (r *Registry) Update(ctx context.Context, cli *domain.Client) error {
	cli.UpdatedAt = time.Now().UTC()

	return r.repo.UpdateClient(ctx, cli)
}

// Delete removes a client; the storage adapter cascades its codes, tokens and
// consents, and the cascaded tokens leave the cache with it.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	if err := r.repo.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	if err := r.tokenCache.DeleteByClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to evict client tokens from cache: %w", err)
	}

	return nil
}

type validatedMetadata struct {
	authMethod domain.TokenEndpointAuthMethod
	grantTypes []domain.GrantType
	scopes     []string
}

func (r *Registry) validateMetadata(req *RegistrationRequest) (*validatedMetadata, error) {
	authMethod := domain.TokenEndpointAuthMethod(req.TokenEndpointAuthMethod)
	if authMethod == "" {
		authMethod = domain.AuthMethodClientSecretBasic
	}
	switch authMethod {
	case domain.AuthMethodNone, domain.AuthMethodClientSecretPost, domain.AuthMethodClientSecretBasic:
	default:
		return nil, errors.NewInvalidClientMetadata("unsupported token_endpoint_auth_method")
	}

	if len(req.RedirectURIs) == 0 {
		return nil, errors.NewInvalidClientMetadata("redirect_uris must not be empty")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURIFormat(uri); err != nil {
			return nil, err
		}
	}

	grantTypes := []domain.GrantType{domain.GrantAuthorizationCode, domain.GrantRefreshToken}
	if len(req.GrantTypes) > 0 {
		grantTypes = grantTypes[:0]
		for _, gt := range req.GrantTypes {
			switch domain.GrantType(gt) {
			case domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials:
				grantTypes = append(grantTypes, domain.GrantType(gt))
			default:
				return nil, errors.NewInvalidClientMetadata("unsupported grant type " + gt)
			}
		}
	}
	for _, gt := range grantTypes {
		if gt == domain.GrantClientCredentials && authMethod == domain.AuthMethodNone {
			return nil, errors.NewInvalidClientMetadata("client_credentials requires client authentication")
		}
	}

	allowed := make(map[string]struct{}, len(r.allowedScopes))
	for _, s := range r.allowedScopes {
		allowed[s] = struct{}{}
	}
	scopes := domain.SplitScopes(req.Scope)
	for _, s := range scopes {
		if _, ok := allowed[s]; !ok {
			return nil, errors.NewInvalidClientMetadata("scope " + s + " is not allowed")
		}
	}

	return &validatedMetadata{
		authMethod: authMethod,
		grantTypes: grantTypes,
		scopes:     scopes,
	}, nil
}

// validateRedirectURIFormat checks a redirect URI at registration time:
// absolute, no fragment, https except for loopback hosts.
func validateRedirectURIFormat(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.NewInvalidClientMetadata("redirect_uris entries must be absolute URLs")
	}
	if u.Fragment != "" {
		return errors.NewInvalidClientMetadata("redirect_uris entries must not contain a fragment")
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && isLoopback(u.Hostname()) {
		return nil
	}

	return errors.NewInvalidClientMetadata("redirect_uris entries must use https (http is allowed for loopback only)")
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

func grantTypeStrings(gts []domain.GrantType) []string {
	out := make([]string, len(gts))
	for i, gt := range gts {
		out[i] = string(gt)
	}
	return out
}

// generateSecret creates a 256-bit URL-safe client secret.
func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}
