package aegis

import (
	"github.com/aegis-dev/aegis/domain"
	"github.com/aegis-dev/aegis/errors"
)

// ValidateRedirectURI resolves the redirect URI for an authorization request
// against the client's registered set. Matching is exact string comparison;
// when no URI is requested and exactly one is registered, it is used as the
// default.
func ValidateRedirectURI(client *domain.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", errors.NewInvalidRequest("redirect_uri is required")
	}

	for _, uri := range client.RedirectURIs {
		if uri == requested {
			return requested, nil
		}
	}

	return "", errors.NewInvalidRequest("redirect_uri is not registered for this client")
}

// ValidateScope narrows a requested scope string to the client's grant.
// Requested scopes must be a subset of the union of the client's scopes and
// the server-wide allow-list; an empty request falls back to the client's
// scopes, then the server defaults.
func ValidateScope(client *domain.Client, requested string, serverAllowed, serverDefaults []string) ([]string, error) {
	scopes := domain.SplitScopes(requested)
	if len(scopes) == 0 {
		if len(client.Scopes) > 0 {
			return append([]string(nil), client.Scopes...), nil
		}
		return append([]string(nil), serverDefaults...), nil
	}

	allowed := make(map[string]struct{}, len(client.Scopes)+len(serverAllowed))
	for _, s := range client.Scopes {
		allowed[s] = struct{}{}
	}
	for _, s := range serverAllowed {
		allowed[s] = struct{}{}
	}

	for _, s := range scopes {
		if _, ok := allowed[s]; !ok {
			return nil, errors.NewInvalidScope("scope " + s + " is not allowed for this client")
		}
	}

	return scopes, nil
}

// ValidateResource applies RFC 8707: a resource parameter is only honored
// when the client or the server has a resource configured, and must match it.
// Returns the effective resource, which may be empty.
func ValidateResource(client *domain.Client, requested, serverResource string) (string, error) {
	configured := client.Resource
	if configured == "" {
		configured = serverResource
	}

	if requested == "" {
		return configured, nil
	}
	if configured == "" {
		return "", errors.NewInvalidTarget("no resource is configured for this client")
	}
	if requested != configured {
		return "", errors.NewInvalidTarget("requested resource is not recognized")
	}

	return requested, nil
}
