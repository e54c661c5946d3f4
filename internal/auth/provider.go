package auth

import (
	"context"
	"errors"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/repository"
)

// providerCacheAll is the cache key for the provider template list.
const providerCacheAll = "all"

// FindProvider loads an upstream provider, preferring the cached copy.
// Provider configs need coherent cross-node reads, so cache writes use
// quorum acknowledgement.
func (s *Service) FindProvider(ctx context.Context, id uuid.UUID) (*db.AuthProvider, error) {
	var cached db.AuthProvider
	err := s.cache.Get(ctx, cache.NameAuthProvider, id.String(), &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	provider, err := s.providers.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "auth provider does not exist")
		}
		return nil, err
	}

	if err := s.cache.Put(ctx, cache.NameAuthProvider, id.String(), provider, cache.AckQuorum); err != nil {
		return nil, err
	}
	return provider, nil
}

// CreateProvider validates, persists, and caches a new provider.
func (s *Service) CreateProvider(ctx context.Context, provider *db.AuthProvider) error {
	provider.Scope = cleanupScope(provider.Scope)
	if err := provider.Validate(); err != nil {
		return err
	}
	if err := s.providers.Create(ctx, provider); err != nil {
		return err
	}
	if err := s.cache.Del(ctx, cache.NameAuthProvider, providerCacheAll); err != nil {
		return err
	}
	return s.cache.Put(ctx, cache.NameAuthProvider, provider.ID.String(), provider, cache.AckQuorum)
}

// UpdateProvider validates, persists, and re-caches a provider config.
func (s *Service) UpdateProvider(ctx context.Context, provider *db.AuthProvider) error {
	provider.Scope = cleanupScope(provider.Scope)
	if err := provider.Validate(); err != nil {
		return err
	}
	if err := s.providers.Update(ctx, provider); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.NotFound, "auth provider does not exist")
		}
		return err
	}
	if err := s.cache.Del(ctx, cache.NameAuthProvider, providerCacheAll); err != nil {
		return err
	}
	return s.cache.Put(ctx, cache.NameAuthProvider, provider.ID.String(), provider, cache.AckQuorum)
}

// DeleteProvider removes a provider and drops its cached copies. Users
// linked to the provider keep their accounts but can no longer log in
// through it.
func (s *Service) DeleteProvider(ctx context.Context, id uuid.UUID) error {
	if err := s.providers.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.NotFound, "auth provider does not exist")
		}
		return err
	}
	if err := s.cache.Del(ctx, cache.NameAuthProvider, id.String()); err != nil {
		return err
	}
	return s.cache.Del(ctx, cache.NameAuthProvider, providerCacheAll)
}

// ListProviders returns all configured providers.
func (s *Service) ListProviders(ctx context.Context) ([]db.AuthProvider, error) {
	return s.providers.List(ctx)
}

// ProviderTemplate is the minimal provider view rendered into the login page.
type ProviderTemplate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnabledProviderTemplates returns the enabled providers for the login
// shell, cached as a whole because every login page render needs it.
func (s *Service) EnabledProviderTemplates(ctx context.Context) ([]ProviderTemplate, error) {
	var cached []ProviderTemplate
	err := s.cache.Get(ctx, cache.NameAuthProvider, providerCacheAll, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	providers, err := s.providers.List(ctx)
	if err != nil {
		return nil, err
	}

	templates := make([]ProviderTemplate, 0, len(providers))
	for _, p := range providers {
		if p.Enabled {
			templates = append(templates, ProviderTemplate{ID: p.ID.String(), Name: p.Name})
		}
	}

	if err := s.cache.Put(ctx, cache.NameAuthProvider, providerCacheAll, templates, cache.AckQuorum); err != nil {
		return nil, err
	}
	return templates, nil
}

// LinkedUsers lists the users federated through the given provider.
func (s *Service) LinkedUsers(ctx context.Context, providerID uuid.UUID) ([]db.User, error) {
	return s.users.ListByProvider(ctx, providerID)
}

// ProviderLookupRequest asks for a provider config pre-fill from the
// issuer's discovery document.
type ProviderLookupRequest struct {
	Issuer string `json:"issuer" validate:"required"`
}

// ProviderLookupResponse is the pre-filled provider config derived from the
// issuer's openid-configuration.
type ProviderLookupResponse struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	Scope                 string `json:"scope"`
	UsePKCE               bool   `json:"use_pkce"`
}

// LookupProviderMetadata fetches the issuer's discovery document and derives
// the config values an admin would otherwise type in by hand. Providers
// without a discovery document are not supported.
func (s *Service) LookupProviderMetadata(ctx context.Context, req ProviderLookupRequest) (*ProviderLookupResponse, error) {
	issuer := strings.TrimSuffix(req.Issuer, "/")
	if !strings.HasPrefix(issuer, "http://") && !strings.HasPrefix(issuer, "https://") {
		// Assume https when no scheme is given.
		issuer = "https://" + issuer
	}

	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, apperr.Wrap(apperr.Connection, "provider discovery failed - does the issuer serve an openid-configuration?", err)
	}

	// The endpoint fields beyond the oauth2 pair live in the raw metadata.
	var meta struct {
		UserinfoEndpoint              string   `json:"userinfo_endpoint"`
		ScopesSupported               []string `json:"scopes_supported"`
		CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "decoding provider metadata", err)
	}

	scope := make([]string, 0, 3)
	for _, want := range []string{"openid", "profile", "email"} {
		for _, supported := range meta.ScopesSupported {
			if supported == want {
				scope = append(scope, want)
				break
			}
		}
	}
	if len(scope) == 0 {
		scope = []string{"openid"}
	}

	usePKCE := false
	for _, m := range meta.CodeChallengeMethodsSupported {
		if m == "S256" {
			usePKCE = true
			break
		}
	}

	endpoint := provider.Endpoint()
	return &ProviderLookupResponse{
		Issuer:                issuer,
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		UserinfoEndpoint:      meta.UserinfoEndpoint,
		Scope:                 strings.Join(scope, " "),
		UsePKCE:               usePKCE,
	}, nil
}

// cleanupScope collapses repeated whitespace in a configured scope string.
func cleanupScope(scope string) string {
	return strings.Join(strings.Fields(scope), " ")
}
