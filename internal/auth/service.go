// Package auth implements the core flows of the identity provider: the
// authorization-code flow with PKCE, the token endpoint grants, upstream
// federation, session lifecycle, the login-delay governor, and request
// principal extraction.
//
// The Service aggregate carries the shared state (repositories, cache,
// master keys, JWK store, config) and is passed to the HTTP layer as the
// single entry point — handlers never talk to repositories directly.
package auth

import (
	"time"

	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/jwks"
	"github.com/veridian-auth/veridian/internal/repository"
)

const (
	// webauthnReqExp is how long a pending WebAuthn continuation stays
	// valid. Auth codes minted before an MFA step are extended by this.
	webauthnReqExp = 60 * time.Second

	// refreshTokenLifetime is the validity of issued refresh tokens.
	refreshTokenLifetime = 72 * time.Hour

	// callbackIDLength is the length of upstream callback ids and XSRF tokens.
	callbackIDLength = 32

	// authCodeLength is the entropy in bytes of an authorization code.
	authCodeLength = 48

	// sessionIDLength is the entropy in bytes of a session id.
	sessionIDLength = 32

	// csrfTokenLength is the entropy in bytes of a session CSRF token.
	csrfTokenLength = 24
)

// Config carries the static configuration of the auth service.
type Config struct {
	// Issuer is the public issuer URL including the /auth/v1 prefix,
	// e.g. "https://id.example.com/auth/v1". It is written into every
	// token and is the base for the upstream callback URI.
	Issuer string

	SessionLifetime    time.Duration
	SessionIdleTimeout time.Duration

	// CallbackTimeout bounds the upstream round-trip: it is both the cache
	// TTL of the callback record and the Max-Age of the callback cookie.
	CallbackTimeout time.Duration

	// SecureCookies should be true everywhere except local development.
	SecureCookies bool
}

// Service is the entry point for all authentication operations.
type Service struct {
	cfg Config

	users     repository.UserRepository
	sessions  repository.SessionRepository
	clients   repository.ClientRepository
	providers repository.AuthProviderRepository
	refresh   repository.RefreshTokenRepository
	apiKeys   repository.ApiKeyRepository

	cache  cache.Cache
	keys   *cryptoutil.KeyRing
	jwks   *jwks.Store
	delay  *DelayGovernor
	logger *zap.Logger
}

// Deps bundles the constructor dependencies of the Service.
type Deps struct {
	Users     repository.UserRepository
	Sessions  repository.SessionRepository
	Clients   repository.ClientRepository
	Providers repository.AuthProviderRepository
	Refresh   repository.RefreshTokenRepository
	ApiKeys   repository.ApiKeyRepository

	Cache  cache.Cache
	Keys   *cryptoutil.KeyRing
	Jwks   *jwks.Store
	Logger *zap.Logger
}

// NewService creates the auth service.
func NewService(cfg Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		users:     deps.Users,
		sessions:  deps.Sessions,
		clients:   deps.Clients,
		providers: deps.Providers,
		refresh:   deps.Refresh,
		apiKeys:   deps.ApiKeys,
		cache:     deps.Cache,
		keys:      deps.Keys,
		jwks:      deps.Jwks,
		delay:     NewDelayGovernor(deps.Cache, deps.Logger),
		logger:    deps.Logger.Named("auth"),
	}
}

// Delay exposes the login-delay governor for the HTTP layer, which wraps the
// login endpoints with it.
func (s *Service) Delay() *DelayGovernor {
	return s.delay
}

// Jwks exposes the JWK store for the certs endpoints.
func (s *Service) Jwks() *jwks.Store {
	return s.jwks
}

// Config returns the static service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// providerCallbackURI is the fixed redirect URI registered with every
// upstream provider: "<issuer>/providers/callback".
func (s *Service) providerCallbackURI() string {
	return s.cfg.Issuer + "/providers/callback"
}
