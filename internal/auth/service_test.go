package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/jwks"
	"github.com/veridian-auth/veridian/internal/repository"
)

const (
	testIssuer   = "https://id.example.com/auth/v1"
	testClientID = "app1"
	testRedirect = "https://app1/cb"
	testPassword = "sup3r-s3cret-password"
)

// newTestService wires a Service against an in-memory database and cache.
// Signing keys are NOT generated here — tests that issue tokens call
// ensureTestKeys to keep the cheap tests cheap.
func newTestService(t *testing.T) *Service {
	t.Helper()

	ring, err := cryptoutil.NewKeyRing(map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
	}, "k1")
	require.NoError(t, err)
	require.NoError(t, db.InitEncryption(ring))

	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewExample(),
		LogLevel: 4,
	})
	require.NoError(t, err)

	mem := cache.NewMemory(map[string]time.Duration{
		cache.NameCallback: 5 * time.Minute,
		cache.NameAuthCode: 10 * time.Minute,
	})
	t.Cleanup(mem.Close)

	jwkRepo := repository.NewJwkRepository(gormDB)
	jwkStore := jwks.NewStore(jwkRepo, mem, ring, testIssuer, zap.NewNop())

	return NewService(Config{
		Issuer:             testIssuer,
		SessionLifetime:    14 * time.Hour,
		SessionIdleTimeout: 2 * time.Hour,
		CallbackTimeout:    5 * time.Minute,
		SecureCookies:      true,
	}, Deps{
		Users:     repository.NewUserRepository(gormDB),
		Sessions:  repository.NewSessionRepository(gormDB),
		Clients:   repository.NewClientRepository(gormDB),
		Providers: repository.NewAuthProviderRepository(gormDB),
		Refresh:   repository.NewRefreshTokenRepository(gormDB),
		ApiKeys:   repository.NewApiKeyRepository(gormDB),
		Cache:     mem,
		Keys:      ring,
		Jwks:      jwkStore,
		Logger:    zap.NewNop(),
	})
}

// ensureTestKeys generates the signing key set once for a test service.
func ensureTestKeys(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.jwks.EnsureKeys(context.Background()))
}

// seedClient registers the default test client: PKCE required, every flow
// enabled, EdDSA tokens to keep test key generation fast.
func seedClient(t *testing.T, svc *Service) *db.Client {
	t.Helper()

	client := &db.Client{
		ID:                  testClientID,
		Name:                "App One",
		Enabled:             true,
		RedirectURIs:        testRedirect,
		FlowsEnabled:        "authorization_code,refresh_token,password,client_credentials",
		AccessTokenAlg:      "EdDSA",
		IDTokenAlg:          "EdDSA",
		AuthCodeLifetime:    60,
		AccessTokenLifetime: 1800,
		Scopes:              "openid,email,profile,offline_access",
		DefaultScopes:       "openid",
		ChallengeMethods:    "S256",
	}
	require.NoError(t, svc.clients.Create(context.Background(), client))
	return client
}

// seedUser creates a local user with the default test password.
func seedUser(t *testing.T, svc *Service, email string) *db.User {
	t.Helper()

	hash, err := HashPassword(testPassword)
	require.NoError(t, err)

	user := &db.User{
		Email:         email,
		GivenName:     "Test",
		FamilyName:    "User",
		Password:      db.EncryptedString(hash),
		Enabled:       true,
		EmailVerified: true,
		Language:      "en",
	}
	require.NoError(t, svc.users.Create(context.Background(), user))
	return user
}

// newAuthedSession returns a persisted session already past the credential
// step, for tests that start behind the login.
func newAuthedSession(t *testing.T, svc *Service, user *db.User) *db.Session {
	t.Helper()

	session, err := svc.NewSession(context.Background(), "198.51.100.7")
	require.NoError(t, err)

	session.UserID = &user.ID
	session.Roles = user.Roles
	session.State = db.SessionStateAuth
	require.NoError(t, svc.sessions.Save(context.Background(), session))
	return session
}
