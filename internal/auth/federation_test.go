package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
)

const upstreamVerifier = "upstream-verifier-with-plenty-of-entropy"

// seedProvider registers an upstream provider pointing at the given base URL.
func seedProvider(t *testing.T, svc *Service, baseURL string) *db.AuthProvider {
	t.Helper()

	provider := &db.AuthProvider{
		Name:                  "Upstream",
		Enabled:               true,
		Type:                  db.ProviderTypeOIDC,
		Issuer:                baseURL,
		AuthorizationEndpoint: baseURL + "/authorize",
		TokenEndpoint:         baseURL + "/token",
		UserinfoEndpoint:      baseURL + "/userinfo",
		ClientID:              "veridian-client",
		ClientSecret:          "upstream-secret",
		Scope:                 "openid email profile",
		UsePKCE:               true,
	}
	require.NoError(t, svc.CreateProvider(context.Background(), provider))
	return provider
}

// fakeIDToken builds an unsigned-looking JWT whose payload is the claims.
func fakeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// upstreamServer fakes the provider's token (and optionally userinfo)
// endpoints. tokenBody is returned verbatim from POST /token.
func upstreamServer(t *testing.T, tokenBody map[string]any, userinfoBody map[string]any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		assert.Equal(t, "veridian-client", r.PostFormValue("client_id"))
		assert.NotEmpty(t, r.PostFormValue("code"))
		assert.NotEmpty(t, r.PostFormValue("code_verifier"))
		// Basic auth travels alongside the body credentials.
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "veridian-client", user)
		assert.Equal(t, "upstream-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenBody)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userinfoBody)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// startLogin runs LoginStart against the provider and returns the start
// result together with the upstream state (= callback id) from the Location.
func startLogin(t *testing.T, svc *Service, provider *db.AuthProvider) (*ProviderLoginStart, string) {
	t.Helper()

	start, err := svc.LoginStart(context.Background(), ProviderLoginRequest{
		ProviderID:          provider.ID.String(),
		ClientID:            testClientID,
		RedirectURI:         testRedirect,
		Scopes:              []string{"openid", "profile"},
		State:               "xyz",
		CodeChallenge:       cryptoutil.PKCEChallenge("verifier-1"),
		CodeChallengeMethod: "S256",
		PkceChallenge:       cryptoutil.PKCEChallenge(upstreamVerifier),
	})
	require.NoError(t, err)

	loc, err := url.Parse(start.Location)
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return start, state
}

// finishLoginReq runs LoginFinish with a fresh Init session.
func finishLoginReq(t *testing.T, svc *Service, start *ProviderLoginStart, state string) (*AuthStep, error) {
	t.Helper()

	session, err := svc.NewSession(context.Background(), "198.51.100.7")
	require.NoError(t, err)

	return svc.LoginFinish(context.Background(), start.CookieValue, "", ProviderCallbackRequest{
		State:        state,
		Code:         "upstream-code-abc",
		XsrfToken:    start.XsrfToken,
		PkceVerifier: upstreamVerifier,
	}, session)
}

func TestLoginStartBuildsUpstreamRedirect(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	provider := seedProvider(t, svc, "https://upstream.example.com")

	start, state := startLogin(t, svc, provider)

	loc, err := url.Parse(start.Location)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", loc.Path)

	q := loc.Query()
	assert.Equal(t, "veridian-client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testIssuer+"/providers/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, cryptoutil.PKCEChallenge(upstreamVerifier), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	// The scope travels '+'-separated on the wire.
	assert.Contains(t, loc.RawQuery, "scope=openid+email+profile")

	// The cookie does not carry the callback id in the clear; the callback
	// id and the XSRF token have the fixed id length.
	assert.NotEqual(t, state, start.CookieValue)
	assert.Len(t, state, callbackIDLength)
	assert.Len(t, start.XsrfToken, callbackIDLength)
}

func TestLoginFinishCreatesFederatedUser(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	srv := upstreamServer(t, map[string]any{
		"access_token": "at-123",
		"id_token": fakeIDToken(t, map[string]any{
			"sub":            42,
			"email":          "a@b.c",
			"name":           "Ada Lovelace",
			"email_verified": true,
			"locale":         "de-DE",
		}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)

	start, state := startLogin(t, svc, provider)
	step, err := finishLoginReq(t, svc, start, state)
	require.NoError(t, err)

	assert.Equal(t, StepLoggedIn, step.Kind)
	assert.True(t, strings.HasPrefix(step.Location, testRedirect+"?code="))
	assert.Contains(t, step.Location, "state=xyz")

	// The numeric sub was coerced to a string before any lookup.
	user, err := svc.users.GetByFederation(ctx, provider.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", user.Email)
	assert.Equal(t, "Ada", user.GivenName)
	assert.Equal(t, "Lovelace", user.FamilyName)
	assert.Equal(t, "de", user.Language)
	assert.True(t, user.EmailVerified)
	require.NotNil(t, user.AuthProviderID)
	assert.Equal(t, provider.ID, *user.AuthProviderID)

	// The minted code is redeemable downstream.
	ensureTestKeys(t, svc)
	loc, _ := url.Parse(step.Location)
	set, err := svc.TokenGrant(ctx, testTokenRequest(loc.Query().Get("code")))
	require.NoError(t, err)
	assert.NotEmpty(t, set.IDToken)
}

func TestLoginFinishUserinfoFallback(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)

	srv := upstreamServer(t,
		map[string]any{"access_token": "at-123"},
		map[string]any{"id": "gh-77", "email": "dev@b.c", "name": "Grace Hopper"},
	)
	provider := seedProvider(t, svc, srv.URL)

	start, state := startLogin(t, svc, provider)
	step, err := finishLoginReq(t, svc, start, state)
	require.NoError(t, err)
	assert.Equal(t, StepLoggedIn, step.Kind)

	user, err := svc.users.GetByFederation(context.Background(), provider.ID, "gh-77")
	require.NoError(t, err)
	assert.Equal(t, "dev@b.c", user.Email)
}

func TestLoginFinishReplayFails(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)

	srv := upstreamServer(t, map[string]any{
		"id_token": fakeIDToken(t, map[string]any{"sub": "42", "email": "a@b.c"}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)

	start, state := startLogin(t, svc, provider)

	_, err := finishLoginReq(t, svc, start, state)
	require.NoError(t, err)

	// The record was destroyed on success: the replay observes nothing.
	_, err = finishLoginReq(t, svc, start, state)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestLoginFinishValidationFailuresDeleteRecord(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(req *ProviderCallbackRequest, start *ProviderLoginStart)
		wantKind apperr.Kind
	}{
		{
			name: "state mismatch",
			mutate: func(req *ProviderCallbackRequest, _ *ProviderLoginStart) {
				req.State = flipLastByte(req.State)
			},
			wantKind: apperr.BadRequest,
		},
		{
			name: "xsrf mismatch",
			mutate: func(req *ProviderCallbackRequest, _ *ProviderLoginStart) {
				req.XsrfToken = flipLastByte(req.XsrfToken)
			},
			wantKind: apperr.Unauthorized,
		},
		{
			name: "pkce mismatch",
			mutate: func(req *ProviderCallbackRequest, _ *ProviderLoginStart) {
				req.PkceVerifier = flipLastByte(req.PkceVerifier)
			},
			wantKind: apperr.Unauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			seedClient(t, svc)
			srv := upstreamServer(t, map[string]any{
				"id_token": fakeIDToken(t, map[string]any{"sub": "42", "email": "a@b.c"}),
			}, nil)
			provider := seedProvider(t, svc, srv.URL)
			ctx := context.Background()

			start, state := startLogin(t, svc, provider)
			session, err := svc.NewSession(ctx, "")
			require.NoError(t, err)

			req := ProviderCallbackRequest{
				State:        state,
				Code:         "upstream-code-abc",
				XsrfToken:    start.XsrfToken,
				PkceVerifier: upstreamVerifier,
			}
			tt.mutate(&req, start)

			_, err = svc.LoginFinish(ctx, start.CookieValue, "", req, session)
			assert.True(t, apperr.IsKind(err, tt.wantKind), "got %v", err)

			// The record is gone: even a now-correct request fails.
			_, err = finishLoginReq(t, svc, start, state)
			assert.True(t, apperr.IsKind(err, apperr.NotFound))

			// And no user was created along the way.
			_, err = svc.users.GetByEmail(ctx, "a@b.c")
			assert.Error(t, err)
		})
	}
}

func TestLoginFinishTamperedCookie(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	srv := upstreamServer(t, map[string]any{
		"id_token": fakeIDToken(t, map[string]any{"sub": "42", "email": "a@b.c"}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)
	ctx := context.Background()

	start, state := startLogin(t, svc, provider)
	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	_, err = svc.LoginFinish(ctx, flipLastByte(start.CookieValue), "", ProviderCallbackRequest{
		State:        state,
		Code:         "upstream-code-abc",
		XsrfToken:    start.XsrfToken,
		PkceVerifier: upstreamVerifier,
	}, session)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestLoginFinishEmailCollision(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	seedUser(t, svc, "admin@local")
	ctx := context.Background()

	srv := upstreamServer(t, map[string]any{
		"id_token": fakeIDToken(t, map[string]any{"sub": "42", "email": "admin@local"}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)

	start, state := startLogin(t, svc, provider)
	_, err := finishLoginReq(t, svc, start, state)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden), "got %v", err)

	// The local user was not linked or modified.
	user, err := svc.users.GetByEmail(ctx, "admin@local")
	require.NoError(t, err)
	assert.False(t, user.IsFederated())
}

func TestLoginFinishUpstreamError(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"server_error"}`, http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	provider := seedProvider(t, svc, srv.URL)

	start, state := startLogin(t, svc, provider)
	_, err := finishLoginReq(t, svc, start, state)
	assert.True(t, apperr.IsKind(err, apperr.Upstream), "got %v", err)
}

func TestLoginFinishAdminRoleMappingIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	srv := upstreamServer(t, map[string]any{
		"id_token": fakeIDToken(t, map[string]any{
			"sub":   "42",
			"email": "a@b.c",
			"realm_access": map[string]any{
				"roles": []string{"user", "admin"},
			},
		}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)
	path := "$.realm_access.roles"
	value := "admin"
	provider.AdminClaimPath = &path
	provider.AdminClaimValue = &value
	require.NoError(t, svc.UpdateProvider(ctx, provider))

	for i := 0; i < 2; i++ {
		start, state := startLogin(t, svc, provider)
		_, err := finishLoginReq(t, svc, start, state)
		require.NoError(t, err)
	}

	user, err := svc.users.GetByFederation(ctx, provider.ID, "42")
	require.NoError(t, err)

	count := 0
	for _, role := range user.GetRoles() {
		if role == db.RoleAdmin {
			count++
		}
	}
	assert.Equal(t, 1, count, "roles: %q", user.Roles)
}

func TestLoginFinishAdminRoleStripped(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	srv := upstreamServer(t, map[string]any{
		"id_token": fakeIDToken(t, map[string]any{
			"sub":   "42",
			"email": "a@b.c",
			"roles": []string{"user"},
		}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)
	path := "$.roles"
	value := "admin"
	provider.AdminClaimPath = &path
	provider.AdminClaimValue = &value
	require.NoError(t, svc.UpdateProvider(ctx, provider))

	// First login creates the user; then grant admin manually and log in
	// again — the configured mapping must strip it.
	start, state := startLogin(t, svc, provider)
	_, err := finishLoginReq(t, svc, start, state)
	require.NoError(t, err)

	user, err := svc.users.GetByFederation(ctx, provider.ID, "42")
	require.NoError(t, err)
	user.SetRoles(append(user.GetRoles(), db.RoleAdmin))
	require.NoError(t, svc.users.Update(ctx, user))

	start, state = startLogin(t, svc, provider)
	_, err = finishLoginReq(t, svc, start, state)
	require.NoError(t, err)

	user, err = svc.users.GetByFederation(ctx, provider.ID, "42")
	require.NoError(t, err)
	assert.False(t, user.HasRole(db.RoleAdmin))
}

func TestLoginFinishMfaClaimMarksSession(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	srv := upstreamServer(t, map[string]any{
		"id_token": fakeIDToken(t, map[string]any{
			"sub":   "42",
			"email": "a@b.c",
			"amr":   []string{"mfa"},
		}),
	}, nil)
	provider := seedProvider(t, svc, srv.URL)
	path := "$.amr"
	value := "mfa"
	provider.MfaClaimPath = &path
	provider.MfaClaimValue = &value
	require.NoError(t, svc.UpdateProvider(ctx, provider))

	start, state := startLogin(t, svc, provider)
	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	_, err = svc.LoginFinish(ctx, start.CookieValue, "", ProviderCallbackRequest{
		State:        state,
		Code:         "upstream-code-abc",
		XsrfToken:    start.XsrfToken,
		PkceVerifier: upstreamVerifier,
	}, session)
	require.NoError(t, err)

	found, err := svc.FindSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, found.IsMfa)
	assert.Equal(t, db.SessionStateAuthMfa, found.State)
}

// flipLastByte flips one bit in the last byte of a string.
func flipLastByte(s string) string {
	b := []byte(s)
	b[len(b)-1] ^= 0x01
	return string(b)
}
