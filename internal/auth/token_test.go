package auth

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-auth/veridian/internal/db"
)

// obtainCode runs the authorize leg and returns the minted code.
func obtainCode(t *testing.T, svc *Service, email string) string {
	t.Helper()
	ctx := context.Background()

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	step, err := svc.Authorize(ctx, session, testLoginRequest(email))
	require.NoError(t, err)
	require.Equal(t, StepLoggedIn, step.Kind)

	loc, err := url.Parse(step.Location)
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func testTokenRequest(code string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: "verifier-1",
		ClientID:     testClientID,
	}
}

func TestAuthorizationCodeGrant(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	user := seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	code := obtainCode(t, svc, "ada@example.com")

	set, err := svc.TokenGrant(ctx, testTokenRequest(code))
	require.NoError(t, err)

	assert.Equal(t, "Bearer", set.TokenType)
	assert.Equal(t, 1800, set.ExpiresIn)
	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.IDToken, "openid scope must yield an id_token")
	assert.NotEmpty(t, set.RefreshToken)

	claims, err := svc.jwks.Verify(ctx, set.AccessToken)
	require.NoError(t, err)
	sub, _ := claims.GetSubject()
	assert.Equal(t, user.ID.String(), sub)
	assert.Equal(t, "openid profile", claims["scope"])

	idClaims, err := svc.jwks.Verify(ctx, set.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", idClaims["email"])
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	code := obtainCode(t, svc, "ada@example.com")

	_, err := svc.TokenGrant(ctx, testTokenRequest(code))
	require.NoError(t, err)

	// A second redemption observes a missing entry.
	_, err = svc.TokenGrant(ctx, testTokenRequest(code))
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestAuthorizationCodePKCEMismatch(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	code := obtainCode(t, svc, "ada@example.com")

	req := testTokenRequest(code)
	req.CodeVerifier = "verifier-2"
	_, err := svc.TokenGrant(ctx, req)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)

	// The failed redemption consumed the code: the right verifier no longer helps.
	_, err = svc.TokenGrant(ctx, testTokenRequest(code))
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)

	// A fresh code still redeems normally.
	_, err = svc.TokenGrant(ctx, testTokenRequest(obtainCode(t, svc, "ada@example.com")))
	assert.NoError(t, err)
}

func TestAuthorizationCodeRedirectMismatch(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")

	code := obtainCode(t, svc, "ada@example.com")

	req := testTokenRequest(code)
	req.RedirectURI = testRedirect + "/"
	_, err := svc.TokenGrant(context.Background(), req)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestAuthorizationCodeWrongClient(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	other := seedClientWithID(t, svc, "app2")
	_ = other

	code := obtainCode(t, svc, "ada@example.com")

	req := testTokenRequest(code)
	req.ClientID = "app2"
	_, err := svc.TokenGrant(ctx, req)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestRefreshTokenRotatesOnUse(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	set, err := svc.TokenGrant(ctx, testTokenRequest(obtainCode(t, svc, "ada@example.com")))
	require.NoError(t, err)
	require.NotEmpty(t, set.RefreshToken)

	refreshed, err := svc.TokenGrant(ctx, TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: set.RefreshToken,
		ClientID:     testClientID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, set.RefreshToken, refreshed.RefreshToken)

	// The old refresh token was rotated out.
	_, err = svc.TokenGrant(ctx, TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: set.RefreshToken,
		ClientID:     testClientID,
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestRefreshTokenRejectsAccessToken(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	set, err := svc.TokenGrant(ctx, testTokenRequest(obtainCode(t, svc, "ada@example.com")))
	require.NoError(t, err)

	_, err = svc.TokenGrant(ctx, TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: set.AccessToken,
		ClientID:     testClientID,
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestPasswordGrant(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	set, err := svc.TokenGrant(ctx, TokenRequest{
		GrantType: GrantPassword,
		ClientID:  testClientID,
		Username:  "ada@example.com",
		Password:  testPassword,
		Scope:     "openid email",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)

	_, err = svc.TokenGrant(ctx, TokenRequest{
		GrantType: GrantPassword,
		ClientID:  testClientID,
		Username:  "ada@example.com",
		Password:  "wrong",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestClientCredentialsGrant(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	ctx := context.Background()

	client := seedClient(t, svc)
	client.Confidential = true
	client.Secret = "app1-secret"
	require.NoError(t, svc.clients.Update(ctx, client))
	// Drop the cached public-client copy.
	require.NoError(t, svc.cache.Del(ctx, "client", client.ID))

	set, err := svc.TokenGrant(ctx, TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     testClientID,
		ClientSecret: "app1-secret",
	})
	require.NoError(t, err)
	assert.Empty(t, set.IDToken)
	assert.Empty(t, set.RefreshToken)

	claims, err := svc.jwks.Verify(ctx, set.AccessToken)
	require.NoError(t, err)
	sub, _ := claims.GetSubject()
	assert.Equal(t, testClientID, sub)

	// A wrong secret is an invalid_client.
	_, err = svc.TokenGrant(ctx, TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     testClientID,
		ClientSecret: "nope",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_client", oauthErr.Code)
}

func TestUnsupportedGrant(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)

	_, err := svc.TokenGrant(context.Background(), TokenRequest{
		GrantType: "device_code",
		ClientID:  testClientID,
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "unsupported_grant_type", oauthErr.Code)
}

func TestIntrospectToken(t *testing.T) {
	svc := newTestService(t)
	ensureTestKeys(t, svc)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	set, err := svc.TokenGrant(ctx, testTokenRequest(obtainCode(t, svc, "ada@example.com")))
	require.NoError(t, err)

	info := svc.IntrospectToken(ctx, set.AccessToken)
	assert.True(t, info.Active)
	assert.Equal(t, testClientID, info.ClientID)
	assert.NotZero(t, info.Exp)

	assert.False(t, svc.IntrospectToken(ctx, "garbage").Active)
}

// seedClientWithID registers a second public client sharing the redirect URI.
func seedClientWithID(t *testing.T, svc *Service, id string) *db.Client {
	t.Helper()

	client := &db.Client{
		ID:                  id,
		Name:                "App " + id,
		Enabled:             true,
		RedirectURIs:        testRedirect,
		FlowsEnabled:        "authorization_code",
		AccessTokenAlg:      "EdDSA",
		IDTokenAlg:          "EdDSA",
		AuthCodeLifetime:    60,
		AccessTokenLifetime: 1800,
		Scopes:              "openid",
		DefaultScopes:       "openid",
		ChallengeMethods:    "S256",
	}
	require.NoError(t, svc.clients.Create(context.Background(), client))
	return client
}

func TestSanitizeLoginScopesDropsUnknown(t *testing.T) {
	svc := newTestService(t)
	client := seedClient(t, svc)

	scopes := client.SanitizeLoginScopes([]string{"openid", "made-up", "email"})
	assert.Equal(t, []string{"openid", "email"}, scopes)

	// Nothing surviving falls back to the defaults.
	assert.Equal(t, []string{"openid"}, client.SanitizeLoginScopes([]string{"made-up"}))
	assert.Equal(t, []string{"openid"}, client.SanitizeLoginScopes(nil))
}
