package auth

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
)

func testAuthRequest() AuthRequest {
	return AuthRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirect,
		ResponseType:        "code",
		CodeChallenge:       cryptoutil.PKCEChallenge("verifier-1"),
		CodeChallengeMethod: "S256",
		Scope:               "openid profile",
		State:               "xyz",
	}
}

func TestGetAuthorizeCreatesInitSession(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	page, err := svc.GetAuthorize(ctx, &Principal{}, testAuthRequest(), "", "198.51.100.7")
	require.NoError(t, err)

	assert.True(t, page.NewSession)
	assert.Equal(t, ActionNone, page.Action)
	assert.Equal(t, db.SessionStateInit, page.Session.State)
	assert.NotEmpty(t, page.Session.CsrfToken)

	// The session was persisted.
	found, err := svc.FindSession(ctx, page.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, page.Session.CsrfToken, found.CsrfToken)
}

func TestGetAuthorizeRejectsBadParams(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	req := testAuthRequest()
	req.RedirectURI = "https://evil.example.com/cb"
	_, err := svc.GetAuthorize(ctx, &Principal{}, req, "", "")
	assert.True(t, apperr.IsKind(err, apperr.BadRequest))

	req = testAuthRequest()
	req.CodeChallengeMethod = "plain"
	_, err = svc.GetAuthorize(ctx, &Principal{}, req, "", "")
	assert.True(t, apperr.IsKind(err, apperr.BadRequest))

	req = testAuthRequest()
	req.ClientID = "unknown"
	_, err = svc.GetAuthorize(ctx, &Principal{}, req, "", "")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestGetAuthorizePromptNoneWithoutSession(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)

	req := testAuthRequest()
	req.Prompt = "none"
	_, err := svc.GetAuthorize(context.Background(), &Principal{}, req, "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.True(t, apperr.IsKind(err, apperr.Unauthorized))
}

func TestGetAuthorizeRefreshesValidSession(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	user := seedUser(t, svc, "ada@example.com")
	session := newAuthedSession(t, svc, user)

	principal := &Principal{Session: session, csrfValid: true}
	page, err := svc.GetAuthorize(context.Background(), principal, testAuthRequest(), "", "")
	require.NoError(t, err)

	assert.False(t, page.NewSession)
	assert.Equal(t, ActionRefresh, page.Action)
	assert.Equal(t, session.ID, page.Session.ID)
}

func TestGetAuthorizePromptLoginForcesNewSession(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	user := seedUser(t, svc, "ada@example.com")
	session := newAuthedSession(t, svc, user)

	req := testAuthRequest()
	req.Prompt = "login"
	principal := &Principal{Session: session, csrfValid: true}
	page, err := svc.GetAuthorize(context.Background(), principal, req, "", "")
	require.NoError(t, err)

	assert.True(t, page.NewSession)
	assert.NotEqual(t, session.ID, page.Session.ID)
}

func testLoginRequest(email string) LoginRequest {
	return LoginRequest{
		Email:               email,
		Password:            testPassword,
		ClientID:            testClientID,
		RedirectURI:         testRedirect,
		Scopes:              []string{"openid", "profile"},
		State:               "xyz",
		CodeChallenge:       cryptoutil.PKCEChallenge("verifier-1"),
		CodeChallengeMethod: "S256",
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	user := seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	session, err := svc.NewSession(ctx, "198.51.100.7")
	require.NoError(t, err)

	step, err := svc.Authorize(ctx, session, testLoginRequest("ada@example.com"))
	require.NoError(t, err)

	assert.Equal(t, StepLoggedIn, step.Kind)
	assert.True(t, strings.HasPrefix(step.Location, testRedirect+"?code="))

	loc, err := url.Parse(step.Location)
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.NotEmpty(t, loc.Query().Get("code"))

	// The session transitioned Init -> Auth and carries the user.
	found, err := svc.FindSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateAuth, found.State)
	require.NotNil(t, found.UserID)
	assert.Equal(t, user.ID, *found.UserID)
}

func TestAuthorizeWrongPassword(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	seedUser(t, svc, "ada@example.com")
	ctx := context.Background()

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	req := testLoginRequest("ada@example.com")
	req.Password = "wrong"
	_, err = svc.Authorize(ctx, session, req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// The failure was recorded on the user.
	user, uerr := svc.users.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, uerr)
	assert.Equal(t, 1, user.FailedLoginAttempts)
	assert.NotNil(t, user.LastFailedLogin)
}

func TestAuthorizeUnknownUserLooksLikeWrongPassword(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	_, err = svc.Authorize(ctx, session, testLoginRequest("nobody@example.com"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthorizeFederatedUserCannotUsePassword(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	user := seedUser(t, svc, "fed@example.com")
	providerID := seedProvider(t, svc, "https://upstream.example.com").ID
	fuid := "42"
	user.AuthProviderID = &providerID
	user.FederationUID = &fuid
	user.Password = ""
	require.NoError(t, svc.users.Update(ctx, user))

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	_, err = svc.Authorize(ctx, session, testLoginRequest("fed@example.com"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthorizeDisabledUser(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	user := seedUser(t, svc, "off@example.com")
	user.Enabled = false
	require.NoError(t, svc.users.Update(ctx, user))

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	_, err = svc.Authorize(ctx, session, testLoginRequest("off@example.com"))
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestAuthorizePivotsToWebauthn(t *testing.T) {
	svc := newTestService(t)
	seedClient(t, svc)
	ctx := context.Background()

	user := seedUser(t, svc, "mfa@example.com")
	wid := "webauthn-handle"
	user.WebauthnUserID = &wid
	require.NoError(t, svc.users.Update(ctx, user))

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)

	step, err := svc.Authorize(ctx, session, testLoginRequest("mfa@example.com"))
	require.NoError(t, err)

	assert.Equal(t, StepAwaitWebauthn, step.Kind)
	assert.NotEmpty(t, step.Code)
	assert.Empty(t, step.Location)

	// The pending redirect is released through the continuation code.
	pending, err := svc.RedeemWebauthnLogin(ctx, user.ID, step.Code)
	require.NoError(t, err)
	assert.Contains(t, pending.HeaderLoc, testRedirect+"?code=")

	// The continuation is single use.
	_, err = svc.RedeemWebauthnLogin(ctx, user.ID, step.Code)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestSessionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.NewSession(ctx, "")
	require.NoError(t, err)
	assert.False(t, session.IsAuthenticated())

	session.State = db.SessionStateAuth
	require.NoError(t, svc.sessions.Save(ctx, session))
	assert.True(t, session.IsAuthenticated())

	require.NoError(t, svc.SetSessionMfa(ctx, session, true))
	assert.Equal(t, db.SessionStateAuthMfa, session.State)
	assert.True(t, session.IsMfa)

	require.NoError(t, svc.InvalidateSession(ctx, session.ID))
	_, err = svc.FindSession(ctx, session.ID)
	assert.True(t, apperr.IsKind(err, apperr.Unauthorized))
}
