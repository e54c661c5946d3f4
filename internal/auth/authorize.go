package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/repository"
)

// ErrInvalidCredentials is returned for every credential failure on the
// login path. It never reveals whether the email or the password was wrong.
var ErrInvalidCredentials = apperr.New(apperr.Unauthorized, "invalid credentials")

// ErrLoginRequired is returned for prompt=none without a usable session.
var ErrLoginRequired = apperr.New(apperr.Unauthorized, "login_required")

// Frontend actions for the authorize page.
const (
	ActionNone     = "none"
	ActionRefresh  = "refresh"
	ActionMfaLogin = "mfa_login"
)

// AuthRequest carries the validated query parameters of GET /oidc/authorize.
type AuthRequest struct {
	ClientID            string `validate:"required"`
	RedirectURI         string `validate:"required"`
	ResponseType        string `validate:"required,eq=code"`
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
	Nonce               string
	Prompt              string `validate:"omitempty,oneof=login none"`
	MaxAge              int64
}

// LoginRequest is the credential POST that continues the authorize flow.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`

	ClientID            string   `json:"client_id" validate:"required"`
	RedirectURI         string   `json:"redirect_uri" validate:"required"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state"`
	Nonce               string   `json:"nonce"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
}

// LoginRefreshRequest is the silent re-auth POST for a valid session.
type LoginRefreshRequest struct {
	ClientID            string   `json:"client_id" validate:"required"`
	RedirectURI         string   `json:"redirect_uri" validate:"required"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state"`
	Nonce               string   `json:"nonce"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
}

// AuthorizePage is the decision of GET /oidc/authorize: which session to
// use, whether it is new (needs a Set-Cookie), and which frontend action the
// login shell should start with.
type AuthorizePage struct {
	Client     *db.Client
	Session    *db.Session
	NewSession bool
	Action     string
	MfaEmail   string
}

// Auth step kinds. A login either completes immediately or pivots to a
// WebAuthn continuation.
type StepKind int

const (
	StepLoggedIn StepKind = iota
	StepAwaitWebauthn
)

// AuthStep is the outcome of a successful credential validation.
type AuthStep struct {
	Kind StepKind

	// Location is the downstream redirect carrying code and state.
	// For StepAwaitWebauthn it is stored with the pending request instead
	// and only released after the WebAuthn ceremony.
	Location string

	// Code is the one-time WebAuthn continuation code (StepAwaitWebauthn).
	Code string

	UserID    uuid.UUID
	Email     string
	ExpiresIn time.Duration
}

// WebauthnLoginReq is the pending MFA continuation stored in the cache while
// the browser runs the WebAuthn ceremony.
type WebauthnLoginReq struct {
	Code      string    `json:"code"`
	UserID    uuid.UUID `json:"user_id"`
	HeaderLoc string    `json:"header_loc"`
	Exp       int64     `json:"exp"`
}

// FindClient loads a downstream client, preferring the cached copy.
func (s *Service) FindClient(ctx context.Context, id string) (*db.Client, error) {
	var cached db.Client
	err := s.cache.Get(ctx, cache.NameClient, id, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	client, err := s.clients.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "client does not exist")
		}
		return nil, err
	}

	if err := s.cache.Put(ctx, cache.NameClient, id, client, cache.AckQuorum); err != nil {
		return nil, err
	}
	return client, nil
}

// ValidateAuthReqParam validates client, redirect URI, and PKCE challenge of
// an authorize request and returns the client on success.
func (s *Service) ValidateAuthReqParam(ctx context.Context, clientID, redirectURI, challenge, method string) (*db.Client, error) {
	client, err := s.FindClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Enabled {
		return nil, apperr.New(apperr.Forbidden, "client is disabled")
	}
	if err := client.ValidateRedirectURI(redirectURI); err != nil {
		return nil, err
	}
	if err := client.ValidateCodeChallenge(challenge, method); err != nil {
		return nil, err
	}
	return client, nil
}

// GetAuthorize runs the decision machine of GET /oidc/authorize.
//
// mfaEmail is the email recovered from a valid MFA remember-cookie, or "".
// principal carries whatever session the request presented.
func (s *Service) GetAuthorize(ctx context.Context, principal *Principal, req AuthRequest, mfaEmail string, remoteIP string) (*AuthorizePage, error) {
	client, err := s.ValidateAuthReqParam(ctx, req.ClientID, req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}

	// prompt / max_age can force a fresh session.
	forceNewSession := req.Prompt == "login"
	if !forceNewSession && req.MaxAge > 0 {
		if principal.Session != nil {
			forceNewSession = time.Now().Unix() > principal.Session.CreatedAt.Unix()+req.MaxAge
		} else {
			forceNewSession = true
		}
	}

	// An MFA remember-cookie preselects the WebAuthn login. The user could
	// have dropped the passkey in another browser in the meantime, so it
	// only counts while WebAuthn is still enabled on the account.
	action := ActionNone
	if mfaEmail != "" {
		if user, err := s.users.GetByEmail(ctx, mfaEmail); err == nil && user.HasWebauthnEnabled() {
			action = ActionMfaLogin
			// The MFA ceremony authenticates on every visit anyway, so a
			// forced new session would only add friction.
			forceNewSession = false
		}
	}

	// Valid authenticated session -> immediate refresh variant.
	if !forceNewSession && principal.ValidateSessionAuth() == nil {
		return &AuthorizePage{
			Client:  client,
			Session: principal.Session,
			Action:  ActionRefresh,
		}, nil
	}

	if req.Prompt == "none" {
		return nil, ErrLoginRequired
	}

	session, err := s.NewSession(ctx, remoteIP)
	if err != nil {
		return nil, err
	}

	return &AuthorizePage{
		Client:     client,
		Session:    session,
		NewSession: true,
		Action:     action,
		MfaEmail:   mfaEmail,
	}, nil
}

// Authorize validates the posted credentials against an Init-or-Auth session
// and either completes the login with an auth code or pivots to WebAuthn.
func (s *Service) Authorize(ctx context.Context, session *db.Session, req LoginRequest) (*AuthStep, error) {
	client, err := s.ValidateAuthReqParam(ctx, req.ClientID, req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := user.CheckEnabled(); err != nil {
		return nil, err
	}
	if err := user.CheckExpired(); err != nil {
		return nil, err
	}

	// A federated user has no local password and must log in upstream.
	if user.IsFederated() || user.Password == "" {
		return nil, ErrInvalidCredentials
	}

	if !verifyPassword(req.Password, string(user.Password)) {
		now := time.Now()
		user.LastFailedLogin = &now
		user.FailedLoginAttempts++
		if err := s.users.Update(ctx, user); err != nil {
			s.logger.Warn("recording failed login attempt failed")
		}
		return nil, ErrInvalidCredentials
	}

	if client.ForceMfa && !user.HasWebauthnEnabled() {
		return nil, apperr.New(apperr.MfaRequired, "MFA is required for this client")
	}

	now := time.Now()
	user.LastLogin = &now
	user.LastFailedLogin = nil
	user.FailedLoginAttempts = 0
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	session.UserID = &user.ID
	session.Roles = user.Roles
	session.Groups = user.Groups
	session.State = db.SessionStateAuth
	session.LastSeen = now.Unix()
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}

	return s.finishLogin(ctx, user, client, session, req.RedirectURI, req.Scopes, req.State, req.Nonce, req.CodeChallenge, req.CodeChallengeMethod, false)
}

// AuthorizeRefresh issues an auth code for an already-authenticated session
// without re-checking credentials.
func (s *Service) AuthorizeRefresh(ctx context.Context, session *db.Session, req LoginRefreshRequest) (*AuthStep, error) {
	client, err := s.ValidateAuthReqParam(ctx, req.ClientID, req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, err
	}

	if session.UserID == nil {
		return nil, apperr.New(apperr.Unauthorized, "session has no user")
	}
	user, err := s.users.GetByID(ctx, *session.UserID)
	if err != nil {
		return nil, err
	}
	if err := user.CheckEnabled(); err != nil {
		return nil, err
	}
	if err := user.CheckExpired(); err != nil {
		return nil, err
	}

	// The refresh variant never re-runs MFA: the session keeps its level.
	scopes := client.SanitizeLoginScopes(req.Scopes)
	code, err := newAuthCode(user.ID, client.ID, session.ID, req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod, req.Nonce, scopes, session.IsMfa, time.Duration(client.AuthCodeLifetime)*time.Second)
	if err != nil {
		return nil, err
	}
	if err := s.saveAuthCode(ctx, code); err != nil {
		return nil, err
	}

	return &AuthStep{
		Kind:     StepLoggedIn,
		Location: buildCodeRedirect(req.RedirectURI, code.ID, req.State),
		UserID:   user.ID,
		Email:    user.Email,
	}, nil
}

// finishLogin mints the auth code and decides between an immediate redirect
// and a WebAuthn continuation. isMfa records whether MFA was already
// satisfied upstream (federation) — a local password login starts at false.
func (s *Service) finishLogin(ctx context.Context, user *db.User, client *db.Client, session *db.Session, redirectURI string, scopes []string, state, nonce, challenge, method string, isMfa bool) (*AuthStep, error) {
	codeLifetime := time.Duration(client.AuthCodeLifetime) * time.Second
	awaitWebauthn := user.HasWebauthnEnabled()
	if awaitWebauthn {
		codeLifetime += webauthnReqExp
	}

	sanitized := client.SanitizeLoginScopes(scopes)
	code, err := newAuthCode(user.ID, client.ID, session.ID, redirectURI, challenge, method, nonce, sanitized, isMfa || awaitWebauthn, codeLifetime)
	if err != nil {
		return nil, err
	}
	if err := s.saveAuthCode(ctx, code); err != nil {
		return nil, err
	}

	location := buildCodeRedirect(redirectURI, code.ID, state)

	if awaitWebauthn {
		loginCode, err := cryptoutil.RandURLSafe(authCodeLength)
		if err != nil {
			return nil, err
		}
		pending := WebauthnLoginReq{
			Code:      loginCode,
			UserID:    user.ID,
			HeaderLoc: location,
			Exp:       time.Now().Add(webauthnReqExp).Unix(),
		}
		if err := s.cache.Put(ctx, cache.NameWebauthnLogin, loginCode, pending, cache.AckOnce); err != nil {
			return nil, err
		}

		return &AuthStep{
			Kind:      StepAwaitWebauthn,
			Code:      loginCode,
			UserID:    user.ID,
			Email:     user.Email,
			ExpiresIn: webauthnReqExp,
		}, nil
	}

	return &AuthStep{
		Kind:     StepLoggedIn,
		Location: location,
		UserID:   user.ID,
		Email:    user.Email,
	}, nil
}

// RedeemWebauthnLogin releases the pending redirect after a completed
// WebAuthn ceremony. The record is single use.
func (s *Service) RedeemWebauthnLogin(ctx context.Context, userID uuid.UUID, code string) (*WebauthnLoginReq, error) {
	var pending WebauthnLoginReq
	err := s.cache.Get(ctx, cache.NameWebauthnLogin, code, &pending)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "webauthn request not found")
		}
		return nil, err
	}
	if err := s.cache.Del(ctx, cache.NameWebauthnLogin, code); err != nil {
		return nil, err
	}
	if pending.UserID != userID || time.Now().Unix() > pending.Exp {
		return nil, apperr.New(apperr.Unauthorized, "webauthn request is invalid")
	}
	return &pending, nil
}

// buildCodeRedirect appends code and the verbatim state to the redirect URI.
func buildCodeRedirect(redirectURI, code, state string) string {
	loc := fmt.Sprintf("%s?code=%s", redirectURI, url.QueryEscape(code))
	if state != "" {
		loc += "&state=" + url.QueryEscape(state)
	}
	return loc
}

// splitScope splits a space-separated scope string, dropping empties.
func splitScope(s string) []string {
	var out []string
	for _, v := range strings.Fields(s) {
		out = append(out, v)
	}
	return out
}
