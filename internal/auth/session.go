package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/repository"
)

// Cookie names. The session id and the upstream callback id travel in
// cookies; the CSRF token never does — it is handed to the front end through
// an authenticated API and echoed back in CsrfHeader.
const (
	CookieSession  = "veridian-session"
	CookieCallback = "veridian-upstream-callback"
	CookieMfa      = "veridian-mfa"

	// CsrfHeader is the request header that must echo the session CSRF
	// token on state-changing requests.
	CsrfHeader = "X-Csrf-Token"
)

// NewSession creates and persists a fresh session in the Init state with a
// minted CSRF token and an absolute expiry.
func (s *Service) NewSession(ctx context.Context, remoteIP string) (*db.Session, error) {
	id, err := cryptoutil.RandURLSafe(sessionIDLength)
	if err != nil {
		return nil, err
	}
	csrf, err := cryptoutil.RandURLSafe(csrfTokenLength)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &db.Session{
		ID:        id,
		CsrfToken: csrf,
		State:     db.SessionStateInit,
		CreatedAt: now,
		LastSeen:  now.Unix(),
		Exp:       now.Add(s.cfg.SessionLifetime).Unix(),
		RemoteIP:  remoteIP,
	}

	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// FindSession loads a session by id. Expired or idle-timed-out sessions are
// treated as missing.
func (s *Service) FindSession(ctx context.Context, id string) (*db.Session, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.Unauthorized, "session not found")
		}
		return nil, err
	}
	if !session.IsValid(s.cfg.SessionIdleTimeout) {
		return nil, apperr.New(apperr.Unauthorized, "session has expired")
	}
	return session, nil
}

// TouchSession bumps last_seen. Failures only cost idle-timeout precision,
// so the error is logged, not returned.
func (s *Service) TouchSession(ctx context.Context, session *db.Session) {
	session.LastSeen = time.Now().Unix()
	if err := s.sessions.Save(ctx, session); err != nil {
		s.logger.Warn("bumping session last_seen failed")
	}
}

// InvalidateSession removes the session. The zero-age deletion cookie is
// built by SessionDeletionCookie.
func (s *Service) InvalidateSession(ctx context.Context, id string) error {
	return s.sessions.Delete(ctx, id)
}

// SetSessionMfa transitions Auth -> AuthMfa atomically with a persist.
func (s *Service) SetSessionMfa(ctx context.Context, session *db.Session, on bool) error {
	session.IsMfa = on
	if on && session.State == db.SessionStateAuth {
		session.State = db.SessionStateAuthMfa
	}
	return s.sessions.Save(ctx, session)
}

// SessionCookie builds the session id cookie: Secure, HttpOnly, SameSite=Lax,
// scoped to the auth path, expiring with the session.
func (s *Service) SessionCookie(session *db.Session) *http.Cookie {
	return &http.Cookie{
		Name:     CookieSession,
		Value:    session.ID,
		Path:     "/auth",
		MaxAge:   int(time.Until(time.Unix(session.Exp, 0)).Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionDeletionCookie expires the session cookie immediately.
func (s *Service) SessionDeletionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieSession,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// MfaCookieValue seals the user's email into the MFA remember-cookie value.
func (s *Service) MfaCookieValue(email string) (string, error) {
	ciphertext, keyID, err := s.keys.Encrypt([]byte(email))
	if err != nil {
		return "", err
	}
	return keyID + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// MfaCookieEmail opens an MFA remember-cookie value back into the email.
// Any tampering yields an error; callers treat that as "no cookie".
func (s *Service) MfaCookieEmail(value string) (string, error) {
	keyID, encoded, ok := cutColon(value)
	if !ok {
		return "", apperr.New(apperr.BadRequest, "malformed mfa cookie")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.New(apperr.BadRequest, "malformed mfa cookie")
	}
	email, err := s.keys.Decrypt(ciphertext, keyID)
	if err != nil {
		return "", apperr.New(apperr.BadRequest, "invalid mfa cookie")
	}
	return string(email), nil
}

// cutColon splits "prefix:rest" at the first colon.
func cutColon(s string) (prefix, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
