package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/repository"
)

// AccessGroup partitions the admin API surface for API keys.
type AccessGroup string

const (
	AccessGeneric   AccessGroup = "generic"
	AccessSecrets   AccessGroup = "secrets"
	AccessUsers     AccessGroup = "users"
	AccessProviders AccessGroup = "providers"
	AccessClients   AccessGroup = "clients"
	AccessSessions  AccessGroup = "sessions"
)

// AccessRights is a single capability within a group.
type AccessRights string

const (
	AccessRead   AccessRights = "read"
	AccessCreate AccessRights = "create"
	AccessUpdate AccessRights = "update"
	AccessDelete AccessRights = "delete"
)

// AccessEntry grants a set of rights on one group. An API key carries a list
// of these, JSON-encoded on the record.
type AccessEntry struct {
	Group  AccessGroup    `json:"group"`
	Rights []AccessRights `json:"rights"`
}

// Principal is the authenticated identity of an incoming request: a session
// (with its CSRF echo), a bearer access token, an API key, or none of these.
type Principal struct {
	Session *db.Session

	// TokenClaims is set when a valid bearer access token was presented.
	TokenClaims jwt.MapClaims

	ApiKey *db.ApiKey

	// csrfValid is true when the request echoed the session's CSRF token
	// in the CsrfHeader.
	csrfValid bool
}

// PrincipalFromRequest extracts whatever identity the request carries.
// Extraction is best effort — a missing or invalid credential yields an
// anonymous principal, and the Validate* methods decide what is required.
func (s *Service) PrincipalFromRequest(ctx context.Context, r *http.Request) *Principal {
	p := &Principal{}

	if cookie, err := r.Cookie(CookieSession); err == nil {
		if session, err := s.FindSession(ctx, cookie.Value); err == nil {
			p.Session = session
			// The CSRF echo is only demanded on state-changing requests;
			// a plain navigation carries no header.
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				p.csrfValid = true
			default:
				echo := r.Header.Get(CsrfHeader)
				p.csrfValid = echo != "" &&
					subtle.ConstantTimeCompare([]byte(echo), []byte(session.CsrfToken)) == 1
			}
		}
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, value, ok := strings.Cut(header, " "); ok {
			switch {
			case strings.EqualFold(scheme, "Bearer"):
				if claims, err := s.jwks.Verify(ctx, value); err == nil {
					p.TokenClaims = claims
				}
			case strings.EqualFold(scheme, "ApiKey"):
				if key, err := s.validateApiKey(ctx, value); err == nil {
					p.ApiKey = key
				}
			}
		}
	}

	return p
}

// validateApiKey checks an "name$secret" credential against the store.
func (s *Service) validateApiKey(ctx context.Context, value string) (*db.ApiKey, error) {
	name, secret, ok := strings.Cut(value, "$")
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "malformed api key")
	}

	key, err := s.apiKeys.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.Unauthorized, "invalid api key")
		}
		return nil, err
	}

	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(key.SecretHash)) != 1 {
		return nil, apperr.New(apperr.Unauthorized, "invalid api key")
	}
	if !key.Enabled {
		return nil, apperr.New(apperr.Forbidden, "api key is disabled")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, apperr.New(apperr.Unauthorized, "api key has expired")
	}

	return key, nil
}

// ValidateSessionAuth requires an authenticated session with a valid CSRF echo.
func (p *Principal) ValidateSessionAuth() error {
	if p.Session == nil {
		return apperr.New(apperr.Unauthorized, "no valid session")
	}
	if !p.Session.IsAuthenticated() {
		return apperr.New(apperr.Unauthorized, "session is not authenticated")
	}
	if !p.csrfValid {
		return apperr.New(apperr.Forbidden, "CSRF token missing or invalid")
	}
	return nil
}

// ValidateSessionAuthOrInit requires a session in any state with a valid
// CSRF echo. Used by the credential POST, which runs against an Init session.
func (p *Principal) ValidateSessionAuthOrInit() error {
	if p.Session == nil {
		return apperr.New(apperr.Unauthorized, "no valid session")
	}
	if !p.csrfValid {
		return apperr.New(apperr.Forbidden, "CSRF token missing or invalid")
	}
	return nil
}

// ValidateAdminSession requires an authenticated session belonging to an
// admin user.
func (p *Principal) ValidateAdminSession() error {
	if err := p.ValidateSessionAuth(); err != nil {
		return err
	}
	for _, role := range splitRoles(p.Session.Roles) {
		if role == db.RoleAdmin {
			return nil
		}
	}
	return apperr.New(apperr.Forbidden, "admin access required")
}

// ValidateApiKeyOrAdminSession passes when either a presented API key grants
// the capability or the session belongs to an admin.
func (p *Principal) ValidateApiKeyOrAdminSession(group AccessGroup, rights AccessRights) error {
	if p.ApiKey != nil {
		var entries []AccessEntry
		if err := json.Unmarshal([]byte(p.ApiKey.Access), &entries); err != nil {
			return apperr.Wrap(apperr.Internal, "corrupt api key access matrix", err)
		}
		for _, entry := range entries {
			if entry.Group != group {
				continue
			}
			for _, r := range entry.Rights {
				if r == rights {
					return nil
				}
			}
		}
		return apperr.New(apperr.Forbidden, "api key lacks the required access rights")
	}

	return p.ValidateAdminSession()
}

// GetSessionCsrfToken returns the CSRF token for a fully authenticated
// session, for the sessioninfo/xsrf endpoint.
func (p *Principal) GetSessionCsrfToken() (string, error) {
	if p.Session == nil || !p.Session.IsAuthenticated() {
		return "", apperr.New(apperr.Unauthorized, "no valid session")
	}
	return p.Session.CsrfToken, nil
}

// TokenSubject returns the sub claim of the presented bearer token.
func (p *Principal) TokenSubject() (string, error) {
	if p.TokenClaims == nil {
		return "", apperr.New(apperr.Unauthorized, "no bearer token")
	}
	sub, err := p.TokenClaims.GetSubject()
	if err != nil || sub == "" {
		return "", apperr.New(apperr.Unauthorized, "token has no subject")
	}
	return sub, nil
}

func splitRoles(roles string) []string {
	if roles == "" {
		return nil
	}
	var out []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
