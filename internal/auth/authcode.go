package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
)

// AuthCode is a short-lived, single-use authorization code bound to the
// user, client, session, scopes, and PKCE challenge of the authorize
// request. Codes live in the cache only — they never touch the database.
type AuthCode struct {
	ID        string    `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	ClientID  string    `json:"client_id"`
	SessionID string    `json:"session_id,omitempty"`

	RedirectURI     string   `json:"redirect_uri"`
	Challenge       string   `json:"challenge,omitempty"`
	ChallengeMethod string   `json:"challenge_method,omitempty"`
	Nonce           string   `json:"nonce,omitempty"`
	Scopes          []string `json:"scopes"`

	// IsMfa records whether the issuing login satisfied MFA, so the token
	// set can carry the amr claim truthfully.
	IsMfa bool `json:"is_mfa"`

	Exp int64 `json:"exp"`
}

// newAuthCode mints a code valid for the given lifetime.
func newAuthCode(userID uuid.UUID, clientID, sessionID, redirectURI, challenge, method, nonce string, scopes []string, isMfa bool, lifetime time.Duration) (*AuthCode, error) {
	id, err := cryptoutil.RandURLSafe(authCodeLength)
	if err != nil {
		return nil, err
	}
	return &AuthCode{
		ID:              id,
		UserID:          userID,
		ClientID:        clientID,
		SessionID:       sessionID,
		RedirectURI:     redirectURI,
		Challenge:       challenge,
		ChallengeMethod: method,
		Nonce:           nonce,
		Scopes:          scopes,
		IsMfa:           isMfa,
		Exp:             time.Now().Add(lifetime).Unix(),
	}, nil
}

// saveAuthCode writes the code with quorum acknowledgement: redemption at
// the token endpoint may land on a different node than the authorize call.
func (s *Service) saveAuthCode(ctx context.Context, code *AuthCode) error {
	return s.cache.Put(ctx, cache.NameAuthCode, code.ID, code, cache.AckQuorum)
}

// consumeAuthCode redeems a code: it is deleted before being returned so a
// concurrent second redemption observes a missing entry. Expired codes are
// treated as missing.
func (s *Service) consumeAuthCode(ctx context.Context, id string) (*AuthCode, error) {
	var code AuthCode
	err := s.cache.Get(ctx, cache.NameAuthCode, id, &code)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "authorization code not found")
		}
		return nil, err
	}

	// Delete before any further validation — single use above all.
	if err := s.cache.Del(ctx, cache.NameAuthCode, id); err != nil {
		return nil, err
	}

	if time.Now().Unix() > code.Exp {
		return nil, apperr.New(apperr.NotFound, "authorization code has expired")
	}
	return &code, nil
}
