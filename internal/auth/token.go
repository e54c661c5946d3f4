package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/jwks"
	"github.com/veridian-auth/veridian/internal/repository"
)

// OAuth2 grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
)

// OAuthError is an RFC 6749 §5.2 protocol error. The token endpoint returns
// these for client-visible failures; everything else surfaces as an apperr
// and is reported by its kind, with server-side kinds reduced to an opaque
// server_error.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthInvalidRequest(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest}
}

func oauthInvalidClient(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_client", Description: desc, Status: http.StatusUnauthorized}
}

func oauthInvalidGrant(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: desc, Status: http.StatusBadRequest}
}

func oauthUnauthorizedClient(desc string) *OAuthError {
	return &OAuthError{Code: "unauthorized_client", Description: desc, Status: http.StatusBadRequest}
}

func oauthUnsupportedGrant(desc string) *OAuthError {
	return &OAuthError{Code: "unsupported_grant_type", Description: desc, Status: http.StatusBadRequest}
}

// TokenRequest carries the form-encoded body of POST /oidc/token.
// ClientID/ClientSecret may come from the body or from HTTP Basic auth; the
// handler merges both before calling TokenGrant.
type TokenRequest struct {
	GrantType    string `validate:"required"`
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string `validate:"required"`
	ClientSecret string
	Username     string
	Password     string
	Scope        string
}

// TokenSet is the JSON response of the token endpoint.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// TokenGrant dispatches the token endpoint grants.
func (s *Service) TokenGrant(ctx context.Context, req TokenRequest) (*TokenSet, error) {
	client, err := s.FindClient(ctx, req.ClientID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil, oauthInvalidClient("unknown client")
		}
		return nil, err
	}
	if !client.Enabled {
		return nil, oauthInvalidClient("client is disabled")
	}

	if err := s.authenticateClient(client, req.ClientSecret); err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.grantAuthorizationCode(ctx, client, req)
	case GrantRefreshToken:
		return s.grantRefreshToken(ctx, client, req)
	case GrantPassword:
		return s.grantPassword(ctx, client, req)
	case GrantClientCredentials:
		return s.grantClientCredentials(ctx, client, req)
	default:
		return nil, oauthUnsupportedGrant(req.GrantType)
	}
}

// authenticateClient verifies the secret of a confidential client.
// Public clients pass without a secret.
func (s *Service) authenticateClient(client *db.Client, secret string) error {
	if !client.Confidential {
		return nil
	}
	if secret == "" {
		return oauthInvalidClient("client secret is required")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) != 1 {
		return oauthInvalidClient("invalid client secret")
	}
	return nil
}

func (s *Service) grantAuthorizationCode(ctx context.Context, client *db.Client, req TokenRequest) (*TokenSet, error) {
	if !client.FlowEnabled(GrantAuthorizationCode) {
		return nil, oauthUnauthorizedClient("authorization_code flow is not enabled for this client")
	}
	if req.Code == "" {
		return nil, oauthInvalidRequest("code is required")
	}

	code, err := s.consumeAuthCode(ctx, req.Code)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil, oauthInvalidGrant("invalid or expired authorization code")
		}
		return nil, err
	}

	if code.ClientID != client.ID {
		return nil, oauthInvalidGrant("authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, oauthInvalidGrant("redirect_uri does not match the authorization request")
	}
	if code.Challenge != "" {
		if req.CodeVerifier == "" {
			return nil, oauthInvalidGrant("code_verifier is required")
		}
		if cryptoutil.PKCEChallenge(req.CodeVerifier) != code.Challenge {
			return nil, oauthInvalidGrant("invalid code_verifier")
		}
	}

	user, err := s.users.GetByID(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauthInvalidGrant("user no longer exists")
		}
		return nil, err
	}
	if user.CheckEnabled() != nil || user.CheckExpired() != nil {
		return nil, oauthInvalidGrant("user is not allowed to log in")
	}

	return s.buildTokenSet(ctx, user, client, code.Scopes, code.Nonce, code.IsMfa)
}

func (s *Service) grantRefreshToken(ctx context.Context, client *db.Client, req TokenRequest) (*TokenSet, error) {
	if !client.FlowEnabled(GrantRefreshToken) {
		return nil, oauthUnauthorizedClient("refresh_token flow is not enabled for this client")
	}
	if req.RefreshToken == "" {
		return nil, oauthInvalidRequest("refresh_token is required")
	}

	claims, err := s.jwks.Verify(ctx, req.RefreshToken)
	if err != nil {
		return nil, oauthInvalidGrant("invalid refresh token")
	}
	if typ, _ := claims["typ"].(string); typ != "Refresh" {
		return nil, oauthInvalidGrant("token is not a refresh token")
	}
	if aud, err := claims.GetAudience(); err != nil || !containsAudience(aud, client.ID) {
		return nil, oauthInvalidGrant("refresh token was issued to another client")
	}

	// Revocation check: the record must still exist. Rotation on use —
	// delete before issuing so a replayed token fails even on partial issue.
	hash := hashToken(req.RefreshToken)
	record, err := s.refresh.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauthInvalidGrant("refresh token has been revoked")
		}
		return nil, err
	}
	if err := s.refresh.DeleteByHash(ctx, hash); err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauthInvalidGrant("user no longer exists")
		}
		return nil, err
	}
	if user.CheckEnabled() != nil || user.CheckExpired() != nil {
		return nil, oauthInvalidGrant("user is not allowed to log in")
	}

	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.GetDefaultScopes()
	}
	return s.buildTokenSet(ctx, user, client, client.SanitizeLoginScopes(scopes), "", record.IsMfa)
}

func (s *Service) grantPassword(ctx context.Context, client *db.Client, req TokenRequest) (*TokenSet, error) {
	if !client.FlowEnabled(GrantPassword) {
		return nil, oauthUnauthorizedClient("password flow is not enabled for this client")
	}
	if req.Username == "" || req.Password == "" {
		return nil, oauthInvalidRequest("username and password are required")
	}

	user, err := s.users.GetByEmail(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, oauthInvalidGrant("invalid credentials")
		}
		return nil, err
	}
	if user.CheckEnabled() != nil || user.CheckExpired() != nil {
		return nil, oauthInvalidGrant("invalid credentials")
	}
	if user.IsFederated() || user.Password == "" || !verifyPassword(req.Password, string(user.Password)) {
		now := time.Now()
		user.LastFailedLogin = &now
		user.FailedLoginAttempts++
		if err := s.users.Update(ctx, user); err != nil {
			s.logger.Warn("recording failed login attempt failed")
		}
		return nil, oauthInvalidGrant("invalid credentials")
	}

	now := time.Now()
	user.LastLogin = &now
	user.LastFailedLogin = nil
	user.FailedLoginAttempts = 0
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	scopes := client.SanitizeLoginScopes(splitScope(req.Scope))
	return s.buildTokenSet(ctx, user, client, scopes, "", false)
}

func (s *Service) grantClientCredentials(ctx context.Context, client *db.Client, req TokenRequest) (*TokenSet, error) {
	if !client.FlowEnabled(GrantClientCredentials) {
		return nil, oauthUnauthorizedClient("client_credentials flow is not enabled for this client")
	}
	if !client.Confidential {
		return nil, oauthUnauthorizedClient("client_credentials requires a confidential client")
	}

	alg, err := jwks.ParseAlg(client.AccessTokenAlg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresIn := client.AccessTokenLifetime
	claims := jwt.MapClaims{
		"iss": s.cfg.Issuer,
		"sub": client.ID,
		"aud": client.ID,
		"azp": client.ID,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(expiresIn) * time.Second).Unix(),
		"jti": uuid.NewString(),
		"typ": "Bearer",
	}
	accessToken, err := s.jwks.SignClaims(ctx, alg, claims)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	}, nil
}

// buildTokenSet composes the token response: access token always, id_token
// for the openid scope, refresh token when offline_access was granted or
// the client has the flow enabled.
func (s *Service) buildTokenSet(ctx context.Context, user *db.User, client *db.Client, scopes []string, nonce string, isMfa bool) (*TokenSet, error) {
	accessAlg, err := jwks.ParseAlg(client.AccessTokenAlg)
	if err != nil {
		return nil, err
	}
	idAlg, err := jwks.ParseAlg(client.IDTokenAlg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresIn := client.AccessTokenLifetime
	scopeStr := strings.Join(scopes, " ")

	amr := []string{"pwd"}
	if isMfa {
		amr = []string{"mfa"}
	}

	accessClaims := jwt.MapClaims{
		"iss":   s.cfg.Issuer,
		"sub":   user.ID.String(),
		"aud":   client.ID,
		"azp":   client.ID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Duration(expiresIn) * time.Second).Unix(),
		"jti":   uuid.NewString(),
		"typ":   "Bearer",
		"scope": scopeStr,
		"email": user.Email,
		"roles": user.GetRoles(),
	}
	accessToken, err := s.jwks.SignClaims(ctx, accessAlg, accessClaims)
	if err != nil {
		return nil, err
	}

	set := &TokenSet{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       scopeStr,
	}

	if containsScope(scopes, "openid") {
		idClaims := jwt.MapClaims{
			"iss":            s.cfg.Issuer,
			"sub":            user.ID.String(),
			"aud":            client.ID,
			"azp":            client.ID,
			"iat":            now.Unix(),
			"exp":            now.Add(time.Duration(expiresIn) * time.Second).Unix(),
			"auth_time":      now.Unix(),
			"amr":            amr,
			"email":          user.Email,
			"email_verified": user.EmailVerified,
		}
		if nonce != "" {
			idClaims["nonce"] = nonce
		}
		if containsScope(scopes, "profile") {
			idClaims["given_name"] = user.GivenName
			idClaims["family_name"] = user.FamilyName
			idClaims["locale"] = user.Language
		}

		idToken, err := s.jwks.SignClaims(ctx, idAlg, idClaims)
		if err != nil {
			return nil, err
		}
		set.IDToken = idToken
	}

	if containsScope(scopes, "offline_access") || client.FlowEnabled(GrantRefreshToken) {
		refreshClaims := jwt.MapClaims{
			"iss": s.cfg.Issuer,
			"sub": user.ID.String(),
			"aud": client.ID,
			"iat": now.Unix(),
			"exp": now.Add(refreshTokenLifetime).Unix(),
			"jti": uuid.NewString(),
			"typ": "Refresh",
		}
		refreshToken, err := s.jwks.SignClaims(ctx, accessAlg, refreshClaims)
		if err != nil {
			return nil, err
		}

		if err := s.refresh.Create(ctx, &db.RefreshToken{
			UserID:    user.ID,
			ClientID:  client.ID,
			TokenHash: hashToken(refreshToken),
			ExpiresAt: now.Add(refreshTokenLifetime),
			IsMfa:     isMfa,
		}); err != nil {
			return nil, err
		}
		set.RefreshToken = refreshToken
	}

	return set, nil
}

// UserinfoResponse is the OIDC userinfo payload.
type UserinfoResponse struct {
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	GivenName     string   `json:"given_name"`
	FamilyName    string   `json:"family_name"`
	Locale        string   `json:"locale"`
	Roles         []string `json:"roles"`
}

// Userinfo resolves the bearer principal into the OIDC userinfo response.
func (s *Service) Userinfo(ctx context.Context, principal *Principal) (*UserinfoResponse, error) {
	sub, err := principal.TokenSubject()
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "token subject is not a user")
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "user not found")
		}
		return nil, err
	}

	return &UserinfoResponse{
		Sub:           user.ID.String(),
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Name:          strings.TrimSpace(user.GivenName + " " + user.FamilyName),
		GivenName:     user.GivenName,
		FamilyName:    user.FamilyName,
		Locale:        user.Language,
		Roles:         user.GetRoles(),
	}, nil
}

// TokenInfo is the introspection response. Inactive tokens carry no claims.
type TokenInfo struct {
	Active   bool   `json:"active"`
	Sub      string `json:"sub,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Iat      int64  `json:"iat,omitempty"`
}

// IntrospectToken validates a token and reports its standing. Every failure
// mode collapses into {active: false} — introspection never explains itself.
func (s *Service) IntrospectToken(ctx context.Context, token string) *TokenInfo {
	claims, err := s.jwks.Verify(ctx, token)
	if err != nil {
		return &TokenInfo{Active: false}
	}

	info := &TokenInfo{Active: true}
	if sub, err := claims.GetSubject(); err == nil {
		info.Sub = sub
	}
	if scope, ok := claims["scope"].(string); ok {
		info.Scope = scope
	}
	if azp, ok := claims["azp"].(string); ok {
		info.ClientID = azp
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.Exp = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		info.Iat = iat.Unix()
	}
	return info
}

// hashToken returns the SHA-256 hex digest of a raw token string.
// Only the digest is persisted.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func containsAudience(aud jwt.ClaimStrings, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}
