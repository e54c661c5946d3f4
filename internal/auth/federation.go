package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
)

// upstreamTimeout bounds the whole outbound call to an upstream provider;
// upstreamConnectTimeout bounds connection establishment alone.
const (
	upstreamTimeout        = 10 * time.Second
	upstreamConnectTimeout = 10 * time.Second
)

// ProviderLoginRequest starts an upstream login. The embedded authorize
// parameters are the downstream client's original request, replayed into the
// local code flow once the upstream leg has finished. PkceChallenge is the
// challenge for the upstream leg, distinct from CodeChallenge.
type ProviderLoginRequest struct {
	ProviderID string `json:"provider_id" validate:"required"`

	ClientID            string   `json:"client_id" validate:"required"`
	RedirectURI         string   `json:"redirect_uri" validate:"required"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state"`
	Nonce               string   `json:"nonce"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`

	PkceChallenge string `json:"pkce_challenge" validate:"required"`
}

// ProviderCallbackRequest finishes an upstream login.
type ProviderCallbackRequest struct {
	State        string `json:"state" validate:"required"`
	Code         string `json:"code" validate:"required"`
	XsrfToken    string `json:"xsrf_token" validate:"required"`
	PkceVerifier string `json:"pkce_verifier" validate:"required"`
}

// providerCallback is the ephemeral record created at login start and
// destroyed at finish — on success and on every validation failure alike.
type providerCallback struct {
	CallbackID string `json:"callback_id"`
	XsrfToken  string `json:"xsrf_token"`
	Typ        string `json:"typ"`

	ReqClientID            string   `json:"req_client_id"`
	ReqScopes              []string `json:"req_scopes,omitempty"`
	ReqRedirectURI         string   `json:"req_redirect_uri"`
	ReqState               string   `json:"req_state,omitempty"`
	ReqNonce               string   `json:"req_nonce,omitempty"`
	ReqCodeChallenge       string   `json:"req_code_challenge,omitempty"`
	ReqCodeChallengeMethod string   `json:"req_code_challenge_method,omitempty"`

	ProviderID uuid.UUID `json:"provider_id"`

	PkceChallenge string `json:"pkce_challenge"`
}

// ProviderLoginStart is handed back to the HTTP layer: the encrypted cookie
// value, the XSRF token the front end must echo on finish, and the Location
// of the upstream authorization endpoint.
type ProviderLoginStart struct {
	CookieValue string
	XsrfToken   string
	Location    string
}

// LoginStart begins an upstream login: it persists the callback record
// (AckOnce — a random id cannot collide, and the finish request returns to
// the same browser) and builds the upstream authorization URL.
func (s *Service) LoginStart(ctx context.Context, req ProviderLoginRequest) (*ProviderLoginStart, error) {
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "invalid provider id")
	}
	provider, err := s.FindProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, apperr.New(apperr.Forbidden, "provider is disabled")
	}
	client, err := s.FindClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	callbackID, err := cryptoutil.RandAlnum(callbackIDLength)
	if err != nil {
		return nil, err
	}
	xsrfToken, err := cryptoutil.RandAlnum(callbackIDLength)
	if err != nil {
		return nil, err
	}

	record := &providerCallback{
		CallbackID:             callbackID,
		XsrfToken:              xsrfToken,
		Typ:                    provider.Type,
		ReqClientID:            client.ID,
		ReqScopes:              req.Scopes,
		ReqRedirectURI:         req.RedirectURI,
		ReqState:               req.State,
		ReqNonce:               req.Nonce,
		ReqCodeChallenge:       req.CodeChallenge,
		ReqCodeChallengeMethod: req.CodeChallengeMethod,
		ProviderID:             provider.ID,
		PkceChallenge:          req.PkceChallenge,
	}

	// The upstream state parameter is the callback id; scopes end up
	// '+'-separated, which is what the providers in the wild expect.
	oauthCfg := &oauth2.Config{
		ClientID:    provider.ClientID,
		RedirectURL: s.providerCallbackURI(),
		Endpoint:    oauth2.Endpoint{AuthURL: provider.AuthorizationEndpoint},
		Scopes:      strings.Fields(provider.Scope),
	}
	opts := []oauth2.AuthCodeOption{}
	if provider.UsePKCE {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.PkceChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	location := oauthCfg.AuthCodeURL(callbackID, opts...)

	ciphertext, keyID, err := s.keys.Encrypt([]byte(callbackID))
	if err != nil {
		return nil, err
	}
	cookieValue := keyID + ":" + base64.StdEncoding.EncodeToString(ciphertext)

	if err := s.cache.Put(ctx, cache.NameCallback, callbackID, record, cache.AckOnce); err != nil {
		return nil, err
	}

	return &ProviderLoginStart{
		CookieValue: cookieValue,
		XsrfToken:   xsrfToken,
		Location:    location,
	}, nil
}

// CallbackCookie builds the encrypted upstream-callback cookie, scoped to
// the callback path and expiring with the callback record.
func (s *Service) CallbackCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieCallback,
		Value:    value,
		Path:     "/auth/v1/providers/callback",
		MaxAge:   int(s.cfg.CallbackTimeout.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// CallbackDeletionCookie expires the callback cookie immediately.
func (s *Service) CallbackDeletionCookie() *http.Cookie {
	c := s.CallbackCookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (s *Service) deleteCallback(ctx context.Context, callbackID string) {
	if err := s.cache.Del(ctx, cache.NameCallback, callbackID); err != nil {
		s.logger.Warn("deleting provider callback failed", zap.Error(err))
	}
}

// LoginFinish validates the upstream callback and threads the result back
// into the local auth-code flow. The validation order is fixed: cookie,
// state, XSRF token, PKCE verifier — and any failure destroys the callback
// record before the error is returned.
func (s *Service) LoginFinish(ctx context.Context, cookieValue, origin string, req ProviderCallbackRequest, session *db.Session) (*AuthStep, error) {
	// 1. The callback id lives inside the encrypted cookie.
	keyID, encoded, ok := cutColon(cookieValue)
	if !ok {
		return nil, apperr.New(apperr.Forbidden, "missing encrypted callback cookie")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.New(apperr.Forbidden, "malformed callback cookie")
	}
	plain, err := s.keys.Decrypt(raw, keyID)
	if err != nil {
		return nil, apperr.New(apperr.Forbidden, "invalid callback cookie")
	}
	callbackID := string(plain)

	// 2. state must match the callback id.
	if req.State != callbackID {
		s.deleteCallback(ctx, callbackID)
		return nil, apperr.New(apperr.BadRequest, "'state' does not match")
	}

	// 3. Load the record and check the XSRF token.
	var record providerCallback
	if err := s.cache.Get(ctx, cache.NameCallback, callbackID, &record); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "callback not found - timeout reached?")
		}
		return nil, err
	}
	if record.XsrfToken != req.XsrfToken {
		s.deleteCallback(ctx, callbackID)
		return nil, apperr.New(apperr.Unauthorized, "invalid CSRF token")
	}

	// 4. PKCE verifier against the committed challenge.
	if cryptoutil.PKCEChallenge(req.PkceVerifier) != record.PkceChallenge {
		s.deleteCallback(ctx, callbackID)
		return nil, apperr.New(apperr.Unauthorized, "invalid PKCE verifier")
	}

	// The record is single use: destroy it now so a replay of the same
	// (state, xsrf, code) observes a missing record.
	s.deleteCallback(ctx, callbackID)

	provider, err := s.FindProvider(ctx, record.ProviderID)
	if err != nil {
		return nil, err
	}

	claims, err := s.exchangeUpstreamCode(ctx, provider, req.Code, req.PkceVerifier)
	if err != nil {
		return nil, err
	}

	user, providerMfa, err := s.reconcileClaims(ctx, provider, claims)
	if err != nil {
		return nil, err
	}

	if err := user.CheckEnabled(); err != nil {
		return nil, err
	}
	if err := user.CheckExpired(); err != nil {
		return nil, err
	}

	// Validate the downstream client's parameters from the stored request.
	client, err := s.FindClient(ctx, record.ReqClientID)
	if err != nil {
		return nil, err
	}
	if client.ForceMfa {
		if !providerMfa && !user.HasWebauthnEnabled() {
			return nil, apperr.New(apperr.MfaRequired, "MFA is required for this client")
		}
	}
	if err := client.ValidateRedirectURI(record.ReqRedirectURI); err != nil {
		return nil, err
	}
	if err := client.ValidateCodeChallenge(record.ReqCodeChallenge, record.ReqCodeChallengeMethod); err != nil {
		return nil, err
	}
	if _, err := client.ValidateOrigin(origin); err != nil {
		return nil, err
	}

	// Thread the result back into the local flow as though the user had
	// authenticated with credentials.
	session.UserID = &user.ID
	session.Roles = user.Roles
	session.Groups = user.Groups
	session.State = db.SessionStateAuth
	if providerMfa {
		session.State = db.SessionStateAuthMfa
		session.IsMfa = true
	}
	session.LastSeen = time.Now().Unix()
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}

	return s.finishLogin(ctx, user, client, session, record.ReqRedirectURI, record.ReqScopes, record.ReqState, record.ReqNonce, record.ReqCodeChallenge, record.ReqCodeChallengeMethod, providerMfa)
}

// upstreamTokenSet is the provider's /token response; providers disagree on
// which of these they send.
type upstreamTokenSet struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeUpstreamCode posts the authorization code to the provider's token
// endpoint and extracts identity claims — from the ID token's payload if one
// is present, otherwise from the userinfo endpoint via the access token.
func (s *Service) exchangeUpstreamCode(ctx context.Context, provider *db.AuthProvider, code, pkceVerifier string) (*upstreamClaims, error) {
	httpClient, err := buildUpstreamClient(provider.AllowInsecureRequests, provider.RootPEM)
	if err != nil {
		return nil, err
	}

	secret := string(provider.ClientSecret)

	form := url.Values{}
	form.Set("client_id", provider.ClientID)
	if secret != "" {
		form.Set("client_secret", secret)
	}
	form.Set("code", code)
	if provider.UsePKCE {
		form.Set("code_verifier", pkceVerifier)
	}
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", s.providerCallbackURI())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "building upstream token request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	// Some providers insist on Basic auth, some on body credentials — send
	// both, like everyone else does.
	if secret != "" {
		httpReq.SetBasicAuth(provider.ClientID, secret)
	}

	res, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "upstream token request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		s.logger.Error("upstream token endpoint returned an error",
			zap.String("token_endpoint", provider.TokenEndpoint),
			zap.Int("status", res.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, apperr.Errorf(apperr.Upstream, "HTTP %d from upstream token endpoint", res.StatusCode)
	}

	var ts upstreamTokenSet
	if err := json.NewDecoder(res.Body).Decode(&ts); err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "decoding upstream token response", err)
	}
	if ts.Error != "" {
		return nil, apperr.Errorf(apperr.Upstream, "upstream token error: %s: %s", ts.Error, ts.ErrorDescription)
	}

	switch {
	case ts.IDToken != "":
		// A standard OIDC provider: the claims live in the ID token payload.
		rawClaims, err := idTokenClaimBytes(ts.IDToken)
		if err != nil {
			return nil, err
		}
		return parseUpstreamClaims(rawClaims)

	case ts.AccessToken != "":
		// OAuth2-only provider: fetch the claims from userinfo.
		infoReq, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserinfoEndpoint, nil)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "building userinfo request", err)
		}
		infoReq.Header.Set("Authorization", "Bearer "+ts.AccessToken)
		infoReq.Header.Set("Accept", "application/json")

		infoRes, err := httpClient.Do(infoReq)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "upstream userinfo request failed", err)
		}
		defer infoRes.Body.Close()

		if infoRes.StatusCode < 200 || infoRes.StatusCode > 299 {
			return nil, apperr.Errorf(apperr.Upstream, "HTTP %d from upstream userinfo endpoint", infoRes.StatusCode)
		}

		raw, err := io.ReadAll(io.LimitReader(infoRes.Body, 1<<20))
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "reading userinfo response", err)
		}
		return parseUpstreamClaims(raw)

	default:
		return nil, apperr.New(apperr.BadRequest, "neither 'access_token' nor 'id_token' in upstream response")
	}
}

// idTokenClaimBytes decodes the second JWT segment as base64url-nopad JSON.
// The upstream signature is not re-validated here: the token arrived over a
// TLS channel we opened to the token endpoint ourselves.
func idTokenClaimBytes(idToken string) ([]byte, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return nil, apperr.New(apperr.BadRequest, "upstream ID token has no claims segment")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "decoding upstream ID token claims", err)
	}
	return raw, nil
}

// buildUpstreamClient builds the HTTP client for outbound provider calls:
// explicit total and connect timeouts, optional extra root CA, and the
// insecure mode for lab setups that also drops the TLS floor.
func buildUpstreamClient(allowInsecure bool, rootPEM *string) (*http.Client, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}

	if allowInsecure {
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.MinVersion = tls.VersionTLS12
	} else if rootPEM != nil && *rootPEM != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM([]byte(*rootPEM)) {
			return nil, apperr.New(apperr.BadRequest, "invalid root CA PEM for upstream provider")
		}
		tlsCfg.RootCAs = pool
	}

	dialer := &net.Dialer{Timeout: upstreamConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: upstreamConnectTimeout,
	}

	return &http.Client{
		Timeout:   upstreamTimeout,
		Transport: transport,
	}, nil
}
