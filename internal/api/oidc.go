package api

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/auth"
)

// OidcHandler groups the OIDC protocol endpoints.
type OidcHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewOidcHandler creates an OidcHandler.
func NewOidcHandler(svc *auth.Service, logger *zap.Logger) *OidcHandler {
	return &OidcHandler{
		svc:    svc,
		logger: logger.Named("oidc_handler"),
	}
}

// authorizePage is the minimal login shell. The real front end replaces it;
// the shell carries exactly the data the login script needs.
var authorizePage = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in - {{.ClientName}}</title>
</head>
<body>
<div id="login"
  data-client="{{.ClientName}}"
  data-csrf="{{.Csrf}}"
  data-action="{{.Action}}"
  data-mfa-email="{{.MfaEmail}}"
  data-providers="{{.Providers}}"></div>
</body>
</html>
`))

// GetAuthorize handles GET /oidc/authorize: it validates the request,
// decides between refresh / MFA / fresh login, and returns the login shell.
// Failures render the branded HTML error page — the caller is a browser.
func (h *OidcHandler) GetAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := auth.AuthRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
	}
	if maxAge := q.Get("max_age"); maxAge != "" {
		if v, err := strconv.ParseInt(maxAge, 10, 64); err == nil {
			req.MaxAge = v
		}
	}
	if err := validate.Struct(req); err != nil {
		WriteErrorHTML(w, apperr.Wrap(apperr.BadRequest, "invalid authorize request", err))
		return
	}

	// A valid MFA remember-cookie preselects the WebAuthn login.
	mfaEmail := ""
	if cookie, err := r.Cookie(auth.CookieMfa); err == nil {
		if email, err := h.svc.MfaCookieEmail(cookie.Value); err == nil {
			mfaEmail = email
		}
	}

	principal := principalFromCtx(r.Context())
	page, err := h.svc.GetAuthorize(r.Context(), principal, req, mfaEmail, remoteIP(r))
	if err != nil {
		WriteErrorHTML(w, err)
		return
	}

	providers, err := h.svc.EnabledProviderTemplates(r.Context())
	if err != nil {
		WriteErrorHTML(w, err)
		return
	}
	providersJSON, _ := json.Marshal(providers)

	if page.NewSession {
		http.SetCookie(w, h.svc.SessionCookie(page.Session))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = authorizePage.Execute(w, struct {
		ClientName string
		Csrf       string
		Action     string
		MfaEmail   string
		Providers  string
	}{
		ClientName: page.Client.Name,
		Csrf:       page.Session.CsrfToken,
		Action:     page.Action,
		MfaEmail:   page.MfaEmail,
		Providers:  string(providersJSON),
	})
}

// webauthnLoginResponse tells the front end to continue with the MFA ceremony.
type webauthnLoginResponse struct {
	Code      string `json:"code"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ExpiresIn int    `json:"exp"`
}

// PostAuthorize handles the credential POST. Every attempt — success or
// failure — is padded by the login-delay governor before the response goes
// out.
func (h *OidcHandler) PostAuthorize(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateSessionAuthOrInit(); err != nil {
		WriteError(w, err)
		return
	}

	start := time.Now()

	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		h.svc.Delay().Finish(r.Context(), start, false)
		return
	}

	step, err := h.svc.Authorize(r.Context(), principal.Session, req)
	h.svc.Delay().Finish(r.Context(), start, err == nil)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.writeAuthStep(w, step)
}

// PostAuthorizeRefresh issues a code for an already-authenticated session.
func (h *OidcHandler) PostAuthorizeRefresh(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateSessionAuth(); err != nil {
		WriteError(w, err)
		return
	}

	var req auth.LoginRefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	step, err := h.svc.AuthorizeRefresh(r.Context(), principal.Session, req)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.writeAuthStep(w, step)
}

// writeAuthStep maps an auth step to its HTTP shape: 202 + Location for a
// completed login, 200 + continuation data for a pending WebAuthn ceremony.
func (h *OidcHandler) writeAuthStep(w http.ResponseWriter, step *auth.AuthStep) {
	switch step.Kind {
	case auth.StepAwaitWebauthn:
		JSON(w, http.StatusOK, webauthnLoginResponse{
			Code:      step.Code,
			UserID:    step.UserID.String(),
			Email:     step.Email,
			ExpiresIn: int(step.ExpiresIn.Seconds()),
		})
	default:
		w.Header().Set("Location", step.Location)
		w.WriteHeader(http.StatusAccepted)
	}
}

// callbackPage is the static landing page for browser redirects back from
// an upstream provider; its script posts the finish request.
const callbackPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Veridian</title></head>
<body><div id="callback"></div></body>
</html>
`

// GetCallbackHTML serves the browser landing page of the redirect back.
func (h *OidcHandler) GetCallbackHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackPage))
}

// PostToken is the token endpoint. The body is form-encoded; client
// credentials may arrive via HTTP Basic auth instead of the body.
func (h *OidcHandler) PostToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, apperr.Wrap(apperr.BadRequest, "invalid form body", err))
		return
	}

	req := auth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Scope:        r.PostFormValue("scope"),
	}
	if user, pass, ok := r.BasicAuth(); ok {
		if req.ClientID == "" {
			req.ClientID = user
		}
		if req.ClientSecret == "" {
			req.ClientSecret = pass
		}
	}
	if err := validate.Struct(req); err != nil {
		WriteError(w, apperr.Wrap(apperr.BadRequest, "invalid token request", err))
		return
	}

	// Only the password grant runs through the delay governor — the other
	// grants exchange artefacts, not credentials.
	addLoginDelay := req.GrantType == auth.GrantPassword
	start := time.Now()

	set, err := h.svc.TokenGrant(r.Context(), req)
	if addLoginDelay {
		h.svc.Delay().Finish(r.Context(), start, err == nil)
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	JSON(w, http.StatusOK, set)
}

// tokenInfoRequest is the introspection payload.
type tokenInfoRequest struct {
	Token string `json:"token" validate:"required"`
}

// PostTokenInfo is the introspection endpoint.
func (h *OidcHandler) PostTokenInfo(w http.ResponseWriter, r *http.Request) {
	var req tokenInfoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	JSON(w, http.StatusOK, h.svc.IntrospectToken(r.Context(), req.Token))
}

// GetUserinfo resolves the bearer token into the OIDC userinfo response.
func (h *OidcHandler) GetUserinfo(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	info, err := h.svc.Userinfo(r.Context(), principal)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// PostLogout ends the session. With a post_logout_redirect_uri the response
// redirects there, echoing the state verbatim.
func (h *OidcHandler) PostLogout(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if principal.Session == nil {
		WriteError(w, apperr.New(apperr.Unauthorized, "no valid session"))
		return
	}

	if err := h.svc.InvalidateSession(r.Context(), principal.Session.ID); err != nil {
		h.logger.Error("session invalidation failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	http.SetCookie(w, h.svc.SessionDeletionCookie())

	if redirect := r.URL.Query().Get("post_logout_redirect_uri"); redirect != "" {
		loc := redirect + "?state=" + r.URL.Query().Get("state")
		w.Header().Set("Location", loc)
		w.WriteHeader(http.StatusMovedPermanently)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetCerts serves the JWKS. CORS is wide open — public keys are public.
func (h *OidcHandler) GetCerts(w http.ResponseWriter, r *http.Request) {
	set, err := h.svc.Jwks().PublicSet(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	JSON(w, http.StatusOK, set)
}

// GetCertByKid serves a single public key.
func (h *OidcHandler) GetCertByKid(w http.ResponseWriter, r *http.Request) {
	kid := chi.URLParam(r, "kid")
	key, err := h.svc.Jwks().PublicKeyByKid(r.Context(), kid)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, key)
}

// PostRotateJwk rotates the signing keys. Requires an API key with
// secrets:update or an admin session.
func (h *OidcHandler) PostRotateJwk(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessSecrets, auth.AccessUpdate); err != nil {
		WriteError(w, err)
		return
	}

	if err := h.svc.Jwks().Rotate(r.Context()); err != nil {
		h.logger.Error("jwk rotation failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// sessionInfoResponse describes the current session. The CSRF token is only
// included by the xsrf variant, which additionally requires a bearer token.
type sessionInfoResponse struct {
	ID        string `json:"id"`
	CsrfToken string `json:"csrf_token,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Roles     string `json:"roles"`
	Groups    string `json:"groups,omitempty"`
	Exp       int64  `json:"exp"`
}

// GetSessionInfo returns the current session without the CSRF token.
func (h *OidcHandler) GetSessionInfo(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateSessionAuth(); err != nil {
		WriteError(w, err)
		return
	}

	session := principal.Session
	resp := sessionInfoResponse{
		ID:     session.ID,
		Roles:  session.Roles,
		Groups: session.Groups,
		Exp:    session.Exp,
	}
	if session.UserID != nil {
		resp.UserID = session.UserID.String()
	}
	JSON(w, http.StatusOK, resp)
}

// GetSessionXsrf hands out the session CSRF token. It requires the session
// cookie plus a valid bearer token, so the token never needs a cookie.
func (h *OidcHandler) GetSessionXsrf(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if _, err := principal.TokenSubject(); err != nil {
		WriteError(w, err)
		return
	}
	csrf, err := principal.GetSessionCsrfToken()
	if err != nil {
		WriteError(w, err)
		return
	}

	session := principal.Session
	resp := sessionInfoResponse{
		ID:        session.ID,
		CsrfToken: csrf,
		Roles:     session.Roles,
		Groups:    session.Groups,
		Exp:       session.Exp,
	}
	if session.UserID != nil {
		resp.UserID = session.UserID.String()
	}
	JSON(w, http.StatusOK, resp)
}

// remoteIP strips the port from RemoteAddr; middleware.RealIP has already
// substituted forwarded headers where applicable.
func remoteIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
