package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/auth"
	"github.com/veridian-auth/veridian/internal/db"
)

// ProviderHandler groups the upstream federation endpoints: the login
// start/finish pair used by browsers and the admin CRUD surface.
type ProviderHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewProviderHandler creates a ProviderHandler.
func NewProviderHandler(svc *auth.Service, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		svc:    svc,
		logger: logger.Named("provider_handler"),
	}
}

// startResponse returns the XSRF token the front end must echo on finish.
type startResponse struct {
	XsrfToken string `json:"xsrf_token"`
}

// PostCallbackStart begins an upstream login: it sets the encrypted callback
// cookie, returns the XSRF token in the body, and points Location at the
// upstream authorization endpoint.
func (h *ProviderHandler) PostCallbackStart(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateSessionAuthOrInit(); err != nil {
		WriteError(w, err)
		return
	}

	var req auth.ProviderLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	start, err := h.svc.LoginStart(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}

	http.SetCookie(w, h.svc.CallbackCookie(start.CookieValue))
	w.Header().Set("Location", start.Location)
	JSON(w, http.StatusAccepted, startResponse{XsrfToken: start.XsrfToken})
}

// PostCallback finishes an upstream login. Any validation failure has
// already destroyed the callback record; the response is a canonical 4xx.
// Success behaves like a local login: 202 + Location, or the WebAuthn
// continuation, plus a zero-age deletion cookie for the callback cookie.
func (h *ProviderHandler) PostCallback(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateSessionAuthOrInit(); err != nil {
		WriteError(w, err)
		return
	}

	var req auth.ProviderCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cookie, err := r.Cookie(auth.CookieCallback)
	if err != nil {
		WriteError(w, apperr.New(apperr.Forbidden, "missing encrypted callback cookie"))
		return
	}

	step, err := h.svc.LoginFinish(r.Context(), cookie.Value, r.Header.Get("Origin"), req, principal.Session)
	if err != nil {
		WriteError(w, err)
		return
	}

	http.SetCookie(w, h.svc.CallbackDeletionCookie())

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

// PostLookup pre-fills a provider config from the issuer's discovery document.
func (h *ProviderHandler) PostLookup(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessProviders, auth.AccessCreate); err != nil {
		WriteError(w, err)
		return
	}

	var req auth.ProviderLookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.svc.LookupProviderMetadata(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// providerRequest is the admin create/update payload.
type providerRequest struct {
	Name    string `json:"name" validate:"required"`
	Enabled bool   `json:"enabled"`
	Type    string `json:"typ" validate:"required,oneof=custom github google oidc"`

	Issuer                string `json:"issuer" validate:"required"`
	AuthorizationEndpoint string `json:"authorization_endpoint" validate:"required,url"`
	TokenEndpoint         string `json:"token_endpoint" validate:"required,url"`
	UserinfoEndpoint      string `json:"userinfo_endpoint" validate:"required,url"`

	ClientID     string  `json:"client_id" validate:"required"`
	ClientSecret *string `json:"client_secret"`
	Scope        string  `json:"scope" validate:"required"`

	AdminClaimPath  *string `json:"admin_claim_path"`
	AdminClaimValue *string `json:"admin_claim_value"`
	MfaClaimPath    *string `json:"mfa_claim_path"`
	MfaClaimValue   *string `json:"mfa_claim_value"`

	AllowInsecureRequests bool    `json:"danger_allow_insecure"`
	UsePKCE               bool    `json:"use_pkce"`
	RootPEM               *string `json:"root_pem"`
}

// providerResponse never echoes the client secret.
type providerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Type    string `json:"typ"`

	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`

	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`

	AdminClaimPath  *string `json:"admin_claim_path,omitempty"`
	AdminClaimValue *string `json:"admin_claim_value,omitempty"`
	MfaClaimPath    *string `json:"mfa_claim_path,omitempty"`
	MfaClaimValue   *string `json:"mfa_claim_value,omitempty"`

	AllowInsecureRequests bool `json:"danger_allow_insecure"`
	UsePKCE               bool `json:"use_pkce"`
}

func toProviderResponse(p *db.AuthProvider) providerResponse {
	return providerResponse{
		ID:                    p.ID.String(),
		Name:                  p.Name,
		Enabled:               p.Enabled,
		Type:                  p.Type,
		Issuer:                p.Issuer,
		AuthorizationEndpoint: p.AuthorizationEndpoint,
		TokenEndpoint:         p.TokenEndpoint,
		UserinfoEndpoint:      p.UserinfoEndpoint,
		ClientID:              p.ClientID,
		Scope:                 p.Scope,
		AdminClaimPath:        p.AdminClaimPath,
		AdminClaimValue:       p.AdminClaimValue,
		MfaClaimPath:          p.MfaClaimPath,
		MfaClaimValue:         p.MfaClaimValue,
		AllowInsecureRequests: p.AllowInsecureRequests,
		UsePKCE:               p.UsePKCE,
	}
}

func (req *providerRequest) toModel() *db.AuthProvider {
	provider := &db.AuthProvider{
		Name:                  req.Name,
		Enabled:               req.Enabled,
		Type:                  req.Type,
		Issuer:                req.Issuer,
		AuthorizationEndpoint: req.AuthorizationEndpoint,
		TokenEndpoint:         req.TokenEndpoint,
		UserinfoEndpoint:      req.UserinfoEndpoint,
		ClientID:              req.ClientID,
		Scope:                 req.Scope,
		AdminClaimPath:        req.AdminClaimPath,
		AdminClaimValue:       req.AdminClaimValue,
		MfaClaimPath:          req.MfaClaimPath,
		MfaClaimValue:         req.MfaClaimValue,
		AllowInsecureRequests: req.AllowInsecureRequests,
		UsePKCE:               req.UsePKCE,
		RootPEM:               req.RootPEM,
	}
	if req.ClientSecret != nil {
		provider.ClientSecret = db.EncryptedString(*req.ClientSecret)
	}
	return provider
}

// List handles GET /providers.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessProviders, auth.AccessRead); err != nil {
		WriteError(w, err)
		return
	}

	providers, err := h.svc.ListProviders(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	out := make([]providerResponse, 0, len(providers))
	for i := range providers {
		out = append(out, toProviderResponse(&providers[i]))
	}
	JSON(w, http.StatusOK, out)
}

// Create handles POST /providers.
func (h *ProviderHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessProviders, auth.AccessCreate); err != nil {
		WriteError(w, err)
		return
	}

	var req providerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	provider := req.toModel()
	if err := h.svc.CreateProvider(r.Context(), provider); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, toProviderResponse(provider))
}

// Update handles PUT /providers/{id}.
func (h *ProviderHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessProviders, auth.AccessUpdate); err != nil {
		WriteError(w, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, apperr.New(apperr.BadRequest, "invalid provider id"))
		return
	}

	var req providerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, err := h.svc.FindProvider(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	provider := req.toModel()
	provider.ID = id
	provider.CreatedAt = existing.CreatedAt
	if req.ClientSecret == nil {
		// Absent secret in an update means "keep the stored one".
		provider.ClientSecret = existing.ClientSecret
	}

	if err := h.svc.UpdateProvider(r.Context(), provider); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, toProviderResponse(provider))
}

// Delete handles DELETE /providers/{id}.
func (h *ProviderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessProviders, auth.AccessDelete); err != nil {
		WriteError(w, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, apperr.New(apperr.BadRequest, "invalid provider id"))
		return
	}

	if err := h.svc.DeleteProvider(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// linkedUserResponse is one row of the linked-users listing.
type linkedUserResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// LinkedUsers handles GET /providers/{id}/users.
func (h *ProviderHandler) LinkedUsers(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	if err := principal.ValidateApiKeyOrAdminSession(auth.AccessProviders, auth.AccessRead); err != nil {
		WriteError(w, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, apperr.New(apperr.BadRequest, "invalid provider id"))
		return
	}

	users, err := h.svc.LinkedUsers(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	out := make([]linkedUserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, linkedUserResponse{
			ID:        u.ID.String(),
			Email:     u.Email,
			LastLogin: u.LastLogin,
		})
	}
	JSON(w, http.StatusOK, out)
}
