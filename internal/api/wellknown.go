package api

import (
	"net/http"
	"strings"
)

// wellKnown is the OIDC Discovery 1.0 document.
type wellKnown struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthSigningAlgValues []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// newWellKnown assembles the discovery document for the given issuer URL
// (including the /auth/v1 prefix).
func newWellKnown(issuer string) wellKnown {
	issuer = strings.TrimSuffix(issuer, "/")
	algs := []string{"RS256", "RS384", "RS512", "EdDSA"}

	return wellKnown{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/oidc/authorize",
		TokenEndpoint:         issuer + "/oidc/token",
		IntrospectionEndpoint: issuer + "/oidc/tokenInfo",
		UserinfoEndpoint:      issuer + "/oidc/userinfo",
		EndSessionEndpoint:    issuer + "/oidc/logout",
		JwksURI:               issuer + "/oidc/certs",
		GrantTypesSupported: []string{
			"authorization_code", "refresh_token", "password", "client_credentials",
		},
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  algs,
		TokenEndpointAuthSigningAlgValues: algs,
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
		ClaimsSupported: []string{
			"sub", "email", "email_verified", "given_name", "family_name",
			"locale", "roles", "amr",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
	}
}

// GetWellKnown serves /.well-known/openid-configuration.
func (h *OidcHandler) GetWellKnown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	JSON(w, http.StatusOK, newWellKnown(h.svc.Config().Issuer))
}
