package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/auth"
)

// RouterConfig holds the dependencies for the HTTP router.
type RouterConfig struct {
	AuthService *auth.Service
	Logger      *zap.Logger
}

// NewRouter builds the fully configured Chi router. The protocol surface
// lives under /auth/v1; discovery stays at the well-known root path.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(Metrics())

	oidcHandler := NewOidcHandler(cfg.AuthService, cfg.Logger)
	providerHandler := NewProviderHandler(cfg.AuthService, cfg.Logger)

	r.Get("/.well-known/openid-configuration", oidcHandler.GetWellKnown)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth/v1", func(r chi.Router) {
		// Every route can make use of whatever identity the request
		// carries; the handlers enforce their own requirements.
		r.Use(Principal(cfg.AuthService))

		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		r.Route("/oidc", func(r chi.Router) {
			r.Get("/authorize", oidcHandler.GetAuthorize)
			r.Post("/authorize", oidcHandler.PostAuthorize)
			r.Post("/authorize/refresh", oidcHandler.PostAuthorizeRefresh)
			r.Get("/callback", oidcHandler.GetCallbackHTML)
			r.Post("/token", oidcHandler.PostToken)
			r.Post("/tokenInfo", oidcHandler.PostTokenInfo)
			r.Get("/userinfo", oidcHandler.GetUserinfo)
			r.Post("/logout", oidcHandler.PostLogout)
			r.Get("/certs", oidcHandler.GetCerts)
			r.Get("/certs/{kid}", oidcHandler.GetCertByKid)
			r.Post("/rotateJwk", oidcHandler.PostRotateJwk)
			r.Get("/sessioninfo", oidcHandler.GetSessionInfo)
			r.Get("/sessioninfo/xsrf", oidcHandler.GetSessionXsrf)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Post("/callback/start", providerHandler.PostCallbackStart)
			r.Post("/callback", providerHandler.PostCallback)

			r.Post("/lookup", providerHandler.PostLookup)
			r.Get("/", providerHandler.List)
			r.Post("/", providerHandler.Create)
			r.Put("/{id}", providerHandler.Update)
			r.Delete("/{id}", providerHandler.Delete)
			r.Get("/{id}/users", providerHandler.LinkedUsers)
		})
	})

	return r
}
