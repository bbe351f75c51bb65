// Package api exposes the console's HTTP surface: credential and
// federated sign-in, the authorization handoff endpoints, grant
// redemption for delegating applications and the entitlement editing
// API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tenantgate/tenantgate/pkg/middleware"
	"github.com/tenantgate/tenantgate/pkg/observability"
)

// Server wires the handler groups onto one router.
type Server struct {
	router  *mux.Router
	logger  *observability.Logger
	auth    *AuthHandlers
	ent     *EntitlementHandlers
	metrics *observability.Metrics
	limiter *middleware.SignInRateLimiter
}

// NewServer assembles the API server from its handler groups.
func NewServer(
	logger *observability.Logger,
	metrics *observability.Metrics,
	auth *AuthHandlers,
	ent *EntitlementHandlers,
	limiter *middleware.SignInRateLimiter,
) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		auth:    auth,
		ent:     ent,
		metrics: metrics,
		limiter: limiter,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Sign-in endpoints, rate limited per source address.
	signIn := api.PathPrefix("/auth").Subrouter()
	if s.limiter != nil {
		signIn.Use(s.limiter.Handler)
	}
	signIn.HandleFunc("/sign-in", s.auth.signIn).Methods("POST")
	signIn.HandleFunc("/two-steps", s.auth.completeSecondFactor).Methods("POST")

	// Federated login round-trip. The callback is unauthenticated; the
	// provider response is the credential.
	api.HandleFunc("/auth/federated/{provider}/login", s.auth.federatedLogin).Methods("GET")
	api.HandleFunc("/auth/federated/{provider}/callback", s.auth.federatedCallback).Methods("GET", "POST")

	// Grant redemption, called server-to-server by delegating apps.
	api.HandleFunc("/auth/token", s.auth.redeemToken).Methods("POST")

	// Session-authenticated endpoints.
	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.APIAuth(s.auth.oracle))
	authed.HandleFunc("/auth/sign-out", s.auth.signOut).Methods("POST")
	authed.HandleFunc("/auth/profile", s.auth.profile).Methods("GET")
	authed.HandleFunc("/auth/authorize", s.auth.authorize).Methods("POST")
	authed.HandleFunc("/user/tenants", s.auth.userTenants).Methods("GET")

	authed.HandleFunc("/roles/{roleId}/permissions", s.ent.getRolePermissions).Methods("GET")
	authed.HandleFunc("/roles/{roleId}/permissions", s.ent.putRolePermissions).Methods("PUT")
	authed.HandleFunc("/tenants/{tenantId}/roles", s.ent.listTenantRoles).Methods("GET")
	authed.HandleFunc("/tenants/{tenantId}/users/{userId}/apps", s.ent.getUserApps).Methods("GET")
	authed.HandleFunc("/tenants/{tenantId}/users/{userId}/apps", s.ent.putUserApps).Methods("PUT")
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.metrics != nil {
		h = middleware.Metrics(s.metrics)(h)
	}
	h = middleware.Logging(h)
	h = middleware.RequestID(s.logger)(h)
	return otelhttp.NewHandler(h, "tenantgate.api")
}
