package api

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/mux"

	"github.com/tenantgate/tenantgate/pkg/apps"
	"github.com/tenantgate/tenantgate/pkg/audit"
	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/federation"
	"github.com/tenantgate/tenantgate/pkg/grants"
	"github.com/tenantgate/tenantgate/pkg/guard"
	"github.com/tenantgate/tenantgate/pkg/handoff"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/identity"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/session"
)

// AuthHandlers handles sign-in, sessions and the authorization handoff.
type AuthHandlers struct {
	sessions  *session.Manager
	oracle    identity.Oracle
	issuer    grants.Issuer
	redeemer  grants.Redeemer
	registry  *apps.Registry
	providers map[string]federation.Provider
	audit     audit.Logger
	metrics   *observability.Metrics

	secureCookies bool

	// One handoff flow per console session. Entries live from the
	// sign-in (or first authorize call) until the flow finishes.
	mu    sync.Mutex
	flows map[string]*handoff.Controller
}

// NewAuthHandlers creates the auth handler group.
func NewAuthHandlers(
	sessions *session.Manager,
	issuer grants.Issuer,
	redeemer grants.Redeemer,
	registry *apps.Registry,
	providers map[string]federation.Provider,
	auditLog audit.Logger,
	metrics *observability.Metrics,
	secureCookies bool,
) *AuthHandlers {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &AuthHandlers{
		sessions:      sessions,
		oracle:        sessions.Oracle(),
		issuer:        issuer,
		redeemer:      redeemer,
		registry:      registry,
		providers:     providers,
		audit:         auditLog,
		metrics:       metrics,
		secureCookies: secureCookies,
		flows:         make(map[string]*handoff.Controller),
	}
}

// signInResponse is the common shape for sign-in and handoff outcomes.
type signInResponse struct {
	State       string                      `json:"state"`
	RedirectURL string                      `json:"redirect_url,omitempty"`
	External    bool                        `json:"external,omitempty"`
	Tenants     []identity.TenantMembership `json:"tenants,omitempty"`
	AppName     string                      `json:"app_name,omitempty"`
	Notice      string                      `json:"notice,omitempty"`
}

// signIn handles POST /api/v1/auth/sign-in. The SSO context rides on
// the query string, exactly as the sign-in page received it.
func (h *AuthHandlers) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	ssoCtx := handoff.ParseContext(r.URL.Query())

	sessionID, id, err := h.sessions.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		var second *identity.SecondFactorError
		if errors.As(err, &second) {
			// Password accepted, session deferred until the challenge
			// completes. The SSO context rides along on the challenge URL.
			h.countSignIn("credentials", "second_factor")
			httputil.WriteSuccess(w, signInResponse{
				State:       "second_factor_required",
				RedirectURL: handoff.SecondFactorRedirect(second.TempToken, ssoCtx),
			})
			return
		}
		h.countSignIn("credentials", "failure")
		h.auditEvent(r, audit.EventTypeAuthSignInFailed, audit.EventStatusFailure, "", req.Username, "", "")
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	h.countSignIn("credentials", "success")
	h.auditEvent(r, audit.EventTypeAuthSignIn, audit.EventStatusSuccess, id.UserID, id.Username, "", "")
	h.openAndProceed(w, r, sessionID, id, ssoCtx)
}

// completeSecondFactor handles POST /api/v1/auth/two-steps.
func (h *AuthHandlers) completeSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Code  string `json:"code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Token == "" || req.Code == "" {
		httputil.WriteBadRequest(w, "token and code are required")
		return
	}

	ssoCtx := handoff.ParseContext(r.URL.Query())

	sessionID, id, err := h.sessions.CompleteSecondFactor(r.Context(), req.Token, req.Code)
	if err != nil {
		h.countSignIn("second_factor", "failure")
		h.auditEvent(r, audit.EventTypeAuthSecondFactor, audit.EventStatusFailure, "", "", "", "")
		httputil.WriteUnauthorized(w, "second factor rejected")
		return
	}

	h.countSignIn("second_factor", "success")
	h.auditEvent(r, audit.EventTypeAuthSecondFactor, audit.EventStatusSuccess, id.UserID, id.Username, "", "")
	h.openAndProceed(w, r, sessionID, id, ssoCtx)
}

// openAndProceed sets the session cookie, registers the handoff flow and
// runs it to its first decision point.
func (h *AuthHandlers) openAndProceed(w http.ResponseWriter, r *http.Request, sessionID string, id *identity.Identity, ssoCtx handoff.SSOContext) {
	http.SetCookie(w, &http.Cookie{
		Name:     guard.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	ctrl := handoff.NewController(h.issuer, id, ssoCtx)
	h.mu.Lock()
	h.flows[sessionID] = ctrl
	h.mu.Unlock()

	outcome := ctrl.Proceed(r.Context())
	h.writeOutcome(w, r, sessionID, ssoCtx, outcome)
}

// authorize handles POST /api/v1/auth/authorize. With a tenant_id it
// resumes a pending tenant choice; without one it re-runs the decision
// point (used when the tenant picker is opened from a fresh page load).
func (h *AuthHandlers) authorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sessionID, _ := contextkeys.Value(r.Context(), contextkeys.SessionIDKey).(string)
	id := guard.IdentityFromContext(r.Context())
	ssoCtx := handoff.ParseContext(r.URL.Query())

	h.mu.Lock()
	ctrl, ok := h.flows[sessionID]
	if !ok {
		if !ssoCtx.AppInitiated() {
			h.mu.Unlock()
			httputil.WriteBadRequest(w, "no authorization in progress")
			return
		}
		ctrl = handoff.NewController(h.issuer, id, ssoCtx)
		h.flows[sessionID] = ctrl
	}
	h.mu.Unlock()

	var outcome handoff.Outcome
	if req.TenantID != "" {
		outcome = ctrl.SelectTenant(r.Context(), req.TenantID)
		if outcome.State == handoff.StateDone {
			h.auditEvent(r, audit.EventTypeHandoffTenantSelected, audit.EventStatusSuccess, id.UserID, id.Username, req.TenantID, ssoCtx.AppID)
		}
	} else {
		outcome = ctrl.Proceed(r.Context())
	}
	h.writeOutcome(w, r, sessionID, ssoCtx, outcome)
}

// writeOutcome translates a handoff outcome into the wire response and
// retires finished flows.
func (h *AuthHandlers) writeOutcome(w http.ResponseWriter, r *http.Request, sessionID string, ssoCtx handoff.SSOContext, outcome handoff.Outcome) {
	if h.metrics != nil {
		h.metrics.HandoffOutcomesTotal.WithLabelValues(string(outcome.State)).Inc()
	}

	id := guard.IdentityFromContext(r.Context())
	switch outcome.State {
	case handoff.StateDone:
		h.retireFlow(sessionID)
		if h.metrics != nil {
			h.metrics.GrantsIssuedTotal.Inc()
		}
		userID, username := "", ""
		if id != nil {
			userID, username = id.UserID, id.Username
		}
		h.auditEvent(r, audit.EventTypeHandoffGrantIssued, audit.EventStatusSuccess, userID, username, "", ssoCtx.AppID)
	case handoff.StateFailed:
		h.retireFlow(sessionID)
		h.auditEvent(r, audit.EventTypeHandoffFailed, audit.EventStatusFailure, "", "", "", ssoCtx.AppID)
	case handoff.StateDirect:
		h.retireFlow(sessionID)
	}

	resp := signInResponse{
		State:       string(outcome.State),
		RedirectURL: outcome.RedirectURL,
		External:    outcome.External,
		Tenants:     outcome.Tenants,
		Notice:      outcome.Notice,
	}
	if outcome.State == handoff.StateAwaitingTenantChoice && h.registry != nil {
		resp.AppName = h.registry.DisplayName(ssoCtx.AppID)
	}
	httputil.WriteSuccess(w, resp)
}

func (h *AuthHandlers) retireFlow(sessionID string) {
	h.mu.Lock()
	delete(h.flows, sessionID)
	h.mu.Unlock()
}

// signOut handles POST /api/v1/auth/sign-out.
func (h *AuthHandlers) signOut(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := contextkeys.Value(r.Context(), contextkeys.SessionIDKey).(string)
	id := guard.IdentityFromContext(r.Context())

	if err := h.sessions.SignOut(r.Context(), sessionID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.retireFlow(sessionID)

	http.SetCookie(w, &http.Cookie{
		Name:     guard.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
	})

	if id != nil {
		h.auditEvent(r, audit.EventTypeAuthSignOut, audit.EventStatusSuccess, id.UserID, id.Username, "", "")
	}
	httputil.WriteNoContent(w)
}

// profile handles GET /api/v1/auth/profile.
func (h *AuthHandlers) profile(w http.ResponseWriter, r *http.Request) {
	id := guard.IdentityFromContext(r.Context())
	if id == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	httputil.WriteSuccess(w, id)
}

// userTenants handles GET /api/v1/user/tenants. With an app_id query
// parameter only tenants reaching that application are returned.
func (h *AuthHandlers) userTenants(w http.ResponseWriter, r *http.Request) {
	id := guard.IdentityFromContext(r.Context())
	if id == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	memberships := id.Memberships
	if appID := r.URL.Query().Get("app_id"); appID != "" {
		memberships = id.MembershipsWithApp(appID)
	}
	if memberships == nil {
		memberships = []identity.TenantMembership{}
	}
	httputil.WriteSuccess(w, memberships)
}

// redeemToken handles POST /api/v1/auth/token: a delegating application
// exchanges a one-shot grant code for the authorized subject.
func (h *AuthHandlers) redeemToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Code == "" || req.RedirectURI == "" {
		httputil.WriteBadRequest(w, "code and redirect_uri are required")
		return
	}

	grant, err := h.redeemer.Redeem(r.Context(), req.Code, req.RedirectURI)
	if err != nil {
		if h.metrics != nil {
			h.metrics.GrantsRedeemedTotal.WithLabelValues("failure").Inc()
		}
		httputil.WriteBadRequest(w, "invalid or expired grant")
		return
	}

	if h.metrics != nil {
		h.metrics.GrantsRedeemedTotal.WithLabelValues("success").Inc()
	}
	h.auditEvent(r, audit.EventTypeHandoffGrantRedeemed, audit.EventStatusSuccess, grant.UserID, "", grant.TenantID, grant.AppID)
	httputil.WriteSuccess(w, map[string]string{
		"user_id":   grant.UserID,
		"tenant_id": grant.TenantID,
		"app_id":    grant.AppID,
	})
}

// federatedLogin handles GET /api/v1/auth/federated/{provider}/login.
// The SSO context is carried through the provider round-trip as state.
func (h *AuthHandlers) federatedLogin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "provider")
	if !ok {
		return
	}
	provider, found := h.providers[name]
	if !found {
		httputil.WriteNotFound(w, "unknown identity provider")
		return
	}

	state := handoff.ParseContext(r.URL.Query()).QueryValues().Encode()
	if err := provider.Login(w, r, state); err != nil {
		httputil.WriteInternalError(w, err)
	}
}

// federatedCallback handles the provider response, resolves the local
// user and continues the handoff exactly like a credential sign-in.
func (h *AuthHandlers) federatedCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	provider, found := h.providers[vars["provider"]]
	if !found {
		httputil.WriteNotFound(w, "unknown identity provider")
		return
	}

	external, err := provider.Callback(r)
	if err != nil {
		h.countSignIn("federated", "failure")
		h.auditEvent(r, audit.EventTypeAuthFederated, audit.EventStatusFailure, "", "", "", "")
		httputil.WriteUnauthorized(w, "federated sign-in failed")
		return
	}

	sessionID, id, err := h.sessions.SignInExternal(r.Context(), external.Username)
	if err != nil {
		h.countSignIn("federated", "failure")
		h.auditEvent(r, audit.EventTypeAuthFederated, audit.EventStatusFailure, "", external.Username, "", "")
		httputil.WriteUnauthorized(w, "no local account for federated identity")
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		state = r.FormValue("RelayState")
	}
	values, _ := url.ParseQuery(state)
	ssoCtx := handoff.ParseContext(values)

	h.countSignIn("federated", "success")
	h.auditEvent(r, audit.EventTypeAuthFederated, audit.EventStatusSuccess, id.UserID, id.Username, "", "")
	h.openAndProceed(w, r, sessionID, id, ssoCtx)
}

func (h *AuthHandlers) countSignIn(mode, status string) {
	if h.metrics != nil {
		h.metrics.SignInsTotal.WithLabelValues(mode, status).Inc()
	}
}

func (h *AuthHandlers) auditEvent(r *http.Request, eventType audit.EventType, status audit.EventStatus, userID, username, tenantID, appID string) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	requestID, _ := contextkeys.Value(r.Context(), contextkeys.RequestIDKey).(string)

	event := &audit.Event{
		EventType: eventType,
		Status:    status,
		UserID:    userID,
		Username:  username,
		TenantID:  tenantID,
		AppID:     appID,
		IPAddress: host,
		UserAgent: r.UserAgent(),
		RequestID: requestID,
	}
	if err := h.audit.Log(r.Context(), event); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to record audit event")
	}
}
