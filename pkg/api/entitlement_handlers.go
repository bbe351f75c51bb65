package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tenantgate/tenantgate/pkg/audit"
	"github.com/tenantgate/tenantgate/pkg/catalog"
	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/entitlement"
	"github.com/tenantgate/tenantgate/pkg/guard"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/observability"
)

// EntitlementHandlers serves the two entitlement editing screens: role
// permissions and per-user application access. Both run on the same
// reconciliation engine against different catalogs.
type EntitlementHandlers struct {
	roles      *catalog.RoleStore
	roleEngine *entitlement.Engine
	userEngine *entitlement.Engine
	roleCache  *catalog.CachedCatalog
	audit      audit.Logger
	metrics    *observability.Metrics

	// Sessions live only for the duration of an apply so that a second
	// concurrent apply for the same subject is refused rather than
	// double-submitted.
	mu       sync.Mutex
	applying map[string]*entitlement.Session
}

// NewEntitlementHandlers creates the entitlement handler group.
func NewEntitlementHandlers(
	roles *catalog.RoleStore,
	roleEngine, userEngine *entitlement.Engine,
	roleCache *catalog.CachedCatalog,
	auditLog audit.Logger,
	metrics *observability.Metrics,
) *EntitlementHandlers {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &EntitlementHandlers{
		roles:      roles,
		roleEngine: roleEngine,
		userEngine: userEngine,
		roleCache:  roleCache,
		audit:      auditLog,
		metrics:    metrics,
		applying:   make(map[string]*entitlement.Session),
	}
}

// factState is the wire form of one entitlement toggle.
type factState struct {
	AppID    string `json:"app_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Granted  bool   `json:"granted"`
}

type entitlementResponse struct {
	ReadOnly bool                `json:"read_only"`
	Groups   []entitlement.Group `json:"groups"`
}

// getRolePermissions handles GET /api/v1/roles/{roleId}/permissions.
func (h *EntitlementHandlers) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}

	role, err := h.roles.GetRole(r.Context(), roleID)
	if errors.Is(err, catalog.ErrRoleNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if !h.canView(r, role.TenantID) {
		httputil.WriteForbidden(w, "insufficient privileges")
		return
	}

	readOnly := role.System || !h.canManage(r, role.TenantID)
	sess, err := h.roleEngine.Load(r.Context(), entitlement.Subject{RoleID: role.ID, TenantID: role.TenantID}, readOnly)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, entitlementResponse{
		ReadOnly: readOnly,
		Groups:   sess.Grouped(),
	})
}

// putRolePermissions handles PUT /api/v1/roles/{roleId}/permissions.
func (h *EntitlementHandlers) putRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "roleId")
	if !ok {
		return
	}

	role, err := h.roles.GetRole(r.Context(), roleID)
	if errors.Is(err, catalog.ErrRoleNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if role.System {
		httputil.WriteForbidden(w, "system role permissions cannot be changed")
		return
	}
	if !h.canManage(r, role.TenantID) {
		h.auditSubject(r, audit.EventTypeEntitlementDenied, audit.EventStatusDenied, role.TenantID, "")
		httputil.WriteForbidden(w, "insufficient privileges")
		return
	}

	subject := entitlement.Subject{RoleID: role.ID, TenantID: role.TenantID}
	h.applyDesired(w, r, h.roleEngine, subject, "role", role.TenantID)
}

// listTenantRoles handles GET /api/v1/tenants/{tenantId}/roles.
func (h *EntitlementHandlers) listTenantRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenantId")
	if !ok {
		return
	}
	if !h.canView(r, tenantID) {
		httputil.WriteForbidden(w, "insufficient privileges")
		return
	}

	roles, err := h.roles.ListRoles(r.Context(), tenantID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if roles == nil {
		roles = []catalog.Role{}
	}
	httputil.WriteSuccess(w, roles)
}

// getUserApps handles GET /api/v1/tenants/{tenantId}/users/{userId}/apps.
func (h *EntitlementHandlers) getUserApps(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenantId")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	if !h.canView(r, tenantID) {
		httputil.WriteForbidden(w, "insufficient privileges")
		return
	}

	readOnly := !h.canManage(r, tenantID)
	sess, err := h.userEngine.Load(r.Context(), entitlement.Subject{TenantID: tenantID, UserID: userID}, readOnly)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, entitlementResponse{
		ReadOnly: readOnly,
		Groups:   sess.Grouped(),
	})
}

// putUserApps handles PUT /api/v1/tenants/{tenantId}/users/{userId}/apps.
func (h *EntitlementHandlers) putUserApps(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenantId")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	if !h.canManage(r, tenantID) {
		h.auditSubject(r, audit.EventTypeEntitlementDenied, audit.EventStatusDenied, tenantID, "")
		httputil.WriteForbidden(w, "insufficient privileges")
		return
	}

	subject := entitlement.Subject{TenantID: tenantID, UserID: userID}
	h.applyDesired(w, r, h.userEngine, subject, "user", tenantID)
}

// applyDesired loads a fresh baseline, applies the requested desired
// states and runs one reconciliation batch.
func (h *EntitlementHandlers) applyDesired(w http.ResponseWriter, r *http.Request, engine *entitlement.Engine, subject entitlement.Subject, kind, tenantID string) {
	var req struct {
		Entitlements []factState `json:"entitlements"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	key := subjectKey(subject)

	h.mu.Lock()
	sess, inFlight := h.applying[key]
	if !inFlight {
		var err error
		sess, err = engine.Load(r.Context(), subject, false)
		if err != nil {
			h.mu.Unlock()
			httputil.WriteInternalError(w, err)
			return
		}
		h.applying[key] = sess
		defer func() {
			h.mu.Lock()
			delete(h.applying, key)
			h.mu.Unlock()
		}()
	}
	h.mu.Unlock()

	if !inFlight {
		desired := make(map[entitlement.ResourceKey]bool, len(req.Entitlements))
		for _, e := range req.Entitlements {
			desired[entitlement.ResourceKey{AppID: e.AppID, Resource: e.Resource, Action: e.Action}] = e.Granted
		}
		for _, f := range sess.Facts() {
			if want, listed := desired[f.Key]; listed && want != f.Current {
				sess.Toggle(f.Key)
			}
		}
	}

	start := time.Now()
	result, err := sess.Apply(r.Context())
	if errors.Is(err, entitlement.ErrApplyInFlight) {
		httputil.WriteConflict(w, "an apply for this subject is already in progress")
		return
	}
	if errors.Is(err, entitlement.ErrReadOnly) {
		httputil.WriteForbidden(w, "entitlements are read-only for this subject")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ReconcileBatchesTotal.WithLabelValues(kind, string(result.Status)).Inc()
		h.metrics.ReconcileBatchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		for range result.Granted {
			h.metrics.ReconcileCallsTotal.WithLabelValues("grant", "success").Inc()
		}
		for range result.Revoked {
			h.metrics.ReconcileCallsTotal.WithLabelValues("revoke", "success").Inc()
		}
		for _, f := range result.Failures {
			op := "grant"
			if f.Revoke {
				op = "revoke"
			}
			h.metrics.ReconcileCallsTotal.WithLabelValues(op, "failure").Inc()
		}
	}
	for range result.Granted {
		h.auditSubject(r, audit.EventTypeEntitlementGrant, audit.EventStatusSuccess, tenantID, subject.UserID)
	}
	for range result.Revoked {
		h.auditSubject(r, audit.EventTypeEntitlementRevoke, audit.EventStatusSuccess, tenantID, subject.UserID)
	}
	if h.roleCache != nil && kind == "role" && (len(result.Granted) > 0 || len(result.Revoked) > 0) {
		h.roleCache.Invalidate(tenantID)
	}

	httputil.WriteSuccess(w, result)
}

func (h *EntitlementHandlers) canManage(r *http.Request, tenantID string) bool {
	id := guard.IdentityFromContext(r.Context())
	return id != nil && (id.IsSystemAdmin() || id.CanManageTenant(tenantID))
}

func (h *EntitlementHandlers) canView(r *http.Request, tenantID string) bool {
	id := guard.IdentityFromContext(r.Context())
	if id == nil {
		return false
	}
	if id.IsSystemAdmin() {
		return true
	}
	_, member := id.Membership(tenantID)
	return member
}

func subjectKey(s entitlement.Subject) string {
	return fmt.Sprintf("%s|%s|%s", s.RoleID, s.TenantID, s.UserID)
}

func (h *EntitlementHandlers) auditSubject(r *http.Request, eventType audit.EventType, status audit.EventStatus, tenantID, targetUserID string) {
	id := guard.IdentityFromContext(r.Context())
	userID, username := "", ""
	if id != nil {
		userID, username = id.UserID, id.Username
	}
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
		IPAddress: host,
		RequestID: requestID,
	}
	if targetUserID != "" {
		event.Metadata = map[string]interface{}{"target_user_id": targetUserID}
	}
	if err := h.audit.Log(r.Context(), event); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to record audit event")
	}
}
