package identity

import "time"

// SystemRole represents the console-wide role of a user
type SystemRole string

const (
	SystemRoleUser        SystemRole = "USER"
	SystemRoleSystemAdmin SystemRole = "SYSTEM_ADMIN"
	SystemRoleSuperAdmin  SystemRole = "SUPER_ADMIN"
)

// TenantRole represents a user's role inside a single tenant
type TenantRole string

const (
	TenantRoleAdmin  TenantRole = "ADMIN"
	TenantRoleMember TenantRole = "MEMBER"
	TenantRoleViewer TenantRole = "VIEWER"
)

// Application represents a delegating application registered with the console
type Application struct {
	ID          string    `json:"id"`
	AppID       string    `json:"app_id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	LogoURL     string    `json:"logo_url,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TenantMembership describes one tenant a user belongs to, together with
// the applications reachable through that tenant. Owned by the backend;
// read-only here.
type TenantMembership struct {
	TenantID   string     `json:"tenant_id"`
	TenantName string     `json:"tenant_name"`
	Role       TenantRole `json:"role"`
	Apps       []string   `json:"apps"` // accessible application app_ids
}

// HasApp reports whether the membership grants access to the application.
func (m TenantMembership) HasApp(appID string) bool {
	for _, a := range m.Apps {
		if a == appID {
			return true
		}
	}
	return false
}

// Identity is a per-session snapshot of the authenticated user. It is
// never cached beyond a single navigation decision; callers re-query the
// Oracle instead of holding on to it.
type Identity struct {
	UserID      string             `json:"user_id"`
	Username    string             `json:"username"`
	Email       string             `json:"email,omitempty"`
	SystemRole  SystemRole         `json:"system_role"`
	Memberships []TenantMembership `json:"memberships"`
}

// IsSystemAdmin reports whether the identity has console-wide admin rights.
func (id *Identity) IsSystemAdmin() bool {
	return id.SystemRole == SystemRoleSystemAdmin || id.SystemRole == SystemRoleSuperAdmin
}

// Membership returns the membership for a tenant, if any.
func (id *Identity) Membership(tenantID string) (TenantMembership, bool) {
	for _, m := range id.Memberships {
		if m.TenantID == tenantID {
			return m, true
		}
	}
	return TenantMembership{}, false
}

// MembershipsWithApp returns the memberships whose accessible-application
// set contains appID.
func (id *Identity) MembershipsWithApp(appID string) []TenantMembership {
	var out []TenantMembership
	for _, m := range id.Memberships {
		if m.HasApp(appID) {
			out = append(out, m)
		}
	}
	return out
}

// CanManageTenant reports whether the identity may manage roles and
// access grants within the tenant. System admins always may; otherwise
// the user must hold the tenant ADMIN role.
func (id *Identity) CanManageTenant(tenantID string) bool {
	if id.IsSystemAdmin() {
		return true
	}
	m, ok := id.Membership(tenantID)
	return ok && m.Role == TenantRoleAdmin
}
