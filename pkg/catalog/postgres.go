// Package catalog provides the Entitlement Catalog collaborators consumed
// by the reconciliation engine: PostgreSQL-backed fact universes for
// role->permission assignment and user->application access.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tenantgate/tenantgate/pkg/entitlement"
)

// accessResource and accessAction are the synthetic resource/action pair
// used for user->application access facts, where the entitlement is the
// application itself.
const (
	accessResource = "application"
	accessAction   = "access"
)

// RolePermissionCatalog implements entitlement.Catalog over the
// role_permissions table. The assignable universe is every resource and
// action exposed by the applications reachable from the role's tenant.
type RolePermissionCatalog struct {
	db *sql.DB
}

// NewRolePermissionCatalog creates a new RolePermissionCatalog
func NewRolePermissionCatalog(db *sql.DB) *RolePermissionCatalog {
	return &RolePermissionCatalog{db: db}
}

// Assignable implements entitlement.Catalog.
func (c *RolePermissionCatalog) Assignable(ctx context.Context, subject entitlement.Subject) ([]entitlement.ResourceKey, error) {
	query := `
		SELECT a.app_id, ar.resource, ar.action
		FROM app_resources ar
		JOIN applications a ON a.id = ar.application_id
		JOIN tenant_applications ta ON ta.application_id = a.id
		WHERE ta.tenant_id = $1 AND a.is_active = true
		ORDER BY a.app_id, ar.resource, ar.action
	`
	rows, err := c.db.QueryContext(ctx, query, subject.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignable resources: %w", err)
	}
	defer rows.Close()

	var keys []entitlement.ResourceKey
	for rows.Next() {
		var k entitlement.ResourceKey
		if err := rows.Scan(&k.AppID, &k.Resource, &k.Action); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Memberships implements entitlement.Catalog.
func (c *RolePermissionCatalog) Memberships(ctx context.Context, subject entitlement.Subject) ([]entitlement.Membership, error) {
	query := `
		SELECT rp.id, a.app_id, rp.resource, rp.action
		FROM role_permissions rp
		JOIN applications a ON a.id = rp.application_id
		WHERE rp.role_id = $1
	`
	rows, err := c.db.QueryContext(ctx, query, subject.RoleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var members []entitlement.Membership
	for rows.Next() {
		var m entitlement.Membership
		if err := rows.Scan(&m.ID, &m.Key.AppID, &m.Key.Resource, &m.Key.Action); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Grant implements entitlement.Catalog. Granting an already-granted
// permission is a safe no-op.
func (c *RolePermissionCatalog) Grant(ctx context.Context, subject entitlement.Subject, key entitlement.ResourceKey) error {
	query := `
		INSERT INTO role_permissions (role_id, application_id, resource, action)
		SELECT $1, a.id, $3, $4 FROM applications a WHERE a.app_id = $2
		ON CONFLICT (role_id, application_id, resource, action) DO NOTHING
	`
	result, err := c.db.ExecContext(ctx, query, subject.RoleID, key.AppID, key.Resource, key.Action)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	// Zero rows with a valid app means the permission already existed,
	// which is fine. An unknown app_id is a real error.
	if rows == 0 {
		if exists, err := c.appExists(ctx, key.AppID); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("unknown application: %s", key.AppID)
		}
	}
	return nil
}

// Revoke implements entitlement.Catalog. Revoking an absent permission
// is a safe no-op.
func (c *RolePermissionCatalog) Revoke(ctx context.Context, subject entitlement.Subject, key entitlement.ResourceKey, membershipID string) error {
	if membershipID != "" {
		query := `DELETE FROM role_permissions WHERE id = $1 AND role_id = $2`
		if _, err := c.db.ExecContext(ctx, query, membershipID, subject.RoleID); err != nil {
			return fmt.Errorf("failed to revoke permission: %w", err)
		}
		return nil
	}
	query := `
		DELETE FROM role_permissions rp
		USING applications a
		WHERE rp.application_id = a.id
		  AND rp.role_id = $1 AND a.app_id = $2 AND rp.resource = $3 AND rp.action = $4
	`
	if _, err := c.db.ExecContext(ctx, query, subject.RoleID, key.AppID, key.Resource, key.Action); err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	return nil
}

func (c *RolePermissionCatalog) appExists(ctx context.Context, appID string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM applications WHERE app_id = $1)`, appID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check application: %w", err)
	}
	return exists, nil
}

// UserAccessCatalog implements entitlement.Catalog over the
// tenant_user_apps table. Each fact is one application the user can or
// cannot reach through the tenant; the resource/action pair is synthetic.
type UserAccessCatalog struct {
	db *sql.DB
}

// NewUserAccessCatalog creates a new UserAccessCatalog
func NewUserAccessCatalog(db *sql.DB) *UserAccessCatalog {
	return &UserAccessCatalog{db: db}
}

// Assignable implements entitlement.Catalog: every active application
// assigned to the tenant.
func (c *UserAccessCatalog) Assignable(ctx context.Context, subject entitlement.Subject) ([]entitlement.ResourceKey, error) {
	query := `
		SELECT a.app_id
		FROM applications a
		JOIN tenant_applications ta ON ta.application_id = a.id
		WHERE ta.tenant_id = $1 AND a.is_active = true
		ORDER BY a.app_id
	`
	rows, err := c.db.QueryContext(ctx, query, subject.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant applications: %w", err)
	}
	defer rows.Close()

	var keys []entitlement.ResourceKey
	for rows.Next() {
		var appID string
		if err := rows.Scan(&appID); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		keys = append(keys, entitlement.ResourceKey{AppID: appID, Resource: accessResource, Action: accessAction})
	}
	return keys, rows.Err()
}

// Memberships implements entitlement.Catalog.
func (c *UserAccessCatalog) Memberships(ctx context.Context, subject entitlement.Subject) ([]entitlement.Membership, error) {
	query := `
		SELECT tua.id, a.app_id
		FROM tenant_user_apps tua
		JOIN applications a ON a.id = tua.application_id
		WHERE tua.tenant_id = $1 AND tua.user_id = $2
	`
	rows, err := c.db.QueryContext(ctx, query, subject.TenantID, subject.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user app grants: %w", err)
	}
	defer rows.Close()

	var members []entitlement.Membership
	for rows.Next() {
		var m entitlement.Membership
		if err := rows.Scan(&m.ID, &m.Key.AppID); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		m.Key.Resource = accessResource
		m.Key.Action = accessAction
		members = append(members, m)
	}
	return members, rows.Err()
}

// Grant implements entitlement.Catalog.
func (c *UserAccessCatalog) Grant(ctx context.Context, subject entitlement.Subject, key entitlement.ResourceKey) error {
	query := `
		INSERT INTO tenant_user_apps (tenant_id, user_id, application_id)
		SELECT $1, $2, a.id FROM applications a WHERE a.app_id = $3
		ON CONFLICT (tenant_id, user_id, application_id) DO NOTHING
	`
	if _, err := c.db.ExecContext(ctx, query, subject.TenantID, subject.UserID, key.AppID); err != nil {
		return fmt.Errorf("failed to grant application access: %w", err)
	}
	return nil
}

// Revoke implements entitlement.Catalog.
func (c *UserAccessCatalog) Revoke(ctx context.Context, subject entitlement.Subject, key entitlement.ResourceKey, membershipID string) error {
	if membershipID != "" {
		query := `DELETE FROM tenant_user_apps WHERE id = $1 AND tenant_id = $2 AND user_id = $3`
		if _, err := c.db.ExecContext(ctx, query, membershipID, subject.TenantID, subject.UserID); err != nil {
			return fmt.Errorf("failed to revoke application access: %w", err)
		}
		return nil
	}
	query := `
		DELETE FROM tenant_user_apps tua
		USING applications a
		WHERE tua.application_id = a.id
		  AND tua.tenant_id = $1 AND tua.user_id = $2 AND a.app_id = $3
	`
	if _, err := c.db.ExecContext(ctx, query, subject.TenantID, subject.UserID, key.AppID); err != nil {
		return fmt.Errorf("failed to revoke application access: %w", err)
	}
	return nil
}
