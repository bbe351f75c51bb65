package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Role is tenant-scoped role metadata. System roles ship with every
// tenant and their permission sets cannot be edited.
type Role struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	System   bool   `json:"system"`
}

// ErrRoleNotFound is returned for unknown role ids.
var ErrRoleNotFound = fmt.Errorf("role not found")

// RoleStore reads role metadata from Postgres.
type RoleStore struct {
	db *sql.DB
}

// NewRoleStore creates a role store.
func NewRoleStore(db *sql.DB) *RoleStore {
	return &RoleStore{db: db}
}

// GetRole fetches one role by id.
func (s *RoleStore) GetRole(ctx context.Context, roleID string) (*Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, is_system
		FROM roles WHERE id = $1
	`, roleID).Scan(&role.ID, &role.TenantID, &role.Name, &role.System)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// ListRoles returns the roles of a tenant.
func (s *RoleStore) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, is_system
		FROM roles WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.System); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
