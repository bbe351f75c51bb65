package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// Store loads users and tenant memberships from the backing database.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
}

// User is the persisted account record. PasswordHash is the hex-encoded
// SHA256 of the password and never leaves the package.
type User struct {
	ID            string
	Username      string
	Email         string
	SystemRole    SystemRole
	PasswordHash  string
	TwoFactorMode bool
	IsActive      bool
}

// CheckPassword compares a candidate password against the stored hash in
// constant time.
func (u *User) CheckPassword(password string) bool {
	hash := sha256.Sum256([]byte(password))
	candidate := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(u.PasswordHash)) == 1
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetUserByUsername retrieves an active user account by username
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, email, system_role, password_hash, two_factor_enabled, is_active
		FROM users
		WHERE username = $1 AND is_active = true
	`
	user := &User{}
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.Email, &user.SystemRole,
		&user.PasswordHash, &user.TwoFactorMode, &user.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %w", ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetIdentity builds the identity snapshot for a user: account fields plus
// tenant memberships with their accessible applications.
func (s *PostgresStore) GetIdentity(ctx context.Context, userID string) (*Identity, error) {
	query := `
		SELECT id, username, email, system_role
		FROM users
		WHERE id = $1 AND is_active = true
	`
	id := &Identity{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&id.UserID, &id.Username, &id.Email, &id.SystemRole,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %w", ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	memberships, err := s.listMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	id.Memberships = memberships

	return id, nil
}

// listMemberships loads tenant memberships together with the app_ids of
// applications reachable through each tenant.
func (s *PostgresStore) listMemberships(ctx context.Context, userID string) ([]TenantMembership, error) {
	query := `
		SELECT tm.tenant_id, t.name, tm.role
		FROM tenant_members tm
		JOIN tenants t ON t.id = tm.tenant_id
		WHERE tm.user_id = $1 AND t.is_active = true
		ORDER BY t.created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []TenantMembership
	for rows.Next() {
		m := TenantMembership{}
		if err := rows.Scan(&m.TenantID, &m.TenantName, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}

	for i := range memberships {
		apps, err := s.listTenantApps(ctx, memberships[i].TenantID, userID)
		if err != nil {
			return nil, err
		}
		memberships[i].Apps = apps
	}

	return memberships, nil
}

// listTenantApps returns the app_ids the user can reach within a tenant.
func (s *PostgresStore) listTenantApps(ctx context.Context, tenantID, userID string) ([]string, error) {
	query := `
		SELECT a.app_id
		FROM tenant_user_apps tua
		JOIN applications a ON a.id = tua.application_id
		WHERE tua.tenant_id = $1 AND tua.user_id = $2 AND a.is_active = true
		ORDER BY a.app_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant apps: %w", err)
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var appID string
		if err := rows.Scan(&appID); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, appID)
	}
	return apps, rows.Err()
}
