package grants

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore keeps grant codes in PostgreSQL for deployments without
// Redis. Redeemed and expired rows stay behind until the janitor sweeps
// them, which keeps redemption a single guarded UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, grant *Grant) error {
	query := `
		INSERT INTO authorization_grants (code, tenant_id, app_id, user_id, redirect_uri, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query, grant.Code, grant.TenantID, grant.AppID,
		grant.UserID, grant.RedirectURI, grant.IssuedAt, grant.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// Redeem implements Store. The UPDATE only matches unredeemed, unexpired
// rows, so concurrent redemptions of the same code race on a single row
// and exactly one wins.
func (s *PostgresStore) Redeem(ctx context.Context, code string) (*Grant, error) {
	query := `
		UPDATE authorization_grants
		SET redeemed_at = NOW()
		WHERE code = $1 AND redeemed_at IS NULL AND expires_at > NOW()
		RETURNING code, tenant_id, app_id, user_id, redirect_uri, issued_at, expires_at
	`
	grant := &Grant{}
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&grant.Code, &grant.TenantID, &grant.AppID, &grant.UserID,
		&grant.RedirectURI, &grant.IssuedAt, &grant.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem grant: %w", err)
	}
	return grant, nil
}

// SweepExpired deletes redeemed and expired grant rows. Run periodically
// by the janitor.
func (s *PostgresStore) SweepExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM authorization_grants WHERE redeemed_at IS NOT NULL OR expires_at <= NOW()`
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep grants: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
