package grants

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Service issues grants backed by a Store. It optionally validates the
// redirect URI against an application registry before issuing.
type Service struct {
	store     Store
	validator RedirectValidator
	ttl       time.Duration
}

// NewService creates a grant issuer. validator may be nil, in which case
// redirect URIs are accepted as supplied.
func NewService(store Store, validator RedirectValidator) *Service {
	return &Service{store: store, validator: validator, ttl: DefaultTTL}
}

// SetTTL overrides the grant lifetime.
func (s *Service) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// Issue creates a one-shot grant code and returns the callback URL for
// the delegating application, with the code and tenant appended to the
// redirect URI's own query string.
func (s *Service) Issue(ctx context.Context, userID, tenantID, appID, redirectURI string) (string, error) {
	if tenantID == "" || appID == "" || redirectURI == "" {
		return "", fmt.Errorf("tenant_id, app_id and redirect_uri are required")
	}

	if s.validator != nil {
		if err := s.validator.ValidateRedirect(appID, redirectURI); err != nil {
			return "", fmt.Errorf("redirect_uri rejected: %w", err)
		}
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}

	now := time.Now()
	grant := &Grant{
		Code:        uuid.NewString(),
		TenantID:    tenantID,
		AppID:       appID,
		UserID:      userID,
		RedirectURI: redirectURI,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}

	if err := s.store.Save(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to store grant: %w", err)
	}

	q := target.Query()
	q.Set("code", grant.Code)
	q.Set("tenant_id", tenantID)
	target.RawQuery = q.Encode()

	return target.String(), nil
}

// Redeem exchanges a code for the grant it stands for. The redirect URI
// presented by the application must match the one the grant was issued
// with.
func (s *Service) Redeem(ctx context.Context, code, redirectURI string) (*Grant, error) {
	grant, err := s.store.Redeem(ctx, code)
	if err != nil {
		return nil, err
	}
	if grant.RedirectURI != redirectURI {
		return nil, fmt.Errorf("redirect_uri mismatch: %w", ErrNotFound)
	}
	return grant, nil
}
