// Package grants implements authorization-grant issuance and redemption:
// the one-shot codes handed back to delegating applications at the end of
// a login handoff.
package grants

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an unredeemed grant code stays valid.
const DefaultTTL = 2 * time.Minute

// ErrNotFound is returned when a code is unknown, expired, or already
// redeemed. The three cases are indistinguishable on purpose.
var ErrNotFound = errors.New("grant not found")

// Grant is a one-shot authorization grant. The Code is opaque to the
// delegating application and redeems exactly once.
type Grant struct {
	Code        string    `json:"code"`
	TenantID    string    `json:"tenant_id"`
	AppID       string    `json:"app_id"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists grant codes until redemption or expiry.
type Store interface {
	Save(ctx context.Context, grant *Grant) error
	// Redeem removes and returns the grant for code; a second call with
	// the same code returns ErrNotFound.
	Redeem(ctx context.Context, code string) (*Grant, error)
}

// Issuer issues an authorization grant for (tenant, app, redirect URI)
// and returns the fully qualified URL the browser must navigate to. The
// caller treats the result as an opaque external URL.
type Issuer interface {
	Issue(ctx context.Context, userID, tenantID, appID, redirectURI string) (string, error)
}

// Redeemer exchanges a grant code for the authorized subject. Used by
// the token endpoint delegating applications call server-to-server.
type Redeemer interface {
	Redeem(ctx context.Context, code, redirectURI string) (*Grant, error)
}

// RedirectValidator checks that a redirect URI is registered for an
// application before a grant is issued for it.
type RedirectValidator interface {
	ValidateRedirect(appID, redirectURI string) error
}
