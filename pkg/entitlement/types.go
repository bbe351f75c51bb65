// Package entitlement implements the generic reconciliation engine used
// by both the role-permission screen and the user-access screen: load a
// baseline of on/off entitlement facts, toggle them locally, then apply
// the minimal add/remove delta as a batch of independent idempotent
// backend calls and re-sync from the source of truth.
package entitlement

import (
	"context"
	"errors"
)

// ResourceKey identifies one assignable entitlement: an action on a
// resource exposed by an application.
type ResourceKey struct {
	AppID    string `json:"app_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Subject is what the facts are about: either a role (role->permission
// reconciliation) or a tenant user (user->application access). The
// catalog implementation decides which fields it reads.
type Subject struct {
	RoleID   string `json:"role_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// Membership is one currently-held entitlement, with the backend's
// opaque identifier for it when one exists.
type Membership struct {
	Key ResourceKey
	ID  string
}

// Catalog is the external entitlement backend. Grant and Revoke must be
// idempotent at the backend boundary: granting an already-granted fact
// or revoking an already-revoked one is a safe no-op. The engine relies
// on that; it only deduplicates via the current/original partition.
type Catalog interface {
	Assignable(ctx context.Context, subject Subject) ([]ResourceKey, error)
	Memberships(ctx context.Context, subject Subject) ([]Membership, error)
	Grant(ctx context.Context, subject Subject, key ResourceKey) error
	Revoke(ctx context.Context, subject Subject, key ResourceKey, membershipID string) error
}

// Fact is one boolean entitlement tracked for reconciliation. Current is
// what the user wants; Original is the last confirmed server truth.
type Fact struct {
	Key      ResourceKey `json:"key"`
	ID       string      `json:"id,omitempty"` // opaque membership id when held
	Current  bool        `json:"current"`
	Original bool        `json:"original"`
}

// Group is a cosmetic presentation grouping of facts by resource.
type Group struct {
	Resource string `json:"resource"`
	Facts    []Fact `json:"facts"`
}

// Status classifies an apply round-trip.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
)

// FactError records one failed grant or revoke within a batch.
type FactError struct {
	Key    ResourceKey `json:"key"`
	Revoke bool        `json:"revoke"`
	Err    error       `json:"-"`
}

// Result reports an apply round-trip. Whatever the status, the session's
// facts have been re-synced from the backend by the time Apply returns.
type Result struct {
	Status   Status        `json:"status"`
	Granted  []ResourceKey `json:"granted"`
	Revoked  []ResourceKey `json:"revoked"`
	Failures []FactError   `json:"failures,omitempty"`
}

var (
	// ErrApplyInFlight is returned when Apply is re-invoked while a
	// batch for the same session is still outstanding.
	ErrApplyInFlight = errors.New("apply already in flight")

	// ErrReadOnly is returned when a mutating call is made on a
	// read-only session (protected default role, or the caller lacks
	// management rights for the scope).
	ErrReadOnly = errors.New("session is read-only")

	// ErrUnsavedChanges is returned by Close when unsaved toggles would
	// be discarded without confirmation.
	ErrUnsavedChanges = errors.New("unsaved changes")
)
