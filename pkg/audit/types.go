// Package audit records security-relevant events: sign-ins, session
// guard denials, authorization grants and entitlement changes. Events
// land in Postgres and can be exported to object storage for
// long-term retention.
package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	// Authentication events
	EventTypeAuthSignIn       EventType = "auth.sign_in"
	EventTypeAuthSignInFailed EventType = "auth.sign_in_failed"
	EventTypeAuthSignOut      EventType = "auth.sign_out"
	EventTypeAuthSecondFactor EventType = "auth.second_factor"
	EventTypeAuthFederated    EventType = "auth.federated"

	// Guard events
	EventTypeGuardDenied EventType = "guard.denied"

	// Handoff events
	EventTypeHandoffTenantSelected EventType = "handoff.tenant_selected"
	EventTypeHandoffGrantIssued    EventType = "handoff.grant_issued"
	EventTypeHandoffGrantRedeemed  EventType = "handoff.grant_redeemed"
	EventTypeHandoffFailed         EventType = "handoff.failed"

	// Entitlement events
	EventTypeEntitlementGrant  EventType = "entitlement.grant"
	EventTypeEntitlementRevoke EventType = "entitlement.revoke"
	EventTypeEntitlementDenied EventType = "entitlement.denied"
)

// EventStatus is the outcome of an event.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single audit log entry.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	AppID    string `json:"app_id,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Filter selects events for listing and export.
type Filter struct {
	StartTime  *time.Time
	EndTime    *time.Time
	UserID     string
	TenantID   string
	EventTypes []EventType
	Status     *EventStatus

	Limit  int
	Offset int
}
