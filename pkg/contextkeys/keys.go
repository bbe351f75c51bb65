// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *identity.Identity
	// Set by: middleware.SessionMiddleware, guard.Middleware
	// Required by: all protected endpoints
	IdentityKey Key = "identity"

	// SessionIDKey contains the opaque session id string
	// Set by: middleware.SessionMiddleware after cookie validation
	SessionIDKey Key = "session_id"

	// RequestIDKey contains request ID string (UUID)
	// Used by: logger, audit trail
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"
)

// WithValue stores a value under a typed key.
func WithValue(ctx context.Context, key Key, value interface{}) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value retrieves a value stored under a typed key.
func Value(ctx context.Context, key Key) interface{} {
	return ctx.Value(key)
}
