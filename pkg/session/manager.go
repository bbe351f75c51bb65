package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tenantgate/tenantgate/pkg/identity"
)

// Manager verifies credentials and runs the second-factor handshake.
// It implements identity.Verifier and, via Oracle, identity.Oracle.
type Manager struct {
	users identity.Store
	store *Store
	// VerifyCode checks a second-factor code for a user. Swappable so
	// tests and deployments without TOTP can plug their own check.
	VerifyCode func(ctx context.Context, userID, code string) error
}

// NewManager creates a session manager.
func NewManager(users identity.Store, store *Store) *Manager {
	return &Manager{users: users, store: store}
}

// VerifyCredentials checks the username/password pair. When the account
// has a second factor enabled no session is opened; instead a temp token
// is issued and returned inside *identity.SecondFactorError.
func (m *Manager) VerifyCredentials(ctx context.Context, username, password string) (string, *identity.Identity, error) {
	user, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if !user.CheckPassword(password) {
		return "", nil, fmt.Errorf("bad credentials: %w", identity.ErrUnauthenticated)
	}

	if user.TwoFactorMode {
		token := uuid.NewString()
		if err := m.store.CreateTempToken(ctx, token, user.ID); err != nil {
			return "", nil, err
		}
		return "", nil, &identity.SecondFactorError{TempToken: token}
	}

	return m.openSession(ctx, user.ID)
}

// CompleteSecondFactor redeems a temp token plus challenge code and opens
// the session the original sign-in deferred.
func (m *Manager) CompleteSecondFactor(ctx context.Context, tempToken, code string) (string, *identity.Identity, error) {
	userID, err := m.store.ConsumeTempToken(ctx, tempToken)
	if err != nil {
		return "", nil, err
	}
	if m.VerifyCode != nil {
		if err := m.VerifyCode(ctx, userID, code); err != nil {
			return "", nil, fmt.Errorf("second factor rejected: %w", identity.ErrUnauthenticated)
		}
	}
	return m.openSession(ctx, userID)
}

func (m *Manager) openSession(ctx context.Context, userID string) (string, *identity.Identity, error) {
	id, err := m.users.GetIdentity(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	sessionID := uuid.NewString()
	if err := m.store.Create(ctx, sessionID, &Record{UserID: userID, CreatedAt: time.Now()}); err != nil {
		return "", nil, err
	}
	return sessionID, id, nil
}

// SignInExternal opens a session for a user already authenticated by a
// federated identity provider. The user must exist locally.
func (m *Manager) SignInExternal(ctx context.Context, username string) (string, *identity.Identity, error) {
	user, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	return m.openSession(ctx, user.ID)
}

// SignOut destroys a session.
func (m *Manager) SignOut(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

// Oracle returns the Session Oracle view of this manager: credential in,
// fresh identity snapshot out.
func (m *Manager) Oracle() identity.Oracle {
	return identity.OracleFunc(func(ctx context.Context, credential string) (*identity.Identity, error) {
		rec, err := m.store.Get(ctx, credential)
		if err != nil {
			return nil, err
		}
		return m.users.GetIdentity(ctx, rec.UserID)
	})
}
