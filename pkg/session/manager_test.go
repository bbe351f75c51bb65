package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/identity"
)

// memoryUsers is an identity.Store over fixed fixtures.
type memoryUsers struct {
	users map[string]*identity.User // by username
	ids   map[string]*identity.Identity
}

func (s *memoryUsers) GetUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", identity.ErrUnauthenticated)
	}
	return u, nil
}

func (s *memoryUsers) GetIdentity(ctx context.Context, userID string) (*identity.Identity, error) {
	id, ok := s.ids[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", identity.ErrUnauthenticated)
	}
	return id, nil
}

func hashPassword(p string) string {
	h := sha256.Sum256([]byte(p))
	return hex.EncodeToString(h[:])
}

func setupManagerTest(t *testing.T, twoFactor bool) *Manager {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	users := &memoryUsers{
		users: map[string]*identity.User{
			"alice": {
				ID:            "u1",
				Username:      "alice",
				PasswordHash:  hashPassword("s3cret"),
				TwoFactorMode: twoFactor,
				IsActive:      true,
			},
		},
		ids: map[string]*identity.Identity{
			"u1": {UserID: "u1", Username: "alice", SystemRole: identity.SystemRoleUser},
		},
	}

	return NewManager(users, NewStoreWithClient(client))
}

func TestManager_VerifyCredentials(t *testing.T) {
	m := setupManagerTest(t, false)
	ctx := context.Background()

	sessionID, id, err := m.VerifyCredentials(ctx, "alice", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "u1", id.UserID)

	// The session resolves through the oracle.
	resolved, err := m.Oracle().CurrentIdentity(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", resolved.Username)
}

func TestManager_VerifyCredentials_BadPassword(t *testing.T) {
	m := setupManagerTest(t, false)

	_, _, err := m.VerifyCredentials(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestManager_VerifyCredentials_UnknownUser(t *testing.T) {
	m := setupManagerTest(t, false)

	_, _, err := m.VerifyCredentials(context.Background(), "mallory", "s3cret")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestManager_VerifyCredentials_SecondFactorDeferred(t *testing.T) {
	m := setupManagerTest(t, true)
	ctx := context.Background()

	sessionID, id, err := m.VerifyCredentials(ctx, "alice", "s3cret")
	require.Error(t, err)
	assert.Empty(t, sessionID, "no session may open before the challenge completes")
	assert.Nil(t, id)

	var sfe *identity.SecondFactorError
	require.ErrorAs(t, err, &sfe)
	assert.NotEmpty(t, sfe.TempToken)
}

func TestManager_CompleteSecondFactor(t *testing.T) {
	m := setupManagerTest(t, true)
	ctx := context.Background()

	_, _, err := m.VerifyCredentials(ctx, "alice", "s3cret")
	var sfe *identity.SecondFactorError
	require.ErrorAs(t, err, &sfe)

	sessionID, id, err := m.CompleteSecondFactor(ctx, sfe.TempToken, "000000")
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, "u1", id.UserID)

	// The temp token is one shot.
	_, _, err = m.CompleteSecondFactor(ctx, sfe.TempToken, "000000")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestManager_CompleteSecondFactor_RejectedCode(t *testing.T) {
	m := setupManagerTest(t, true)
	m.VerifyCode = func(ctx context.Context, userID, code string) error {
		if code != "424242" {
			return errors.New("bad code")
		}
		return nil
	}
	ctx := context.Background()

	_, _, err := m.VerifyCredentials(ctx, "alice", "s3cret")
	var sfe *identity.SecondFactorError
	require.ErrorAs(t, err, &sfe)

	_, _, err = m.CompleteSecondFactor(ctx, sfe.TempToken, "111111")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestManager_SignInExternal(t *testing.T) {
	m := setupManagerTest(t, false)
	ctx := context.Background()

	sessionID, id, err := m.SignInExternal(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, "u1", id.UserID)

	_, _, err = m.SignInExternal(ctx, "stranger")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestManager_SignOut(t *testing.T) {
	m := setupManagerTest(t, false)
	ctx := context.Background()

	sessionID, _, err := m.VerifyCredentials(ctx, "alice", "s3cret")
	require.NoError(t, err)

	require.NoError(t, m.SignOut(ctx, sessionID))

	_, err = m.Oracle().CurrentIdentity(ctx, sessionID)
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}
