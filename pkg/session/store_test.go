package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/identity"
)

func setupStoreTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStoreWithClient(client), mr
}

func TestStore_CreateAndGet(t *testing.T) {
	store, _ := setupStoreTest(t)
	ctx := context.Background()

	rec := &Record{UserID: "u1", CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, "sid-1", rec))

	got, err := store.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestStore_Get_Missing(t *testing.T) {
	store, _ := setupStoreTest(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestStore_Get_Expired(t *testing.T) {
	store, mr := setupStoreTest(t)
	ctx := context.Background()

	store.SetTTL(time.Hour)
	require.NoError(t, store.Create(ctx, "sid-1", &Record{UserID: "u1"}))

	mr.FastForward(2 * time.Hour)

	_, err := store.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestStore_Get_CorruptPayload(t *testing.T) {
	store, mr := setupStoreTest(t)
	ctx := context.Background()

	mr.Set("session:sid-1", "{not json")

	_, err := store.Get(ctx, "sid-1")
	assert.Error(t, err)

	// The corrupt entry is gone; subsequent lookups are clean misses.
	_, err = store.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestStore_Delete(t *testing.T) {
	store, _ := setupStoreTest(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "sid-1", &Record{UserID: "u1"}))
	require.NoError(t, store.Delete(ctx, "sid-1"))

	_, err := store.Get(ctx, "sid-1")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestStore_TempToken_OneShot(t *testing.T) {
	store, _ := setupStoreTest(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTempToken(ctx, "tok-1", "u1"))

	userID, err := store.ConsumeTempToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	_, err = store.ConsumeTempToken(ctx, "tok-1")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestStore_TempToken_Expires(t *testing.T) {
	store, mr := setupStoreTest(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTempToken(ctx, "tok-1", "u1"))

	mr.FastForward(11 * time.Minute)

	_, err := store.ConsumeTempToken(ctx, "tok-1")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}
