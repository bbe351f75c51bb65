package identity

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_GetUserByUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "username", "email", "system_role", "password_hash", "two_factor_enabled", "is_active"}).
		AddRow("u1", "alice", "alice@example.com", "USER", "deadbeef", false, true)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, email, system_role, password_hash, two_factor_enabled, is_active")).
		WithArgs("alice").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	user, err := store.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, SystemRoleUser, user.SystemRole)
	assert.False(t, user.TwoFactorMode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUserByUsername_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, email, system_role")).
		WithArgs("mallory").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "system_role", "password_hash", "two_factor_enabled", "is_active"}))

	store := NewPostgresStore(db)
	_, err = store.GetUserByUsername(context.Background(), "mallory")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPostgresStore_GetIdentity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, email, system_role")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "system_role"}).
			AddRow("u1", "alice", "alice@example.com", "USER"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_members tm")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "name", "role"}).
			AddRow("acme", "Acme", "ADMIN").
			AddRow("globex", "Globex", "MEMBER"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_user_apps tua")).
		WithArgs("acme", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"app_id"}).AddRow("billing").AddRow("crm"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_user_apps tua")).
		WithArgs("globex", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"app_id"}).AddRow("crm"))

	store := NewPostgresStore(db)
	id, err := store.GetIdentity(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "alice", id.Username)
	require.Len(t, id.Memberships, 2)
	assert.Equal(t, TenantRoleAdmin, id.Memberships[0].Role)
	assert.Equal(t, []string{"billing", "crm"}, id.Memberships[0].Apps)
	assert.Equal(t, []string{"crm"}, id.Memberships[1].Apps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetIdentity_NoMemberships(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, email, system_role")).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "system_role"}).
			AddRow("u2", "bob", "bob@example.com", "USER"))

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_members tm")).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "name", "role"}))

	store := NewPostgresStore(db)
	id, err := store.GetIdentity(context.Background(), "u2")
	require.NoError(t, err)
	assert.Empty(t, id.Memberships)
}
