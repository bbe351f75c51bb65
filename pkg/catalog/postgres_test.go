package catalog

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/entitlement"
)

func TestRolePermissionCatalog_Assignable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM app_resources ar")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"app_id", "resource", "action"}).
			AddRow("crm", "contacts", "read").
			AddRow("crm", "contacts", "write"))

	cat := NewRolePermissionCatalog(db)
	keys, err := cat.Assignable(context.Background(), entitlement.Subject{RoleID: "r1", TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, entitlement.ResourceKey{AppID: "crm", Resource: "contacts", Action: "read"}, keys[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolePermissionCatalog_Memberships(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM role_permissions rp")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "app_id", "resource", "action"}).
			AddRow("rp-1", "crm", "contacts", "read"))

	cat := NewRolePermissionCatalog(db)
	members, err := cat.Memberships(context.Background(), entitlement.Subject{RoleID: "r1"})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "rp-1", members[0].ID)
	assert.Equal(t, "contacts", members[0].Key.Resource)
}

func TestRolePermissionCatalog_Grant_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := entitlement.ResourceKey{AppID: "crm", Resource: "contacts", Action: "read"}

	// Conflict: zero rows affected, but the application exists, so the
	// grant is a safe no-op.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO role_permissions")).
		WithArgs("r1", "crm", "contacts", "read").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("crm").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	cat := NewRolePermissionCatalog(db)
	err = cat.Grant(context.Background(), entitlement.Subject{RoleID: "r1"}, key)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolePermissionCatalog_Grant_UnknownApp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO role_permissions")).
		WithArgs("r1", "ghost", "contacts", "read").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	cat := NewRolePermissionCatalog(db)
	err = cat.Grant(context.Background(), entitlement.Subject{RoleID: "r1"},
		entitlement.ResourceKey{AppID: "ghost", Resource: "contacts", Action: "read"})
	assert.Error(t, err)
}

func TestRolePermissionCatalog_Revoke_ByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM role_permissions WHERE id = $1 AND role_id = $2")).
		WithArgs("rp-1", "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cat := NewRolePermissionCatalog(db)
	err = cat.Revoke(context.Background(), entitlement.Subject{RoleID: "r1"},
		entitlement.ResourceKey{AppID: "crm", Resource: "contacts", Action: "read"}, "rp-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserAccessCatalog_Assignable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("JOIN tenant_applications ta")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"app_id"}).AddRow("billing").AddRow("crm"))

	cat := NewUserAccessCatalog(db)
	keys, err := cat.Assignable(context.Background(), entitlement.Subject{TenantID: "acme", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, entitlement.ResourceKey{AppID: "billing", Resource: "application", Action: "access"}, keys[0])
}

func TestUserAccessCatalog_GrantAndRevoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	subject := entitlement.Subject{TenantID: "acme", UserID: "u1"}
	key := entitlement.ResourceKey{AppID: "crm", Resource: "application", Action: "access"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenant_user_apps")).
		WithArgs("acme", "u1", "crm").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM tenant_user_apps WHERE id = $1")).
		WithArgs("tua-1", "acme", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cat := NewUserAccessCatalog(db)
	require.NoError(t, cat.Grant(context.Background(), subject, key))
	require.NoError(t, cat.Revoke(context.Background(), subject, key, "tua-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleStore_GetRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM roles WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "is_system"}).
			AddRow("r1", "acme", "Admin", true))

	store := NewRoleStore(db)
	role, err := store.GetRole(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Admin", role.Name)
	assert.True(t, role.System)
}

func TestRoleStore_GetRole_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM roles WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "is_system"}))

	store := NewRoleStore(db)
	_, err = store.GetRole(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestRoleStore_ListRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM roles WHERE tenant_id = $1")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "is_system"}).
			AddRow("r1", "acme", "Admin", true).
			AddRow("r2", "acme", "Support", false))

	store := NewRoleStore(db)
	roles, err := store.ListRoles(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "Support", roles[1].Name)
}
