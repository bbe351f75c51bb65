package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/apps"
	"github.com/tenantgate/tenantgate/pkg/catalog"
	"github.com/tenantgate/tenantgate/pkg/entitlement"
	"github.com/tenantgate/tenantgate/pkg/federation"
	"github.com/tenantgate/tenantgate/pkg/grants"
	"github.com/tenantgate/tenantgate/pkg/guard"
	"github.com/tenantgate/tenantgate/pkg/identity"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/session"
)

// memUsers is an in-memory identity.Store over fixed fixtures.
type memUsers struct {
	byName map[string]*identity.User
	byID   map[string]*identity.Identity
}

func (s *memUsers) GetUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	u, ok := s.byName[username]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", identity.ErrUnauthenticated)
	}
	return u, nil
}

func (s *memUsers) GetIdentity(ctx context.Context, userID string) (*identity.Identity, error) {
	id, ok := s.byID[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", identity.ErrUnauthenticated)
	}
	return id, nil
}

// memGrantStore is a map-backed grants.Store.
type memGrantStore struct {
	mu sync.Mutex
	m  map[string]*grants.Grant
}

func (s *memGrantStore) Save(ctx context.Context, g *grants.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[g.Code] = g
	return nil
}

func (s *memGrantStore) Redeem(ctx context.Context, code string) (*grants.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.m[code]
	if !ok {
		return nil, grants.ErrNotFound
	}
	delete(s.m, code)
	return g, nil
}

// memCatalog is an in-memory entitlement.Catalog.
type memCatalog struct {
	mu         sync.Mutex
	assignable []entitlement.ResourceKey
	held       map[entitlement.ResourceKey]string
}

func newMemCatalog(assignable []entitlement.ResourceKey, held ...entitlement.ResourceKey) *memCatalog {
	c := &memCatalog{assignable: assignable, held: make(map[entitlement.ResourceKey]string)}
	for i, k := range held {
		c.held[k] = fmt.Sprintf("m%d", i)
	}
	return c
}

func (c *memCatalog) Assignable(ctx context.Context, subject entitlement.Subject) ([]entitlement.ResourceKey, error) {
	return c.assignable, nil
}

func (c *memCatalog) Memberships(ctx context.Context, subject entitlement.Subject) ([]entitlement.Membership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []entitlement.Membership
	for k, id := range c.held {
		out = append(out, entitlement.Membership{Key: k, ID: id})
	}
	return out, nil
}

func (c *memCatalog) Grant(ctx context.Context, subject entitlement.Subject, key entitlement.ResourceKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[key] = key.AppID + "/" + key.Action
	return nil
}

func (c *memCatalog) Revoke(ctx context.Context, subject entitlement.Subject, key entitlement.ResourceKey, membershipID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	return nil
}

func (c *memCatalog) holds(key entitlement.ResourceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[key]
	return ok
}

// fakeProvider is a canned federation.Provider.
type fakeProvider struct {
	user *federation.ExternalUser
	err  error
}

func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Kind() federation.Kind { return federation.KindOIDC }
func (p *fakeProvider) Validate() error       { return nil }

func (p *fakeProvider) Login(w http.ResponseWriter, r *http.Request, state string) error {
	http.Redirect(w, r, "https://idp.example.com/authorize?state="+url.QueryEscape(state), http.StatusFound)
	return nil
}

func (p *fakeProvider) Callback(r *http.Request) (*federation.ExternalUser, error) {
	return p.user, p.err
}

type testFixture struct {
	server   *Server
	users    *memUsers
	sessions *session.Manager
	store    *session.Store
	grantSvc *grants.Service
	roleMock sqlmock.Sqlmock
	roleCat  *memCatalog
	userCat  *memCatalog
	provider *fakeProvider
}

func sha256hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

const registryYAML = `
applications:
  - app_id: crm
    name: CRM
    url: https://crm.example.com
    redirect_uris: [https://crm.example.com/cb]
    active: true
  - app_id: billing
    name: Billing
    url: https://billing.example.com
    redirect_uris: [https://billing.example.com/cb]
    active: true
`

var (
	permRead  = entitlement.ResourceKey{AppID: "crm", Resource: "contacts", Action: "read"}
	permWrite = entitlement.ResourceKey{AppID: "crm", Resource: "contacts", Action: "write"}
	appCRM    = entitlement.ResourceKey{AppID: "crm", Resource: "application", Action: "access"}
	appBill   = entitlement.ResourceKey{AppID: "billing", Resource: "application", Action: "access"}
)

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	users := &memUsers{
		byName: map[string]*identity.User{
			"alice": {ID: "u1", Username: "alice", PasswordHash: sha256hex("s3cret"), IsActive: true},
			"bob":   {ID: "u2", Username: "bob", PasswordHash: sha256hex("hunter2"), TwoFactorMode: true, IsActive: true},
			"carol": {ID: "u3", Username: "carol", PasswordHash: sha256hex("passw0rd"), IsActive: true},
		},
		byID: map[string]*identity.Identity{
			"u1": {
				UserID: "u1", Username: "alice", SystemRole: identity.SystemRoleUser,
				Memberships: []identity.TenantMembership{
					{TenantID: "acme", TenantName: "Acme", Role: identity.TenantRoleAdmin, Apps: []string{"billing", "crm"}},
					{TenantID: "globex", TenantName: "Globex", Role: identity.TenantRoleMember, Apps: []string{"crm"}},
				},
			},
			"u2": {
				UserID: "u2", Username: "bob", SystemRole: identity.SystemRoleUser,
				Memberships: []identity.TenantMembership{
					{TenantID: "acme", TenantName: "Acme", Role: identity.TenantRoleMember, Apps: []string{"billing"}},
				},
			},
			"u3": {UserID: "u3", Username: "carol", SystemRole: identity.SystemRoleUser},
		},
	}

	store := session.NewStoreWithClient(client)
	manager := session.NewManager(users, store)

	registryPath := filepath.Join(t.TempDir(), "applications.yaml")
	require.NoError(t, os.WriteFile(registryPath, []byte(registryYAML), 0o644))
	registry, err := apps.LoadRegistry(registryPath)
	require.NoError(t, err)

	grantSvc := grants.NewService(&memGrantStore{m: make(map[string]*grants.Grant)}, registry)

	provider := &fakeProvider{}
	auth := NewAuthHandlers(manager, grantSvc, grantSvc, registry,
		map[string]federation.Provider{"fake": provider}, nil, nil, false)

	db, roleMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	roleCat := newMemCatalog([]entitlement.ResourceKey{permRead, permWrite}, permRead)
	userCat := newMemCatalog([]entitlement.ResourceKey{appBill, appCRM}, appBill)
	ent := NewEntitlementHandlers(catalog.NewRoleStore(db),
		entitlement.New(roleCat), entitlement.New(userCat), nil, nil, nil)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	server := NewServer(logger, nil, auth, ent, nil)

	return &testFixture{
		server:   server,
		users:    users,
		sessions: manager,
		store:    store,
		grantSvc: grantSvc,
		roleMock: roleMock,
		roleCat:  roleCat,
		userCat:  userCat,
		provider: provider,
	}
}

// do runs one request through the fully wrapped handler stack.
func (f *testFixture) do(t *testing.T, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "10.0.0.1:51234"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// sessionCookie opens a session for a user directly in the store.
func (f *testFixture) sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()

	sid := "sid-" + userID + "-" + fmt.Sprint(time.Now().UnixNano())
	require.NoError(t, f.store.Create(context.Background(), sid, &session.Record{UserID: userID, CreatedAt: time.Now()}))
	return &http.Cookie{Name: guard.SessionCookieName, Value: sid}
}
