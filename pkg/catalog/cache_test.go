package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/entitlement"
)

// countingCatalog counts Assignable calls so tests can observe cache
// hits and misses.
type countingCatalog struct {
	entitlement.Catalog
	calls int
	keys  []entitlement.ResourceKey
}

func (c *countingCatalog) Assignable(ctx context.Context, subject entitlement.Subject) ([]entitlement.ResourceKey, error) {
	c.calls++
	return c.keys, nil
}

func TestCachedCatalog_Assignable(t *testing.T) {
	inner := &countingCatalog{keys: []entitlement.ResourceKey{
		{AppID: "crm", Resource: "contacts", Action: "read"},
	}}
	cached := NewCachedCatalog(inner, 16, time.Minute)
	subject := entitlement.Subject{TenantID: "acme"}

	keys, err := cached.Assignable(context.Background(), subject)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, 1, inner.calls)

	// Second read for the same tenant is served from cache.
	_, err = cached.Assignable(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	// A different tenant misses.
	_, err = cached.Assignable(context.Background(), entitlement.Subject{TenantID: "globex"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedCatalog_Invalidate(t *testing.T) {
	inner := &countingCatalog{}
	cached := NewCachedCatalog(inner, 16, time.Minute)
	subject := entitlement.Subject{TenantID: "acme"}

	_, err := cached.Assignable(context.Background(), subject)
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	cached.Invalidate("acme")

	_, err = cached.Assignable(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
