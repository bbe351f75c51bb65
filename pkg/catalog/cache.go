package catalog

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tenantgate/tenantgate/pkg/entitlement"
)

// CachedCatalog caches the assignable-resource lists of an underlying
// catalog. Only Assignable is cached: it is scope-static between
// application deployments, while memberships must stay fresh for the
// reconciliation baseline to be trustworthy.
type CachedCatalog struct {
	entitlement.Catalog
	cache *lru.LRU[string, []entitlement.ResourceKey]
}

// NewCachedCatalog wraps a catalog with an expiring LRU over its
// assignable lists.
func NewCachedCatalog(inner entitlement.Catalog, maxEntries int, ttl time.Duration) *CachedCatalog {
	if maxEntries < 16 {
		maxEntries = 16
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		Catalog: inner,
		cache:   lru.NewLRU[string, []entitlement.ResourceKey](maxEntries, nil, ttl),
	}
}

// Assignable implements entitlement.Catalog with caching by tenant scope.
func (c *CachedCatalog) Assignable(ctx context.Context, subject entitlement.Subject) ([]entitlement.ResourceKey, error) {
	key := subject.TenantID
	if keys, ok := c.cache.Get(key); ok {
		return keys, nil
	}

	keys, err := c.Catalog.Assignable(ctx, subject)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, keys)
	return keys, nil
}

// Invalidate drops the cached assignable list for a tenant, used after a
// resource sync.
func (c *CachedCatalog) Invalidate(tenantID string) {
	c.cache.Remove(tenantID)
}
