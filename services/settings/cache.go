package settings

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "tenant_settings_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "tenant_settings_cache_miss_total"})
)

type cachedTenant struct {
	tenant   Tenant
	loadedAt time.Time
}

// Cache holds tenants by id. Concurrent misses for one tenant share a
// single load.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*cachedTenant
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]*cachedTenant),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *Cache) Get(tenantID string) (Tenant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[tenantID]
	if !ok || (c.ttl > 0 && c.now().Sub(v.loadedAt) > c.ttl) {
		return Tenant{}, false
	}
	return v.tenant, true
}

func (c *Cache) Set(t Tenant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[t.ID] = &cachedTenant{tenant: t, loadedAt: c.now()}
}

func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, tenantID)
	c.group.Forget(tenantID)
}

func (c *Cache) GetOrLoad(ctx context.Context, tenantID string, load func(ctx context.Context) (Tenant, error)) (Tenant, error) {
	if t, ok := c.Get(tenantID); ok {
		cacheHits.Inc()
		return t, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		t, err := load(ctx)
		if err != nil {
			return Tenant{}, err
		}
		c.Set(t)
		return t, nil
	})
	if err != nil {
		return Tenant{}, err
	}
	return v.(Tenant), nil
}
