package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/orgforest/orgforest/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache is a tenant-partitioned TTL cache. Local caches hold one backing
// instance per tenant domain so no tenant can observe another tenant's
// entries or evict them under capacity pressure. Distributed caches share a
// single backing instance and qualify keys with the tenant domain instead.
//
// Backing instances are created lazily on first use per tenant.
type Cache[T any] struct {
	name string
	cfg  Config

	mu       sync.RWMutex
	backings map[string]*ttlcache.Cache[string, T]
}

// New creates a named cache with the given configuration.
func New[T any](name string, cfg Config) *Cache[T] {
	return &Cache[T]{
		name:     name,
		cfg:      cfg,
		backings: make(map[string]*ttlcache.Cache[string, T]),
	}
}

// Enabled reports whether the cache is active. Callers may skip value
// assembly work when it is not.
func (c *Cache[T]) Enabled() bool {
	return c.cfg.Enabled
}

// Get returns the cached value for key within the tenant partition.
func (c *Cache[T]) Get(ctx context.Context, tenantDomain, key string) (T, bool) {
	var zero T
	if !c.cfg.Enabled {
		return zero, false
	}

	backing := c.backing(tenantDomain)
	item := backing.Get(c.qualify(tenantDomain, key))
	if item == nil {
		telemetry.GetMetrics().CacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", c.name)))
		return zero, false
	}

	telemetry.GetMetrics().CacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", c.name)))
	return item.Value(), true
}

// Set stores the value for key within the tenant partition.
func (c *Cache[T]) Set(_ context.Context, tenantDomain, key string, value T) {
	if !c.cfg.Enabled {
		return
	}
	c.backing(tenantDomain).Set(c.qualify(tenantDomain, key), value, ttlcache.DefaultTTL)
}

// Delete removes the entry for key within the tenant partition. Deleting an
// absent key is a no-op.
func (c *Cache[T]) Delete(_ context.Context, tenantDomain, key string) {
	if !c.cfg.Enabled {
		return
	}
	c.backing(tenantDomain).Delete(c.qualify(tenantDomain, key))
}

// Clear drops every entry in the tenant partition.
func (c *Cache[T]) Clear(tenantDomain string) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.RLock()
	backing, ok := c.backings[c.instanceName(tenantDomain)]
	c.mu.RUnlock()
	if !ok {
		return
	}

	if c.cfg.Distributed {
		// Shared instance: only this tenant's keys go. Deleting while
		// ranging would mutate the list under the iterator, so collect
		// first.
		prefix := tenantDomain + "/"
		var doomed []string
		backing.Range(func(item *ttlcache.Item[string, T]) bool {
			if strings.HasPrefix(item.Key(), prefix) {
				doomed = append(doomed, item.Key())
			}
			return true
		})
		for _, key := range doomed {
			backing.Delete(key)
		}
		return
	}
	backing.DeleteAll()
}

// DeleteEverywhere removes the entry for key from every live partition. Used
// when the owning tenant partition cannot be determined and staleness is not
// an option.
func (c *Cache[T]) DeleteEverywhere(_ context.Context, key string) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.RLock()
	backings := make([]*ttlcache.Cache[string, T], 0, len(c.backings))
	for _, backing := range c.backings {
		backings = append(backings, backing)
	}
	c.mu.RUnlock()

	suffix := "/" + key
	for _, backing := range backings {
		if c.cfg.Distributed {
			var doomed []string
			backing.Range(func(item *ttlcache.Item[string, T]) bool {
				if strings.HasSuffix(item.Key(), suffix) {
					doomed = append(doomed, item.Key())
				}
				return true
			})
			for _, qualified := range doomed {
				backing.Delete(qualified)
			}
			continue
		}
		backing.Delete(key)
	}
}

// Stop shuts down every backing instance and its expiration goroutine.
func (c *Cache[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, backing := range c.backings {
		backing.Stop()
		delete(c.backings, name)
	}
}

// instanceName derives the backing instance name. Distributed caches share
// one instance across tenants.
func (c *Cache[T]) instanceName(tenantDomain string) string {
	if c.cfg.Distributed {
		return c.name
	}
	return c.name + ":" + tenantDomain
}

// qualify prefixes keys with the tenant domain on shared instances.
func (c *Cache[T]) qualify(tenantDomain, key string) string {
	if c.cfg.Distributed {
		return tenantDomain + "/" + key
	}
	return key
}

// backing returns the live backing instance for the tenant, creating it on
// first use. Creation is double-checked so concurrent readers stay on the
// read lock.
func (c *Cache[T]) backing(tenantDomain string) *ttlcache.Cache[string, T] {
	name := c.instanceName(tenantDomain)

	c.mu.RLock()
	backing, ok := c.backings[name]
	c.mu.RUnlock()
	if ok {
		return backing
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if backing, ok = c.backings[name]; ok {
		return backing
	}

	// Non-positive timeout means entries never expire; non-positive
	// capacity means unbounded.
	ttl := ttlcache.NoTTL
	if c.cfg.TimeoutSeconds > 0 {
		ttl = time.Duration(c.cfg.TimeoutSeconds) * time.Second
	}
	opts := []ttlcache.Option[string, T]{
		ttlcache.WithTTL[string, T](ttl),
		ttlcache.WithDisableTouchOnHit[string, T](),
	}
	if c.cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, T](uint64(c.cfg.Capacity)))
	}

	backing = ttlcache.New(opts...)
	backing.OnEviction(func(ctx context.Context, _ ttlcache.EvictionReason, _ *ttlcache.Item[string, T]) {
		telemetry.GetMetrics().CacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", c.name)))
	})
	if ttl != ttlcache.NoTTL {
		go backing.Start()
	}

	c.backings[name] = backing
	telemetry.GetMetrics().CacheInstances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache", c.name)))

	log.Debug().
		Str("cache", c.name).
		Str("instance", name).
		Msg("Created cache instance")

	return backing
}
