package geo

import (
	"sync"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// Resolver wraps a Provider with a bounded TTL cache.
type Resolver struct {
	provider Provider
	cache    *geoCache
	metrics  *metrics.Metrics
}

type geoCache struct {
	mu      sync.RWMutex
	data    map[string]*geoCacheEntry
	maxSize int
	ttl     time.Duration
	nowFn   func() time.Time
}

type geoCacheEntry struct {
	info      *models.GeoInfo
	expiresAt time.Time
}

// NewResolver creates a caching resolver. A nil provider resolves nothing.
func NewResolver(provider Provider, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Resolver{
		provider: provider,
		cache: &geoCache{
			data:    make(map[string]*geoCacheEntry),
			maxSize: cacheSize,
			ttl:     cacheTTL,
			nowFn:   time.Now,
		},
		metrics: m,
	}
}

// Lookup returns the location of ip or nil. Lookup failures resolve to nil;
// negative results are cached too.
func (r *Resolver) Lookup(ip string) *models.GeoInfo {
	if ip == "" || r.provider == nil {
		return nil
	}

	start := time.Now()
	if info, ok := r.cache.get(ip); ok {
		if r.metrics != nil {
			r.metrics.RecordGeoLookup(true, time.Since(start))
		}
		return info
	}

	info, err := r.provider.Lookup(ip)
	if err != nil {
		return nil
	}

	r.cache.set(ip, info)
	if r.metrics != nil {
		r.metrics.RecordGeoLookup(false, time.Since(start))
	}
	return info
}

// Close closes the underlying provider.
func (r *Resolver) Close() error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Close()
}

func (c *geoCache) get(ip string) (*models.GeoInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok || c.nowFn().After(entry.expiresAt) {
		return nil, false
	}
	return entry.info, true
}

func (c *geoCache) set(ip string, info *models.GeoInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict an arbitrary entry at capacity.
	if _, exists := c.data[ip]; !exists && len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	c.data[ip] = &geoCacheEntry{
		info:      info,
		expiresAt: c.nowFn().Add(c.ttl),
	}
}
