package cache

import (
	"context"
	"sync"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
)

type memEntry struct {
	click     models.ClickData
	expiresAt time.Time
}

type memCounter struct {
	n         int64
	expiresAt time.Time
}

// MemoryCache implements Cache in process memory. It is used by tests and
// single-node development runs without Redis.
type MemoryCache struct {
	mu       sync.Mutex
	clicks   map[string]*memEntry
	index    map[string]map[string]struct{}
	markers  map[string]time.Time
	counters map[string]*memCounter
	nowFn    func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		clicks:   make(map[string]*memEntry),
		index:    make(map[string]map[string]struct{}),
		markers:  make(map[string]time.Time),
		counters: make(map[string]*memCounter),
		nowFn:    time.Now,
	}
}

// WithClock replaces the cache clock.
func (c *MemoryCache) WithClock(nowFn func() time.Time) *MemoryCache {
	c.nowFn = nowFn
	return c
}

func (c *MemoryCache) StoreClick(_ context.Context, click *models.ClickData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	ttl := click.TTL(now)
	if ttl <= 0 {
		return nil
	}

	c.clicks[click.ClickID] = &memEntry{click: *click, expiresAt: now.Add(ttl)}
	if click.VisitorID != "" {
		c.addIndex(visitorKey(click.VisitorID), click.ClickID)
	}
	if click.SessionID != "" {
		c.addIndex(sessionKey(click.SessionID), click.ClickID)
	}
	return nil
}

func (c *MemoryCache) addIndex(key, clickID string) {
	set, ok := c.index[key]
	if !ok {
		set = make(map[string]struct{})
		c.index[key] = set
	}
	set[clickID] = struct{}{}
}

func (c *MemoryCache) GetClick(_ context.Context, clickID string) (*models.ClickData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.live(clickID)
	if e == nil {
		return nil, nil
	}
	click := e.click
	return &click, nil
}

// live returns the entry if it has not expired. Caller holds mu.
func (c *MemoryCache) live(clickID string) *memEntry {
	e, ok := c.clicks[clickID]
	if !ok {
		return nil
	}
	if !c.nowFn().Before(e.expiresAt) {
		delete(c.clicks, clickID)
		return nil
	}
	return e
}

func (c *MemoryCache) GetVisitorClicks(_ context.Context, visitorID string) ([]*models.ClickData, error) {
	return c.indexedClicks(visitorKey(visitorID)), nil
}

func (c *MemoryCache) GetSessionClicks(_ context.Context, sessionID string) ([]*models.ClickData, error) {
	return c.indexedClicks(sessionKey(sessionID)), nil
}

func (c *MemoryCache) indexedClicks(key string) []*models.ClickData {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.index[key]
	clicks := make([]*models.ClickData, 0, len(set))
	for id := range set {
		e := c.live(id)
		if e == nil {
			delete(set, id)
			continue
		}
		click := e.click
		clicks = append(clicks, &click)
	}
	sortClicks(clicks)
	return clicks
}

func (c *MemoryCache) MarkClickConverted(_ context.Context, clickID, conversionID, conversionType string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.live(clickID)
	if e == nil {
		return false, nil
	}
	return e.click.MarkConverted(conversionID, conversionType, c.nowFn()), nil
}

func (c *MemoryCache) IsDuplicateClick(_ context.Context, affiliateID, campaignID, visitorID string, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dedupKey(affiliateID, campaignID, visitorID)
	now := c.nowFn()
	if exp, ok := c.markers[key]; ok && now.Before(exp) {
		return true, nil
	}
	c.markers[key] = now.Add(window)
	return false, nil
}

func (c *MemoryCache) ReleaseDuplicateClick(_ context.Context, affiliateID, campaignID, visitorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.markers, dedupKey(affiliateID, campaignID, visitorID))
	return nil
}

func (c *MemoryCache) CheckIPRateLimit(_ context.Context, ip, affiliateID string, window time.Duration, limit int64) (bool, error) {
	return c.exceeds(ipKey(ip, affiliateID), window, limit), nil
}

func (c *MemoryCache) CheckConversionVelocity(_ context.Context, affiliateID string, window time.Duration, limit int64) (bool, error) {
	return c.exceeds(velocityKey(affiliateID), window, limit), nil
}

func (c *MemoryCache) CheckFingerprintRate(_ context.Context, fingerprint, campaignID string, eventType models.EventType, window time.Duration, limit int64) (bool, error) {
	return c.exceeds(fingerprintKey(fingerprint, campaignID, eventType), window, limit), nil
}

func (c *MemoryCache) exceeds(key string, window time.Duration, limit int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	ctr, ok := c.counters[key]
	if !ok || !now.Before(ctr.expiresAt) {
		ctr = &memCounter{expiresAt: now.Add(window)}
		c.counters[key] = ctr
	}
	ctr.n++
	return ctr.n > limit
}

func (c *MemoryCache) CheckDuplicateUser(_ context.Context, campaignID, identity string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.markers[userKey(campaignID, identity)]
	return ok && c.nowFn().Before(exp), nil
}

func (c *MemoryCache) ClaimUser(_ context.Context, campaignID, identity string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := userKey(campaignID, identity)
	now := c.nowFn()
	if exp, ok := c.markers[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.markers[key] = now.Add(UserMarkerTTL)
	return true, nil
}

func (c *MemoryCache) ReleaseUser(_ context.Context, campaignID, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.markers, userKey(campaignID, identity))
	return nil
}
