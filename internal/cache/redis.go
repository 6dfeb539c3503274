package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/redis/go-redis/v9"
)

// incrWindow increments KEYS[1] and sets its expiry only on the first
// increment, so the window starts at the first hit.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// storeClick writes KEYS[1] and adds ARGV[3] to every index set in
// KEYS[2:]. An index TTL is only ever extended, so a short-lived click never
// expires the index under an older, longer-lived one.
var storeClick = redis.NewScript(`
local ttl = tonumber(ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
for i = 2, #KEYS do
  redis.call("SADD", KEYS[i], ARGV[3])
  if redis.call("PTTL", KEYS[i]) < ttl then
    redis.call("PEXPIRE", KEYS[i], ARGV[2])
  end
end
return 1
`)

const markRetries = 3

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client redis.UniversalClient
	nowFn  func() time.Time
}

// NewRedisCache creates a Redis-backed attribution cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, nowFn: time.Now}
}

// StoreClick writes the click and both index sets in one script call.
func (c *RedisCache) StoreClick(ctx context.Context, click *models.ClickData) error {
	ttl := click.TTL(c.nowFn())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(click)
	if err != nil {
		return fmt.Errorf("marshal click: %w", err)
	}

	keys := []string{clickKey(click.ClickID)}
	if click.VisitorID != "" {
		keys = append(keys, visitorKey(click.VisitorID))
	}
	if click.SessionID != "" {
		keys = append(keys, sessionKey(click.SessionID))
	}

	if err := storeClick.Run(ctx, c.client, keys, data, ttl.Milliseconds(), click.ClickID).Err(); err != nil {
		return fmt.Errorf("store click %s: %w", click.ClickID, err)
	}
	return nil
}

// GetClick retrieves a click by id.
func (c *RedisCache) GetClick(ctx context.Context, clickID string) (*models.ClickData, error) {
	data, err := c.client.Get(ctx, clickKey(clickID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get click %s: %w", clickID, err)
	}

	var click models.ClickData
	if err := json.Unmarshal(data, &click); err != nil {
		return nil, fmt.Errorf("unmarshal click %s: %w", clickID, err)
	}
	return &click, nil
}

func (c *RedisCache) GetVisitorClicks(ctx context.Context, visitorID string) ([]*models.ClickData, error) {
	if visitorID == "" {
		return nil, nil
	}
	return c.indexedClicks(ctx, visitorKey(visitorID))
}

func (c *RedisCache) GetSessionClicks(ctx context.Context, sessionID string) ([]*models.ClickData, error) {
	if sessionID == "" {
		return nil, nil
	}
	return c.indexedClicks(ctx, sessionKey(sessionID))
}

func (c *RedisCache) indexedClicks(ctx context.Context, setKey string) ([]*models.ClickData, error) {
	ids, err := c.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = clickKey(id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read clicks for %s: %w", setKey, err)
	}

	clicks := make([]*models.ClickData, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired member
			continue
		}
		var click models.ClickData
		if err := json.Unmarshal([]byte(s), &click); err != nil {
			return nil, fmt.Errorf("unmarshal click: %w", err)
		}
		clicks = append(clicks, &click)
	}

	sortClicks(clicks)
	return clicks, nil
}

// MarkClickConverted updates the click under WATCH so a concurrent writer
// cannot interleave. The remaining TTL is preserved.
func (c *RedisCache) MarkClickConverted(ctx context.Context, clickID, conversionID, conversionType string) (bool, error) {
	key := clickKey(clickID)

	for i := 0; i < markRetries; i++ {
		marked := false
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}

			var click models.ClickData
			if err := json.Unmarshal(data, &click); err != nil {
				return err
			}
			if !click.MarkConverted(conversionID, conversionType, c.nowFn()) {
				return nil
			}

			updated, err := json.Marshal(&click)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
				return nil
			})
			if err == nil {
				marked = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("mark click %s converted: %w", clickID, err)
		}
		return marked, nil
	}

	return false, fmt.Errorf("mark click %s converted: %w", clickID, redis.TxFailedErr)
}

// IsDuplicateClick is a single SET NX.
func (c *RedisCache) IsDuplicateClick(ctx context.Context, affiliateID, campaignID, visitorID string, window time.Duration) (bool, error) {
	set, err := c.client.SetNX(ctx, dedupKey(affiliateID, campaignID, visitorID), c.nowFn().UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return !set, nil
}

func (c *RedisCache) ReleaseDuplicateClick(ctx context.Context, affiliateID, campaignID, visitorID string) error {
	if err := c.client.Del(ctx, dedupKey(affiliateID, campaignID, visitorID)).Err(); err != nil {
		return fmt.Errorf("release dedup marker: %w", err)
	}
	return nil
}

func (c *RedisCache) CheckIPRateLimit(ctx context.Context, ip, affiliateID string, window time.Duration, limit int64) (bool, error) {
	return c.exceeds(ctx, ipKey(ip, affiliateID), window, limit)
}

func (c *RedisCache) CheckConversionVelocity(ctx context.Context, affiliateID string, window time.Duration, limit int64) (bool, error) {
	return c.exceeds(ctx, velocityKey(affiliateID), window, limit)
}

func (c *RedisCache) CheckFingerprintRate(ctx context.Context, fingerprint, campaignID string, eventType models.EventType, window time.Duration, limit int64) (bool, error) {
	return c.exceeds(ctx, fingerprintKey(fingerprint, campaignID, eventType), window, limit)
}

func (c *RedisCache) exceeds(ctx context.Context, key string, window time.Duration, limit int64) (bool, error) {
	n, err := incrWindow.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("increment %s: %w", key, err)
	}
	return n > limit, nil
}

func (c *RedisCache) CheckDuplicateUser(ctx context.Context, campaignID, identity string) (bool, error) {
	n, err := c.client.Exists(ctx, userKey(campaignID, identity)).Result()
	if err != nil {
		return false, fmt.Errorf("duplicate user check: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) ClaimUser(ctx context.Context, campaignID, identity string) (bool, error) {
	set, err := c.client.SetNX(ctx, userKey(campaignID, identity), c.nowFn().UnixMilli(), UserMarkerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim user: %w", err)
	}
	return set, nil
}

func (c *RedisCache) ReleaseUser(ctx context.Context, campaignID, identity string) error {
	if err := c.client.Del(ctx, userKey(campaignID, identity)).Err(); err != nil {
		return fmt.Errorf("release user: %w", err)
	}
	return nil
}
