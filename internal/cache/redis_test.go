package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCache(client)
	c.nowFn = func() time.Time { return testNow }
	return c, mr
}

func testClick(id string, at time.Time, ttl time.Duration) *models.ClickData {
	return &models.ClickData{
		ClickID:     id,
		Timestamp:   at.UnixMilli(),
		AffiliateID: "A1",
		CampaignID:  "C1",
		SessionID:   "S1",
		VisitorID:   "V1",
		ExpiresAt:   at.Add(ttl).UnixMilli(),
		Context:     models.EventContext{IP: "203.0.113.7", UserAgent: "ua"},
	}
}

func TestRedisCache_StoreAndGetClick(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	click := testClick("c1", testNow, time.Hour)
	require.NoError(t, c.StoreClick(ctx, click))

	got, err := c.GetClick(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A1", got.AffiliateID)
	assert.Equal(t, "203.0.113.7", got.Context.IP)

	assert.Equal(t, time.Hour, mr.TTL("click:c1"))
	assert.Equal(t, time.Hour, mr.TTL("visitor:V1:clicks"))
	assert.Equal(t, time.Hour, mr.TTL("session:S1:clicks"))

	missing, err := c.GetClick(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisCache_StoreExpiredClickIsSkipped(t *testing.T) {
	c, mr := newTestRedisCache(t)

	click := testClick("old", testNow.Add(-2*time.Hour), time.Hour)
	require.NoError(t, c.StoreClick(context.Background(), click))
	assert.False(t, mr.Exists("click:old"))
}

func TestRedisCache_VisitorClicksOrderedAndFiltered(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	short := testClick("short", testNow.Add(-time.Minute), 2*time.Minute)
	later := testClick("later", testNow, 24*time.Hour)
	earlier := testClick("earlier", testNow.Add(-30*time.Second), 24*time.Hour)
	for _, cl := range []*models.ClickData{short, later, earlier} {
		require.NoError(t, c.StoreClick(ctx, cl))
	}

	clicks, err := c.GetVisitorClicks(ctx, "V1")
	require.NoError(t, err)
	require.Len(t, clicks, 3)
	assert.Equal(t, []string{"short", "earlier", "later"}, clickIDs(clicks))

	mr.FastForward(2 * time.Minute)

	clicks, err = c.GetSessionClicks(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier", "later"}, clickIDs(clicks))
}

func TestRedisCache_MarkClickConvertedIdempotent(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreClick(ctx, testClick("c1", testNow, time.Hour)))

	marked, err := c.MarkClickConverted(ctx, "c1", "evt-1", "purchase")
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = c.MarkClickConverted(ctx, "c1", "evt-2", "signup")
	require.NoError(t, err)
	assert.False(t, marked)

	got, err := c.GetClick(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Converted)
	assert.Equal(t, "evt-1", got.ConversionID)
	assert.Equal(t, "purchase", got.ConversionType)
	assert.Equal(t, time.Hour, mr.TTL("click:c1"))

	marked, err = c.MarkClickConverted(ctx, "missing", "evt-1", "purchase")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestRedisCache_IsDuplicateClick(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	dup, err := c.IsDuplicateClick(ctx, "A1", "C1", "V1", 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = c.IsDuplicateClick(ctx, "A1", "C1", "V1", 12*time.Hour)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = c.IsDuplicateClick(ctx, "A2", "C1", "V1", 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)

	mr.FastForward(12 * time.Hour)
	dup, err = c.IsDuplicateClick(ctx, "A1", "C1", "V1", 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestRedisCache_CountersSetTTLOnFirstIncrement(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	exceeded, err := c.CheckIPRateLimit(ctx, "203.0.113.7", "A1", 24*time.Hour, 1)
	require.NoError(t, err)
	assert.False(t, exceeded)

	mr.FastForward(time.Hour)

	exceeded, err = c.CheckIPRateLimit(ctx, "203.0.113.7", "A1", 24*time.Hour, 1)
	require.NoError(t, err)
	assert.True(t, exceeded)
	assert.Equal(t, 23*time.Hour, mr.TTL("ratelimit:ip:A1:203.0.113.7"))

	mr.FastForward(23 * time.Hour)
	exceeded, err = c.CheckIPRateLimit(ctx, "203.0.113.7", "A1", 24*time.Hour, 1)
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestRedisCache_VelocityAndFingerprint(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, err := c.CheckConversionVelocity(ctx, "A1", time.Hour, 3)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	exceeded, err := c.CheckConversionVelocity(ctx, "A1", time.Hour, 3)
	require.NoError(t, err)
	assert.True(t, exceeded)

	exceeded, err = c.CheckFingerprintRate(ctx, "fp", "C1", models.EventPurchase, 24*time.Hour, 1)
	require.NoError(t, err)
	assert.False(t, exceeded)
	exceeded, err = c.CheckFingerprintRate(ctx, "fp", "C1", models.EventSignup, 24*time.Hour, 1)
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestRedisCache_DuplicateUser(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	dup, err := c.CheckDuplicateUser(ctx, "C1", "x@y.com")
	require.NoError(t, err)
	assert.False(t, dup)

	claimed, err := c.ClaimUser(ctx, "C1", "X@Y.com ")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, UserMarkerTTL, mr.TTL("converted:C1:x@y.com"))

	claimed, err = c.ClaimUser(ctx, "C1", "x@y.com")
	require.NoError(t, err)
	assert.False(t, claimed)

	dup, err = c.CheckDuplicateUser(ctx, "C1", "x@y.com")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = c.CheckDuplicateUser(ctx, "C2", "x@y.com")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, c.ReleaseUser(ctx, "C1", "x@y.com"))
	dup, err = c.CheckDuplicateUser(ctx, "C1", "x@y.com")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestRedisCache_ReleaseDuplicateClick(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	dup, err := c.IsDuplicateClick(ctx, "A1", "C1", "V1", 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, c.ReleaseDuplicateClick(ctx, "A1", "C1", "V1"))
	assert.Empty(t, mr.Keys())

	dup, err = c.IsDuplicateClick(ctx, "A1", "C1", "V1", 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestRedisCache_IndexTTLIsNeverShortened(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreClick(ctx, testClick("c1", testNow, 7*24*time.Hour)))
	require.NoError(t, c.StoreClick(ctx, testClick("c2", testNow, time.Hour)))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("visitor:V1:clicks"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("session:S1:clicks"))

	later := testNow.Add(2 * time.Hour)
	mr.FastForward(2 * time.Hour)
	c.nowFn = func() time.Time { return later }
	require.NoError(t, c.StoreClick(ctx, testClick("c3", later, 7*24*time.Hour)))

	clicks, err := c.GetVisitorClicks(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, clickIDs(clicks))
}

func clickIDs(clicks []*models.ClickData) []string {
	ids := make([]string, len(clicks))
	for i, c := range clicks {
		ids[i] = c.ClickID
	}
	return ids
}
