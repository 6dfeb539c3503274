package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_ExpiryFollowsClock(t *testing.T) {
	now := testNow
	c := NewMemoryCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.StoreClick(ctx, testClick("c1", now, time.Hour)))
	require.NoError(t, c.StoreClick(ctx, testClick("c2", now.Add(time.Second), 2*time.Hour)))

	clicks, err := c.GetVisitorClicks(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, clickIDs(clicks))

	now = now.Add(time.Hour)
	clicks, err = c.GetVisitorClicks(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, clickIDs(clicks))

	got, err := c.GetClick(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCache_MarkConvertedAndMarkers(t *testing.T) {
	now := testNow
	c := NewMemoryCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.StoreClick(ctx, testClick("c1", now, time.Hour)))

	ok, err := c.MarkClickConverted(ctx, "c1", "e1", "purchase")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.MarkClickConverted(ctx, "c1", "e2", "purchase")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := c.GetClick(ctx, "c1")
	assert.Equal(t, "e1", got.ConversionID)

	dup, _ := c.IsDuplicateClick(ctx, "A1", "C1", "V1", time.Minute)
	assert.False(t, dup)
	dup, _ = c.IsDuplicateClick(ctx, "A1", "C1", "V1", time.Minute)
	assert.True(t, dup)
	require.NoError(t, c.ReleaseDuplicateClick(ctx, "A1", "C1", "V1"))
	dup, _ = c.IsDuplicateClick(ctx, "A1", "C1", "V1", time.Minute)
	assert.False(t, dup)
	now = now.Add(time.Minute)
	dup, _ = c.IsDuplicateClick(ctx, "A1", "C1", "V1", time.Minute)
	assert.False(t, dup)

	claimed, _ := c.ClaimUser(ctx, "C1", "email:x@y.com")
	assert.True(t, claimed)
	claimed, _ = c.ClaimUser(ctx, "C1", "email:x@y.com")
	assert.False(t, claimed)
	require.NoError(t, c.ReleaseUser(ctx, "C1", "email:x@y.com"))
	claimed, _ = c.ClaimUser(ctx, "C1", "email:x@y.com")
	assert.True(t, claimed)

	exceeded, _ := c.CheckConversionVelocity(ctx, "A1", time.Hour, 1)
	assert.False(t, exceeded)
	exceeded, _ = c.CheckConversionVelocity(ctx, "A1", time.Hour, 1)
	assert.True(t, exceeded)
}
