// Package cache holds live click data, per-visitor and per-session click
// indexes, and the atomic counters and markers used for deduplication and
// fraud rate limits.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// Cache is the attribution cache. Every dedup, rate-limit and identity
// marker operation is a single atomic store operation.
type Cache interface {
	// StoreClick writes the click with a TTL equal to its remaining lifetime
	// and indexes it under its visitor and session.
	StoreClick(ctx context.Context, click *models.ClickData) error

	// GetClick returns nil, nil when the click is not cached.
	GetClick(ctx context.Context, clickID string) (*models.ClickData, error)

	// GetVisitorClicks and GetSessionClicks return live clicks ordered by
	// timestamp ascending. Expired index members are skipped.
	GetVisitorClicks(ctx context.Context, visitorID string) ([]*models.ClickData, error)
	GetSessionClicks(ctx context.Context, sessionID string) ([]*models.ClickData, error)

	// MarkClickConverted reports whether the click was changed. It is a no-op
	// when the click is gone from the cache or already converted.
	MarkClickConverted(ctx context.Context, clickID, conversionID, conversionType string) (bool, error)

	// IsDuplicateClick reports true when an identical click was seen within
	// window. Otherwise it records this click and reports false.
	IsDuplicateClick(ctx context.Context, affiliateID, campaignID, visitorID string, window time.Duration) (bool, error)
	// ReleaseDuplicateClick drops the marker set by IsDuplicateClick so a
	// click whose store write failed can be retried.
	ReleaseDuplicateClick(ctx context.Context, affiliateID, campaignID, visitorID string) error

	// The Check* counters increment a windowed counter and report whether the
	// new count exceeds limit.
	CheckIPRateLimit(ctx context.Context, ip, affiliateID string, window time.Duration, limit int64) (bool, error)
	CheckConversionVelocity(ctx context.Context, affiliateID string, window time.Duration, limit int64) (bool, error)
	CheckFingerprintRate(ctx context.Context, fingerprint, campaignID string, eventType models.EventType, window time.Duration, limit int64) (bool, error)

	// CheckDuplicateUser reports whether identity already converted on the campaign.
	CheckDuplicateUser(ctx context.Context, campaignID, identity string) (bool, error)
	// ClaimUser sets the identity marker if it is absent and reports whether
	// this call set it. ReleaseUser removes a claim that was not persisted.
	ClaimUser(ctx context.Context, campaignID, identity string) (bool, error)
	ReleaseUser(ctx context.Context, campaignID, identity string) error
}

// UserMarkerTTL is how long a converted identity blocks repeat conversions.
const UserMarkerTTL = 365 * 24 * time.Hour

// ===========================================
// KEYS
// ===========================================

func clickKey(id string) string          { return "click:" + id }
func visitorKey(visitorID string) string { return "visitor:" + visitorID + ":clicks" }
func sessionKey(sessionID string) string { return "session:" + sessionID + ":clicks" }

func dedupKey(affiliateID, campaignID, visitorID string) string {
	return fmt.Sprintf("dedup:click:%s:%s:%s", affiliateID, campaignID, visitorID)
}

func ipKey(ip, affiliateID string) string {
	return fmt.Sprintf("ratelimit:ip:%s:%s", affiliateID, ip)
}

func velocityKey(affiliateID string) string {
	return "ratelimit:velocity:" + affiliateID
}

func fingerprintKey(fingerprint, campaignID string, eventType models.EventType) string {
	return fmt.Sprintf("ratelimit:fingerprint:%s:%s:%s", campaignID, eventType, fingerprint)
}

func userKey(campaignID, identity string) string {
	return fmt.Sprintf("converted:%s:%s", campaignID, strings.ToLower(strings.TrimSpace(identity)))
}

// sortClicks orders clicks by timestamp, then click id.
func sortClicks(clicks []*models.ClickData) {
	sort.SliceStable(clicks, func(i, j int) bool {
		if clicks[i].Timestamp != clicks[j].Timestamp {
			return clicks[i].Timestamp < clicks[j].Timestamp
		}
		return clicks[i].ClickID < clicks[j].ClickID
	})
}
