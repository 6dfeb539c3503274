package models

import (
	"time"
)

// ===========================================
// CLICK
// ===========================================

// ClickData is one recorded affiliate click. It lives in the attribution cache
// until ExpiresAt and is mirrored to the durable store.
type ClickData struct {
	ClickID        string `json:"click_id"`
	Timestamp      int64  `json:"timestamp"` // epoch ms
	AffiliateID    string `json:"affiliate_id"`
	CampaignID     string `json:"campaign_id"`
	OrganizationID string `json:"organization_id"`
	SessionID      string `json:"session_id"`
	VisitorID      string `json:"visitor_id"`

	Context EventContext `json:"context"`

	ExpiresAt int64 `json:"expires_at"` // epoch ms, click time + conversion window

	// Conversion fields are written once; see MarkConverted.
	Converted      bool   `json:"converted"`
	ConversionID   string `json:"conversion_id,omitempty"`
	ConversionType string `json:"conversion_type,omitempty"`
	ConvertedAt    int64  `json:"converted_at,omitempty"`
}

// Time returns the click timestamp as a time.Time.
func (c *ClickData) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// TTL returns the remaining lifetime of the click relative to now.
func (c *ClickData) TTL(now time.Time) time.Duration {
	return time.UnixMilli(c.ExpiresAt).Sub(now)
}

// MarkConverted records the conversion on the click. It reports false and
// leaves the click untouched when the click is already converted.
func (c *ClickData) MarkConverted(conversionID, conversionType string, at time.Time) bool {
	if c.Converted {
		return false
	}
	c.Converted = true
	c.ConversionID = conversionID
	c.ConversionType = conversionType
	c.ConvertedAt = at.UnixMilli()
	return true
}

// Touchpoint returns the attribution projection of the click.
func (c *ClickData) Touchpoint() Touchpoint {
	return Touchpoint{
		ClickID:         c.ClickID,
		AffiliateID:     c.AffiliateID,
		CampaignID:      c.CampaignID,
		Timestamp:       c.Timestamp,
		InteractionType: InteractionClick,
	}
}

// ===========================================
// CONTEXT SNAPSHOT
// ===========================================

// EventContext is the device/page snapshot captured with a click or event.
type EventContext struct {
	URL               string            `json:"url,omitempty"`
	Referrer          string            `json:"referrer,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	IP                string            `json:"ip,omitempty"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	Language          string            `json:"language,omitempty"`
	UTM               UTMParams         `json:"utm,omitempty"`
	Geo               GeoInfo           `json:"geo,omitempty"`
	Device            DeviceInfo        `json:"device,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// UTMParams holds the standard campaign query parameters.
type UTMParams struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

// GeoInfo holds the resolved location of the client IP.
type GeoInfo struct {
	Country string `json:"country,omitempty"` // ISO 3166-1 alpha-2
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// DeviceInfo is derived from the user agent.
type DeviceInfo struct {
	Type    string `json:"type,omitempty"` // phone, tablet, desktop
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
}
