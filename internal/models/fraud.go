package models

// ===========================================
// FRAUD CONFIGURATION
// ===========================================

// IPRestrictionMode controls how often an IP may convert for one affiliate.
type IPRestrictionMode string

const (
	IPRestrictionNone                IPRestrictionMode = ""
	IPRestrictionUniquePerConversion IPRestrictionMode = "unique_per_conversion"
	IPRestrictionUniquePerDay        IPRestrictionMode = "unique_per_day"
)

// FraudConfig is the per-campaign set of fraud rules. Every rule is off
// unless its Enabled field is set; zero-valued thresholds fall back to the
// defaults documented on each rule.
type FraudConfig struct {
	ConversionDelay   ConversionDelayRule `json:"conversion_delay" yaml:"conversion_delay"`
	IPRestriction     IPRestrictionRule   `json:"ip_restriction" yaml:"ip_restriction"`
	DeviceFingerprint ToggleRule          `json:"device_fingerprint" yaml:"device_fingerprint"`
	// DuplicateEmailPhoneBlock blocks a second conversion from the same email
	// or phone on the same campaign.
	DuplicateEmailPhoneBlock ToggleRule        `json:"duplicate_email_phone_block" yaml:"duplicate_email_phone_block"`
	Geo                      GeoRule           `json:"geo" yaml:"geo"`
	OrderValue               OrderValueRule    `json:"order_value" yaml:"order_value"`
	Engagement               EngagementRule    `json:"engagement" yaml:"engagement"`
	Velocity                 VelocityRule      `json:"velocity" yaml:"velocity"`
	ProxyDetection           ToggleRule        `json:"proxy_detection" yaml:"proxy_detection"`
	CookieTampering          ToggleRule        `json:"cookie_tampering" yaml:"cookie_tampering"`
}

// ToggleRule is a rule with no parameters.
type ToggleRule struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ConversionDelayRule flags conversions that arrive too soon after the click.
// MinSeconds defaults to 5.
type ConversionDelayRule struct {
	Enabled    bool  `json:"enabled" yaml:"enabled"`
	MinSeconds int64 `json:"min_seconds" yaml:"min_seconds"`
}

// IPRestrictionRule limits conversions per IP and affiliate. Mode defaults
// to unique_per_conversion.
type IPRestrictionRule struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Mode    IPRestrictionMode `json:"mode" yaml:"mode"`
}

// GeoRule allow-lists or deny-lists ISO country codes. An empty Allow list
// allows every country.
type GeoRule struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Allow   []string `json:"allow,omitempty" yaml:"allow"`
	Deny    []string `json:"deny,omitempty" yaml:"deny"`
}

// OrderValueRule bounds purchase amounts. A zero bound is not enforced.
type OrderValueRule struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Min     float64 `json:"min,omitempty" yaml:"min"`
	Max     float64 `json:"max,omitempty" yaml:"max"`
}

// EngagementRule requires a minimum session depth before converting.
type EngagementRule struct {
	Enabled              bool  `json:"enabled" yaml:"enabled"`
	MinTimeOnSiteSeconds int64 `json:"min_time_on_site_seconds" yaml:"min_time_on_site_seconds"`
	MinPageViews         int   `json:"min_page_views" yaml:"min_page_views"`
}

// VelocityRule caps conversions per affiliate per rolling hour.
// MaxPerHour defaults to 100.
type VelocityRule struct {
	Enabled    bool  `json:"enabled" yaml:"enabled"`
	MaxPerHour int64 `json:"max_per_hour" yaml:"max_per_hour"`
}

// ===========================================
// FRAUD RESULT
// ===========================================

// Fraud flag names. Some flags carry a ":detail" suffix.
const (
	FlagConversionTooFast      = "conversion_too_fast"
	FlagIPRestriction          = "ip_restriction_violated"
	FlagDeviceFingerprintAbuse = "device_fingerprint_abuse"
	FlagDuplicateEmail         = "duplicate_email"
	FlagDuplicatePhone         = "duplicate_phone"
	FlagGeoNotWhitelisted      = "geo_not_whitelisted"
	FlagGeoBlacklisted         = "geo_blacklisted"
	FlagOrderValueTooLow       = "order_value_too_low"
	FlagOrderValueTooHigh      = "order_value_too_high"
	FlagLowTimeOnSite          = "low_engagement_time"
	FlagLowPageViews           = "low_engagement_pageviews"
	FlagVelocitySpike          = "conversion_velocity_spike"
	FlagProxyDetected          = "proxy_vpn_detected"
	FlagCookieMissingClick     = "cookie_tampering_missing_click"
	FlagCookieFingerprint      = "cookie_tampering_fingerprint_mismatch"
	FlagCookieUserAgent        = "cookie_tampering_user_agent_mismatch"
)

// FraudCheckResult is the verdict for one conversion.
type FraudCheckResult struct {
	Passed          bool     `json:"passed"`
	Flags           []string `json:"flags"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}
