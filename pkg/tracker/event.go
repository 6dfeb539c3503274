// Package tracker is the server-side SDK merchants embed to report clicks
// and conversions to the attribution service.
package tracker

// Event types accepted by the service.
const (
	TypeClick    = "click"
	TypeVisit    = "visit"
	TypeSignup   = "signup"
	TypePurchase = "purchase"
	TypeCustom   = "custom"
)

// Event is the wire form of one tracked event.
type Event struct {
	EventID        string `json:"eventId,omitempty"`
	Type           string `json:"type"`
	OrganizationID string `json:"organizationId"`
	CampaignID     string `json:"campaignId"`
	AffiliateID    string `json:"affiliateId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	VisitorID      string `json:"visitorId,omitempty"`
	ClickID        string `json:"clickId,omitempty"`

	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	UserID string `json:"userId,omitempty"`

	OrderID         string            `json:"orderId,omitempty"`
	Amount          float64           `json:"amount,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	CustomEventName string            `json:"customEventName,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	Context Context `json:"context"`
}

// Context is the client-side snapshot sent with every event.
type Context struct {
	URL               string            `json:"url,omitempty"`
	Referrer          string            `json:"referrer,omitempty"`
	UserAgent         string            `json:"userAgent,omitempty"`
	IP                string            `json:"ip,omitempty"`
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty"`
	Language          string            `json:"language,omitempty"`
	UTM               UTM               `json:"utm"`
	Country           string            `json:"country,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}
