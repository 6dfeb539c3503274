package models

import (
	"time"
)

// EventType of a tracking event.
type EventType string

const (
	EventClick    EventType = "click"
	EventVisit    EventType = "visit"
	EventSignup   EventType = "signup"
	EventPurchase EventType = "purchase"
	EventCustom   EventType = "custom"
)

// IsConversion reports whether the event goes through attribution and fraud
// detection. Every non-click event is a conversion.
func (t EventType) IsConversion() bool {
	switch t {
	case EventVisit, EventSignup, EventPurchase, EventCustom:
		return true
	}
	return false
}

// EventStatus moves forward only: pending -> validated | rejected | fraud.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusValidated EventStatus = "validated"
	StatusRejected  EventStatus = "rejected"
	StatusFraud     EventStatus = "fraud"
)

// CanTransition reports whether the status may move to next.
func (s EventStatus) CanTransition(next EventStatus) bool {
	if s == next {
		return false
	}
	return s == StatusPending || s == ""
}

// PayoutStatus of the affiliate payout attached to an event.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutPaid     PayoutStatus = "paid"
	PayoutWithheld PayoutStatus = "withheld"
	PayoutNone     PayoutStatus = "none"
)

// ===========================================
// TRACKING EVENT
// ===========================================

// TrackingEvent is one behavioral event. EventID is unique per real-world
// event; Payout is non-zero only when Status is not fraud.
type TrackingEvent struct {
	EventID        string    `json:"event_id"`
	Type           EventType `json:"type"`
	OrganizationID string    `json:"organization_id"`
	CampaignID     string    `json:"campaign_id"`
	AffiliateID    string    `json:"affiliate_id"`
	SessionID      string    `json:"session_id"`
	VisitorID      string    `json:"visitor_id"`
	ClickID        string    `json:"click_id,omitempty"`

	// User-identifying fields
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// Event payload
	OrderID         string            `json:"order_id,omitempty"`
	Amount          float64           `json:"amount,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	CustomEventName string            `json:"custom_event_name,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	Context     EventContext     `json:"context"`
	Attribution *AttributionData `json:"attribution,omitempty"`

	Status          EventStatus `json:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	FraudFlags      []string    `json:"fraud_flags,omitempty"`

	Payout         float64      `json:"payout"`
	PayoutCurrency string       `json:"payout_currency,omitempty"`
	PayoutStatus   PayoutStatus `json:"payout_status"`

	Timestamp  time.Time  `json:"timestamp"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// SetStatus moves the event to next if the transition is allowed.
func (e *TrackingEvent) SetStatus(next EventStatus) bool {
	if !e.Status.CanTransition(next) {
		return false
	}
	e.Status = next
	if next == StatusFraud {
		e.Payout = 0
		e.PayoutStatus = PayoutWithheld
	}
	return true
}

// AttributedAffiliateID returns the credited affiliate, or empty.
func (e *TrackingEvent) AttributedAffiliateID() string {
	if e.Attribution == nil {
		return ""
	}
	return e.Attribution.AttributedAffiliateID
}
