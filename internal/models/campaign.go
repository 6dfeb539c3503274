package models

import (
	"errors"
	"math"
	"time"
)

type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignPaused   CampaignStatus = "paused"
	CampaignArchived CampaignStatus = "archived"
)

type PayoutType string

const (
	PayoutPercentage PayoutType = "percentage"
	PayoutFixed      PayoutType = "fixed"
)

// PayoutRule converts a validated conversion into an affiliate payout.
type PayoutRule struct {
	Type  PayoutType `json:"type" yaml:"type"`
	Value float64    `json:"value" yaml:"value"`
}

// Compute returns the payout for an order amount, rounded to cents.
func (r PayoutRule) Compute(amount float64) float64 {
	var p float64
	switch r.Type {
	case PayoutPercentage:
		p = amount * r.Value / 100
	case PayoutFixed:
		p = r.Value
	}
	if p < 0 {
		return 0
	}
	return math.Round(p*100) / 100
}

// Campaign carries the attribution, payout and fraud settings used when
// ingesting events for it.
type Campaign struct {
	ID             string         `json:"id" yaml:"id"`
	OrganizationID string         `json:"organization_id" yaml:"organization_id"`
	Name           string         `json:"name" yaml:"name"`
	Status         CampaignStatus `json:"status" yaml:"status"`

	AttributionModel        AttributionModel `json:"attribution_model" yaml:"attribution_model"`
	ConversionWindowSeconds int64            `json:"conversion_window_seconds" yaml:"conversion_window_seconds"`
	DedupWindowSeconds      int64            `json:"dedup_window_seconds" yaml:"dedup_window_seconds"`
	CookieLifetimeSeconds   int64            `json:"cookie_lifetime_seconds" yaml:"cookie_lifetime_seconds"`

	// PayoutRules is keyed by event type; DefaultPayout applies otherwise.
	PayoutRules    map[EventType]PayoutRule `json:"payout_rules,omitempty" yaml:"payout_rules"`
	DefaultPayout  *PayoutRule              `json:"default_payout,omitempty" yaml:"default_payout"`
	PayoutCurrency string                   `json:"payout_currency" yaml:"payout_currency"`

	Fraud FraudConfig `json:"fraud" yaml:"fraud"`

	// PostbackURL is requested for every validated conversion. It may use
	// the macros listed in package postback.
	PostbackURL string `json:"postback_url,omitempty" yaml:"postback_url"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the campaign has everything ingestion relies on.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("campaign id is required")
	}
	if c.OrganizationID == "" {
		return errors.New("organization id is required")
	}
	if c.AttributionModel != "" {
		if err := c.AttributionModel.Validate(); err != nil {
			return err
		}
	}
	if c.ConversionWindowSeconds < 0 || c.DedupWindowSeconds < 0 {
		return errors.New("windows must not be negative")
	}
	if c.Fraud.Engagement.MinPageViews < 0 || c.Fraud.Engagement.MinTimeOnSiteSeconds < 0 {
		return errors.New("engagement minimums must not be negative")
	}
	return nil
}

// IsActive reports whether the campaign accepts events.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignActive || c.Status == ""
}

// Model returns the attribution model, defaulting to last click.
func (c *Campaign) Model() AttributionModel {
	if c.AttributionModel == "" {
		return ModelLastClick
	}
	return c.AttributionModel
}

// PayoutFor returns the payout for an event type and amount.
func (c *Campaign) PayoutFor(t EventType, amount float64) float64 {
	if r, ok := c.PayoutRules[t]; ok {
		return r.Compute(amount)
	}
	if c.DefaultPayout != nil {
		return c.DefaultPayout.Compute(amount)
	}
	return 0
}
