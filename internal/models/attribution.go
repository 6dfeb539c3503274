package models

import "fmt"

// AttributionModel selects how credit is spread across touchpoints.
type AttributionModel string

const (
	ModelLastClick  AttributionModel = "last_click"
	ModelFirstClick AttributionModel = "first_click"
	ModelLinear     AttributionModel = "linear"
)

// Validate reports whether the model is supported.
func (m AttributionModel) Validate() error {
	switch m {
	case ModelLastClick, ModelFirstClick, ModelLinear:
		return nil
	}
	return fmt.Errorf("unsupported attribution model %q", string(m))
}

// InteractionType of a touchpoint. Only clicks are recorded today.
type InteractionType string

const InteractionClick InteractionType = "click"

// Touchpoint is the minimal projection of a click used for attribution math.
// It is derived from ClickData and never persisted on its own.
type Touchpoint struct {
	ClickID         string          `json:"click_id"`
	AffiliateID     string          `json:"affiliate_id"`
	CampaignID      string          `json:"campaign_id"`
	Timestamp       int64           `json:"timestamp"` // epoch ms
	InteractionType InteractionType `json:"interaction_type"`
	Weight          float64         `json:"weight"`
}

// AttributionData is the attribution result for one conversion. It is
// embedded into the resulting TrackingEvent.
type AttributionData struct {
	Model                   AttributionModel `json:"model"`
	Touchpoints             []Touchpoint     `json:"touchpoints"`
	AttributedAffiliateID   string           `json:"attributed_affiliate_id"`
	AttributionWeight       float64          `json:"attribution_weight"`
	ConversionWindowSeconds int64            `json:"conversion_window_seconds"`
}

// CreditedClickIDs returns the click ids of touchpoints that received
// non-zero weight.
func (a *AttributionData) CreditedClickIDs() []string {
	ids := make([]string, 0, len(a.Touchpoints))
	for _, tp := range a.Touchpoints {
		if tp.Weight > 0 {
			ids = append(ids, tp.ClickID)
		}
	}
	return ids
}

// PrimaryTouchpoint returns the most recent touchpoint of the credited
// affiliate, or nil when there is none.
func (a *AttributionData) PrimaryTouchpoint() *Touchpoint {
	var primary *Touchpoint
	for i := range a.Touchpoints {
		tp := &a.Touchpoints[i]
		if tp.AffiliateID != a.AttributedAffiliateID || tp.Weight == 0 {
			continue
		}
		if primary == nil || tp.Timestamp >= primary.Timestamp {
			primary = tp
		}
	}
	return primary
}
