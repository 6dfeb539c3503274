// Package reporting aggregates persisted tracking events for affiliates and
// campaigns.
package reporting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
)

// Service provides read-only reports over the event store.
type Service struct {
	events storage.EventStore
}

// NewService creates a reporting service.
func NewService(events storage.EventStore) *Service {
	return &Service{events: events}
}

// Period bounds a report. Zero bounds are open.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Totals are the volume and money figures shared by every report.
type Totals struct {
	Clicks           int64   `json:"clicks"`
	Conversions      int64   `json:"conversions"`
	FraudConversions int64   `json:"fraud_conversions"`
	Revenue          float64 `json:"revenue"`
	Payout           float64 `json:"payout"`
	ConversionRate   float64 `json:"conversion_rate"` // validated conversions per click, %
	FraudRate        float64 `json:"fraud_rate"`      // fraud share of all conversions, %
}

// CampaignBreakdown is one campaign within an affiliate report.
type CampaignBreakdown struct {
	CampaignID string `json:"campaign_id"`
	Totals
}

// AffiliatePerformance is the report for one affiliate.
type AffiliatePerformance struct {
	AffiliateID string `json:"affiliate_id"`
	Period      Period `json:"period"`
	Totals
	ByEventType map[models.EventType]int64 `json:"by_event_type"`
	Campaigns   []CampaignBreakdown        `json:"campaigns"`
}

// AffiliateRow ranks an affiliate within a campaign.
type AffiliateRow struct {
	AffiliateID string `json:"affiliate_id"`
	Totals
}

// CampaignInsights is the report for one campaign.
type CampaignInsights struct {
	CampaignID string `json:"campaign_id"`
	Period     Period `json:"period"`
	Totals
	TopAffiliates []AffiliateRow   `json:"top_affiliates"`
	FraudFlags    map[string]int64 `json:"fraud_flags"`
	ByCountry     map[string]int64 `json:"conversions_by_country"`
	ByDevice      map[string]int64 `json:"conversions_by_device"`
	ByModel       map[string]int64 `json:"conversions_by_model"`
}

// TopAffiliatesLimit caps CampaignInsights.TopAffiliates.
const TopAffiliatesLimit = 10

// AffiliatePerformance reports clicks the affiliate drove and conversions
// credited to it.
func (s *Service) AffiliatePerformance(ctx context.Context, affiliateID string, p Period) (*AffiliatePerformance, error) {
	events, err := s.events.ListEvents(ctx, storage.EventFilter{AffiliateID: affiliateID, From: p.From, To: p.To})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	report := &AffiliatePerformance{
		AffiliateID: affiliateID,
		Period:      p,
		ByEventType: make(map[models.EventType]int64),
	}
	campaigns := make(map[string]*CampaignBreakdown)

	for _, ev := range events {
		credited := ev.Type.IsConversion() && ev.AttributedAffiliateID() == affiliateID
		clicked := ev.Type == models.EventClick && ev.AffiliateID == affiliateID
		if !credited && !clicked {
			continue
		}

		cb, ok := campaigns[ev.CampaignID]
		if !ok {
			cb = &CampaignBreakdown{CampaignID: ev.CampaignID}
			campaigns[ev.CampaignID] = cb
		}
		report.ByEventType[ev.Type]++
		report.Totals.add(ev)
		cb.Totals.add(ev)
	}

	report.Totals.finish()
	for _, cb := range campaigns {
		cb.Totals.finish()
		report.Campaigns = append(report.Campaigns, *cb)
	}
	sort.Slice(report.Campaigns, func(i, j int) bool {
		return report.Campaigns[i].CampaignID < report.Campaigns[j].CampaignID
	})
	return report, nil
}

// CampaignInsights reports a campaign's totals, top affiliates by payout and
// the distribution of fraud flags.
func (s *Service) CampaignInsights(ctx context.Context, campaignID string, p Period) (*CampaignInsights, error) {
	events, err := s.events.ListEvents(ctx, storage.EventFilter{CampaignID: campaignID, From: p.From, To: p.To})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	report := &CampaignInsights{
		CampaignID: campaignID,
		Period:     p,
		FraudFlags: make(map[string]int64),
		ByCountry:  make(map[string]int64),
		ByDevice:   make(map[string]int64),
		ByModel:    make(map[string]int64),
	}
	affiliates := make(map[string]*AffiliateRow)

	for _, ev := range events {
		report.Totals.add(ev)

		affiliateID := ev.AffiliateID
		if ev.Type.IsConversion() {
			affiliateID = ev.AttributedAffiliateID()
		}
		if affiliateID != "" {
			row, ok := affiliates[affiliateID]
			if !ok {
				row = &AffiliateRow{AffiliateID: affiliateID}
				affiliates[affiliateID] = row
			}
			row.Totals.add(ev)
		}

		for _, f := range ev.FraudFlags {
			report.FraudFlags[flagName(f)]++
		}
		if ev.Type.IsConversion() && ev.Status == models.StatusValidated {
			report.ByCountry[orUnknown(ev.Context.Geo.Country)]++
			report.ByDevice[orUnknown(ev.Context.Device.Type)]++
			if ev.Attribution != nil {
				report.ByModel[string(ev.Attribution.Model)]++
			}
		}
	}

	report.Totals.finish()
	rows := make([]AffiliateRow, 0, len(affiliates))
	for _, row := range affiliates {
		row.Totals.finish()
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Payout != rows[j].Payout {
			return rows[i].Payout > rows[j].Payout
		}
		if rows[i].Conversions != rows[j].Conversions {
			return rows[i].Conversions > rows[j].Conversions
		}
		return rows[i].AffiliateID < rows[j].AffiliateID
	})
	if len(rows) > TopAffiliatesLimit {
		rows = rows[:TopAffiliatesLimit]
	}
	report.TopAffiliates = rows
	return report, nil
}

// GetEvent returns storage.ErrNotFound when the event does not exist.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.TrackingEvent, error) {
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if ev == nil {
		return nil, storage.ErrNotFound
	}
	return ev, nil
}

func (t *Totals) add(ev *models.TrackingEvent) {
	switch {
	case ev.Type == models.EventClick:
		t.Clicks++
	case ev.Status == models.StatusFraud:
		t.FraudConversions++
	case ev.Status == models.StatusValidated:
		t.Conversions++
		t.Revenue += ev.Amount
		t.Payout += ev.Payout
	}
}

func (t *Totals) finish() {
	t.Revenue = round2(t.Revenue)
	t.Payout = round2(t.Payout)
	if t.Clicks > 0 {
		t.ConversionRate = round2(float64(t.Conversions) / float64(t.Clicks) * 100)
	}
	if all := t.Conversions + t.FraudConversions; all > 0 {
		t.FraudRate = round2(float64(t.FraudConversions) / float64(all) * 100)
	}
}

func flagName(flag string) string {
	if i := strings.IndexByte(flag, ':'); i >= 0 {
		return flag[:i]
	}
	return flag
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
