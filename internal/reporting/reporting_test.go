package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func credited(id, campaign, affiliate string, status models.EventStatus, amount, payout float64, flags ...string) *models.TrackingEvent {
	return &models.TrackingEvent{
		EventID:    id,
		Type:       models.EventPurchase,
		CampaignID: campaign,
		Amount:     amount,
		Payout:     payout,
		Status:     status,
		FraudFlags: flags,
		Timestamp:  t0.Add(time.Hour),
		Context: models.EventContext{
			Geo:    models.GeoInfo{Country: "DE"},
			Device: models.DeviceInfo{Type: "phone"},
		},
		Attribution: &models.AttributionData{Model: models.ModelLastClick, AttributedAffiliateID: affiliate},
	}
}

func click(id, campaign, affiliate string) *models.TrackingEvent {
	return &models.TrackingEvent{
		EventID:     id,
		Type:        models.EventClick,
		CampaignID:  campaign,
		AffiliateID: affiliate,
		Status:      models.StatusValidated,
		Timestamp:   t0,
	}
}

func seed(t *testing.T) *Service {
	t.Helper()
	store := storage.NewInMemoryEventStore()
	for _, ev := range []*models.TrackingEvent{
		click("k1", "C1", "A1"),
		click("k2", "C1", "A1"),
		click("k3", "C1", "A2"),
		click("k4", "C2", "A1"),
		credited("p1", "C1", "A1", models.StatusValidated, 100, 10),
		credited("p2", "C1", "A1", models.StatusFraud, 100, 0, "duplicate_email", "geo_blacklisted:NG"),
		credited("p3", "C1", "A2", models.StatusValidated, 300, 30, "low_engagement_time"),
		credited("p4", "C2", "A1", models.StatusValidated, 50.5, 5.05),
	} {
		_, err := store.SaveEvent(context.Background(), ev)
		require.NoError(t, err)
	}
	return NewService(store)
}

func TestAffiliatePerformance(t *testing.T) {
	s := seed(t)

	r, err := s.AffiliatePerformance(context.Background(), "A1", Period{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), r.Clicks)
	assert.Equal(t, int64(2), r.Conversions)
	assert.Equal(t, int64(1), r.FraudConversions)
	assert.InDelta(t, 150.5, r.Revenue, 1e-9)
	assert.InDelta(t, 15.05, r.Payout, 1e-9)
	assert.Equal(t, 66.67, r.ConversionRate)
	assert.Equal(t, 33.33, r.FraudRate)
	assert.Equal(t, int64(3), r.ByEventType[models.EventPurchase])

	require.Len(t, r.Campaigns, 2)
	assert.Equal(t, "C1", r.Campaigns[0].CampaignID)
	assert.Equal(t, int64(2), r.Campaigns[0].Clicks)
	assert.Equal(t, 50.0, r.Campaigns[0].ConversionRate)
}

func TestAffiliatePerformance_Period(t *testing.T) {
	s := seed(t)

	r, err := s.AffiliatePerformance(context.Background(), "A1", Period{From: t0.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Zero(t, r.Clicks)
	assert.Equal(t, int64(2), r.Conversions)
	assert.Zero(t, r.ConversionRate)
}

func TestCampaignInsights(t *testing.T) {
	s := seed(t)

	r, err := s.CampaignInsights(context.Background(), "C1", Period{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), r.Clicks)
	assert.Equal(t, int64(2), r.Conversions)
	assert.Equal(t, 40.0, r.Payout)

	require.Len(t, r.TopAffiliates, 2)
	assert.Equal(t, "A2", r.TopAffiliates[0].AffiliateID)
	assert.Equal(t, "A1", r.TopAffiliates[1].AffiliateID)
	assert.Equal(t, int64(2), r.TopAffiliates[1].Clicks)

	assert.Equal(t, map[string]int64{
		"duplicate_email":     1,
		"geo_blacklisted":     1,
		"low_engagement_time": 1,
	}, r.FraudFlags)
	assert.Equal(t, int64(2), r.ByCountry["DE"])
	assert.Equal(t, int64(2), r.ByDevice["phone"])
	assert.Equal(t, int64(2), r.ByModel["last_click"])
}

func TestGetEvent(t *testing.T) {
	s := seed(t)

	ev, err := s.GetEvent(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, ev.Payout)

	_, err = s.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
