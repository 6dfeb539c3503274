package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("attribution")
	b := NewMetrics("attribution")

	a.RecordDuplicateEvent()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.DuplicateEvents))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DuplicateEvents))
}

func TestRecordFraudCheck_StripsFlagDetail(t *testing.T) {
	m := NewMetrics("attribution")
	m.RecordFraudCheck("C1", false, []string{"geo_blacklisted:NG", "geo_blacklisted:RU", "conversion_velocity_spike"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FraudFlags.WithLabelValues("C1", "geo_blacklisted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FraudVerdict.WithLabelValues("C1", "false")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := NewMetrics("attribution")
	m.RecordEvent("purchase", "validated", 3*time.Millisecond)
	m.RecordPayout("C1", "USD", 12.5)
	m.RecordPayout("C1", "USD", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `attribution_events_total{status="validated",type="purchase"} 1`)
	assert.Contains(t, string(body), `attribution_payout_total{campaign_id="C1",currency="USD"} 12.5`)
}
