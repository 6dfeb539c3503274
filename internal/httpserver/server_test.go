package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/cache"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/postback"
	"github.com/radiusdt/affiliate-attribution/internal/reporting"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/radiusdt/affiliate-attribution/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type checker struct{ err error }

func (c checker) Health(context.Context) error { return c.err }

// outageEvents fails event writes while down is set.
type outageEvents struct {
	storage.EventStore
	down bool
}

func (o *outageEvents) SaveEvent(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	if o.down {
		return false, errors.New("db down")
	}
	return o.EventStore.SaveEvent(ctx, ev)
}

type testServer struct {
	handler http.Handler
	now     time.Time
	events  *outageEvents
}

func newTestServer(t *testing.T, checks map[string]HealthChecker) *testServer {
	t.Helper()
	ts := &testServer{now: t0}
	clock := func() time.Time { return ts.now }

	campaigns := storage.NewInMemoryCampaignRepo()
	require.NoError(t, campaigns.UpsertCampaign(context.Background(), &models.Campaign{
		ID:                      "C1",
		OrganizationID:          "org-1",
		Status:                  models.CampaignActive,
		AttributionModel:        models.ModelLastClick,
		ConversionWindowSeconds: int64(7 * 24 * time.Hour / time.Second),
		DedupWindowSeconds:      int64(12 * time.Hour / time.Second),
		PayoutRules: map[models.EventType]models.PayoutRule{
			models.EventPurchase: {Type: models.PayoutPercentage, Value: 10},
		},
		PayoutCurrency: "USD",
	}))
	events := &outageEvents{EventStore: storage.NewInMemoryEventStore()}
	ts.events = events
	clicks := storage.NewInMemoryClickStore()

	cfg := &config.Config{
		Server:    config.ServerConfig{RequestTimeout: 5 * time.Second},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	m := metrics.NewMetrics("test")

	svc := tracking.NewService(
		tracking.Stores{
			Campaigns: campaigns,
			Clicks:    clicks,
			Events:    events,
			Sessions:  storage.NewInMemorySessionStore().WithClock(clock),
		},
		cache.NewMemoryCache().WithClock(clock),
		nil,
		config.TrackingConfig{
			DefaultConversionWindow: 7 * 24 * time.Hour,
			DefaultDedupWindow:      12 * time.Hour,
			SessionInactivity:       30 * time.Minute,
		},
		zap.NewNop(),
		m,
	).WithClock(clock)
	t.Cleanup(svc.Close)

	ts.handler = NewServer(&Dependencies{
		Tracking:  svc,
		Reporting: reporting.NewService(events),
		Postback:  postback.NewHandler(clicks, svc, zap.NewNop()),
		Checks:    checks,
		Config:    cfg,
		Logger:    zap.NewNop(),
		Metrics:   m,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.RemoteAddr = "198.51.100.20:40000"
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const clickBody = `{"type":"click","organizationId":"org-1","campaignId":"C1","affiliateId":"A1","visitorId":"V1","sessionId":"S1"}`

func TestTrack_ClickThenPurchase(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/track", clickBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	click := decodeBody(t, w)
	assert.Equal(t, true, click["success"])
	assert.Equal(t, "click recorded", click["message"])
	assert.NotEmpty(t, click["eventId"])

	ts.now = t0.Add(time.Hour)
	w = ts.do(t, http.MethodPost, "/track",
		`{"type":"purchase","organizationId":"org-1","campaignId":"C1","visitorId":"V1","amount":100,"currency":"USD"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	conv := decodeBody(t, w)
	assert.Equal(t, true, conv["success"])
	assert.Equal(t, true, conv["attributed"])
	assert.Equal(t, "A1", conv["attributedAffiliateId"])
	assert.Equal(t, true, conv["validated"])
	assert.Equal(t, 10.0, conv["payout"])
	assert.Equal(t, []any{}, conv["fraudFlags"])

	w = ts.do(t, http.MethodGet, "/event/"+conv["eventId"].(string), "")
	require.Equal(t, http.StatusOK, w.Code)
	ev := decodeBody(t, w)
	assert.Equal(t, "validated", ev["status"])
	assert.Equal(t, "purchase", ev["type"])
}

func TestTrack_DuplicateClick(t *testing.T) {
	ts := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/track", clickBody).Code)
	ts.now = t0.Add(time.Second)

	w := ts.do(t, http.MethodPost, "/track", clickBody)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, tracking.DuplicateEventID, body["eventId"])
	assert.Equal(t, "duplicate click ignored", body["message"])
}

func TestTrack_ClientErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"type":`},
		{"missing campaign", `{"type":"click","organizationId":"org-1","affiliateId":"A1","visitorId":"V1"}`},
		{"unknown campaign", `{"type":"click","organizationId":"org-1","campaignId":"nope","affiliateId":"A1","visitorId":"V1"}`},
		{"no attribution", `{"type":"signup","organizationId":"org-1","campaignId":"C1","visitorId":"nobody"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/track", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestTrackBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/track/batch", `{"events":[
		{"type":"click","organizationId":"org-1","campaignId":"C1","affiliateId":"A1","visitorId":"V1","eventId":"clk-1"},
		{"type":"click","organizationId":"org-1","campaignId":"C1","visitorId":"V2"},
		{"type":"visit","organizationId":"org-1","campaignId":"C1","visitorId":"V1"}
	]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var items []batchItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 3)
	assert.Equal(t, batchItem{Success: true, EventID: "clk-1"}, items[0])
	assert.False(t, items[1].Success)
	assert.Contains(t, items[1].Error, "affiliateId")
	assert.False(t, items[1].Retryable)
	assert.True(t, items[2].Success)

	ts.events.down = true
	w = ts.do(t, http.MethodPost, "/track/batch", `{"events":[
		{"type":"click","organizationId":"org-1","campaignId":"C1","affiliateId":"A2","visitorId":"V3"}
	]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	items = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, batchItem{Error: "internal error", Retryable: true}, items[0])
	ts.events.down = false

	w = ts.do(t, http.MethodPost, "/track/batch", `{"events":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEvent_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/event/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReports(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/track", clickBody).Code)

	from := t0.Add(-time.Hour).Format(time.RFC3339)
	to := t0.Add(time.Hour).Format(time.RFC3339)

	w := ts.do(t, http.MethodGet, "/affiliate/A1/performance?from="+from+"&to="+to, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	perf := decodeBody(t, w)
	assert.Equal(t, "A1", perf["affiliate_id"])
	assert.Equal(t, 1.0, perf["clicks"])

	w = ts.do(t, http.MethodGet, "/campaign/C1/insights?from="+from+"&to="+to, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "C1", decodeBody(t, w)["campaign_id"])

	w = ts.do(t, http.MethodGet, "/affiliate/A1/performance?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/campaign/C1/insights?from="+to+"&to="+from, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, map[string]HealthChecker{"postgres": checker{}, "redis": checker{}})
	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])

	ts = newTestServer(t, map[string]HealthChecker{"postgres": checker{}, "redis": checker{errors.New("connection refused")}})
	w = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}

func TestMetricsAndRouting(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/track", clickBody).Code)

	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "test_events_total"))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodGet, "/track", "").Code)
}

func TestPostback(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/track",
		`{"type":"click","organizationId":"org-1","campaignId":"C1","affiliateId":"A1","visitorId":"V1","clickId":"clk-1"}`).Code)

	ts.now = t0.Add(time.Hour)
	w := ts.do(t, http.MethodGet, "/postback?click_id=clk-1&event=sale&amount=20&currency=USD&transaction_id=tx-1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "tx-1", body["eventId"])
	assert.Equal(t, "A1", body["attributedAffiliateId"])
	assert.Equal(t, 2.0, body["payout"])

	w = ts.do(t, http.MethodGet, "/postback?click_id=unknown", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
