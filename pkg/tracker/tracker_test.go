package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeService stands in for the ingestion API.
type fakeService struct {
	mu     sync.Mutex
	status int
	events []Event
	// failing answers events of these visitors with a per-item error.
	failing map[string]BatchItemResult
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	var body struct {
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.events = append(f.events, body.Events...)
	out := make([]BatchItemResult, len(body.Events))
	for i, ev := range body.Events {
		if res, ok := f.failing[ev.VisitorID]; ok {
			out[i] = res
			continue
		}
		out[i] = BatchItemResult{Success: true, EventID: ev.EventID}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeService) setStatus(code int) {
	f.mu.Lock()
	f.status = code
	f.mu.Unlock()
}

func (f *fakeService) setFailing(failing map[string]BatchItemResult) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *fakeService) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func withCookies(r *http.Request, cookies []*http.Cookie) *http.Request {
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func newTracker(t *testing.T, svc *fakeService, batchSize int) *Tracker {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	tr, err := New(Config{
		Endpoint:       srv.URL,
		OrganizationID: "org-1",
		CookieSecret:   []byte("test-secret"),
		QueuePath:      filepath.Join(t.TempDir(), "queue.db"),
		BatchSize:      batchSize,
		FlushInterval:  time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	return tr
}

func TestCookieManager_VisitorRoundTrip(t *testing.T) {
	m := NewCookieManager([]byte("secret"), "", true)

	rec := httptest.NewRecorder()
	id, err := m.VisitorID(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, VisitorCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, int(VisitorLifetime/time.Second), cookies[0].MaxAge)

	again, err := m.VisitorID(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other := NewCookieManager([]byte("other-secret"), "", true)
	forged, err := other.VisitorID(httptest.NewRecorder(), withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies))
	require.NoError(t, err)
	assert.NotEqual(t, id, forged)
}

func TestCookieManager_SessionSlides(t *testing.T) {
	now := t0
	m := NewCookieManager([]byte("secret"), "", false)
	m.nowFn = func() time.Time { return now }

	session := func(cookies []*http.Cookie) (string, []*http.Cookie) {
		rec := httptest.NewRecorder()
		id, err := m.SessionID(rec, withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies))
		require.NoError(t, err)
		return id, rec.Result().Cookies()
	}

	first, cookies := session(nil)

	now = t0.Add(20 * time.Minute)
	id, cookies := session(cookies)
	assert.Equal(t, first, id)

	// 45 minutes after start but only 25 after the last activity
	now = t0.Add(45 * time.Minute)
	id, cookies = session(cookies)
	assert.Equal(t, first, id)

	now = t0.Add(2 * time.Hour)
	id, _ = session(cookies)
	assert.NotEqual(t, first, id)
}

func TestCookieManager_Attribution(t *testing.T) {
	now := t0
	m := NewCookieManager([]byte("secret"), "", false)
	m.nowFn = func() time.Time { return now }

	rec := httptest.NewRecorder()
	require.NoError(t, m.SetAttribution(rec, Attribution{ClickID: "c1", AffiliateID: "A1", CampaignID: "C1", ClickedAt: t0}, 0))
	cookies := rec.Result().Cookies()

	got := m.Attribution(withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies))
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.ClickID)
	assert.Equal(t, "A1", got.AffiliateID)
	assert.True(t, t0.Equal(got.ClickedAt))

	now = t0.Add(DefaultAttributionLifetime + time.Second)
	assert.Nil(t, m.Attribution(withCookies(httptest.NewRequest(http.MethodGet, "/", nil), cookies)))
	assert.Nil(t, m.Attribution(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestContextCollector(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://shop.example/landing?utm_source=aff&utm_medium=cpc&utm_campaign=spring", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("Referer", "https://affiliate.example/post")
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0")
	r.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set(FingerprintHeader, "fp-123")

	ctx := ContextCollector{}.Collect(r)
	assert.Equal(t, "http://shop.example/landing?utm_source=aff&utm_medium=cpc&utm_campaign=spring", ctx.URL)
	assert.Equal(t, "https://affiliate.example/post", ctx.Referrer)
	assert.Equal(t, "10.0.0.5", ctx.IP)
	assert.Equal(t, "de-DE", ctx.Language)
	assert.Equal(t, "fp-123", ctx.DeviceFingerprint)
	assert.Equal(t, UTM{Source: "aff", Medium: "cpc", Campaign: "spring"}, ctx.UTM)

	proxied := ContextCollector{TrustProxy: true}.Collect(r)
	assert.Equal(t, "203.0.113.7", proxied.IP)
	assert.Equal(t, "https://shop.example/landing?utm_source=aff&utm_medium=cpc&utm_campaign=spring", proxied.URL)
}

func TestQueue_BoundedFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenQueue(path, 3)
	require.NoError(t, err)

	for _, id := range []string{"e1", "e2", "e3"} {
		dropped, err := q.Push(Event{EventID: id, Type: TypeVisit})
		require.NoError(t, err)
		assert.Zero(t, dropped)
	}
	dropped, err := q.Push(Event{EventID: "e4", Type: TypeVisit})
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	items, err := q.Peek(2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "e2", items[0].Event.EventID)
	assert.Equal(t, "e3", items[1].Event.EventID)

	require.NoError(t, q.Remove(items[:1]))
	require.NoError(t, q.Close())

	// survives reopening
	q, err = OpenQueue(path, 3)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err = q.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "e3", items[0].Event.EventID)
	assert.Equal(t, "e4", items[1].Event.EventID)
}

func TestTracker_ClickThenConversion(t *testing.T) {
	svc := &fakeService{}
	tr := newTracker(t, svc, 10)

	landing := httptest.NewRequest(http.MethodGet, "http://shop.example/?utm_source=aff", nil)
	rec := httptest.NewRecorder()
	clickID, err := tr.TrackClick(rec, landing, ClickParams{CampaignID: "C1", AffiliateID: "A1"})
	require.NoError(t, err)
	require.NotEmpty(t, clickID)

	checkout := withCookies(httptest.NewRequest(http.MethodPost, "http://shop.example/checkout", nil), rec.Result().Cookies())
	require.NoError(t, tr.TrackConversion(httptest.NewRecorder(), checkout, ConversionParams{
		Type:     TypePurchase,
		Amount:   99.5,
		Currency: "EUR",
		OrderID:  "o-1",
	}))

	require.NoError(t, tr.Flush(context.Background()))

	events := svc.received()
	require.Len(t, events, 2)
	click, purchase := events[0], events[1]

	assert.Equal(t, TypeClick, click.Type)
	assert.Equal(t, clickID, click.EventID)
	assert.Equal(t, clickID, click.ClickID)
	assert.Equal(t, "org-1", click.OrganizationID)
	assert.Equal(t, "aff", click.Context.UTM.Source)

	assert.Equal(t, TypePurchase, purchase.Type)
	assert.Equal(t, "C1", purchase.CampaignID)
	assert.Equal(t, clickID, purchase.ClickID)
	assert.Equal(t, click.VisitorID, purchase.VisitorID)
	assert.Equal(t, click.SessionID, purchase.SessionID)
	assert.Equal(t, 99.5, purchase.Amount)
	assert.NotEmpty(t, purchase.EventID)

	n, err := tr.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tr.Close())
}

func TestTracker_ConversionWithoutCampaign(t *testing.T) {
	tr := newTracker(t, &fakeService{}, 10)
	defer tr.Close()

	err := tr.TrackConversion(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), ConversionParams{Type: TypeSignup})
	assert.ErrorIs(t, err, ErrNoCampaign)
}

func TestTracker_KeepsEventsUntilAccepted(t *testing.T) {
	svc := &fakeService{status: http.StatusServiceUnavailable}
	tr := newTracker(t, svc, 10)

	require.NoError(t, tr.Track(Event{Type: TypeVisit, CampaignID: "C1", VisitorID: "V1"}))
	require.NoError(t, tr.Track(Event{Type: TypeVisit, CampaignID: "C1", VisitorID: "V2"}))

	err := tr.Flush(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)

	n, err := tr.queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	svc.setStatus(0)
	require.NoError(t, tr.Close())

	events := svc.received()
	require.Len(t, events, 2)
	assert.Equal(t, "V1", events[0].VisitorID)
	assert.Equal(t, "org-1", events[0].OrganizationID)
	assert.NotEmpty(t, events[0].EventID)
}

func TestTracker_KeepsEventsTheServiceFailed(t *testing.T) {
	svc := &fakeService{failing: map[string]BatchItemResult{
		"V1": {Error: "internal error", Retryable: true},
		"V2": {Error: "validation failed"},
	}}
	tr := newTracker(t, svc, 10)

	for _, v := range []string{"V1", "V2", "V3"} {
		require.NoError(t, tr.Track(Event{Type: TypeVisit, CampaignID: "C1", VisitorID: v}))
	}

	err := tr.Flush(context.Background())
	require.ErrorIs(t, err, ErrEventsPending)

	items, err := tr.queue.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "V1", items[0].Event.VisitorID)

	svc.setFailing(nil)
	require.NoError(t, tr.Flush(context.Background()))

	n, err := tr.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	events := svc.received()
	require.Len(t, events, 4)
	assert.Equal(t, "V1", events[3].VisitorID)
	assert.Equal(t, events[0].EventID, events[3].EventID)
	require.NoError(t, tr.Close())
}

func TestTracker_FlushesAtBatchThreshold(t *testing.T) {
	svc := &fakeService{}
	tr := newTracker(t, svc, 2)
	defer tr.Close()

	require.NoError(t, tr.Track(Event{Type: TypeVisit, CampaignID: "C1", VisitorID: "V1"}))
	require.NoError(t, tr.Track(Event{Type: TypeVisit, CampaignID: "C1", VisitorID: "V2"}))

	assert.Eventually(t, func() bool { return len(svc.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
}
