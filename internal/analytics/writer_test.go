package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]Row
}

func (r *recorder) insert(_ context.Context, rows []Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]Row(nil), rows...))
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

func newTestWriter(batchSize int, interval time.Duration) (*Writer, *recorder) {
	rec := &recorder{}
	w := NewWriter(nil, batchSize, interval, zap.NewNop())
	w.insert = rec.insert
	return w, rec
}

func TestWriter_FlushesFullBatches(t *testing.T) {
	w, rec := newTestWriter(2, time.Hour)
	w.Start()

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, w.Publish(context.Background(), &models.TrackingEvent{EventID: id}))
	}
	require.NoError(t, w.Close())

	assert.Equal(t, []int{2, 1}, rec.sizes())
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	w, rec := newTestWriter(100, 10*time.Millisecond)
	w.Start()
	defer w.Close()

	require.NoError(t, w.Publish(context.Background(), &models.TrackingEvent{EventID: "e1"}))
	assert.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_QueueFull(t *testing.T) {
	w, _ := newTestWriter(1, time.Hour)
	// not started, so nothing drains the buffer
	for i := 0; i < cap(w.rows); i++ {
		require.NoError(t, w.Publish(context.Background(), &models.TrackingEvent{}))
	}
	assert.ErrorIs(t, w.Publish(context.Background(), &models.TrackingEvent{}), ErrQueueFull)
}

func TestRowFromEvent(t *testing.T) {
	ev := &models.TrackingEvent{
		EventID:    "e1",
		Type:       models.EventPurchase,
		CampaignID: "C1",
		Currency:   "usd",
		Status:     models.StatusFraud,
		Context:    models.EventContext{Geo: models.GeoInfo{Country: "DE"}, Device: models.DeviceInfo{Type: "phone"}},
		Attribution: &models.AttributionData{
			Model:                 models.ModelLinear,
			AttributedAffiliateID: "A1",
			AttributionWeight:     0.5,
		},
	}

	r := RowFromEvent(ev)
	assert.Equal(t, "USD", r.Currency)
	assert.Equal(t, "A1", r.AttributedAffiliateID)
	assert.Equal(t, "linear", r.AttributionModel)
	assert.Equal(t, 0.5, r.AttributionWeight)
	assert.Equal(t, "DE", r.Country)
	assert.Equal(t, "phone", r.DeviceType)
	assert.Equal(t, []string{}, r.FraudFlags)
}
