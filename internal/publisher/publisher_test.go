package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := &models.TrackingEvent{
		EventID:    "e1",
		Type:       models.EventPurchase,
		CampaignID: "C1",
		Status:     models.StatusValidated,
		Amount:     100,
		Timestamp:  ts,
	}

	msg, err := message(ev)
	require.NoError(t, err)
	assert.Equal(t, "C1", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "purchase", string(msg.Headers[0].Value))
	assert.Equal(t, "validated", string(msg.Headers[1].Value))

	var decoded models.TrackingEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "e1", decoded.EventID)
	assert.Equal(t, 100.0, decoded.Amount)
}
