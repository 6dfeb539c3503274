// Package analytics batches processed tracking events into ClickHouse for
// reporting.
package analytics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Publish when the buffer is saturated.
var ErrQueueFull = errors.New("analytics queue full")

const schema = `
CREATE TABLE IF NOT EXISTS tracking_events (
	event_id                String,
	event_type              LowCardinality(String),
	organization_id         String,
	campaign_id             String,
	affiliate_id            String,
	attributed_affiliate_id String,
	attribution_model       LowCardinality(String),
	attribution_weight      Float64,
	status                  LowCardinality(String),
	fraud_flags             Array(String),
	amount                  Float64,
	currency                LowCardinality(String),
	payout                  Float64,
	country                 LowCardinality(String),
	device_type             LowCardinality(String),
	ts                      DateTime64(3)
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(ts)
ORDER BY (campaign_id, event_type, ts, event_id)`

const insertQuery = `INSERT INTO tracking_events (event_id, event_type, organization_id, campaign_id, affiliate_id,
	attributed_affiliate_id, attribution_model, attribution_weight, status, fraud_flags, amount, currency,
	payout, country, device_type, ts)`

// Row is the flattened analytics projection of a tracking event.
type Row struct {
	EventID               string
	EventType             string
	OrganizationID        string
	CampaignID            string
	AffiliateID           string
	AttributedAffiliateID string
	AttributionModel      string
	AttributionWeight     float64
	Status                string
	FraudFlags            []string
	Amount                float64
	Currency              string
	Payout                float64
	Country               string
	DeviceType            string
	Timestamp             time.Time
}

// RowFromEvent flattens ev.
func RowFromEvent(ev *models.TrackingEvent) Row {
	r := Row{
		EventID:        ev.EventID,
		EventType:      string(ev.Type),
		OrganizationID: ev.OrganizationID,
		CampaignID:     ev.CampaignID,
		AffiliateID:    ev.AffiliateID,
		Status:         string(ev.Status),
		FraudFlags:     ev.FraudFlags,
		Amount:         ev.Amount,
		Currency:       strings.ToUpper(ev.Currency),
		Payout:         ev.Payout,
		Country:        ev.Context.Geo.Country,
		DeviceType:     ev.Context.Device.Type,
		Timestamp:      ev.Timestamp,
	}
	if r.FraudFlags == nil {
		r.FraudFlags = []string{}
	}
	if a := ev.Attribution; a != nil {
		r.AttributedAffiliateID = a.AttributedAffiliateID
		r.AttributionModel = string(a.Model)
		r.AttributionWeight = a.AttributionWeight
	}
	return r
}

// Writer buffers rows and flushes them in batches, either when BatchSize rows
// are pending or every FlushInterval.
type Writer struct {
	conn          clickhouse.Conn
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	rows chan Row
	done chan struct{}
	once sync.Once

	insert func(ctx context.Context, rows []Row) error
}

// NewWriter creates a writer. Start must be called to begin flushing.
func NewWriter(conn clickhouse.Conn, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	w := &Writer{
		conn:          conn,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		rows:          make(chan Row, batchSize*4),
		done:          make(chan struct{}),
	}
	w.insert = w.insertRows
	return w
}

// EnsureSchema creates the analytics table if missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	return w.conn.Exec(ctx, schema)
}

// Name identifies the sink in logs and metrics.
func (w *Writer) Name() string {
	return "clickhouse"
}

// Publish enqueues ev without blocking.
func (w *Writer) Publish(_ context.Context, ev *models.TrackingEvent) error {
	select {
	case w.rows <- RowFromEvent(ev):
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the flush loop until Close.
func (w *Writer) Start() {
	go w.loop()
}

// Close stops the loop after flushing pending rows.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.rows) })
	<-w.done
	return nil
}

func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	pending := make([]Row, 0, w.batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.insert(ctx, pending); err != nil {
			w.logger.Error("failed to flush analytics batch",
				zap.Int("rows", len(pending)),
				zap.Error(err),
			)
		}
		pending = pending[:0]
	}

	for {
		select {
		case r, ok := <-w.rows:
			if !ok {
				flush()
				return
			}
			pending = append(pending, r)
			if len(pending) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) insertRows(ctx context.Context, rows []Row) error {
	batch, err := w.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := batch.Append(
			r.EventID, r.EventType, r.OrganizationID, r.CampaignID, r.AffiliateID,
			r.AttributedAffiliateID, r.AttributionModel, r.AttributionWeight, r.Status, r.FraudFlags,
			r.Amount, r.Currency, r.Payout, r.Country, r.DeviceType, r.Timestamp,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}
