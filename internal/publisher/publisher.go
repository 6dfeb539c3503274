// Package publisher streams processed tracking events to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/segmentio/kafka-go"
)

// Producer publishes events keyed by campaign so a campaign's events stay
// ordered within a partition.
type Producer struct {
	w *kafka.Writer
}

// NewProducer creates a producer for topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Name identifies the sink in logs and metrics.
func (p *Producer) Name() string {
	return "kafka"
}

// Publish writes one event.
func (p *Producer) Publish(ctx context.Context, ev *models.TrackingEvent) error {
	msg, err := message(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	return p.w.Close()
}

func message(ev *models.TrackingEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.CampaignID),
		Value: b,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	}, nil
}
