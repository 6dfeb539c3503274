package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution service.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	Events          *prometheus.CounterVec
	EventLatency    *prometheus.HistogramVec
	BatchSize       prometheus.Histogram
	DuplicateClicks *prometheus.CounterVec
	DuplicateEvents prometheus.Counter

	// Attribution metrics
	Attributions      *prometheus.CounterVec
	AttributionMisses *prometheus.CounterVec
	Touchpoints       prometheus.Histogram

	// Fraud metrics
	FraudFlags   *prometheus.CounterVec
	FraudVerdict *prometheus.CounterVec

	// Payout metrics
	Payouts *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
	SinkErrors    *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec

	GeoLookupLatency *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Tracking events processed, by type and final status",
			},
			[]string{"type", "status"},
		),
		EventLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_latency_seconds",
				Help:      "Event processing latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"type"},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Events per batch request",
				Buckets:   []float64{1, 5, 10, 25, 50, 100},
			},
		),
		DuplicateClicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_clicks_total",
				Help:      "Clicks suppressed by the dedup window",
			},
			[]string{"campaign_id"},
		),
		DuplicateEvents: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_events_total",
				Help:      "Events replayed with an already stored event id",
			},
		),

		Attributions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attributions_total",
				Help:      "Conversions attributed to an affiliate",
			},
			[]string{"campaign_id", "model"},
		),
		AttributionMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_misses_total",
				Help:      "Conversions with no eligible touchpoint",
			},
			[]string{"campaign_id"},
		),
		Touchpoints: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_touchpoints",
				Help:      "Touchpoints considered per attributed conversion",
				Buckets:   []float64{1, 2, 3, 5, 10, 25},
			},
		),

		FraudFlags: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_flags_total",
				Help:      "Fraud flags raised",
			},
			[]string{"campaign_id", "flag"},
		),
		FraudVerdict: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fraud_checks_total",
				Help:      "Fraud checks by outcome",
			},
			[]string{"campaign_id", "passed"},
		),

		Payouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payout_total",
				Help:      "Affiliate payout amount granted",
			},
			[]string{"campaign_id", "currency"},
		),

		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		SinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Failed writes to secondary event sinks",
			},
			[]string{"sink"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint"},
		),

		GeoLookupLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"cache_hit"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent records one processed event.
func (m *Metrics) RecordEvent(eventType, status string, latency time.Duration) {
	m.Events.WithLabelValues(eventType, status).Inc()
	m.EventLatency.WithLabelValues(eventType).Observe(latency.Seconds())
}

// RecordBatch records the size of a batch request.
func (m *Metrics) RecordBatch(size int) {
	m.BatchSize.Observe(float64(size))
}

// RecordDuplicateClick records a suppressed click.
func (m *Metrics) RecordDuplicateClick(campaignID string) {
	m.DuplicateClicks.WithLabelValues(campaignID).Inc()
}

// RecordDuplicateEvent records a replayed event id.
func (m *Metrics) RecordDuplicateEvent() {
	m.DuplicateEvents.Inc()
}

// RecordAttribution records an attributed conversion.
func (m *Metrics) RecordAttribution(campaignID, model string, touchpoints int) {
	m.Attributions.WithLabelValues(campaignID, model).Inc()
	m.Touchpoints.Observe(float64(touchpoints))
}

// RecordAttributionMiss records a conversion without touchpoints.
func (m *Metrics) RecordAttributionMiss(campaignID string) {
	m.AttributionMisses.WithLabelValues(campaignID).Inc()
}

// RecordFraudCheck records a fraud verdict and its flags.
func (m *Metrics) RecordFraudCheck(campaignID string, passed bool, flags []string) {
	p := "false"
	if passed {
		p = "true"
	}
	m.FraudVerdict.WithLabelValues(campaignID, p).Inc()
	for _, f := range flags {
		m.FraudFlags.WithLabelValues(campaignID, flagName(f)).Inc()
	}
}

// RecordPayout records a granted payout.
func (m *Metrics) RecordPayout(campaignID, currency string, amount float64) {
	if amount > 0 {
		m.Payouts.WithLabelValues(campaignID, currency).Add(amount)
	}
}

// RecordSinkError records a failed secondary sink write.
func (m *Metrics) RecordSinkError(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(cacheHit bool, latency time.Duration) {
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	m.GeoLookupLatency.WithLabelValues(hit).Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// flagName strips the ":detail" suffix so label cardinality stays bounded.
func flagName(flag string) string {
	for i := 0; i < len(flag); i++ {
		if flag[i] == ':' {
			return flag[:i]
		}
	}
	return flag
}
