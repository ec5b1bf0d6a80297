package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the client exports
const Namespace = "wired"

// relay status values exported by the wired_relay_status gauge
var relayStatusValues = map[string]float64{
	"disconnected": 0,
	"connecting":   1,
	"connected":    2,
	"error":        3,
}

// ClientMetrics holds the metrics shared across the client: relay links,
// durable store size and eviction, publish acknowledgements and health.
// Pipeline and verification metrics are registered by those packages.
// All Record methods are safe on a nil receiver.
type ClientMetrics struct {
	// Relay metrics
	RelayStatus     *prometheus.GaugeVec
	RelayReconnects *prometheus.CounterVec
	RelayLatency    *prometheus.GaugeVec
	RelayEvents     *prometheus.CounterVec
	RelayNotices    *prometheus.CounterVec

	// Publish metrics
	PublishAcks *prometheus.CounterVec

	// Store metrics
	StoreRecords     prometheus.Gauge
	EvictedRecords   *prometheus.CounterVec
	EvictionDuration prometheus.Histogram

	// Sink metrics
	SinkPublished *prometheus.CounterVec

	HealthStatus *prometheus.GaugeVec
}

// NewClientMetrics creates the client metric set
func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{
		RelayStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "status",
				Help:      "Relay link status (0=disconnected, 1=connecting, 2=connected, 3=error)",
			},
			[]string{"relay"},
		),

		RelayReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "reconnects_total",
				Help:      "Total number of scheduled relay reconnects",
			},
			[]string{"relay"},
		),

		RelayLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "connect_latency_milliseconds",
				Help:      "Time from dial start to open for the last relay connect",
			},
			[]string{"relay"},
		),

		RelayEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "events_received_total",
				Help:      "Total number of EVENT frames received per relay",
			},
			[]string{"relay"},
		),

		RelayNotices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "relay",
				Name:      "notices_total",
				Help:      "Total number of NOTICE frames received per relay",
			},
			[]string{"relay"},
		),

		PublishAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "publish",
				Name:      "acks_total",
				Help:      "Total number of OK frames received for published events",
			},
			[]string{"relay", "accepted"},
		),

		StoreRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "records",
				Help:      "Number of event records in the durable store",
			},
		),

		EvictedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "evicted_total",
				Help:      "Total number of records removed by eviction",
			},
			[]string{"reason"},
		),

		EvictionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "eviction_duration_seconds",
				Help:      "Duration of eviction runs",
				Buckets:   prometheus.DefBuckets,
			},
		),

		SinkPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sink",
				Name:      "published_total",
				Help:      "Total number of events mirrored to the message broker",
			},
			[]string{"status"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

func (c *ClientMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RelayStatus,
		c.RelayReconnects,
		c.RelayLatency,
		c.RelayEvents,
		c.RelayNotices,
		c.PublishAcks,
		c.StoreRecords,
		c.EvictedRecords,
		c.EvictionDuration,
		c.SinkPublished,
		c.HealthStatus,
	}
}

// RecordRelayStatus updates the status gauge for a relay
func (c *ClientMetrics) RecordRelayStatus(relay, status string) {
	if c == nil {
		return
	}
	value, ok := relayStatusValues[status]
	if !ok {
		return
	}
	c.RelayStatus.WithLabelValues(relay).Set(value)
}

// RecordReconnect increments the reconnect counter for a relay
func (c *ClientMetrics) RecordReconnect(relay string) {
	if c == nil {
		return
	}
	c.RelayReconnects.WithLabelValues(relay).Inc()
}

// RecordRelayLatency records the connect latency of a relay
func (c *ClientMetrics) RecordRelayLatency(relay string, latency time.Duration) {
	if c == nil {
		return
	}
	c.RelayLatency.WithLabelValues(relay).Set(float64(latency.Milliseconds()))
}

// RecordRelayEvent increments the inbound event counter for a relay
func (c *ClientMetrics) RecordRelayEvent(relay string) {
	if c == nil {
		return
	}
	c.RelayEvents.WithLabelValues(relay).Inc()
}

// RecordNotice increments the notice counter for a relay
func (c *ClientMetrics) RecordNotice(relay string) {
	if c == nil {
		return
	}
	c.RelayNotices.WithLabelValues(relay).Inc()
}

// RecordPublishAck records an OK frame
func (c *ClientMetrics) RecordPublishAck(relay string, accepted bool) {
	if c == nil {
		return
	}
	c.PublishAcks.WithLabelValues(relay, boolLabel(accepted)).Inc()
}

// RecordStoreRecords sets the durable record count
func (c *ClientMetrics) RecordStoreRecords(n int) {
	if c == nil {
		return
	}
	c.StoreRecords.Set(float64(n))
}

// RecordEviction adds n evicted records for a reason (ttl, profile, capacity)
func (c *ClientMetrics) RecordEviction(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EvictedRecords.WithLabelValues(reason).Add(float64(n))
}

// RecordEvictionDuration observes one eviction run
func (c *ClientMetrics) RecordEvictionDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.EvictionDuration.Observe(d.Seconds())
}

// RecordSinkPublish counts one mirrored event
func (c *ClientMetrics) RecordSinkPublish(ok bool) {
	if c == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	c.SinkPublished.WithLabelValues(status).Inc()
}

// RecordHealthStatus updates health check status
func (c *ClientMetrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthStatus.WithLabelValues(component).Set(value)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
