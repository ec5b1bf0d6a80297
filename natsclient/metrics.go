package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ishtarservices/TheWired-sub000/metric"
)

// DefaultMetricsInterval is how often tracked stream state is polled
const DefaultMetricsInterval = 30 * time.Second

// streamMetrics exports the state of the streams this client ensured.
// All methods are safe on a nil receiver.
type streamMetrics struct {
	interval time.Duration

	messages *prometheus.GaugeVec
	bytes    *prometheus.GaugeVec
	state    *prometheus.GaugeVec
	errors   *prometheus.CounterVec

	mu      sync.RWMutex
	streams map[string]jetstream.Stream
}

func newStreamMetrics(registry metric.MetricsRegistrar, interval time.Duration) (*streamMetrics, error) {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	m := &streamMetrics{
		interval: interval,
		messages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "stream_messages",
			Help:      "Current number of messages in stream",
		}, []string{"stream"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "stream_bytes",
			Help:      "Storage bytes used by stream",
		}, []string{"stream"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "stream_state",
			Help:      "Stream state (1=active, 0=unavailable)",
		}, []string{"stream"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "JetStream operation errors",
		}, []string{"operation"}),
		streams: make(map[string]jetstream.Stream),
	}

	if err := registry.RegisterGaugeVec("jetstream", "stream_messages", m.messages); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("jetstream", "stream_bytes", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("jetstream", "stream_state", m.state); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("jetstream", "operation_errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *streamMetrics) trackStream(name string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.streams[name] = stream
	m.mu.Unlock()
	m.state.WithLabelValues(name).Set(1)
}

func (m *streamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *streamMetrics) update(ctx context.Context) {
	m.mu.RLock()
	streams := make(map[string]jetstream.Stream, len(m.streams))
	for k, v := range m.streams {
		streams[k] = v
	}
	m.mu.RUnlock()

	for name, stream := range streams {
		info, err := stream.Info(ctx)
		if err != nil {
			m.state.WithLabelValues(name).Set(0)
			continue
		}
		m.messages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.bytes.WithLabelValues(name).Set(float64(info.State.Bytes))
		m.state.WithLabelValues(name).Set(1)
	}
}

// startPoller polls until the returned cancel is called
func (m *streamMetrics) startPoller(ctx context.Context) context.CancelFunc {
	if m == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.update(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
