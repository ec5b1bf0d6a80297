package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})

	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("svc", "test_histogram", histogram))

	counter.Inc()
	gauge.Set(42)
	histogram.Observe(1.5)

	names := gatherNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_gauge"])
	assert.True(t, names["test_histogram"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	newCounter := func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "dup"})
	}

	require.NoError(t, registry.RegisterCounter("service1", "duplicate_counter", newCounter()))

	// same service and name is caught by the registry's own bookkeeping
	err := registry.RegisterCounter("service1", "duplicate_counter", newCounter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// a different service with the same prometheus name is a prometheus conflict
	err = registry.RegisterCounter("service2", "duplicate_counter", newCounter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_UnregisterMetric(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "u"})
	require.NoError(t, registry.RegisterCounter("svc", "unregister_counter", counter))
	counter.Inc()
	assert.True(t, gatherNames(t, registry)["unregister_counter"])

	assert.True(t, registry.Unregister("svc", "unregister_counter"))
	assert.False(t, gatherNames(t, registry)["unregister_counter"])
	assert.False(t, registry.Unregister("svc", "unregister_counter"))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	const n = 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", id)
			counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			assert.NoError(t, registry.RegisterCounter("concurrent", name, counter))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatherNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, n, count)
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var registrar MetricsRegistrar = NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "component",
		Name:      "things_total",
		Help:      "things",
	}, []string{"kind"})
	require.NoError(t, registrar.RegisterCounterVec("component", "things_total", vec))
}

func TestClientMetrics_Exported(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	// vectors appear in Gather only once a label set has a value
	m.RecordRelayStatus("wss://a", "connected")
	m.RecordReconnect("wss://a")
	m.RecordRelayLatency("wss://a", 120*time.Millisecond)
	m.RecordRelayEvent("wss://a")
	m.RecordNotice("wss://a")
	m.RecordPublishAck("wss://a", true)
	m.RecordStoreRecords(10)
	m.RecordEviction("ttl", 3)
	m.RecordEvictionDuration(5 * time.Millisecond)
	m.RecordSinkPublish(true)
	m.RecordHealthStatus("pool", true)

	names := gatherNames(t, registry)
	for _, want := range []string{
		"wired_relay_status",
		"wired_relay_reconnects_total",
		"wired_relay_connect_latency_milliseconds",
		"wired_relay_events_received_total",
		"wired_relay_notices_total",
		"wired_publish_acks_total",
		"wired_store_records",
		"wired_store_evicted_total",
		"wired_store_eviction_duration_seconds",
		"wired_sink_published_total",
		"wired_health_status",
		"go_goroutines",
	} {
		assert.True(t, names[want], "metric %s should be exported", want)
	}
}

func TestClientMetrics_RelayStatusValues(t *testing.T) {
	m := NewClientMetrics()

	tests := []struct {
		status string
		want   float64
	}{
		{"disconnected", 0},
		{"connecting", 1},
		{"connected", 2},
		{"error", 3},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			m.RecordRelayStatus("wss://r", tt.status)
			g, err := m.RelayStatus.GetMetricWithLabelValues("wss://r")
			require.NoError(t, err)
			assert.Equal(t, tt.want, testutil.ToFloat64(g))
		})
	}
}

func TestClientMetrics_NilReceiver(t *testing.T) {
	var m *ClientMetrics
	assert.NotPanics(t, func() {
		m.RecordRelayStatus("r", "connected")
		m.RecordReconnect("r")
		m.RecordEviction("ttl", 1)
		m.RecordSinkPublish(false)
		m.RecordHealthStatus("x", false)
	})
}
