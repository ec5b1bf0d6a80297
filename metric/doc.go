// Package metric provides Prometheus metrics and the HTTP exposition server
// for the relay client.
//
// A MetricsRegistry wraps a private prometheus.Registry. It registers the
// client-wide ClientMetrics (relay status, reconnects, store size, eviction,
// publish acknowledgements, broker sink) plus the Go runtime and process
// collectors. Packages with their own metrics, such as verify and pipeline,
// register them through the MetricsRegistrar interface, which rejects
// duplicate names per service.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordRelayStatus("wss://relay.example", "connected")
//
//	server := metric.NewServer(9090, "/metrics", registry,
//	    metric.WithHealth(monitorHealth),
//	    metric.WithRelays(func() any { return pool.Connections() }),
//	)
//	go server.Start()
//	defer server.Stop()
//
// # Endpoints
//
//   - /metrics: Prometheus and OpenMetrics exposition
//   - /health: aggregate health JSON, 503 when unhealthy
//   - /relays: relay connection snapshot
//
// Record methods on ClientMetrics are safe on a nil receiver so components
// can be constructed without metrics in tests.
package metric
