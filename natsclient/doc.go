// Package natsclient wraps the NATS Go client with circuit breaker
// protection for the optional event mirror.
//
// The client tracks its own lifecycle (Disconnected, Connecting, Connected,
// Reconnecting) on top of nats.go's reconnect handling. Connection and
// JetStream failures are counted; after a threshold (default 5) the circuit
// opens and every call fails fast with ErrCircuitOpen until the backoff
// elapses, doubling up to a cap on repeated rounds.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("wired"),
//		natsclient.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
//		Name:     "WIRED_EVENTS",
//		Subjects: []string{"wired.events.>"},
//	})
//
// # Metrics
//
// WithMetrics registers gauges for the message and byte counts of every
// stream ensured through the client, polled in the background, plus an
// error counter per operation.
//
// # Testing
//
// NewTestClient starts a JetStream enabled server with testcontainers and
// returns a connected client; it needs Docker and is used only from tests
// behind the integration build tag.
package natsclient
