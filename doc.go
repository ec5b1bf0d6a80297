// Package wired is the client core of a Nostr application: it keeps a pool
// of relay connections, multiplexes subscriptions over them, and turns the
// raw event stream into validated, deduplicated local state.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            relay.Pool               │  One websocket per relay,
//	│  (connect, backoff, storm guard)    │  read / write routing
//	└─────────────────────────────────────┘
//	           ↓ raw EVENT frames
//	┌─────────────────────────────────────┐
//	│       subscription.Registry         │  REQ fan-out, EOSE,
//	│   (filters, since, liveness)        │  resume from store
//	└─────────────────────────────────────┘
//	           ↓ per relay, per sub
//	┌─────────────────────────────────────┐
//	│         pipeline.Pipeline           │  parse, validate, dedup,
//	│ (verify.Bridge for signatures)      │  verify, parse by kind
//	└─────────────────────────────────────┘
//	           ↓ accepted events
//	┌──────────────┬──────────────┬───────────────┐
//	│pipeline.State│ store.Store  │  sink.Sink    │
//	│ (in memory)  │  (pebble)    │ (JetStream)   │
//	└──────────────┴──────────────┴───────────────┘
//
// # Packages
//
// Protocol:
//   - nostr: events, filters, canonical ids, signing, wire messages, NIP-65
//   - relay: connections, pool, routing and reconnect policy
//   - subscription: REQ lifecycle across relays
//
// Processing:
//   - pipeline: the gate sequence from raw frame to local state
//   - verify: off-path Schnorr verification with timeouts
//   - profile: kind 0 identity cache with batched fetches
//
// Persistence and export:
//   - store: durable events, profiles and resume state
//   - sink: optional republishing of accepted events to NATS JetStream
//   - natsclient: the NATS connection behind the sink
//
// Infrastructure:
//   - config: layered yaml/json configuration with WIRED_* overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - health, metric: health aggregation and Prometheus metrics
//   - pkg/retry, pkg/tlsutil: backoff and TLS helpers
//
// The client package wires all of the above into one session; cmd/wired
// runs it and cmd/wiredctl inspects its data directory.
package wired
