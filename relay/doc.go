// Package relay manages websocket links to Nostr relays.
//
// A Connection is one relay link with its own state machine:
//
//	disconnected -> connecting -> connected
//	        ^            |            |
//	        +--- error <-+------------+
//
// Transport failures report StatusError then StatusDisconnected and schedule
// a reconnect after max(backoff(attempts), storm cooldown). While offline,
// EVENT publishes queue and subscriptions are only recorded; on open the
// queue flushes in order and every tracked subscription is re-sent once.
//
// A Pool owns the connections, keyed by normalized URL, and routes inbound
// frames to per-subscription Handlers through its Router. Read and write
// sets are derived from each link's NIP-65 mode and current status.
//
// Basic usage:
//
//	pool := relay.NewPool(relay.DefaultConfig(), relay.WithLogger(logger))
//	pool.ConnectBootstrapAndWait(ctx, relay.DefaultBootstrapTimeout)
//	id, relays, err := pool.Subscribe(filters, handler)
//	defer pool.CloseSubscription(id)
package relay
