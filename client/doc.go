// Package client is the process root of a wired session.
//
// New builds every component from a config.Config and wires them
// together explicitly:
//
//	relay.Pool ── subscription.Registry ── pipeline.Pipeline ── pipeline.State
//	                     │                      │
//	               profile.Cache           store.Store, sink.Sink
//
// Run connects the bootstrap and configured relays and runs the store
// evictor, the profile batcher, the optional event sink and the metrics
// server until the context is cancelled.
//
// # Publishing
//
// With a signer configured (WithSigner), SignAndPublish signs an event,
// writes it to the write relays, persists it and feeds it through the
// pipeline with source "local" so local state reflects it immediately.
// SignAndSaveLocally keeps an event off the relays until PublishExisting
// promotes it. Without a signer both return errors.ErrNoSigner.
//
// # Example
//
//	cfg, _ := config.NewLoader().LoadFile("wired.yaml")
//	signer, _ := nostr.NewKeySigner(secretHex)
//	c, err := client.New(cfg, client.WithSigner(signer))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	go c.Run(ctx)
//
//	note, err := c.SignAndPublish(ctx, nostr.UnsignedEvent{Kind: nostr.KindShortText, Content: "gm"})
package client
