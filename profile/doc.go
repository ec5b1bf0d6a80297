// Package profile caches identity metadata (kind 0) in front of the durable
// store and relays.
//
// Lookups go memory first, then the durable tier, then the network.
// Subscribe calls made within one batch tick are merged into a single
// {kinds:[0], authors:[...]} subscription that closes itself once every
// targeted relay has sent EOSE:
//
//	cache := profile.New(profile.Config{},
//		profile.WithDurable(st),
//		profile.WithSubscriber(registry))
//	go cache.Run(ctx)
//
//	stop := cache.Subscribe(pubkey, func(p nostr.Profile) {
//		fmt.Println(p.Name)
//	})
//	defer stop()
//
// Kind 0 events accepted by the pipeline reach HandleIncoming, which keeps
// the newest created_at per identity and persists it.
package profile
