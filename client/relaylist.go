package client

import (
	"context"
	"sync"

	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/subscription"
)

// relayListKey is the user state entry holding the last known NIP-65 list
const relayListKey = "relay_list"

// CachedRelayList returns the relay list saved by the last LoadRelayList
func (c *Client) CachedRelayList() ([]nostr.RelayListEntry, bool, error) {
	var entries []nostr.RelayListEntry
	ok, err := c.store.GetUserState(relayListKey, &entries)
	if err != nil || !ok {
		return nil, false, err
	}
	return entries, true, nil
}

// LoadRelayList connects the cached relay list of pubkey right away, then
// asks the bootstrap relays for the current kind 10002 event. A newer list
// is saved and connected. It returns the list in effect, which is the
// cached one when the relays know nothing newer.
func (c *Client) LoadRelayList(ctx context.Context, pubkey string) ([]nostr.RelayListEntry, error) {
	cached, ok, err := c.CachedRelayList()
	if err != nil {
		c.logger.Debug("Reading cached relay list failed", "error", err)
	}
	if ok && len(cached) > 0 {
		c.pool.ConnectFromConfig(cached)
	}

	done := make(chan struct{})
	var once sync.Once
	id, err := c.subs.Subscribe(subscription.Options{
		Filters: []nostr.Filter{{
			Kinds:   []int{nostr.KindRelayList},
			Authors: []string{pubkey},
			Limit:   nostr.Int(1),
		}},
		Relays: c.pool.Bootstrap(),
		OnEOSE: func() { once.Do(func() { close(done) }) },
	})
	if err != nil {
		return cached, err
	}
	defer c.subs.Close(id)

	// with no bootstrap relay in the pool EOSE never comes
	if sub, _ := c.subs.Get(id); len(sub.Relays) > 0 {
		select {
		case <-done:
		case <-ctx.Done():
			return cached, ctx.Err()
		}
	}

	rec, found := c.State().Record(nostr.KindRelayList, pubkey)
	if !found {
		return cached, nil
	}
	entries, _ := rec.Value.([]nostr.RelayListEntry)
	if len(entries) == 0 {
		return cached, nil
	}
	if err := c.store.SaveUserState(relayListKey, entries); err != nil {
		c.logger.Warn("Saving relay list failed", "error", err)
	}
	c.pool.ConnectFromConfig(entries)
	c.logger.Info("Relay list loaded", "pubkey", pubkey, "relays", len(entries), "created_at", rec.CreatedAt)
	return entries, nil
}
