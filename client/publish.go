package client

import (
	"context"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/pipeline"
)

// localEventsKey is the user state entry listing events never sent to relays
const localEventsKey = "local_event_ids"

func (c *Client) sign(ctx context.Context, unsigned nostr.UnsignedEvent, method string) (nostr.Event, error) {
	if c.signer == nil {
		return nostr.Event{}, errors.WrapInvalid(errors.ErrNoSigner, "Client", method, "check signer")
	}
	signed, err := c.signer.SignEvent(ctx, unsigned)
	if err != nil {
		return nostr.Event{}, errors.Wrap(err, "Client", method, "sign event")
	}
	return signed, nil
}

// persist is best effort; the event is already signed and in flight
func (c *Client) persist(e nostr.Event) {
	if err := c.store.Put(e); err != nil {
		c.logger.Warn("Persisting local event failed", "event_id", e.ID, "kind", e.Kind, "error", err)
	}
}

// SignAndPublish signs unsigned, writes it to the given relays (the write
// set when none are named), persists it and feeds it through the pipeline
// so local state sees it at once. The relay echo is absorbed by dedup.
func (c *Client) SignAndPublish(ctx context.Context, unsigned nostr.UnsignedEvent, targets ...string) (nostr.Event, error) {
	signed, err := c.sign(ctx, unsigned, "SignAndPublish")
	if err != nil {
		return nostr.Event{}, err
	}
	sent, err := c.pool.Publish(signed, targets...)
	if err != nil {
		return signed, err
	}
	c.logger.Debug("Event published", "event_id", signed.ID, "kind", signed.Kind, "relays", len(sent))

	c.persist(signed)
	c.pipeline.ProcessEvent(ctx, signed, pipeline.SourceLocal, "")
	return signed, nil
}

// SignAndSaveLocally signs and stores an event without sending it to any
// relay. Its id is remembered so PublishExisting can promote it later.
func (c *Client) SignAndSaveLocally(ctx context.Context, unsigned nostr.UnsignedEvent) (nostr.Event, error) {
	signed, err := c.sign(ctx, unsigned, "SignAndSaveLocally")
	if err != nil {
		return nostr.Event{}, err
	}
	c.persist(signed)
	if err := c.rememberLocal(signed.ID); err != nil {
		c.logger.Warn("Tracking local event failed", "event_id", signed.ID, "error", err)
	}
	c.pipeline.ProcessEvent(ctx, signed, pipeline.SourceLocal, "")
	return signed, nil
}

// PublishExisting sends an already signed event and returns the relays it
// was written or queued on
func (c *Client) PublishExisting(e nostr.Event, targets ...string) ([]string, error) {
	sent, err := c.pool.Publish(e, targets...)
	if err != nil {
		return sent, err
	}
	if err := c.forgetLocal(e.ID); err != nil {
		c.logger.Debug("Untracking local event failed", "event_id", e.ID, "error", err)
	}
	return sent, nil
}

// LocalEventIDs lists events saved with SignAndSaveLocally and not yet
// published, oldest first
func (c *Client) LocalEventIDs() ([]string, error) {
	var ids []string
	if _, err := c.store.GetUserState(localEventsKey, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) rememberLocal(id string) error {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	ids, err := c.LocalEventIDs()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return c.store.SaveUserState(localEventsKey, append(ids, id))
}

func (c *Client) forgetLocal(id string) error {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	ids, err := c.LocalEventIDs()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	if len(kept) == 0 {
		return c.store.DeleteUserState(localEventsKey)
	}
	return c.store.SaveUserState(localEventsKey, kept)
}
