// Package errors classifies failures for the relay client.
//
// Three classes drive handling decisions:
//
//   - Transient: transport drops, verification timeouts, storage hiccups.
//     These are absorbed by reconnecting, retrying or dropping the event.
//   - Invalid: malformed events and caller misuse such as publishing without
//     a signer or subscribing with a malformed filter. Only these surface to
//     the direct caller.
//   - Fatal: broken configuration or a corrupted store.
//
// Wrap errors with the component and method that produced them:
//
//	if err := s.db.Set(key, value, pebble.Sync); err != nil {
//	    return errors.WrapTransient(err, "Store", "Put", "write event")
//	}
//
// The resulting message reads "Store.Put: write event failed: <cause>" and
// the chain still matches errors.Is against the original sentinel.
package errors
