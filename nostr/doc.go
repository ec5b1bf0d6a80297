// Package nostr holds the protocol types shared by every other package:
// events, filters, the canonical id serialization, BIP-340 signing and
// verification, the relay wire codec, relay lists and event builders.
//
// Events are content addressed. The id is the sha256 of the canonical JSON
// array [0, pubkey, created_at, kind, tags, content], serialized the way
// JSON.stringify would, and the signature is a schnorr signature over that
// id by the x-only public key in pubkey.
//
//	unsigned := nostr.BuildChatMessage(pub, "group-id", "hello", nil)
//	signed, err := signer.SignEvent(ctx, unsigned)
//	ok, err := nostr.Verify(signed)
package nostr
