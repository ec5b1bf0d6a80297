package nostr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// Lengths of the hex encoded fields
const (
	IDLength     = 64
	PubKeyLength = 64
	SigLength    = 128
)

// IsHex reports whether s is exactly length hex digits of either case
func IsHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Event kinds the client reacts to
const (
	KindMetadata      = 0
	KindShortText     = 1
	KindFollowList    = 3
	KindRepost        = 6
	KindReaction      = 7
	KindChatMessage   = 9
	KindVideoVertical = 22
	KindRelayList     = 10002

	KindLongForm          = 30023
	KindMusicPlaylist     = 30119
	KindLiveStream        = 30311
	KindMusicTrack        = 31683
	KindMusicAlbum        = 33123
	KindVideoVerticalAddr = 34236
)

// Addressable kinds are replaced by (kind, pubkey, d-tag) rather than id
const (
	AddressableMin = 30000
	AddressableMax = 40000
)

// IsAddressable reports whether kind lies in the addressable range
func IsAddressable(kind int) bool {
	return kind >= AddressableMin && kind < AddressableMax
}

// Tag is one entry of an event's tag list. Element 0 is the tag name.
type Tag []string

// Tags is the ordered tag list of an event
type Tags []Tag

// Value returns the first value of the first tag named name
func (t Tags) Value(name string) (string, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// All returns every first value of tags named name
func (t Tags) All(name string) []string {
	var out []string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is a signed, immutable record
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// UnsignedEvent is an event before id and signature are attached
type UnsignedEvent struct {
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
}

// Unsigned strips id and signature
func (e Event) Unsigned() UnsignedEvent {
	return UnsignedEvent{
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
	}
}

// Group returns the h tag value, the group a chat or feed event belongs to
func (e Event) Group() (string, bool) {
	return e.Tags.Value("h")
}

// MarshalJSON writes tags as [] when empty and leaves <, > and & unescaped
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	p := plain(e)
	if p.Tags == nil {
		p.Tags = Tags{}
	}
	return marshalNoEscape(p)
}

// wireEvent detects missing fields during strict decoding
type wireEvent struct {
	ID        *string `json:"id"`
	PubKey    *string `json:"pubkey"`
	CreatedAt *int64  `json:"created_at"`
	Kind      *int    `json:"kind"`
	Tags      *[]Tag  `json:"tags"`
	Content   *string `json:"content"`
	Sig       *string `json:"sig"`
}

// DecodeEvent strictly decodes a relay supplied event. Every field must be
// present with the right JSON type: tags must be a list of string lists and
// created_at and kind must be integers.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errors.ErrInvalidEvent, err)
	}
	if w.ID == nil || w.PubKey == nil || w.CreatedAt == nil || w.Kind == nil ||
		w.Tags == nil || w.Content == nil || w.Sig == nil {
		return Event{}, fmt.Errorf("%w: missing field", errors.ErrInvalidEvent)
	}
	for _, tag := range *w.Tags {
		if tag == nil {
			return Event{}, fmt.Errorf("%w: null tag", errors.ErrInvalidEvent)
		}
	}
	return Event{
		ID:        *w.ID,
		PubKey:    *w.PubKey,
		CreatedAt: *w.CreatedAt,
		Kind:      *w.Kind,
		Tags:      Tags(*w.Tags),
		Content:   *w.Content,
		Sig:       *w.Sig,
	}, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
