package nostr

import (
	"net/url"
	"strings"
	"time"
)

// RelayMode is the capability of a relay entry
type RelayMode string

const (
	ModeRead      RelayMode = "read"
	ModeWrite     RelayMode = "write"
	ModeReadWrite RelayMode = "read+write"
)

// CanRead reports whether the mode allows subscriptions
func (m RelayMode) CanRead() bool { return m == ModeRead || m == ModeReadWrite }

// CanWrite reports whether the mode allows publishing
func (m RelayMode) CanWrite() bool { return m == ModeWrite || m == ModeReadWrite }

// ParseRelayMode maps a config or tag marker to a mode; anything else is read+write
func ParseRelayMode(s string) RelayMode {
	switch RelayMode(s) {
	case ModeRead:
		return ModeRead
	case ModeWrite:
		return ModeWrite
	default:
		return ModeReadWrite
	}
}

// RelayListEntry is one relay from a NIP-65 list
type RelayListEntry struct {
	URL  string    `json:"url" yaml:"url"`
	Mode RelayMode `json:"mode" yaml:"mode"`
}

// NormalizeRelayURL accepts ws and wss URLs only, lowercases scheme and host
// and strips a trailing slash. It returns false for anything else.
func NormalizeRelayURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", false
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/"), true
}

// ParseRelayList reads the r tags of a kind 10002 event
func ParseRelayList(e Event) []RelayListEntry {
	if e.Kind != KindRelayList {
		return nil
	}
	var entries []RelayListEntry
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != "r" || tag[1] == "" {
			continue
		}
		u, ok := NormalizeRelayURL(tag[1])
		if !ok {
			continue
		}
		mode := ModeReadWrite
		if len(tag) >= 3 {
			mode = ParseRelayMode(tag[2])
		}
		entries = append(entries, RelayListEntry{URL: u, Mode: mode})
	}
	return entries
}

// BuildRelayListEvent builds an unsigned kind 10002 event. read+write
// entries carry no marker.
func BuildRelayListEvent(pubkey string, relays []RelayListEntry) UnsignedEvent {
	tags := make(Tags, 0, len(relays))
	for _, r := range relays {
		switch r.Mode {
		case ModeRead, ModeWrite:
			tags = append(tags, Tag{"r", r.URL, string(r.Mode)})
		default:
			tags = append(tags, Tag{"r", r.URL})
		}
	}
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      KindRelayList,
		Tags:      tags,
	}
}
