package nostr

import (
	"encoding/json"
	"strconv"
	"time"
)

// ReplyTarget identifies the event a chat message, reply or quote points at
type ReplyTarget struct {
	EventID string
	PubKey  string
	// RootID is the thread root for replies. Empty means EventID is the root.
	RootID string
}

func now() int64 { return time.Now().Unix() }

// BuildProfileEvent builds a kind 0 metadata event. Empty fields are omitted
// from the content.
func BuildProfileEvent(pubkey string, p Profile) UnsignedEvent {
	content, _ := json.Marshal(p.contentFields())
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: now(),
		Kind:      KindMetadata,
		Tags:      Tags{},
		Content:   string(content),
	}
}

// BuildChatMessage builds a kind 9 group chat message. A reply adds q and p
// tags and a short quote prefix.
func BuildChatMessage(pubkey, groupID, content string, replyTo *ReplyTarget) UnsignedEvent {
	tags := Tags{{"h", groupID}}
	if replyTo != nil {
		tags = append(tags, Tag{"q", replyTo.EventID}, Tag{"p", replyTo.PubKey})
		prefix := replyTo.EventID
		if len(prefix) > 16 {
			prefix = prefix[:16]
		}
		content = "nostr:nevent1" + prefix + "... " + content
	}
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: now(),
		Kind:      KindChatMessage,
		Tags:      tags,
		Content:   content,
	}
}

// BuildReply builds a kind 1 reply with NIP-10 root and reply markers
func BuildReply(pubkey, content string, target ReplyTarget) UnsignedEvent {
	root := target.RootID
	if root == "" {
		root = target.EventID
	}
	tags := Tags{{"e", root, "", "root"}}
	if target.EventID != root {
		tags = append(tags, Tag{"e", target.EventID, "", "reply"})
	}
	tags = append(tags, Tag{"p", target.PubKey})
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: now(),
		Kind:      KindShortText,
		Tags:      tags,
		Content:   content,
	}
}

// BuildReaction builds a kind 7 reaction. Empty content means "+".
func BuildReaction(pubkey string, target ReplyTarget, targetKind int, content string) UnsignedEvent {
	if content == "" {
		content = "+"
	}
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: now(),
		Kind:      KindReaction,
		Tags: Tags{
			{"e", target.EventID},
			{"p", target.PubKey},
			{"k", strconv.Itoa(targetKind)},
		},
		Content: content,
	}
}

// BuildRepost builds a kind 6 repost carrying the original event as JSON
func BuildRepost(pubkey string, original Event) (UnsignedEvent, error) {
	raw, err := json.Marshal(original)
	if err != nil {
		return UnsignedEvent{}, err
	}
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: now(),
		Kind:      KindRepost,
		Tags:      Tags{{"e", original.ID}, {"p", original.PubKey}},
		Content:   string(raw),
	}, nil
}

// BuildQuoteNote builds a kind 1 note quoting another event with a q tag
func BuildQuoteNote(pubkey, content string, target ReplyTarget) UnsignedEvent {
	return UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: now(),
		Kind:      KindShortText,
		Tags: Tags{
			{"q", target.EventID, "", target.PubKey},
			{"p", target.PubKey},
		},
		Content: content,
	}
}
