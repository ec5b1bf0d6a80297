package pipeline

import (
	"strconv"
	"strings"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Parser turns an accepted event into a typed record. Returning false
// skips the event.
type Parser func(nostr.Event) (any, bool)

// Visibility of a music event
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilitySpace    = "space"
)

// MusicTrack is a parsed kind 31683 event
type MusicTrack struct {
	AddressableID   string
	EventID         string
	PubKey          string
	Title           string
	Artist          string
	FeaturedArtists []string
	AlbumRef        string
	Duration        float64
	Genre           string
	Hashtags        []string
	ImageURL        string
	CreatedAt       int64
	Visibility      string
}

// MusicAlbum is a parsed kind 33123 event
type MusicAlbum struct {
	AddressableID string
	EventID       string
	PubKey        string
	Title         string
	Artist        string
	TrackRefs     []string
	ImageURL      string
	CreatedAt     int64
	Visibility    string
}

// Playlist is a parsed kind 30119 event
type Playlist struct {
	AddressableID string
	EventID       string
	PubKey        string
	Title         string
	Description   string
	TrackRefs     []string
	ImageURL      string
	CreatedAt     int64
	Visibility    string
}

func tagOr(e nostr.Event, fallback string, names ...string) string {
	for _, n := range names {
		if v, ok := e.Tags.Value(n); ok && v != "" {
			return v
		}
	}
	return fallback
}

func visibility(e nostr.Event) string {
	if _, ok := e.Tags.Value("h"); ok {
		return VisibilitySpace
	}
	if v, _ := e.Tags.Value("visibility"); v == VisibilityUnlisted {
		return VisibilityUnlisted
	}
	return VisibilityPublic
}

// addressRefs returns a tag values pointing at kind
func addressRefs(e nostr.Event, kind int) []string {
	prefix := strconv.Itoa(kind) + ":"
	var out []string
	for _, v := range e.Tags.All("a") {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	return out
}

func address(e nostr.Event) string {
	d, _ := e.Tags.Value("d")
	return strconv.Itoa(e.Kind) + ":" + e.PubKey + ":" + d
}

// ParseMusicTrack reads title, artist, album and featured artists from tags
func ParseMusicTrack(e nostr.Event) (any, bool) {
	if e.Kind != nostr.KindMusicTrack {
		return nil, false
	}
	t := MusicTrack{
		AddressableID: address(e),
		EventID:       e.ID,
		PubKey:        e.PubKey,
		Title:         tagOr(e, "Untitled", "title"),
		Artist:        tagOr(e, e.PubKey, "artist", "p"),
		Genre:         tagOr(e, "", "genre"),
		Hashtags:      e.Tags.All("t"),
		ImageURL:      tagOr(e, "", "image", "thumb"),
		CreatedAt:     e.CreatedAt,
		Visibility:    visibility(e),
	}
	if refs := addressRefs(e, nostr.KindMusicAlbum); len(refs) > 0 {
		t.AlbumRef = refs[0]
	}
	if d, ok := e.Tags.Value("duration"); ok {
		t.Duration, _ = strconv.ParseFloat(d, 64)
	}
	for _, p := range e.Tags.All("p") {
		if p != "" && p != e.PubKey {
			t.FeaturedArtists = append(t.FeaturedArtists, p)
		}
	}
	return t, true
}

// ParseMusicAlbum reads an album and its ordered track references
func ParseMusicAlbum(e nostr.Event) (any, bool) {
	if e.Kind != nostr.KindMusicAlbum {
		return nil, false
	}
	return MusicAlbum{
		AddressableID: address(e),
		EventID:       e.ID,
		PubKey:        e.PubKey,
		Title:         tagOr(e, "Untitled Album", "title"),
		Artist:        tagOr(e, e.PubKey, "artist"),
		TrackRefs:     addressRefs(e, nostr.KindMusicTrack),
		ImageURL:      tagOr(e, "", "image", "thumb"),
		CreatedAt:     e.CreatedAt,
		Visibility:    visibility(e),
	}, true
}

// ParsePlaylist reads a playlist and its ordered track references
func ParsePlaylist(e nostr.Event) (any, bool) {
	if e.Kind != nostr.KindMusicPlaylist {
		return nil, false
	}
	return Playlist{
		AddressableID: address(e),
		EventID:       e.ID,
		PubKey:        e.PubKey,
		Title:         tagOr(e, "Untitled Playlist", "title"),
		Description:   tagOr(e, e.Content, "summary"),
		TrackRefs:     addressRefs(e, nostr.KindMusicTrack),
		ImageURL:      tagOr(e, "", "image"),
		CreatedAt:     e.CreatedAt,
		Visibility:    visibility(e),
	}, true
}

// ParseRelayList wraps nostr.ParseRelayList for the parser registry
func ParseRelayList(e nostr.Event) (any, bool) {
	if e.Kind != nostr.KindRelayList {
		return nil, false
	}
	return nostr.ParseRelayList(e), true
}

// DefaultParsers are registered by New
func DefaultParsers() map[int]Parser {
	return map[int]Parser{
		nostr.KindMusicTrack:    ParseMusicTrack,
		nostr.KindMusicAlbum:    ParseMusicAlbum,
		nostr.KindMusicPlaylist: ParsePlaylist,
		nostr.KindRelayList:     ParseRelayList,
	}
}
