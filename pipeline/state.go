package pipeline

import (
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Local state defaults
const (
	DefaultIndexCap  = 500
	DefaultMaxEvents = 20_000
)

// Index names. Each index is keyed by a context such as an author or group.
const (
	IndexNotes       = "notes"     // kind 1 by author
	IndexChat        = "chat"      // kind 9 by h tag
	IndexReels       = "reels"     // kinds 22 and 34236 by h tag or global
	IndexLongForm    = "longform"  // kind 30023 by h tag or global
	IndexLiveStreams = "live"      // kind 30311 by h tag or global
	IndexMusicTracks = "tracks"    // kind 31683 by h tag or global
	IndexMusicAlbums = "albums"    // kind 33123 by h tag or global
	IndexPlaylists   = "playlists" // kind 30119 by h tag or global
)

// GlobalContext is the index key of events without an h tag
const GlobalContext = "global"

// Record is a parser result for one event. Replaceable and addressable
// events share a key, and the newest created_at wins.
type Record struct {
	Key       string
	EventID   string
	PubKey    string
	CreatedAt int64
	Value     any
}

// index keeps insertion order, unique ids and a size cap
type index struct {
	ids  []string
	seen map[string]struct{}
}

func (ix *index) add(id string, limit int) bool {
	if _, ok := ix.seen[id]; ok {
		return false
	}
	ix.ids = append(ix.ids, id)
	ix.seen[id] = struct{}{}
	if over := len(ix.ids) - limit; over > 0 {
		for _, old := range ix.ids[:over] {
			delete(ix.seen, old)
		}
		ix.ids = append([]string(nil), ix.ids[over:]...)
	}
	return true
}

// State is the in-memory view fed by the pipeline. Reads return copies.
type State struct {
	indexCap int
	events   *lru.Cache

	mu          sync.RWMutex
	relayCounts map[string]int64
	indexes     map[string]map[string]*index
	activity    map[string]int64
	records     map[int]map[string]Record
}

// NewState creates a state with the given index cap and event bound. Zero
// values take the defaults.
func NewState(indexCap, maxEvents int) *State {
	if indexCap <= 0 {
		indexCap = DefaultIndexCap
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	events, _ := lru.New(maxEvents)
	return &State{
		indexCap:    indexCap,
		events:      events,
		relayCounts: make(map[string]int64),
		indexes:     make(map[string]map[string]*index),
		activity:    make(map[string]int64),
		records:     make(map[int]map[string]Record),
	}
}

// Add stores e and reports whether it was new
func (s *State) Add(e nostr.Event) bool {
	found, _ := s.events.ContainsOrAdd(e.ID, e)
	return !found
}

// Get returns a held event
func (s *State) Get(id string) (nostr.Event, bool) {
	v, ok := s.events.Get(id)
	if !ok {
		return nostr.Event{}, false
	}
	return v.(nostr.Event), true
}

// Len returns the number of held events
func (s *State) Len() int { return s.events.Len() }

// IncrementEventCount counts one accepted event from source
func (s *State) IncrementEventCount(source string) {
	s.mu.Lock()
	s.relayCounts[source]++
	s.mu.Unlock()
}

// RelayCounts returns accepted events per source
func (s *State) RelayCounts() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.relayCounts))
	for k, v := range s.relayCounts {
		out[k] = v
	}
	return out
}

// AddToIndex appends id to index[key] unless already present
func (s *State) AddToIndex(name, key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.indexes[name]
	if !ok {
		byKey = make(map[string]*index)
		s.indexes[name] = byKey
	}
	ix, ok := byKey[key]
	if !ok {
		ix = &index{seen: make(map[string]struct{})}
		byKey[key] = ix
	}
	return ix.add(id, s.indexCap)
}

// Index returns the ids of index[key], oldest first
func (s *State) Index(name, key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ix, ok := s.indexes[name][key]
	if !ok {
		return nil
	}
	return append([]string(nil), ix.ids...)
}

// IndexEvents resolves Index to the events still held
func (s *State) IndexEvents(name, key string) []nostr.Event {
	ids := s.Index(name, key)
	out := make([]nostr.Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// TrackActivity keeps the newest created_at seen for a feed context
func (s *State) TrackActivity(context string, createdAt int64) {
	s.mu.Lock()
	if createdAt > s.activity[context] {
		s.activity[context] = createdAt
	}
	s.mu.Unlock()
}

// Activity returns the newest created_at of a feed context
func (s *State) Activity(context string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity[context]
}

// recordKey is kind:pubkey:d for addressable, kind:pubkey for replaceable
// and the id for everything else
func recordKey(e nostr.Event) string {
	kind := strconv.Itoa(e.Kind)
	switch {
	case nostr.IsAddressable(e.Kind):
		d, _ := e.Tags.Value("d")
		return kind + ":" + e.PubKey + ":" + d
	case e.Kind == nostr.KindMetadata || e.Kind == nostr.KindFollowList || (e.Kind >= 10000 && e.Kind < 20000):
		return kind + ":" + e.PubKey
	default:
		return e.ID
	}
}

// PutRecord stores a parser result unless a newer one exists for its key
func (s *State) PutRecord(e nostr.Event, value any) bool {
	rec := Record{Key: recordKey(e), EventID: e.ID, PubKey: e.PubKey, CreatedAt: e.CreatedAt, Value: value}

	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.records[e.Kind]
	if !ok {
		byKey = make(map[string]Record)
		s.records[e.Kind] = byKey
	}
	if prev, ok := byKey[rec.Key]; ok && prev.CreatedAt >= rec.CreatedAt {
		return false
	}
	byKey[rec.Key] = rec
	return true
}

// Records returns the parser results of kind, newest first
func (s *State) Records(kind int) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records[kind]))
	for _, r := range s.records[kind] {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Record returns the newest parser result of kind by author, if any
func (s *State) Record(kind int, pubkey string) (Record, bool) {
	for _, r := range s.Records(kind) {
		if r.PubKey == pubkey {
			return r, true
		}
	}
	return Record{}, false
}
