package profile

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/store"
	"github.com/ishtarservices/TheWired-sub000/subscription"
)

// Defaults
const (
	DefaultBatchTick   = 16 * time.Millisecond
	DefaultSearchLimit = 10
)

// Entry is a cached profile and the created_at of the kind 0 event it came from
type Entry struct {
	Profile   nostr.Profile
	CreatedAt int64
}

// Listener receives every fresher profile of the identity it subscribed to
type Listener func(nostr.Profile)

// Match is one SearchCached result
type Match struct {
	PubKey  string
	Profile nostr.Profile
}

// Durable is the persistent tier; *store.Store implements it
type Durable interface {
	GetProfile(pubkey string) (*store.ProfileRecord, error)
	PutProfile(pubkey string, p nostr.Profile, createdAt int64) (bool, error)
}

// Subscriber opens the batched kind 0 fetches; *subscription.Registry
// implements it
type Subscriber interface {
	Subscribe(opts subscription.Options) (string, error)
	Get(id string) (subscription.Subscription, bool)
	Close(id string)
}

// Config tunes the cache
type Config struct {
	// BatchTick is how long subscribe calls are collected before one fetch
	BatchTick time.Duration `json:"batch_tick" yaml:"batch_tick"`
	// Capacity bounds the memory tier; zero keeps every profile of the session
	Capacity int `json:"capacity" yaml:"capacity"`
}

// Option configures a Cache
type Option func(*Cache)

// WithDurable enables the persistent tier
func WithDurable(d Durable) Option {
	return func(c *Cache) { c.durable = d }
}

// WithSubscriber enables relay fetches
func WithSubscriber(s Subscriber) Option {
	return func(c *Cache) { c.subs = s }
}

// WithLogger sets the cache logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// listener serializes deliveries to one callback and never hands it an
// older profile than the last one it saw
type listener struct {
	fn   Listener
	mu   sync.Mutex
	seen bool
	last int64
}

func (l *listener) deliver(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen && e.CreatedAt <= l.last {
		return
	}
	l.seen, l.last = true, e.CreatedAt
	l.fn(e.Profile)
}

// Cache resolves identity metadata from memory, the durable tier and
// relays. Fresher always wins: an entry is only replaced by one with a
// strictly greater created_at.
//
// Listeners are called synchronously and must not feed the same identity
// back into the cache from inside the callback.
type Cache struct {
	cfg     Config
	durable Durable
	subs    Subscriber
	logger  *slog.Logger

	mu        sync.Mutex
	entries   *lru.Cache
	listeners map[string]map[*listener]struct{}
	pending   map[string]struct{}

	kick chan struct{}
}

// New creates a cache. Without a Subscriber nothing is fetched from relays.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.BatchTick <= 0 {
		cfg.BatchTick = DefaultBatchTick
	}
	size := cfg.Capacity
	if size <= 0 {
		size = math.MaxInt32
	}
	entries, _ := lru.New(size)
	c := &Cache{
		cfg:       cfg,
		logger:    slog.Default(),
		entries:   entries,
		listeners: make(map[string]map[*listener]struct{}),
		pending:   make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "profiles")
	return c
}

func (c *Cache) entry(pubkey string) (Entry, bool) {
	v, ok := c.entries.Get(pubkey)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// GetCached returns the in-memory profile, never blocking on I/O
func (c *Cache) GetCached(pubkey string) (Entry, bool) {
	return c.entry(pubkey)
}

// Len returns the number of profiles held in memory
func (c *Cache) Len() int { return c.entries.Len() }

// Subscribe registers fn for pubkey. A cached profile is replayed at once;
// otherwise the durable tier is consulted in the background. Either way
// pubkey joins the next relay fetch batch, unless it is not a 64 digit hex
// key, which relays would reject for the whole batch.
func (c *Cache) Subscribe(pubkey string, fn Listener) (unsubscribe func()) {
	l := &listener{fn: fn}
	fetchable := nostr.IsHex(pubkey, nostr.PubKeyLength)
	if !fetchable {
		c.logger.Debug("Not fetching malformed pubkey", "pubkey", pubkey)
	}

	c.mu.Lock()
	set, ok := c.listeners[pubkey]
	if !ok {
		set = make(map[*listener]struct{})
		c.listeners[pubkey] = set
	}
	set[l] = struct{}{}
	cached, hit := c.entry(pubkey)
	if fetchable {
		c.pending[pubkey] = struct{}{}
	}
	c.mu.Unlock()

	if hit {
		l.deliver(cached)
	} else if c.durable != nil && fetchable {
		go c.loadDurable(pubkey)
	}

	if fetchable {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.listeners[pubkey]; ok {
			delete(set, l)
			if len(set) == 0 {
				delete(c.listeners, pubkey)
			}
		}
	}
}

func (c *Cache) loadDurable(pubkey string) {
	rec, err := c.durable.GetProfile(pubkey)
	if err != nil {
		c.logger.Debug("Durable profile read failed", "pubkey", pubkey, "error", err)
		return
	}
	if rec == nil {
		return
	}
	c.apply(pubkey, Entry{Profile: rec.Profile, CreatedAt: rec.CreatedAt})
}

// apply stores e unless memory already holds one at least as fresh, then
// notifies listeners. It reports whether e was stored.
func (c *Cache) apply(pubkey string, e Entry) bool {
	c.mu.Lock()
	if cur, ok := c.entry(pubkey); ok && e.CreatedAt <= cur.CreatedAt {
		c.mu.Unlock()
		return false
	}
	c.entries.Add(pubkey, e)
	targets := make([]*listener, 0, len(c.listeners[pubkey]))
	for l := range c.listeners[pubkey] {
		targets = append(targets, l)
	}
	c.mu.Unlock()

	for _, l := range targets {
		l.deliver(e)
	}
	return true
}

// HandleIncoming applies a kind 0 event from any source. Stale events and
// unparsable content are ignored. It reports whether the cache changed.
func (c *Cache) HandleIncoming(ev nostr.Event) bool {
	p, ok := nostr.ParseProfile(ev)
	if !ok {
		return false
	}
	if !c.apply(ev.PubKey, Entry{Profile: p, CreatedAt: ev.CreatedAt}) {
		return false
	}
	if c.durable != nil {
		if _, err := c.durable.PutProfile(ev.PubKey, p, ev.CreatedAt); err != nil {
			c.logger.Warn("Persisting profile failed", "pubkey", ev.PubKey, "error", err)
		}
	}
	return true
}

// SearchCached scans memory for pubkey prefixes and case-insensitive
// matches on name, display name and NIP-05. A limit <= 0 uses
// DefaultSearchLimit.
func (c *Cache) SearchCached(query string, limit int) []Match {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := strings.ToLower(query)
	var out []Match
	for _, k := range c.entries.Keys() {
		if len(out) >= limit {
			break
		}
		pubkey, _ := k.(string)
		v, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		p := v.(Entry).Profile
		if strings.HasPrefix(pubkey, q) ||
			strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.DisplayName), q) ||
			strings.Contains(strings.ToLower(p.Nip05), q) {
			out = append(out, Match{PubKey: pubkey, Profile: p})
		}
	}
	return out
}

// Clear drops memory, listeners and the pending batch. The durable tier is
// left alone.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries.Purge()
	c.listeners = make(map[string]map[*listener]struct{})
	c.pending = make(map[string]struct{})
	c.mu.Unlock()
}

// Run flushes pending identities as one fetch per batch tick until ctx ends
func (c *Cache) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.kick:
			if !armed {
				timer.Reset(c.cfg.BatchTick)
				armed = true
			}
		case <-timer.C:
			armed = false
			c.Flush()
		}
	}
}

// Flush sends the pending batch now
func (c *Cache) Flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	pubkeys := make([]string, 0, len(c.pending))
	for pk := range c.pending {
		pubkeys = append(pubkeys, pk)
	}
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	if c.subs == nil {
		return
	}
	c.fetch(pubkeys)
}

// fetch opens one kind 0 subscription and closes it once caught up. EOSE
// may land before Subscribe returns the id, so both sides check.
func (c *Cache) fetch(pubkeys []string) {
	var (
		mu   sync.Mutex
		id   string
		done bool
	)
	subID, err := c.subs.Subscribe(subscription.Options{
		Filters: []nostr.Filter{{Kinds: []int{nostr.KindMetadata}, Authors: pubkeys}},
		OnEOSE: func() {
			mu.Lock()
			done = true
			sid := id
			mu.Unlock()
			if sid != "" {
				c.subs.Close(sid)
			}
		},
	})
	if err != nil {
		c.logger.Warn("Profile fetch failed", "pubkeys", len(pubkeys), "error", err)
		return
	}

	mu.Lock()
	id = subID
	finished := done
	mu.Unlock()

	sub, ok := c.subs.Get(subID)
	if finished || !ok || len(sub.Relays) == 0 {
		c.subs.Close(subID)
		return
	}
	c.logger.Debug("Profile fetch sent", "sub_id", subID, "pubkeys", len(pubkeys), "relays", len(sub.Relays))
}
