package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/relay"
	"github.com/ishtarservices/TheWired-sub000/store"
)

// ReconnectOverlap is subtracted from the newest seen created_at when
// resuming, so events racing the disconnect are not missed
const ReconnectOverlap int64 = 60

// IDLength is the NIP-01 maximum subscription id length
const IDLength = 64

// ProcessFunc receives every event of an active subscription
type ProcessFunc func(ctx context.Context, raw json.RawMessage, relayURL, subID string)

// Options describes one subscription. Empty Relays means the pool's read set.
type Options struct {
	Filters []nostr.Filter
	Relays  []string
	// OnEOSE fires once, the first time every relay that received the
	// subscription has reported end of stored events
	OnEOSE func()
}

// Subscription is a snapshot of one registered subscription
type Subscription struct {
	ID            string
	Filters       []nostr.Filter
	Relays        []string
	EOSE          []string
	CaughtUp      bool
	LatestEventAt int64
	CreatedAt     time.Time
}

type entry struct {
	id        string
	filters   []nostr.Filter
	onEOSE    func()
	createdAt time.Time
	active    atomic.Bool
	latest    atomic.Int64

	mu     sync.Mutex
	ready  bool
	relays mapset.Set[string]
	eose   mapset.Set[string]
	eoseAt map[string]int64
	fired  bool
}

// observe keeps the newest created_at
func (e *entry) observe(createdAt int64) {
	for {
		cur := e.latest.Load()
		if createdAt <= cur || e.latest.CompareAndSwap(cur, createdAt) {
			return
		}
	}
}

// caughtUpLocked reports whether OnEOSE should fire now. Callers hold mu.
func (e *entry) caughtUpLocked() bool {
	if e.fired || !e.ready || e.relays.Cardinality() == 0 {
		return false
	}
	if !e.relays.IsSubset(e.eose) {
		return false
	}
	e.fired = true
	return true
}

func (e *entry) snapshot() Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Subscription{
		ID:            e.id,
		Filters:       append([]nostr.Filter(nil), e.filters...),
		CaughtUp:      e.fired,
		LatestEventAt: e.latest.Load(),
		CreatedAt:     e.createdAt,
	}
	if e.relays != nil {
		s.Relays = e.relays.ToSlice()
		sort.Strings(s.Relays)
	}
	s.EOSE = e.eose.ToSlice()
	sort.Strings(s.EOSE)
	return s
}

// Option configures a Registry
type Option func(*Registry)

// WithStore enables SaveState, LoadState and ClearState
func WithStore(s *store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the registry logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithContext sets the context handed to the ProcessFunc
func WithContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.ctx = ctx
		}
	}
}

// WithClock sets the clock used for EOSE timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry tracks subscription liveness and caught-up state on top of a
// relay pool. It does not deduplicate; the same event may arrive once per
// relay.
type Registry struct {
	pool    *relay.Pool
	process ProcessFunc
	store   *store.Store
	logger  *slog.Logger
	ctx     context.Context
	now     func() time.Time

	mu   sync.RWMutex
	subs map[string]*entry
}

// NewRegistry creates a registry; process may be nil
func NewRegistry(pool *relay.Pool, process ProcessFunc, opts ...Option) *Registry {
	r := &Registry{
		pool:    pool,
		process: process,
		logger:  slog.Default(),
		ctx:     context.Background(),
		now:     time.Now,
		subs:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "subscriptions")
	return r
}

// newID returns 64 random hex characters
func newID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// Subscribe validates the filters, opens the subscription and returns its id
func (r *Registry) Subscribe(opts Options) (string, error) {
	if err := nostr.ValidateFilters(opts.Filters); err != nil {
		return "", err
	}

	e := &entry{
		id:        newID(),
		filters:   opts.Filters,
		onEOSE:    opts.OnEOSE,
		createdAt: r.now(),
		eose:      mapset.NewSet[string](),
		eoseAt:    make(map[string]int64),
	}
	e.active.Store(true)

	r.mu.Lock()
	r.subs[e.id] = e
	r.mu.Unlock()

	relays, err := r.pool.SubscribeWithID(e.id, opts.Filters, &handler{r: r, e: e}, opts.Relays...)
	if err != nil {
		r.mu.Lock()
		delete(r.subs, e.id)
		r.mu.Unlock()
		e.active.Store(false)
		return "", err
	}

	e.mu.Lock()
	e.relays = mapset.NewSet(relays...)
	e.ready = true
	fire := e.caughtUpLocked()
	e.mu.Unlock()
	if fire && e.onEOSE != nil {
		e.onEOSE()
	}

	r.logger.Debug("Subscription opened", "sub_id", e.id, "relays", len(relays), "filters", len(opts.Filters))
	return e.id, nil
}

// Close stops the subscription. Unknown and already closed ids are ignored.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	e, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.active.Store(false)
	r.pool.CloseSubscription(id)
}

// CloseAll closes every subscription
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Close(id)
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[id]
}

// IsActive reports whether id is open
func (r *Registry) IsActive(id string) bool {
	e := r.lookup(id)
	return e != nil && e.active.Load()
}

// Get returns a snapshot of the subscription
func (r *Registry) Get(id string) (Subscription, bool) {
	e := r.lookup(id)
	if e == nil {
		return Subscription{}, false
	}
	return e.snapshot(), true
}

// Count returns the number of open subscriptions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// ReconnectSince returns the since value for resuming id, or false when no
// event has been seen yet
func (r *Registry) ReconnectSince(id string) (int64, bool) {
	e := r.lookup(id)
	if e == nil {
		return 0, false
	}
	latest := e.latest.Load()
	if latest <= 0 {
		return 0, false
	}
	return latest - ReconnectOverlap, true
}

// SaveState persists the resumption hint of id
func (r *Registry) SaveState(id string) error {
	if r.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "SaveState", "check store")
	}
	e := r.lookup(id)
	if e == nil {
		return errors.WrapInvalid(errors.ErrNotFound, "Registry", "SaveState", "lookup "+id)
	}

	e.mu.Lock()
	state := store.SubscriptionState{
		SubID:    id,
		LastEOSE: make(map[string]int64, len(e.eoseAt)),
		Filters:  append([]nostr.Filter(nil), e.filters...),
	}
	for url, at := range e.eoseAt {
		state.LastEOSE[url] = at
	}
	e.mu.Unlock()

	return r.store.SaveSubscriptionState(state)
}

// LoadState returns the persisted hint of id, or nil
func (r *Registry) LoadState(id string) (*store.SubscriptionState, error) {
	if r.store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "LoadState", "check store")
	}
	return r.store.GetSubscriptionState(id)
}

// ClearState removes the persisted hint of id
func (r *Registry) ClearState(id string) error {
	if r.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "ClearState", "check store")
	}
	return r.store.ClearSubscriptionState(id)
}

// handler binds pool callbacks to one entry
type handler struct {
	r *Registry
	e *entry
}

func (h *handler) OnEvent(subID string, raw json.RawMessage, relayURL string) {
	if !h.e.active.Load() {
		return
	}
	var head struct {
		CreatedAt int64 `json:"created_at"`
	}
	if json.Unmarshal(raw, &head) == nil {
		h.e.observe(head.CreatedAt)
	}
	if h.r.process != nil {
		h.r.process(h.r.ctx, raw, relayURL, subID)
	}
}

func (h *handler) OnEOSE(_ string, relayURL string) {
	h.relayDone(relayURL)
}

// OnClosed counts a relay side close as that relay being done; it will not
// send EOSE afterwards
func (h *handler) OnClosed(subID, reason, relayURL string) {
	h.r.logger.Debug("Relay closed subscription", "sub_id", subID, "relay", relayURL, "reason", reason)
	h.relayDone(relayURL)
}

func (h *handler) relayDone(relayURL string) {
	if !h.e.active.Load() {
		return
	}
	e := h.e
	e.mu.Lock()
	e.eose.Add(relayURL)
	e.eoseAt[relayURL] = h.r.now().Unix()
	fire := e.caughtUpLocked()
	e.mu.Unlock()
	if fire && e.onEOSE != nil {
		e.onEOSE()
	}
}
