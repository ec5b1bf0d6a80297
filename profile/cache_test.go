package profile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/store"
	"github.com/ishtarservices/TheWired-sub000/subscription"
)

const (
	alice = "a11ce00000000000000000000000000000000000000000000000000000000000"
	bob   = "b0b0000000000000000000000000000000000000000000000000000000000000"
)

func kind0(pubkey string, createdAt int64, name string) nostr.Event {
	return nostr.Event{
		ID:        fmt.Sprintf("%s-%d", pubkey[:4], createdAt),
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      nostr.KindMetadata,
		Content:   fmt.Sprintf(`{"name":%q}`, name),
	}
}

type memDurable struct {
	mu      sync.Mutex
	records map[string]store.ProfileRecord
	puts    int
	getErr  error
}

func newMemDurable() *memDurable {
	return &memDurable{records: make(map[string]store.ProfileRecord)}
}

func (m *memDurable) GetProfile(pubkey string) (*store.ProfileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[pubkey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memDurable) PutProfile(pubkey string, p nostr.Profile, createdAt int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.records[pubkey] = store.ProfileRecord{PubKey: pubkey, Profile: p, CreatedAt: createdAt}
	return true, nil
}

// fakeSubscriber records fetches. eoseInline fires OnEOSE before Subscribe
// returns, like a relay that answered instantly.
type fakeSubscriber struct {
	mu         sync.Mutex
	relays     []string
	eoseInline bool
	opts       []subscription.Options
	open       map[string]subscription.Options
	closed     []string
	n          int
}

func newFakeSubscriber(relays ...string) *fakeSubscriber {
	return &fakeSubscriber{relays: relays, open: make(map[string]subscription.Options)}
}

func (f *fakeSubscriber) Subscribe(opts subscription.Options) (string, error) {
	f.mu.Lock()
	f.n++
	id := fmt.Sprintf("sub-%d", f.n)
	f.opts = append(f.opts, opts)
	f.open[id] = opts
	inline := f.eoseInline
	f.mu.Unlock()
	if inline && opts.OnEOSE != nil {
		opts.OnEOSE()
	}
	return id, nil
}

func (f *fakeSubscriber) Get(id string) (subscription.Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[id]; !ok {
		return subscription.Subscription{}, false
	}
	return subscription.Subscription{ID: id, Relays: f.relays}, true
}

func (f *fakeSubscriber) Close(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[id]; ok {
		delete(f.open, id)
		f.closed = append(f.closed, id)
	}
}

func (f *fakeSubscriber) eose(id string) {
	f.mu.Lock()
	opts := f.open[id]
	f.mu.Unlock()
	opts.OnEOSE()
}

func (f *fakeSubscriber) fetches() []subscription.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscription.Options(nil), f.opts...)
}

func (f *fakeSubscriber) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type names struct {
	mu  sync.Mutex
	got []string
}

func (n *names) fn(p nostr.Profile) {
	n.mu.Lock()
	n.got = append(n.got, p.Name)
	n.mu.Unlock()
}

func (n *names) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.got...)
}

func TestCache_FreshnessGuard(t *testing.T) {
	d := newMemDurable()
	c := New(Config{}, WithDurable(d))
	heard := &names{}
	c.Subscribe(alice, heard.fn)

	assert.True(t, c.HandleIncoming(kind0(alice, 20, "new")))
	assert.False(t, c.HandleIncoming(kind0(alice, 10, "old")))
	assert.False(t, c.HandleIncoming(kind0(alice, 20, "same")))

	e, ok := c.GetCached(alice)
	require.True(t, ok)
	assert.Equal(t, "new", e.Profile.Name)
	assert.Equal(t, int64(20), e.CreatedAt)
	assert.Equal(t, []string{"new"}, heard.list())
	assert.Equal(t, 1, d.puts)
}

func TestCache_IgnoresUnparsable(t *testing.T) {
	c := New(Config{})
	bad := kind0(alice, 1, "x")
	bad.Content = "not json"
	assert.False(t, c.HandleIncoming(bad))

	note := kind0(alice, 1, "x")
	note.Kind = nostr.KindShortText
	assert.False(t, c.HandleIncoming(note))
	assert.Zero(t, c.Len())
}

func TestCache_SubscribeReplaysCached(t *testing.T) {
	c := New(Config{})
	c.HandleIncoming(kind0(alice, 5, "alice"))

	heard := &names{}
	stop := c.Subscribe(alice, heard.fn)
	assert.Equal(t, []string{"alice"}, heard.list())

	stop()
	c.HandleIncoming(kind0(alice, 6, "alice2"))
	assert.Equal(t, []string{"alice"}, heard.list())
}

func TestCache_DurableTier(t *testing.T) {
	d := newMemDurable()
	d.records[alice] = store.ProfileRecord{PubKey: alice, Profile: nostr.Profile{Name: "stored"}, CreatedAt: 10}
	c := New(Config{}, WithDurable(d))

	heard := &names{}
	c.Subscribe(alice, heard.fn)
	require.Eventually(t, func() bool { return len(heard.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"stored"}, heard.list())

	e, ok := c.GetCached(alice)
	require.True(t, ok)
	assert.Equal(t, int64(10), e.CreatedAt)
}

func TestCache_DurableNeverOverridesFresher(t *testing.T) {
	d := newMemDurable()
	c := New(Config{}, WithDurable(d))
	c.HandleIncoming(kind0(alice, 50, "live"))
	d.records[alice] = store.ProfileRecord{PubKey: alice, Profile: nostr.Profile{Name: "stale"}, CreatedAt: 10}

	c.loadDurable(alice)
	e, _ := c.GetCached(alice)
	assert.Equal(t, "live", e.Profile.Name)

	d.getErr = errors.ErrStorageUnavailable
	c.loadDurable(bob)
	_, ok := c.GetCached(bob)
	assert.False(t, ok)
}

func TestCache_ListenerNeverGoesBackwards(t *testing.T) {
	c := New(Config{})
	heard := &names{}
	c.Subscribe(alice, heard.fn)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(at int64) {
			defer wg.Done()
			c.HandleIncoming(kind0(alice, at, fmt.Sprint(at)))
		}(int64(i))
	}
	wg.Wait()

	got := heard.list()
	require.NotEmpty(t, got)
	prev := 0
	for _, n := range got {
		var v int
		_, err := fmt.Sscan(n, &v)
		require.NoError(t, err)
		assert.Greater(t, v, prev)
		prev = v
	}
	e, _ := c.GetCached(alice)
	assert.Equal(t, int64(50), e.CreatedAt)
}

func TestCache_BatchesFetches(t *testing.T) {
	subs := newFakeSubscriber("wss://r1", "wss://r2")
	c := New(Config{BatchTick: 20 * time.Millisecond}, WithSubscriber(subs))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	c.Subscribe(alice, func(nostr.Profile) {})
	c.Subscribe(bob, func(nostr.Profile) {})
	c.Subscribe(alice, func(nostr.Profile) {})

	require.Eventually(t, func() bool { return len(subs.fetches()) == 1 }, time.Second, time.Millisecond)
	f := subs.fetches()[0]
	require.Len(t, f.Filters, 1)
	assert.Equal(t, []int{nostr.KindMetadata}, f.Filters[0].Kinds)
	assert.ElementsMatch(t, []string{alice, bob}, f.Filters[0].Authors)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, subs.fetches(), 1)
	assert.Empty(t, subs.closedIDs())

	subs.eose("sub-1")
	assert.Equal(t, []string{"sub-1"}, subs.closedIDs())
}

func TestCache_FetchClosesWhenAlreadyCaughtUp(t *testing.T) {
	subs := newFakeSubscriber("wss://r1")
	subs.eoseInline = true
	c := New(Config{}, WithSubscriber(subs))

	c.Subscribe(alice, func(nostr.Profile) {})
	c.Flush()
	assert.Equal(t, []string{"sub-1"}, subs.closedIDs())
}

func TestCache_FetchClosesWithoutRelays(t *testing.T) {
	subs := newFakeSubscriber()
	c := New(Config{}, WithSubscriber(subs))

	c.Subscribe(alice, func(nostr.Profile) {})
	c.Flush()
	assert.Equal(t, []string{"sub-1"}, subs.closedIDs())

	c.Flush()
	assert.Len(t, subs.fetches(), 1)
}

func TestCache_MalformedPubkeyStaysOutOfFetch(t *testing.T) {
	subs := newFakeSubscriber("wss://r1")
	c := New(Config{}, WithSubscriber(subs))

	c.Subscribe(alice, func(nostr.Profile) {})
	c.Subscribe("npub-not-hex", func(nostr.Profile) {})
	c.Flush()

	f := subs.fetches()
	require.Len(t, f, 1)
	assert.Equal(t, []string{alice}, f[0].Filters[0].Authors)
	assert.NoError(t, nostr.ValidateFilters(f[0].Filters))

	// only malformed keys pending sends nothing
	c.Subscribe("npub-not-hex", func(nostr.Profile) {})
	c.Flush()
	assert.Len(t, subs.fetches(), 1)
}

func TestCache_SearchCached(t *testing.T) {
	c := New(Config{})
	c.HandleIncoming(kind0(alice, 1, "Alice Liddell"))
	c.HandleIncoming(kind0(bob, 1, "Bob"))
	for i := 0; i < 15; i++ {
		c.HandleIncoming(kind0(fmt.Sprintf("c%063d", i), 1, "carol"))
	}

	res := c.SearchCached("ALICE", 0)
	require.Len(t, res, 1)
	assert.Equal(t, alice, res[0].PubKey)

	res = c.SearchCached("b0b", 5)
	require.Len(t, res, 1)
	assert.Equal(t, "Bob", res[0].Profile.Name)

	assert.Len(t, c.SearchCached("carol", 0), DefaultSearchLimit)
	assert.Len(t, c.SearchCached("carol", 3), 3)
	assert.Empty(t, c.SearchCached("zed", 0))
}

func TestCache_CapacityAndClear(t *testing.T) {
	c := New(Config{Capacity: 2})
	c.HandleIncoming(kind0(alice, 1, "a"))
	c.HandleIncoming(kind0(bob, 1, "b"))
	c.HandleIncoming(kind0(fmt.Sprintf("c%063d", 0), 1, "c"))
	assert.Equal(t, 2, c.Len())
	_, ok := c.GetCached(alice)
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}
