package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

const relayA = "wss://a.example"

func newSigner(t *testing.T) *nostr.KeySigner {
	t.Helper()
	sk, err := nostr.GenerateKey()
	require.NoError(t, err)
	s, err := nostr.NewKeySigner(sk)
	require.NoError(t, err)
	return s
}

func sign(t *testing.T, s *nostr.KeySigner, kind int, content string, tags ...nostr.Tag) nostr.Event {
	t.Helper()
	e, err := s.SignEvent(context.Background(), nostr.UnsignedEvent{
		CreatedAt: fixedNow.Unix(),
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
	})
	require.NoError(t, err)
	return e
}

func pubkeyOf(t *testing.T, s *nostr.KeySigner) string {
	t.Helper()
	pk, err := s.PublicKey(context.Background())
	require.NoError(t, err)
	return pk
}

func rawOf(t *testing.T, e nostr.Event) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

func newTestPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	p, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	return p
}

type fakeVerifier struct {
	ok    bool
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeVerifier) Verify(context.Context, nostr.Event) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.ok, f.err
}

type liveSet map[string]bool

func (l liveSet) IsActive(subID string) bool { return l[subID] }

type memStore struct {
	mu   sync.Mutex
	puts []nostr.Event
	err  error
}

func (m *memStore) Put(e nostr.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, e)
	return m.err
}

type profileSpy struct{ got []string }

func (p *profileSpy) HandleIncoming(e nostr.Event) bool {
	p.got = append(p.got, e.PubKey)
	return true
}

type publisherSpy struct {
	got []string
	err error
}

func (p *publisherSpy) Publish(_ context.Context, e nostr.Event) error {
	p.got = append(p.got, e.ID)
	return p.err
}

func TestPipeline_AcceptsSignedEvent(t *testing.T) {
	s := newSigner(t)
	p := newTestPipeline(t)
	e := sign(t, s, nostr.KindShortText, "hello")

	res := p.Process(context.Background(), rawOf(t, e), relayA, "")
	require.True(t, res.Accepted(), res.Reason)
	assert.Equal(t, e.ID, res.Event.ID)

	got, ok := p.State().Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, map[string]int64{relayA: 1}, p.State().RelayCounts())
	assert.Equal(t, []string{e.ID}, p.State().Index(IndexNotes, e.PubKey))
}

func TestPipeline_Rejections(t *testing.T) {
	s := newSigner(t)
	e := sign(t, s, nostr.KindShortText, "hi")

	t.Run("malformed", func(t *testing.T) {
		p := newTestPipeline(t)
		res := p.Process(context.Background(), json.RawMessage(`{"id":"short"}`), relayA, "")
		assert.Equal(t, ReasonInvalid, res.Reason)
		res = p.Process(context.Background(), json.RawMessage(`not json`), relayA, "")
		assert.Equal(t, ReasonInvalid, res.Reason)
	})

	t.Run("future", func(t *testing.T) {
		p := newTestPipeline(t)
		late, err := s.SignEvent(context.Background(), nostr.UnsignedEvent{
			CreatedAt: fixedNow.Add(time.Hour).Unix(),
			Kind:      nostr.KindShortText,
		})
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalid, p.ProcessEvent(context.Background(), late, relayA, "").Reason)
	})

	t.Run("tampered content", func(t *testing.T) {
		p := newTestPipeline(t)
		bad := e
		bad.Content = "changed"
		assert.Equal(t, ReasonBadSignature, p.ProcessEvent(context.Background(), bad, relayA, "").Reason)
		assert.Zero(t, p.State().Len())
	})

	t.Run("verifier error", func(t *testing.T) {
		p := newTestPipeline(t, WithVerifier(&fakeVerifier{err: errors.ErrVerifyTimeout}))
		assert.Equal(t, ReasonVerifyFailed, p.ProcessEvent(context.Background(), e, relayA, "").Reason)
	})
}

func TestPipeline_DuplicateSkipsVerification(t *testing.T) {
	s := newSigner(t)
	v := &fakeVerifier{ok: true}
	p := newTestPipeline(t, WithVerifier(v))
	e := sign(t, s, nostr.KindShortText, "once")

	assert.True(t, p.ProcessEvent(context.Background(), e, relayA, "").Accepted())
	res := p.ProcessEvent(context.Background(), e, "wss://b.example", "")
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 1, v.calls)
	assert.Equal(t, map[string]int64{relayA: 1}, p.State().RelayCounts())
}

func TestPipeline_ConcurrentCopiesAcceptedOnce(t *testing.T) {
	s := newSigner(t)
	p := newTestPipeline(t)
	e := sign(t, s, nostr.KindShortText, "race")
	raw := rawOf(t, e)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Process(context.Background(), raw, fmt.Sprintf("wss://r%d", i), "")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Accepted() {
			accepted++
		} else {
			assert.Equal(t, ReasonDuplicate, r.Reason)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestPipeline_InactiveSubscriptionDoesNotPoison(t *testing.T) {
	s := newSigner(t)
	live := liveSet{"open": true}
	p := newTestPipeline(t, WithLiveness(live))
	e := sign(t, s, nostr.KindShortText, "late")

	assert.Equal(t, ReasonInactive, p.ProcessEvent(context.Background(), e, relayA, "closed").Reason)
	assert.Zero(t, p.State().Len())

	// the same event through a live subscription is still accepted
	assert.True(t, p.ProcessEvent(context.Background(), e, relayA, "open").Accepted())
	// no subscription id skips the liveness check
	other := sign(t, s, nostr.KindShortText, "direct")
	assert.True(t, p.ProcessEvent(context.Background(), other, relayA, "").Accepted())
}

type liveFlags struct {
	mu sync.Mutex
	m  map[string]bool
}

func (l *liveFlags) IsActive(subID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m[subID]
}

func (l *liveFlags) set(subID string, on bool) {
	l.mu.Lock()
	l.m[subID] = on
	l.mu.Unlock()
}

// holdVerifier blocks every call until release is closed
type holdVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func newHoldVerifier() *holdVerifier {
	return &holdVerifier{entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (h *holdVerifier) Verify(context.Context, nostr.Event) (bool, error) {
	h.entered <- struct{}{}
	<-h.release
	return true, nil
}

func TestPipeline_CopyFromLiveSubscriptionDuringVerify(t *testing.T) {
	s := newSigner(t)
	live := &liveFlags{m: map[string]bool{"a": true, "b": true}}
	v := newHoldVerifier()
	p := newTestPipeline(t, WithLiveness(live), WithVerifier(v))
	e := sign(t, s, nostr.KindShortText, "shared")

	first := make(chan Result, 1)
	go func() { first <- p.ProcessEvent(context.Background(), e, relayA, "a") }()
	<-v.entered

	second := p.ProcessEvent(context.Background(), e, "wss://b.example", "b")
	assert.Equal(t, ReasonDuplicate, second.Reason)

	live.set("a", false)
	close(v.release)

	res := <-first
	assert.True(t, res.Accepted())
	assert.Equal(t, 1, p.State().Len())
}

func TestPipeline_AllCopiesInactiveForgetsID(t *testing.T) {
	s := newSigner(t)
	live := &liveFlags{m: map[string]bool{"a": true, "b": true}}
	v := newHoldVerifier()
	p := newTestPipeline(t, WithLiveness(live), WithVerifier(v))
	e := sign(t, s, nostr.KindShortText, "orphan")

	first := make(chan Result, 1)
	go func() { first <- p.ProcessEvent(context.Background(), e, relayA, "a") }()
	<-v.entered

	assert.Equal(t, ReasonDuplicate, p.ProcessEvent(context.Background(), e, "wss://b.example", "b").Reason)
	live.set("a", false)
	live.set("b", false)
	close(v.release)

	assert.Equal(t, ReasonInactive, (<-first).Reason)
	assert.Zero(t, p.State().Len())

	live.set("c", true)
	assert.True(t, p.ProcessEvent(context.Background(), e, relayA, "c").Accepted())
	assert.Equal(t, 1, p.State().Len())
}

func TestPipeline_Dispatch(t *testing.T) {
	s := newSigner(t)
	st := &memStore{}
	profiles := &profileSpy{}
	pub := &publisherSpy{}
	p := newTestPipeline(t, WithStore(st), WithProfiles(profiles), WithPublisher(pub))
	ctx := context.Background()

	meta := sign(t, s, nostr.KindMetadata, `{"name":"alice"}`)
	chat := sign(t, s, nostr.KindChatMessage, "yo", nostr.Tag{"h", "room"})
	article := sign(t, s, nostr.KindLongForm, "# title", nostr.Tag{"d", "post"})
	reel := sign(t, s, nostr.KindVideoVertical, "", nostr.Tag{"h", "room"})
	stream := sign(t, s, nostr.KindLiveStream, "", nostr.Tag{"d", "live"})

	for _, e := range []nostr.Event{meta, chat, article, reel, stream} {
		require.True(t, p.ProcessEvent(ctx, e, relayA, "").Accepted())
	}

	assert.Equal(t, []string{pubkeyOf(t, s)}, profiles.got)
	assert.Len(t, pub.got, 5)

	// only addressable kinds are persisted
	require.Len(t, st.puts, 2)
	assert.Equal(t, article.ID, st.puts[0].ID)
	assert.Equal(t, stream.ID, st.puts[1].ID)

	assert.Equal(t, []string{chat.ID}, p.State().Index(IndexChat, "room"))
	assert.Equal(t, fixedNow.Unix(), p.State().Activity("room"))
	assert.Equal(t, []string{article.ID}, p.State().Index(IndexLongForm, GlobalContext))
	assert.Equal(t, []string{reel.ID}, p.State().Index(IndexReels, "room"))
	assert.Equal(t, []string{stream.ID}, p.State().Index(IndexLiveStreams, GlobalContext))
}

func TestPipeline_DownstreamFailuresDoNotReject(t *testing.T) {
	s := newSigner(t)
	p := newTestPipeline(t,
		WithStore(&memStore{err: errors.ErrStorageUnavailable}),
		WithPublisher(&publisherSpy{err: errors.ErrConnectionLost}))

	e := sign(t, s, nostr.KindLongForm, "body", nostr.Tag{"d", "x"})
	assert.True(t, p.ProcessEvent(context.Background(), e, relayA, "").Accepted())
	_, ok := p.State().Get(e.ID)
	assert.True(t, ok)
}

func TestPipeline_ParsersAndPanics(t *testing.T) {
	s := newSigner(t)
	p := newTestPipeline(t)
	p.RegisterParser(nostr.KindShortText, func(nostr.Event) (any, bool) { panic("boom") })
	p.RegisterParser(nostr.KindShortText, func(e nostr.Event) (any, bool) { return len(e.Content), true })

	e := sign(t, s, nostr.KindShortText, "four")
	require.True(t, p.ProcessEvent(context.Background(), e, relayA, "").Accepted())

	recs := p.State().Records(nostr.KindShortText)
	require.Len(t, recs, 1)
	assert.Equal(t, 4, recs[0].Value)

	track := sign(t, s, nostr.KindMusicTrack, "", nostr.Tag{"d", "song"}, nostr.Tag{"title", "Song"})
	require.True(t, p.ProcessEvent(context.Background(), track, relayA, "").Accepted())
	rec, ok := p.State().Record(nostr.KindMusicTrack, pubkeyOf(t, s))
	require.True(t, ok)
	assert.Equal(t, "Song", rec.Value.(MusicTrack).Title)
	assert.Equal(t, []string{track.ID}, p.State().Index(IndexMusicTracks, GlobalContext))
}

func TestPipeline_Metrics(t *testing.T) {
	s := newSigner(t)
	reg := metric.NewMetricsRegistry()
	p := newTestPipeline(t, WithMetrics(reg))
	e := sign(t, s, nostr.KindShortText, "m")

	p.ProcessEvent(context.Background(), e, relayA, "")
	p.ProcessEvent(context.Background(), e, relayA, "")
	p.Process(context.Background(), json.RawMessage(`{}`), relayA, "")

	assert.Equal(t, 3.0, testutil.ToFloat64(p.metrics.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.dropped.WithLabelValues(string(ReasonDuplicate))))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.dropped.WithLabelValues(string(ReasonInvalid))))
}
