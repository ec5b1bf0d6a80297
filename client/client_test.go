package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishtarservices/TheWired-sub000/config"
	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/pipeline"
	"github.com/ishtarservices/TheWired-sub000/subscription"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

// testRelay answers REQ with its stored events then EOSE, and acknowledges
// every EVENT it receives
type testRelay struct {
	srv *httptest.Server

	mu        sync.Mutex
	stored    []nostr.Event
	published []nostr.Event
}

func newTestRelay(t *testing.T, stored ...nostr.Event) *testRelay {
	t.Helper()
	r := &testRelay{stored: stored}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := nostr.ParseClientMessage(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case nostr.MsgReq:
				r.mu.Lock()
				events := append([]nostr.Event(nil), r.stored...)
				r.mu.Unlock()
				for _, e := range events {
					if !matchesAny(msg.Filters, e) {
						continue
					}
					raw, _ := json.Marshal(e)
					_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`["EVENT","%s",%s]`, msg.SubID, raw)))
				}
				_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`["EOSE","%s"]`, msg.SubID)))
			case nostr.MsgEvent:
				r.mu.Lock()
				r.published = append(r.published, msg.Event)
				r.mu.Unlock()
				_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`["OK","%s",true,""]`, msg.Event.ID)))
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func matchesAny(filters []nostr.Filter, e nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) publishedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.published))
	for _, e := range r.published {
		ids = append(ids, e.ID)
	}
	return ids
}

func testConfig(bootstrap ...string) *config.Config {
	cfg := config.Default()
	cfg.Relays.Bootstrap = bootstrap
	cfg.Relays.BootstrapTimeout = waitFor
	cfg.Reconnect.BackoffBase = 10 * time.Millisecond
	cfg.Reconnect.BackoffCap = 50 * time.Millisecond
	cfg.Metrics.Enabled = false
	return cfg
}

func newSigner(t *testing.T) *nostr.KeySigner {
	t.Helper()
	secret, err := nostr.GenerateKey()
	require.NoError(t, err)
	s, err := nostr.NewKeySigner(secret)
	require.NoError(t, err)
	return s
}

func pubkeyOf(t *testing.T, s nostr.Signer) string {
	t.Helper()
	pk, err := s.PublicKey(context.Background())
	require.NoError(t, err)
	return pk
}

func signed(t *testing.T, s nostr.Signer, u nostr.UnsignedEvent) nostr.Event {
	t.Helper()
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().Unix()
	}
	e, err := s.SignEvent(context.Background(), u)
	require.NoError(t, err)
	return e
}

func newTestClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.True(t, c.Connect(ctx))
}

func note(content string) nostr.UnsignedEvent {
	return nostr.UnsignedEvent{CreatedAt: time.Now().Unix(), Kind: nostr.KindShortText, Content: content}
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_RejectsBadEvictionSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Store.EvictionSchedule = "every now and then"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_NoSigner(t *testing.T) {
	c := newTestClient(t, testConfig())

	_, err := c.SignAndPublish(context.Background(), note("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoSigner))
	assert.True(t, errors.IsInvalid(err))

	_, err = c.SignAndSaveLocally(context.Background(), note("hi"))
	assert.True(t, errors.Is(err, errors.ErrNoSigner))
}

func TestClient_SignAndPublish(t *testing.T) {
	r := newTestRelay(t)
	signer := newSigner(t)
	c := newTestClient(t, testConfig(r.url()), WithSigner(signer))
	connect(t, c)

	e, err := c.SignAndPublish(context.Background(), note("hello wired"))
	require.NoError(t, err)
	assert.Equal(t, pubkeyOf(t, signer), e.PubKey)

	require.Eventually(t, func() bool { return len(r.publishedIDs()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{e.ID}, r.publishedIDs())

	// visible locally without a relay round trip
	held, ok := c.State().Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "hello wired", held.Content)
	assert.Equal(t, []string{e.ID}, c.State().Index(pipeline.IndexNotes, e.PubKey))
	assert.Equal(t, int64(1), c.State().RelayCounts()[pipeline.SourceLocal])

	stored, err := c.Store().Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, stored)

	// the relay echo is a duplicate
	res := c.Pipeline().ProcessEvent(context.Background(), e, r.url(), "")
	assert.Equal(t, pipeline.ReasonDuplicate, res.Reason)
}

func TestClient_LocalThenPublishExisting(t *testing.T) {
	r := newTestRelay(t)
	c := newTestClient(t, testConfig(r.url()), WithSigner(newSigner(t)))
	connect(t, c)

	e, err := c.SignAndSaveLocally(context.Background(), note("draft"))
	require.NoError(t, err)

	ids, err := c.LocalEventIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, ids)
	_, ok := c.State().Get(e.ID)
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.publishedIDs())

	sent, err := c.PublishExisting(e)
	require.NoError(t, err)
	assert.Equal(t, []string{r.url()}, sent)
	require.Eventually(t, func() bool { return len(r.publishedIDs()) == 1 }, waitFor, tick)

	ids, err = c.LocalEventIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClient_PublishToUnknownTargetSendsNothing(t *testing.T) {
	r := newTestRelay(t)
	c := newTestClient(t, testConfig(r.url()), WithSigner(newSigner(t)))
	connect(t, c)

	e, err := c.SignAndPublish(context.Background(), note("nowhere"), "wss://not-in-pool.example.com")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.publishedIDs())
	// still applied locally
	_, ok := c.State().Get(e.ID)
	assert.True(t, ok)
}

func TestClient_LoadRelayList(t *testing.T) {
	signer := newSigner(t)
	pk := pubkeyOf(t, signer)
	userRelay := newTestRelay(t)

	list := signed(t, signer, nostr.BuildRelayListEvent(pk, []nostr.RelayListEntry{
		{URL: userRelay.url(), Mode: nostr.ModeRead},
	}))
	bootstrap := newTestRelay(t, list)

	c := newTestClient(t, testConfig(bootstrap.url()), WithSigner(signer))
	connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	entries, err := c.LoadRelayList(ctx, pk)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, userRelay.url(), entries[0].URL)
	assert.Equal(t, nostr.ModeRead, entries[0].Mode)

	cached, ok, err := c.CachedRelayList()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries, cached)

	conn, ok := c.Pool().Get(userRelay.url())
	require.True(t, ok)
	assert.Equal(t, nostr.ModeRead, conn.Mode())
	assert.Zero(t, c.Subscriptions().Count())
}

func TestClient_LoadRelayListFallsBackToCache(t *testing.T) {
	signer := newSigner(t)
	pk := pubkeyOf(t, signer)
	bootstrap := newTestRelay(t)
	c := newTestClient(t, testConfig(bootstrap.url()), WithSigner(signer))
	connect(t, c)

	saved := []nostr.RelayListEntry{{URL: "wss://cached.example.com", Mode: nostr.ModeReadWrite}}
	require.NoError(t, c.Store().SaveUserState(relayListKey, saved))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	entries, err := c.LoadRelayList(ctx, pk)
	require.NoError(t, err)
	assert.Equal(t, saved, entries)
	_, ok := c.Pool().Get("wss://cached.example.com")
	assert.True(t, ok)
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(t, testConfig())
	status := c.Health()
	assert.True(t, status.IsDegraded())

	r := newTestRelay(t)
	_, err := c.Pool().Connect(r.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Health().IsHealthy() }, waitFor, tick)

	status = c.Health()
	assert.Equal(t, Name, status.Component)
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, r.url(), status.SubStatuses[0].Component)
	assert.Equal(t, "store", status.SubStatuses[1].Component)
}

func TestClient_PipelineMetrics(t *testing.T) {
	r := newTestRelay(t)
	c := newTestClient(t, testConfig(r.url()), WithSigner(newSigner(t)))
	connect(t, c)

	_, err := c.SignAndPublish(context.Background(), note("counted"))
	require.NoError(t, err)

	expected := `
# HELP wired_pipeline_accepted_total Events that passed every gate
# TYPE wired_pipeline_accepted_total counter
wired_pipeline_accepted_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(c.Metrics().PrometheusRegistry(),
		strings.NewReader(expected), "wired_pipeline_accepted_total"))
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	r := newTestRelay(t)
	c := newTestClient(t, testConfig(r.url()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, ok := c.Pool().Get(r.url())
		return ok && conn.Status() == "connected"
	}, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, c.Pool().Connections())
}

func TestClient_RunCanRestart(t *testing.T) {
	r := newTestRelay(t)
	c := newTestClient(t, testConfig(r.url()))

	for round := 1; round <= 2; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		require.Eventually(t, func() bool {
			conn, ok := c.Pool().Get(r.url())
			return ok && conn.Status() == "connected"
		}, waitFor, tick, "round %d", round)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatalf("round %d: Run did not return after cancel", round)
		}
		assert.Empty(t, c.Pool().Connections(), "round %d", round)
	}
}

func TestClient_RunRejectsOverlap(t *testing.T) {
	r := newTestRelay(t)
	c := newTestClient(t, testConfig(r.url()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		conn, ok := c.Pool().Get(r.url())
		return ok && conn.Status() == "connected"
	}, waitFor, tick)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))

	cancel()
	assert.NoError(t, <-done)
}

func TestClient_SameEventFromTwoRelays(t *testing.T) {
	author := newSigner(t)
	article := signed(t, author, nostr.UnsignedEvent{
		Kind:    nostr.KindLongForm,
		Tags:    nostr.Tags{{"d", "essay"}, {"title", "Relays"}},
		Content: "long form body",
	})
	r1 := newTestRelay(t, article)
	r2 := newTestRelay(t, article)
	c := newTestClient(t, testConfig(r1.url(), r2.url()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c.Connect(ctx)
	for _, url := range []string{r1.url(), r2.url()} {
		require.True(t, c.Pool().WaitForConnection(ctx, url))
	}

	var eose atomic.Int32
	_, err := c.Subscriptions().Subscribe(subscription.Options{
		Filters: []nostr.Filter{{Kinds: []int{nostr.KindLongForm}, Authors: []string{article.PubKey}}},
		Relays:  []string{r1.url(), r2.url()},
		OnEOSE:  func() { eose.Add(1) },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return eose.Load() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), eose.Load())

	assert.Equal(t, 1, c.State().Len())
	held, ok := c.State().Get(article.ID)
	require.True(t, ok)
	assert.Equal(t, article, held)
	assert.Equal(t, []string{article.ID}, c.State().Index(pipeline.IndexLongForm, pipeline.GlobalContext))

	assert.Equal(t, 1, c.Store().Count())
	stored, err := c.Store().Get(article.ID)
	require.NoError(t, err)
	assert.Equal(t, article, stored)

	expected := `
# HELP wired_pipeline_accepted_total Events that passed every gate
# TYPE wired_pipeline_accepted_total counter
wired_pipeline_accepted_total 1
# HELP wired_pipeline_dropped_total Events dropped, by reason
# TYPE wired_pipeline_dropped_total counter
wired_pipeline_dropped_total{reason="duplicate"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(c.Metrics().PrometheusRegistry(),
		strings.NewReader(expected), "wired_pipeline_accepted_total", "wired_pipeline_dropped_total"))
}
