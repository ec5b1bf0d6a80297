package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

func testEvent(n int) nostr.Event {
	return nostr.Event{
		ID:        fmt.Sprintf("%064x", n),
		PubKey:    fmt.Sprintf("%064x", 1000+n),
		CreatedAt: 1700000000,
		Kind:      nostr.KindShortText,
		Tags:      nostr.Tags{},
		Content:   "hello",
		Sig:       fmt.Sprintf("%0128x", n),
	}
}

func connected(c *Connection) func() bool {
	return func() bool { return c.Status() == StatusConnected }
}

func TestConnection_SubscribeAndRoute(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)

	rec := &recorder{}
	subID, relays, err := pool.Subscribe([]nostr.Filter{{Kinds: []int{1}}}, rec)
	require.NoError(t, err)
	assert.Equal(t, []string{conn.URL()}, relays)
	require.Eventually(t, func() bool { return len(relay.framesOf(nostr.MsgReq)) == 1 }, waitFor, tick)
	assert.True(t, conn.AwaitingEOSE(subID))

	relay.send(fmt.Sprintf(`["EVENT","%s",{"id":"x"}]`, subID))
	relay.send(`["EVENT","unknown-sub",{"id":"y"}]`)
	relay.send(fmt.Sprintf(`["EOSE","%s"]`, subID))

	require.Eventually(t, func() bool {
		events, eose, _ := rec.counts()
		return events == 1 && eose == 1
	}, waitFor, tick)
	assert.False(t, conn.AwaitingEOSE(subID))
	assert.Equal(t, int64(2), conn.Info().EventCount)
}

func TestConnection_MalformedFramesIgnored(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)

	relay.send(`not json`)
	relay.send(`["BOGUS"]`)
	relay.send(`["NOTICE","slow down"]`)
	relay.send(`["AUTH","challenge"]`)

	var mu sync.Mutex
	var acks []string
	pool.OnOK(func(eventID string, accepted bool, message, relayURL string) {
		mu.Lock()
		acks = append(acks, fmt.Sprintf("%s:%v:%s", eventID, accepted, message))
		mu.Unlock()
	})
	relay.send(`["OK","abc",false,"blocked: spam"]`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acks) == 1
	}, waitFor, tick)
	assert.Equal(t, "abc:false:blocked: spam", acks[0])
	assert.Equal(t, StatusConnected, conn.Status())
}

func TestConnection_OfflineQueueFlushesInOrder(t *testing.T) {
	relay := newFakeRelay(t)
	relay.reject.Store(true)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)

	sent, err := pool.Publish(testEvent(1), relay.url())
	require.NoError(t, err)
	assert.Equal(t, []string{conn.URL()}, sent)
	_, err = pool.SubscribeWithID("sub-a", []nostr.Filter{{Kinds: []int{1}}}, &recorder{}, relay.url())
	require.NoError(t, err)
	_, err = pool.Publish(testEvent(2), relay.url())
	require.NoError(t, err)

	info := conn.Info()
	assert.Equal(t, 2, info.Queued)
	assert.Equal(t, 1, info.Subscriptions)
	assert.Empty(t, relay.types())

	relay.reject.Store(false)
	require.Eventually(t, connected(conn), waitFor, tick)
	require.Eventually(t, func() bool { return len(relay.types()) == 3 }, waitFor, tick)

	// queued publishes first, then the subscription
	assert.Equal(t, []string{nostr.MsgEvent, nostr.MsgEvent, nostr.MsgReq}, relay.types())
	assert.Equal(t, []string{"sub-a"}, relay.framesOf(nostr.MsgReq))
	assert.Zero(t, conn.Info().Queued)
	assert.Zero(t, conn.Info().Attempts)
}

func TestConnection_ReconnectResubscribesOnce(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	var mu sync.Mutex
	var statuses []Status
	pool.OnStatusChange(func(_ string, s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)

	for _, id := range []string{"sub1", "sub2"} {
		_, err := pool.SubscribeWithID(id, []nostr.Filter{{Kinds: []int{1}}}, &recorder{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(relay.framesOf(nostr.MsgReq)) == 2 }, waitFor, tick)

	relay.resetFrames()
	relay.dropAll()

	require.Eventually(t, func() bool { return relay.accepted.Load() == 2 }, waitFor, tick)
	require.Eventually(t, connected(conn), waitFor, tick)
	require.Eventually(t, func() bool { return len(relay.framesOf(nostr.MsgReq)) >= 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"sub1", "sub2"}, relay.framesOf(nostr.MsgReq))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, StatusError)
	// error is always followed by disconnected
	for i, s := range statuses {
		if s == StatusError {
			require.Less(t, i+1, len(statuses))
			assert.Equal(t, StatusDisconnected, statuses[i+1])
		}
	}
}

func TestConnection_UnsubscribeOffline(t *testing.T) {
	relay := newFakeRelay(t)
	relay.reject.Store(true)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeRead)
	require.NoError(t, err)

	_, err = pool.SubscribeWithID("gone", []nostr.Filter{{Kinds: []int{1}}}, &recorder{}, relay.url())
	require.NoError(t, err)
	_, err = pool.SubscribeWithID("kept", []nostr.Filter{{Kinds: []int{7}}}, &recorder{}, relay.url())
	require.NoError(t, err)
	pool.CloseSubscription("gone")
	assert.False(t, conn.HasSubscription("gone"))

	relay.reject.Store(false)
	require.Eventually(t, connected(conn), waitFor, tick)
	require.Eventually(t, func() bool { return len(relay.types()) == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []string{"kept"}, relay.framesOf(nostr.MsgReq))
	assert.Empty(t, relay.framesOf(nostr.MsgClose))
}

func TestConnection_UnsubscribeConnectedSendsClose(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)

	id, _, err := pool.Subscribe([]nostr.Filter{{Kinds: []int{1}}}, &recorder{})
	require.NoError(t, err)
	pool.CloseSubscription(id)

	require.Eventually(t, func() bool { return len(relay.framesOf(nostr.MsgClose)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{id}, relay.framesOf(nostr.MsgClose))
	assert.Zero(t, pool.Router().Len())
}

func TestConnection_RelayClosedDropsSubscription(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)

	rec := &recorder{}
	id, _, err := pool.Subscribe([]nostr.Filter{{Kinds: []int{1}}}, rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(relay.framesOf(nostr.MsgReq)) == 1 }, waitFor, tick)

	relay.send(fmt.Sprintf(`["CLOSED","%s","error: too many subs"]`, id))
	require.Eventually(t, func() bool {
		_, _, closed := rec.counts()
		return closed == 1
	}, waitFor, tick)
	assert.False(t, conn.HasSubscription(id))
	assert.Equal(t, id+"|error: too many subs", rec.closed[0])
}

func TestConnection_ManualDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)
	_, _, err = pool.Subscribe([]nostr.Filter{{Kinds: []int{1}}}, &recorder{})
	require.NoError(t, err)

	conn.Disconnect()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StatusDisconnected, conn.Status())
	assert.Equal(t, int32(1), relay.accepted.Load(), "manual disconnect must not reconnect")
	info := conn.Info()
	assert.Zero(t, info.Subscriptions)
	assert.Zero(t, info.Queued)
}

func TestConnection_ConnectIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	pool := newTestPool(t)

	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	conn.Connect()
	conn.Connect()
	require.Eventually(t, connected(conn), waitFor, tick)
	conn.Connect()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(1), relay.accepted.Load())
}

func TestConnection_PongTimeoutTearsDown(t *testing.T) {
	relay := newFakeRelay(t)
	cfg := fastConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 10 * time.Millisecond
	pool := NewPool(cfg)
	t.Cleanup(pool.DisconnectAll)

	// the first liveness check runs before any ping was sent, so a pong
	// timeout shorter than the ping interval always trips it
	conn, err := pool.Connect(relay.url(), nostr.ModeReadWrite)
	require.NoError(t, err)
	require.Eventually(t, connected(conn), waitFor, tick)
	require.Eventually(t, func() bool { return relay.accepted.Load() >= 2 }, waitFor, tick)
}
