package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ishtarservices/TheWired-sub000/pkg/retry"
)

// fakeRelay is an in-process websocket relay that records client frames
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Bool
	accepted atomic.Int32

	mu     sync.Mutex
	frames [][]json.RawMessage
	conns  []*websocket.Conn

	writeMu sync.Mutex
	onFrame func(f *fakeRelay, frame []json.RawMessage)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	if f.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.accepted.Add(1)
	f.mu.Lock()
	f.conns = append(f.conns, ws)
	f.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) == 0 {
			continue
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		hook := f.onFrame
		f.mu.Unlock()
		if hook != nil {
			hook(f, frame)
		}
	}
}

// send writes a raw frame to every open client socket
func (f *fakeRelay) send(frame string) {
	f.mu.Lock()
	conns := append([]*websocket.Conn{}, f.conns...)
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, ws := range conns {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// dropAll kills every client socket without a close handshake
func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, ws := range conns {
		_ = ws.UnderlyingConn().Close()
	}
}

func (f *fakeRelay) resetFrames() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// framesOf returns the second element (sub id, or event JSON) of every
// frame of the given type, in arrival order
func (f *fakeRelay) framesOf(typ string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, frame := range f.frames {
		var got string
		if json.Unmarshal(frame[0], &got) != nil || got != typ {
			continue
		}
		if len(frame) < 2 {
			out = append(out, "")
			continue
		}
		var id string
		if json.Unmarshal(frame[1], &id) == nil {
			out = append(out, id)
		} else {
			out = append(out, string(frame[1]))
		}
	}
	return out
}

// types returns the frame types in arrival order
func (f *fakeRelay) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, frame := range f.frames {
		var typ string
		_ = json.Unmarshal(frame[0], &typ)
		out = append(out, typ)
	}
	return out
}

func (f *fakeRelay) close() {
	f.dropAll()
	f.srv.Close()
}

// fastConfig keeps reconnect loops short in tests
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = retry.Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond}
	cfg.Storm = retry.StormConfig{Threshold: 1000, Window: time.Second, Cooldown: 10 * time.Millisecond}
	cfg.DialTimeout = time.Second
	cfg.PingInterval = time.Hour
	cfg.PongTimeout = 2 * time.Hour
	return cfg
}

func newTestPool(t *testing.T, opts ...PoolOption) *Pool {
	t.Helper()
	p := NewPool(fastConfig(), opts...)
	t.Cleanup(p.DisconnectAll)
	return p
}

// recorder collects handler callbacks
type recorder struct {
	mu     sync.Mutex
	events []string
	eose   []string
	closed []string
}

func (r *recorder) OnEvent(subID string, raw json.RawMessage, relayURL string) {
	r.mu.Lock()
	r.events = append(r.events, subID+"|"+string(raw))
	r.mu.Unlock()
}

func (r *recorder) OnEOSE(subID, relayURL string) {
	r.mu.Lock()
	r.eose = append(r.eose, subID+"|"+relayURL)
	r.mu.Unlock()
}

func (r *recorder) OnClosed(subID, reason, relayURL string) {
	r.mu.Lock()
	r.closed = append(r.closed, subID+"|"+reason)
	r.mu.Unlock()
}

func (r *recorder) counts() (events, eose, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), len(r.eose), len(r.closed)
}
