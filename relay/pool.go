package relay

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/pkg/retry"
)

// DefaultBootstrapTimeout bounds ConnectBootstrapAndWait
const DefaultBootstrapTimeout = 10 * time.Second

// DefaultBootstrapRelays seed the pool before a relay list is known
var DefaultBootstrapRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.primal.net",
	"wss://nos.lol",
	"wss://relay.nostr.band",
	"wss://offchain.pub",
	"wss://nostr.wine",
}

// OKFunc receives publish acknowledgements from any relay
type OKFunc func(eventID string, accepted bool, message, relayURL string)

// StatusFunc receives link state changes from any relay
type StatusFunc func(relayURL string, status Status)

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithLogger sets the pool logger
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records link metrics
func WithMetrics(m *metric.ClientMetrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) PoolOption {
	return func(p *Pool) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithBootstrapRelays replaces the seed relay list
func WithBootstrapRelays(urls ...string) PoolOption {
	return func(p *Pool) { p.bootstrap = urls }
}

// WithClock sets the clock used by the storm detector and subscription ids
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool owns every relay connection, keyed by normalized URL
type Pool struct {
	cfg       Config
	storm     *retry.StormDetector
	router    *Router
	dialer    *websocket.Dialer
	logger    *slog.Logger
	metrics   *metric.ClientMetrics
	bootstrap []string
	now       func() time.Time
	subSeq    atomic.Int64

	mu    sync.RWMutex
	conns map[string]*Connection

	listenMu        sync.RWMutex
	nextListener    uint64
	okListeners     map[uint64]OKFunc
	statusListeners map[uint64]StatusFunc
}

// NewPool creates an empty pool. Zero Config fields take defaults.
func NewPool(cfg Config, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:             cfg.withDefaults(),
		router:          NewRouter(),
		dialer:          &websocket.Dialer{HandshakeTimeout: DefaultDialTimeout},
		logger:          slog.Default(),
		bootstrap:       DefaultBootstrapRelays,
		now:             time.Now,
		conns:           make(map[string]*Connection),
		okListeners:     make(map[uint64]OKFunc),
		statusListeners: make(map[uint64]StatusFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "relay-pool")
	p.storm = retry.NewStormDetector(p.cfg.Storm, p.now)
	return p
}

// Router returns the subscription router
func (p *Pool) Router() *Router { return p.router }

// Bootstrap returns the normalized seed relay URLs
func (p *Pool) Bootstrap() []string {
	out := make([]string, 0, len(p.bootstrap))
	for _, raw := range p.bootstrap {
		if u, ok := nostr.NormalizeRelayURL(raw); ok {
			out = append(out, u)
		}
	}
	return out
}

// Connect opens a link to url, or reconnects the existing entry with the
// given mode
func (p *Pool) Connect(url string, mode nostr.RelayMode) (*Connection, error) {
	norm, ok := nostr.NormalizeRelayURL(url)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownRelay, "Pool", "Connect", "normalize url "+url)
	}
	if mode == "" {
		mode = nostr.ModeReadWrite
	}

	p.mu.Lock()
	conn, exists := p.conns[norm]
	if exists {
		conn.setMode(mode)
	} else {
		conn = newConnection(norm, mode, p.cfg, p.storm, p.dialer, callbacks{
			event:  p.router.dispatchEvent,
			eose:   p.router.dispatchEOSE,
			ok:     p.emitOK,
			closed: p.router.dispatchClosed,
			status: p.emitStatus,
		}, p.logger, p.metrics)
		p.conns[norm] = conn
	}
	p.mu.Unlock()

	conn.Connect()
	return conn, nil
}

// ConnectFromConfig connects every entry, skipping invalid URLs
func (p *Pool) ConnectFromConfig(relays []nostr.RelayListEntry) {
	for _, r := range relays {
		if _, err := p.Connect(r.URL, r.Mode); err != nil {
			p.logger.Warn("Skipping relay", "url", r.URL, "error", err)
		}
	}
}

// Disconnect closes and forgets one relay
func (p *Pool) Disconnect(url string) error {
	norm, _ := nostr.NormalizeRelayURL(url)
	p.mu.Lock()
	conn, ok := p.conns[norm]
	delete(p.conns, norm)
	p.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownRelay, "Pool", "Disconnect", "lookup "+url)
	}
	conn.Disconnect()
	return nil
}

// DisconnectAll closes every relay
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// Get returns the connection of url
func (p *Pool) Get(url string) (*Connection, bool) {
	norm, _ := nostr.NormalizeRelayURL(url)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[norm]
	return c, ok
}

func (p *Pool) sorted() []*Connection {
	p.mu.RLock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].url < out[j].url })
	return out
}

func (p *Pool) lookupAll(targets []string) []*Connection {
	out := make([]*Connection, 0, len(targets))
	for _, t := range targets {
		if c, ok := p.Get(t); ok {
			out = append(out, c)
		}
	}
	return out
}

// WriteRelays returns connected relays that accept publishes
func (p *Pool) WriteRelays() []*Connection {
	var out []*Connection
	for _, c := range p.sorted() {
		if c.Mode().CanWrite() && c.Status() == StatusConnected {
			out = append(out, c)
		}
	}
	return out
}

// ReadRelays returns connected relays that serve subscriptions
func (p *Pool) ReadRelays() []*Connection {
	var out []*Connection
	for _, c := range p.sorted() {
		if c.Mode().CanRead() && c.Status() == StatusConnected {
			out = append(out, c)
		}
	}
	return out
}

// Connections returns a snapshot of every link ordered by URL
func (p *Pool) Connections() []Info {
	conns := p.sorted()
	out := make([]Info, len(conns))
	for i, c := range conns {
		out[i] = c.Info()
	}
	return out
}

// Publish hands the event to the given relays, or to the write set when no
// targets are named. Unknown targets are skipped. It returns the URLs the
// event was written or queued on.
func (p *Pool) Publish(e nostr.Event, targets ...string) ([]string, error) {
	conns := p.WriteRelays()
	if len(targets) > 0 {
		conns = p.lookupAll(targets)
	}

	var sent []string
	for _, c := range conns {
		if err := c.Publish(e); err != nil {
			if errors.IsInvalid(err) {
				return sent, err
			}
			p.logger.Debug("Publish write failed", "relay", c.url, "event_id", e.ID, "error", err)
			continue
		}
		sent = append(sent, c.url)
	}
	return sent, nil
}

// NewSubscriptionID returns a session unique id of the form sub_<n>_<base36 ms>
func (p *Pool) NewSubscriptionID() string {
	n := p.subSeq.Add(1)
	return "sub_" + strconv.FormatInt(n, 10) + "_" + strconv.FormatInt(p.now().UnixMilli(), 36)
}

// Subscribe opens a subscription on the given relays, or the read set, and
// returns its id and the relays that received it
func (p *Pool) Subscribe(filters []nostr.Filter, h Handler, targets ...string) (string, []string, error) {
	id := p.NewSubscriptionID()
	relays, err := p.SubscribeWithID(id, filters, h, targets...)
	return id, relays, err
}

// SubscribeWithID is Subscribe with a caller chosen id
func (p *Pool) SubscribeWithID(id string, filters []nostr.Filter, h Handler, targets ...string) ([]string, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.New("empty subscription id"), "Pool", "Subscribe", "validate id")
	}
	conns := p.ReadRelays()
	if len(targets) > 0 {
		conns = p.lookupAll(targets)
	}

	p.router.Register(id, h)
	var relays []string
	for _, c := range conns {
		if err := c.Subscribe(id, filters); err != nil {
			if errors.IsInvalid(err) {
				p.router.Unregister(id)
				return nil, err
			}
			p.logger.Debug("Subscribe write failed", "relay", c.url, "sub_id", id, "error", err)
		}
		relays = append(relays, c.url)
	}
	return relays, nil
}

// CloseSubscription unroutes id and sends CLOSE wherever it is open
func (p *Pool) CloseSubscription(id string) {
	p.router.Unregister(id)
	for _, c := range p.sorted() {
		if c.HasSubscription(id) {
			if err := c.Unsubscribe(id); err != nil {
				p.logger.Debug("Close write failed", "relay", c.url, "sub_id", id, "error", err)
			}
		}
	}
}

// OnOK adds a publish acknowledgement listener and returns its remover
func (p *Pool) OnOK(fn OKFunc) (remove func()) {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	p.nextListener++
	id := p.nextListener
	p.okListeners[id] = fn
	return func() {
		p.listenMu.Lock()
		delete(p.okListeners, id)
		p.listenMu.Unlock()
	}
}

// OnStatusChange adds a link state listener and returns its remover
func (p *Pool) OnStatusChange(fn StatusFunc) (remove func()) {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	p.nextListener++
	id := p.nextListener
	p.statusListeners[id] = fn
	return func() {
		p.listenMu.Lock()
		delete(p.statusListeners, id)
		p.listenMu.Unlock()
	}
}

func (p *Pool) emitOK(eventID string, accepted bool, message, relayURL string) {
	p.listenMu.RLock()
	fns := make([]OKFunc, 0, len(p.okListeners))
	for _, fn := range p.okListeners {
		fns = append(fns, fn)
	}
	p.listenMu.RUnlock()
	for _, fn := range fns {
		fn(eventID, accepted, message, relayURL)
	}
}

func (p *Pool) emitStatus(relayURL string, status Status) {
	p.listenMu.RLock()
	fns := make([]StatusFunc, 0, len(p.statusListeners))
	for _, fn := range p.statusListeners {
		fns = append(fns, fn)
	}
	p.listenMu.RUnlock()
	for _, fn := range fns {
		fn(relayURL, status)
	}
}

// WaitForConnection blocks until url is connected or ctx is done. It
// reports false for relays that are not in the pool.
func (p *Pool) WaitForConnection(ctx context.Context, url string) bool {
	conn, ok := p.Get(url)
	if !ok {
		return false
	}

	connected := make(chan struct{})
	var once sync.Once
	remove := p.OnStatusChange(func(relayURL string, status Status) {
		if relayURL == conn.url && status == StatusConnected {
			once.Do(func() { close(connected) })
		}
	})
	defer remove()

	// checked after registering so a transition in between is not missed
	if conn.Status() == StatusConnected {
		return true
	}
	select {
	case <-connected:
		return true
	case <-ctx.Done():
		return false
	}
}

var errBootstrapReady = errors.New("bootstrap relay connected")

// ConnectBootstrapAndWait connects the seed relays and returns once any one
// is connected or timeout elapses. A false result is not fatal: writes queue
// and flush when a relay opens later.
func (p *Pool) ConnectBootstrapAndWait(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}
	urls := p.Bootstrap()
	for _, u := range urls {
		if _, err := p.Connect(u, nostr.ModeReadWrite); err != nil {
			p.logger.Warn("Skipping bootstrap relay", "url", u, "error", err)
		}
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(wctx)
	for _, u := range urls {
		g.Go(func() error {
			if p.WaitForConnection(gctx, u) {
				return errBootstrapReady
			}
			return nil
		})
	}
	ready := errors.Is(g.Wait(), errBootstrapReady)
	if !ready {
		p.logger.Warn("No bootstrap relay connected before timeout", "timeout", timeout, "relays", len(urls))
	}
	return ready
}

