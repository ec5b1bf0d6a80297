package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/pkg/retry"
)

// Status is the lifecycle state of one relay link
type Status string

// Link states. StatusError is reported on abnormal closes and is always
// followed by StatusDisconnected.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Connection defaults
const (
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultSendRate       = 50
	DefaultSendBurst      = 100
	DefaultMaxQueue       = 1000
	DefaultMaxMessageSize = 4 << 20
)

var errPongTimeout = errors.New("no pong within timeout")

// Config tunes every connection of a pool
type Config struct {
	Backoff        retry.Backoff
	Storm          retry.StormConfig
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
	SendRate       rate.Limit // frames per second
	SendBurst      int
	MaxQueue       int // queued EVENT frames kept while offline
	MaxMessageSize int64
}

// DefaultConfig returns production connection settings
func DefaultConfig() Config {
	return Config{
		Backoff:        retry.DefaultBackoff(),
		Storm:          retry.DefaultStormConfig(),
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		DialTimeout:    DefaultDialTimeout,
		SendRate:       DefaultSendRate,
		SendBurst:      DefaultSendBurst,
		MaxQueue:       DefaultMaxQueue,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backoff.Base <= 0 || c.Backoff.Cap <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Storm.Threshold <= 0 {
		c.Storm = d.Storm
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SendRate <= 0 {
		c.SendRate = d.SendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = d.MaxQueue
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// callbacks are set by the pool. They run on the connection's read goroutine,
// so frames from one relay are handled in receipt order.
type callbacks struct {
	event  func(subID string, raw json.RawMessage, relayURL string)
	eose   func(subID, relayURL string)
	ok     func(eventID string, accepted bool, message, relayURL string)
	closed func(subID, reason, relayURL string)
	status func(relayURL string, status Status)
}

// session is one open websocket. A new session is created per successful
// dial; goroutines of a replaced session notice and exit.
type session struct {
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	lastPong atomic.Int64 // unix nanos
}

// Connection is one duplex link to a relay with reconnect, resubscription
// and an offline publish queue
type Connection struct {
	url     string
	cfg     Config
	storm   *retry.StormDetector
	dialer  *websocket.Dialer
	cb      callbacks
	logger  *slog.Logger
	metrics *metric.ClientMetrics
	limiter *rate.Limiter

	mu          sync.Mutex
	mode        nostr.RelayMode
	status      Status
	sess        *session
	dialSeq     uint64
	attempts    int
	subs        map[string][]nostr.Filter
	subOrder    []string
	pendingEOSE map[string]struct{}
	queue       [][]byte
	timer       *time.Timer
	manual      bool
	latency     time.Duration
	eventCount  int64
	lastError   string
}

func newConnection(url string, mode nostr.RelayMode, cfg Config, storm *retry.StormDetector,
	dialer *websocket.Dialer, cb callbacks, logger *slog.Logger, metrics *metric.ClientMetrics) *Connection {
	return &Connection{
		url:         url,
		mode:        mode,
		cfg:         cfg,
		storm:       storm,
		dialer:      dialer,
		cb:          cb,
		logger:      logger.With("relay", url),
		metrics:     metrics,
		limiter:     rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		status:      StatusDisconnected,
		subs:        make(map[string][]nostr.Filter),
		pendingEOSE: make(map[string]struct{}),
	}
}

// URL returns the normalized relay URL
func (c *Connection) URL() string { return c.url }

// Mode returns the read/write capability of the link
func (c *Connection) Mode() nostr.RelayMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Connection) setMode(mode nostr.RelayMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// Status returns the current link state
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// HasSubscription reports whether subID is tracked on this link
func (c *Connection) HasSubscription(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[subID]
	return ok
}

// AwaitingEOSE reports whether subID was sent and has not reached EOSE
func (c *Connection) AwaitingEOSE(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pendingEOSE[subID]
	return ok
}

// Info is a point in time view of a connection
type Info struct {
	URL           string          `json:"url"`
	Mode          nostr.RelayMode `json:"mode"`
	Status        Status          `json:"status"`
	LatencyMs     int64           `json:"latency_ms"`
	EventCount    int64           `json:"event_count"`
	Attempts      int             `json:"reconnect_attempts"`
	Subscriptions int             `json:"subscriptions"`
	Queued        int             `json:"queued"`
	LastError     string          `json:"last_error,omitempty"`
}

// Info returns a snapshot of the connection
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		URL:           c.url,
		Mode:          c.mode,
		Status:        c.status,
		LatencyMs:     c.latency.Milliseconds(),
		EventCount:    c.eventCount,
		Attempts:      c.attempts,
		Subscriptions: len(c.subs),
		Queued:        len(c.queue),
		LastError:     c.lastError,
	}
}

// Connect starts dialing. It is a no-op while connecting or connected.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.manual = false
	c.stopTimerLocked()
	c.status = StatusConnecting
	c.dialSeq++
	seq := c.dialSeq
	c.mu.Unlock()

	c.notify(StatusConnecting)
	go c.dial(seq)
}

// Disconnect closes the link for good: subscriptions, pending EOSE and the
// queue are dropped and no reconnect is scheduled.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.dialSeq++
	c.stopTimerLocked()
	s := c.sess
	c.sess = nil
	c.subs = make(map[string][]nostr.Filter)
	c.subOrder = nil
	c.pendingEOSE = make(map[string]struct{})
	c.queue = nil
	c.attempts = 0
	prev := c.status
	c.status = StatusDisconnected
	c.mu.Unlock()

	if s != nil {
		c.closeSession(s)
	}
	if prev != StatusDisconnected {
		c.notify(StatusDisconnected)
	}
}

// Publish writes an EVENT frame now, or queues it until the link opens
func (c *Connection) Publish(e nostr.Event) error {
	data, err := nostr.EncodeEVENT(e)
	if err != nil {
		return errors.WrapInvalid(err, "Connection", "Publish", "encode event")
	}

	c.mu.Lock()
	if c.status == StatusConnected && c.sess != nil {
		s := c.sess
		c.mu.Unlock()
		return c.write(s, data)
	}
	if len(c.queue) >= c.cfg.MaxQueue {
		c.queue = c.queue[1:]
		c.logger.Warn("Publish queue full, dropping oldest frame", "max", c.cfg.MaxQueue)
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()
	return nil
}

// Subscribe records the subscription and sends REQ when connected. While
// offline only the bookkeeping is kept; the REQ goes out once on open.
func (c *Connection) Subscribe(subID string, filters []nostr.Filter) error {
	req, err := nostr.EncodeREQ(subID, filters)
	if err != nil {
		return errors.WrapInvalid(err, "Connection", "Subscribe", "encode request")
	}

	c.mu.Lock()
	if _, ok := c.subs[subID]; !ok {
		c.subOrder = append(c.subOrder, subID)
	}
	c.subs[subID] = filters
	if c.status != StatusConnected || c.sess == nil {
		c.mu.Unlock()
		return nil
	}
	c.pendingEOSE[subID] = struct{}{}
	s := c.sess
	c.mu.Unlock()
	return c.write(s, req)
}

// Unsubscribe drops the subscription and sends CLOSE when connected
func (c *Connection) Unsubscribe(subID string) error {
	c.mu.Lock()
	_, had := c.subs[subID]
	c.dropSubLocked(subID)
	if !had || c.status != StatusConnected || c.sess == nil {
		c.mu.Unlock()
		return nil
	}
	s := c.sess
	c.mu.Unlock()

	data, err := nostr.EncodeCLOSE(subID)
	if err != nil {
		return errors.WrapInvalid(err, "Connection", "Unsubscribe", "encode close")
	}
	return c.write(s, data)
}

func (c *Connection) dropSubLocked(subID string) {
	delete(c.subs, subID)
	delete(c.pendingEOSE, subID)
	for i, id := range c.subOrder {
		if id == subID {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
}

func (c *Connection) dial(seq uint64) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	cancel()
	if err != nil {
		c.lost(nil, seq, errors.WrapTransient(err, "Connection", "dial", "open websocket"))
		return
	}

	c.mu.Lock()
	if seq != c.dialSeq || c.manual || c.status != StatusConnecting {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}

	ws.SetReadLimit(c.cfg.MaxMessageSize)
	sctx, scancel := context.WithCancel(context.Background())
	s := &session{ws: ws, ctx: sctx, cancel: scancel}
	s.lastPong.Store(time.Now().UnixNano())
	ws.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	c.sess = s
	c.status = StatusConnected
	c.attempts = 0
	c.latency = time.Since(start)
	c.lastError = ""

	// queued publishes first, then every tracked subscription exactly once
	frames := c.queue
	c.queue = nil
	for _, id := range c.subOrder {
		req, err := nostr.EncodeREQ(id, c.subs[id])
		if err != nil {
			continue
		}
		frames = append(frames, req)
		c.pendingEOSE[id] = struct{}{}
	}
	latency := c.latency

	// hold the writer before releasing mu so nothing overtakes the flush
	s.writeMu.Lock()
	c.mu.Unlock()

	go c.readLoop(s)
	go c.pingLoop(s)

	var werr error
	for _, f := range frames {
		if werr = c.writeLocked(s, f); werr != nil {
			break
		}
	}
	s.writeMu.Unlock()

	c.metrics.RecordRelayLatency(c.url, latency)
	c.logger.Info("Relay connected", "latency", latency, "replay", len(frames))
	c.notify(StatusConnected)
	if werr != nil {
		c.lost(s, 0, werr)
	}
}

// lost handles a failed dial (s == nil) or the end of a session. Stale
// reports from replaced sessions or superseded dials are ignored.
func (c *Connection) lost(s *session, seq uint64, cause error) {
	c.mu.Lock()
	if s != nil {
		if c.sess != s {
			c.mu.Unlock()
			return
		}
		c.sess = nil
	} else if seq != c.dialSeq || c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}

	abnormal := cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if cause != nil {
		c.lastError = cause.Error()
	}
	c.pendingEOSE = make(map[string]struct{})
	c.status = StatusDisconnected

	var delay time.Duration
	reconnect := !c.manual
	if reconnect {
		c.storm.RecordDisconnect()
		delay = retry.ReconnectDelay(c.cfg.Backoff, c.storm, c.attempts)
		c.attempts++
		next := c.dialSeq
		c.timer = time.AfterFunc(delay, func() { c.reconnect(next) })
	}
	attempts := c.attempts
	c.mu.Unlock()

	if s != nil {
		c.closeSession(s)
	}
	if abnormal {
		c.notify(StatusError)
	}
	c.notify(StatusDisconnected)
	if reconnect {
		c.logger.Warn("Relay connection lost", "error", cause, "retry_in", delay, "attempt", attempts)
	}
}

func (c *Connection) reconnect(seq uint64) {
	c.mu.Lock()
	if c.manual || c.status != StatusDisconnected || seq != c.dialSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.status = StatusConnecting
	c.dialSeq++
	next := c.dialSeq
	c.mu.Unlock()

	c.metrics.RecordReconnect(c.url)
	c.notify(StatusConnecting)
	c.dial(next)
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) closeSession(s *session) {
	s.cancel()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = s.ws.Close()
}

func (c *Connection) write(s *session, data []byte) error {
	s.writeMu.Lock()
	err := c.writeLocked(s, data)
	s.writeMu.Unlock()
	if err != nil {
		c.lost(s, 0, err)
		return errors.WrapTransient(err, "Connection", "write", "send frame")
	}
	return nil
}

// writeLocked sends one text frame. Callers hold s.writeMu.
func (c *Connection) writeLocked(s *session, data []byte) error {
	if err := c.limiter.Wait(s.ctx); err != nil {
		return err
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) readLoop(s *session) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			c.lost(s, 0, err)
			return
		}
		s.lastPong.Store(time.Now().UnixNano())
		c.handle(data)
	}
}

func (c *Connection) pingLoop(s *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(time.Unix(0, s.lastPong.Load())) > c.cfg.PongTimeout {
			c.lost(s, 0, errPongTimeout)
			return
		}
		// WriteControl is safe alongside WriteMessage
		if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.lost(s, 0, err)
			return
		}
	}
}

func (c *Connection) handle(data []byte) {
	msg, err := nostr.ParseRelayMessage(data)
	if err != nil {
		c.logger.Debug("Dropping malformed relay frame", "error", err)
		return
	}

	switch msg.Type {
	case nostr.MsgEvent:
		c.mu.Lock()
		c.eventCount++
		c.mu.Unlock()
		c.metrics.RecordRelayEvent(c.url)
		if c.cb.event != nil {
			c.cb.event(msg.SubID, msg.Event, c.url)
		}
	case nostr.MsgEOSE:
		c.mu.Lock()
		delete(c.pendingEOSE, msg.SubID)
		c.mu.Unlock()
		if c.cb.eose != nil {
			c.cb.eose(msg.SubID, c.url)
		}
	case nostr.MsgOK:
		c.metrics.RecordPublishAck(c.url, msg.OK)
		if c.cb.ok != nil {
			c.cb.ok(msg.EventID, msg.OK, msg.Message, c.url)
		}
	case nostr.MsgNotice:
		c.metrics.RecordNotice(c.url)
		c.logger.Warn("Relay notice", "notice", msg.Message)
	case nostr.MsgClosed:
		c.mu.Lock()
		c.dropSubLocked(msg.SubID)
		c.mu.Unlock()
		c.logger.Debug("Relay closed subscription", "sub_id", msg.SubID, "reason", msg.Message)
		if c.cb.closed != nil {
			c.cb.closed(msg.SubID, msg.Message, c.url)
		}
	case nostr.MsgAuth:
		// NIP-42 is not supported
	}
}

func (c *Connection) notify(status Status) {
	c.metrics.RecordRelayStatus(c.url, string(status))
	if c.cb.status != nil {
		c.cb.status(c.url, status)
	}
}
