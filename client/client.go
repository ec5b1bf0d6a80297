package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ishtarservices/TheWired-sub000/config"
	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/health"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/natsclient"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/pipeline"
	"github.com/ishtarservices/TheWired-sub000/pkg/retry"
	"github.com/ishtarservices/TheWired-sub000/pkg/tlsutil"
	"github.com/ishtarservices/TheWired-sub000/profile"
	"github.com/ishtarservices/TheWired-sub000/relay"
	"github.com/ishtarservices/TheWired-sub000/sink"
	"github.com/ishtarservices/TheWired-sub000/store"
	"github.com/ishtarservices/TheWired-sub000/subscription"
	"github.com/ishtarservices/TheWired-sub000/verify"
)

// Name identifies the client in health reports
const Name = "wired"

// Option configures a Client
type Option func(*Client)

// WithSigner enables the publish path and relay list loading
func WithSigner(s nostr.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithLogger sets the root logger handed to every component
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetricsRegistry shares a registry instead of creating one
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(c *Client) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithJetStream replaces the NATS connection behind the sink. The sink is
// created even when the sink section is disabled.
func WithJetStream(js sink.JetStream) Option {
	return func(c *Client) { c.js = js }
}

// Client owns every component of one running session. Components are
// wired explicitly here; nothing is a package level singleton.
type Client struct {
	cfg      *config.Config
	logger   *slog.Logger
	signer   nostr.Signer
	registry *metric.MetricsRegistry
	metrics  *metric.ClientMetrics
	monitor  *health.Monitor

	store    *store.Store
	evictor  *store.Evictor
	pool     *relay.Pool
	subs     *subscription.Registry
	verifier *verify.Bridge
	pipeline *pipeline.Pipeline
	profiles *profile.Cache

	js     sink.JetStream
	nats   *natsclient.Client
	sink   *sink.Sink
	server *metric.Server

	localMu sync.Mutex

	removeStatus func()

	// running is set for the duration of Run; stopped once shutdown ran
	// since the last Run started
	runMu   sync.Mutex
	running bool
	stopped bool

	closeOnce sync.Once
	closeErr     error
}

// New builds a client from cfg. Nothing connects until Connect or Run.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "check config")
	}
	c := &Client{
		cfg:    cfg.Clone(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = metric.NewMetricsRegistry()
	}
	c.metrics = c.registry.CoreMetrics()
	c.monitor = health.NewMonitor(c.metrics.RecordHealthStatus)

	var storeOpts []store.Option
	if c.cfg.DataDir == "" {
		storeOpts = append(storeOpts, store.InMemory())
	}
	storeOpts = append(storeOpts, store.WithLogger(c.logger), store.WithMetrics(c.metrics))
	st, err := store.Open(c.cfg.DataDir, c.cfg.Store, storeOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "New", "open store")
	}
	c.store = st
	c.monitor.UpdateHealthy("store", "open")

	if c.evictor, err = store.NewEvictor(st, c.cfg.Store.EvictionSchedule, c.logger); err != nil {
		_ = st.Close()
		return nil, err
	}

	relayTLS, err := tlsutil.LoadClientConfig(c.cfg.Relays.TLS)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	c.pool = relay.NewPool(c.cfg.RelayConfig(),
		relay.WithDialer(&websocket.Dialer{
			HandshakeTimeout: c.cfg.Relays.DialTimeout,
			TLSClientConfig:  relayTLS,
		}),
		relay.WithLogger(c.logger),
		relay.WithMetrics(c.metrics),
		relay.WithBootstrapRelays(c.cfg.Relays.Bootstrap...),
	)
	c.subs = subscription.NewRegistry(c.pool, c.process,
		subscription.WithStore(st),
		subscription.WithLogger(c.logger),
	)
	c.profiles = profile.New(c.cfg.Profile,
		profile.WithDurable(st),
		profile.WithSubscriber(c.subs),
		profile.WithLogger(c.logger),
	)
	c.verifier = verify.New(
		verify.WithTimeout(c.cfg.Verify.Timeout),
		verify.WithQueueSize(c.cfg.Verify.QueueSize),
		verify.WithRecycleAfter(c.cfg.Verify.RecycleAfter),
		verify.WithLogger(c.logger),
		verify.WithMetricsRegistry(c.registry),
	)

	if c.js == nil && c.cfg.Sink.Enabled {
		c.nats, err = natsclient.NewClient(c.cfg.Sink.URL,
			natsclient.WithName(Name),
			natsclient.WithLogger(c.logger),
			natsclient.WithTimeout(c.cfg.Sink.Timeout),
			natsclient.WithAuth(c.cfg.Sink.Username, c.cfg.Sink.Password, c.cfg.Sink.Token),
			natsclient.WithMetrics(c.registry, 0),
			natsclient.WithHealthChangeCallback(c.sinkHealth),
		)
		if err != nil {
			_ = st.Close()
			return nil, errors.Wrap(err, "Client", "New", "create NATS client")
		}
		c.js = c.nats
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithVerifier(c.verifier),
		pipeline.WithLiveness(c.subs),
		pipeline.WithStore(st),
		pipeline.WithProfiles(c.profiles),
		pipeline.WithLogger(c.logger),
		pipeline.WithMetrics(c.registry),
	}
	if c.js != nil {
		c.sink = sink.New(c.js, c.cfg.Sink, sink.WithLogger(c.logger), sink.WithMetrics(c.metrics))
		pipeOpts = append(pipeOpts, pipeline.WithPublisher(c.sink))
	}
	if c.pipeline, err = pipeline.New(c.cfg.PipelineConfig(), pipeOpts...); err != nil {
		_ = st.Close()
		return nil, err
	}

	if c.cfg.Metrics.Enabled {
		serverTLS, err := tlsutil.LoadServerConfig(c.cfg.Metrics.TLS)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		c.server = metric.NewServer(c.cfg.Metrics.Port, c.cfg.Metrics.Path, c.registry,
			metric.WithHealth(c.Health),
			metric.WithRelays(func() any { return c.pool.Connections() }),
			metric.WithTLS(serverTLS),
		)
	}

	c.removeStatus = c.pool.OnStatusChange(c.relayStatus)
	c.logger = c.logger.With("component", "client")
	return c, nil
}

// process hands subscription traffic to the pipeline
func (c *Client) process(ctx context.Context, raw json.RawMessage, relayURL, subID string) {
	c.pipeline.Process(ctx, raw, relayURL, subID)
}

func (c *Client) relayStatus(url string, status relay.Status) {
	conn, ok := c.pool.Get(url)
	if !ok {
		c.monitor.Remove("relay:" + url)
		return
	}
	info := conn.Info()
	c.monitor.Update("relay:"+url, health.FromRelay(url, string(status), info.LastError, info.EventCount))
}

func (c *Client) sinkHealth(healthy bool) {
	if healthy {
		c.monitor.UpdateHealthy("sink", "connected")
		return
	}
	c.monitor.UpdateDegraded("sink", "disconnected")
}

// Config returns the configuration the client was built with
func (c *Client) Config() *config.Config { return c.cfg.Clone() }

// Pool returns the relay pool
func (c *Client) Pool() *relay.Pool { return c.pool }

// Subscriptions returns the subscription registry
func (c *Client) Subscriptions() *subscription.Registry { return c.subs }

// Pipeline returns the event pipeline
func (c *Client) Pipeline() *pipeline.Pipeline { return c.pipeline }

// State returns the in-memory view fed by the pipeline
func (c *Client) State() *pipeline.State { return c.pipeline.State() }

// Profiles returns the identity cache
func (c *Client) Profiles() *profile.Cache { return c.profiles }

// Store returns the durable store
func (c *Client) Store() *store.Store { return c.store }

// Metrics returns the metrics registry
func (c *Client) Metrics() *metric.MetricsRegistry { return c.registry }

// Connect opens the bootstrap relays and the configured relay list. It
// reports whether a bootstrap relay came up before the timeout; a false
// result is not fatal.
func (c *Client) Connect(ctx context.Context) bool {
	ready := c.pool.ConnectBootstrapAndWait(ctx, c.cfg.Relays.BootstrapTimeout)
	c.pool.ConnectFromConfig(c.cfg.Relays.Configured)
	return ready
}

// Run connects and runs the background workers until ctx is done, then
// shuts everything down. The store stays open until Close, so Run may be
// called again after it returns; overlapping calls fail with
// errors.ErrAlreadyStarted.
func (c *Client) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Client", "Run", "start session")
	}
	c.running, c.stopped = true, false
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.evictor.Run(gctx) })
	g.Go(func() error { return c.profiles.Run(gctx) })

	if c.server != nil {
		g.Go(c.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return c.server.Stop()
		})
		c.logger.Info("Metrics server listening", "address", c.server.Address())
	}

	if c.sink != nil {
		g.Go(func() error {
			c.startSink(gctx)
			return nil
		})
	}

	g.Go(func() error {
		ready := c.Connect(gctx)
		c.logger.Info("Relays connected", "bootstrap_ready", ready, "relays", len(c.pool.Connections()))
		if c.signer == nil {
			return nil
		}
		pubkey, err := c.signer.PublicKey(gctx)
		if err != nil {
			c.logger.Warn("Signer has no public key", "error", err)
			return nil
		}
		if _, err := c.LoadRelayList(gctx, pubkey); err != nil && gctx.Err() == nil {
			c.logger.Warn("Relay list not loaded", "pubkey", pubkey, "error", err)
		}
		return nil
	})

	<-gctx.Done()
	c.shutdown()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startSink connects the broker with quick retries and ensures the stream.
// Failure leaves the sink logging publish errors; the client keeps running.
func (c *Client) startSink(ctx context.Context) {
	policy := retry.Quick()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Debug("Event sink not ready", "attempt", attempt, "retry_in", wait, "error", err)
	}
	err := retry.Do(ctx, policy, func() error {
		if c.nats != nil && !c.nats.IsHealthy() {
			if err := c.nats.Connect(ctx); err != nil {
				return err
			}
		}
		return c.sink.Start(ctx)
	})
	if err != nil {
		c.monitor.UpdateError("sink", err)
		c.logger.Warn("Event sink unavailable", "error", err)
		return
	}
	c.monitor.UpdateHealthy("sink", "stream ready")
}

func (c *Client) shutdown() {
	c.runMu.Lock()
	if c.stopped {
		c.runMu.Unlock()
		return
	}
	c.stopped = true
	c.runMu.Unlock()

	c.subs.CloseAll()
	c.pool.DisconnectAll()
	c.verifier.Terminate()
	if c.nats != nil {
		if err := c.nats.Close(context.Background()); err != nil {
			c.logger.Debug("NATS close failed", "error", err)
		}
	}
	c.logger.Info("Client stopped")
}

// Close releases the relay links and the store. Calling it twice is safe.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.removeStatus != nil {
			c.removeStatus()
		}
		c.shutdown()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}

// Health is healthy while a read relay is connected and degraded
// otherwise. Component statuses are attached as sub statuses.
func (c *Client) Health() health.Status {
	conns := c.pool.Connections()
	statuses := make([]health.Status, 0, len(conns)+1)
	readConnected := 0
	for _, info := range conns {
		statuses = append(statuses, health.FromRelay(info.URL, string(info.Status), info.LastError, info.EventCount))
		if info.Status == relay.StatusConnected && info.Mode.CanRead() {
			readConnected++
		}
	}
	for _, name := range []string{"store", "sink"} {
		if s, ok := c.monitor.Get(name); ok {
			statuses = append(statuses, s)
		}
	}
	return health.ForClient(Name, statuses, readConnected)
}
