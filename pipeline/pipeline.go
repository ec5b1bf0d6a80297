package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// SourceLocal marks events the client produced itself
const SourceLocal = "local"

const tracerName = "github.com/ishtarservices/TheWired-sub000/pipeline"

// Reason names the outcome of one Process call
type Reason string

// Outcomes
const (
	ReasonAccepted     Reason = "accepted"
	ReasonInvalid      Reason = "invalid"
	ReasonDuplicate    Reason = "duplicate"
	ReasonBadSignature Reason = "bad_signature"
	ReasonVerifyFailed Reason = "verify_failed"
	ReasonInactive     Reason = "inactive"
)

// Result is the outcome of one Process call
type Result struct {
	Event  nostr.Event
	Reason Reason
}

// Accepted reports whether the event passed every gate
func (r Result) Accepted() bool { return r.Reason == ReasonAccepted }

// Verifier checks signatures; *verify.Bridge implements it
type Verifier interface {
	Verify(ctx context.Context, e nostr.Event) (bool, error)
}

// Liveness reports whether a subscription is still open
type Liveness interface {
	IsActive(subID string) bool
}

// EventStore persists addressable events
type EventStore interface {
	Put(e nostr.Event) error
}

// ProfileSink receives kind 0 events
type ProfileSink interface {
	HandleIncoming(e nostr.Event) bool
}

// Publisher mirrors accepted events elsewhere
type Publisher interface {
	Publish(ctx context.Context, e nostr.Event) error
}

type verifyFunc func(nostr.Event) (bool, error)

func (f verifyFunc) Verify(_ context.Context, e nostr.Event) (bool, error) { return f(e) }

// Config sizes the pipeline
type Config struct {
	Dedup           DedupConfig   `json:"dedup" yaml:"dedup"`
	FutureTolerance time.Duration `json:"future_tolerance" yaml:"future_tolerance"`
	IndexCap        int           `json:"index_cap" yaml:"index_cap"`
	MaxEvents       int           `json:"max_events" yaml:"max_events"`
}

// DefaultConfig returns the default sizing
func DefaultConfig() Config {
	return Config{
		Dedup:           DefaultDedupConfig(),
		FutureTolerance: DefaultFutureTolerance,
		IndexCap:        DefaultIndexCap,
		MaxEvents:       DefaultMaxEvents,
	}
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithVerifier replaces the in-line nostr.Verify check
func WithVerifier(v Verifier) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.verifier = v
		}
	}
}

// WithLiveness drops events whose subscription closed during verification
func WithLiveness(l Liveness) Option {
	return func(p *Pipeline) { p.liveness = l }
}

// WithStore persists accepted addressable events
func WithStore(s EventStore) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithProfiles forwards kind 0 events
func WithProfiles(ps ProfileSink) Option {
	return func(p *Pipeline) { p.profiles = ps }
}

// WithPublisher mirrors accepted events
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithLogger sets the pipeline logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics registers pipeline metrics
func WithMetrics(r metric.MetricsRegistrar) Option {
	return func(p *Pipeline) { p.registrar = r }
}

// WithTracer replaces the global otel tracer
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithClock sets the validator clock
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline gates inbound events (validate, dedup, verify) and fans the
// accepted ones out to local state, persistence and indexes. After
// validation every step is fail-open per event: downstream errors are
// logged, never returned.
type Pipeline struct {
	validator *Validator
	dedup     *Deduplicator
	state     *State
	verifier  Verifier
	liveness  Liveness
	store     EventStore
	profiles  ProfileSink
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	registrar metric.MetricsRegistrar
	metrics   *pipelineMetrics
	now       func() time.Time

	parsersMu sync.RWMutex
	parsers   map[int][]Parser

	// ids between the dedup mark and the liveness check, with every
	// subscription that delivered a copy in the meantime
	pendingMu sync.Mutex
	pending   map[string]mapset.Set[string]
}

// New creates a pipeline with the default parsers registered
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	dedup, err := NewDeduplicator(cfg.Dedup)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		dedup:    dedup,
		state:    NewState(cfg.IndexCap, cfg.MaxEvents),
		verifier: verifyFunc(nostr.Verify),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		parsers:  make(map[int][]Parser),
		pending:  make(map[string]mapset.Set[string]),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.validator = NewValidator(p.now, cfg.FutureTolerance)
	p.logger = p.logger.With("component", "pipeline")
	p.metrics = newPipelineMetrics(p.registrar)
	for kind, parser := range DefaultParsers() {
		p.RegisterParser(kind, parser)
	}
	return p, nil
}

// State returns the local state
func (p *Pipeline) State() *State { return p.state }

// Dedup returns the deduplicator
func (p *Pipeline) Dedup() *Deduplicator { return p.dedup }

// RegisterParser adds a parser for kind. Results land in State().Records(kind).
func (p *Pipeline) RegisterParser(kind int, parser Parser) {
	p.parsersMu.Lock()
	p.parsers[kind] = append(p.parsers[kind], parser)
	p.parsersMu.Unlock()
}

// Process runs a relay supplied event through the pipeline. subID may be
// empty for events outside any subscription.
func (p *Pipeline) Process(ctx context.Context, raw json.RawMessage, source, subID string) Result {
	p.metrics.received.Inc()
	e, ok := p.validator.ValidateRaw(raw)
	if !ok {
		return p.drop(ctx, nostr.Event{}, source, ReasonInvalid)
	}
	return p.run(ctx, e, source, subID)
}

// ProcessEvent runs an already decoded event through the pipeline
func (p *Pipeline) ProcessEvent(ctx context.Context, e nostr.Event, source, subID string) Result {
	p.metrics.received.Inc()
	if !p.validator.Validate(e) {
		return p.drop(ctx, e, source, ReasonInvalid)
	}
	return p.run(ctx, e, source, subID)
}

// ProcessFunc adapts Process to callers that ignore the result
func (p *Pipeline) ProcessFunc() func(ctx context.Context, raw json.RawMessage, source, subID string) {
	return func(ctx context.Context, raw json.RawMessage, source, subID string) {
		p.Process(ctx, raw, source, subID)
	}
}

func (p *Pipeline) run(ctx context.Context, e nostr.Event, source, subID string) Result {
	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("event.id", e.ID),
			attribute.Int("event.kind", e.Kind),
			attribute.String("event.source", source),
		))
	defer span.End()

	res := p.gate(ctx, e, source, subID)
	span.SetAttributes(attribute.String("pipeline.result", string(res.Reason)))
	if res.Reason == ReasonVerifyFailed {
		span.SetStatus(codes.Error, string(res.Reason))
	}
	return res
}

func (p *Pipeline) gate(ctx context.Context, e nostr.Event, source, subID string) Result {
	// mark before verifying so a concurrent copy from another relay is
	// dropped instead of verified twice
	if p.claim(e.ID, subID) {
		return p.drop(ctx, e, source, ReasonDuplicate)
	}

	start := time.Now()
	valid, err := p.verifier.Verify(ctx, e)
	p.metrics.verifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.release(e.ID, false)
		p.logger.Debug("Verification failed", "event_id", e.ID, "source", source, "error", err)
		return p.drop(ctx, e, source, ReasonVerifyFailed)
	}
	if !valid {
		p.release(e.ID, false)
		return p.drop(ctx, e, source, ReasonBadSignature)
	}

	if !p.release(e.ID, true) {
		return p.drop(ctx, e, source, ReasonInactive)
	}

	p.dispatch(ctx, e, source)
	p.metrics.accepted.Inc()
	return Result{Event: e, Reason: ReasonAccepted}
}

// claim reports whether id is a duplicate. A copy arriving while another
// copy of id is being verified adds its subscription to the pending set.
func (p *Pipeline) claim(id, subID string) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if subs, ok := p.pending[id]; ok {
		subs.Add(subID)
		return true
	}
	if p.dedup.CheckAndMark(id) {
		return true
	}
	p.pending[id] = mapset.NewThreadUnsafeSet(subID)
	return false
}

// release ends the pending window of id. With checkLive it reports whether
// any subscription that delivered a copy is still open; when none is, the
// id is forgotten so a later live subscription can deliver it again.
func (p *Pipeline) release(id string, checkLive bool) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	subs := p.pending[id]
	delete(p.pending, id)
	if !checkLive || p.liveness == nil || subs == nil {
		return true
	}
	for _, sub := range subs.ToSlice() {
		if sub == "" || p.liveness.IsActive(sub) {
			return true
		}
	}
	p.dedup.Forget(id)
	return false
}

func (p *Pipeline) drop(ctx context.Context, e nostr.Event, source string, reason Reason) Result {
	p.metrics.dropped.WithLabelValues(string(reason)).Inc()
	trace.SpanFromContext(ctx).AddEvent("dropped", trace.WithAttributes(attribute.String("reason", string(reason))))
	return Result{Event: e, Reason: reason}
}

func (p *Pipeline) dispatch(ctx context.Context, e nostr.Event, source string) {
	p.state.Add(e)
	p.state.IncrementEventCount(source)

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, e); err != nil {
			p.logger.Debug("Mirror publish failed", "event_id", e.ID, "error", err)
		}
	}

	if p.store != nil && nostr.IsAddressable(e.Kind) {
		if err := p.store.Put(e); err != nil {
			p.logger.Warn("Persisting event failed", "event_id", e.ID, "kind", e.Kind, "error", err)
		}
	}

	if e.Kind == nostr.KindMetadata && p.profiles != nil {
		p.profiles.HandleIncoming(e)
	}

	p.index(e)
	p.parse(e)
}

func (p *Pipeline) index(e nostr.Event) {
	group, hasGroup := e.Group()
	feed := GlobalContext
	if hasGroup && group != "" {
		feed = group
	}

	switch e.Kind {
	case nostr.KindShortText:
		p.state.AddToIndex(IndexNotes, e.PubKey, e.ID)
	case nostr.KindChatMessage:
		if hasGroup && group != "" {
			p.state.AddToIndex(IndexChat, group, e.ID)
			p.state.TrackActivity(group, e.CreatedAt)
		}
	case nostr.KindVideoVertical, nostr.KindVideoVerticalAddr:
		p.state.AddToIndex(IndexReels, feed, e.ID)
	case nostr.KindLongForm:
		p.state.AddToIndex(IndexLongForm, feed, e.ID)
	case nostr.KindLiveStream:
		p.state.AddToIndex(IndexLiveStreams, feed, e.ID)
	case nostr.KindMusicTrack:
		p.state.AddToIndex(IndexMusicTracks, feed, e.ID)
	case nostr.KindMusicAlbum:
		p.state.AddToIndex(IndexMusicAlbums, feed, e.ID)
	case nostr.KindMusicPlaylist:
		p.state.AddToIndex(IndexPlaylists, feed, e.ID)
	}
}

func (p *Pipeline) parse(e nostr.Event) {
	p.parsersMu.RLock()
	parsers := p.parsers[e.Kind]
	p.parsersMu.RUnlock()

	for _, parser := range parsers {
		value, ok := p.safeParse(parser, e)
		if ok {
			p.state.PutRecord(e, value)
		}
	}
}

func (p *Pipeline) safeParse(parser Parser, e nostr.Event) (value any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("Parser panicked", "event_id", e.ID, "kind", e.Kind, "panic", fmt.Sprint(r))
			value, ok = nil, false
		}
	}()
	return parser(e)
}

type pipelineMetrics struct {
	received       prometheus.Counter
	accepted       prometheus.Counter
	dropped        *prometheus.CounterVec
	verifyDuration prometheus.Histogram
}

func newPipelineMetrics(r metric.MetricsRegistrar) *pipelineMetrics {
	m := &pipelineMetrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "received_total",
			Help:      "Events entering the pipeline",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "accepted_total",
			Help:      "Events that passed every gate",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "dropped_total",
			Help:      "Events dropped, by reason",
		}, []string{"reason"}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "verify_duration_seconds",
			Help:      "Signature verification time as seen by the pipeline",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25, 1, 5},
		}),
	}
	if r == nil {
		return m
	}
	_ = r.RegisterCounter("pipeline", "received_total", m.received)
	_ = r.RegisterCounter("pipeline", "accepted_total", m.accepted)
	_ = r.RegisterCounterVec("pipeline", "dropped_total", m.dropped)
	_ = r.RegisterHistogram("pipeline", "verify_duration_seconds", m.verifyDuration)
	return m
}
