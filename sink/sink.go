// Package sink mirrors accepted events onto a JetStream stream so backend
// services can consume the same verified feed the client sees.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Defaults
const (
	DefaultStream        = "WIRED_EVENTS"
	DefaultSubjectPrefix = "wired.events"
	DefaultMaxAge        = 7 * 24 * time.Hour
	DefaultDedupWindow   = 2 * time.Minute
	DefaultTimeout       = 5 * time.Second
)

// Config describes the mirror stream
type Config struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URL           string        `json:"url" yaml:"url"`
	Stream        string        `json:"stream" yaml:"stream"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	MaxAge        time.Duration `json:"max_age" yaml:"max_age"`
	DedupWindow   time.Duration `json:"dedup_window" yaml:"dedup_window"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`

	// Broker auth, passed to the NATS connection
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
}

// DefaultConfig returns a disabled sink pointed at a local server
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Stream:        DefaultStream,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxAge:        DefaultMaxAge,
		DedupWindow:   DefaultDedupWindow,
		Timeout:       DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Stream == "" {
		c.Stream = def.Stream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = def.SubjectPrefix
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// JetStream is the part of natsclient.Client the sink needs
type JetStream interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error)
}

// Option configures a Sink
type Option func(*Sink)

// WithLogger sets the sink logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records publish outcomes
func WithMetrics(m *metric.ClientMetrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// Sink publishes each event to <prefix>.<kind> with Nats-Msg-Id set to the
// event id, so the broker drops replays inside the dedup window
type Sink struct {
	cfg     Config
	js      JetStream
	logger  *slog.Logger
	metrics *metric.ClientMetrics
}

// New creates a sink on js
func New(js JetStream, cfg Config, opts ...Option) *Sink {
	s := &Sink{cfg: cfg.withDefaults(), js: js, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sink", "stream", s.cfg.Stream)
	return s
}

// StreamConfig is the stream the sink ensures on Start
func (s *Sink) StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       s.cfg.Stream,
		Subjects:   []string{s.cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     s.cfg.MaxAge,
		Duplicates: s.cfg.DedupWindow,
	}
}

// Start creates or updates the stream
func (s *Sink) Start(ctx context.Context) error {
	if _, err := s.js.EnsureStream(ctx, s.StreamConfig()); err != nil {
		return errors.Wrap(err, "Sink", "Start", "ensure stream "+s.cfg.Stream)
	}
	s.logger.Info("Event mirror ready", "subjects", s.cfg.SubjectPrefix+".>")
	return nil
}

// Subject returns the subject an event of kind is published on
func (s *Sink) Subject(kind int) string {
	return s.cfg.SubjectPrefix + "." + strconv.Itoa(kind)
}

// Publish mirrors e and waits for the stream ack
func (s *Sink) Publish(ctx context.Context, e nostr.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		s.metrics.RecordSinkPublish(false)
		return errors.WrapInvalid(err, "Sink", "Publish", "encode event")
	}

	msg := nats.NewMsg(s.Subject(e.Kind))
	msg.Data = data
	msg.Header.Set(jetstream.MsgIDHeader, e.ID)
	msg.Header.Set("Wired-Pubkey", e.PubKey)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ack, err := s.js.PublishMsg(ctx, msg)
	if err != nil {
		s.metrics.RecordSinkPublish(false)
		return errors.Wrap(err, "Sink", "Publish", "publish "+e.ID)
	}
	s.metrics.RecordSinkPublish(true)
	if ack != nil && ack.Duplicate {
		s.logger.Debug("Broker dropped duplicate", "event_id", e.ID)
	}
	return nil
}
