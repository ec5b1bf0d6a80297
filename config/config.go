package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
	"github.com/ishtarservices/TheWired-sub000/pipeline"
	"github.com/ishtarservices/TheWired-sub000/pkg/retry"
	"github.com/ishtarservices/TheWired-sub000/pkg/tlsutil"
	"github.com/ishtarservices/TheWired-sub000/profile"
	"github.com/ishtarservices/TheWired-sub000/relay"
	"github.com/ishtarservices/TheWired-sub000/sink"
	"github.com/ishtarservices/TheWired-sub000/store"
	"github.com/ishtarservices/TheWired-sub000/verify"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WIRED"

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the complete client configuration
type Config struct {
	// DataDir holds the durable store. Empty keeps everything in memory.
	DataDir   string               `json:"data_dir" yaml:"data_dir"`
	Relays    RelaysConfig         `json:"relays" yaml:"relays"`
	Reconnect ReconnectConfig      `json:"reconnect" yaml:"reconnect"`
	Dedup     pipeline.DedupConfig `json:"dedup" yaml:"dedup"`
	Verify    VerifyConfig         `json:"verify" yaml:"verify"`
	Pipeline  PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	Profile   profile.Config       `json:"profile" yaml:"profile"`
	Store     store.Config         `json:"store" yaml:"store"`
	Sink      sink.Config          `json:"sink" yaml:"sink"`
	Metrics   MetricsConfig        `json:"metrics" yaml:"metrics"`
	Log       LogConfig            `json:"log" yaml:"log"`
}

// RelaysConfig lists the relays and tunes each link
type RelaysConfig struct {
	Bootstrap        []string               `json:"bootstrap" yaml:"bootstrap"`
	Configured       []nostr.RelayListEntry `json:"configured" yaml:"configured"`
	BootstrapTimeout time.Duration          `json:"bootstrap_timeout" yaml:"bootstrap_timeout"`
	PingInterval     time.Duration          `json:"ping_interval" yaml:"ping_interval"`
	PongTimeout      time.Duration          `json:"pong_timeout" yaml:"pong_timeout"`
	WriteTimeout     time.Duration          `json:"write_timeout" yaml:"write_timeout"`
	DialTimeout      time.Duration          `json:"dial_timeout" yaml:"dial_timeout"`
	SendRate         float64                `json:"send_rate" yaml:"send_rate"`
	SendBurst        int                    `json:"send_burst" yaml:"send_burst"`
	MaxQueue         int                    `json:"max_queue" yaml:"max_queue"`
	MaxMessageSize   int64                  `json:"max_message_size" yaml:"max_message_size"`
	TLS              tlsutil.ClientConfig   `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// ReconnectConfig is the backoff and storm policy shared by all links
type ReconnectConfig struct {
	BackoffBase    time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffCap     time.Duration `json:"backoff_cap" yaml:"backoff_cap"`
	Jitter         float64       `json:"jitter" yaml:"jitter"`
	StormThreshold int           `json:"storm_threshold" yaml:"storm_threshold"`
	StormWindow    time.Duration `json:"storm_window" yaml:"storm_window"`
	StormCooldown  time.Duration `json:"storm_cooldown" yaml:"storm_cooldown"`
}

// VerifyConfig sizes the verification worker
type VerifyConfig struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	QueueSize int           `json:"queue_size" yaml:"queue_size"`
	// RecycleAfter consecutive timeouts restart the worker
	RecycleAfter int `json:"recycle_after" yaml:"recycle_after"`
}

// PipelineConfig bounds local state
type PipelineConfig struct {
	FutureTolerance time.Duration `json:"future_tolerance" yaml:"future_tolerance"`
	IndexCap        int           `json:"index_cap" yaml:"index_cap"`
	MaxEvents       int           `json:"max_events" yaml:"max_events"`
}

// MetricsConfig controls the HTTP exposition server
type MetricsConfig struct {
	Enabled bool                 `json:"enabled" yaml:"enabled"`
	Port    int                  `json:"port" yaml:"port"`
	Path    string               `json:"path" yaml:"path"`
	TLS     tlsutil.ServerConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration carrying every built-in default
func Default() *Config {
	pc := pipeline.DefaultConfig()
	rc := relay.DefaultConfig()
	return &Config{
		Relays: RelaysConfig{
			Bootstrap:        append([]string(nil), relay.DefaultBootstrapRelays...),
			BootstrapTimeout: relay.DefaultBootstrapTimeout,
			PingInterval:     rc.PingInterval,
			PongTimeout:      rc.PongTimeout,
			WriteTimeout:     rc.WriteTimeout,
			DialTimeout:      rc.DialTimeout,
			SendRate:         float64(rc.SendRate),
			SendBurst:        rc.SendBurst,
			MaxQueue:         rc.MaxQueue,
			MaxMessageSize:   rc.MaxMessageSize,
		},
		Reconnect: ReconnectConfig{
			BackoffBase:    retry.DefaultBackoffBase,
			BackoffCap:     retry.DefaultBackoffCap,
			Jitter:         retry.DefaultBackoffJitter,
			StormThreshold: retry.DefaultStormThreshold,
			StormWindow:    retry.DefaultStormWindow,
			StormCooldown:  retry.DefaultStormCooldown,
		},
		Dedup: pc.Dedup,
		Verify: VerifyConfig{
			Timeout:      verify.DefaultTimeout,
			QueueSize:    verify.DefaultQueueSize,
			RecycleAfter: verify.DefaultRecycleAfter,
		},
		Pipeline: PipelineConfig{
			FutureTolerance: pc.FutureTolerance,
			IndexCap:        pc.IndexCap,
			MaxEvents:       pc.MaxEvents,
		},
		Profile: profile.Config{BatchTick: profile.DefaultBatchTick},
		Store:   store.DefaultConfig(),
		Sink:    sink.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatJSON,
		},
	}
}

// RelayConfig maps the relay and reconnect sections onto relay.Config
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		Backoff: retry.Backoff{
			Base:   c.Reconnect.BackoffBase,
			Cap:    c.Reconnect.BackoffCap,
			Jitter: c.Reconnect.Jitter,
		},
		Storm: retry.StormConfig{
			Threshold: c.Reconnect.StormThreshold,
			Window:    c.Reconnect.StormWindow,
			Cooldown:  c.Reconnect.StormCooldown,
		},
		PingInterval:   c.Relays.PingInterval,
		PongTimeout:    c.Relays.PongTimeout,
		WriteTimeout:   c.Relays.WriteTimeout,
		DialTimeout:    c.Relays.DialTimeout,
		SendRate:       rate.Limit(c.Relays.SendRate),
		SendBurst:      c.Relays.SendBurst,
		MaxQueue:       c.Relays.MaxQueue,
		MaxMessageSize: c.Relays.MaxMessageSize,
	}
}

// PipelineConfig maps the dedup and pipeline sections onto pipeline.Config
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Dedup:           c.Dedup,
		FutureTolerance: c.Pipeline.FutureTolerance,
		IndexCap:        c.Pipeline.IndexCap,
		MaxEvents:       c.Pipeline.MaxEvents,
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	fail := func(msg string, args ...any) error {
		return errors.WrapFatal(fmt.Errorf(msg, args...), "Config", "Validate", "check configuration")
	}

	for _, u := range c.Relays.Bootstrap {
		if _, ok := nostr.NormalizeRelayURL(u); !ok {
			return fail("bootstrap relay %q is not a ws or wss url", u)
		}
	}
	for _, r := range c.Relays.Configured {
		if _, ok := nostr.NormalizeRelayURL(r.URL); !ok {
			return fail("relay %q is not a ws or wss url", r.URL)
		}
		switch r.Mode {
		case "", nostr.ModeRead, nostr.ModeWrite, nostr.ModeReadWrite:
		default:
			return fail("relay %q has unknown mode %q", r.URL, r.Mode)
		}
	}

	if c.Reconnect.BackoffBase <= 0 || c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		return fail("backoff_cap (%s) must be >= backoff_base (%s) > 0",
			c.Reconnect.BackoffCap, c.Reconnect.BackoffBase)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fail("jitter must be in [0,1], got %v", c.Reconnect.Jitter)
	}
	if c.Reconnect.StormThreshold <= 0 || c.Reconnect.StormWindow <= 0 {
		return fail("storm_threshold and storm_window must be positive")
	}

	if c.Dedup.BloomFPR <= 0 || c.Dedup.BloomFPR >= 1 {
		return fail("bloom_fpr must be in (0,1), got %v", c.Dedup.BloomFPR)
	}
	if c.Dedup.BloomCapacity == 0 || c.Dedup.RecentCapacity <= 0 {
		return fail("bloom_capacity and recent_capacity must be positive")
	}
	if c.Verify.Timeout <= 0 {
		return fail("verify timeout must be positive")
	}
	if c.Verify.RecycleAfter < 0 {
		return fail("verify recycle_after cannot be negative")
	}
	if c.Pipeline.FutureTolerance < 0 {
		return fail("future_tolerance cannot be negative")
	}
	if c.Profile.Capacity < 0 {
		return fail("profile capacity cannot be negative")
	}
	if c.Store.MaxRecords < 0 {
		return fail("max_records cannot be negative")
	}

	if c.Sink.Enabled {
		if c.Sink.URL == "" {
			return fail("sink url is required when the sink is enabled")
		}
		if !isValidSubject(c.Sink.SubjectPrefix) {
			return fail("invalid sink subject prefix %q", c.Sink.SubjectPrefix)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fail("metrics port %d out of range", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fail("metrics path must start with /")
		}
		if err := c.Metrics.TLS.Validate(); err != nil {
			return fail("metrics tls: %v", err)
		}
	}
	if err := c.Relays.TLS.Validate(); err != nil {
		return fail("relay tls: %v", err)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fail("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fail("unknown log format %q", c.Log.Format)
	}
	return nil
}

// isValidSubject checks a dotted NATS subject without wildcards
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '-' || r == '_') {
				return false
			}
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Relays.Bootstrap = append([]string(nil), c.Relays.Bootstrap...)
	clone.Relays.Configured = append([]nostr.RelayListEntry(nil), c.Relays.Configured...)
	clone.Relays.TLS.CAFiles = append([]string(nil), c.Relays.TLS.CAFiles...)
	return &clone
}

// String returns a YAML representation of the config
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// SaveToFile writes the config as YAML, or JSON when path ends in .json
func (c *Config) SaveToFile(path string) error {
	// JSON is rendered from the yaml tree so durations stay strings
	data, err := yaml.Marshal(c)
	if err == nil && strings.HasSuffix(strings.ToLower(path), ".json") {
		var tree map[string]any
		if err = yaml.Unmarshal(data, &tree); err == nil {
			data, err = json.MarshalIndent(tree, "", "  ")
		}
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode config")
	}
	if err := safeWriteFile(path, data); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write config")
	}
	return nil
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg.Clone()}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.config = cfg.Clone()
	sc.mu.Unlock()
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, then each file layer, then environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "read "+path)
		}
		if err := mergeDocument(cfg, data); err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "parse "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// mergeDocument decodes a YAML or JSON document onto cfg. Keys absent from
// the document keep their current value; lists are replaced.
func mergeDocument(cfg *Config, data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := validateDepth(raw, 0); err != nil {
		return err
	}
	normalized, err := yaml.Marshal(normalizeDurations(raw))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(normalized, cfg)
}

var dayDuration = regexp.MustCompile(`^(\d+)d(.*)$`)

// normalizeDurations rewrites "7d" style strings to hours so the yaml
// decoder can parse them as time.Duration
func normalizeDurations(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeDurations(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalizeDurations(child)
		}
		return t
	case string:
		if !dayDuration.MatchString(t) {
			return t
		}
		if d, err := parseDurationWithDays(t); err == nil {
			return d.String()
		}
		return t
	default:
		return v
	}
}

// parseDurationWithDays parses durations that may include days (e.g., "14d"
// or "1d12h")
func parseDurationWithDays(s string) (time.Duration, error) {
	m := dayDuration.FindStringSubmatch(s)
	if m == nil {
		return time.ParseDuration(s)
	}
	days, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	d := time.Duration(days) * 24 * time.Hour
	if m[2] != "" {
		rest, err := time.ParseDuration(m[2])
		if err != nil {
			return 0, err
		}
		d += rest
	}
	return d, nil
}

// applyEnvOverrides applies WIRED_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	get := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			if firstErr == nil {
				firstErr = errors.WrapFatal(err, "Loader", "applyEnvOverrides", "read "+key)
			}
			return "", false
		}
		return val, true
	}
	parseErr := func(name string, err error) {
		if firstErr == nil {
			firstErr = errors.WrapFatal(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_"+name)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val, ok := get(name); ok {
			d, err := parseDurationWithDays(val)
			if err != nil {
				parseErr(name, err)
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if val, ok := get(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				parseErr(name, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if val, ok := get(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				parseErr(name, err)
				return
			}
			*dst = b
		}
	}

	if val, ok := get("DATA_DIR"); ok {
		cfg.DataDir = val
	}
	if val, ok := get("BOOTSTRAP_RELAYS"); ok {
		cfg.Relays.Bootstrap = splitList(val)
	}
	if val, ok := get("RELAYS"); ok {
		cfg.Relays.Configured = cfg.Relays.Configured[:0]
		for _, u := range splitList(val) {
			cfg.Relays.Configured = append(cfg.Relays.Configured,
				nostr.RelayListEntry{URL: u, Mode: nostr.ModeReadWrite})
		}
	}
	duration("BOOTSTRAP_TIMEOUT", &cfg.Relays.BootstrapTimeout)
	duration("VERIFY_TIMEOUT", &cfg.Verify.Timeout)
	duration("EVENT_TTL", &cfg.Store.EventTTL)
	duration("PROFILE_TTL", &cfg.Store.ProfileTTL)
	integer("MAX_RECORDS", &cfg.Store.MaxRecords)
	if val, ok := get("EVICTION_SCHEDULE"); ok {
		cfg.Store.EvictionSchedule = val
	}

	boolean("SINK_ENABLED", &cfg.Sink.Enabled)
	if val, ok := get("SINK_URL"); ok {
		cfg.Sink.URL = val
	}
	if val, ok := get("SINK_STREAM"); ok {
		cfg.Sink.Stream = val
	}
	if val, ok := get("SINK_USER"); ok {
		cfg.Sink.Username = val
	}
	if val, ok := get("SINK_PASSWORD"); ok {
		cfg.Sink.Password = val
	}
	if val, ok := get("SINK_TOKEN"); ok {
		cfg.Sink.Token = val
	}

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	integer("METRICS_PORT", &cfg.Metrics.Port)
	if val, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = val
	}
	if val, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = val
	}
	return firstErr
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
