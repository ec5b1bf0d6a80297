package retry

import (
	"math"
	"sync"
	"time"
)

// Reconnect defaults for relay links
const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffCap    = 60 * time.Second
	DefaultBackoffJitter = 0.25

	DefaultStormThreshold = 3
	DefaultStormWindow    = 5 * time.Second
	DefaultStormCooldown  = 10 * time.Second
)

// Backoff computes reconnect delays. The zero value is not usable; start
// from DefaultBackoff.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the exponential value, applied as +/-

	// Rand returns a value in [0,1). Nil uses a shared seeded source.
	Rand func() float64
}

// DefaultBackoff returns the relay reconnect policy: 1s doubling to 60s with
// 25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   DefaultBackoffBase,
		Cap:    DefaultBackoffCap,
		Jitter: DefaultBackoffJitter,
	}
}

// Exponential returns min(base*2^attempt, cap) without jitter
func (b Backoff) Exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(b.Base) * math.Pow(2, float64(attempt))
	if math.IsInf(exp, 0) || exp > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(exp)
}

// Delay returns the jittered delay for the given attempt, in [0, cap]
func (b Backoff) Delay(attempt int) time.Duration {
	exp := b.Exponential(attempt)
	r := b.Rand
	if r == nil {
		r = randFloat
	}
	jitter := float64(exp) * b.Jitter * (r()*2 - 1)
	d := time.Duration(math.Round(float64(exp) + jitter))
	if d < 0 {
		return 0
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// StormConfig configures a StormDetector
type StormConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultStormConfig returns three disconnects in five seconds with a ten
// second cooldown.
func DefaultStormConfig() StormConfig {
	return StormConfig{
		Threshold: DefaultStormThreshold,
		Window:    DefaultStormWindow,
		Cooldown:  DefaultStormCooldown,
	}
}

// StormDetector records disconnect timestamps in a sliding window. It is
// safe for concurrent use by every connection of a pool.
type StormDetector struct {
	mu         sync.Mutex
	cfg        StormConfig
	now        func() time.Time
	timestamps []time.Time
}

// NewStormDetector creates a detector. A nil clock uses time.Now.
func NewStormDetector(cfg StormConfig, now func() time.Time) *StormDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStormThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultStormWindow
	}
	if now == nil {
		now = time.Now
	}
	return &StormDetector{cfg: cfg, now: now}
}

// RecordDisconnect notes one disconnect at the current time
func (s *StormDetector) RecordDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.timestamps = append(s.timestamps, now)
	s.prune(now)
}

// IsStorm reports whether the disconnects inside the window reached the
// threshold.
func (s *StormDetector) IsStorm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(s.now())
	return len(s.timestamps) >= s.cfg.Threshold
}

// Cooldown returns the storm cooldown while a storm is active, zero otherwise
func (s *StormDetector) Cooldown() time.Duration {
	if s.IsStorm() {
		return s.cfg.Cooldown
	}
	return 0
}

// prune keeps entries with now - t < window. Callers hold mu.
func (s *StormDetector) prune(now time.Time) {
	kept := s.timestamps[:0]
	for _, t := range s.timestamps {
		if now.Sub(t) < s.cfg.Window {
			kept = append(kept, t)
		}
	}
	s.timestamps = kept
}

// ReconnectDelay combines backoff and storm cooldown. A storm only ever
// lengthens the wait.
func ReconnectDelay(b Backoff, storm *StormDetector, attempt int) time.Duration {
	delay := b.Delay(attempt)
	if storm == nil {
		return delay
	}
	if cd := storm.Cooldown(); cd > delay {
		return cd
	}
	return delay
}
