package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBackoff_Exponential(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{2000, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, b.Exponential(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_DelayJitterBounds(t *testing.T) {
	b := DefaultBackoff()

	b.Rand = fixedRand(0)
	assert.Equal(t, 750*time.Millisecond, b.Delay(0), "full negative jitter")

	b.Rand = fixedRand(0.5)
	assert.Equal(t, time.Second, b.Delay(0), "no jitter at midpoint")

	b.Rand = fixedRand(0.999999)
	assert.InDelta(t, float64(1250*time.Millisecond), float64(b.Delay(0)), float64(time.Millisecond))
}

func TestBackoff_DelayNeverExceedsCap(t *testing.T) {
	b := DefaultBackoff()
	b.Rand = fixedRand(0.999999)

	for attempt := 0; attempt < 64; attempt++ {
		d := b.Delay(attempt)
		assert.LessOrEqual(t, d, b.Cap)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestBackoff_DelayUsesSharedSource(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestStormDetector_Threshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewStormDetector(DefaultStormConfig(), clock.Now)

	assert.False(t, s.IsStorm())
	assert.Zero(t, s.Cooldown())

	s.RecordDisconnect()
	clock.Advance(time.Second)
	s.RecordDisconnect()
	assert.False(t, s.IsStorm())

	clock.Advance(time.Second)
	s.RecordDisconnect()
	assert.True(t, s.IsStorm())
	assert.Equal(t, DefaultStormCooldown, s.Cooldown())
}

func TestStormDetector_WindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewStormDetector(DefaultStormConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		s.RecordDisconnect()
	}
	require.True(t, s.IsStorm())

	// exactly one window later the entries fall out
	clock.Advance(DefaultStormWindow)
	assert.False(t, s.IsStorm())
	assert.Zero(t, s.Cooldown())
}

func TestReconnectDelay_StormEscalation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewStormDetector(DefaultStormConfig(), clock.Now)
	b := DefaultBackoff()
	b.Rand = fixedRand(0.5)

	assert.Equal(t, time.Second, ReconnectDelay(b, s, 0))

	for i := 0; i < DefaultStormThreshold; i++ {
		s.RecordDisconnect()
	}
	assert.Equal(t, DefaultStormCooldown, ReconnectDelay(b, s, 0))

	// backoff larger than cooldown wins
	assert.Equal(t, 32*time.Second, ReconnectDelay(b, s, 5))

	assert.Equal(t, time.Second, ReconnectDelay(b, nil, 0))
}
