package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Float64()
}

// permanentError stops Do on the attempt that returned it
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without another attempt
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether Do gives up on err at once. Errors marked
// with Permanent and errors classified invalid or fatal are permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	if stderrors.As(err, &pe) {
		return true
	}
	return errors.IsInvalid(err) || errors.IsFatal(err)
}

// Config bounds a retry loop. The wait before attempt n+1 is
// Backoff.Delay(n), the same jittered curve relay links reconnect on.
type Config struct {
	MaxAttempts int // 0 runs once
	Backoff     Backoff

	// OnRetry, if set, is called before each wait
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Quick retries ten times from 50ms up to 1s. Used while the event sink
// dials the broker at startup.
func Quick() Config {
	return Config{
		MaxAttempts: 10,
		Backoff: Backoff{
			Base:   50 * time.Millisecond,
			Cap:    time.Second,
			Jitter: DefaultBackoffJitter,
		},
	}
}

// Do runs fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx ends. The last error is returned wrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Backoff.Base < 0 || cfg.Backoff.Cap < cfg.Backoff.Base {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "Do",
			fmt.Sprintf("check backoff base %s cap %s", cfg.Backoff.Base, cfg.Backoff.Cap))
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return errors.Wrap(err, "retry", "Do", fmt.Sprintf("wait for attempt %d after %v", attempt+1, lastErr))
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		wait := cfg.Backoff.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "retry", "Do", fmt.Sprintf("wait for attempt %d after %v", attempt+2, err))
		case <-timer.C:
		}
	}

	return errors.Wrap(lastErr, "retry", "Do", fmt.Sprintf("run %d attempts", attempts))
}
