// Package retry holds the reconnect timing policy for relay links and a
// small exponential-backoff helper for one-shot operations.
//
// Backoff computes min(base*2^attempt, cap) with symmetric jitter. The result
// is clamped to [0, cap] so no caller ever waits longer than the cap:
//
//	b := retry.DefaultBackoff()
//	delay := b.Delay(attempt)
//
// StormDetector tracks disconnects across every connection of a pool. Once
// the number of disconnects inside the sliding window reaches the threshold,
// Cooldown returns the fixed storm cooldown and schedulers wait for the max
// of that and the computed backoff:
//
//	delay := max(b.Delay(attempt), storm.Cooldown())
//
// Do retries a function on the same Backoff curve until it succeeds, the
// attempts run out or the context ends. Errors classified invalid or fatal
// by the errors package stop the loop, as does anything wrapped with
// Permanent.
package retry
