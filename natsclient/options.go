package natsclient

import (
	"log/slog"
	"time"

	"github.com/ishtarservices/TheWired-sub000/metric"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithTimeout bounds the initial dial
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithReconnect sets how the nats library reconnects a dropped link.
// max -1 retries forever, 0 disables reconnects; a non-positive wait keeps
// the default.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithAuth sets user credentials, a token, or both. Empty values are
// skipped when connecting.
func WithAuth(username, password, token string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		c.token = token
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive dial
// failures and caps the doubling backoff at maxBackoff. Out of range values
// fall back to 5 failures and one minute.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		if maxBackoff < time.Second {
			maxBackoff = time.Minute
		}
		c.circuitThreshold = threshold
		c.maxBackoff = maxBackoff
		return nil
	}
}

// WithHealthChangeCallback is called with true on connect and false on
// disconnect
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithMetrics exports the state of streams ensured through this client,
// polled every interval (zero uses DefaultMetricsInterval)
func WithMetrics(registry metric.MetricsRegistrar, interval time.Duration) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		m, err := newStreamMetrics(registry, interval)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}
