package health

import (
	"regexp"
	"strings"
	"time"
)

// Patterns stripped from relay error messages before they are exposed on /health
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, optionally with its parts
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries counters attached to a status
type Metrics struct {
	Uptime            time.Duration `json:"uptime,omitempty"`
	ErrorCount        int           `json:"error_count,omitempty"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// Aggregate rolls sub-statuses up: any unhealthy makes the aggregate
// unhealthy, otherwise any degraded makes it degraded. An empty set is
// healthy. The input slice is copied.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no sub-components")
	}

	state := StateHealthy
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			state = StateUnhealthy
			break
		}
		if sub.IsDegraded() {
			state = StateDegraded
		}
	}

	var message string
	switch state {
	case StateUnhealthy:
		message = "one or more sub-components are unhealthy"
	case StateDegraded:
		message = "one or more sub-components are degraded"
	default:
		message = "all sub-components are healthy"
	}

	status := newStatus(component, state, message)
	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	// Create a new slice to avoid sharing the underlying array
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitizeErrorMessage removes potentially sensitive information from error messages.
//
// Sanitization patterns:
//   - URLs (http://, https://, nats://, ws://, wss://) → [URL]
//   - File paths (Unix: /path/to/file, Windows: C:\path\to\file) → [PATH]
//   - IP addresses (192.168.1.100) → [IP]
//   - Port numbers (:8080) → [PORT]
//   - Credentials (password=X, token=X, key=X, secret=X) → [REDACTED]
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// Remove URLs first (before paths, as they contain paths)
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	// Remove file paths (Unix and Windows)
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	// Remove IP addresses
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")

	// Remove port numbers
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	// Remove potential credentials (basic patterns) - check against lowercase but replace in original case
	lowerSanitized := strings.ToLower(sanitized)
	if strings.Contains(lowerSanitized, "password") || strings.Contains(lowerSanitized, "token") ||
		strings.Contains(lowerSanitized, "key") || strings.Contains(lowerSanitized, "secret") ||
		strings.Contains(lowerSanitized, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// Relay link states as reported by the relay package
const (
	RelayDisconnected = "disconnected"
	RelayConnecting   = "connecting"
	RelayConnected    = "connected"
	RelayError        = "error"
)

// FromRelay maps a relay link state to a health status: connected is
// healthy, connecting is degraded, disconnected and error are unhealthy.
// lastError is sanitized before it lands in the message.
func FromRelay(url, state, lastError string, eventCount int64) Status {
	var s Status
	switch state {
	case RelayConnected:
		s = NewHealthy(url, "connected")
	case RelayConnecting:
		s = NewDegraded(url, "connecting")
	default:
		msg := state
		if lastError != "" {
			msg = sanitizeErrorMessage(lastError)
		}
		s = NewUnhealthy(url, msg)
	}
	if eventCount > 0 {
		s.Metrics = &Metrics{MessagesProcessed: eventCount}
	}
	return s
}

// ForClient aggregates relay statuses into the client status. The client
// is healthy while at least one read relay is connected and degraded
// otherwise; it is never unhealthy because relay loss is recovered by
// reconnecting.
func ForClient(name string, relays []Status, readConnected int) Status {
	var s Status
	if readConnected > 0 {
		s = NewHealthy(name, "read relay available")
	} else {
		s = NewDegraded(name, "no connected read relay")
	}
	if len(relays) > 0 {
		s.SubStatuses = make([]Status, len(relays))
		copy(s.SubStatuses, relays)
	}
	return s
}
