// Package health reports the health of the relay client and its parts.
//
// A Status is healthy, degraded or unhealthy and may carry sub-statuses.
// FromRelay maps a relay link state onto that model, ForClient rolls the
// relay statuses up into the client status, and Monitor tracks the
// remaining components (store, verification worker, broker sink) so the
// metrics server can expose one aggregate on /health.
//
// Error text is sanitized before it is stored so URLs, paths and
// credentials never reach the health endpoint.
package health
