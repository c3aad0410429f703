// Package httpclient builds outbound http.Client instances wrapped with
// the resilience primitives (circuit breaker, rate limiter, response
// size limiting) the outbound service clients need (spec §4.4).
package httpclient

import (
	"net/http"
	"time"

	"github.com/syncbridge/core/internal/logging"
)

// New returns an http.Client configured with a sane default transport
// and timeout for outbound service calls.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger),
	}
}

// Transport returns a cloned default transport; kept as its own function
// so RoundTripper wrappers (circuit breaker, rate limiter) have a single
// base to compose over.
func Transport(logger logging.Logger) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	return base.Clone()
}
