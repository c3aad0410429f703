package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/syncbridge/core/internal/resilience"
)

type circuitBreakerRoundTripper struct {
	base    http.RoundTripper
	breaker *resilience.CircuitBreaker
}

// WrapWithCircuitBreaker wraps base with breaker: every request first
// checks breaker.Allow, then reports the outcome (including 5xx/429
// responses as failures) via breaker.Mark (spec §4.2/§4.4).
func WrapWithCircuitBreaker(base http.RoundTripper, breaker *resilience.CircuitBreaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &circuitBreakerRoundTripper{base: base, breaker: breaker}
}

func (t *circuitBreakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("httpclient: nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("httpclient: status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

type rateLimitedRoundTripper struct {
	base    http.RoundTripper
	limiter *resilience.RateLimiter
}

// WrapWithRateLimit wraps base so every request blocks on limiter.Wait
// before being issued (spec §4.2/§4.4).
func WrapWithRateLimit(base http.RoundTripper, limiter *resilience.RateLimiter) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rateLimitedRoundTripper{base: base, limiter: limiter}
}

func (t *rateLimitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("httpclient: rate limit wait: %w", err)
	}
	return t.base.RoundTrip(req)
}
