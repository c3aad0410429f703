// Package errors classifies failures into transient, permanent, and
// degraded kinds so the resilience layer and the processor pipeline can
// decide whether to retry, fail fast, or continue in a degraded mode
// (see spec §7 error handling design).
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TransientError marks a failure that is safe to retry (network blips,
// 5xx responses, rate limiting).
type TransientError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried (validation,
// auth, not-found).
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// DegradedError marks a failure where the caller can continue with reduced
// functionality instead of failing the whole operation (e.g. LLM enrichment
// failing during ai_analysis).
type DegradedError struct {
	Err     error
	Message string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded: %v", e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a TransientError with an optional message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError wraps err as a PermanentError with an optional message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewDegradedError wraps err as a DegradedError with an optional message.
func NewDegradedError(err error, message string) *DegradedError {
	return &DegradedError{Err: err, Message: message}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if isNetworkError(err) {
		return true
	}
	if status := extractHTTPStatusCode(err); status > 0 {
		return isTransientHTTPStatus(status)
	}
	return false
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}
	if status := extractHTTPStatusCode(err); status > 0 {
		return isPermanentHTTPStatus(status)
	}
	lowered := strings.ToLower(err.Error())
	for _, pattern := range []string{"not found", "unauthorized", "forbidden", "invalid", "bad request"} {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// IsDegraded reports whether err carries degraded-mode fallback semantics.
func IsDegraded(err error) bool {
	var degraded *DegradedError
	return errors.As(err, &degraded)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	lowered := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "deadline exceeded"} {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// HTTPStatusError is returned by outbound clients so extractHTTPStatusCode
// can classify failures without string matching.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func extractHTTPStatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
