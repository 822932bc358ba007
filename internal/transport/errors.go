package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a failed outbound call. The taxonomy is closed: every
// failure leaving this package carries exactly one of these kinds, assigned
// once at the transport boundary.
type Kind int

const (
	// KindNetwork means no response was received (DNS, connect, reset).
	KindNetwork Kind = iota
	// KindTimeout means no response was received before the deadline.
	KindTimeout
	// KindServer means the server answered with a 5xx status.
	KindServer
	// KindRateLimited means the server answered 429, possibly with Retry-After.
	KindRateLimited
	// KindClient means a 4xx other than 401/429. Never retried.
	KindClient
	// KindUnauthorized means 401. Triggers one token refresh and retry.
	KindUnauthorized
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindRateLimited:
		return "rate_limited"
	case KindClient:
		return "client"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the transport boundary.
type Error struct {
	Kind       Kind
	Status     int           // 0 when no response was received
	RetryAfter time.Duration // >0 only for KindRateLimited with a usable header
	Method     string
	URL        string
	Err        error // underlying cause, may be nil for status-derived errors
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: %s (status %d)", e.Method, e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry engine may attempt the call again:
// no response at all, a 5xx, or a 429.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// Connectivity reports whether the failure is connectivity-related and a
// queueable request may be absorbed into the offline queue. Validation
// failures (4xx) never qualify.
func (e *Error) Connectivity() bool {
	return e.Retryable()
}

// classifyStatus maps an HTTP status to an error, or nil for non-errors.
func classifyStatus(method, url string, status int, header http.Header) *Error {
	switch {
	case status >= 500:
		return &Error{Kind: KindServer, Status: status, Method: method, URL: url}
	case status == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			Status:     status,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Method:     method,
			URL:        url,
		}
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Status: status, Method: method, URL: url}
	case status >= 400:
		return &Error{Kind: KindClient, Status: status, Method: method, URL: url}
	default:
		return nil
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
