package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valethq/valet/pkg/api"
)

// Error is the normalized backend failure. Every adapter maps its provider's
// error surface onto this one type so the dispatcher and the degradation
// manager never inspect provider errors directly.
type Error struct {
	Kind       api.ErrorKind
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the same backend could plausibly succeed on a
// later attempt. Auth and internal failures are terminal until someone fixes
// the configuration.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case api.ErrTransient, api.ErrTimeout, api.ErrRateLimited, api.ErrUnavailable, api.ErrOffline:
		return true
	}
	return false
}

// NewError builds a normalized error, classifying from the HTTP status when
// one is known and from the error text otherwise.
func NewError(provider string, status int, message string, cause error) *Error {
	return &Error{
		Kind:     classify(status, message, cause),
		Provider: provider,
		Status:   status,
		Message:  message,
		Cause:    cause,
	}
}

// AsError extracts a normalized *Error, wrapping foreign errors with a
// classified fallback so callers always see the closed kind set.
func AsError(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return NewError(provider, 0, err.Error(), err)
}

func classify(status int, message string, cause error) api.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return api.ErrAuth
	case status == 404:
		return api.ErrUnavailable
	case status == 429:
		return api.ErrRateLimited
	case status == 408 || status == 504:
		return api.ErrTimeout
	case status >= 500:
		return api.ErrTransient
	case status >= 400:
		return api.ErrInternal
	}

	if cause != nil {
		if errors.Is(cause, context.DeadlineExceeded) {
			return api.ErrTimeout
		}
		if errors.Is(cause, context.Canceled) {
			return api.ErrTransient
		}
		var netErr net.Error
		if errors.As(cause, &netErr) {
			if netErr.Timeout() {
				return api.ErrTimeout
			}
			return api.ErrUnavailable
		}
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return api.ErrRateLimited
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return api.ErrTimeout
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "authentication"), strings.Contains(lower, "forbidden"):
		return api.ErrAuth
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"),
		strings.Contains(lower, "not found"), strings.Contains(lower, "unreachable"):
		return api.ErrUnavailable
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "server error"),
		strings.Contains(lower, "bad gateway"), strings.Contains(lower, "unavailable"):
		return api.ErrTransient
	}
	return api.ErrTransient
}

// ParseRetryAfter interprets a Retry-After header value as whole seconds.
// HTTP dates are not worth supporting here; providers send seconds.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(value, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
