package gateway

import (
	"errors"
	"time"
)

// Error kinds returned by HandleRequest. Match them with errors.Is.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrMalformedInput     = errors.New("malformed input")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrUpstream           = errors.New("upstream error")
	ErrCanceled           = errors.New("request canceled")
)

// Outcome labels used in audit records and metrics.
const (
	OutcomeOK                 = "ok"
	OutcomeUnauthorized       = "unauthorized"
	OutcomeRateLimited        = "rate_limited"
	OutcomeLimiterUnavailable = "limiter_unavailable"
	OutcomeMalformedInput     = "malformed_input"
	OutcomeUpstreamTimeout    = "upstream_timeout"
	OutcomeUpstreamError      = "upstream_error"
	OutcomeCanceled           = "canceled"
)

// Error is a classified request failure. Kind is one of the Err* values;
// Err is the internal cause and is never shown to callers.
type Error struct {
	Kind           error
	Err            error
	RetryAfter     time.Duration // ErrRateLimited only
	Remaining      int64         // ErrRateLimited only
	UpstreamStatus int           // ErrUpstream with a non-2xx answer
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "gateway: " + e.Kind.Error() + ": " + e.Err.Error()
	}
	return "gateway: " + e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// OutcomeOf maps an error from HandleRequest to its outcome label.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrUnauthorized):
		return OutcomeUnauthorized
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrLimiterUnavailable):
		return OutcomeLimiterUnavailable
	case errors.Is(err, ErrMalformedInput):
		return OutcomeMalformedInput
	case errors.Is(err, ErrUpstreamTimeout):
		return OutcomeUpstreamTimeout
	case errors.Is(err, ErrCanceled):
		return OutcomeCanceled
	}
	return OutcomeUpstreamError
}
