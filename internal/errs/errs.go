package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry, breaker and reporting decisions.
type Kind string

const (
	KindUnknown                  Kind = "unknown"
	KindQuotaExceeded            Kind = "quota_exceeded"
	KindQuotaUnavailable         Kind = "quota_unavailable"
	KindSourceTimeout            Kind = "source_timeout"
	KindSourceTransient          Kind = "source_transient"
	KindSourceParse              Kind = "source_parse"
	KindSourceRejected           Kind = "source_rejected"
	KindCircuitOpen              Kind = "circuit_open"
	KindTimeout                  Kind = "timeout"
	KindInsufficientData         Kind = "insufficient_data"
	KindDeliveryRateLimited      Kind = "delivery_rate_limited"
	KindDeliveryPermissionDenied Kind = "delivery_permission_denied"
	KindDeliveryFailed           Kind = "delivery_failed"
	KindFatalConfig              Kind = "fatal_config"
	KindNoEvents                 Kind = "no_events"
	KindDuplicateReport          Kind = "duplicate_report"
	KindRunInProgress            Kind = "run_in_progress"
)

// Error is the single error type carried across pipeline stages.
type Error struct {
	Kind   Kind
	Op     string
	Source string
	// RetryAfter is an upstream hint; zero means none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Source != "" {
		msg += " [" + e.Source + "]"
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, errs.New(KindX, "", nil)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Source == ""
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func WithSource(kind Kind, op, source string, err error) *Error {
	return &Error{Kind: kind, Op: op, Source: source, Err: err}
}

func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindDeliveryRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the outermost Kind found in the chain. Context errors that were not
// wrapped map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether repeating the same call may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindSourceTimeout, KindSourceTransient, KindDeliveryRateLimited, KindDeliveryFailed, KindUnknown:
		return true
	default:
		return false
	}
}

// RetryAfter extracts the upstream retry hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Message returns the innermost human-readable cause for report listings.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
