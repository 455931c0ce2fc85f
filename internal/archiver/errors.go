package archiver

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. Backend and network
// failures are recovered locally (breaker, fallback, per-page retry); only
// exhaustion of every recovery path surfaces one of these to a caller.
var (
	// ErrSourceUnavailable signals that every fallback backend was exhausted.
	// Fatal for the run; retried on the next scheduled tick.
	ErrSourceUnavailable = errors.New("all archive sources unavailable")

	// ErrRateLimited signals backend throttling. It increments the breaker and
	// triggers fallback; it is never a page-level failure.
	ErrRateLimited = errors.New("archive source rate limited")

	// ErrLockConflict signals another run is already active for the domain.
	ErrLockConflict = errors.New("another run is active for this domain")

	// ErrInvalidTransition signals a page status change not present in the
	// transition table.
	ErrInvalidTransition = errors.New("invalid page status transition")

	// ErrNotFound signals the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict signals an optimistic-concurrency write lost the race.
	ErrVersionConflict = errors.New("page version conflict")
)

// ParseError marks malformed capture listings or content. Page-level and not
// recoverable: the page becomes failed with is_recoverable_error=false.
type ParseError struct {
	Source string
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: parse %s: %v", e.Source, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: parse %s", e.Source, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransientError marks a network or timeout failure. Page-level and
// recoverable: the page moves to retry until max_retries is exhausted.
type TransientError struct {
	Source string
	Op     string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsParse reports whether err is (or wraps) a ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ErrorType returns the taxonomy label recorded on pages and runs.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrLockConflict):
		return "lock_conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case IsParse(err):
		return "parse_error"
	case IsTransient(err):
		return "transient_fetch_error"
	default:
		return "internal"
	}
}
