package platform

import (
	"errors"
	"fmt"
)

// Kind classifies platform failures into the taxonomy callers act on.
type Kind string

const (
	// KindQuotaExceeded means the platform's daily unit budget is exhausted.
	// It must not be retried within the same budget window.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindAuthExpired means the OAuth access token was rejected. The adapter
	// refreshes and retries once before surfacing this.
	KindAuthExpired Kind = "auth_expired"

	// KindUnavailable marks transient platform failures, retryable with
	// backoff.
	KindUnavailable Kind = "unavailable"

	// KindRejected covers every other platform refusal; terminal for the
	// attempt.
	KindRejected Kind = "rejected"
)

// Error is the normalized form of any failure returned by the platform API.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return "", false
}

// IsQuotaExceeded reports whether the error is a platform quota exhaustion.
func IsQuotaExceeded(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindQuotaExceeded
}

// IsAuthExpired reports whether the error is a surfaced auth failure.
func IsAuthExpired(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindAuthExpired
}

// IsUnavailable reports whether the error is a transient platform outage.
func IsUnavailable(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindUnavailable
}

// IsRejected reports whether the platform refused the request outright.
func IsRejected(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindRejected
}
