package broadcast

import "errors"

// ErrInvalidRequest marks creation or update input that was rejected before
// any resource was touched.
var ErrInvalidRequest = errors.New("invalid request")

// ErrSessionNotFound is returned for operations on unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when a lifecycle transition is requested
// from a state that does not allow it, including races where a concurrent
// transition on the same session won the per-session gate.
var ErrInvalidTransition = errors.New("invalid session transition")
