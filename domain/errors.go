package domain

import "errors"

// Sentinel errors for the request taxonomy. ErrUnauthorized terminates the
// connection handshake; the rest map to per-session error events and never
// mutate shared state.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("access denied to project")
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("column capacity exceeded")
	ErrInvalidRequest   = errors.New("invalid request")
)
