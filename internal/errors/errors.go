package errors

import "errors"

// Connection-level errors. Recovered automatically with backoff; they
// escalate to a terminal status only after the retry ceiling.
//
// ErrMaxReconnects carries the exact text surfaced in the terminal
// connection status, which consumers match on.
var (
	ErrConnection       = errors.New("connection failed")
	ErrSubscriptionLost = errors.New("subscription lost")
	ErrMaxReconnects    = errors.New("Max reconnection attempts reached")
)

// Update-level errors. Always roll back optimistic state and are returned
// to the caller that submitted the update.
var (
	ErrUpdateRejected = errors.New("update rejected by server")
	ErrNotConnected   = errors.New("not connected")
)

// ErrConflict marks a server push that superseded a pending local edit.
// Conflicts surface to listeners as events, never as returned errors; the
// sentinel exists for log correlation and tests.
var ErrConflict = errors.New("conflicting server update")
