package repository

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrEvaluationNotFound = errors.New("evaluation not found")

	// ErrSessionComplete is returned when the cursor is already at the end.
	ErrSessionComplete = errors.New("session already complete")

	// ErrSessionClosed is returned for writes to a submitted or failed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrCursorMismatch is returned when a caller advances from an index the
	// session has not reached yet.
	ErrCursorMismatch = errors.New("question index does not match session")

	// ErrTerminalOutcome is returned when submit and fail collide; the first
	// recorded outcome stands.
	ErrTerminalOutcome = errors.New("session already has a terminal outcome")
)
