package attendance

import "errors"

var (
	// ErrActiveSessionExists means the (course, owner) pair already has
	// a live session; at most one is allowed at a time.
	ErrActiveSessionExists = errors.New("active session already exists for course and owner")

	// ErrSessionNotFound means no session with the given id exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotOwner means the caller is not the session owner.
	ErrNotOwner = errors.New("caller does not own session")

	// ErrSessionClosed means the operation requires an active session.
	// A second close attempt also reports this rather than succeeding
	// silently.
	ErrSessionClosed = errors.New("session is closed")

	// ErrMalformedPayload means the scanned QR payload did not parse or
	// is missing required fields.
	ErrMalformedPayload = errors.New("malformed check-in payload")

	// ErrInvalidToken means the presented token does not match the
	// session's current token, typically a stale capture after rotation.
	ErrInvalidToken = errors.New("token does not match current session token")

	// ErrAlreadyRegistered means the student already has a record in
	// this session.
	ErrAlreadyRegistered = errors.New("student already registered for session")
)
