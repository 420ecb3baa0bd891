package attendance

import (
	"context"
	"time"
)

// Store is the persistence boundary for sessions and the check-in
// ledger. Implementations must make CreateSession and AppendRecord
// atomic with respect to their uniqueness checks: concurrent calls
// racing on the same key resolve to exactly one winner, the rest
// receive ErrActiveSessionExists or ErrAlreadyRegistered.
type Store interface {
	// CreateSession persists a new active session. Fails with
	// ErrActiveSessionExists when the (CourseID, OwnerID) pair already
	// has an active session.
	CreateSession(ctx context.Context, s Session) (Session, error)

	// GetSession returns a session by id or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (Session, error)

	// CloseSession transitions an active session to closed and stamps
	// EndTime. Fails with ErrSessionNotFound, ErrNotOwner when callerID
	// differs from the owner, or ErrSessionClosed when already closed.
	CloseSession(ctx context.Context, id, callerID string, at time.Time) (Session, error)

	// RotateToken replaces the current token on an active session.
	// Fails with ErrSessionNotFound or ErrSessionClosed.
	RotateToken(ctx context.Context, id, token string) (Session, error)

	// ExpireSessions closes every active session started before the
	// cutoff and returns the sessions it closed. Used by the sweeper;
	// bypasses the owner check.
	ExpireSessions(ctx context.Context, startedBefore, at time.Time) ([]Session, error)

	// AppendRecord inserts a check-in record. Fails with
	// ErrAlreadyRegistered when the (SessionID, StudentID) pair already
	// has one; the duplicate check and insert are a single atomic step.
	AppendRecord(ctx context.Context, r Record) (Record, error)

	// ListBySession returns all records for a session ordered by
	// timestamp ascending, record id as tiebreak.
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
}
