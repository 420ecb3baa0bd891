package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres-backed Store. The uniqueness invariants
// live in the schema: a partial unique index on (course_id, owner_id)
// over active sessions, and a unique constraint on
// (session_id, student_id) in the ledger. Both races therefore resolve
// in the database, one winner and a unique-violation for the loser.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo over an open Postgres handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionCols = `id, course_id, owner_id, start_time, end_time, token, state`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.CourseID, &s.OwnerID, &s.StartTime, &s.EndTime, &s.Token, &s.State)
	return s, err
}

// CreateSession inserts a new active session.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, course_id, owner_id, start_time, token, state)
		VALUES ($1, $2, $3, $4, $5, 'active')
		RETURNING `+sessionCols+`
	`, s.ID, s.CourseID, s.OwnerID, s.StartTime, s.Token)
	created, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err, "ux_sessions_active_pair") {
			return Session{}, ErrActiveSessionExists
		}
		return Session{}, err
	}
	return created, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return s, nil
}

// CloseSession transitions active -> closed with a conditional update,
// then discriminates the failure when no row matched.
func (r *Repository) CloseSession(ctx context.Context, id, callerID string, at time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET state = 'closed', end_time = $3
		WHERE id = $1 AND owner_id = $2 AND state = 'active'
		RETURNING `+sessionCols+`
	`, id, callerID, at)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}

	current, gerr := r.GetSession(ctx, id)
	if gerr != nil {
		return Session{}, gerr
	}
	if current.OwnerID != callerID {
		return Session{}, ErrNotOwner
	}
	return Session{}, ErrSessionClosed
}

// RotateToken swaps the token on an active session.
func (r *Repository) RotateToken(ctx context.Context, id, token string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET token = $2
		WHERE id = $1 AND state = 'active'
		RETURNING `+sessionCols+`
	`, id, token)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}
	if _, gerr := r.GetSession(ctx, id); gerr != nil {
		return Session{}, gerr
	}
	return Session{}, ErrSessionClosed
}

// ExpireSessions bulk-closes active sessions started before the cutoff.
func (r *Repository) ExpireSessions(ctx context.Context, startedBefore, at time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sessions
		SET state = 'closed', end_time = $2
		WHERE state = 'active' AND start_time < $1
		RETURNING `+sessionCols+`
	`, startedBefore, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closed []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		closed = append(closed, s)
	}
	return closed, rows.Err()
}

// AppendRecord inserts a check-in; the ledger's unique constraint
// turns a duplicate into ErrAlreadyRegistered.
func (r *Repository) AppendRecord(ctx context.Context, rec Record) (Record, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, checked_in_at, student_name, student_number)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Timestamp, rec.StudentName, rec.StudentNumber)
	if err != nil {
		if isUniqueViolation(err, "ux_records_session_student") {
			return Record{}, ErrAlreadyRegistered
		}
		return Record{}, err
	}
	return rec, nil
}

// ListBySession returns records ordered by check-in time ascending.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, checked_in_at, student_name, student_number
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY checked_in_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Timestamp, &rec.StudentName, &rec.StudentNumber); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres 23505 on the
// named constraint. Empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
