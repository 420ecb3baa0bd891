package attendance

import "time"

// SessionState is the lifecycle state of an attendance session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// Session is one time-bounded attendance run for a course.
// The token rotates while the session is active; EndTime is set
// exactly once, when the session closes.
type Session struct {
	ID        string       `json:"id"`
	CourseID  string       `json:"course_id"`
	OwnerID   string       `json:"owner_id"`
	StartTime time.Time    `json:"start_time"`
	EndTime   *time.Time   `json:"end_time,omitempty"`
	Token     string       `json:"token"`
	State     SessionState `json:"state"`
}

// Record is one successful check-in. Student name and number are
// snapshotted at check-in time so the roster survives later identity
// changes. Records are append-only.
type Record struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	StudentID     string    `json:"student_id"`
	Timestamp     time.Time `json:"timestamp"`
	StudentName   string    `json:"student_name"`
	StudentNumber string    `json:"student_number"`
}

// Identity is the already-authenticated caller as supplied by the
// transport layer. The core never issues or verifies identities.
type Identity struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	StudentNumber string `json:"student_number,omitempty"`
}

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)
