package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store for single-process
// deployments and tests. One lock serializes every read-check-write
// sequence, which is what makes CreateSession and AppendRecord atomic
// here.
type MemStore struct {
	mu           sync.Mutex
	sessions     map[string]Session
	activeByPair map[string]string   // courseID+"\x00"+ownerID -> session id
	records      map[string][]Record // session id -> append order
	registered   map[string]map[string]bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:     make(map[string]Session),
		activeByPair: make(map[string]string),
		records:      make(map[string][]Record),
		registered:   make(map[string]map[string]bool),
	}
}

func pairKey(courseID, ownerID string) string {
	return courseID + "\x00" + ownerID
}

// CreateSession inserts s, enforcing one active session per
// (course, owner) pair.
func (m *MemStore) CreateSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(s.CourseID, s.OwnerID)
	if _, live := m.activeByPair[key]; live {
		return Session{}, ErrActiveSessionExists
	}
	s.State = SessionActive
	m.sessions[s.ID] = s
	m.activeByPair[key] = s.ID
	return s, nil
}

// GetSession returns the session by id.
func (m *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// CloseSession moves an active session to closed.
func (m *MemStore) CloseSession(_ context.Context, id, callerID string, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.OwnerID != callerID {
		return Session{}, ErrNotOwner
	}
	if s.State == SessionClosed {
		return Session{}, ErrSessionClosed
	}
	m.closeLocked(&s, at)
	return s, nil
}

// closeLocked mutates s to closed and updates indexes. Caller holds mu.
func (m *MemStore) closeLocked(s *Session, at time.Time) {
	end := at
	s.State = SessionClosed
	s.EndTime = &end
	m.sessions[s.ID] = *s
	delete(m.activeByPair, pairKey(s.CourseID, s.OwnerID))
}

// RotateToken swaps the token on an active session.
func (m *MemStore) RotateToken(_ context.Context, id, token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.State == SessionClosed {
		return Session{}, ErrSessionClosed
	}
	s.Token = token
	m.sessions[id] = s
	return s, nil
}

// ExpireSessions closes every active session started before the cutoff.
func (m *MemStore) ExpireSessions(_ context.Context, startedBefore, at time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []Session
	for id, s := range m.sessions {
		if s.State == SessionActive && s.StartTime.Before(startedBefore) {
			m.closeLocked(&s, at)
			closed = append(closed, m.sessions[id])
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].StartTime.Before(closed[j].StartTime) })
	return closed, nil
}

// AppendRecord inserts r unless the student already checked in.
func (m *MemStore) AppendRecord(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := m.registered[r.SessionID]
	if seen == nil {
		seen = make(map[string]bool)
		m.registered[r.SessionID] = seen
	}
	if seen[r.StudentID] {
		return Record{}, ErrAlreadyRegistered
	}
	seen[r.StudentID] = true
	m.records[r.SessionID] = append(m.records[r.SessionID], r)
	return r, nil
}

// ListBySession returns the session's records ordered by timestamp,
// record id breaking ties.
func (m *MemStore) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[sessionID]
	out := make([]Record, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
