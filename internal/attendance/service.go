package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"qrattend/internal/credential"
	"qrattend/internal/metrics"
)

// Service owns the session lifecycle: start, stop, roster reads,
// credential rotation and TTL expiry. It issues credentials itself and
// delegates persistence to the Store.
type Service struct {
	store       Store
	rotateEvery time.Duration
	sessionTTL  time.Duration

	mu       sync.Mutex
	rotators map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewService creates a session service. rotateEvery <= 0 disables
// automatic token rotation; sessionTTL <= 0 disables expiry.
func NewService(store Store, rotateEvery, sessionTTL time.Duration) *Service {
	return &Service{
		store:       store,
		rotateEvery: rotateEvery,
		sessionTTL:  sessionTTL,
		rotators:    make(map[string]context.CancelFunc),
	}
}

// StartSession creates a new active session for the course and owner
// and begins rotating its token. Fails with ErrActiveSessionExists if
// the pair already has a live session.
func (s *Service) StartSession(ctx context.Context, courseID, ownerID string) (Session, error) {
	if courseID == "" || ownerID == "" {
		return Session{}, errors.New("course and owner required")
	}

	created, err := s.store.CreateSession(ctx, Session{
		ID:        credential.NewSessionID(),
		CourseID:  courseID,
		OwnerID:   ownerID,
		StartTime: time.Now().UTC(),
		Token:     credential.NewToken(),
	})
	if err != nil {
		return Session{}, err
	}

	metrics.SessionsStartedTotal.Inc()
	s.startRotator(created.ID)
	return created, nil
}

// StopSession closes the session on behalf of its owner. A second stop
// reports ErrSessionClosed rather than succeeding silently.
func (s *Service) StopSession(ctx context.Context, sessionID, callerID string) (Session, error) {
	closed, err := s.store.CloseSession(ctx, sessionID, callerID, time.Now().UTC())
	if err != nil {
		return Session{}, err
	}
	s.stopRotator(sessionID)
	metrics.SessionsClosedTotal.WithLabelValues(metrics.ReasonStopped).Inc()
	return closed, nil
}

// GetSession returns the session by id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// Roster returns the session's check-ins ordered by check-in time.
func (s *Service) Roster(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListBySession(ctx, sessionID)
}

// RotateCredential replaces the session's token immediately, on top of
// whatever automatic rotation is running. A captured QR image stops
// validating as soon as this returns.
func (s *Service) RotateCredential(ctx context.Context, sessionID string) (Session, error) {
	rotated, err := s.store.RotateToken(ctx, sessionID, credential.NewToken())
	if err != nil {
		return Session{}, err
	}
	metrics.TokenRotationsTotal.Inc()
	return rotated, nil
}

// CloseOverdue closes every active session older than the configured
// TTL and returns them. Safety net against forgotten-open sessions;
// the sweeper calls this on an interval.
func (s *Service) CloseOverdue(ctx context.Context) ([]Session, error) {
	if s.sessionTTL <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	expired, err := s.store.ExpireSessions(ctx, now.Add(-s.sessionTTL), now)
	if err != nil {
		return nil, err
	}
	for _, sess := range expired {
		s.stopRotator(sess.ID)
		metrics.SessionsClosedTotal.WithLabelValues(metrics.ReasonExpired).Inc()
	}
	return expired, nil
}

// Overdue reports whether the session has outlived the TTL without
// being closed yet. Check-in treats such sessions as closed even
// before the sweeper gets to them.
func (s *Service) Overdue(sess Session, now time.Time) bool {
	return overdue(sess, s.sessionTTL, now)
}

func overdue(sess Session, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && sess.State == SessionActive && now.Sub(sess.StartTime) > ttl
}

// Close stops all rotation goroutines and waits for them.
func (s *Service) Close() {
	s.mu.Lock()
	for id, cancel := range s.rotators {
		cancel()
		delete(s.rotators, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) startRotator(sessionID string) {
	if s.rotateEvery <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.rotators[sessionID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, err := s.store.RotateToken(ctx, sessionID, credential.NewToken())
				if err != nil {
					if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotFound) {
						s.stopRotator(sessionID)
						return
					}
					continue // transient store error, try again next tick
				}
				metrics.TokenRotationsTotal.Inc()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) stopRotator(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.rotators[sessionID]; ok {
		cancel()
		delete(s.rotators, sessionID)
	}
}
