package attendance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"time"

	"qrattend/internal/credential"
	"qrattend/internal/metrics"
	"qrattend/internal/notify"
)

// Payload is the decoded QR content a student submits. The external
// scanner hands it over as bytes; extra fields (the prototype embeds a
// display-only course name) are ignored.
type Payload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// ParsePayload decodes raw QR bytes into a Payload. Both fields are
// required.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrMalformedPayload
	}
	if p.SessionID == "" || p.Token == "" {
		return Payload{}, ErrMalformedPayload
	}
	return p, nil
}

// Encode renders the payload as the compact JSON embedded in QR images.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// CheckinService validates scanned credentials and records check-ins.
// The ledger append is the only mutation; every failure happens before
// it, so no error path leaves partial state behind.
type CheckinService struct {
	store      Store
	notifier   notify.Notifier
	sessionTTL time.Duration
}

// NewCheckinService creates a check-in service. sessionTTL mirrors the
// session service's expiry policy: an overdue session rejects
// check-ins even before the sweeper closes it.
func NewCheckinService(store Store, notifier notify.Notifier, sessionTTL time.Duration) *CheckinService {
	return &CheckinService{store: store, notifier: notifier, sessionTTL: sessionTTL}
}

// CheckIn validates the payload against the session's current
// credential and appends exactly one record per student per session.
// Duplicate attempts, concurrent or not, fail with
// ErrAlreadyRegistered.
func (s *CheckinService) CheckIn(ctx context.Context, p Payload, student Identity) (Record, error) {
	if p.SessionID == "" || p.Token == "" {
		return Record{}, s.reject(ErrMalformedPayload)
	}
	if student.ID == "" {
		return Record{}, s.reject(ErrMalformedPayload)
	}

	sess, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Record{}, s.reject(err)
		}
		metrics.CheckinsTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
		return Record{}, err
	}
	if sess.State == SessionClosed || overdue(sess, s.sessionTTL, time.Now().UTC()) {
		return Record{}, s.reject(ErrSessionClosed)
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(sess.Token)) != 1 {
		return Record{}, s.reject(ErrInvalidToken)
	}

	rec, err := s.store.AppendRecord(ctx, Record{
		ID:            credential.NewRecordID(),
		SessionID:     sess.ID,
		StudentID:     student.ID,
		Timestamp:     time.Now().UTC(),
		StudentName:   student.Name,
		StudentNumber: student.StudentNumber,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			metrics.CheckinsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		} else {
			metrics.CheckinsTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
		}
		return Record{}, err
	}

	s.publish(ctx, rec)
	metrics.CheckinsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	return rec, nil
}

// publish pushes the stored record to roster subscribers. The record
// is durable at this point; a notifier hiccup downgrades the teacher
// view to its next roster replay rather than failing the check-in.
func (s *CheckinService) publish(ctx context.Context, rec Record) {
	if s.notifier == nil {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.notifier.Publish(ctx, rec.SessionID, body); err != nil {
		log.Printf("roster publish failed for session %s: %v", rec.SessionID, err)
	}
}

func (s *CheckinService) reject(err error) error {
	metrics.CheckinsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
	return err
}
