package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"qrattend/internal/notify"
)

var (
	teacherA = Identity{ID: "t-1", Name: "Ayse Demir", Role: RoleTeacher}
	studentA = Identity{ID: "s-1", Name: "Ali Can", Role: RoleStudent, StudentNumber: "20210101"}
	studentB = Identity{ID: "s-2", Name: "Bora Kaya", Role: RoleStudent, StudentNumber: "20210102"}
)

func newTestServices(t *testing.T) (*Service, *CheckinService, *MemStore, *notify.InMemory) {
	t.Helper()
	st := NewMemStore()
	hub := notify.NewInMemory()
	svc := NewService(st, 0, 0)
	t.Cleanup(svc.Close)
	return svc, NewCheckinService(st, hub, 0), st, hub
}

func payloadFor(s Session) Payload {
	return Payload{SessionID: s.ID, Token: s.Token}
}

func TestStartSessionConflict(t *testing.T) {
	svc, _, _, _ := newTestServices(t)
	ctx := context.Background()

	first, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.State != SessionActive || first.Token == "" || first.ID == "" {
		t.Fatalf("unexpected session: %+v", first)
	}

	if _, err := svc.StartSession(ctx, "cs402", teacherA.ID); !errors.Is(err, ErrActiveSessionExists) {
		t.Fatalf("second start: got %v, want ErrActiveSessionExists", err)
	}

	// Different course for the same owner is allowed.
	if _, err := svc.StartSession(ctx, "cs301", teacherA.ID); err != nil {
		t.Fatalf("start different course: %v", err)
	}
	// Same course for a different owner is allowed.
	if _, err := svc.StartSession(ctx, "cs402", "t-2"); err != nil {
		t.Fatalf("start different owner: %v", err)
	}

	if _, err := svc.StopSession(ctx, first.ID, teacherA.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := svc.StartSession(ctx, "cs402", teacherA.ID); err != nil {
		t.Fatalf("restart after close: %v", err)
	}
}

func TestStopSession(t *testing.T) {
	svc, _, _, _ := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.StopSession(ctx, sess.ID, "someone-else"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stop by non-owner: got %v, want ErrNotOwner", err)
	}

	closed, err := svc.StopSession(ctx, sess.ID, teacherA.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if closed.State != SessionClosed || closed.EndTime == nil {
		t.Fatalf("not closed: %+v", closed)
	}

	if _, err := svc.StopSession(ctx, sess.ID, teacherA.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second stop: got %v, want ErrSessionClosed", err)
	}
	if _, err := svc.StopSession(ctx, "missing", teacherA.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stop missing: got %v, want ErrSessionNotFound", err)
	}
}

// The end-to-end check-in scenario: one successful registration per
// student, duplicates rejected, closed sessions reject everyone.
func TestCheckInScenario(t *testing.T) {
	svc, checkins, _, _ := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	rec, err := checkins.CheckIn(ctx, payloadFor(sess), studentA)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if rec.StudentID != studentA.ID || rec.SessionID != sess.ID {
		t.Fatalf("wrong record: %+v", rec)
	}
	if rec.StudentName != studentA.Name || rec.StudentNumber != studentA.StudentNumber {
		t.Fatalf("identity snapshot missing: %+v", rec)
	}

	if _, err := checkins.CheckIn(ctx, payloadFor(sess), studentA); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate: got %v, want ErrAlreadyRegistered", err)
	}

	roster, err := svc.Roster(ctx, sess.ID)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 || roster[0].StudentID != studentA.ID {
		t.Fatalf("roster = %+v, want exactly one record for %s", roster, studentA.ID)
	}

	if _, err := svc.StopSession(ctx, sess.ID, teacherA.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := checkins.CheckIn(ctx, payloadFor(sess), studentB); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("check-in after stop: got %v, want ErrSessionClosed", err)
	}
}

func TestCheckInValidation(t *testing.T) {
	svc, checkins, _, _ := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	tests := []struct {
		name    string
		payload Payload
		student Identity
		want    error
	}{
		{"missing session id", Payload{Token: sess.Token}, studentA, ErrMalformedPayload},
		{"missing token", Payload{SessionID: sess.ID}, studentA, ErrMalformedPayload},
		{"anonymous caller", payloadFor(sess), Identity{}, ErrMalformedPayload},
		{"unknown session", Payload{SessionID: "nope", Token: sess.Token}, studentA, ErrSessionNotFound},
		{"wrong token", Payload{SessionID: sess.ID, Token: "TOKEN_stale"}, studentA, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := checkins.CheckIn(ctx, tt.payload, tt.student); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	// None of the failures above may have left a record behind.
	roster, err := svc.Roster(ctx, sess.ID)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("failed check-ins left records: %+v", roster)
	}
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	svc, checkins, _, _ := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stale := payloadFor(sess)

	rotated, err := svc.RotateCredential(ctx, sess.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Token == stale.Token {
		t.Fatal("token did not change")
	}

	if _, err := checkins.CheckIn(ctx, stale, studentA); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("stale token: got %v, want ErrInvalidToken", err)
	}
	if _, err := checkins.CheckIn(ctx, payloadFor(rotated), studentA); err != nil {
		t.Fatalf("current token: %v", err)
	}
}

func TestRotateClosedSession(t *testing.T) {
	svc, _, _, _ := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.StopSession(ctx, sess.ID, teacherA.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := svc.RotateCredential(ctx, sess.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("rotate closed: got %v, want ErrSessionClosed", err)
	}
	if _, err := svc.RotateCredential(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("rotate missing: got %v, want ErrSessionNotFound", err)
	}
}

func TestAutomaticRotation(t *testing.T) {
	st := NewMemStore()
	svc := NewService(st, 10*time.Millisecond, 0)
	defer svc.Close()
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current, err := st.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if current.Token != sess.Token {
			return // rotated
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("token never rotated")
}

// N concurrent duplicates must resolve to exactly one stored record.
func TestConcurrentDuplicateCheckIn(t *testing.T) {
	svc, checkins, _, _ := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 32
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		wins       int
		duplicates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := checkins.CheckIn(ctx, payloadFor(sess), studentA)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyRegistered):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || duplicates != n-1 {
		t.Fatalf("wins=%d duplicates=%d, want 1 and %d", wins, duplicates, n-1)
	}
	roster, err := svc.Roster(ctx, sess.ID)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("roster has %d records, want 1", len(roster))
	}
}

func TestCheckInOverdueSession(t *testing.T) {
	st := NewMemStore()
	checkins := NewCheckinService(st, notify.NewInMemory(), time.Hour)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, Session{
		ID:        "sess-old",
		CourseID:  "cs402",
		OwnerID:   teacherA.ID,
		StartTime: time.Now().UTC().Add(-2 * time.Hour),
		Token:     "tok",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := checkins.CheckIn(ctx, payloadFor(sess), studentA); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("overdue check-in: got %v, want ErrSessionClosed", err)
	}
}

func TestCloseOverdue(t *testing.T) {
	st := NewMemStore()
	svc := NewService(st, 0, time.Hour)
	defer svc.Close()
	ctx := context.Background()

	old, err := st.CreateSession(ctx, Session{
		ID: "sess-old", CourseID: "cs402", OwnerID: teacherA.ID,
		StartTime: time.Now().UTC().Add(-3 * time.Hour), Token: "tok",
	})
	if err != nil {
		t.Fatalf("seed old: %v", err)
	}
	fresh, err := svc.StartSession(ctx, "cs301", teacherA.ID)
	if err != nil {
		t.Fatalf("start fresh: %v", err)
	}

	expired, err := svc.CloseOverdue(ctx)
	if err != nil {
		t.Fatalf("close overdue: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expired = %+v, want only %s", expired, old.ID)
	}
	if expired[0].State != SessionClosed || expired[0].EndTime == nil {
		t.Fatalf("expired session not closed: %+v", expired[0])
	}

	got, err := svc.GetSession(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.State != SessionActive {
		t.Fatalf("fresh session was expired: %+v", got)
	}
}

func TestCheckInPublishesRecord(t *testing.T) {
	svc, checkins, _, hub := newTestServices(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, "cs402", teacherA.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ch, cancel, err := hub.Subscribe(ctx, sess.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	want, err := checkins.CheckIn(ctx, payloadFor(sess), studentA)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}

	select {
	case body := <-ch:
		var got Record
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != want.ID || got.StudentID != studentA.ID {
			t.Fatalf("published %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no roster update published")
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Payload
		err  error
	}{
		{"valid", `{"sessionId":"S1","token":"T1"}`, Payload{SessionID: "S1", Token: "T1"}, nil},
		{"extra display fields ignored", `{"sessionId":"S1","token":"T1","courseName":"CS402"}`, Payload{SessionID: "S1", Token: "T1"}, nil},
		{"not json", `qr garbage`, Payload{}, ErrMalformedPayload},
		{"missing token", `{"sessionId":"S1"}`, Payload{}, ErrMalformedPayload},
		{"missing session", `{"token":"T1"}`, Payload{}, ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.raw))
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Fatalf("payload = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	orig := Payload{SessionID: "S1", Token: "T1"}
	raw, err := orig.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if decoded != orig {
		t.Fatalf("round trip changed payload: %+v", decoded)
	}
}
