package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/metrics"
	"qrattend/internal/notify"
	"qrattend/internal/store"
)

type api struct {
	cfg      config.App
	sessions *attendance.Service
	checkins *attendance.CheckinService
	notifier notify.Notifier
	redis    *store.Redis
	dbReady  func() bool
}

func (a *api) handleHealthz(c *gin.Context) {
	redisHealthy := a.redis == nil || a.redis.Healthy(c.Request.Context())
	dbHealthy := a.dbReady()
	status := http.StatusOK
	if !redisHealthy || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
}

// handleDevToken mints identity tokens for local development. Real
// deployments front this API with an identity provider issuing
// compatible JWTs, so the endpoint is disabled in production.
func (a *api) handleDevToken(c *gin.Context) {
	if a.cfg.Env == "production" || a.cfg.Env == "prod" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	var req struct {
		ID            string `json:"id"`
		Name          string `json:"name" binding:"required"`
		Role          string `json:"role" binding:"required,oneof=teacher student"`
		StudentNumber string `json:"student_number"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ident := attendance.Identity{ID: req.ID, Name: req.Name, Role: req.Role, StudentNumber: req.StudentNumber}
	token, exp, err := auth.Issue(ident, a.cfg.JWTIssuer, a.cfg.JWTSigningKey, a.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"access_token": token,
		"expires_at":   exp.Unix(),
		"identity":     ident,
	})
}

func (a *api) handleStartSession(c *gin.Context) {
	var req struct {
		CourseID string `json:"course_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ident, _ := auth.IdentityFrom(c)
	sess, err := a.sessions.StartSession(c.Request.Context(), req.CourseID, ident.ID)
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess, "qr_payload": qrPayload(sess)})
}

func (a *api) handleGetSession(c *gin.Context) {
	sess, ok := a.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "qr_payload": qrPayload(sess)})
}

func (a *api) handleStopSession(c *gin.Context) {
	ident, _ := auth.IdentityFrom(c)
	sess, err := a.sessions.StopSession(c.Request.Context(), c.Param("id"), ident.ID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (a *api) handleRotateCredential(c *gin.Context) {
	if _, ok := a.ownedSession(c); !ok {
		return
	}
	sess, err := a.sessions.RotateCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": sess.Token, "qr_payload": qrPayload(sess)})
}

func (a *api) handleRoster(c *gin.Context) {
	if _, ok := a.ownedSession(c); !ok {
		return
	}
	records, err := a.sessions.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// handleRosterStream pushes roster updates over SSE: the current
// roster is replayed first, then live records as they land. The
// subscription starts before the replay, so a record arriving in
// between may be sent twice; clients key the roster by record id.
func (a *api) handleRosterStream(c *gin.Context) {
	sess, ok := a.ownedSession(c)
	if !ok {
		return
	}

	ch, cancelSub, err := a.notifier.Subscribe(c.Request.Context(), sess.ID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "subscribe failed"})
		return
	}
	defer cancelSub()
	metrics.RosterSubscribers.Inc()
	defer metrics.RosterSubscribers.Dec()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	records, err := a.sessions.Roster(c.Request.Context(), sess.ID)
	if err != nil {
		log.Printf("roster replay failed for session %s: %v", sess.ID, err)
		return
	}
	for _, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		writeEvent(c, "record", body)
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case body, open := <-ch:
			if !open {
				return
			}
			writeEvent(c, "record", body)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (a *api) handleCheckIn(c *gin.Context) {
	var req struct {
		Payload   string `json:"payload"`
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var p attendance.Payload
	if req.Payload != "" {
		// Raw decoded QR string straight from the scanner.
		var err error
		p, err = attendance.ParsePayload([]byte(req.Payload))
		if err != nil {
			a.writeError(c, err)
			return
		}
	} else {
		p = attendance.Payload{SessionID: req.SessionID, Token: req.Token}
	}

	ident, _ := auth.IdentityFrom(c)
	rec, err := a.checkins.CheckIn(c.Request.Context(), p, ident)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

// ownedSession loads the path session and verifies the caller owns it.
// Writes the error response itself when the check fails.
func (a *api) ownedSession(c *gin.Context) (attendance.Session, bool) {
	ident, _ := auth.IdentityFrom(c)
	sess, err := a.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return attendance.Session{}, false
	}
	if sess.OwnerID != ident.ID {
		a.writeError(c, attendance.ErrNotOwner)
		return attendance.Session{}, false
	}
	return sess, true
}

func (a *api) writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, attendance.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, attendance.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, attendance.ErrNotOwner),
		errors.Is(err, attendance.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrActiveSessionExists),
		errors.Is(err, attendance.ErrAlreadyRegistered):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func qrPayload(sess attendance.Session) string {
	body, err := attendance.Payload{SessionID: sess.ID, Token: sess.Token}.Encode()
	if err != nil {
		return ""
	}
	return string(body)
}

func writeEvent(c *gin.Context, event string, data []byte) {
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
}
