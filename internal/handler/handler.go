package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/directory"
	"presence/internal/geo"
	"presence/internal/ledger"
	"presence/internal/override"
	"presence/internal/pipeline"
	"presence/internal/session"
)

// Handler exposes the protocol over HTTP.
type Handler struct {
	cfg       config.App
	log       *zap.Logger
	registry  *session.Registry
	pipeline  *pipeline.Pipeline
	ledger    ledger.Ledger
	override  *override.Service
	directory directory.Resolver
}

// New wires a handler.
func New(cfg config.App, log *zap.Logger, reg *session.Registry, pipe *pipeline.Pipeline,
	led ledger.Ledger, ovr *override.Service, dir directory.Resolver) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		pipeline:  pipe,
		ledger:    led,
		override:  ovr,
		directory: dir,
	}
}

// ---------- Auth ----------

// IssueToken resolves an id against the directory and issues a role-scoped
// JWT pair. Credential checks belong to the directory service, not here.
func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Role   string `json:"role" binding:"required,oneof=student teacher"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	if req.Role == auth.RoleTeacher {
		_, err = h.directory.Teacher(c.Request.Context(), req.UserID)
	} else {
		_, err = h.directory.Student(c.Request.Context(), req.UserID)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	tokens, err := auth.Issue(req.UserID, req.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---------- Sessions ----------

// StartSession opens a new attendance window for a section.
func (h *Handler) StartSession(c *gin.Context) {
	var req struct {
		Subject    string `json:"subject" binding:"required"`
		Section    string `json:"section" binding:"required"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, _ := auth.FromContext(c)
	sess, err := h.registry.Start(req.Section, req.Subject, claims.Subject, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"subject":    sess.Subject,
		"section":    sess.Section,
		"expires_at": sess.ExpiresAt,
		"qr_payload": string(sess.TokenPayload()),
	})
}

// StopSession closes a session. Stopping a session that already ended is a
// no-op.
func (h *Handler) StopSession(c *gin.Context) {
	if err := h.registry.Stop(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "stopped": true})
}

// SessionQR renders the session token as a QR PNG while the session is
// active.
func (h *Handler) SessionQR(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Active(id); err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.registry.Get(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	png, err := qrcode.Encode(string(sess.TokenPayload()), qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr encode failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// Discover answers the student's poll. A student's own directory section is
// authoritative; only teachers may discover arbitrary sections.
func (h *Handler) Discover(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	section := c.Query("section")
	if claims.Role == auth.RoleStudent {
		student, err := h.directory.Student(c.Request.Context(), claims.Subject)
		if err != nil {
			h.fail(c, err)
			return
		}
		section = student.Section
	}
	if section == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "section required"})
		return
	}
	c.JSON(http.StatusOK, h.registry.Discover(section))
}

// SessionAttendance is the live roll for one session.
func (h *Handler) SessionAttendance(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.registry.Get(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	records, err := h.ledger.SessionRecords(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}

	total := 0
	if students, err := h.directory.SectionStudents(c.Request.Context(), sess.Section); err == nil {
		total = len(students)
	}
	percentage := 0.0
	if total > 0 {
		percentage = float64(len(records)) / float64(total) * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":     id,
		"section":        sess.Section,
		"present_count":  len(records),
		"total_students": total,
		"percentage":     percentage,
		"records":        records,
	})
}

// ---------- Verification pipeline ----------

// VerifyQR is the first step: the student presents the scanned token.
func (h *Handler) VerifyQR(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	state, err := h.pipeline.SubmitQR(c.Request.Context(), req.SessionID, claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// VerifyLocation is the second step: a sampled coordinate pair.
func (h *Handler) VerifyLocation(c *gin.Context) {
	var req struct {
		SessionID string  `json:"session_id" binding:"required"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	state, err := h.pipeline.SubmitLocation(c.Request.Context(), req.SessionID, claims.Subject,
		geo.Coordinates{Latitude: req.Latitude, Longitude: req.Longitude})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// VerifyFace is the final step: a captured image as a base64 data URL.
func (h *Handler) VerifyFace(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
		Image     string `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	state, err := h.pipeline.SubmitFace(c.Request.Context(), req.SessionID, claims.Subject, req.Image)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// VerifyState reports the caller's pipeline progress.
func (h *Handler) VerifyState(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	claims, _ := auth.FromContext(c)
	c.JSON(http.StatusOK, h.pipeline.State(sessionID, claims.Subject))
}

// ---------- Ledger ----------

// Override marks a set of students present without the pipeline.
func (h *Handler) Override(c *gin.Context) {
	var req struct {
		Subject    string   `json:"subject" binding:"required"`
		StudentIDs []string `json:"student_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.StudentIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no students provided"})
		return
	}
	claims, _ := auth.FromContext(c)
	outcomes, err := h.override.Mark(c.Request.Context(), req.Subject, claims.Subject, req.StudentIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// QueryAttendance lists ledger records with optional filters.
func (h *Handler) QueryAttendance(c *gin.Context) {
	f := ledger.Filter{
		Subject: c.Query("subject"),
		Section: c.Query("section"),
	}
	if v := c.Query("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		f.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		f.To = t
	}
	records, err := h.ledger.Query(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// History returns a student's ledger view. Students may only read their own.
func (h *Handler) History(c *gin.Context) {
	studentID := c.Param("student_id")
	claims, _ := auth.FromContext(c)
	if claims.Role == auth.RoleStudent && claims.Subject != studentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "students may only read their own history"})
		return
	}
	hist, err := h.ledger.History(c.Request.Context(), studentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if hist.Records == nil {
		hist.Records = []ledger.Record{}
	}
	c.JSON(http.StatusOK, hist)
}

// ---------- Error mapping ----------

// fail translates the protocol's error taxonomy into status codes plus a
// stable machine-readable code. Retryable tells the client "try again" apart
// from "system unavailable".
func (h *Handler) fail(c *gin.Context, err error) {
	type apiError struct {
		status    int
		code      string
		retryable bool
	}
	var e apiError
	switch {
	case errors.Is(err, session.ErrActiveExists):
		e = apiError{http.StatusConflict, "CONFLICT", false}
	case errors.Is(err, session.ErrNotFound):
		e = apiError{http.StatusNotFound, "SESSION_NOT_FOUND", false}
	case errors.Is(err, session.ErrClosed):
		e = apiError{http.StatusGone, "SESSION_CLOSED", false}
	case errors.Is(err, session.ErrExpired):
		e = apiError{http.StatusGone, "SESSION_EXPIRED", false}
	case errors.Is(err, pipeline.ErrStepOrder):
		e = apiError{http.StatusConflict, "STEP_ORDER", false}
	case errors.Is(err, pipeline.ErrWrongSection):
		e = apiError{http.StatusForbidden, "WRONG_SECTION", false}
	case errors.Is(err, pipeline.ErrLocationRejected):
		e = apiError{http.StatusUnprocessableEntity, "LOCATION_REJECTED", true}
	case errors.Is(err, pipeline.ErrFaceRejected):
		e = apiError{http.StatusUnprocessableEntity, "FACE_REJECTED", true}
	case errors.Is(err, pipeline.ErrProviderTimeout):
		e = apiError{http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", true}
	case errors.Is(err, pipeline.ErrProviderUnavailable):
		e = apiError{http.StatusBadGateway, "PROVIDER_UNAVAILABLE", true}
	case errors.Is(err, directory.ErrNotFound):
		e = apiError{http.StatusNotFound, "UNKNOWN_USER", false}
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		e = apiError{http.StatusInternalServerError, "INTERNAL", false}
	}
	c.JSON(e.status, gin.H{"error": err.Error(), "code": e.code, "retryable": e.retryable})
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
