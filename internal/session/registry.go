package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/metrics"
)

// Status of a session. ACTIVE sessions accept verification steps; the other
// two states are terminal.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusStopped Status = "STOPPED"
	StatusExpired Status = "EXPIRED"
)

var (
	// ErrActiveExists signals a second start for a section that already has
	// an active session.
	ErrActiveExists = errors.New("active session already exists for section")
	// ErrNotFound signals an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrClosed signals a session stopped by its teacher.
	ErrClosed = errors.New("session closed")
	// ErrExpired signals a session past its TTL.
	ErrExpired = errors.New("session expired")
)

// DefaultTTL bounds a session's validity when the teacher does not choose one.
const DefaultTTL = 600 * time.Second

// Session is one open attendance window for a section.
type Session struct {
	ID        string    `json:"session_id"`
	Section   string    `json:"section"`
	Subject   string    `json:"subject"`
	TeacherID string    `json:"teacher_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`
}

// TokenPayload returns the JSON the QR code carries. The QR is advisory; the
// binding authority is the session id matching an active session.
func (s Session) TokenPayload() []byte {
	b, _ := json.Marshal(map[string]string{
		"session_id": s.ID,
		"subject":    s.Subject,
	})
	return b
}

// Discovery is the polled answer for a section.
type Discovery struct {
	Active    bool       `json:"active"`
	SessionID string     `json:"session_id,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	TeacherID string     `json:"teacher_id,omitempty"`
	Section   string     `json:"section,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Registry is the authoritative keyed store of sessions. It guarantees at
// most one ACTIVE session per section.
type Registry struct {
	mu        sync.Mutex
	bySection map[string]*Session // ACTIVE sessions only
	byID      map[string]*Session
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySection: make(map[string]*Session),
		byID:      make(map[string]*Session),
		now:       time.Now,
	}
}

// Start opens a new session for the section. Fails with ErrActiveExists while
// another session for the same section is still active.
func (r *Registry) Start(section, subject, teacherID string, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bySection[section]; ok {
		r.expireLocked(cur)
		if cur.Status == StatusActive {
			return Session{}, ErrActiveExists
		}
	}

	now := r.now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Section:   section,
		Subject:   subject,
		TeacherID: teacherID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusActive,
	}
	r.bySection[section] = s
	r.byID[s.ID] = s
	metrics.SessionsStarted.Inc()
	return *s, nil
}

// Stop transitions the session to STOPPED. Stopping an already non-active
// session is a no-op, not an error.
func (r *Registry) Stop(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.expireLocked(s)
	if s.Status != StatusActive {
		return nil
	}
	s.Status = StatusStopped
	delete(r.bySection, s.Section)
	metrics.SessionsStopped.Inc()
	return nil
}

// Discover reports the current active session for a section. Expiry is
// evaluated at read time, so an expired session is never reported active.
func (r *Registry) Discover(section string) Discovery {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySection[section]
	if !ok {
		return Discovery{Active: false}
	}
	r.expireLocked(s)
	if s.Status != StatusActive {
		return Discovery{Active: false}
	}
	exp := s.ExpiresAt
	return Discovery{
		Active:    true,
		SessionID: s.ID,
		Subject:   s.Subject,
		TeacherID: s.TeacherID,
		Section:   s.Section,
		ExpiresAt: &exp,
	}
}

// Get returns a snapshot of the session regardless of status.
func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	r.expireLocked(s)
	return *s, nil
}

// Active reports whether the session may still accept verification steps.
func (r *Registry) Active(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.expireLocked(s)
	switch s.Status {
	case StatusActive:
		return nil
	case StatusStopped:
		return ErrClosed
	default:
		return ErrExpired
	}
}

// Sweep flips expired sessions in the background until ctx is done. Lazy
// read-time expiry keeps correctness even when the sweeper lags.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for _, s := range r.bySection {
				r.expireLocked(s)
			}
			r.mu.Unlock()
		}
	}
}

// expireLocked transitions an ACTIVE session past its TTL to EXPIRED.
// Callers must hold r.mu.
func (r *Registry) expireLocked(s *Session) {
	if s.Status != StatusActive {
		return
	}
	if !r.now().UTC().Before(s.ExpiresAt) {
		s.Status = StatusExpired
		delete(r.bySection, s.Section)
		metrics.SessionsExpired.Inc()
	}
}
